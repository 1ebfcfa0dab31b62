package main

import (
	"flip-sentinel/internal/cli"
)

func main() {
	cli.Execute()
}
