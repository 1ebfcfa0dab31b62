package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"flip-sentinel/internal/broker"
	"flip-sentinel/internal/leaderboard"
)

// Top prints the fastest recorded reaction times for a UTC day.
func (a *App) Top(ctx context.Context, day time.Time, limit int64) error {
	client := broker.NewClient(a.Config.Redis)
	defer client.Close()

	board := leaderboard.New(client, a.Logger)
	entries, err := board.Top(ctx, day, limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintf(os.Stdout, "no leaderboard entries for %s\n", day.UTC().Format("2006-01-02"))
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Rank\tPlayer\tReaction (s)\tProfit")
	for i, entry := range entries {
		fmt.Fprintf(writer, "%d\t%d\t%.3f\t%s\n", i+1, entry.PlayerID, entry.ElapsedSeconds, entry.Profit.String())
	}
	writer.Flush()
	return nil
}
