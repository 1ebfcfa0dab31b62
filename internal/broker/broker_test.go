package broker

import (
	"testing"
	"time"
)

func TestEntryTime(t *testing.T) {
	ts := entryTime("1714562400000-0")
	want := time.UnixMilli(1714562400000).UTC()
	if !ts.Equal(want) {
		t.Fatalf("expected %v, got %v", want, ts)
	}
}

func TestEntryTimeMalformed(t *testing.T) {
	for _, id := range []string{"", "-0", "abc-0", "12345"} {
		if !entryTime(id).IsZero() {
			t.Fatalf("id %q should yield zero time", id)
		}
	}
}
