package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"flip-sentinel/internal/models"
)

// flipLister is the read slice of the flip store the show command uses.
// Satisfied by *storage.Store.
type flipLister interface {
	CountFlips(ctx context.Context) (int64, error)
	RecentFlips(ctx context.Context, limit int) ([]models.Flip, error)
	FlipsByFinder(ctx context.Context, finder models.FinderType, from, to time.Time) ([]models.Flip, error)
	FlipIDsByFinder(ctx context.Context, finder models.FinderType, from, to time.Time) ([]int64, error)
}

// Show prints recently ingested flips.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show flips")
	}
	defer closeStore()

	return renderFlips(ctx, os.Stdout, store, opts, time.Now().UTC())
}

func renderFlips(ctx context.Context, out io.Writer, store flipLister, opts ShowOptions, now time.Time) error {
	var flips []models.Flip
	if opts.Finder != "" {
		finder := models.ParseFinderType(opts.Finder)
		if finder == models.FinderUnknown {
			return fmt.Errorf("unknown finder type %q", opts.Finder)
		}
		window := opts.WindowMinutes
		if window <= 0 {
			window = defaultExportWindowMinutes
		}
		from := now.Add(-time.Duration(window) * time.Minute)

		if opts.IDsOnly {
			ids, err := store.FlipIDsByFinder(ctx, finder, from, now)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(out, id)
			}
			return nil
		}

		var err error
		flips, err = store.FlipsByFinder(ctx, finder, from, now)
		if err != nil {
			return err
		}
		if len(flips) > opts.Limit {
			flips = flips[len(flips)-opts.Limit:]
		}
	} else {
		var err error
		flips, err = store.RecentFlips(ctx, opts.Limit)
		if err != nil {
			return err
		}
	}
	if len(flips) == 0 {
		fmt.Fprintln(out, "no flips found")
		return nil
	}

	total, err := store.CountFlips(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%d flips total, showing %d\n\n", total, len(flips))

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tAuction\tFinder\tTarget")

	for _, flip := range flips {
		fmt.Fprintf(
			writer,
			"%s\t%d\t%s\t%d\n",
			flip.Timestamp.UTC().Format(time.RFC3339),
			flip.AuctionID,
			flip.FinderType.String(),
			flip.TargetPrice,
		)
	}

	writer.Flush()
	return nil
}
