package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"flip-sentinel/internal/correlation"
)

// FindAlt looks for an account linked to the player by shared receive
// history on recently sold auctions.
func (a *App) FindAlt(ctx context.Context, playerID int64) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot correlate")
	}
	defer closeStore()

	correlator := correlation.New(store, a.Logger)
	result, err := correlator.FindAlt(ctx, playerID)
	if err != nil {
		return err
	}

	if !result.Found() {
		fmt.Fprintf(os.Stdout, "player %d: no correlated account found\n", playerID)
		return nil
	}

	fmt.Fprintf(os.Stdout, "player %d: suggested alt %d (%d shared receives)\n", playerID, result.SuggestedAlt, result.SharedEvents)
	fmt.Fprintf(os.Stdout, "shared auctions: %v\n", result.AuctionIDs)
	return nil
}
