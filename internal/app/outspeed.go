package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"flip-sentinel/internal/broker"
)

// Outspeed reports who claimed an auction first and how far behind the given
// player was.
func (a *App) Outspeed(ctx context.Context, auctionID, playerID int64) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot inspect auction")
	}
	defer closeStore()

	client := broker.NewClient(a.Config.Redis)
	defer client.Close()

	engine := a.newEngine(ctx, store, client)
	result, err := engine.OutspeedTime(ctx, auctionID, playerID)
	if err != nil {
		return err
	}

	if result.WinningPlayerID == 0 {
		fmt.Fprintf(os.Stdout, "auction %d: no claim events recorded\n", auctionID)
		return nil
	}
	if result.WinningPlayerID == playerID {
		fmt.Fprintf(os.Stdout, "auction %d: player %d claimed it first\n", auctionID, playerID)
		return nil
	}
	if result.SecondsDifference == 0 {
		fmt.Fprintf(os.Stdout, "auction %d: claimed by %d; player %d left no trace\n", auctionID, result.WinningPlayerID, playerID)
		return nil
	}

	fmt.Fprintf(os.Stdout, "auction %d: claimed by %d, player %d was %.3fs behind\n", auctionID, result.WinningPlayerID, playerID, result.SecondsDifference)
	return nil
}
