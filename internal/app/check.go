package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"flip-sentinel/internal/alerting"
	"flip-sentinel/internal/broker"
	"flip-sentinel/internal/detection"
	"flip-sentinel/internal/models"
)

// Check runs a one-shot speed check and optionally routes an alert when the
// penalty crosses the configured threshold.
func (a *App) Check(ctx context.Context, opts CheckOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot check")
	}
	defer closeStore()

	client := broker.NewClient(a.Config.Redis)
	defer client.Close()

	req := models.SpeedCheckRequest{
		PlayerIDs:     opts.PlayerIDs,
		WindowMinutes: opts.WindowMinutes,
	}
	if opts.Reference != nil {
		req.Reference = opts.Reference.UTC()
	}

	engine := a.newEngine(ctx, store, client)
	result, err := engine.CheckSpeed(ctx, req)
	if err != nil {
		return err
	}

	printResult(opts.PlayerIDs, result)

	if opts.Alert && a.Config.Alerting.Enabled && result.Penalty >= a.Config.Alerting.PenaltyThreshold {
		notifier := a.newNotifier()
		if notifier == nil {
			a.Logger.Warn().Msg("alerting enabled but no notifier configured")
			return nil
		}
		ref := time.Now().UTC()
		if opts.Reference != nil {
			ref = opts.Reference.UTC()
		}
		note := alerting.Notification{
			Reference:    ref,
			PlayerIDs:    opts.PlayerIDs,
			Penalty:      result.Penalty,
			Threshold:    a.Config.Alerting.PenaltyThreshold,
			AvgAdvantage: result.AvgAdvantageSeconds,
			Samples:      len(result.Timings),
			EscrowHits:   result.EscrowContention,
			MacroSamples: len(result.MacroSamples),
		}
		if err := notifier.Notify(ctx, note); err != nil {
			return fmt.Errorf("send alert: %w", err)
		}
	}
	return nil
}

func printResult(playerIDs []int64, result models.SpeedCompResult) {
	out := os.Stdout
	if result.Penalty == detection.NoDataPenalty && len(result.Timings) == 0 {
		fmt.Fprintf(out, "players %v: no candidate sales in window (penalty %.0f)\n", playerIDs, result.Penalty)
		return
	}

	fmt.Fprintf(out, "players: %v\n", playerIDs)
	fmt.Fprintf(out, "penalty: %.4f\n", result.Penalty)
	fmt.Fprintf(out, "avg advantage: %.2fs over %d sales\n", result.AvgAdvantageSeconds, len(result.Timings))
	if result.EscrowContention > 0 {
		fmt.Fprintf(out, "escrow contention: %d\n", result.EscrowContention)
	}
	if len(result.MacroSamples) > 0 {
		fmt.Fprintf(out, "macro-band samples (long lookback): %d\n", len(result.MacroSamples))
	}
	if len(result.BadIDs) > 0 {
		fmt.Fprintf(out, "flagged ids: %v\n", result.BadIDs)
	}
}
