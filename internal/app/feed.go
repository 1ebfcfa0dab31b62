package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"flip-sentinel/internal/broker"
	"flip-sentinel/internal/feed"
)

// Feed runs the websocket firehose bridge, forwarding upstream frames onto
// the broker topics the pipeline consumes.
func (a *App) Feed(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := broker.NewClient(a.Config.Redis)
	defer client.Close()

	publisher := broker.NewPublisher(client, a.Logger)
	listener := feed.NewListener(a.Config.Feed, publisher, a.Logger)

	a.Logger.Info().Str("url", a.Config.Feed.URL).Msg("starting feed bridge")
	err := listener.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("feed bridge terminated with error")
		return err
	}

	a.Logger.Info().Msg("feed bridge stopped")
	return nil
}
