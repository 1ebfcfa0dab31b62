package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"flip-sentinel/internal/alerting"
	"flip-sentinel/internal/broker"
	"flip-sentinel/internal/config"
	"flip-sentinel/internal/denylist"
	"flip-sentinel/internal/detection"
	"flip-sentinel/internal/ingest"
	"flip-sentinel/internal/leaderboard"
	"flip-sentinel/internal/orchestrator"
	"flip-sentinel/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

// loadBadActors merges the config seed ids with flags the pipeline has
// persisted since. A Redis failure degrades to the seeds with a warning so
// offline checks still work.
func (a *App) loadBadActors(ctx context.Context, client *redis.Client) *denylist.Set {
	badActors := denylist.NewSet(a.Config.Detection.BadPlayerIDs)
	flags := denylist.NewStore(client, a.Logger)
	persisted, err := flags.Members(ctx)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("persisted denylist unavailable, using config seeds only")
		return badActors
	}
	for _, id := range persisted {
		badActors.Add(id)
	}
	return badActors
}

func (a *App) newEngine(ctx context.Context, store *storage.Store, client *redis.Client) *detection.Engine {
	badActors := a.loadBadActors(ctx, client)
	knownMacroers := denylist.NewSet(a.Config.Detection.KnownMacroerIDs)
	return detection.NewEngine(a.Config.Detection, store, store, badActors, knownMacroers, a.Logger)
}

// Run executes the long-running consumption pipeline.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn is required to run the pipeline")
	}
	defer closeStore()

	client := broker.NewClient(a.Config.Redis)
	defer client.Close()

	consumer := broker.NewConsumer(client, a.Config.Consumer.BlockTime, a.Logger)
	board := leaderboard.New(client, a.Logger)
	flagged := a.loadBadActors(ctx, client)
	flags := denylist.NewStore(client, a.Logger)

	ing := ingest.New(a.Config.Ingest, store, store, a.Logger)
	handlers := orchestrator.NewHandlers(ing, store, board, flagged, flags, a.Logger)

	orch := orchestrator.New(consumer, a.Config.Consumer.HandlerRetries, a.Logger)
	topics := a.Config.Consumer
	orch.Add("new-flips", topics.NewFlips, handlers.NewFlips)
	orch.Add("flip-events", topics.FlipEvents, handlers.FlipEvents)
	orch.Add("trades", topics.Trades, handlers.Trades)
	orch.Add("sold-leaderboard", topics.SoldLeaderboard, handlers.SoldLeaderboard)
	orch.Add("sold-indexer", topics.SoldIndexer, handlers.SoldIndexer)
	orch.Add("new-auctions", topics.NewAuctions, handlers.NewAuctions)
	orch.Add("recovery", topics.Recovery, handlers.Recovery)

	a.Logger.Info().Msg("starting consumption pipeline")
	err = orch.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("pipeline terminated with error")
		return err
	}

	a.Logger.Info().Msg("pipeline stopped")
	return nil
}

// CheckOptions configure a one-shot speed check.
type CheckOptions struct {
	PlayerIDs     []int64
	WindowMinutes int
	Reference     *time.Time
	Alert         bool
}

// ExportOptions hold parameters for exporting a player's timing history.
type ExportOptions struct {
	PlayerID      int64
	WindowMinutes int
	PNGPath       string
	CSVPath       string
	MaxPoints     int
}

// ShowOptions configure the show command. Finder narrows the listing to one
// finder type over the lookback window.
type ShowOptions struct {
	Limit         int
	Finder        string
	WindowMinutes int
	// IDsOnly prints one auction id per line instead of the table. Only
	// meaningful together with Finder.
	IDsOnly bool
}
