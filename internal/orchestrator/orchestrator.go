package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"flip-sentinel/internal/broker"
	"flip-sentinel/internal/config"
)

// errSoftTimeout marks a handler that outlived its soft deadline.
var errSoftTimeout = errors.New("orchestrator: handler soft timeout")

// maxPullFailures bounds consecutive broker pull errors before a loop gives
// up and triggers fail-fast supervision.
const maxPullFailures = 3

// Source is the at-least-once batch delivery capability the loops consume
// from. Satisfied by *broker.Consumer.
type Source interface {
	Pull(ctx context.Context, stream, group string, count int64) ([]broker.Message, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
}

// Handler processes one delivered batch.
type Handler func(ctx context.Context, msgs []broker.Message) error

// Loop binds a topic to its handler.
type Loop struct {
	Name    string
	Topic   config.TopicConfig
	Handler Handler
}

// Orchestrator keeps N consumption loops alive concurrently and tears the
// whole service down when any loop terminates: a stalled ingestion path is a
// process-health failure, not an isolated degradation.
type Orchestrator struct {
	source  Source
	loops   []Loop
	retries int
	logger  zerolog.Logger
	now     func() time.Time
}

// New constructs an Orchestrator.
func New(source Source, handlerRetries int, logger zerolog.Logger) *Orchestrator {
	if handlerRetries <= 0 {
		handlerRetries = 3
	}
	return &Orchestrator{
		source:  source,
		retries: handlerRetries,
		logger:  logger.With().Str("component", "orchestrator").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Add registers a consumption loop. Must be called before Run.
func (o *Orchestrator) Add(name string, topic config.TopicConfig, handler Handler) {
	o.loops = append(o.loops, Loop{Name: name, Topic: topic, Handler: handler})
}

type loopExit struct {
	name string
	err  error
}

// Run starts every registered loop and blocks until the first one finishes,
// then cancels the rest and returns. A loop exiting for any reason other
// than a requested shutdown is a fatal error so the external process manager
// restarts the service cleanly.
func (o *Orchestrator) Run(ctx context.Context) error {
	if len(o.loops) == 0 {
		return errors.New("orchestrator: no loops registered")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan loopExit, len(o.loops))
	var wg sync.WaitGroup
	for _, loop := range o.loops {
		wg.Add(1)
		go func(l Loop) {
			defer wg.Done()
			results <- loopExit{name: l.Name, err: o.runLoop(loopCtx, l)}
		}(loop)
	}

	first := <-results
	cancel()
	wg.Wait()

	if ctx.Err() != nil {
		o.logger.Info().Str("loop", first.name).Msg("shutdown requested, loops stopped")
		return nil
	}

	o.logger.Error().Err(first.err).Str("loop", first.name).Msg("consumption loop exited, failing fast")
	if first.err == nil {
		return fmt.Errorf("consumption loop %s exited unexpectedly", first.name)
	}
	return fmt.Errorf("consumption loop %s exited: %w", first.name, first.err)
}

func (o *Orchestrator) runLoop(ctx context.Context, l Loop) error {
	logger := o.logger.With().Str("loop", l.Name).Str("stream", l.Topic.Stream).Str("group", l.Topic.Group).Logger()
	logger.Info().Int64("batch_size", l.Topic.BatchSize).Msg("consumption loop started")

	pullFailures := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msgs, err := o.source.Pull(ctx, l.Topic.Stream, l.Topic.Group, l.Topic.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			pullFailures++
			logger.Warn().Err(err).Int("failures", pullFailures).Msg("broker pull failed")
			if pullFailures >= maxPullFailures {
				return fmt.Errorf("pull from %s: %w", l.Topic.Stream, err)
			}
			if !sleepCtx(ctx, time.Second) {
				return ctx.Err()
			}
			continue
		}
		pullFailures = 0

		if len(msgs) == 0 {
			continue
		}

		if l.Topic.MaxAge > 0 && allStale(msgs, o.now(), l.Topic.MaxAge) {
			logger.Warn().Int("batch", len(msgs)).Dur("max_age", l.Topic.MaxAge).Msg("stale backlog batch skipped")
			o.ack(ctx, l, msgs, logger)
			continue
		}

		processErr := o.process(ctx, l, msgs, logger)

		// At-least-once: the batch is acknowledged once a processing
		// attempt completed, successful or exhausted. Idempotent ingestion
		// absorbs the replays this allows.
		o.ack(ctx, l, msgs, logger)

		if processErr != nil && l.Topic.Backoff > 0 {
			logger.Warn().Dur("backoff", l.Topic.Backoff).Msg("backing off after failed batch")
			if !sleepCtx(ctx, l.Topic.Backoff) {
				return ctx.Err()
			}
		}
	}
}

func (o *Orchestrator) process(ctx context.Context, l Loop, msgs []broker.Message, logger zerolog.Logger) error {
	var lastErr error
	for attempt := 1; attempt <= o.retries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := o.invoke(ctx, l, msgs)
		if err == nil {
			return nil
		}
		lastErr = err
		logger.Warn().Err(err).Int("attempt", attempt).Int("batch", len(msgs)).Msg("batch handler failed")
	}
	logger.Error().Err(lastErr).Int("batch", len(msgs)).Msg("batch handler retries exhausted")
	return lastErr
}

func (o *Orchestrator) invoke(ctx context.Context, l Loop, msgs []broker.Message) error {
	if l.Topic.SoftTimeout <= 0 {
		return l.Handler(ctx, msgs)
	}

	handlerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- l.Handler(handlerCtx, msgs)
	}()

	timer := time.NewTimer(l.Topic.SoftTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		cancel()
		return errSoftTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) ack(ctx context.Context, l Loop, msgs []broker.Message, logger zerolog.Logger) {
	ids := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		ids = append(ids, msg.ID)
	}
	if err := o.source.Ack(ctx, l.Topic.Stream, l.Topic.Group, ids...); err != nil {
		logger.Error().Err(err).Int("batch", len(ids)).Msg("ack failed; batch will be redelivered")
	}
}

// allStale reports whether every record in the batch is older than maxAge.
// Records without a parseable timestamp count as fresh.
func allStale(msgs []broker.Message, now time.Time, maxAge time.Duration) bool {
	cutoff := now.Add(-maxAge)
	for _, msg := range msgs {
		if msg.Timestamp.IsZero() || msg.Timestamp.After(cutoff) {
			return false
		}
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// WithClock overrides the orchestrator clock, for tests.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}
