package ingest

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"flip-sentinel/internal/config"
	"flip-sentinel/internal/models"
	"flip-sentinel/internal/storage"
)

// timestampFloor is the sanity floor for flip timestamps. Anything earlier
// is treated as unset and replaced with ingestion time.
var timestampFloor = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)

// FlipWriter is the flip-persistence slice of the store the service needs.
// Satisfied by *storage.Store.
type FlipWriter interface {
	InsertFlips(ctx context.Context, flips []models.Flip) (map[int64]bool, error)
}

// Service performs idempotent persistence of flips and flip events.
type Service struct {
	events storage.EventStore
	flips  FlipWriter
	logger zerolog.Logger

	retries    int
	retryDelay time.Duration
	now        func() time.Time
}

// New constructs the ingestion service.
func New(cfg config.IngestConfig, events storage.EventStore, flips FlipWriter, logger zerolog.Logger) *Service {
	retries := cfg.FlipRetries
	if retries <= 0 {
		retries = 10
	}
	delay := cfg.FlipRetryDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	return &Service{
		events:     events,
		flips:      flips,
		logger:     logger.With().Str("component", "ingest").Logger(),
		retries:    retries,
		retryDelay: delay,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// AddEvents persists a batch of events idempotently. Events whose
// (auction, player, type) triple already exists resolve to the stored row
// instead of inserting a second one. The returned slice preserves input
// order and mixes stored and newly inserted rows.
func (s *Service) AddEvents(ctx context.Context, batch []models.FlipEvent) ([]models.FlipEvent, error) {
	if len(batch) == 0 {
		return nil, nil
	}

	now := s.now()
	auctionIDs := make([]int64, 0, len(batch))
	playerIDs := make([]int64, 0, len(batch))
	seenAuctions := make(map[int64]bool, len(batch))
	seenPlayers := make(map[int64]bool, len(batch))
	for i := range batch {
		if batch[i].Timestamp.IsZero() {
			batch[i].Timestamp = now
		}
		if !seenAuctions[batch[i].AuctionID] {
			seenAuctions[batch[i].AuctionID] = true
			auctionIDs = append(auctionIDs, batch[i].AuctionID)
		}
		if !seenPlayers[batch[i].PlayerID] {
			seenPlayers[batch[i].PlayerID] = true
			playerIDs = append(playerIDs, batch[i].PlayerID)
		}
	}

	stored, err := s.events.EventsByAuctionPlayers(ctx, auctionIDs, playerIDs)
	if err != nil {
		return nil, err
	}

	existing := make(map[models.EventKey]models.FlipEvent, len(stored))
	for _, event := range stored {
		existing[event.Key()] = event
	}

	resolved := make([]models.FlipEvent, 0, len(batch))
	toInsert := make([]models.FlipEvent, 0, len(batch))
	for _, event := range batch {
		if prior, ok := existing[event.Key()]; ok {
			resolved = append(resolved, prior)
			continue
		}
		// Later duplicates inside the same batch resolve to the first.
		existing[event.Key()] = event
		toInsert = append(toInsert, event)
		resolved = append(resolved, event)
	}

	if len(toInsert) > 0 {
		if err := s.events.InsertEvents(ctx, toInsert); err != nil {
			return nil, err
		}
	}

	s.logger.Debug().
		Int("batch", len(batch)).
		Int("inserted", len(toInsert)).
		Int("replayed", len(batch)-len(toInsert)).
		Msg("events ingested")
	return resolved, nil
}

// AddFlips persists a batch of flips with bounded retry. Transient store
// conflicts are retried with a fixed delay; when every attempt fails the
// batch is dropped after logging and no error surfaces to the caller. The
// returned outcomes say per flip whether it was persisted, deduplicated, or
// dropped.
func (s *Service) AddFlips(ctx context.Context, batch []models.Flip) []models.FlipResult {
	if len(batch) == 0 {
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= s.retries; attempt++ {
		now := s.now()
		adjusted := make([]models.Flip, len(batch))
		copy(adjusted, batch)
		for i := range adjusted {
			if adjusted[i].Timestamp.Before(timestampFloor) {
				adjusted[i].Timestamp = now
			}
		}

		existing, err := s.flips.InsertFlips(ctx, adjusted)
		if err == nil {
			results := make([]models.FlipResult, 0, len(adjusted))
			persisted := 0
			for _, flip := range adjusted {
				outcome := models.FlipPersisted
				if existing[flip.AuctionID] {
					outcome = models.FlipDeduplicated
				} else {
					persisted++
					// A second copy of the same auction inside one batch
					// dedups against the first.
					existing[flip.AuctionID] = true
				}
				results = append(results, models.FlipResult{Flip: flip, Outcome: outcome})
			}
			s.logger.Debug().
				Int("batch", len(adjusted)).
				Int("persisted", persisted).
				Int("attempt", attempt).
				Msg("flips ingested")
			return results
		}

		lastErr = err
		s.logger.Warn().Err(err).Int("attempt", attempt).Msg("flip batch persist failed")

		if attempt < s.retries {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = s.retries
			case <-time.After(s.retryDelay):
			}
		}
	}

	s.logger.Error().Err(lastErr).Int("batch", len(batch)).Msg("flip batch dropped after retries exhausted")
	results := make([]models.FlipResult, 0, len(batch))
	for _, flip := range batch {
		results = append(results, models.FlipResult{Flip: flip, Outcome: models.FlipDropped})
	}
	return results
}

// WithClock overrides the ingestion clock, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}
