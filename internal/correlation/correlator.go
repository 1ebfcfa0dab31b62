package correlation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"flip-sentinel/internal/models"
)

// saleLookback bounds how far back sold auctions are considered when
// correlating accounts.
const saleLookback = 24 * time.Hour

// EventSource is the slice of the event store the correlator reads.
// Satisfied by *storage.Store.
type EventSource interface {
	SoldEvents(ctx context.Context, playerIDs []int64, from, to time.Time) ([]models.FlipEvent, error)
	ReceiveEventsForAuctions(ctx context.Context, auctionIDs []int64) ([]models.FlipEvent, error)
}

// Correlator suggests linked alt accounts from shared receive history.
// Stateless; safe for concurrent use.
type Correlator struct {
	events EventSource
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs a Correlator.
func New(events EventSource, logger zerolog.Logger) *Correlator {
	return &Correlator{
		events: events,
		logger: logger.With().Str("component", "correlation").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// FindAlt suggests the account most often receiving the same flips the
// player sold in the last 24 hours. No qualifying sales or receivers is a
// valid empty result, never an error.
func (c *Correlator) FindAlt(ctx context.Context, playerID int64) (models.AltResult, error) {
	result := models.AltResult{PlayerID: playerID}

	now := c.now()
	sold, err := c.events.SoldEvents(ctx, []int64{playerID}, now.Add(-saleLookback), now)
	if err != nil {
		return result, fmt.Errorf("load sold events: %w", err)
	}
	if len(sold) == 0 {
		return result, nil
	}

	seen := make(map[int64]bool, len(sold))
	auctionIDs := make([]int64, 0, len(sold))
	for _, sale := range sold {
		if !seen[sale.AuctionID] {
			seen[sale.AuctionID] = true
			auctionIDs = append(auctionIDs, sale.AuctionID)
		}
	}

	receives, err := c.events.ReceiveEventsForAuctions(ctx, auctionIDs)
	if err != nil {
		return result, fmt.Errorf("load receive events: %w", err)
	}

	// filter -> group -> aggregate over the materialized batch.
	counts := make(map[int64]int)
	auctionsByPlayer := make(map[int64][]int64)
	for _, event := range receives {
		if event.PlayerID == playerID {
			continue
		}
		counts[event.PlayerID]++
		auctionsByPlayer[event.PlayerID] = append(auctionsByPlayer[event.PlayerID], event.AuctionID)
	}
	if len(counts) == 0 {
		return result, nil
	}

	best := int64(0)
	bestCount := 0
	for candidate, count := range counts {
		// Lower id wins ties to keep the suggestion deterministic.
		if count > bestCount || (count == bestCount && candidate < best) {
			best = candidate
			bestCount = count
		}
	}

	shared := auctionsByPlayer[best]
	sort.Slice(shared, func(i, j int) bool { return shared[i] < shared[j] })

	result.SuggestedAlt = best
	result.SharedEvents = bestCount
	result.AuctionIDs = shared

	c.logger.Debug().
		Int64("player", playerID).
		Int64("suggested", best).
		Int("shared", bestCount).
		Msg("alt correlation computed")
	return result, nil
}

// WithClock overrides the correlator clock, for tests.
func (c *Correlator) WithClock(now func() time.Time) *Correlator {
	c.now = now
	return c
}
