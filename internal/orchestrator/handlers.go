package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"flip-sentinel/internal/broker"
	"flip-sentinel/internal/denylist"
	"flip-sentinel/internal/ingest"
	"flip-sentinel/internal/leaderboard"
	"flip-sentinel/internal/models"
)

// receiveSource is the event-store slice the leaderboard path reads to turn
// a sale into a reaction time. Satisfied by *storage.Store.
type receiveSource interface {
	ReceiveEventsForAuctions(ctx context.Context, auctionIDs []int64) ([]models.FlipEvent, error)
}

// SpeedRecorder persists leaderboard entries. Satisfied by
// *leaderboard.Board.
type SpeedRecorder interface {
	Record(ctx context.Context, at time.Time, entry leaderboard.Entry) error
}

// FlagSink persists propagated denylist flags so one-shot scoring commands
// running in other processes see them. Satisfied by *denylist.Store.
type FlagSink interface {
	Flag(ctx context.Context, ids ...int64) error
}

// Handlers routes decoded broker batches into the ingestion layer and the
// detection side effects.
type Handlers struct {
	ingest   *ingest.Service
	receives receiveSource
	board    SpeedRecorder
	flagged  *denylist.Set
	flags    FlagSink
	logger   zerolog.Logger
}

// NewHandlers wires the topic handlers.
func NewHandlers(ing *ingest.Service, receives receiveSource, board SpeedRecorder, flagged *denylist.Set, flags FlagSink, logger zerolog.Logger) *Handlers {
	return &Handlers{
		ingest:   ing,
		receives: receives,
		board:    board,
		flagged:  flagged,
		flags:    flags,
		logger:   logger.With().Str("component", "handlers").Logger(),
	}
}

// NewFlips ingests newly discovered low-priced listings.
func (h *Handlers) NewFlips(ctx context.Context, msgs []broker.Message) error {
	flips := make([]models.Flip, 0, len(msgs))
	for _, msg := range msgs {
		var payload models.FlipMessage
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			h.logger.Warn().Err(err).Str("id", msg.ID).Msg("malformed flip payload skipped")
			continue
		}
		flips = append(flips, payload.ToFlip())
	}
	// AddFlips owns its retry/drop contract and never surfaces an error.
	h.ingest.AddFlips(ctx, flips)
	return nil
}

// FlipEvents ingests generic player-action events.
func (h *Handlers) FlipEvents(ctx context.Context, msgs []broker.Message) error {
	events := make([]models.FlipEvent, 0, len(msgs))
	for _, msg := range msgs {
		var payload models.EventMessage
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			h.logger.Warn().Err(err).Str("id", msg.ID).Msg("malformed event payload skipped")
			continue
		}
		events = append(events, payload.ToEvent())
	}
	if _, err := h.ingest.AddEvents(ctx, events); err != nil {
		return fmt.Errorf("ingest flip events: %w", err)
	}
	return nil
}

// Trades converts confirmed player trades into PURCHASE_CONFIRM events.
func (h *Handlers) Trades(ctx context.Context, msgs []broker.Message) error {
	events := make([]models.FlipEvent, 0, len(msgs))
	for _, msg := range msgs {
		var payload models.TradeMessage
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			h.logger.Warn().Err(err).Str("id", msg.ID).Msg("malformed trade payload skipped")
			continue
		}
		events = append(events, models.FlipEvent{
			PlayerID:  payload.BuyerID,
			AuctionID: payload.AuctionID,
			Type:      models.EventPurchaseConfirm,
			Timestamp: payload.Timestamp,
		})
	}
	if _, err := h.ingest.AddEvents(ctx, events); err != nil {
		return fmt.Errorf("ingest trade events: %w", err)
	}
	return nil
}

// SoldLeaderboard is the fast sold-auction path: record the sale and, when a
// receive exists, the buyer's reaction time.
func (h *Handlers) SoldLeaderboard(ctx context.Context, msgs []broker.Message) error {
	for _, msg := range msgs {
		var payload models.SoldMessage
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			h.logger.Warn().Err(err).Str("id", msg.ID).Msg("malformed sold payload skipped")
			continue
		}

		event := models.FlipEvent{
			PlayerID:  payload.PlayerID,
			AuctionID: payload.AuctionID,
			Type:      models.EventAuctionSold,
			Timestamp: payload.Timestamp,
		}
		resolved, err := h.ingest.AddEvents(ctx, []models.FlipEvent{event})
		if err != nil {
			return fmt.Errorf("ingest sold event: %w", err)
		}
		soldAt := resolved[0].Timestamp

		receives, err := h.receives.ReceiveEventsForAuctions(ctx, []int64{payload.AuctionID})
		if err != nil {
			return fmt.Errorf("load receives for leaderboard: %w", err)
		}
		receivedAt := earliestFor(receives, payload.PlayerID)
		if receivedAt.IsZero() {
			continue
		}

		entry := leaderboard.Entry{
			PlayerID:       payload.PlayerID,
			ElapsedSeconds: soldAt.Sub(receivedAt).Seconds(),
			Profit:         payload.Price,
		}
		if err := h.board.Record(ctx, soldAt, entry); err != nil {
			return fmt.Errorf("record leaderboard entry: %w", err)
		}
	}
	return nil
}

// SoldIndexer is the slow archival path: index sold events only.
func (h *Handlers) SoldIndexer(ctx context.Context, msgs []broker.Message) error {
	events := make([]models.FlipEvent, 0, len(msgs))
	for _, msg := range msgs {
		var payload models.SoldMessage
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			h.logger.Warn().Err(err).Str("id", msg.ID).Msg("malformed sold payload skipped")
			continue
		}
		events = append(events, models.FlipEvent{
			PlayerID:  payload.PlayerID,
			AuctionID: payload.AuctionID,
			Type:      models.EventAuctionSold,
			Timestamp: payload.Timestamp,
		})
	}
	if _, err := h.ingest.AddEvents(ctx, events); err != nil {
		return fmt.Errorf("index sold events: %w", err)
	}
	return nil
}

// NewAuctions applies co-op denylist propagation: once one member of a
// group is flagged, all current members are.
func (h *Handlers) NewAuctions(ctx context.Context, msgs []broker.Message) error {
	for _, msg := range msgs {
		var payload models.NewAuctionMessage
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			h.logger.Warn().Err(err).Str("id", msg.ID).Msg("malformed auction payload skipped")
			continue
		}
		members := append([]int64{payload.SellerID}, payload.CoopMembers...)
		if h.flagged.PropagateCoop(members) {
			// Persist so checks in other processes pick the flags up. The
			// error bubbles up; the loop retries and SAdd is idempotent.
			if err := h.flags.Flag(ctx, members...); err != nil {
				return err
			}
			h.logger.Info().Int64("seller", payload.SellerID).Int("members", len(members)).Msg("co-op members flagged")
		}
	}
	return nil
}

// Recovery re-ingests flips from the backfill topic.
func (h *Handlers) Recovery(ctx context.Context, msgs []broker.Message) error {
	return h.NewFlips(ctx, msgs)
}

func earliestFor(events []models.FlipEvent, playerID int64) time.Time {
	var at time.Time
	for _, event := range events {
		if event.PlayerID != playerID {
			continue
		}
		if at.IsZero() || event.Timestamp.Before(at) {
			at = event.Timestamp
		}
	}
	return at
}
