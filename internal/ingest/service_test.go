package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"flip-sentinel/internal/config"
	"flip-sentinel/internal/models"
)

type fakeEventStore struct {
	stored   []models.FlipEvent
	inserted [][]models.FlipEvent
	loadErr  error
}

func (f *fakeEventStore) InsertEvents(ctx context.Context, events []models.FlipEvent) error {
	f.inserted = append(f.inserted, events)
	f.stored = append(f.stored, events...)
	return nil
}

func (f *fakeEventStore) EventsByAuctionPlayers(ctx context.Context, auctionIDs, playerIDs []int64) ([]models.FlipEvent, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	auctions := make(map[int64]bool)
	for _, id := range auctionIDs {
		auctions[id] = true
	}
	players := make(map[int64]bool)
	for _, id := range playerIDs {
		players[id] = true
	}
	var out []models.FlipEvent
	for _, event := range f.stored {
		if auctions[event.AuctionID] && players[event.PlayerID] {
			out = append(out, event)
		}
	}
	return out, nil
}

type fakeFlipStore struct {
	existing map[int64]bool
	inserted []models.Flip
	failures int
	calls    int
}

func (f *fakeFlipStore) InsertFlips(ctx context.Context, flips []models.Flip) (map[int64]bool, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("serialization failure")
	}
	if f.existing == nil {
		f.existing = make(map[int64]bool)
	}
	existing := make(map[int64]bool, len(f.existing))
	for id := range f.existing {
		existing[id] = true
	}
	for _, flip := range flips {
		if !existing[flip.AuctionID] && !f.existing[flip.AuctionID] {
			f.inserted = append(f.inserted, flip)
			f.existing[flip.AuctionID] = true
		}
	}
	return existing, nil
}

func newTestService(events *fakeEventStore, flips *fakeFlipStore) *Service {
	cfg := config.IngestConfig{FlipRetries: 3, FlipRetryDelay: time.Millisecond}
	return New(cfg, events, flips, zerolog.Nop())
}

func TestAddEventsAssignsMissingTimestamps(t *testing.T) {
	events := &fakeEventStore{}
	svc := newTestService(events, &fakeFlipStore{})
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return fixed })

	resolved, err := svc.AddEvents(context.Background(), []models.FlipEvent{
		{PlayerID: 1, AuctionID: 10, Type: models.EventFlipClick},
	})
	if err != nil {
		t.Fatalf("AddEvents failed: %v", err)
	}
	if !resolved[0].Timestamp.Equal(fixed) {
		t.Fatalf("expected timestamp %v, got %v", fixed, resolved[0].Timestamp)
	}
}

func TestAddEventsIdempotentReplay(t *testing.T) {
	stored := models.FlipEvent{
		PlayerID:  1,
		AuctionID: 10,
		Type:      models.EventFlipReceive,
		Timestamp: time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC),
	}
	events := &fakeEventStore{stored: []models.FlipEvent{stored}}
	svc := newTestService(events, &fakeFlipStore{})

	replay := stored
	replay.Timestamp = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	fresh := models.FlipEvent{PlayerID: 1, AuctionID: 10, Type: models.EventFlipClick, Timestamp: replay.Timestamp}

	resolved, err := svc.AddEvents(context.Background(), []models.FlipEvent{replay, fresh})
	if err != nil {
		t.Fatalf("AddEvents failed: %v", err)
	}
	if len(resolved) != 2 {
		t.Fatalf("expected 2 resolved events, got %d", len(resolved))
	}
	if !resolved[0].Timestamp.Equal(stored.Timestamp) {
		t.Fatalf("replayed event should resolve to stored row, got ts %v", resolved[0].Timestamp)
	}
	if len(events.inserted) != 1 || len(events.inserted[0]) != 1 {
		t.Fatalf("only the fresh event should be inserted, got %v", events.inserted)
	}
	if events.inserted[0][0].Type != models.EventFlipClick {
		t.Fatalf("wrong event inserted: %v", events.inserted[0][0])
	}
}

func TestAddEventsBatchInternalDuplicate(t *testing.T) {
	events := &fakeEventStore{}
	svc := newTestService(events, &fakeFlipStore{})
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	dup := models.FlipEvent{PlayerID: 7, AuctionID: 42, Type: models.EventPurchaseStart, Timestamp: ts}
	resolved, err := svc.AddEvents(context.Background(), []models.FlipEvent{dup, dup})
	if err != nil {
		t.Fatalf("AddEvents failed: %v", err)
	}
	if len(resolved) != 2 {
		t.Fatalf("expected 2 resolved events, got %d", len(resolved))
	}
	if len(events.inserted[0]) != 1 {
		t.Fatalf("duplicate within a batch must insert once, inserted %d", len(events.inserted[0]))
	}
}

func TestAddFlipsOutcomes(t *testing.T) {
	flips := &fakeFlipStore{existing: map[int64]bool{10: true}}
	svc := newTestService(&fakeEventStore{}, flips)
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	results := svc.AddFlips(context.Background(), []models.Flip{
		{AuctionID: 10, FinderType: models.FinderSniper, Timestamp: ts},
		{AuctionID: 11, FinderType: models.FinderFlipper, Timestamp: ts},
	})

	if results[0].Outcome != models.FlipDeduplicated {
		t.Fatalf("auction 10 should dedup, got %s", results[0].Outcome)
	}
	if results[1].Outcome != models.FlipPersisted {
		t.Fatalf("auction 11 should persist, got %s", results[1].Outcome)
	}
	if len(flips.inserted) != 1 || flips.inserted[0].AuctionID != 11 {
		t.Fatalf("expected only auction 11 inserted, got %v", flips.inserted)
	}
}

func TestAddFlipsSanityFloor(t *testing.T) {
	flips := &fakeFlipStore{}
	svc := newTestService(&fakeEventStore{}, flips)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return fixed })

	results := svc.AddFlips(context.Background(), []models.Flip{
		{AuctionID: 5, FinderType: models.FinderUser, Timestamp: time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)},
	})
	if !results[0].Flip.Timestamp.Equal(fixed) {
		t.Fatalf("pre-floor timestamp should be replaced, got %v", results[0].Flip.Timestamp)
	}
}

func TestAddFlipsRetriesThenSucceeds(t *testing.T) {
	flips := &fakeFlipStore{failures: 2}
	svc := newTestService(&fakeEventStore{}, flips)

	results := svc.AddFlips(context.Background(), []models.Flip{
		{AuctionID: 9, FinderType: models.FinderSniper, Timestamp: time.Now().UTC()},
	})
	if results[0].Outcome != models.FlipPersisted {
		t.Fatalf("expected persist after retries, got %s", results[0].Outcome)
	}
	if flips.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", flips.calls)
	}
}

func TestAddFlipsDropsAfterExhaustion(t *testing.T) {
	flips := &fakeFlipStore{failures: 100}
	svc := newTestService(&fakeEventStore{}, flips)

	results := svc.AddFlips(context.Background(), []models.Flip{
		{AuctionID: 9, FinderType: models.FinderSniper, Timestamp: time.Now().UTC()},
	})
	if results[0].Outcome != models.FlipDropped {
		t.Fatalf("expected drop after exhaustion, got %s", results[0].Outcome)
	}
	if flips.calls != 3 {
		t.Fatalf("expected exactly the configured attempts, got %d", flips.calls)
	}
}
