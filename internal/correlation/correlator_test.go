package correlation

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"flip-sentinel/internal/models"
)

var refTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeEvents struct {
	events []models.FlipEvent
}

func (f *fakeEvents) SoldEvents(_ context.Context, playerIDs []int64, from, to time.Time) ([]models.FlipEvent, error) {
	players := make(map[int64]bool)
	for _, id := range playerIDs {
		players[id] = true
	}
	var out []models.FlipEvent
	for _, e := range f.events {
		if e.Type == models.EventAuctionSold && players[e.PlayerID] && e.Timestamp.After(from) && !e.Timestamp.After(to) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeEvents) ReceiveEventsForAuctions(_ context.Context, auctionIDs []int64) ([]models.FlipEvent, error) {
	auctions := make(map[int64]bool)
	for _, id := range auctionIDs {
		auctions[id] = true
	}
	var out []models.FlipEvent
	for _, e := range f.events {
		if e.Type == models.EventFlipReceive && auctions[e.AuctionID] {
			out = append(out, e)
		}
	}
	return out, nil
}

func newTestCorrelator(events *fakeEvents) *Correlator {
	return New(events, zerolog.Nop()).WithClock(func() time.Time { return refTime })
}

func sale(playerID, auctionID int64, at time.Time) models.FlipEvent {
	return models.FlipEvent{PlayerID: playerID, AuctionID: auctionID, Type: models.EventAuctionSold, Timestamp: at}
}

func receive(playerID, auctionID int64, at time.Time) models.FlipEvent {
	return models.FlipEvent{PlayerID: playerID, AuctionID: auctionID, Type: models.EventFlipReceive, Timestamp: at}
}

func TestFindAltNoSales(t *testing.T) {
	result, err := newTestCorrelator(&fakeEvents{}).FindAlt(context.Background(), 1)
	if err != nil {
		t.Fatalf("no sales must not error: %v", err)
	}
	if result.Found() {
		t.Fatalf("expected empty result, got %+v", result)
	}
}

func TestFindAltNoReceivers(t *testing.T) {
	events := &fakeEvents{events: []models.FlipEvent{
		sale(1, 100, refTime.Add(-time.Hour)),
		// Only the seller's own receive exists.
		receive(1, 100, refTime.Add(-2*time.Hour)),
	}}
	result, err := newTestCorrelator(events).FindAlt(context.Background(), 1)
	if err != nil {
		t.Fatalf("no receivers must not error: %v", err)
	}
	if result.Found() {
		t.Fatalf("own receives must not correlate, got %+v", result)
	}
}

func TestFindAltPicksTopReceiver(t *testing.T) {
	base := refTime.Add(-time.Hour)
	events := &fakeEvents{events: []models.FlipEvent{
		sale(1, 100, base),
		sale(1, 101, base.Add(time.Minute)),
		sale(1, 102, base.Add(2*time.Minute)),
		receive(7, 100, base.Add(-time.Minute)),
		receive(7, 101, base.Add(-time.Minute)),
		receive(8, 102, base.Add(-time.Minute)),
	}}

	result, err := newTestCorrelator(events).FindAlt(context.Background(), 1)
	if err != nil {
		t.Fatalf("FindAlt failed: %v", err)
	}
	if result.SuggestedAlt != 7 {
		t.Fatalf("expected alt 7, got %d", result.SuggestedAlt)
	}
	if result.SharedEvents != 2 {
		t.Fatalf("expected 2 shared events, got %d", result.SharedEvents)
	}
	if len(result.AuctionIDs) != 2 || result.AuctionIDs[0] != 100 || result.AuctionIDs[1] != 101 {
		t.Fatalf("unexpected shared auctions: %v", result.AuctionIDs)
	}
}

func TestFindAltIgnoresOldSales(t *testing.T) {
	events := &fakeEvents{events: []models.FlipEvent{
		sale(1, 100, refTime.Add(-25*time.Hour)),
		receive(7, 100, refTime.Add(-26*time.Hour)),
	}}
	result, err := newTestCorrelator(events).FindAlt(context.Background(), 1)
	if err != nil {
		t.Fatalf("FindAlt failed: %v", err)
	}
	if result.Found() {
		t.Fatalf("sales older than 24h must not correlate, got %+v", result)
	}
}
