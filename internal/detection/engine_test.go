package detection

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"flip-sentinel/internal/config"
	"flip-sentinel/internal/denylist"
	"flip-sentinel/internal/models"
)

var refTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeEvents struct {
	events []models.FlipEvent
}

func idSet(ids []int64) map[int64]bool {
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func (f *fakeEvents) SoldEvents(_ context.Context, playerIDs []int64, from, to time.Time) ([]models.FlipEvent, error) {
	players := idSet(playerIDs)
	var out []models.FlipEvent
	for _, e := range f.events {
		if e.Type == models.EventAuctionSold && players[e.PlayerID] && e.Timestamp.After(from) && !e.Timestamp.After(to) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeEvents) ReceiveEventsForAuctions(_ context.Context, auctionIDs []int64) ([]models.FlipEvent, error) {
	auctions := idSet(auctionIDs)
	var out []models.FlipEvent
	for _, e := range f.events {
		if e.Type == models.EventFlipReceive && auctions[e.AuctionID] {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeEvents) ReceiveEventsForAuctionsPlayers(_ context.Context, auctionIDs, playerIDs []int64) ([]models.FlipEvent, error) {
	auctions := idSet(auctionIDs)
	players := idSet(playerIDs)
	var out []models.FlipEvent
	for _, e := range f.events {
		if e.Type == models.EventFlipReceive && auctions[e.AuctionID] && players[e.PlayerID] {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeEvents) ClickEventsForAuctions(_ context.Context, auctionIDs []int64, from, to time.Time) ([]models.FlipEvent, error) {
	auctions := idSet(auctionIDs)
	var out []models.FlipEvent
	for _, e := range f.events {
		if e.Type == models.EventFlipClick && auctions[e.AuctionID] && !e.Timestamp.Before(from) && e.Timestamp.Before(to) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeEvents) EventsForAuction(_ context.Context, auctionID int64) ([]models.FlipEvent, error) {
	var out []models.FlipEvent
	for _, e := range f.events {
		if e.AuctionID == auctionID {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeFlips struct {
	tfm map[int64]bool
}

func (f *fakeFlips) TFMAuctionIDs(_ context.Context, auctionIDs []int64) (map[int64]bool, error) {
	out := make(map[int64]bool)
	for _, id := range auctionIDs {
		if f.tfm[id] {
			out[id] = true
		}
	}
	return out, nil
}

func newTestEngine(events *fakeEvents, flips *fakeFlips, bad, macroers []int64) *Engine {
	cfg := config.DetectionConfig{WindowMinutes: 20, LongLookbackFactor: 30, AntiMacroFactor: 6}
	engine := NewEngine(cfg, events, flips, denylist.NewSet(bad), denylist.NewSet(macroers), zerolog.Nop())
	return engine.WithClock(func() time.Time { return refTime })
}

// saleWithReceive records a receive at soldAt-elapsed and a sale at soldAt.
func saleWithReceive(playerID, auctionID int64, soldAt time.Time, elapsed time.Duration) []models.FlipEvent {
	return []models.FlipEvent{
		{PlayerID: playerID, AuctionID: auctionID, Type: models.EventFlipReceive, Timestamp: soldAt.Add(-elapsed)},
		{PlayerID: playerID, AuctionID: auctionID, Type: models.EventAuctionSold, Timestamp: soldAt},
	}
}

func check(t *testing.T, engine *Engine, players ...int64) models.SpeedCompResult {
	t.Helper()
	result, err := engine.CheckSpeed(context.Background(), models.SpeedCheckRequest{
		PlayerIDs: players,
		Reference: refTime,
	})
	if err != nil {
		t.Fatalf("CheckSpeed failed: %v", err)
	}
	return result
}

func TestCheckSpeedNoSalesSentinel(t *testing.T) {
	engine := newTestEngine(&fakeEvents{}, &fakeFlips{}, nil, nil)
	result := check(t, engine, 1)
	if result.Penalty != NoDataPenalty {
		t.Fatalf("expected sentinel %v, got %v", NoDataPenalty, result.Penalty)
	}
}

func TestCheckSpeedRequiresPlayers(t *testing.T) {
	engine := newTestEngine(&fakeEvents{}, &fakeFlips{}, nil, nil)
	if _, err := engine.CheckSpeed(context.Background(), models.SpeedCheckRequest{}); err == nil {
		t.Fatal("empty player set should error")
	}
}

func TestCheckSpeedOldSampleContributesNothing(t *testing.T) {
	// elapsed 1.42s, age 112min: older than the 20min window, outside every
	// scoring band, so the penalty is exactly zero.
	soldAt := refTime.Add(-112 * time.Minute)
	events := &fakeEvents{events: saleWithReceive(1, 100, soldAt, 1420*time.Millisecond)}
	engine := newTestEngine(events, &fakeFlips{}, nil, nil)

	result := check(t, engine, 1)
	if result.Penalty != 0 {
		t.Fatalf("expected penalty 0, got %v", result.Penalty)
	}
	if len(result.Timings) != 1 {
		t.Fatalf("sample should still be reported, got %d timings", len(result.Timings))
	}
	if math.Abs(result.Timings[0].ElapsedSeconds-1.42) > 1e-9 {
		t.Fatalf("unexpected elapsed: %v", result.Timings[0].ElapsedSeconds)
	}
}

func TestCheckSpeedMacroBandOutweighsSlowSample(t *testing.T) {
	// Both samples are aged past the primary window but inside the widened
	// antiMacro window; only the 3.7s one lands in the macro bands.
	soldAt := refTime.Add(-30 * time.Minute)

	macroEvents := &fakeEvents{events: saleWithReceive(1, 100, soldAt, 3700*time.Millisecond)}
	slowEvents := &fakeEvents{events: saleWithReceive(1, 100, soldAt, 5*time.Second)}

	macroResult := check(t, newTestEngine(macroEvents, &fakeFlips{}, nil, nil), 1)
	slowResult := check(t, newTestEngine(slowEvents, &fakeFlips{}, nil, nil), 1)

	if macroResult.Penalty <= slowResult.Penalty {
		t.Fatalf("macro band sample must score higher: macro=%v slow=%v", macroResult.Penalty, slowResult.Penalty)
	}
	if len(macroResult.MacroSamples) != 1 {
		t.Fatalf("expected 1 long-term macro sample, got %d", len(macroResult.MacroSamples))
	}
	if len(slowResult.MacroSamples) != 0 {
		t.Fatalf("slow sample should not flag macro history")
	}
}

func TestCheckSpeedTFMExcluded(t *testing.T) {
	soldAt := refTime.Add(-5 * time.Minute)
	events := &fakeEvents{events: saleWithReceive(1, 100, soldAt, 3700*time.Millisecond)}

	flagged := check(t, newTestEngine(events, &fakeFlips{}, nil, nil), 1)
	excluded := check(t, newTestEngine(events, &fakeFlips{tfm: map[int64]bool{100: true}}, nil, nil), 1)

	if flagged.Penalty <= 0 {
		t.Fatalf("non-TFM macro sample should penalize, got %v", flagged.Penalty)
	}
	if len(excluded.Timings) != 0 {
		t.Fatal("TFM auction must not produce a timing sample")
	}
	if excluded.Penalty != 0 {
		t.Fatalf("TFM-only history should score 0, got %v", excluded.Penalty)
	}
}

func TestCheckSpeedBadActorDelta(t *testing.T) {
	soldAt := refTime.Add(-5 * time.Minute)
	events := &fakeEvents{events: saleWithReceive(1, 100, soldAt, 2*time.Second)}

	clean := check(t, newTestEngine(events, &fakeFlips{}, nil, nil), 1)
	flagged := check(t, newTestEngine(events, &fakeFlips{}, []int64{1}, nil), 1)

	if diff := flagged.Penalty - clean.Penalty; math.Abs(diff-8.0) > 1e-9 {
		t.Fatalf("bad-actor id must add exactly 8, got delta %v", diff)
	}
	if len(flagged.BadIDs) != 1 || flagged.BadIDs[0] != 1 {
		t.Fatalf("bad id should be reported, got %v", flagged.BadIDs)
	}
}

func TestCheckSpeedSeesFlagsAddedAfterConstruction(t *testing.T) {
	// The bad-actor set is shared with the co-op propagation path, so a flag
	// raised while the engine is live must change the next check's score.
	soldAt := refTime.Add(-5 * time.Minute)
	events := &fakeEvents{events: saleWithReceive(1, 100, soldAt, 2*time.Second)}
	shared := denylist.NewSet(nil)
	cfg := config.DetectionConfig{WindowMinutes: 20, LongLookbackFactor: 30, AntiMacroFactor: 6}
	engine := NewEngine(cfg, events, &fakeFlips{}, shared, denylist.NewSet(nil), zerolog.Nop()).
		WithClock(func() time.Time { return refTime })

	before := check(t, engine, 1)

	// Mirror the auctions:new handler: a co-op containing a flagged seller
	// spreads the flag to every member, including player 1.
	shared.Add(9)
	if !shared.PropagateCoop([]int64{9, 1}) {
		t.Fatal("propagation should flag new members")
	}

	after := check(t, engine, 1)
	if diff := after.Penalty - before.Penalty; math.Abs(diff-8.0) > 1e-9 {
		t.Fatalf("flag added after construction must add exactly 8, got delta %v", diff)
	}
	if len(after.BadIDs) != 1 || after.BadIDs[0] != 1 {
		t.Fatalf("flagged player should be reported, got %v", after.BadIDs)
	}
}

func TestCheckSpeedKnownMacroerMark(t *testing.T) {
	soldAt := refTime.Add(-5 * time.Minute)
	events := &fakeEvents{events: saleWithReceive(1, 100, soldAt, 2*time.Second)}

	clean := check(t, newTestEngine(events, &fakeFlips{}, nil, nil), 1)
	marked := check(t, newTestEngine(events, &fakeFlips{}, nil, []int64{1}), 1)

	if diff := marked.Penalty - clean.Penalty; math.Abs(diff-0.312345) > 1e-9 {
		t.Fatalf("known macroer must add exactly 0.312345, got delta %v", diff)
	}
}

func TestCheckSpeedEscrowDoubleCount(t *testing.T) {
	// A macro-band sample keeps antiMacro positive so both escrow additions
	// apply. The double-count is intentional reference behaviour.
	soldAt := refTime.Add(-5 * time.Minute)
	base := saleWithReceive(1, 100, soldAt, 3700*time.Millisecond)
	contended := append(append([]models.FlipEvent{}, base...), models.FlipEvent{
		PlayerID:  99,
		AuctionID: 100,
		Type:      models.EventFlipClick,
		Timestamp: soldAt.Add(3 * time.Second),
	})

	quiet := check(t, newTestEngine(&fakeEvents{events: base}, &fakeFlips{}, nil, nil), 1)
	busy := check(t, newTestEngine(&fakeEvents{events: contended}, &fakeFlips{}, nil, nil), 1)

	if busy.EscrowContention != 1 {
		t.Fatalf("expected 1 escrow contention, got %d", busy.EscrowContention)
	}
	if diff := busy.Penalty - quiet.Penalty; math.Abs(diff-0.04) > 1e-9 {
		t.Fatalf("escrow count must be added twice (0.04 total), got delta %v", diff)
	}
}

func TestCheckSpeedEscrowIgnoresRequestedAndOffBandClicks(t *testing.T) {
	soldAt := refTime.Add(-5 * time.Minute)
	events := append(saleWithReceive(1, 100, soldAt, 3700*time.Millisecond),
		// Requested player's own click never counts.
		models.FlipEvent{PlayerID: 1, AuctionID: 100, Type: models.EventFlipClick, Timestamp: soldAt.Add(3 * time.Second)},
		// Too early: before the 2.5s escrow delay.
		models.FlipEvent{PlayerID: 99, AuctionID: 100, Type: models.EventFlipClick, Timestamp: soldAt.Add(2 * time.Second)},
		// Too late: at the 4s bound (exclusive).
		models.FlipEvent{PlayerID: 98, AuctionID: 100, Type: models.EventFlipClick, Timestamp: soldAt.Add(4 * time.Second)},
	)

	result := check(t, newTestEngine(&fakeEvents{events: events}, &fakeFlips{}, nil, nil), 1)
	if result.EscrowContention != 0 {
		t.Fatalf("no click should qualify, got %d", result.EscrowContention)
	}
}

func TestCheckSpeedSaleWithoutReceive(t *testing.T) {
	// A sale with no matching receive yields no timing sample but is not an
	// error; fixed terms still apply.
	events := &fakeEvents{events: []models.FlipEvent{
		{PlayerID: 1, AuctionID: 100, Type: models.EventAuctionSold, Timestamp: refTime.Add(-5 * time.Minute)},
	}}
	result := check(t, newTestEngine(events, &fakeFlips{}, []int64{1}, nil), 1)
	if len(result.Timings) != 0 {
		t.Fatal("sale without receive must not produce a sample")
	}
	if math.Abs(result.Penalty-8.0) > 1e-9 {
		t.Fatalf("bad-id term should still apply, got %v", result.Penalty)
	}
}

func TestOutspeedTime(t *testing.T) {
	soldAt := refTime.Add(-5 * time.Minute)
	events := &fakeEvents{events: []models.FlipEvent{
		{PlayerID: 2, AuctionID: 100, Type: models.EventPurchaseStart, Timestamp: soldAt.Add(-2 * time.Second)},
		{PlayerID: 1, AuctionID: 100, Type: models.EventFlipClick, Timestamp: soldAt.Add(-500 * time.Millisecond)},
	}}
	engine := newTestEngine(events, &fakeFlips{}, nil, nil)

	result, err := engine.OutspeedTime(context.Background(), 100, 1)
	if err != nil {
		t.Fatalf("OutspeedTime failed: %v", err)
	}
	if result.WinningPlayerID != 2 {
		t.Fatalf("expected winner 2, got %d", result.WinningPlayerID)
	}
	if math.Abs(result.SecondsDifference-1.5) > 1e-9 {
		t.Fatalf("expected 1.5s difference, got %v", result.SecondsDifference)
	}
}

func TestOutspeedTimeNoEvents(t *testing.T) {
	engine := newTestEngine(&fakeEvents{}, &fakeFlips{}, nil, nil)
	result, err := engine.OutspeedTime(context.Background(), 100, 1)
	if err != nil {
		t.Fatalf("missing history must not error: %v", err)
	}
	if result.WinningPlayerID != 0 {
		t.Fatalf("expected empty result, got %+v", result)
	}
}
