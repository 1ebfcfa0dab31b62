package detection

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"flip-sentinel/internal/config"
	"flip-sentinel/internal/denylist"
	"flip-sentinel/internal/models"
	"flip-sentinel/internal/storage"
)

// Scoring constants. All bands are in seconds of reaction time.
const (
	// NoDataPenalty distinguishes "no candidate sales" from "zero risk".
	NoDataPenalty = -1.0

	baselineSeconds    = 3.0
	baseBandLow        = 1.0
	baseBandHigh       = 8.0
	speedPenaltyCutoff = 3.3
	speedPenaltyWeight = 0.2
	antiMacroBandLow   = 3.37
	antiMacroBandHigh  = 4.0
	antiMacroWeight    = 0.25
	macroBandLow       = 3.5
	macroBandHigh      = 4.0
	macroWeight        = 0.2
	longTermBandLow    = 3.51
	longTermBandHigh   = 4.0
	longTermLookback   = 48 * time.Hour
	escrowDelayLow     = 2500 * time.Millisecond
	escrowDelayHigh    = 4000 * time.Millisecond
	escrowWeight       = 0.02
	badActorPenalty    = 8.0
	knownMacroerMark   = 0.312345
)

// FlipSource answers which auctions carry a TFM-finder flip. Satisfied by
// *storage.Store.
type FlipSource interface {
	TFMAuctionIDs(ctx context.Context, auctionIDs []int64) (map[int64]bool, error)
}

// Engine computes deterministic buy-speed-advantage scores from the event
// history. It holds no state beyond injected collaborators and is safe for
// concurrent use.
type Engine struct {
	events        storage.EventQuerier
	flips         FlipSource
	badActors     *denylist.Set
	knownMacroers *denylist.Set
	logger        zerolog.Logger

	window          time.Duration
	longLookback    int
	antiMacroFactor int
	now             func() time.Time
}

// NewEngine constructs the detection engine.
func NewEngine(cfg config.DetectionConfig, events storage.EventQuerier, flips FlipSource, badActors, knownMacroers *denylist.Set, logger zerolog.Logger) *Engine {
	windowMinutes := cfg.WindowMinutes
	if windowMinutes <= 0 {
		windowMinutes = 20
	}
	longLookback := cfg.LongLookbackFactor
	if longLookback <= 0 {
		longLookback = 30
	}
	antiMacro := cfg.AntiMacroFactor
	if antiMacro <= 0 {
		antiMacro = 6
	}

	return &Engine{
		events:          events,
		flips:           flips,
		badActors:       badActors,
		knownMacroers:   knownMacroers,
		logger:          logger.With().Str("component", "detection").Logger(),
		window:          time.Duration(windowMinutes) * time.Minute,
		longLookback:    longLookback,
		antiMacroFactor: antiMacro,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// CheckSpeed runs the full speed/macro analysis for a set of players.
func (e *Engine) CheckSpeed(ctx context.Context, req models.SpeedCheckRequest) (models.SpeedCompResult, error) {
	if len(req.PlayerIDs) == 0 {
		return models.SpeedCompResult{}, fmt.Errorf("speed check requires at least one player id")
	}

	window := e.window
	if req.WindowMinutes > 0 {
		window = time.Duration(req.WindowMinutes) * time.Minute
	}
	ref := req.Reference
	if ref.IsZero() {
		ref = e.now()
	}

	result := models.SpeedCompResult{
		Sales:  make(map[int64]time.Time),
		BadIDs: e.badActors.Matching(req.PlayerIDs),
	}

	lookback := window * time.Duration(e.longLookback)
	sold, err := e.events.SoldEvents(ctx, req.PlayerIDs, ref.Add(-lookback), ref)
	if err != nil {
		return models.SpeedCompResult{}, fmt.Errorf("load candidate sales: %w", err)
	}
	if len(sold) == 0 {
		result.Penalty = NoDataPenalty
		return result, nil
	}

	for _, sale := range sold {
		if _, ok := result.Sales[sale.AuctionID]; !ok {
			result.Sales[sale.AuctionID] = sale.Timestamp
		}
	}
	auctionIDs := sortedKeys(result.Sales)

	timings, err := e.timingSamples(ctx, auctionIDs, result.Sales, req.PlayerIDs, ref)
	if err != nil {
		return models.SpeedCompResult{}, err
	}
	result.Timings = timings

	escrow, err := e.escrowContention(ctx, result.Sales, req.PlayerIDs, ref, window)
	if err != nil {
		return models.SpeedCompResult{}, err
	}
	result.EscrowContention = escrow

	macroed := macroedSamples(timings)
	if len(macroed) > 0 {
		history, histErr := e.longTermMacroHistory(ctx, req.PlayerIDs, ref)
		if histErr != nil {
			// Reporting-only data; score without it rather than failing.
			e.logger.Warn().Err(histErr).Msg("long-term macro history unavailable")
		} else {
			result.MacroSamples = history
		}
	}

	result.Penalty = e.composePenalty(req.PlayerIDs, timings, macroed, escrow, window, len(result.BadIDs))
	result.AvgAdvantageSeconds = avgElapsed(timings)

	e.logger.Debug().
		Int("players", len(req.PlayerIDs)).
		Int("sales", len(result.Sales)).
		Int("timings", len(timings)).
		Int("escrow", escrow).
		Float64("penalty", result.Penalty).
		Msg("speed check complete")
	return result, nil
}

// CheckPlayerSpeed is the single-player convenience form of CheckSpeed.
func (e *Engine) CheckPlayerSpeed(ctx context.Context, playerID int64, reference time.Time, windowMinutes int) (models.SpeedCompResult, error) {
	return e.CheckSpeed(ctx, models.SpeedCheckRequest{
		PlayerIDs:     []int64{playerID},
		WindowMinutes: windowMinutes,
		Reference:     reference,
	})
}

// OutspeedTime reports who claimed an auction first and how far behind the
// given player was. Missing correlate events yield an empty result, not an
// error.
func (e *Engine) OutspeedTime(ctx context.Context, auctionID, playerID int64) (models.OutspeedResult, error) {
	events, err := e.events.EventsForAuction(ctx, auctionID)
	if err != nil {
		return models.OutspeedResult{}, fmt.Errorf("load auction events: %w", err)
	}

	winner, winnerAt := claimant(events)
	if winner == 0 {
		return models.OutspeedResult{}, nil
	}

	playerAt := firstActionAt(events, playerID)
	if playerAt.IsZero() {
		return models.OutspeedResult{WinningPlayerID: winner}, nil
	}

	return models.OutspeedResult{
		WinningPlayerID:   winner,
		SecondsDifference: playerAt.Sub(winnerAt).Seconds(),
	}, nil
}

// timingSamples derives (elapsed, age) pairs for each sale with a matching
// receive, excluding auctions discovered through the TFM fast path.
func (e *Engine) timingSamples(ctx context.Context, auctionIDs []int64, sales map[int64]time.Time, playerIDs []int64, ref time.Time) ([]models.AuctionTiming, error) {
	receives, err := e.events.ReceiveEventsForAuctionsPlayers(ctx, auctionIDs, playerIDs)
	if err != nil {
		return nil, fmt.Errorf("load receive events: %w", err)
	}

	earliest := make(map[int64]time.Time, len(receives))
	for _, event := range receives {
		if at, ok := earliest[event.AuctionID]; !ok || event.Timestamp.Before(at) {
			earliest[event.AuctionID] = event.Timestamp
		}
	}

	tfm, err := e.flips.TFMAuctionIDs(ctx, auctionIDs)
	if err != nil {
		return nil, fmt.Errorf("load tfm auctions: %w", err)
	}

	timings := make([]models.AuctionTiming, 0, len(auctionIDs))
	for _, auctionID := range auctionIDs {
		receivedAt, ok := earliest[auctionID]
		if !ok || tfm[auctionID] {
			continue
		}
		soldAt := sales[auctionID]
		timings = append(timings, models.AuctionTiming{
			AuctionID:      auctionID,
			ElapsedSeconds: soldAt.Sub(receivedAt).Seconds(),
			AgeSeconds:     ref.Sub(receivedAt).Seconds(),
			SoldAt:         soldAt,
		})
	}
	return timings, nil
}

// escrowContention counts clicks by players outside the requested set that
// landed just after a sale, a signal of market contention rather than a bot.
func (e *Engine) escrowContention(ctx context.Context, sales map[int64]time.Time, playerIDs []int64, ref time.Time, window time.Duration) (int, error) {
	windowSales := make(map[int64]time.Time)
	for auctionID, soldAt := range sales {
		if soldAt.After(ref.Add(-window)) && !soldAt.After(ref) {
			windowSales[auctionID] = soldAt
		}
	}
	if len(windowSales) == 0 {
		return 0, nil
	}

	clicks, err := e.events.ClickEventsForAuctions(ctx, sortedKeys(windowSales), ref.Add(-window), ref.Add(escrowDelayHigh))
	if err != nil {
		return 0, fmt.Errorf("load click events: %w", err)
	}

	requested := make(map[int64]bool, len(playerIDs))
	for _, id := range playerIDs {
		requested[id] = true
	}

	count := 0
	for _, click := range clicks {
		if requested[click.PlayerID] {
			continue
		}
		soldAt, ok := windowSales[click.AuctionID]
		if !ok {
			continue
		}
		lower := soldAt.Add(escrowDelayLow)
		upper := soldAt.Add(escrowDelayHigh)
		if !click.Timestamp.Before(lower) && click.Timestamp.Before(upper) {
			count++
		}
	}
	return count, nil
}

// longTermMacroHistory rebuilds timing samples over a two-day lookback and
// keeps those inside the long-term macro band. Reporting only.
func (e *Engine) longTermMacroHistory(ctx context.Context, playerIDs []int64, ref time.Time) ([]models.MacroSample, error) {
	sold, err := e.events.SoldEvents(ctx, playerIDs, ref.Add(-longTermLookback), ref)
	if err != nil {
		return nil, err
	}
	if len(sold) == 0 {
		return nil, nil
	}

	sales := make(map[int64]time.Time)
	for _, sale := range sold {
		if _, ok := sales[sale.AuctionID]; !ok {
			sales[sale.AuctionID] = sale.Timestamp
		}
	}

	timings, err := e.timingSamples(ctx, sortedKeys(sales), sales, playerIDs, ref)
	if err != nil {
		return nil, err
	}

	var history []models.MacroSample
	for _, timing := range timings {
		if timing.ElapsedSeconds >= longTermBandLow && timing.ElapsedSeconds < longTermBandHigh {
			history = append(history, models.MacroSample{
				AuctionID:      timing.AuctionID,
				ElapsedSeconds: timing.ElapsedSeconds,
				SoldAt:         timing.SoldAt,
			})
		}
	}
	return history, nil
}

// composePenalty combines the additive score terms. The escrow term is added
// twice (once gated on antiMacro, once unconditionally), matching the
// long-standing production behaviour; do not collapse it without a data
// review.
func (e *Engine) composePenalty(playerIDs []int64, timings []models.AuctionTiming, macroed []models.AuctionTiming, escrow int, window time.Duration, badCount int) float64 {
	windowSec := window.Seconds()
	wideSec := windowSec * float64(e.antiMacroFactor)

	var baseSum float64
	baseCount := 0
	var speedPenalty float64
	for _, t := range timings {
		if t.AgeSeconds < windowSec && t.ElapsedSeconds > baseBandLow && t.ElapsedSeconds < baseBandHigh {
			baseSum += decay(t.AgeSeconds, windowSec) * (t.ElapsedSeconds - baselineSeconds)
			baseCount++
		}
		if t.AgeSeconds < windowSec && t.ElapsedSeconds > speedPenaltyCutoff {
			if term := decay(t.AgeSeconds, windowSec) * speedPenaltyWeight; term > 0 {
				speedPenalty += term
			}
		}
	}
	base := 0.0
	if baseCount > 0 {
		base = baseSum / float64(baseCount)
	}

	var antiMacro float64
	for _, t := range timings {
		if t.AgeSeconds < wideSec && t.ElapsedSeconds > antiMacroBandLow && t.ElapsedSeconds < antiMacroBandHigh {
			antiMacro += decay(t.AgeSeconds, wideSec) * antiMacroWeight
		}
	}
	for _, t := range macroed {
		if t.AgeSeconds < wideSec {
			antiMacro += decay(t.AgeSeconds, wideSec) * macroWeight
		}
	}

	total := math.Max(base+speedPenalty, 0) + antiMacro
	if antiMacro > 0 {
		total += escrowWeight * float64(escrow)
	}
	total += escrowWeight * float64(escrow)

	total += badActorPenalty * float64(badCount)
	if e.knownMacroers.ContainsAny(playerIDs) {
		total += knownMacroerMark
	}
	return total
}

func macroedSamples(timings []models.AuctionTiming) []models.AuctionTiming {
	var macroed []models.AuctionTiming
	for _, t := range timings {
		if t.ElapsedSeconds >= macroBandLow && t.ElapsedSeconds < macroBandHigh {
			macroed = append(macroed, t)
		}
	}
	return macroed
}

func decay(age, window float64) float64 {
	return (window - age) / window
}

func avgElapsed(timings []models.AuctionTiming) float64 {
	if len(timings) == 0 {
		return 0
	}
	var sum float64
	for _, t := range timings {
		sum += t.ElapsedSeconds
	}
	return sum / float64(len(timings))
}

// claimant finds the player who claimed the auction: the earliest
// PURCHASE_START, falling back to the earliest FLIP_CLICK.
func claimant(events []models.FlipEvent) (int64, time.Time) {
	var winner int64
	var winnerAt time.Time
	pick := func(typ models.FlipEventType) {
		for _, event := range events {
			if event.Type != typ {
				continue
			}
			if winner == 0 || event.Timestamp.Before(winnerAt) {
				winner = event.PlayerID
				winnerAt = event.Timestamp
			}
		}
	}
	pick(models.EventPurchaseStart)
	if winner == 0 {
		pick(models.EventFlipClick)
	}
	return winner, winnerAt
}

// firstActionAt returns the player's earliest click, falling back to their
// receive time.
func firstActionAt(events []models.FlipEvent, playerID int64) time.Time {
	var clickAt, receiveAt time.Time
	for _, event := range events {
		if event.PlayerID != playerID {
			continue
		}
		switch event.Type {
		case models.EventFlipClick:
			if clickAt.IsZero() || event.Timestamp.Before(clickAt) {
				clickAt = event.Timestamp
			}
		case models.EventFlipReceive:
			if receiveAt.IsZero() || event.Timestamp.Before(receiveAt) {
				receiveAt = event.Timestamp
			}
		}
	}
	if !clickAt.IsZero() {
		return clickAt
	}
	return receiveAt
}

// WithClock overrides the engine clock, for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func sortedKeys(m map[int64]time.Time) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
