package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// FinderType identifies the discovery strategy that produced a flip.
type FinderType int16

const (
	FinderUnknown FinderType = iota
	FinderFlipper
	FinderSniper
	FinderSniperMedian
	FinderUser
	FinderStonks
	FinderExternal
	// FinderTFM marks the external fast-path finder. Auctions carrying a TFM
	// flip are excluded from macro scoring.
	FinderTFM
	FinderFlipperAndSniper
)

var finderNames = map[FinderType]string{
	FinderUnknown:          "UNKNOWN",
	FinderFlipper:          "FLIPPER",
	FinderSniper:           "SNIPER",
	FinderSniperMedian:     "SNIPER_MEDIAN",
	FinderUser:             "USER",
	FinderStonks:           "STONKS",
	FinderExternal:         "EXTERNAL",
	FinderTFM:              "TFM",
	FinderFlipperAndSniper: "FLIPPER_AND_SNIPER",
}

func (f FinderType) String() string {
	if name, ok := finderNames[f]; ok {
		return name
	}
	return fmt.Sprintf("FINDER(%d)", int16(f))
}

// ParseFinderType resolves a finder name; unknown names map to FinderUnknown.
func ParseFinderType(s string) FinderType {
	upper := strings.ToUpper(strings.TrimSpace(s))
	for finder, name := range finderNames {
		if name == upper {
			return finder
		}
	}
	return FinderUnknown
}

// FlipEventType tags an observed player action on an auction.
type FlipEventType int16

const (
	// EventStart is an ingestion-only marker, never produced by players.
	EventStart FlipEventType = iota
	EventFlipReceive
	EventFlipClick
	EventPurchaseStart
	EventPurchaseConfirm
	EventAuctionSold
	EventUpvote
	EventDownvote
)

var eventNames = map[FlipEventType]string{
	EventStart:           "START",
	EventFlipReceive:     "FLIP_RECEIVE",
	EventFlipClick:       "FLIP_CLICK",
	EventPurchaseStart:   "PURCHASE_START",
	EventPurchaseConfirm: "PURCHASE_CONFIRM",
	EventAuctionSold:     "AUCTION_SOLD",
	EventUpvote:          "UPVOTE",
	EventDownvote:        "DOWNVOTE",
}

func (t FlipEventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return fmt.Sprintf("EVENT(%d)", int16(t))
}

// ParseFlipEventType resolves an event name; unknown names map to EventStart.
func ParseFlipEventType(s string) FlipEventType {
	upper := strings.ToUpper(strings.TrimSpace(s))
	for typ, name := range eventNames {
		if name == upper {
			return typ
		}
	}
	return EventStart
}

// Flip is one discovered below-value listing, keyed by (auction, finder).
type Flip struct {
	AuctionID   int64
	FinderType  FinderType
	TargetPrice int32
	Timestamp   time.Time
}

// FlipEvent is one observed player action, keyed by (auction, player, type).
// The uniqueness of that triple is what makes replayed ingestion idempotent.
type FlipEvent struct {
	PlayerID  int64
	AuctionID int64
	Type      FlipEventType
	Timestamp time.Time
}

// AuctionPlayer addresses the dedup lookup scope for a batch of events.
type AuctionPlayer struct {
	AuctionID int64
	PlayerID  int64
}

// Key returns the full dedup key of an event.
func (e FlipEvent) Key() EventKey {
	return EventKey{AuctionID: e.AuctionID, PlayerID: e.PlayerID, Type: e.Type}
}

// EventKey is the (auction, player, type) dedup triple.
type EventKey struct {
	AuctionID int64
	PlayerID  int64
	Type      FlipEventType
}

// FlipOutcome reports what happened to a single flip during ingestion.
type FlipOutcome int8

const (
	// FlipPersisted means the flip row was newly inserted.
	FlipPersisted FlipOutcome = iota
	// FlipDeduplicated means a row for the auction already existed.
	FlipDeduplicated
	// FlipDropped means every persistence attempt failed and the flip was
	// discarded after logging.
	FlipDropped
)

func (o FlipOutcome) String() string {
	switch o {
	case FlipPersisted:
		return "persisted"
	case FlipDeduplicated:
		return "deduplicated"
	case FlipDropped:
		return "dropped"
	}
	return fmt.Sprintf("outcome(%d)", int8(o))
}

// FlipResult pairs a flip with its ingestion outcome.
type FlipResult struct {
	Flip    Flip
	Outcome FlipOutcome
}

// SpeedCheckRequest selects the players and window for a speed check.
type SpeedCheckRequest struct {
	PlayerIDs     []int64
	WindowMinutes int
	// Reference is the instant ages are measured against. Zero means now.
	Reference time.Time
}

// AuctionTiming is one derived timing sample for a sold auction.
type AuctionTiming struct {
	AuctionID      int64
	ElapsedSeconds float64
	AgeSeconds     float64
	SoldAt         time.Time
}

// MacroSample is a long-lookback timing sample inside the macro band,
// reported for moderation context only.
type MacroSample struct {
	AuctionID      int64
	ElapsedSeconds float64
	SoldAt         time.Time
}

// SpeedCompResult carries the full audit trail of a speed check, not just
// the composite score.
type SpeedCompResult struct {
	Penalty             float64
	AvgAdvantageSeconds float64
	Timings             []AuctionTiming
	Sales               map[int64]time.Time
	EscrowContention    int
	MacroSamples        []MacroSample
	BadIDs              []int64
}

// AltResult suggests a linked account based on shared receive history.
type AltResult struct {
	PlayerID     int64
	SuggestedAlt int64
	SharedEvents int
	AuctionIDs   []int64
}

// Found reports whether any correlation was established.
func (r AltResult) Found() bool {
	return r.SuggestedAlt != 0
}

// OutspeedResult names who claimed an auction first and by how much.
type OutspeedResult struct {
	WinningPlayerID   int64
	SecondsDifference float64
}

// FlipMessage is the broker payload for newly discovered flips.
type FlipMessage struct {
	AuctionID   int64           `json:"auctionId"`
	Finder      string          `json:"finder"`
	TargetPrice decimal.Decimal `json:"targetPrice"`
	Timestamp   time.Time       `json:"timestamp"`
}

// ToFlip converts the wire payload into a store record. Target prices on the
// wire are coin decimals; the store keeps whole coins.
func (m FlipMessage) ToFlip() Flip {
	return Flip{
		AuctionID:   m.AuctionID,
		FinderType:  ParseFinderType(m.Finder),
		TargetPrice: int32(m.TargetPrice.IntPart()),
		Timestamp:   m.Timestamp,
	}
}

// EventMessage is the broker payload for player actions.
type EventMessage struct {
	PlayerID  int64     `json:"playerId"`
	AuctionID int64     `json:"auctionId"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// ToEvent converts the wire payload into a store record.
func (m EventMessage) ToEvent() FlipEvent {
	return FlipEvent{
		PlayerID:  m.PlayerID,
		AuctionID: m.AuctionID,
		Type:      ParseFlipEventType(m.Type),
		Timestamp: m.Timestamp,
	}
}

// SoldMessage is the broker payload on the sold-auction topics.
type SoldMessage struct {
	PlayerID  int64           `json:"playerId"`
	AuctionID int64           `json:"auctionId"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// TradeMessage is the broker payload for player-trade confirmations.
type TradeMessage struct {
	BuyerID   int64           `json:"buyerId"`
	AuctionID int64           `json:"auctionId"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewAuctionMessage is the broker payload for newly listed auctions. The
// co-op member list drives denylist propagation.
type NewAuctionMessage struct {
	AuctionID   int64     `json:"auctionId"`
	SellerID    int64     `json:"sellerId"`
	CoopMembers []int64   `json:"coopMembers"`
	Timestamp   time.Time `json:"timestamp"`
}
