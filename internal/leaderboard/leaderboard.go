package leaderboard

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// retention keeps daily boards around long enough for weekly reviews.
const retention = 14 * 24 * time.Hour

// Entry is one ranked reaction-time record.
type Entry struct {
	PlayerID       int64
	ElapsedSeconds float64
	Profit         decimal.Decimal
}

// Board ranks players by their fastest observed reaction time, one sorted
// set per UTC day. Lower scores rank first.
type Board struct {
	client *redis.Client
	logger zerolog.Logger
}

// New constructs a Board.
func New(client *redis.Client, logger zerolog.Logger) *Board {
	return &Board{
		client: client,
		logger: logger.With().Str("component", "leaderboard").Logger(),
	}
}

func dayKey(day time.Time) string {
	return "speed:lb:" + day.UTC().Format("2006-01-02")
}

// Record stores a reaction time, keeping only a player's fastest entry for
// the day. Profit is tracked separately per player for display.
func (b *Board) Record(ctx context.Context, at time.Time, entry Entry) error {
	key := dayKey(at)
	member := strconv.FormatInt(entry.PlayerID, 10)

	// ZADD LT: only overwrite when the new reaction is faster.
	if err := b.client.ZAddLT(ctx, key, redis.Z{
		Score:  entry.ElapsedSeconds,
		Member: member,
	}).Err(); err != nil {
		return fmt.Errorf("record leaderboard entry: %w", err)
	}
	if err := b.client.HSet(ctx, key+":profit", member, entry.Profit.String()).Err(); err != nil {
		return fmt.Errorf("record leaderboard profit: %w", err)
	}
	if err := b.client.Expire(ctx, key, retention).Err(); err != nil {
		return fmt.Errorf("set leaderboard ttl: %w", err)
	}
	return b.client.Expire(ctx, key+":profit", retention).Err()
}

// Top returns the n fastest entries for the day.
func (b *Board) Top(ctx context.Context, day time.Time, n int64) ([]Entry, error) {
	key := dayKey(day)
	ranked, err := b.client.ZRangeWithScores(ctx, key, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read leaderboard: %w", err)
	}

	entries := make([]Entry, 0, len(ranked))
	for _, z := range ranked {
		member, _ := z.Member.(string)
		playerID, parseErr := strconv.ParseInt(member, 10, 64)
		if parseErr != nil {
			continue
		}
		entry := Entry{PlayerID: playerID, ElapsedSeconds: z.Score}
		if profit, hgetErr := b.client.HGet(ctx, key+":profit", member).Result(); hgetErr == nil {
			if dec, decErr := decimal.NewFromString(profit); decErr == nil {
				entry.Profit = dec
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
