package denylist

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// flaggedKey is the shared Redis set of flagged player ids. The pipeline
// writes propagated flags here; one-shot scoring commands read them back.
const flaggedKey = "speed:flagged"

// Store persists flagged ids so flags propagated by the running pipeline
// reach detection runs in other processes.
type Store struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewStore constructs a Store.
func NewStore(client *redis.Client, logger zerolog.Logger) *Store {
	return &Store{
		client: client,
		logger: logger.With().Str("component", "denylist").Logger(),
	}
}

// Flag persists ids as flagged. Adding an already-flagged id is a no-op.
func (s *Store) Flag(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		members = append(members, strconv.FormatInt(id, 10))
	}
	if err := s.client.SAdd(ctx, flaggedKey, members...).Err(); err != nil {
		return fmt.Errorf("persist denylist flags: %w", err)
	}
	return nil
}

// Members lists every persisted flagged id. Unparseable members are logged
// and skipped.
func (s *Store) Members(ctx context.Context) ([]int64, error) {
	raw, err := s.client.SMembers(ctx, flaggedKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read denylist flags: %w", err)
	}

	ids := make([]int64, 0, len(raw))
	for _, member := range raw {
		id, parseErr := strconv.ParseInt(member, 10, 64)
		if parseErr != nil {
			s.logger.Warn().Str("member", member).Msg("unparseable denylist member skipped")
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
