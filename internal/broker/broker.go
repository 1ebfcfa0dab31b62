package broker

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"flip-sentinel/internal/config"
)

// Message is one delivered stream record. Timestamp comes from the stream
// entry id, so the staleness guard works even for payloads without one.
type Message struct {
	ID        string
	Data      []byte
	Timestamp time.Time
}

// Consumer pulls bounded batches from Redis Streams consumer groups.
// Delivery is at-least-once: entries stay pending until acknowledged.
type Consumer struct {
	client    *redis.Client
	name      string
	blockTime time.Duration
	logger    zerolog.Logger

	// groups caches created consumer groups; loops share one Consumer.
	groupsMu sync.Mutex
	groups   map[string]bool
}

// NewClient builds the shared Redis client.
func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewConsumer constructs a Consumer with a unique per-process name inside
// its groups.
func NewConsumer(client *redis.Client, blockTime time.Duration, logger zerolog.Logger) *Consumer {
	if blockTime <= 0 {
		blockTime = 5 * time.Second
	}
	return &Consumer{
		client:    client,
		name:      "sentinel-" + uuid.NewString(),
		blockTime: blockTime,
		logger:    logger.With().Str("component", "broker").Logger(),
		groups:    make(map[string]bool),
	}
}

// Pull reads up to count entries for the group, blocking briefly when the
// stream is idle. An empty slice with nil error means no new entries.
func (c *Consumer) Pull(ctx context.Context, stream, group string, count int64) ([]Message, error) {
	if err := c.ensureGroup(ctx, stream, group); err != nil {
		return nil, err
	}

	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: c.name,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    c.blockTime,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var messages []Message
	for _, entry := range streams {
		for _, xmsg := range entry.Messages {
			data, ok := xmsg.Values["data"].(string)
			if !ok {
				// Malformed entry; acknowledge so it is not redelivered.
				c.logger.Warn().Str("id", xmsg.ID).Str("stream", stream).Msg("entry without data field, acking")
				_ = c.Ack(ctx, stream, group, xmsg.ID)
				continue
			}
			messages = append(messages, Message{
				ID:        xmsg.ID,
				Data:      []byte(data),
				Timestamp: entryTime(xmsg.ID),
			})
		}
	}
	return messages, nil
}

// Ack marks entries as processed for the group.
func (c *Consumer) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return c.client.XAck(ctx, stream, group, ids...).Err()
}

func (c *Consumer) ensureGroup(ctx context.Context, stream, group string) error {
	key := stream + "/" + group
	c.groupsMu.Lock()
	defer c.groupsMu.Unlock()
	if c.groups[key] {
		return nil
	}
	err := c.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	c.groups[key] = true
	return nil
}

// entryTime extracts the millisecond timestamp prefix of a stream entry id.
func entryTime(id string) time.Time {
	dash := strings.IndexByte(id, '-')
	if dash <= 0 {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(id[:dash], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// Publisher appends entries to Redis Streams.
type Publisher struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewPublisher constructs a Publisher.
func NewPublisher(client *redis.Client, logger zerolog.Logger) *Publisher {
	return &Publisher{
		client: client,
		logger: logger.With().Str("component", "publisher").Logger(),
	}
}

// Publish appends one payload to a stream.
func (p *Publisher) Publish(ctx context.Context, stream string, payload []byte) error {
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"data": string(payload)},
	}).Err()
}
