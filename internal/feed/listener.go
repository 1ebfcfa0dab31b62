package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"flip-sentinel/internal/config"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterPercent  = 0.2

	pongTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 25 * time.Second
)

// Publisher is the broker-append capability the listener writes to.
// Satisfied by *broker.Publisher.
type Publisher interface {
	Publish(ctx context.Context, stream string, payload []byte) error
}

// envelope is one firehose frame: a channel name plus the raw payload that
// gets forwarded verbatim onto the matching stream.
type envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// channelStreams maps firehose channels onto broker topics.
var channelStreams = map[string]string{
	"flips":    "flips:new",
	"events":   "flips:events",
	"trades":   "trades",
	"sold":     "auctions:sold",
	"auctions": "auctions:new",
}

// Listener bridges the upstream websocket firehose into the broker so the
// consumption loops never talk to the socket directly.
type Listener struct {
	cfg       config.FeedConfig
	publisher Publisher
	logger    zerolog.Logger
	backoff   time.Duration
}

// NewListener constructs a Listener.
func NewListener(cfg config.FeedConfig, publisher Publisher, logger zerolog.Logger) *Listener {
	return &Listener{
		cfg:       cfg,
		publisher: publisher,
		logger:    logger.With().Str("component", "feed").Logger(),
		backoff:   initialBackoff,
	}
}

// Run connects and forwards frames until the context is cancelled,
// reconnecting with exponential backoff on any connection failure.
func (l *Listener) Run(ctx context.Context) error {
	if l.cfg.URL == "" {
		return fmt.Errorf("feed url is not configured")
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := l.connect(ctx)
		if err != nil {
			l.logger.Warn().Err(err).Dur("backoff", l.backoff).Msg("feed connect failed")
			if !l.waitBackoff(ctx) {
				return ctx.Err()
			}
			continue
		}

		l.backoff = initialBackoff
		err = l.readLoop(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.logger.Warn().Err(err).Msg("feed connection lost, reconnecting")
		if !l.waitBackoff(ctx) {
			return ctx.Err()
		}
	}
}

func (l *Listener) connect(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: l.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, l.cfg.URL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", l.cfg.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", l.cfg.URL, err)
	}
	l.logger.Info().Str("url", l.cfg.URL).Msg("feed connected")
	return conn, nil
}

func (l *Listener) readLoop(ctx context.Context, conn *websocket.Conn) error {
	heartbeat := l.cfg.HeartbeatTimeout
	if heartbeat <= 0 {
		heartbeat = 60 * time.Second
	}

	conn.SetReadDeadline(time.Now().Add(heartbeat + pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(heartbeat + pongTimeout))
	})

	// Pings keep the read deadline honest on a quiet feed.
	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopPing:
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(heartbeat + pongTimeout))
		l.forward(ctx, frame)
	}
}

// forward publishes one frame onto its topic. Unroutable or malformed frames
// are logged and dropped; the feed replays nothing.
func (l *Listener) forward(ctx context.Context, frame []byte) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		l.logger.Warn().Err(err).Msg("malformed feed frame dropped")
		return
	}
	stream, ok := channelStreams[env.Channel]
	if !ok {
		l.logger.Debug().Str("channel", env.Channel).Msg("unrouted feed channel")
		return
	}
	if err := l.publisher.Publish(ctx, stream, env.Data); err != nil {
		l.logger.Error().Err(err).Str("stream", stream).Msg("publish feed frame failed")
	}
}

func (l *Listener) waitBackoff(ctx context.Context) bool {
	jitter := time.Duration(float64(l.backoff) * jitterPercent * (rand.Float64()*2 - 1))
	wait := l.backoff + jitter

	l.backoff = time.Duration(float64(l.backoff) * backoffFactor)
	if l.backoff > maxBackoff {
		l.backoff = maxBackoff
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
