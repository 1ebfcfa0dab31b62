package feed

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"flip-sentinel/internal/config"
)

type fakePublisher struct {
	published map[string][]string
}

func (f *fakePublisher) Publish(_ context.Context, stream string, payload []byte) error {
	if f.published == nil {
		f.published = make(map[string][]string)
	}
	f.published[stream] = append(f.published[stream], string(payload))
	return nil
}

func newTestListener(pub *fakePublisher) *Listener {
	return NewListener(config.FeedConfig{URL: "ws://example.invalid/feed"}, pub, zerolog.Nop())
}

func TestForwardRoutesChannels(t *testing.T) {
	pub := &fakePublisher{}
	l := newTestListener(pub)

	l.forward(context.Background(), []byte(`{"channel":"flips","data":{"auctionId":1}}`))
	l.forward(context.Background(), []byte(`{"channel":"sold","data":{"auctionId":2}}`))

	if got := pub.published["flips:new"]; len(got) != 1 || got[0] != `{"auctionId":1}` {
		t.Fatalf("flips channel not routed: %v", pub.published)
	}
	if got := pub.published["auctions:sold"]; len(got) != 1 || got[0] != `{"auctionId":2}` {
		t.Fatalf("sold channel not routed: %v", pub.published)
	}
}

func TestForwardDropsUnroutedAndMalformed(t *testing.T) {
	pub := &fakePublisher{}
	l := newTestListener(pub)

	l.forward(context.Background(), []byte(`{"channel":"chat","data":{}}`))
	l.forward(context.Background(), []byte(`not json`))

	if len(pub.published) != 0 {
		t.Fatalf("unexpected publishes: %v", pub.published)
	}
}

func TestRunRequiresURL(t *testing.T) {
	l := NewListener(config.FeedConfig{}, &fakePublisher{}, zerolog.Nop())
	if err := l.Run(context.Background()); err == nil {
		t.Fatal("missing url must error")
	}
}
