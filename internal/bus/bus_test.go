package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatfuse/internal/chat"
	"chatfuse/internal/ingest"
	"chatfuse/internal/logger"
)

// fakeIngestor emits whatever the test pushes through it.
type fakeIngestor struct {
	ingest.Emitter
	platform chat.Platform
}

func (f *fakeIngestor) Platform() chat.Platform         { return f.platform }
func (f *fakeIngestor) State() ingest.State             { return ingest.StateConnected }
func (f *fakeIngestor) LastError() error                { return nil }
func (f *fakeIngestor) Start(context.Context) error     { return nil }
func (f *fakeIngestor) Stop() error                     { return nil }

// openGate admits everything; closedAfter admits the first n calls.
type openGate struct{}

func (openGate) Admit() bool { return true }

type cappedGate struct {
	mu    sync.Mutex
	left  int
	calls int
}

func (g *cappedGate) Admit() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.left <= 0 {
		return false
	}
	g.left--
	return true
}

func newTestBus(t *testing.T, cfg Config) *Bus {
	t.Helper()
	if cfg.StatsInterval == 0 {
		cfg.StatsInterval = time.Hour
	}
	b := New(cfg, logger.NopLogger())
	t.Cleanup(b.Close)
	return b
}

func msg(platform chat.Platform, id string) chat.Message {
	return chat.Message{
		ID:        id,
		Platform:  platform,
		Username:  "bob",
		Text:      "hi",
		Timestamp: time.Now(),
	}
}

func TestDeliversUnseenMessagesExactlyOnce(t *testing.T) {
	b := newTestBus(t, Config{})
	src := &fakeIngestor{platform: chat.PlatformTwitch}
	b.Attach(src)

	var got []chat.Message
	b.Subscribe("test", func(m chat.Message) { got = append(got, m) })

	src.EmitMessage(msg(chat.PlatformTwitch, "1"))
	src.EmitMessage(msg(chat.PlatformTwitch, "2"))

	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, "2", got[1].ID)
}

func TestDuplicateSuppressed(t *testing.T) {
	b := newTestBus(t, Config{})
	src := &fakeIngestor{platform: chat.PlatformTwitch}
	b.Attach(src)

	var notified int
	b.Subscribe("test", func(chat.Message) { notified++ })

	src.EmitMessage(msg(chat.PlatformTwitch, "a1"))
	src.EmitMessage(msg(chat.PlatformTwitch, "a1"))

	assert.Equal(t, 1, notified)
	stats := b.Stats()
	assert.Equal(t, uint64(2), stats.Received)
	assert.Equal(t, uint64(1), stats.Duplicates)
	assert.Equal(t, uint64(1), stats.Delivered)
}

func TestSameIDDifferentPlatformsNotDuplicates(t *testing.T) {
	b := newTestBus(t, Config{})
	src := &fakeIngestor{platform: chat.PlatformTwitch}
	b.Attach(src)

	var notified int
	b.Subscribe("test", func(chat.Message) { notified++ })

	src.EmitMessage(msg(chat.PlatformTwitch, "1"))
	src.EmitMessage(msg(chat.PlatformYouTube, "1"))

	assert.Equal(t, 2, notified)
}

func TestRateLimitedCounted(t *testing.T) {
	b := newTestBus(t, Config{})
	b.gate = &cappedGate{left: 20}
	src := &fakeIngestor{platform: chat.PlatformTwitch}
	b.Attach(src)

	var notified int
	b.Subscribe("test", func(chat.Message) { notified++ })

	for i := 0; i < 25; i++ {
		src.EmitMessage(msg(chat.PlatformTwitch, fmt.Sprintf("m%d", i)))
	}

	assert.Equal(t, 20, notified)
	stats := b.Stats()
	assert.Equal(t, uint64(25), stats.Received)
	assert.Equal(t, uint64(5), stats.RateLimited)
	assert.Equal(t, uint64(20), stats.Delivered)
}

func TestAttachTwiceIsNoOp(t *testing.T) {
	b := newTestBus(t, Config{})
	src := &fakeIngestor{platform: chat.PlatformTwitch}
	b.Attach(src)
	b.Attach(src)

	var notified int
	b.Subscribe("test", func(chat.Message) { notified++ })

	src.EmitMessage(msg(chat.PlatformTwitch, "1"))
	assert.Equal(t, 1, notified, "double attach must not double-deliver")
	assert.Equal(t, 1, b.Stats().Ingestors)
}

func TestDetachNeverAttachedIsNoOp(t *testing.T) {
	b := newTestBus(t, Config{})
	attached := &fakeIngestor{platform: chat.PlatformTwitch}
	stranger := &fakeIngestor{platform: chat.PlatformYouTube}
	b.Attach(attached)

	assert.NotPanics(t, func() { b.Detach(stranger) })
	assert.Equal(t, 1, b.Stats().Ingestors)
}

func TestDetachStopsDelivery(t *testing.T) {
	b := newTestBus(t, Config{})
	src := &fakeIngestor{platform: chat.PlatformTwitch}
	b.Attach(src)

	var notified int
	b.Subscribe("test", func(chat.Message) { notified++ })

	src.EmitMessage(msg(chat.PlatformTwitch, "1"))
	b.Detach(src)
	src.EmitMessage(msg(chat.PlatformTwitch, "2"))

	assert.Equal(t, 1, notified)
}

func TestPanickingSubscriberIsolated(t *testing.T) {
	b := newTestBus(t, Config{})
	src := &fakeIngestor{platform: chat.PlatformTwitch}
	b.Attach(src)

	var healthy int
	b.Subscribe("faulty", func(chat.Message) { panic("boom") })
	b.Subscribe("healthy", func(chat.Message) { healthy++ })

	src.EmitMessage(msg(chat.PlatformTwitch, "1"))
	src.EmitMessage(msg(chat.PlatformTwitch, "2"))

	assert.Equal(t, 2, healthy, "a faulty subscriber must not affect others")
	assert.Equal(t, uint64(2), b.Stats().Delivered)
}

func TestBreakerSkipsRepeatedlyFaultingSubscriber(t *testing.T) {
	b := newTestBus(t, Config{
		CircuitBreaker: BreakerConfig{
			Enabled: true,
			Timeout: time.Hour,
		},
	})
	src := &fakeIngestor{platform: chat.PlatformTwitch}
	b.Attach(src)

	var calls, healthy int
	b.Subscribe("faulty", func(chat.Message) { calls++; panic("boom") })
	b.Subscribe("healthy", func(chat.Message) { healthy++ })

	const emitted = 20
	for i := 0; i < emitted; i++ {
		src.EmitMessage(msg(chat.PlatformTwitch, fmt.Sprintf("m%d", i)))
	}

	assert.Less(t, calls, emitted, "open breaker must stop calling the faulty subscriber")
	assert.Equal(t, emitted, healthy)
}

func TestUnsubscribe(t *testing.T) {
	b := newTestBus(t, Config{})
	src := &fakeIngestor{platform: chat.PlatformTwitch}
	b.Attach(src)

	var notified int
	unsubscribe := b.Subscribe("test", func(chat.Message) { notified++ })

	src.EmitMessage(msg(chat.PlatformTwitch, "1"))
	unsubscribe()
	src.EmitMessage(msg(chat.PlatformTwitch, "2"))

	assert.Equal(t, 1, notified)
}

func TestCloseIsIdempotent(t *testing.T) {
	b := New(Config{StatsInterval: time.Hour}, logger.NopLogger())
	src := &fakeIngestor{platform: chat.PlatformTwitch}
	b.Attach(src)

	b.Close()
	b.Close()

	assert.Equal(t, 0, b.Stats().Ingestors)
	assert.Equal(t, 0, b.Stats().CacheSize)
}

func TestConcurrentSourcesDistinctMessages(t *testing.T) {
	b := newTestBus(t, Config{DedupCapacity: 10000})
	b.gate = openGate{}

	sources := []*fakeIngestor{
		{platform: chat.PlatformTwitch},
		{platform: chat.PlatformYouTube},
		{platform: chat.PlatformTikTok},
	}
	for _, src := range sources {
		b.Attach(src)
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	b.Subscribe("test", func(m chat.Message) {
		mu.Lock()
		seen[m.DedupKey()]++
		mu.Unlock()
	})

	const perSource = 200
	var wg sync.WaitGroup
	for _, src := range sources {
		wg.Add(1)
		go func(src *fakeIngestor) {
			defer wg.Done()
			for i := 0; i < perSource; i++ {
				src.EmitMessage(msg(src.platform, fmt.Sprintf("m%d", i)))
			}
		}(src)
	}
	wg.Wait()

	require.Len(t, seen, len(sources)*perSource)
	for key, count := range seen {
		assert.Equal(t, 1, count, "key %s delivered more than once", key)
	}
}
