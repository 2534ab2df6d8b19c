// Package bus fans the message streams of every attached ingestor into one
// deduplicated, rate-bounded stream delivered to subscribers. The dispatch
// path runs synchronously on whichever goroutine the triggering ingestor
// delivers from; all shared state is safe under that concurrency.
package bus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"chatfuse/internal/chat"
	"chatfuse/internal/dedup"
	"chatfuse/internal/ingest"
	"chatfuse/internal/logger"
	"chatfuse/internal/rategate"
	"chatfuse/pkg/metrics"
)

// Subscriber receives every accepted message. It runs on the delivering
// ingestor's goroutine and must copy anything it retains.
type Subscriber func(chat.Message)

// Config tunes the bus. Zero values take the package defaults.
type Config struct {
	DedupCapacity  int
	RatePerSecond  int
	StatsInterval  time.Duration
	CircuitBreaker BreakerConfig
}

// BreakerConfig gates the optional per-subscriber circuit breaker. With it
// disabled every accepted message reaches every subscriber, faults included.
type BreakerConfig struct {
	Enabled     bool
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
}

// DefaultStatsInterval is how often aggregate counters are logged.
const DefaultStatsInterval = 60 * time.Second

// admitter is the rate gate surface the bus needs; substituted in tests.
type admitter interface {
	Admit() bool
}

// Stats is a snapshot of the bus counters.
type Stats struct {
	Received    uint64 `json:"received"`
	Duplicates  uint64 `json:"duplicates"`
	RateLimited uint64 `json:"rate_limited"`
	Delivered   uint64 `json:"delivered"`
	CacheSize   int    `json:"cache_size"`
	Subscribers int    `json:"subscribers"`
	Ingestors   int    `json:"ingestors"`
}

type subscription struct {
	name    string
	fn      Subscriber
	breaker *gobreaker.CircuitBreaker
}

// Bus is the fan-in coordinator.
type Bus struct {
	log     logger.Logger
	cache   *dedup.Cache
	gate    admitter
	breaker BreakerConfig

	mu       sync.Mutex
	attached map[ingest.Ingestor]func()
	subs     map[int]*subscription
	nextSub  int
	closed   bool

	received    atomic.Uint64
	duplicates  atomic.Uint64
	rateLimited atomic.Uint64
	delivered   atomic.Uint64

	stopStats chan struct{}
	statsDone chan struct{}
}

// New builds a bus and starts its stats ticker.
func New(cfg Config, log logger.Logger) *Bus {
	if log == nil {
		log = logger.NopLogger()
	}
	interval := cfg.StatsInterval
	if interval <= 0 {
		interval = DefaultStatsInterval
	}

	b := &Bus{
		log:       log.Named("bus"),
		cache:     dedup.New(cfg.DedupCapacity),
		gate:      rategate.New(cfg.RatePerSecond),
		breaker:   cfg.CircuitBreaker,
		attached:  make(map[ingest.Ingestor]func()),
		subs:      make(map[int]*subscription),
		stopStats: make(chan struct{}),
		statsDone: make(chan struct{}),
	}

	go b.statsLoop(interval)
	return b
}

// Attach subscribes the bus to the ingestor's message and state events.
// Attaching the same ingestor twice is a no-op.
func (b *Bus) Attach(ing ingest.Ingestor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if _, ok := b.attached[ing]; ok {
		return
	}

	platform := ing.Platform()
	removeMsg := ing.OnMessage(b.handleMessage)
	removeState := ing.OnStateChange(func(c ingest.StateChange) {
		metrics.IngestorState.WithLabelValues(string(platform)).Set(float64(c.New))
	})
	b.attached[ing] = func() {
		removeMsg()
		removeState()
	}
	b.log.Infow("ingestor attached", "platform", platform.String())
}

// Detach unsubscribes from the ingestor. Safe even if it was never attached.
func (b *Bus) Detach(ing ingest.Ingestor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remove, ok := b.attached[ing]
	if !ok {
		return
	}
	remove()
	delete(b.attached, ing)
	b.log.Infow("ingestor detached", "platform", ing.Platform().String())
}

// Subscribe registers fn for every accepted message and returns its
// unsubscribe func. The name appears in logs and metrics when fn faults.
func (b *Bus) Subscribe(name string, fn Subscriber) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{name: name, fn: fn}
	if b.breaker.Enabled {
		sub.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "subscriber-" + name,
			MaxRequests: b.breaker.MaxRequests,
			Interval:    b.breaker.Interval,
			Timeout:     b.breaker.Timeout,
		})
	}

	id := b.nextSub
	b.nextSub++
	b.subs[id] = sub
	metrics.BusSubscribers.Set(float64(len(b.subs)))

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
		metrics.BusSubscribers.Set(float64(len(b.subs)))
	}
}

// handleMessage is the hot per-message path: counter, dedup, rate gate,
// dispatch. Nothing in here may abort processing of subsequent messages.
func (b *Bus) handleMessage(m chat.Message) {
	b.received.Add(1)
	metrics.BusMessagesTotal.WithLabelValues(metrics.StatusReceived).Inc()

	if !b.cache.TryAdd(m.DedupKey()) {
		b.duplicates.Add(1)
		metrics.BusMessagesTotal.WithLabelValues(metrics.StatusDuplicate).Inc()
		return
	}

	if !b.gate.Admit() {
		b.rateLimited.Add(1)
		metrics.BusMessagesTotal.WithLabelValues(metrics.StatusRateLimited).Inc()
		return
	}

	b.delivered.Add(1)
	metrics.BusMessagesTotal.WithLabelValues(metrics.StatusDelivered).Inc()

	for _, sub := range b.snapshotSubs() {
		b.dispatch(sub, m)
	}
}

func (b *Bus) snapshotSubs() []*subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := make([]*subscription, 0, len(b.subs))
	for id := 0; id < b.nextSub; id++ {
		if sub, ok := b.subs[id]; ok {
			subs = append(subs, sub)
		}
	}
	return subs
}

// dispatch runs one subscriber guarded: a panic is recovered and logged so
// it cannot break the bus or the remaining subscribers.
func (b *Bus) dispatch(sub *subscription, m chat.Message) {
	if sub.breaker == nil {
		if err := b.safeCall(sub, m); err != nil {
			b.logSubscriberFault(sub, err)
		}
		return
	}

	_, err := sub.breaker.Execute(func() (interface{}, error) {
		return nil, b.safeCall(sub, m)
	})
	if err != nil {
		b.logSubscriberFault(sub, err)
	}
}

func (b *Bus) safeCall(sub *subscription, m chat.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.SubscriberPanicsTotal.WithLabelValues(sub.name).Inc()
			err = fmt.Errorf("subscriber %s panicked: %v", sub.name, r)
		}
	}()
	sub.fn(m)
	return nil
}

func (b *Bus) logSubscriberFault(sub *subscription, err error) {
	b.log.Errorw("subscriber fault", "subscriber", sub.name, "error", err)
}

// Stats returns a point-in-time snapshot of the counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	subscribers := len(b.subs)
	ingestors := len(b.attached)
	b.mu.Unlock()

	return Stats{
		Received:    b.received.Load(),
		Duplicates:  b.duplicates.Load(),
		RateLimited: b.rateLimited.Load(),
		Delivered:   b.delivered.Load(),
		CacheSize:   b.cache.Len(),
		Subscribers: subscribers,
		Ingestors:   ingestors,
	}
}

func (b *Bus) statsLoop(interval time.Duration) {
	defer close(b.statsDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s := b.Stats()
			metrics.DedupCacheSize.Set(float64(s.CacheSize))
			b.log.Infow("bus stats",
				"received", s.Received,
				"duplicates", s.Duplicates,
				"rate_limited", s.RateLimited,
				"delivered", s.Delivered,
				"cache_size", s.CacheSize,
			)
		case <-b.stopStats:
			return
		}
	}
}

// Close detaches every ingestor, purges the dedup cache and stops the stats
// ticker. Ingestors themselves are not stopped; callers stop them first.
// Safe to call multiple times.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for ing, remove := range b.attached {
		remove()
		delete(b.attached, ing)
	}
	b.subs = make(map[int]*subscription)
	b.mu.Unlock()

	close(b.stopStats)
	<-b.statsDone
	b.cache.Purge()
	b.log.Infow("bus closed")
}
