package rategate

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedClock pins the gate to one wall-clock second until advanced.
type fixedClock struct {
	mu  sync.Mutex
	sec int64
}

func (c *fixedClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Unix(c.sec, 0)
}

func (c *fixedClock) advance() {
	c.mu.Lock()
	c.sec++
	c.mu.Unlock()
}

func newTestGate(ceiling int) (*Gate, *fixedClock) {
	clock := &fixedClock{sec: 1700000000}
	g := New(ceiling)
	g.now = clock.now
	return g, clock
}

func TestCeilingWithinOneSecond(t *testing.T) {
	g, _ := newTestGate(20)

	for i := 0; i < 20; i++ {
		require.True(t, g.Admit(), "call %d must be admitted", i+1)
	}
	for i := 0; i < 5; i++ {
		assert.False(t, g.Admit(), "call past ceiling must be rejected")
	}
}

func TestCounterResetsOnNewSecond(t *testing.T) {
	g, clock := newTestGate(2)

	require.True(t, g.Admit())
	require.True(t, g.Admit())
	require.False(t, g.Admit())

	clock.advance()
	assert.True(t, g.Admit())
}

func TestDefaultCeiling(t *testing.T) {
	g := New(0)
	assert.Equal(t, DefaultCeiling, g.Ceiling())
}

func TestConcurrentAdmissions(t *testing.T) {
	const ceiling = 20
	const attempts = 100
	g, _ := newTestGate(ceiling)

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Admit() {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(ceiling), admitted.Load(),
		"exactly the ceiling must be admitted regardless of interleaving")
}
