// Package rategate bounds how many messages per wall-clock second the bus
// may forward, across all sources combined. The ceiling is global on
// purpose: downstream renderers need a hard bound on their input rate more
// than any one source needs fairness.
package rategate

import (
	"sync"
	"time"
)

// DefaultCeiling is the admissions allowed per second when none is configured.
const DefaultCeiling = 20

// Gate is a goroutine-safe per-second admission counter. The counter resets
// whenever the wall-clock second changes; rejected calls still count, so
// drop statistics stay accurate.
type Gate struct {
	mu      sync.Mutex
	ceiling int
	bucket  int64 // unix second the counter belongs to
	count   int

	now func() time.Time
}

// New creates a gate admitting at most ceiling messages per second.
// Non-positive ceilings fall back to DefaultCeiling.
func New(ceiling int) *Gate {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	return &Gate{ceiling: ceiling, now: time.Now}
}

// Admit reports whether one more message may pass right now. Call it once
// per prospective message; a false return means the message must be dropped.
func (g *Gate) Admit() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	second := g.now().Unix()
	if second != g.bucket {
		g.bucket = second
		g.count = 0
	}

	g.count++
	return g.count <= g.ceiling
}

// Ceiling returns the configured admissions per second.
func (g *Gate) Ceiling() int {
	return g.ceiling
}
