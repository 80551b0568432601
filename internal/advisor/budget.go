package advisor

import (
	"sync"
	"time"
)

// fallbackBudget rate-limits templated/baseline emissions over a rolling
// window. It is the backpressure valve against baseline spam: the (cap+1)th
// attempt in a window is always denied.
type fallbackBudget struct {
	mu     sync.Mutex
	stamps []time.Time
}

func newFallbackBudget() *fallbackBudget {
	return &fallbackBudget{}
}

// Allow reports whether another fallback emission fits under cap within
// window. It does not consume a slot; Spend records the emission once it
// actually goes out, so a gate-suppressed attempt never burns budget.
func (b *fallbackBudget) Allow(cap int, window time.Duration, now time.Time) bool {
	if cap <= 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(window, now)
	return len(b.stamps) < cap
}

// Spend records one fallback emission.
func (b *fallbackBudget) Spend(now time.Time) {
	b.mu.Lock()
	b.stamps = append(b.stamps, now)
	b.mu.Unlock()
}

func (b *fallbackBudget) pruneLocked(window time.Duration, now time.Time) {
	cutoff := now.Add(-window)
	kept := b.stamps[:0]
	for _, ts := range b.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.stamps = kept
}
