package aggregate

import (
	"sync"
	"time"
)

// dedupMaxPerGeneration caps memory when the window duration alone would
// admit too many IDs; hitting it forces an early rotation.
const dedupMaxPerGeneration = 1 << 20

// dedupWindow remembers recently applied event IDs across two generations.
// Rotation moves the current generation to previous and starts fresh, so an
// ID is remembered for at least one window and at most two. Spill replays
// land well inside that horizon.
type dedupWindow struct {
	mu        sync.Mutex
	window    time.Duration
	max       int
	rotatedAt time.Time
	current   map[string]struct{}
	previous  map[string]struct{}
}

func newDedupWindow(window time.Duration) *dedupWindow {
	return &dedupWindow{
		window:   window,
		max:      dedupMaxPerGeneration,
		current:  make(map[string]struct{}),
		previous: make(map[string]struct{}),
	}
}

// seen reports whether eventID was already recorded, and records it if not.
func (d *dedupWindow) seen(eventID string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.rotatedAt.IsZero() {
		d.rotatedAt = now
	}
	if now.Sub(d.rotatedAt) >= d.window || len(d.current) >= d.max {
		d.previous = d.current
		d.current = make(map[string]struct{})
		d.rotatedAt = now
	}

	if _, ok := d.current[eventID]; ok {
		return true
	}
	if _, ok := d.previous[eventID]; ok {
		return true
	}
	d.current[eventID] = struct{}{}
	return false
}

func (d *dedupWindow) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.current) + len(d.previous)
}
