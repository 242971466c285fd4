// Package playback holds the server-side bookkeeping of the sync protocol:
// persistence throttling of heartbeats and the pending resync relays.
package playback

import (
	"math"
	"sync"
	"time"

	"github.com/dkeye/watchparty/internal/domain"
)

// Throttle decides which player events are worth a store write. Intent events
// always are; heartbeats only once media time moved by at least interval since
// the last persisted value of that room.
type Throttle struct {
	mu       sync.Mutex
	interval float64
	last     map[domain.RoomID]float64
}

func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{
		interval: interval.Seconds(),
		last:     make(map[domain.RoomID]float64),
	}
}

func (t *Throttle) ShouldPersist(room domain.RoomID, ev domain.PlayerEvent) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ev.Type != domain.EventTimeUpdate {
		switch {
		case ev.Type == domain.EventURL:
			t.last[room] = ev.TimeOr(0)
		case ev.Time != nil:
			t.last[room] = *ev.Time
		}
		return true
	}
	if ev.Time == nil {
		return false
	}
	now := *ev.Time
	prev, ok := t.last[room]
	if ok && math.Abs(now-prev) < t.interval {
		return false
	}
	t.last[room] = now
	return true
}

// Forget drops the baseline of a deleted room.
func (t *Throttle) Forget(room domain.RoomID) {
	t.mu.Lock()
	delete(t.last, room)
	t.mu.Unlock()
}
