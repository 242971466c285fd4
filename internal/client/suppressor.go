package client

import (
	"sync"
	"time"

	"github.com/dkeye/watchparty/internal/domain"
)

const DefaultSuppressWindow = 700 * time.Millisecond

// Suppressor drops local callbacks that echo a programmatic action. Each
// suppressible event type carries its own deadline.
type Suppressor struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	until  map[domain.EventType]time.Time
}

func NewSuppressor(window time.Duration, now func() time.Time) *Suppressor {
	if window <= 0 {
		window = DefaultSuppressWindow
	}
	if now == nil {
		now = time.Now
	}
	return &Suppressor{window: window, now: now, until: make(map[domain.EventType]time.Time)}
}

// Arm opens the window for t. Call it right before the programmatic action.
func (s *Suppressor) Arm(t domain.EventType) {
	if !t.Suppressible() {
		return
	}
	s.mu.Lock()
	s.until[t] = s.now().Add(s.window)
	s.mu.Unlock()
}

// Suppressed reports whether a callback of type t arriving now is an echo.
// Heartbeats are never suppressed.
func (s *Suppressor) Suppressed(t domain.EventType) bool {
	if !t.Suppressible() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Before(s.until[t])
}
