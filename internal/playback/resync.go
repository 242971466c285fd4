package playback

import (
	"sync"
	"time"

	"github.com/dkeye/watchparty/internal/domain"
)

type resyncKey struct {
	requester domain.ConnID
	responder domain.ConnID
}

// Resync tracks get-current-state requests awaiting a sync-response so that
// only solicited answers are relayed. Each entry expires after timeout.
type Resync struct {
	mu        sync.Mutex
	timeout   time.Duration
	pending   map[resyncKey]*time.Timer
	onTimeout func(requester, responder domain.ConnID)
}

// NewResync builds a tracker. onTimeout may be nil.
func NewResync(timeout time.Duration, onTimeout func(requester, responder domain.ConnID)) *Resync {
	return &Resync{
		timeout:   timeout,
		pending:   make(map[resyncKey]*time.Timer),
		onTimeout: onTimeout,
	}
}

// Track registers a relay, replacing any older one for the same pair.
func (r *Resync) Track(requester, responder domain.ConnID) {
	key := resyncKey{requester, responder}

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.pending[key]; ok {
		old.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(r.timeout, func() {
		r.mu.Lock()
		current, ok := r.pending[key]
		if !ok || current != timer {
			r.mu.Unlock()
			return
		}
		delete(r.pending, key)
		r.mu.Unlock()
		if r.onTimeout != nil {
			r.onTimeout(requester, responder)
		}
	})
	r.pending[key] = timer
}

// Resolve consumes the pending entry and reports whether one existed.
func (r *Resync) Resolve(requester, responder domain.ConnID) bool {
	key := resyncKey{requester, responder}

	r.mu.Lock()
	defer r.mu.Unlock()
	timer, ok := r.pending[key]
	if !ok {
		return false
	}
	timer.Stop()
	delete(r.pending, key)
	return true
}

// ForgetConn drops every entry involving conn, on either side.
func (r *Resync) ForgetConn(conn domain.ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, timer := range r.pending {
		if key.requester == conn || key.responder == conn {
			timer.Stop()
			delete(r.pending, key)
		}
	}
}

func (r *Resync) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
