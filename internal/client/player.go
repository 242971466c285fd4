package client

import (
	"errors"
	"sync"
	"time"

	"github.com/dkeye/watchparty/internal/domain"
)

var ErrPlayerNotReady = errors.New("player not ready")

// Player is the media element the coordinator drives.
type Player interface {
	Ready() bool
	Paused() bool
	CurrentTime() float64
	URL() string
	Play() error
	Pause() error
	Seek(t float64) error
	Load(url string) error
}

// LocalEvent is a callback raised by the player, either from a user action
// or as the echo of a programmatic one.
type LocalEvent struct {
	Type domain.EventType
	Time float64
}

// SimPlayer is a clock driven player. Every state change is queued as a
// LocalEvent, the way a media element fires play/pause/seeked callbacks.
type SimPlayer struct {
	mu     sync.Mutex
	now    func() time.Time
	ready  bool
	url    string
	paused bool
	pos    float64
	anchor time.Time
	events []LocalEvent
}

func NewSimPlayer(now func() time.Time) *SimPlayer {
	if now == nil {
		now = time.Now
	}
	return &SimPlayer{now: now, paused: true, anchor: now()}
}

func (p *SimPlayer) SetReady(ready bool) {
	p.mu.Lock()
	p.ready = ready
	p.mu.Unlock()
}

func (p *SimPlayer) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

func (p *SimPlayer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *SimPlayer) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *SimPlayer) CurrentTime() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position()
}

func (p *SimPlayer) position() float64 {
	if p.paused {
		return p.pos
	}
	return p.pos + p.now().Sub(p.anchor).Seconds()
}

func (p *SimPlayer) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ready {
		return ErrPlayerNotReady
	}
	if !p.paused {
		return nil
	}
	p.pos, p.anchor, p.paused = p.position(), p.now(), false
	p.emit(domain.EventPlay)
	return nil
}

func (p *SimPlayer) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ready {
		return ErrPlayerNotReady
	}
	if p.paused {
		return nil
	}
	p.pos, p.anchor, p.paused = p.position(), p.now(), true
	p.emit(domain.EventPause)
	return nil
}

func (p *SimPlayer) Seek(t float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ready {
		return ErrPlayerNotReady
	}
	p.pos, p.anchor = t, p.now()
	p.emit(domain.EventSeek)
	return nil
}

// Load swaps the source. The simulated media loads instantly and starts
// paused at zero.
func (p *SimPlayer) Load(url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
	p.pos, p.anchor, p.paused = 0, p.now(), true
	p.ready = url != ""
	return nil
}

// Drain returns and clears the queued callbacks.
func (p *SimPlayer) Drain() []LocalEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.events
	p.events = nil
	return out
}

func (p *SimPlayer) emit(t domain.EventType) {
	p.events = append(p.events, LocalEvent{Type: t, Time: p.position()})
}
