package app

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dkeye/watchparty/internal/core"
	"github.com/dkeye/watchparty/internal/domain"
	"github.com/rs/zerolog/log"
)

// Session is one live signalling connection.
type Session struct {
	ID     domain.ConnID
	Signal core.SignalConnection
	// ClientToken is the long-lived browser cookie, empty for other clients.
	ClientToken string
	// AuthToken is the bearer token given at connect time, if any.
	AuthToken string

	departed  atomic.Bool
	leaveOnce sync.Once
}

func NewSession(id domain.ConnID, signal core.SignalConnection, clientToken string) *Session {
	return &Session{ID: id, Signal: signal, ClientToken: clientToken}
}

// Alive is false once the connection started closing.
func (s *Session) Alive() bool { return !s.departed.Load() }

// MarkDeparted reports whether this call performed the transition.
func (s *Session) MarkDeparted() bool { return s.departed.CompareAndSwap(false, true) }

// LeaveOnce runs fn at most once per session.
func (s *Session) LeaveOnce(fn func()) { s.leaveOnce.Do(fn) }

type sessionEntry struct {
	Room     domain.RoomID
	Username string
	Session  *Session
	Cancel   context.CancelFunc
}

// Registry is the process-local index of live connections and the room each
// one is bound to. The room store remains the source of truth for membership.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.ConnID]*sessionEntry
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[domain.ConnID]*sessionEntry)}
}

func (r *Registry) BindSignal(sess *Session, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sess.ID] = &sessionEntry{Session: sess, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("conn", string(sess.ID)).Msg("bound signal")
}

func (r *Registry) GetSession(conn domain.ConnID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[conn]; ok {
		return e.Session, true
	}
	return nil, false
}

func (r *Registry) Unbind(conn domain.ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, conn)
	log.Info().Str("module", "app.registry").Str("conn", string(conn)).Msg("unbind session")
}

// RoomOf returns the room conn is bound to and the username it joined with.
func (r *Registry) RoomOf(conn domain.ConnID) (domain.RoomID, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.sessions[conn]
	if !ok || entry.Room == "" {
		return "", "", false
	}
	return entry.Room, entry.Username, true
}

func (r *Registry) UpdateRoom(conn domain.ConnID, room domain.RoomID, username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[conn]
	if !ok {
		return false
	}
	entry.Room = room
	entry.Username = username
	log.Info().Str("module", "app.registry").Str("conn", string(conn)).Str("room", string(room)).Msg("updated room")
	return true
}

func (r *Registry) RemoveRoom(conn domain.ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.sessions[conn]; ok {
		entry.Room = ""
	}
	log.Debug().Str("module", "app.registry").Str("conn", string(conn)).Msg("removed room association")
}

type RegSnap struct {
	ConnID   domain.ConnID
	Username string
	Session  *Session
}

func (r *Registry) MembersOfRoom(room domain.RoomID) []RegSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RegSnap, 0, len(r.sessions))
	for conn, e := range r.sessions {
		if e.Room == room {
			out = append(out, RegSnap{ConnID: conn, Username: e.Username, Session: e.Session})
		}
	}
	return out
}

// InRoom reports whether conn is live and bound to room.
func (r *Registry) InRoom(conn domain.ConnID, room domain.RoomID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[conn]
	if !ok || e.Room != room {
		return nil, false
	}
	return e.Session, true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) Cancel(conn domain.ConnID) bool {
	r.mu.RLock()
	e, ok := r.sessions[conn]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("conn", string(conn)).Msg("canceled session")
	return true
}
