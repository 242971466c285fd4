package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/watchparty/internal/domain"
)

// memoryBackend is a threadsafe in-process backend. Each room has its own
// mutex, the map lock is only held to find or drop entries.
type memoryBackend struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]*memoryEntry
}

type memoryEntry struct {
	mu   sync.Mutex
	room *domain.Room // nil until the first successful write
	gone bool
}

func NewMemoryBackend() Backend {
	return &memoryBackend{rooms: make(map[domain.RoomID]*memoryEntry)}
}

func (m *memoryBackend) entry(id domain.RoomID, create bool) *memoryEntry {
	m.mu.RLock()
	e, ok := m.rooms[id]
	m.mu.RUnlock()
	if ok || !create {
		return e
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok = m.rooms[id]; ok {
		return e
	}
	e = &memoryEntry{}
	m.rooms[id] = e
	return e
}

func (m *memoryBackend) Update(ctx context.Context, id domain.RoomID, create func() *domain.Room, fn MutateFunc) (*domain.Room, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e := m.entry(id, create != nil)
		if e == nil {
			return nil, ErrRoomNotFound
		}
		e.mu.Lock()
		if e.gone {
			// Deleted by the sweeper between lookup and lock.
			e.mu.Unlock()
			continue
		}
		room, err := m.apply(e, create, fn)
		e.mu.Unlock()
		return room, err
	}
}

// apply runs with e.mu held.
func (m *memoryBackend) apply(e *memoryEntry, create func() *domain.Room, fn MutateFunc) (*domain.Room, error) {
	var (
		work    *domain.Room
		created bool
	)
	if e.room == nil {
		if create == nil {
			return nil, ErrRoomNotFound
		}
		work, created = create(), true
	} else {
		work = e.room.Clone()
	}
	if err := fn(work, created); err != nil {
		if errors.Is(err, errNoWrite) {
			return work, nil
		}
		return nil, err
	}
	e.room = work
	return work.Clone(), nil
}

func (m *memoryBackend) Load(_ context.Context, id domain.RoomID) (*domain.Room, error) {
	e := m.entry(id, false)
	if e == nil {
		return nil, ErrRoomNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone || e.room == nil {
		return nil, ErrRoomNotFound
	}
	return e.room.Clone(), nil
}

func (m *memoryBackend) Candidates(_ context.Context, emptyBefore, createdBefore time.Time) ([]domain.RoomID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.RoomID
	for id, e := range m.rooms {
		e.mu.Lock()
		r := e.room
		switch {
		case r == nil:
			// Placeholder left by a join that aborted.
			out = append(out, id)
		case r.LastEmptyAt != nil && r.LastEmptyAt.Before(emptyBefore):
			out = append(out, id)
		case !createdBefore.IsZero() && r.CreatedAt.Before(createdBefore):
			out = append(out, id)
		}
		e.mu.Unlock()
	}
	return out, nil
}

func (m *memoryBackend) DeleteIf(_ context.Context, id domain.RoomID, pred func(*domain.Room) bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rooms[id]
	if !ok {
		return false, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.room == nil {
		delete(m.rooms, id)
		e.gone = true
		return false, nil
	}
	if !pred(e.room.Clone()) {
		return false, nil
	}
	delete(m.rooms, id)
	e.gone = true
	return true, nil
}

func (m *memoryBackend) Close() error { return nil }
