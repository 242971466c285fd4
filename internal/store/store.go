// Package store persists rooms. Every operation is a single atomic
// read-modify-write of one room, so concurrent events for the same room are
// serialized while different rooms never contend.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/watchparty/internal/core"
	"github.com/dkeye/watchparty/internal/domain"
	"github.com/rs/zerolog/log"
)

var (
	ErrRoomNotFound   = errors.New("room not found")
	ErrNotHost        = errors.New("requester is not the room host")
	ErrConnectionGone = errors.New("connection already departed")
	ErrContention     = errors.New("room update retries exhausted")
)

// errNoWrite lets a mutation finish without persisting anything.
var errNoWrite = errors.New("no write")

// MutateFunc edits a private copy of the room. created is true when the room
// did not exist before this transaction.
type MutateFunc func(room *domain.Room, created bool) error

// Backend is the storage primitive the Store is built on.
type Backend interface {
	// Update atomically loads, mutates and saves one room. When the room is
	// missing and create is nil it returns ErrRoomNotFound. fn may run more
	// than once if the backend retries after contention.
	Update(ctx context.Context, id domain.RoomID, create func() *domain.Room, fn MutateFunc) (*domain.Room, error)
	Load(ctx context.Context, id domain.RoomID) (*domain.Room, error)
	// Candidates lists rooms that may be expired. Callers must re-check.
	Candidates(ctx context.Context, emptyBefore, createdBefore time.Time) ([]domain.RoomID, error)
	// DeleteIf removes the room only if pred holds at delete time.
	DeleteIf(ctx context.Context, id domain.RoomID, pred func(*domain.Room) bool) (bool, error)
	Close() error
}

type Store struct {
	backend   Backend
	now       func() time.Time
	opTimeout time.Duration
}

type Option func(*Store)

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithOpTimeout bounds every backend call.
func WithOpTimeout(d time.Duration) Option {
	return func(s *Store) { s.opTimeout = d }
}

var _ core.RoomStore = (*Store)(nil)

func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:   backend,
		now:       func() time.Time { return time.Now().UTC() },
		opTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *Store) creator(id domain.RoomID) func() *domain.Room {
	return func() *domain.Room { return domain.NewRoom(id, s.now()) }
}

func (s *Store) UpsertOnJoin(ctx context.Context, id domain.RoomID, req domain.JoinRequest, alive func() bool) (*domain.JoinOutcome, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var out domain.JoinOutcome
	room, err := s.backend.Update(ctx, id, s.creator(id), func(r *domain.Room, created bool) error {
		// Re-checked inside the transaction so a close that raced this join wins.
		if alive != nil && !alive() {
			return ErrConnectionGone
		}
		out = r.Join(req, created, s.now())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("join room %s: %w", id, err)
	}
	out.Room = room
	return &out, nil
}

func (s *Store) RemoveMember(ctx context.Context, id domain.RoomID, conn domain.ConnID) (*domain.LeaveOutcome, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var out domain.LeaveOutcome
	room, err := s.backend.Update(ctx, id, nil, func(r *domain.Room, _ bool) error {
		out = r.Leave(conn, s.now())
		if out.Removed == nil {
			return errNoWrite
		}
		return nil
	})
	if errors.Is(err, ErrRoomNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("leave room %s: %w", id, err)
	}
	out.Room = room
	return &out, nil
}

func (s *Store) Kick(ctx context.Context, id domain.RoomID, requester, target domain.ConnID) (*domain.LeaveOutcome, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var out domain.LeaveOutcome
	room, err := s.backend.Update(ctx, id, nil, func(r *domain.Room, _ bool) error {
		if !r.IsHost(requester) {
			return ErrNotHost
		}
		out = r.Leave(target, s.now())
		if out.Removed == nil {
			return errNoWrite
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("kick from room %s: %w", id, err)
	}
	out.Room = room
	return &out, nil
}

func (s *Store) Patch(ctx context.Context, id domain.RoomID, patch domain.PlaybackPatch) (*domain.Room, error) {
	if patch.Empty() {
		return s.Get(ctx, id)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	room, err := s.backend.Update(ctx, id, nil, func(r *domain.Room, _ bool) error {
		patch.Apply(r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("patch room %s: %w", id, err)
	}
	return room, nil
}

func (s *Store) Get(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	room, err := s.backend.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get room %s: %w", id, err)
	}
	return room, nil
}

// SweepEmpty deletes rooms that stayed empty longer than grace or outlived
// maxAge. Each candidate is re-verified at delete time because it may have
// regained a member after being listed. Listing and every delete get their
// own timeout.
func (s *Store) SweepEmpty(ctx context.Context, grace, maxAge time.Duration) ([]domain.RoomID, error) {
	now := s.now()
	var createdBefore time.Time
	if maxAge > 0 {
		createdBefore = now.Add(-maxAge)
	}
	ids, err := s.candidates(ctx, now.Add(-grace), createdBefore)
	if err != nil {
		return nil, fmt.Errorf("list sweep candidates: %w", err)
	}

	var (
		deleted []domain.RoomID
		errs    []error
	)
	for _, id := range ids {
		ok, err := s.deleteIf(ctx, id, func(r *domain.Room) bool {
			return r.Expired(now, grace, maxAge)
		})
		if err != nil {
			log.Warn().Err(err).Str("module", "store").Str("room", string(id)).Msg("sweep delete failed")
			errs = append(errs, err)
			continue
		}
		if ok {
			deleted = append(deleted, id)
		}
	}
	return deleted, errors.Join(errs...)
}

func (s *Store) candidates(ctx context.Context, emptyBefore, createdBefore time.Time) ([]domain.RoomID, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.backend.Candidates(ctx, emptyBefore, createdBefore)
}

func (s *Store) deleteIf(ctx context.Context, id domain.RoomID, pred func(*domain.Room) bool) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.backend.DeleteIf(ctx, id, pred)
}

func (s *Store) Close() error {
	return s.backend.Close()
}

// backoff sleeps a little longer on each contended attempt.
func backoff(ctx context.Context, attempt int) error {
	d := time.Duration(attempt+1) * 5 * time.Millisecond
	if d > 100*time.Millisecond {
		d = 100 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
