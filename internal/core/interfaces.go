package core

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/watchparty/internal/domain"
)

//go:generate mockgen -source=interfaces.go -destination=mocks/mock_interfaces.go -package=mocks

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// Frame is a raw encoded message.
type Frame []byte

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// TrySend never blocks; a full buffer yields ErrBackpressure.
	TrySend(Frame) error
	Close()
}

// RoomStore is the durable, concurrency-safe record of every room.
// Each method is one atomic unit against a single room.
type RoomStore interface {
	UpsertOnJoin(ctx context.Context, id domain.RoomID, req domain.JoinRequest, alive func() bool) (*domain.JoinOutcome, error)
	// RemoveMember returns a nil outcome when the room no longer exists.
	RemoveMember(ctx context.Context, id domain.RoomID, conn domain.ConnID) (*domain.LeaveOutcome, error)
	Kick(ctx context.Context, id domain.RoomID, requester, target domain.ConnID) (*domain.LeaveOutcome, error)
	Patch(ctx context.Context, id domain.RoomID, patch domain.PlaybackPatch) (*domain.Room, error)
	Get(ctx context.Context, id domain.RoomID) (*domain.Room, error)
	SweepEmpty(ctx context.Context, grace, maxAge time.Duration) ([]domain.RoomID, error)
	Close() error
}

// IdentityResolver maps connection credentials to a durable user id.
// An empty id is valid and disables host reclaim for that join.
type IdentityResolver interface {
	Resolve(ctx context.Context, token string, claimed domain.UserID, anonymous string) domain.UserID
}
