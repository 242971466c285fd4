package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/watchparty/internal/core/mocks"
	"github.com/dkeye/watchparty/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestRegistryRoomBinding(t *testing.T) {
	ctrl := gomock.NewController(t)
	reg := NewRegistry()
	a := NewSession("a", mocks.NewMockSignalConnection(ctrl), "")
	b := NewSession("b", mocks.NewMockSignalConnection(ctrl), "")
	reg.BindSignal(a, nil)
	reg.BindSignal(b, nil)

	_, _, ok := reg.RoomOf("a")
	assert.False(t, ok, "fresh sessions are not in a room")

	require.True(t, reg.UpdateRoom("a", "r1", "alice"))
	require.True(t, reg.UpdateRoom("b", "r2", "bob"))

	room, username, ok := reg.RoomOf("a")
	require.True(t, ok)
	assert.Equal(t, domain.RoomID("r1"), room)
	assert.Equal(t, "alice", username)

	snaps := reg.MembersOfRoom("r1")
	require.Len(t, snaps, 1)
	assert.Same(t, a, snaps[0].Session)

	_, ok = reg.InRoom("b", "r1")
	assert.False(t, ok)

	reg.RemoveRoom("a")
	assert.Empty(t, reg.MembersOfRoom("r1"))
	_, ok = reg.GetSession("a")
	assert.True(t, ok, "removing the room keeps the connection")

	reg.Unbind("a")
	assert.Equal(t, 1, reg.Len())
	assert.False(t, reg.UpdateRoom("a", "r1", "alice"))
}

func TestRegistryCancel(t *testing.T) {
	reg := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	reg.BindSignal(NewSession("a", nil, ""), cancel)

	assert.True(t, reg.Cancel("a"))
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.False(t, reg.Cancel("missing"))
}

func TestSessionLifecycle(t *testing.T) {
	s := NewSession("a", nil, "")
	assert.True(t, s.Alive())
	assert.True(t, s.MarkDeparted())
	assert.False(t, s.MarkDeparted())
	assert.False(t, s.Alive())

	calls := 0
	s.LeaveOnce(func() { calls++ })
	s.LeaveOnce(func() { calls++ })
	assert.Equal(t, 1, calls)
}

func TestSimplePolicyDisconnects(t *testing.T) {
	assert.Equal(t, Disconnect, SimplePolicy{}.OnBackPressure(nil))
}

func TestSweeperNotifiesDeletedRooms(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockRoomStore(ctrl)
	store.EXPECT().
		SweepEmpty(gomock.Any(), time.Minute, 24*time.Hour).
		Return([]domain.RoomID{"r1", "r2"}, nil)

	var got []domain.RoomID
	s := &Sweeper{
		Store:     store,
		Interval:  time.Minute,
		Grace:     time.Minute,
		MaxAge:    24 * time.Hour,
		OnDeleted: func(id domain.RoomID) { got = append(got, id) },
	}

	deleted := s.RunOnce(context.Background())
	assert.Equal(t, []domain.RoomID{"r1", "r2"}, deleted)
	assert.Equal(t, deleted, got)
}

func TestSweeperSurvivesErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockRoomStore(ctrl)
	gomock.InOrder(
		store.EXPECT().SweepEmpty(gomock.Any(), gomock.Any(), gomock.Any()).
			Return([]domain.RoomID{"partial"}, errors.New("redis down")),
		store.EXPECT().SweepEmpty(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(nil, nil).AnyTimes(),
	)

	var got []domain.RoomID
	s := &Sweeper{Store: store, Interval: 10 * time.Millisecond, OnDeleted: func(id domain.RoomID) { got = append(got, id) }}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))
	assert.Equal(t, []domain.RoomID{"partial"}, got, "rooms deleted before the error are still evicted")
}
