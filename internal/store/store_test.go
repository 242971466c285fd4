package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dkeye/watchparty/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now().UTC().Truncate(time.Millisecond)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type backendFactory func(t *testing.T) Backend

func backends() map[string]backendFactory {
	return map[string]backendFactory{
		"memory": func(t *testing.T) Backend { return NewMemoryBackend() },
		"redis": func(t *testing.T) Backend {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			return newRedisBackend(client, RedisConfig{KeyPrefix: "test:", MaxRetries: 64})
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s *Store, clock *fakeClock)) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			s := New(factory(t), WithClock(clock.Now), WithOpTimeout(5*time.Second))
			t.Cleanup(func() { _ = s.Close() })
			fn(t, s, clock)
		})
	}
}

func join(t *testing.T, s *Store, room domain.RoomID, conn domain.ConnID, username string) *domain.JoinOutcome {
	t.Helper()
	out, err := s.UpsertOnJoin(context.Background(), room, domain.JoinRequest{ConnID: conn, Username: username}, nil)
	require.NoError(t, err)
	return out
}

func TestConcurrentJoinsCreateOneRoomWithOneHost(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store, _ *fakeClock) {
		const n = 10
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			created int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				out, err := s.UpsertOnJoin(context.Background(), "party", domain.JoinRequest{
					ConnID:   domain.ConnID(fmt.Sprintf("c%d", i)),
					Username: fmt.Sprintf("user%d", i),
				}, nil)
				if !assert.NoError(t, err) {
					return
				}
				if out.Created {
					mu.Lock()
					created++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()

		room, err := s.Get(context.Background(), "party")
		require.NoError(t, err)
		assert.Equal(t, 1, created)
		assert.Len(t, room.Members, n)
		assert.True(t, room.HasMember(room.Host))
		hosts := 0
		for _, v := range room.Views() {
			if v.IsHost {
				hosts++
			}
		}
		assert.Equal(t, 1, hosts)
	})
}

func TestPatchesDoNotClobberMembership(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store, _ *fakeClock) {
		join(t, s, "r", "a1", "alice")

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(2)
			go func(i int) {
				defer wg.Done()
				_, err := s.UpsertOnJoin(context.Background(), "r", domain.JoinRequest{
					ConnID:   domain.ConnID(fmt.Sprintf("m%d", i)),
					Username: fmt.Sprintf("member%d", i),
				}, nil)
				assert.NoError(t, err)
			}(i)
			go func(i int) {
				defer wg.Done()
				patch := domain.PlayerEvent{Type: domain.EventSeek, Time: domain.Seconds(float64(i))}.Patch()
				_, err := s.Patch(context.Background(), "r", patch)
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		room, err := s.Get(context.Background(), "r")
		require.NoError(t, err)
		assert.Len(t, room.Members, 9)
	})
}

func TestPatchMissingRoom(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store, _ *fakeClock) {
		_, err := s.Patch(context.Background(), "ghost", domain.PlayerEvent{Type: domain.EventPause}.Patch())
		assert.ErrorIs(t, err, ErrRoomNotFound)
	})
}

func TestJoinAfterConnectionGoneWritesNothing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store, _ *fakeClock) {
		_, err := s.UpsertOnJoin(context.Background(), "r", domain.JoinRequest{ConnID: "a1", Username: "alice"},
			func() bool { return false })
		assert.ErrorIs(t, err, ErrConnectionGone)

		_, err = s.Get(context.Background(), "r")
		assert.ErrorIs(t, err, ErrRoomNotFound)
	})
}

func TestRemoveMember(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store, _ *fakeClock) {
		ctx := context.Background()
		join(t, s, "r", "a1", "alice")
		join(t, s, "r", "b1", "bob")

		out, err := s.RemoveMember(ctx, "r", "a1")
		require.NoError(t, err)
		require.NotNil(t, out.Removed)
		assert.Equal(t, domain.ConnID("b1"), out.Promoted)
		assert.Equal(t, domain.ConnID("b1"), out.Room.Host)

		out, err = s.RemoveMember(ctx, "r", "a1")
		require.NoError(t, err)
		assert.Nil(t, out.Removed, "second leave is a no-op")

		out, err = s.RemoveMember(ctx, "missing", "a1")
		require.NoError(t, err)
		assert.Nil(t, out)
	})
}

func TestKickRequiresHost(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store, _ *fakeClock) {
		ctx := context.Background()
		join(t, s, "r", "a1", "alice")
		join(t, s, "r", "b1", "bob")
		join(t, s, "r", "c1", "carol")

		_, err := s.Kick(ctx, "r", "b1", "c1")
		assert.ErrorIs(t, err, ErrNotHost)
		room, err := s.Get(ctx, "r")
		require.NoError(t, err)
		assert.Len(t, room.Members, 3)

		out, err := s.Kick(ctx, "r", "a1", "c1")
		require.NoError(t, err)
		require.NotNil(t, out.Removed)
		assert.Equal(t, "carol", out.Removed.Username)
		assert.Len(t, out.Room.Members, 2)
	})
}

func TestSweepHonoursGraceWindow(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store, clock *fakeClock) {
		ctx := context.Background()
		join(t, s, "r", "a1", "alice")
		_, err := s.RemoveMember(ctx, "r", "a1")
		require.NoError(t, err)

		clock.Advance(30 * time.Second)
		deleted, err := s.SweepEmpty(ctx, time.Minute, 24*time.Hour)
		require.NoError(t, err)
		assert.Empty(t, deleted)

		// Rejoin inside the window cancels deletion.
		join(t, s, "r", "b1", "bob")
		clock.Advance(2 * time.Minute)
		deleted, err = s.SweepEmpty(ctx, time.Minute, 24*time.Hour)
		require.NoError(t, err)
		assert.Empty(t, deleted)

		_, err = s.RemoveMember(ctx, "r", "b1")
		require.NoError(t, err)
		clock.Advance(61 * time.Second)
		deleted, err = s.SweepEmpty(ctx, time.Minute, 24*time.Hour)
		require.NoError(t, err)
		assert.Equal(t, []domain.RoomID{"r"}, deleted)

		_, err = s.Get(ctx, "r")
		assert.ErrorIs(t, err, ErrRoomNotFound)
	})
}

func TestSweepEnforcesMaxAge(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store, clock *fakeClock) {
		ctx := context.Background()
		join(t, s, "old", "a1", "alice")
		clock.Advance(23 * time.Hour)
		join(t, s, "young", "b1", "bob")
		clock.Advance(2 * time.Hour)

		deleted, err := s.SweepEmpty(ctx, time.Minute, 24*time.Hour)
		require.NoError(t, err)
		assert.Equal(t, []domain.RoomID{"old"}, deleted)

		_, err = s.Get(ctx, "young")
		assert.NoError(t, err)
	})
}

func TestRoomRecreatedAfterSweep(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store, clock *fakeClock) {
		ctx := context.Background()
		join(t, s, "r", "a1", "alice")
		_, err := s.Patch(ctx, "r", domain.PlayerEvent{Type: domain.EventSeek, Time: domain.Seconds(90)}.Patch())
		require.NoError(t, err)
		_, err = s.RemoveMember(ctx, "r", "a1")
		require.NoError(t, err)
		clock.Advance(2 * time.Minute)
		_, err = s.SweepEmpty(ctx, time.Minute, 24*time.Hour)
		require.NoError(t, err)

		out := join(t, s, "r", "b1", "bob")
		assert.True(t, out.Created)
		assert.Equal(t, domain.ConnID("b1"), out.Room.Host)
		assert.Zero(t, out.Room.CurrentTime)
	})
}

func TestRedisKeysCarryLeakGuardTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := New(newRedisBackend(client, RedisConfig{KeyPrefix: "wp:", RoomTTL: 24 * time.Hour}))
	defer s.Close()

	join(t, s, "r", "a1", "alice")

	assert.True(t, mr.Exists("wp:room:r"))
	ttl := mr.TTL("wp:room:r")
	assert.Greater(t, ttl, 24*time.Hour)
	assert.LessOrEqual(t, ttl, 48*time.Hour)
}

// slowDeletes makes every DeleteIf take delay, honouring ctx.
type slowDeletes struct {
	Backend
	delay time.Duration
}

func (b slowDeletes) DeleteIf(ctx context.Context, id domain.RoomID, pred func(*domain.Room) bool) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(b.delay):
	}
	return b.Backend.DeleteIf(ctx, id, pred)
}

func TestSweepGivesEachDeleteItsOwnTimeout(t *testing.T) {
	clock := newFakeClock()
	s := New(slowDeletes{Backend: NewMemoryBackend(), delay: 40 * time.Millisecond},
		WithClock(clock.Now), WithOpTimeout(100*time.Millisecond))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		id := domain.RoomID(fmt.Sprintf("room-%d", i))
		conn := domain.ConnID(fmt.Sprintf("c%d", i))
		join(t, s, id, conn, "alice")
		_, err := s.RemoveMember(ctx, id, conn)
		require.NoError(t, err)
	}
	clock.Advance(90 * time.Second)

	deleted, err := s.SweepEmpty(ctx, time.Minute, 0)
	require.NoError(t, err)
	assert.Len(t, deleted, 5, "five deletes outlast one op timeout but not their own")
}
