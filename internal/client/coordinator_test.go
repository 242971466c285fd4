package client

import (
	"sync"
	"testing"
	"time"

	"github.com/dkeye/watchparty/internal/domain"
	"github.com/dkeye/watchparty/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu   sync.Mutex
	sent []any
}

func (r *recorder) Send(v any) error {
	r.mu.Lock()
	r.sent = append(r.sent, v)
	r.mu.Unlock()
	return nil
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.sent = nil
	r.mu.Unlock()
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, v := range r.sent {
		data, _ := protocol.Encode(v)
		typ, _ := protocol.PeekType(data)
		out = append(out, typ)
	}
	return out
}

func (r *recorder) states() []domain.PlayerEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.PlayerEvent
	for _, v := range r.sent {
		if m, ok := v.(protocol.PlayerState); ok {
			out = append(out, m.State)
		}
	}
	return out
}

type harness struct {
	c     *Coordinator
	p     *SimPlayer
	rec   *recorder
	clock *fakeClock
}

func newHarness(t *testing.T, host bool, url string) *harness {
	t.Helper()
	clk := newClock()
	p := NewSimPlayer(clk.Now)
	rec := &recorder{}
	h := &harness{c: NewCoordinator(p, rec, Options{Now: clk.Now}), p: p, rec: rec, clock: clk}
	h.recv(t, protocol.RoomJoined{Type: protocol.TypeRoomJoined, Room: "r", IsHost: host, VideoURL: url, ConnectionID: "me"})
	p.Drain()
	rec.reset()
	return h
}

func (h *harness) recv(t *testing.T, v any) {
	t.Helper()
	data, err := protocol.Encode(v)
	require.NoError(t, err)
	require.NoError(t, h.c.HandleFrame(data))
}

func (h *harness) remote(t *testing.T, ev domain.PlayerEvent) {
	t.Helper()
	h.recv(t, protocol.PlayerState{Type: protocol.TypePlayerState, State: ev})
}

// settle lets suppression windows lapse and discards queued callbacks.
func (h *harness) settle() {
	h.clock.Advance(time.Second)
	h.p.Drain()
	h.rec.reset()
}

func drainedTypes(p *SimPlayer) []domain.EventType {
	var out []domain.EventType
	for _, ev := range p.Drain() {
		out = append(out, ev.Type)
	}
	return out
}

func TestDriftCorrection(t *testing.T) {
	h := newHarness(t, false, "http://v/1")
	h.remote(t, domain.PlayerEvent{Type: domain.EventPlay, Time: domain.Seconds(118)})
	h.settle()
	require.InDelta(t, 119, h.p.CurrentTime(), 1e-9, "one second of playback since the play")

	h.remote(t, domain.PlayerEvent{Type: domain.EventTimeUpdate, Time: domain.Seconds(120)})
	assert.InDelta(t, 119, h.p.CurrentTime(), 1e-9, "1s of drift is tolerated")
	assert.Empty(t, drainedTypes(h.p))

	h.clock.Advance(-1 * time.Second)
	h.remote(t, domain.PlayerEvent{Type: domain.EventTimeUpdate, Time: domain.Seconds(120)})
	assert.InDelta(t, 120, h.p.CurrentTime(), 1e-9, "2s of drift forces a seek")
	assert.Equal(t, []domain.EventType{domain.EventSeek}, drainedTypes(h.p))
}

func TestHeartbeatResumesPausedFollower(t *testing.T) {
	h := newHarness(t, false, "http://v/1")
	h.remote(t, domain.PlayerEvent{Type: domain.EventPause, Time: domain.Seconds(50)})
	h.settle()
	require.True(t, h.p.Paused())

	h.remote(t, domain.PlayerEvent{Type: domain.EventTimeUpdate, Time: domain.Seconds(50.5)})
	assert.False(t, h.p.Paused())
	assert.Equal(t, []domain.EventType{domain.EventPlay}, drainedTypes(h.p), "small drift is not corrected")
}

func TestEchoSuppression(t *testing.T) {
	h := newHarness(t, false, "http://v/1")
	h.remote(t, domain.PlayerEvent{Type: domain.EventPlay, Time: domain.Seconds(10)})
	h.settle()

	h.remote(t, domain.PlayerEvent{Type: domain.EventPause, Time: domain.Seconds(20)})
	h.clock.Advance(100 * time.Millisecond)
	for _, ev := range h.p.Drain() {
		sent, err := h.c.HandleLocal(ev)
		require.NoError(t, err)
		assert.False(t, sent, "%s echo is dropped", ev.Type)
	}

	h.clock.Advance(700 * time.Millisecond)
	require.NoError(t, h.p.Play())
	require.NoError(t, h.p.Pause())
	for _, ev := range h.p.Drain() {
		sent, err := h.c.HandleLocal(ev)
		require.NoError(t, err)
		assert.True(t, sent, "user %s after the window is broadcast", ev.Type)
	}
	states := h.rec.states()
	require.Len(t, states, 2)
	assert.Equal(t, domain.EventPlay, states[0].Type)
	assert.Equal(t, domain.EventPause, states[1].Type)
	assert.Equal(t, "http://v/1", states[1].URL)
}

func TestSuppressionIsPerType(t *testing.T) {
	clk := newClock()
	s := NewSuppressor(0, clk.Now)
	s.Arm(domain.EventSeek)
	s.Arm(domain.EventTimeUpdate)

	assert.True(t, s.Suppressed(domain.EventSeek))
	assert.False(t, s.Suppressed(domain.EventPause))
	assert.False(t, s.Suppressed(domain.EventTimeUpdate))

	clk.Advance(699 * time.Millisecond)
	assert.True(t, s.Suppressed(domain.EventSeek))
	clk.Advance(time.Millisecond)
	assert.False(t, s.Suppressed(domain.EventSeek))
}

func TestPreSeekOnRemotePlayAndPause(t *testing.T) {
	h := newHarness(t, false, "http://v/1")
	h.remote(t, domain.PlayerEvent{Type: domain.EventSeek, Time: domain.Seconds(10)})
	h.settle()

	h.remote(t, domain.PlayerEvent{Type: domain.EventPlay, Time: domain.Seconds(10.3)})
	assert.Equal(t, []domain.EventType{domain.EventPlay}, drainedTypes(h.p))
	assert.InDelta(t, 10, h.p.CurrentTime(), 1e-9)

	h.remote(t, domain.PlayerEvent{Type: domain.EventPause, Time: domain.Seconds(12)})
	assert.Equal(t, []domain.EventType{domain.EventPause, domain.EventSeek}, drainedTypes(h.p))
	assert.InDelta(t, 12, h.p.CurrentTime(), 1e-9)
	assert.True(t, h.p.Paused())
}

func TestHostHeartbeatThrottled(t *testing.T) {
	h := newHarness(t, true, "http://v/1")
	require.NoError(t, h.p.Play())
	for _, ev := range h.p.Drain() {
		_, err := h.c.HandleLocal(ev)
		require.NoError(t, err)
	}

	var beats int
	for _, step := range []time.Duration{0, time.Second, time.Second, 500 * time.Millisecond, 1500 * time.Millisecond} {
		h.clock.Advance(step)
		sent, err := h.c.Heartbeat()
		require.NoError(t, err)
		if sent {
			beats++
		}
	}
	assert.Equal(t, 3, beats)
	states := h.rec.states()
	assert.Equal(t, domain.EventPlay, states[0].Type)
	assert.Equal(t, domain.EventTimeUpdate, states[len(states)-1].Type)
	assert.InDelta(t, 4, *states[len(states)-1].Time, 1e-9)
}

func TestFollowerNeverSendsHeartbeats(t *testing.T) {
	h := newHarness(t, false, "http://v/1")
	h.remote(t, domain.PlayerEvent{Type: domain.EventPlay, Time: domain.Seconds(0)})
	h.settle()

	sent, err := h.c.Heartbeat()
	require.NoError(t, err)
	assert.False(t, sent)
	sent, err = h.c.HandleLocal(LocalEvent{Type: domain.EventTimeUpdate, Time: 3})
	require.NoError(t, err)
	assert.False(t, sent)
}

func TestHostIgnoresRemoteHeartbeat(t *testing.T) {
	h := newHarness(t, true, "http://v/1")
	h.remote(t, domain.PlayerEvent{Type: domain.EventTimeUpdate, Time: domain.Seconds(100)})
	assert.InDelta(t, 0, h.p.CurrentTime(), 1e-9)
	assert.True(t, h.p.Paused())

	h.recv(t, protocol.Notice{Type: protocol.TypeHostDemoted})
	h.remote(t, domain.PlayerEvent{Type: domain.EventTimeUpdate, Time: domain.Seconds(100)})
	assert.InDelta(t, 100, h.p.CurrentTime(), 1e-9)
}

func TestFollowerRequestsSyncOnJoin(t *testing.T) {
	clk := newClock()
	p := NewSimPlayer(clk.Now)
	rec := &recorder{}
	c := NewCoordinator(p, rec, Options{Now: clk.Now})
	require.NoError(t, c.Join("r", "bob", "", ""))

	data, err := protocol.Encode(protocol.RoomJoined{Type: protocol.TypeRoomJoined, Room: "r", VideoURL: "http://v/1", ConnectionID: "b"})
	require.NoError(t, err)
	require.NoError(t, c.HandleFrame(data))

	assert.Equal(t, []string{protocol.TypeJoin, protocol.TypeRequestSync}, rec.types())
	assert.Equal(t, "http://v/1", p.URL())
	assert.Equal(t, domain.ConnID("b"), c.ConnID())
	assert.False(t, c.IsHost())
}

func TestHostRepliesToStateRequest(t *testing.T) {
	h := newHarness(t, true, "http://v/1")
	require.NoError(t, h.p.Seek(42))
	require.NoError(t, h.p.Play())
	h.p.Drain()

	h.recv(t, protocol.Solicit{Type: protocol.TypeGetCurrentState, RequesterID: "bob"})
	require.Len(t, h.rec.sent, 1)
	resp, ok := h.rec.sent[0].(protocol.SyncResponse)
	require.True(t, ok)
	assert.Equal(t, domain.ConnID("bob"), resp.RequesterID)
	assert.Equal(t, domain.EventPlay, resp.State.Type)
	assert.InDelta(t, 42, *resp.State.Time, 1e-9)
	assert.Equal(t, "http://v/1", resp.State.URL)
}

func TestHostPausesOnSyncPause(t *testing.T) {
	h := newHarness(t, true, "http://v/1")
	require.NoError(t, h.p.Play())
	h.settle()

	h.recv(t, protocol.Solicit{Type: protocol.TypeSyncPause, RequesterID: "bob"})
	assert.True(t, h.p.Paused())
	states := h.rec.states()
	require.Len(t, states, 1)
	assert.Equal(t, domain.EventPause, states[0].Type)
	assert.InDelta(t, 1, *states[0].Time, 1e-9)

	for _, ev := range h.p.Drain() {
		sent, err := h.c.HandleLocal(ev)
		require.NoError(t, err)
		assert.False(t, sent)
	}
}

func TestPendingWorkReplayedOnReady(t *testing.T) {
	h := newHarness(t, true, "")
	require.False(t, h.p.Ready())

	h.recv(t, protocol.Solicit{Type: protocol.TypeSyncPause, RequesterID: "bob"})
	h.recv(t, protocol.Solicit{Type: protocol.TypeGetCurrentState, RequesterID: "bob"})
	assert.Empty(t, h.rec.types(), "nothing is answered before the player is ready")

	h.p.SetReady(true)
	h.c.PlayerReady()
	assert.Equal(t, []string{protocol.TypePlayerState, protocol.TypeSyncResponse}, h.rec.types())
	assert.Equal(t, domain.EventPause, h.rec.states()[0].Type)

	h.rec.reset()
	h.c.PlayerReady()
	assert.Empty(t, h.rec.types(), "replay happens once")
}

func TestFollowerReplaysStateAndResyncOnLoad(t *testing.T) {
	h := newHarness(t, false, "")
	assert.Empty(t, h.rec.types(), "resync waits for a player")

	h.recv(t, protocol.Solicit{Type: protocol.TypeGetCurrentState, RequesterID: "carol"})
	h.remote(t, domain.PlayerEvent{Type: domain.EventURL, URL: "http://v/2", Time: domain.Seconds(0)})

	assert.True(t, h.p.Ready())
	assert.Equal(t, "http://v/2", h.p.URL())
	assert.Equal(t, []string{protocol.TypeSyncResponse, protocol.TypeRequestSync}, h.rec.types())
}

func TestSyncResponseAppliesSnapshot(t *testing.T) {
	h := newHarness(t, false, "http://v/1")
	h.recv(t, protocol.SyncResponse{Type: protocol.TypeSyncResponse,
		State: domain.PlayerEvent{Type: domain.EventPlay, Time: domain.Seconds(30), URL: "http://v/1"}})

	assert.False(t, h.p.Paused())
	assert.InDelta(t, 30, h.p.CurrentTime(), 1e-9)
}

func TestKickedStopsReporting(t *testing.T) {
	h := newHarness(t, true, "http://v/1")
	h.recv(t, protocol.Notice{Type: protocol.TypeKicked, Room: "r"})
	assert.False(t, h.c.Joined())
	assert.False(t, h.c.IsHost())

	sent, err := h.c.HandleLocal(LocalEvent{Type: domain.EventPlay, Time: 1})
	require.NoError(t, err)
	assert.False(t, sent)
}

func TestChangeURLAnnounces(t *testing.T) {
	h := newHarness(t, true, "")
	require.NoError(t, h.c.ChangeURL("http://v/3"))
	states := h.rec.states()
	require.Len(t, states, 1)
	assert.Equal(t, domain.EventURL, states[0].Type)
	assert.Equal(t, "http://v/3", states[0].URL)
	assert.True(t, h.p.Ready())
}

func TestReplacedSessionStopsReporting(t *testing.T) {
	h := newHarness(t, false, "http://v/1")
	h.recv(t, protocol.Notice{Type: protocol.TypeReplaced, Room: "r"})
	assert.False(t, h.c.Joined())

	sent, err := h.c.HandleLocal(LocalEvent{Type: domain.EventPause, Time: 1})
	require.NoError(t, err)
	assert.False(t, sent)
}

func TestMalformedErrorFrameIsReported(t *testing.T) {
	h := newHarness(t, false, "http://v/1")
	err := h.c.HandleFrame([]byte(`{"type":"error","code":42}`))
	assert.ErrorContains(t, err, "decode error")
}
