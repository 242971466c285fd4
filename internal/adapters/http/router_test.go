package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/watchparty/internal/adapters/signal"
	"github.com/dkeye/watchparty/internal/app"
	"github.com/dkeye/watchparty/internal/app/orch"
	"github.com/dkeye/watchparty/internal/config"
	"github.com/dkeye/watchparty/internal/domain"
	"github.com/dkeye/watchparty/internal/protocol"
	"github.com/dkeye/watchparty/internal/store"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := &config.Config{Server: config.ServerConfig{Mode: "test", Secret: "test-secret"}}
	o := orch.New(orch.Options{
		Store:           store.New(store.NewMemoryBackend()),
		Policy:          app.SimplePolicy{},
		PersistInterval: 10 * time.Second,
		ResyncTimeout:   time.Second,
		HostOnlyURL:     true,
	})
	ctrl := signal.NewSignalWSController(o, signal.NewRoomRateLimiter(100, time.Second), signal.Options{PingPeriod: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(SetupRouter(ctx, cfg, o, ctrl))
	t.Cleanup(func() {
		cancel()
		ctrl.Wait()
		srv.Close()
	})
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(v))
}

func readUntil(t *testing.T, ws *websocket.Conn, typ string) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err, "waiting for %s", typ)
		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))
		if m["type"] == typ {
			return m
		}
	}
}

func getJSON(t *testing.T, url string, want int) map[string]any {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, want, resp.StatusCode)
	var m map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	return m
}

func TestHealthAndRoomAPI(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Cookies(), "client token session cookie is issued")

	resp, err = http.Post(srv.URL+"/api/rooms", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	var created map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.NotEmpty(t, created["roomId"])

	getJSON(t, srv.URL+"/api/rooms/"+created["roomId"], http.StatusNotFound)
}

func TestWebSocketWatchParty(t *testing.T) {
	srv := newTestServer(t)

	alice := dial(t, srv)
	send(t, alice, protocol.Join{Type: protocol.TypeJoin, Room: "movie", Username: "alice", VideoURL: "http://v/1.m3u8"})
	joined := readUntil(t, alice, protocol.TypeRoomJoined)
	assert.Equal(t, true, joined["isHost"])
	assert.Equal(t, "http://v/1.m3u8", joined["videoUrl"])

	bob := dial(t, srv)
	send(t, bob, protocol.Join{Type: protocol.TypeJoin, Room: "movie", Username: "bob"})
	joined = readUntil(t, bob, protocol.TypeRoomJoined)
	assert.Equal(t, false, joined["isHost"])
	assert.Equal(t, joined["connectionId"], readUntil(t, alice, protocol.TypeSyncPause)["requesterId"])

	send(t, alice, protocol.PlayerState{Type: protocol.TypePlayerState, Room: "movie",
		State: domain.PlayerEvent{Type: domain.EventPlay, Time: domain.Seconds(12)}})
	st := readUntil(t, bob, protocol.TypePlayerState)["state"].(map[string]any)
	assert.Equal(t, "play", st["type"])
	assert.Equal(t, 12.0, st["time"])

	// Alice's messages are handled in order, so the pong means the event was persisted.
	send(t, alice, protocol.Envelope{Type: protocol.TypePing})
	readUntil(t, alice, protocol.TypePong)
	room := getJSON(t, srv.URL+"/api/rooms/movie", http.StatusOK)
	assert.Equal(t, true, room["isPlaying"])
	assert.Equal(t, float64(2), room["size"])
	members := getJSON(t, srv.URL+"/api/rooms/movie/members", http.StatusOK)
	assert.Len(t, members["members"], 2)

	require.NoError(t, bob.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, protocol.CodeBadPayload, readUntil(t, bob, protocol.TypeError)["code"])
}

func TestWebSocketCloseHandsHostOver(t *testing.T) {
	srv := newTestServer(t)

	alice := dial(t, srv)
	send(t, alice, protocol.Join{Type: protocol.TypeJoin, Room: "r", Username: "alice"})
	readUntil(t, alice, protocol.TypeRoomJoined)
	bob := dial(t, srv)
	send(t, bob, protocol.Join{Type: protocol.TypeJoin, Room: "r", Username: "bob"})
	readUntil(t, bob, protocol.TypeRoomJoined)

	require.NoError(t, alice.Close())

	readUntil(t, bob, protocol.TypePromotedToHost)
	left := readUntil(t, bob, protocol.TypeRoomSize)
	assert.Equal(t, float64(1), left["size"])
}
