// Package client is the participant side of a watch party: it keeps a local
// player in step with the room and reports local intent back to it.
package client

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/dkeye/watchparty/internal/domain"
	"github.com/dkeye/watchparty/internal/protocol"
	"github.com/rs/zerolog/log"
)

const (
	DefaultDriftThreshold    = 1.5
	DefaultPreSeekThreshold  = 0.5
	DefaultHeartbeatInterval = 2 * time.Second
)

// Sender delivers an outbound protocol message.
type Sender interface {
	Send(v any) error
}

type Options struct {
	DriftThreshold    float64
	PreSeekThreshold  float64
	HeartbeatInterval time.Duration
	SuppressWindow    time.Duration
	Now               func() time.Time
}

func (o *Options) defaults() {
	if o.DriftThreshold <= 0 {
		o.DriftThreshold = DefaultDriftThreshold
	}
	if o.PreSeekThreshold <= 0 {
		o.PreSeekThreshold = DefaultPreSeekThreshold
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.SuppressWindow <= 0 {
		o.SuppressWindow = DefaultSuppressWindow
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Coordinator reconciles the local player with room events. Messages that
// need a ready player are parked and replayed once it becomes ready.
type Coordinator struct {
	mu       sync.Mutex
	opts     Options
	player   Player
	out      Sender
	suppress *Suppressor

	room       domain.RoomID
	conn       domain.ConnID
	username   string
	host       bool
	joined     bool
	videoURL   string
	contentRef string
	lastBeat   time.Time

	pendingState     *domain.PlayerEvent
	pendingHostPause bool
	pendingSync      bool
	pendingReplies   []domain.ConnID
}

func NewCoordinator(p Player, out Sender, opts Options) *Coordinator {
	opts.defaults()
	return &Coordinator{
		opts:     opts,
		player:   p,
		out:      out,
		suppress: NewSuppressor(opts.SuppressWindow, opts.Now),
	}
}

func (c *Coordinator) IsHost() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.host
}

func (c *Coordinator) Joined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

func (c *Coordinator) ConnID() domain.ConnID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Coordinator) Room() domain.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// Join asks the server to enter room.
func (c *Coordinator) Join(room domain.RoomID, username, userID, videoURL string) error {
	c.mu.Lock()
	c.room = room
	c.username = username
	c.mu.Unlock()
	return c.out.Send(protocol.Join{
		Type:     protocol.TypeJoin,
		Room:     string(room),
		Username: username,
		UserID:   userID,
		VideoURL: videoURL,
	})
}

func (c *Coordinator) Leave() error {
	c.mu.Lock()
	room := c.room
	c.joined, c.host = false, false
	c.mu.Unlock()
	return c.out.Send(protocol.RoomRef{Type: protocol.TypeLeave, Room: string(room)})
}

func (c *Coordinator) Chat(text string) error {
	c.mu.Lock()
	room, name := c.room, c.username
	c.mu.Unlock()
	return c.out.Send(protocol.ChatMessage{Type: protocol.TypeChatMessage, Room: string(room), Username: name, Text: text})
}

// HandleFrame applies one server message.
func (c *Coordinator) HandleFrame(data []byte) error {
	typ, err := protocol.PeekType(data)
	if err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch typ {
	case protocol.TypeRoomJoined:
		var m protocol.RoomJoined
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("decode %s: %w", typ, err)
		}
		c.onJoined(m)
	case protocol.TypePromotedToHost:
		c.host = true
	case protocol.TypeHostDemoted:
		c.host = false
	case protocol.TypeSyncPause:
		c.onSyncPause()
	case protocol.TypeGetCurrentState:
		var m protocol.Solicit
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("decode %s: %w", typ, err)
		}
		c.onStateRequest(m.RequesterID)
	case protocol.TypePlayerState:
		var m protocol.PlayerState
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("decode %s: %w", typ, err)
		}
		c.applyRemote(m.State)
	case protocol.TypeSyncResponse:
		var m protocol.SyncResponse
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("decode %s: %w", typ, err)
		}
		c.applyRemote(m.State)
	case protocol.TypeKicked, protocol.TypeRoomClosed, protocol.TypeReplaced:
		c.joined, c.host = false, false
		log.Info().Str("module", "client").Str("room", string(c.room)).Str("reason", typ).Msg("left room")
	case protocol.TypeError:
		var m protocol.Error
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("decode %s: %w", typ, err)
		}
		log.Warn().Str("module", "client").Str("code", m.Code).Msg(m.Error)
	}

	c.flush()
	return nil
}

// PlayerReady replays everything parked while the player was loading.
func (c *Coordinator) PlayerReady() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flush()
}

// HandleLocal reports a player callback to the room unless it is an echo or
// a heartbeat this participant must not send. It returns whether a message
// went out.
func (c *Coordinator) HandleLocal(ev LocalEvent) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handleLocal(ev)
}

// Heartbeat offers the current position as a timeupdate. Only a playing host
// actually sends, at most once per heartbeat interval.
func (c *Coordinator) Heartbeat() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.player.Ready() || c.player.Paused() {
		return false, nil
	}
	return c.handleLocal(LocalEvent{Type: domain.EventTimeUpdate, Time: c.player.CurrentTime()})
}

// ChangeURL loads a new source locally and announces it.
func (c *Coordinator) ChangeURL(url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.player.Load(url); err != nil {
		return err
	}
	c.videoURL = url
	return c.sendState(domain.PlayerEvent{Type: domain.EventURL, Time: domain.Seconds(0), URL: url})
}

func (c *Coordinator) handleLocal(ev LocalEvent) (bool, error) {
	if !c.joined {
		return false, nil
	}
	if c.suppress.Suppressed(ev.Type) {
		return false, nil
	}
	if ev.Type == domain.EventTimeUpdate {
		if !c.host {
			return false, nil
		}
		now := c.opts.Now()
		if !c.lastBeat.IsZero() && now.Sub(c.lastBeat) < c.opts.HeartbeatInterval {
			return false, nil
		}
		c.lastBeat = now
	}
	if err := c.sendState(domain.PlayerEvent{Type: ev.Type, Time: domain.Seconds(ev.Time)}); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Coordinator) sendState(ev domain.PlayerEvent) error {
	if ev.URL == "" {
		ev.URL = c.videoURL
	}
	if ev.ContentRef == "" {
		ev.ContentRef = c.contentRef
	}
	return c.out.Send(protocol.PlayerState{Type: protocol.TypePlayerState, Room: string(c.room), State: ev})
}

func (c *Coordinator) onJoined(m protocol.RoomJoined) {
	c.joined = true
	c.room = m.Room
	c.conn = m.ConnectionID
	c.host = m.IsHost
	c.contentRef = m.ContentRef
	if m.VideoURL != "" && m.VideoURL != c.player.URL() {
		c.load(m.VideoURL)
	}
	if !c.host {
		c.pendingSync = true
	}
}

func (c *Coordinator) onSyncPause() {
	if !c.player.Ready() {
		c.pendingHostPause = true
		return
	}
	if c.host {
		c.hostPause()
	}
}

// hostPause freezes the host so a newcomer can catch up, and tells the room.
func (c *Coordinator) hostPause() {
	if !c.player.Paused() {
		c.suppress.Arm(domain.EventPause)
		c.act(c.player.Pause())
	}
	c.act(c.sendState(domain.PlayerEvent{Type: domain.EventPause, Time: domain.Seconds(c.player.CurrentTime())}))
}

func (c *Coordinator) onStateRequest(requester domain.ConnID) {
	if !c.player.Ready() {
		c.pendingReplies = append(c.pendingReplies, requester)
		return
	}
	c.reply(requester)
}

func (c *Coordinator) reply(requester domain.ConnID) {
	typ := domain.EventPlay
	if c.player.Paused() {
		typ = domain.EventPause
	}
	c.act(c.out.Send(protocol.SyncResponse{
		Type:        protocol.TypeSyncResponse,
		RequesterID: requester,
		State: domain.PlayerEvent{
			Type:       typ,
			Time:       domain.Seconds(c.player.CurrentTime()),
			URL:        c.videoURL,
			ContentRef: c.contentRef,
		},
	}))
}

// applyRemote reconciles the player with a room event.
func (c *Coordinator) applyRemote(ev domain.PlayerEvent) {
	if ev.ContentRef != "" {
		c.contentRef = ev.ContentRef
	}
	if ev.URL != "" && ev.URL != c.player.URL() {
		c.load(ev.URL)
	}
	if !c.player.Ready() {
		parked := ev
		c.pendingState = &parked
		if !c.host {
			c.pendingSync = true
		}
		return
	}

	switch ev.Type {
	case domain.EventPlay:
		c.preSeek(ev)
		if c.player.Paused() {
			c.suppress.Arm(domain.EventPlay)
			c.act(c.player.Play())
		}
	case domain.EventPause:
		if !c.player.Paused() {
			c.suppress.Arm(domain.EventPause)
			c.act(c.player.Pause())
		}
		c.preSeek(ev)
	case domain.EventSeek:
		if ev.Time != nil {
			c.seek(*ev.Time)
		}
	case domain.EventURL:
		if t := ev.TimeOr(0); t > 0 {
			c.seek(t)
		}
	case domain.EventTimeUpdate:
		if c.host || ev.Time == nil {
			return
		}
		if c.player.Paused() {
			c.suppress.Arm(domain.EventPlay)
			c.act(c.player.Play())
		}
		if math.Abs(c.player.CurrentTime()-*ev.Time) > c.opts.DriftThreshold {
			c.seek(*ev.Time)
		}
	}
}

// preSeek lines the player up before a play or pause when the gap is noticeable.
func (c *Coordinator) preSeek(ev domain.PlayerEvent) {
	if ev.Time == nil {
		return
	}
	if math.Abs(c.player.CurrentTime()-*ev.Time) > c.opts.PreSeekThreshold {
		c.seek(*ev.Time)
	}
}

func (c *Coordinator) seek(t float64) {
	c.suppress.Arm(domain.EventSeek)
	c.act(c.player.Seek(t))
}

func (c *Coordinator) load(url string) {
	c.videoURL = url
	c.act(c.player.Load(url))
}

// flush replays parked work once the player is ready. Parked state goes
// first so replies to peers report the reconciled position.
func (c *Coordinator) flush() {
	if !c.player.Ready() {
		return
	}
	if ev := c.pendingState; ev != nil {
		c.pendingState = nil
		c.applyRemote(*ev)
	}
	if c.pendingHostPause {
		c.pendingHostPause = false
		if c.host {
			c.hostPause()
		}
	}
	for _, req := range c.pendingReplies {
		c.reply(req)
	}
	c.pendingReplies = nil
	if c.pendingSync {
		c.pendingSync = false
		if c.joined && !c.host {
			c.act(c.out.Send(protocol.RoomRef{Type: protocol.TypeRequestSync, Room: string(c.room)}))
		}
	}
}

func (c *Coordinator) act(err error) {
	if err != nil {
		log.Warn().Err(err).Str("module", "client").Str("room", string(c.room)).Msg("player action failed")
	}
}
