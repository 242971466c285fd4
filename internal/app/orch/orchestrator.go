package orch

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/watchparty/internal/app"
	"github.com/dkeye/watchparty/internal/core"
	"github.com/dkeye/watchparty/internal/domain"
	"github.com/dkeye/watchparty/internal/playback"
	"github.com/dkeye/watchparty/internal/protocol"
	"github.com/dkeye/watchparty/internal/store"
	"github.com/rs/zerolog/log"
)

type Orchestrator struct {
	Registry *app.Registry
	Store    core.RoomStore
	Identity core.IdentityResolver
	Policy   app.Policy
	Throttle *playback.Throttle
	Resync   *playback.Resync
	// HostOnlyURL rejects url changes from non-hosts.
	HostOnlyURL bool
}

type Options struct {
	Registry        *app.Registry
	Store           core.RoomStore
	Identity        core.IdentityResolver
	Policy          app.Policy
	PersistInterval time.Duration
	ResyncTimeout   time.Duration
	HostOnlyURL     bool
}

func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		Registry:    opts.Registry,
		Store:       opts.Store,
		Identity:    opts.Identity,
		Policy:      opts.Policy,
		Throttle:    playback.NewThrottle(opts.PersistInterval),
		HostOnlyURL: opts.HostOnlyURL,
	}
	if o.Registry == nil {
		o.Registry = app.NewRegistry()
	}
	o.Resync = playback.NewResync(opts.ResyncTimeout, func(requester, responder domain.ConnID) {
		log.Warn().
			Str("module", "orch").
			Str("requester", string(requester)).
			Str("responder", string(responder)).
			Msg("resync response timed out, requester keeps stored snapshot")
	})
	return o
}

// send delivers one message and applies the backpressure policy when the
// connection's buffer is full.
func (o *Orchestrator) send(sess *app.Session, v any) {
	frame, err := protocol.Encode(v)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("encode message")
		return
	}
	o.sendFrame(sess, frame)
}

func (o *Orchestrator) sendFrame(sess *app.Session, frame core.Frame) {
	if sess == nil || sess.Signal == nil {
		return
	}
	if err := sess.Signal.TrySend(frame); errors.Is(err, core.ErrBackpressure) {
		o.onBackpressure(sess)
	}
}

func (o *Orchestrator) onBackpressure(sess *app.Session) {
	action := app.Disconnect
	if o.Policy != nil {
		action = o.Policy.OnBackPressure(sess)
	}
	switch action {
	case app.Disconnect:
		log.Warn().Str("module", "orch").Str("conn", string(sess.ID)).Msg("slow consumer, disconnecting")
		// Marked first so a join already in flight for this connection aborts.
		sess.MarkDeparted()
		sess.Signal.Close()
	case app.DropFrame, app.NoAction:
	}
}

func (o *Orchestrator) sendTo(conn domain.ConnID, v any) {
	if sess, ok := o.Registry.GetSession(conn); ok {
		o.send(sess, v)
	}
}

func (o *Orchestrator) sendError(sess *app.Session, code, msg string) {
	o.send(sess, protocol.NewError(code, msg))
}

// broadcast sends v to every connection bound to room except skip.
func (o *Orchestrator) broadcast(room domain.RoomID, v any, skip domain.ConnID) {
	frame, err := protocol.Encode(v)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("encode broadcast")
		return
	}
	for _, snap := range o.Registry.MembersOfRoom(room) {
		if snap.ConnID == skip {
			continue
		}
		o.sendFrame(snap.Session, frame)
	}
}

// broadcastRoster pushes member-list and room-size to everyone in the room.
func (o *Orchestrator) broadcastRoster(room *domain.Room) {
	o.broadcast(room.ID, protocol.MemberList{Type: protocol.TypeMemberList, Members: room.Views()}, "")
	o.broadcast(room.ID, protocol.RoomSize{Type: protocol.TypeRoomSize, Size: len(room.Members)}, "")
}

// EvictRoom unbinds the connections still attached to a deleted room. The
// room may have been recreated by a join since the sweep; its members keep
// their bindings.
func (o *Orchestrator) EvictRoom(id domain.RoomID) {
	current, err := o.Store.Get(context.Background(), id)
	switch {
	case errors.Is(err, store.ErrRoomNotFound):
		current = nil
	case err != nil:
		log.Error().Err(err).Str("module", "orch").Str("room", string(id)).Msg("load room for eviction")
		return
	}

	evicted := 0
	for _, snap := range o.Registry.MembersOfRoom(id) {
		if current != nil && current.HasMember(snap.ConnID) {
			continue
		}
		o.Registry.RemoveRoom(snap.ConnID)
		o.Resync.ForgetConn(snap.ConnID)
		o.send(snap.Session, protocol.Notice{Type: protocol.TypeRoomClosed, Room: id})
		evicted++
	}
	o.Throttle.Forget(id)
	log.Info().Str("module", "orch").Str("room", string(id)).Int("evicted", evicted).Bool("recreated", current != nil).Msg("room evicted")
}
