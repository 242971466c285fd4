package orch

import (
	"context"
	"strings"

	"github.com/dkeye/watchparty/internal/app"
	"github.com/dkeye/watchparty/internal/domain"
	"github.com/dkeye/watchparty/internal/protocol"
	"github.com/rs/zerolog/log"
)

const maxChatLen = 2000

// PlayerState relays a playback event to the rest of the room and persists
// it, heartbeats at a reduced rate.
func (o *Orchestrator) PlayerState(ctx context.Context, conn domain.ConnID, msg protocol.PlayerState) {
	sess, roomID, username, ok := o.bound(conn, msg.Room)
	if !ok {
		return
	}
	ev := msg.State
	if err := ev.Validate(); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("conn", string(conn)).Msg("bad player event")
		o.sendError(sess, protocol.CodeBadPayload, err.Error())
		return
	}
	ev.Actor = username

	if ev.Type == domain.EventTimeUpdate || (ev.Type == domain.EventURL && o.HostOnlyURL) {
		room, err := o.Store.Get(ctx, roomID)
		if err != nil {
			log.Error().Err(err).Str("module", "orch").Str("room", string(roomID)).Msg("load room for host check")
			return
		}
		if !room.IsHost(conn) {
			if ev.Type == domain.EventTimeUpdate {
				log.Debug().Str("module", "orch").Str("conn", string(conn)).Msg("heartbeat from non-host dropped")
				return
			}
			o.sendError(sess, protocol.CodeNotHost, "only the host can change the video")
			return
		}
	}

	o.broadcast(roomID, protocol.PlayerState{Type: protocol.TypePlayerState, State: ev}, conn)

	if !o.Throttle.ShouldPersist(roomID, ev) {
		return
	}
	if _, err := o.Store.Patch(ctx, roomID, ev.Patch()); err != nil {
		log.Error().Err(err).Str("module", "orch").Str("room", string(roomID)).Str("event", string(ev.Type)).Msg("persist playback")
	}
}

// RequestSync serves a joiner: the stored snapshot right away, then a live
// position solicited from the host or, failing that, any other member.
func (o *Orchestrator) RequestSync(ctx context.Context, conn domain.ConnID, msg protocol.RoomRef) {
	sess, roomID, _, ok := o.bound(conn, msg.Room)
	if !ok {
		return
	}
	room, err := o.Store.Get(ctx, roomID)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("room", string(roomID)).Msg("load room for sync")
		return
	}
	if room.HasPlayback() {
		o.send(sess, protocol.PlayerState{Type: protocol.TypePlayerState, State: room.SnapshotEvent()})
	}

	responder, ok := o.pickResponder(room, conn)
	if !ok {
		log.Debug().Str("module", "orch").Str("room", string(roomID)).Msg("no peer to ask for live state")
		return
	}
	o.Resync.Track(conn, responder.ID)
	o.send(responder, protocol.Solicit{Type: protocol.TypeGetCurrentState, RequesterID: conn})
}

// SyncResponse relays a solicited live position back to the requester.
func (o *Orchestrator) SyncResponse(_ context.Context, conn domain.ConnID, msg protocol.SyncResponse) {
	if !o.Resync.Resolve(msg.RequesterID, conn) {
		log.Debug().Str("module", "orch").Str("conn", string(conn)).Str("requester", string(msg.RequesterID)).Msg("unsolicited sync-response dropped")
		return
	}
	if err := msg.State.Validate(); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("conn", string(conn)).Msg("bad sync-response state")
		return
	}
	o.sendTo(msg.RequesterID, protocol.SyncResponse{Type: protocol.TypeSyncResponse, State: msg.State})
}

// Chat relays a chat line to the other members. Nothing is stored.
func (o *Orchestrator) Chat(_ context.Context, conn domain.ConnID, msg protocol.ChatMessage) {
	sess, roomID, username, ok := o.bound(conn, msg.Room)
	if !ok {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	if len(text) > maxChatLen {
		o.sendError(sess, protocol.CodeBadPayload, "message too long")
		return
	}
	o.broadcast(roomID, protocol.ChatMessage{Type: protocol.TypeChatMessage, Username: username, Text: text}, conn)
}

func (o *Orchestrator) pickResponder(room *domain.Room, requester domain.ConnID) (*app.Session, bool) {
	if room.Host != "" && room.Host != requester {
		if host, ok := o.Registry.InRoom(room.Host, room.ID); ok {
			return host, true
		}
	}
	for _, m := range room.Members {
		if m.ConnID == requester {
			continue
		}
		if peer, ok := o.Registry.InRoom(m.ConnID, room.ID); ok {
			return peer, true
		}
	}
	return nil, false
}
