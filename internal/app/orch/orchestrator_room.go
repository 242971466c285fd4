package orch

import (
	"context"
	"errors"

	"github.com/dkeye/watchparty/internal/app"
	"github.com/dkeye/watchparty/internal/domain"
	"github.com/dkeye/watchparty/internal/protocol"
	"github.com/dkeye/watchparty/internal/store"
	"github.com/rs/zerolog/log"
)

// Join enters a room, creating it on first use, and fans out the resulting
// membership and host changes.
func (o *Orchestrator) Join(ctx context.Context, conn domain.ConnID, msg protocol.Join) {
	sess, ok := o.Registry.GetSession(conn)
	if !ok {
		return
	}
	roomID, err := domain.ParseRoomID(msg.Room)
	if err != nil {
		o.sendError(sess, protocol.CodeBadPayload, err.Error())
		return
	}
	username, err := domain.NormalizeUsername(msg.Username)
	if err != nil {
		o.sendError(sess, protocol.CodeBadPayload, err.Error())
		return
	}
	if len(msg.VideoURL) > domain.MaxURLLen || len(msg.ContentRef) > domain.MaxURLLen {
		o.sendError(sess, protocol.CodeBadPayload, "url too long")
		return
	}

	if prev, prevName, ok := o.Registry.RoomOf(conn); ok && (prev != roomID || prevName != username) {
		log.Info().Str("module", "orch").Str("conn", string(conn)).Str("from_room", string(prev)).Msg("switching rooms")
		o.leaveRoom(ctx, sess, prev)
	}

	uid := domain.UserID(msg.UserID)
	if o.Identity != nil {
		token := msg.Token
		if token == "" {
			token = sess.AuthToken
		}
		uid = o.Identity.Resolve(ctx, token, uid, sess.ClientToken)
	}

	out, err := o.Store.UpsertOnJoin(ctx, roomID, domain.JoinRequest{
		ConnID:     conn,
		Username:   username,
		UserID:     uid,
		VideoURL:   msg.VideoURL,
		ContentRef: msg.ContentRef,
	}, sess.Alive)
	if errors.Is(err, store.ErrConnectionGone) {
		log.Debug().Str("module", "orch").Str("conn", string(conn)).Msg("join dropped, connection closing")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("room", string(roomID)).Msg("join failed")
		o.sendError(sess, protocol.CodeInternal, "join failed")
		return
	}
	o.Registry.UpdateRoom(conn, roomID, username)
	room := out.Room

	// The old connection lost its slot; it must stop acting as a member.
	if out.Replaced != "" {
		if prev, ok := o.Registry.InRoom(out.Replaced, roomID); ok {
			o.Registry.RemoveRoom(out.Replaced)
			o.Resync.ForgetConn(out.Replaced)
			o.send(prev, protocol.Notice{Type: protocol.TypeReplaced, Room: roomID})
		}
	}

	log.Info().
		Str("module", "orch").
		Str("conn", string(conn)).
		Str("room", string(roomID)).
		Str("username", username).
		Bool("created", out.Created).
		Bool("host", room.IsHost(conn)).
		Msg("joined room")

	o.send(sess, protocol.RoomJoined{
		Type:         protocol.TypeRoomJoined,
		Room:         roomID,
		IsHost:       room.IsHost(conn),
		VideoURL:     room.VideoURL,
		ContentRef:   room.ContentRef,
		CurrentTime:  room.CurrentTime,
		IsPlaying:    room.IsPlaying,
		ConnectionID: conn,
	})
	o.broadcast(roomID, protocol.UserEvent{Type: protocol.TypeUserJoined, Username: username}, conn)

	if out.Promoted != "" && out.Promoted != conn {
		o.sendTo(out.Promoted, protocol.Notice{Type: protocol.TypePromotedToHost, Room: roomID})
	}
	if out.Demoted != "" {
		o.sendTo(out.Demoted, protocol.Notice{Type: protocol.TypeHostDemoted, Room: roomID})
	}
	o.broadcastRoster(room)

	// Pause the host so the newcomer can catch up.
	if room.Host != "" && room.Host != conn {
		if host, ok := o.Registry.InRoom(room.Host, roomID); ok {
			o.send(host, protocol.Solicit{Type: protocol.TypeSyncPause, RequesterID: conn})
		}
	}
}

// Leave exits the bound room but keeps the connection open.
func (o *Orchestrator) Leave(ctx context.Context, conn domain.ConnID, msg protocol.RoomRef) {
	sess, roomID, _, ok := o.bound(conn, msg.Room)
	if !ok {
		return
	}
	o.leaveRoom(ctx, sess, roomID)
}

// OnDisconnect is the close path of a connection. The session is marked
// departed before leaving so a racing join transaction aborts.
func (o *Orchestrator) OnDisconnect(ctx context.Context, conn domain.ConnID) {
	sess, ok := o.Registry.GetSession(conn)
	if !ok {
		return
	}
	sess.MarkDeparted()
	sess.LeaveOnce(func() {
		if roomID, _, ok := o.Registry.RoomOf(conn); ok {
			o.leaveRoom(context.WithoutCancel(ctx), sess, roomID)
		}
	})
	o.Resync.ForgetConn(conn)
	o.Registry.Unbind(conn)
}

func (o *Orchestrator) leaveRoom(ctx context.Context, sess *app.Session, roomID domain.RoomID) {
	o.Registry.RemoveRoom(sess.ID)
	o.Resync.ForgetConn(sess.ID)

	out, err := o.Store.RemoveMember(ctx, roomID, sess.ID)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("room", string(roomID)).Msg("leave failed")
		return
	}
	if out == nil || out.Removed == nil {
		return
	}
	log.Info().Str("module", "orch").Str("conn", string(sess.ID)).Str("room", string(roomID)).Msg("left room")
	o.afterLeave(out)
}

func (o *Orchestrator) afterLeave(out *domain.LeaveOutcome) {
	room := out.Room
	o.broadcast(room.ID, protocol.UserEvent{Type: protocol.TypeUserLeft, Username: out.Removed.Username}, "")
	if out.Promoted != "" {
		o.sendTo(out.Promoted, protocol.Notice{Type: protocol.TypePromotedToHost, Room: room.ID})
	}
	o.broadcastRoster(room)
}

// Kick removes target on behalf of the host. The kicked connection stays open.
func (o *Orchestrator) Kick(ctx context.Context, conn domain.ConnID, msg protocol.KickMember) {
	sess, roomID, _, ok := o.bound(conn, msg.Room)
	if !ok {
		return
	}
	out, err := o.Store.Kick(ctx, roomID, conn, msg.Target)
	switch {
	case errors.Is(err, store.ErrNotHost):
		log.Warn().Str("module", "orch").Str("conn", string(conn)).Str("room", string(roomID)).Msg("kick by non-host")
		o.sendError(sess, protocol.CodeNotHost, "only the host can kick members")
		return
	case err != nil:
		log.Error().Err(err).Str("module", "orch").Str("room", string(roomID)).Msg("kick failed")
		o.sendError(sess, protocol.CodeInternal, "kick failed")
		return
	case out.Removed == nil:
		return
	}

	if target, ok := o.Registry.InRoom(msg.Target, roomID); ok {
		o.Registry.RemoveRoom(msg.Target)
		o.Resync.ForgetConn(msg.Target)
		o.send(target, protocol.Notice{Type: protocol.TypeKicked, Room: roomID})
	}
	log.Info().Str("module", "orch").Str("room", string(roomID)).Str("target", string(msg.Target)).Msg("member kicked")
	o.afterLeave(out)
}

func (o *Orchestrator) WhoAmI(conn domain.ConnID) {
	sess, ok := o.Registry.GetSession(conn)
	if !ok {
		return
	}
	resp := protocol.WhoAmI{Type: protocol.TypeWhoAmI, ConnectionID: conn}
	if roomID, username, ok := o.Registry.RoomOf(conn); ok {
		resp.Room = roomID
		resp.Username = username
	}
	o.send(sess, resp)
}

// bound resolves the room a room-scoped message targets. A message naming a
// room the connection is not bound to is rejected.
func (o *Orchestrator) bound(conn domain.ConnID, requested string) (*app.Session, domain.RoomID, string, bool) {
	sess, ok := o.Registry.GetSession(conn)
	if !ok {
		return nil, "", "", false
	}
	roomID, username, ok := o.Registry.RoomOf(conn)
	if !ok || (requested != "" && domain.RoomID(requested) != roomID) {
		o.sendError(sess, protocol.CodeNotInRoom, "not a member of this room")
		return sess, "", "", false
	}
	return sess, roomID, username, true
}
