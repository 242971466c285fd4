package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dkeye/watchparty/internal/app"
	"github.com/dkeye/watchparty/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

func (ctl *SignalWSController) pongWait() time.Duration {
	return ctl.opts.PingPeriod * 10 / 9
}

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("writePump ping failed")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, sess *app.Session, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("conn", string(sess.ID)).Msg("readPump closing")
		c.Close()
		ctl.Orch.OnDisconnect(ctx, sess.ID)
		if ctl.Limiter != nil {
			ctl.Limiter.Forget(sess.ID)
		}
		cancel()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.pongWait()))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.pongWait()))
	})

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("conn", string(sess.ID)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Warn().Err(err).Str("module", "signal").Str("conn", string(sess.ID)).Msg("readPump read error")
				}
				return
			}
			_ = c.conn.SetReadDeadline(time.Now().Add(ctl.pongWait()))
			ctl.handleSignal(ctx, sess, c, data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, sess *app.Session, c *WsSignalConn, data []byte) {
	typ, err := protocol.PeekType(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("bad json")
		ctl.sendJSON(c, protocol.NewError(protocol.CodeBadPayload, "malformed message"))
		return
	}

	switch typ {
	case protocol.TypeJoin:
		var p protocol.Join
		if ctl.decode(c, data, &p) {
			ctl.Orch.Join(ctx, sess.ID, p)
		}
	case protocol.TypeLeave:
		var p protocol.RoomRef
		if ctl.decode(c, data, &p) {
			ctl.Orch.Leave(ctx, sess.ID, p)
		}
	case protocol.TypePlayerState:
		var p protocol.PlayerState
		if ctl.decode(c, data, &p) && ctl.allow(sess, c) {
			ctl.Orch.PlayerState(ctx, sess.ID, p)
		}
	case protocol.TypeRequestSync:
		var p protocol.RoomRef
		if ctl.decode(c, data, &p) {
			ctl.Orch.RequestSync(ctx, sess.ID, p)
		}
	case protocol.TypeSyncResponse:
		var p protocol.SyncResponse
		if ctl.decode(c, data, &p) {
			ctl.Orch.SyncResponse(ctx, sess.ID, p)
		}
	case protocol.TypeKickMember:
		var p protocol.KickMember
		if ctl.decode(c, data, &p) {
			ctl.Orch.Kick(ctx, sess.ID, p)
		}
	case protocol.TypeChatMessage:
		var p protocol.ChatMessage
		if ctl.decode(c, data, &p) && ctl.allow(sess, c) {
			ctl.Orch.Chat(ctx, sess.ID, p)
		}
	case protocol.TypePing:
		ctl.handlePing(c)
	case protocol.TypeWhoAmI:
		ctl.Orch.WhoAmI(sess.ID)
	default:
		log.Warn().Str("module", "signal").Str("type", typ).Msg("unknown signal")
	}
}

func (ctl *SignalWSController) decode(c *WsSignalConn, data []byte, v any) bool {
	if err := json.Unmarshal(data, v); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("bad payload")
		ctl.sendJSON(c, protocol.NewError(protocol.CodeBadPayload, err.Error()))
		return false
	}
	return true
}

// allow applies the per-connection event budget. Excess events are dropped.
func (ctl *SignalWSController) allow(sess *app.Session, c *WsSignalConn) bool {
	if ctl.Limiter == nil || ctl.Limiter.Allow(sess.ID) {
		return true
	}
	log.Debug().Str("module", "signal").Str("conn", string(sess.ID)).Msg("rate limited")
	ctl.sendJSON(c, protocol.NewError(protocol.CodeRateLimit, "too many events"))
	return false
}

func (ctl *SignalWSController) sendJSON(c *WsSignalConn, v any) {
	b, err := protocol.Encode(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}
