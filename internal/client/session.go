package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/watchparty/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 10 * time.Second

// Session is a client websocket to the signalling endpoint. Send is safe for
// concurrent use; Run owns the read side.
type Session struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func Dial(ctx context.Context, url string, header http.Header) (*Session, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &Session{ws: ws}, nil
}

func (s *Session) Send(v any) error {
	data, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return s.ws.WriteMessage(websocket.TextMessage, data)
}

// Run reads frames until the connection drops or ctx is done. Handler errors
// are logged and do not stop the loop.
func (s *Session) Run(ctx context.Context, handle func([]byte) error) error {
	stop := context.AfterFunc(ctx, func() { _ = s.ws.Close() })
	defer stop()

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if err := handle(data); err != nil {
			log.Warn().Err(err).Str("module", "client").Msg("handle frame")
		}
	}
}

func (s *Session) Close() error {
	s.mu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	werr := s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	s.mu.Unlock()
	return errors.Join(werr, s.ws.Close())
}
