package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wg-telemetry/pkg/logging"
	"github.com/wg-telemetry/pkg/stream"
)

// wsEmitter writes events as JSON messages on a WebSocket connection.
type wsEmitter struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration
	closed       bool
}

// Send implements stream.Emitter.
func (e *wsEmitter) Send(ev stream.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return stream.ErrClientGone
	}
	if e.writeTimeout > 0 {
		_ = e.conn.SetWriteDeadline(time.Now().Add(e.writeTimeout))
	}
	if err := e.conn.WriteJSON(wsMessage{Event: ev.Name, Data: ev.Data}); err != nil {
		return classifyWSError(err)
	}
	return nil
}

// close sends a close frame once and stops further writes.
func (e *wsEmitter) close(code int, text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	msg := websocket.FormatCloseMessage(code, text)
	_ = e.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// classifyWSError maps close frames and closed connections to ErrClientGone.
func classifyWSError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) || errors.Is(err, websocket.ErrCloseSent) || stream.IsDisconnect(err) {
		return fmt.Errorf("%w: %v", stream.ErrClientGone, err)
	}
	return err
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind, err := stream.ParseKind(q.Get("kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	key := strings.TrimSpace(q.Get("key"))
	if key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		logging.Warnf("[http] websocket upgrade failed (remote=%s err=%v)", r.RemoteAddr, err)
		return
	}
	defer conn.Close()

	em := &wsEmitter{conn: conn, writeTimeout: s.opts.WriteTimeout}
	sub := s.manager.Subscribe(kind, key, em)
	logging.Debugf("[http] websocket stream attached (id=%s remote=%s)", sub.ID(), r.RemoteAddr)

	// Incoming messages are ignored; reading is how a client close is noticed.
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				readErr <- classifyWSError(err)
				return
			}
		}
	}()

	s.await(r.Context(), sub, readErr)

	switch sub.Reason() {
	case stream.ReasonTimeout, stream.ReasonShutdown, stream.ReasonCancelled:
		em.close(websocket.CloseNormalClosure, string(sub.Reason()))
	case stream.ReasonTransportError, stream.ReasonFault:
		em.close(websocket.CloseInternalServerErr, string(sub.Reason()))
	default:
		em.close(websocket.CloseGoingAway, "")
	}
}
