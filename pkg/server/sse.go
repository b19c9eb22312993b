package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/wg-telemetry/pkg/logging"
	"github.com/wg-telemetry/pkg/stream"
)

// sseEmitter writes server-sent events to one response. Writes from the
// subscription's tick and from the handler are serialized, and nothing is
// written once the handler has returned.
type sseEmitter struct {
	mu           sync.Mutex
	w            io.Writer
	rc           *http.ResponseController
	ctx          context.Context
	writeTimeout time.Duration
	closed       bool
}

func newSSEEmitter(w http.ResponseWriter, r *http.Request, writeTimeout time.Duration) *sseEmitter {
	return &sseEmitter{
		w:            w,
		rc:           http.NewResponseController(w),
		ctx:          r.Context(),
		writeTimeout: writeTimeout,
	}
}

// Send implements stream.Emitter.
func (e *sseEmitter) Send(ev stream.Event) error {
	payload, err := encodePayload(ev)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return stream.ErrClientGone
	}
	if e.writeTimeout > 0 {
		// not every ResponseWriter supports deadlines
		_ = e.rc.SetWriteDeadline(time.Now().Add(e.writeTimeout))
	}

	var b strings.Builder
	b.WriteString("event: ")
	b.WriteString(ev.Name)
	b.WriteByte('\n')
	for _, line := range strings.Split(payload, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')

	if _, err := io.WriteString(e.w, b.String()); err != nil {
		return e.classify(err)
	}
	if err := e.rc.Flush(); err != nil {
		return e.classify(err)
	}
	return nil
}

func (e *sseEmitter) close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

// classify marks write failures caused by the client leaving as ErrClientGone.
func (e *sseEmitter) classify(err error) error {
	if e.ctx.Err() != nil || stream.IsDisconnect(err) {
		return fmt.Errorf("%w: %v", stream.ErrClientGone, err)
	}
	return err
}

func encodePayload(ev stream.Event) (string, error) {
	if s, ok := ev.Data.(string); ok && ev.ContentType != stream.ContentTypeJSON {
		return s, nil
	}
	raw, err := json.Marshal(ev.Data)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", ev.Name, err)
	}
	return string(raw), nil
}

func (s *Server) handleNetworkStream(w http.ResponseWriter, r *http.Request) {
	var req networkStreamRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.NetworkPublicKeyValue) == "" {
		writeError(w, http.StatusBadRequest, "networkPublicKeyValue is required")
		return
	}
	s.serveSSE(w, r, stream.KindNetwork, req.NetworkPublicKeyValue)
}

func (s *Server) handleClientStream(w http.ResponseWriter, r *http.Request) {
	var req clientStreamRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.ClientPublicKeyValue) == "" {
		writeError(w, http.StatusBadRequest, "clientPublicKeyValue is required")
		return
	}
	s.serveSSE(w, r, stream.KindPeer, req.ClientPublicKeyValue)
}

func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, kind stream.Kind, key string) {
	if _, ok := w.(http.Flusher); !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	em := newSSEEmitter(w, r, s.opts.WriteTimeout)
	defer em.close()

	sub := s.manager.Subscribe(kind, key, em)
	logging.Debugf("[http] sse stream attached (id=%s remote=%s)", sub.ID(), r.RemoteAddr)
	s.await(r.Context(), sub, nil)
}

// await blocks until the subscription ends, the request goes away, the
// transport reports an error, or the stream lifetime elapses.
func (s *Server) await(ctx context.Context, sub *stream.Subscription, transportErr <-chan error) {
	lifetime := s.clock.Timer(s.opts.StreamLifetime)
	defer lifetime.Stop()

	select {
	case <-sub.Done():
	case <-ctx.Done():
		sub.Unsubscribe()
	case err := <-transportErr:
		sub.Fail(err)
	case <-lifetime.C:
		sub.Timeout()
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 64<<10))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %v", err)
	}
	return nil
}
