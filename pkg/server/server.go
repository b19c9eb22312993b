package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wg-telemetry/pkg/logging"
	"github.com/wg-telemetry/pkg/snapshot"
	"github.com/wg-telemetry/pkg/stream"
)

// Server serves the streaming endpoints, the snapshot queries, health and metrics.
type Server struct {
	http     *http.Server
	store    *snapshot.Store
	manager  *stream.Manager
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader
	clock    clock.Clock
	opts     Options

	listener net.Listener
	serveErr chan error
}

// NewServer creates a server. Nothing listens until Start is called.
func NewServer(store *snapshot.Store, manager *stream.Manager, gatherer prometheus.Gatherer, opts Options) *Server {
	if opts.ListenAddress == "" {
		opts.ListenAddress = ":8080"
	}
	if opts.TelemetryPath == "" {
		opts.TelemetryPath = "/metrics"
	}
	opts.APIPrefix = strings.TrimRight(opts.APIPrefix, "/")
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.StreamLifetime == 0 {
		opts.StreamLifetime = 30 * time.Minute
	}
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	s := &Server{
		store:    store,
		manager:  manager,
		gatherer: gatherer,
		clock:    opts.Clock,
		opts:     opts,
		serveErr: make(chan error, 1),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	s.http = &http.Server{
		Addr:              opts.ListenAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routed handler, for use with httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	base := s.opts.APIPrefix + "/system/wg-show"

	mux.HandleFunc("POST "+base+"/network", s.handleNetworkStream)
	mux.HandleFunc("POST "+base+"/client", s.handleClientStream)
	mux.HandleFunc("GET "+base+"/ws", s.handleWebSocket)
	mux.HandleFunc("GET "+base+"/networks", s.handleNetworks)
	mux.HandleFunc("GET "+base+"/networks/{key}", s.handleNetwork)
	mux.HandleFunc("GET "+base+"/peers", s.handlePeers)
	mux.HandleFunc("GET "+base+"/peers/{key}", s.handlePeer)

	if s.gatherer != nil {
		mux.Handle("GET "+s.opts.TelemetryPath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html>
<head><title>WireGuard Telemetry</title></head>
<body>
<h1>WireGuard Telemetry</h1>
<p><a href="` + s.opts.TelemetryPath + `">Metrics</a></p>
<p><a href="` + base + `/networks">Networks</a></p>
<p><a href="` + base + `/peers">Peers</a></p>
</body>
</html>`))
	})
	return withRequestLogging(mux)
}

// Start binds the listen address and serves in the background. Bind errors
// are returned directly.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.ListenAddress, err)
	}
	s.listener = ln
	logging.Logf("[listen] http addr=%s metrics=%s api=%s health=/healthz", ln.Addr(), s.opts.TelemetryPath, s.opts.APIPrefix)

	go func() {
		err := s.http.Serve(ln)
		if !errors.Is(err, http.ErrServerClosed) {
			logging.Errorf("[http] serve failed (err=%v)", err)
		}
		s.serveErr <- err
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully shuts down the server, waiting up to ShutdownTimeout.
// Streaming handlers only return once their subscriptions end, so the stream
// manager should be closed first.
func (s *Server) Stop(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		_ = s.http.Close()
		return fmt.Errorf("http shutdown: %w", err)
	}
	logging.Logf("[http] stopped")
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	data := s.store.Current()
	resp := healthResponse{
		Status:     "ok",
		Node:       logging.GetNodeID(),
		Generation: s.store.Generation(),
		Networks:   data.NetworkCount(),
		Peers:      data.PeerCount(),
	}
	if at := s.store.PublishedAt(); !at.IsZero() {
		resp.PublishedAt = at.UTC().Format(time.RFC3339)
	}
	if s.manager != nil {
		resp.Streams = s.manager.Active()
	}
	writeJSON(w, http.StatusOK, resp)
}

// withRequestLogging logs each request at debug level.
func withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logging.Debugf("[http] %s %s (took=%dms remote=%s)", r.Method, r.URL.Path, time.Since(start).Milliseconds(), r.RemoteAddr)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, APIError{
		Error:     msg,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
