package server

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Options configures the HTTP server.
type Options struct {
	ListenAddress   string
	TelemetryPath   string
	APIPrefix       string
	WriteTimeout    time.Duration // per streamed event
	StreamLifetime  time.Duration
	ShutdownTimeout time.Duration
	Clock           clock.Clock
}

// APIError is the JSON body of every non-streaming error response.
type APIError struct {
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

// networkStreamRequest is the body of the network SSE endpoint.
type networkStreamRequest struct {
	NetworkPublicKeyValue string `json:"networkPublicKeyValue"`
}

// clientStreamRequest is the body of the client SSE endpoint.
type clientStreamRequest struct {
	ClientPublicKeyValue string `json:"clientPublicKeyValue"`
}

type healthResponse struct {
	Status      string `json:"status"`
	Node        string `json:"node"`
	Generation  uint64 `json:"generation"`
	PublishedAt string `json:"publishedAt,omitempty"`
	Networks    int    `json:"networks"`
	Peers       int    `json:"peers"`
	Streams     int    `json:"streams"`
}

// wsMessage is one event on the WebSocket transport.
type wsMessage struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}
