// Package server exposes records, the change log and the connection gateway
// over HTTP and gRPC.
package server

import (
	"log/slog"
	"net/http"

	"github.com/alfredjeanlab/changefeed/internal/gateway"
)

// Server serves the HTTP API. Records carries the write path; the gateway
// terminates WebSocket and SSE connections on the same listener.
type Server struct {
	records *Records
	gateway *gateway.Gateway
	metrics http.Handler
	logger  *slog.Logger
}

// Options configures optional parts of a Server.
type Options struct {
	// MetricsHandler is mounted at GET /metrics when set.
	MetricsHandler http.Handler
	Logger         *slog.Logger
}

// New returns a Server over records and gw.
func New(records *Records, gw *gateway.Gateway, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		records: records,
		gateway: gw,
		metrics: opts.MetricsHandler,
		logger:  opts.Logger,
	}
}
