// Package client provides transport-agnostic access to the changefeed
// service: an HTTP/JSON client for the full API, a gRPC client for record
// operations, and a WebSocket watcher for the change feed.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/alfredjeanlab/changefeed/internal/model"
)

// RecordClient covers the record operations every transport supports.
type RecordClient interface {
	Put(ctx context.Context, key string, value json.RawMessage) (*model.ChangeEvent, error)
	Get(ctx context.Context, key string) (*model.Record, error)
	Delete(ctx context.Context, key string) (*model.ChangeEvent, error)
	Health(ctx context.Context) (string, error)
	Close() error
}

// Client is the full API, served over HTTP.
type Client interface {
	RecordClient

	List(ctx context.Context, prefix string, limit int) ([]*model.Record, error)
	Changes(ctx context.Context, after uint64, limit int) (*ChangesResponse, error)

	Connections(ctx context.Context) ([]model.Connection, error)
	CloseConnection(ctx context.Context, id string) error

	Watch(ctx context.Context) (*Watcher, error)
}

// ChangesResponse is a page of the change log.
type ChangesResponse struct {
	Events []*model.ChangeEvent `json:"events"`
	// Latest is the newest sequence in the log when the page was read.
	Latest uint64 `json:"latest"`
}

// IsNotFound reports whether err is a not-found response from either
// transport.
func IsNotFound(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusNotFound
	}
	return isGRPCNotFound(err)
}
