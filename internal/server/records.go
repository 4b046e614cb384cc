package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/alfredjeanlab/changefeed/internal/events"
	"github.com/alfredjeanlab/changefeed/internal/metrics"
	"github.com/alfredjeanlab/changefeed/internal/model"
	"github.com/alfredjeanlab/changefeed/internal/store"
)

// maxChangesLimit caps one page of GET /v1/changes.
const maxChangesLimit = 1000

// inputError indicates invalid user input.
// Transport layers map this to 400 / InvalidArgument.
type inputError string

func (e inputError) Error() string { return string(e) }

// isInputError reports whether err was caused by the caller's input.
func isInputError(err error) bool {
	var ie inputError
	var ve *model.ValidationError
	return errors.As(err, &ie) || errors.As(err, &ve)
}

// Records is the record writer shared by the HTTP, gRPC and WebSocket
// surfaces. Writes go to the store, whose change log feeds the fan-out
// worker; nothing here waits on delivery.
type Records struct {
	store     store.Store
	publisher events.Publisher
	metrics   *metrics.Collector
	logger    *slog.Logger
}

// NewRecords returns a Records writing to st. A nil publisher disables
// record.written events.
func NewRecords(st store.Store, p events.Publisher, m *metrics.Collector, logger *slog.Logger) *Records {
	if p == nil {
		p = &events.NoopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Records{store: st, publisher: p, metrics: m, logger: logger}
}

// Put inserts or replaces the record at key.
func (r *Records) Put(ctx context.Context, key string, value json.RawMessage) (*model.ChangeEvent, error) {
	if err := model.ValidatePut(key, value); err != nil {
		return nil, err
	}
	ev, err := r.store.Put(ctx, key, value)
	if err != nil {
		return nil, err
	}
	r.written(ctx, ev)
	return ev, nil
}

// Delete removes the record at key. A missing key returns store.ErrNotFound
// and appends nothing to the change log.
func (r *Records) Delete(ctx context.Context, key string) (*model.ChangeEvent, error) {
	if err := model.ValidateKey(key); err != nil {
		return nil, err
	}
	ev, err := r.store.Delete(ctx, key)
	if err != nil {
		return nil, err
	}
	r.written(ctx, ev)
	return ev, nil
}

// Get returns the record at key.
func (r *Records) Get(ctx context.Context, key string) (*model.Record, error) {
	if err := model.ValidateKey(key); err != nil {
		return nil, err
	}
	return r.store.Get(ctx, key)
}

// List returns records whose key starts with prefix.
func (r *Records) List(ctx context.Context, prefix string, limit int) ([]*model.Record, error) {
	if limit < 0 {
		return nil, inputError("limit must not be negative")
	}
	return r.store.List(ctx, prefix, limit)
}

// ChangesAfter returns up to limit change events with sequence numbers
// above after, and the latest sequence in the log.
func (r *Records) ChangesAfter(ctx context.Context, after uint64, limit int) ([]*model.ChangeEvent, uint64, error) {
	if limit <= 0 || limit > maxChangesLimit {
		limit = maxChangesLimit
	}
	evs, err := r.store.ChangesAfter(ctx, after, limit)
	if err != nil {
		return nil, 0, err
	}
	latest, err := r.store.LatestSequence(ctx)
	if err != nil {
		return nil, 0, err
	}
	return evs, latest, nil
}

// Ping checks the backing store.
func (r *Records) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}

func (r *Records) written(ctx context.Context, ev *model.ChangeEvent) {
	r.metrics.Write(ev.EventType.String())
	if err := r.publisher.Publish(ctx, events.TopicRecordWritten, events.RecordWritten{Event: ev}); err != nil {
		r.logger.Warn("server: publish record written", "key", ev.RecordKey, "seq", ev.SequenceNumber, "err", err)
	}
}
