// Package stream delivers the change log to the fan-out worker in ordered,
// acknowledged batches.
//
// Delivery is at-least-once: a batch that is not acknowledged is delivered
// again, so consumers must tolerate duplicates.
package stream

import (
	"context"
	"errors"

	"github.com/alfredjeanlab/changefeed/internal/model"
)

// ErrClosed is returned by Next after Close.
var ErrClosed = errors.New("stream closed")

// Batch is an ordered run of change events read from a Source.
type Batch struct {
	Events []*model.ChangeEvent
	// Lag is how many events remained unread when the batch was taken.
	Lag uint64

	ack func(ctx context.Context) error
}

// LastSequence returns the sequence number of the final event, or 0.
func (b *Batch) LastSequence() uint64 {
	if len(b.Events) == 0 {
		return 0
	}
	return b.Events[len(b.Events)-1].SequenceNumber
}

// Source is a change stream consumer.
type Source interface {
	// Next blocks until a non-empty batch is available, ctx is done, or the
	// source is closed.
	Next(ctx context.Context) (*Batch, error)
	// Ack marks every event in b as processed. Until then the events are
	// delivered again.
	Ack(ctx context.Context, b *Batch) error
	Close() error
}

// IsTerminal reports whether err from Next means the source will not
// produce more batches.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
