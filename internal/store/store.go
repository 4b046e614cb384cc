package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alfredjeanlab/changefeed/internal/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// UnavailableError reports that the backing database could not serve a
// request. Writers see it synchronously; it never reaches the stream.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("store unavailable: %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Unavailable wraps err as an *UnavailableError unless it is nil or one of
// the package sentinels.
func Unavailable(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	var ue *UnavailableError
	if errors.As(err, &ue) {
		return err
	}
	return &UnavailableError{Op: op, Err: err}
}

// IsUnavailable reports whether err is a store availability failure.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}

// ChangeLog is the read side of the store's append-only change log.
type ChangeLog interface {
	// ChangesAfter returns up to limit events with sequence > after, in
	// sequence order.
	ChangesAfter(ctx context.Context, after uint64, limit int) ([]*model.ChangeEvent, error)
	// LatestSequence returns the highest sequence number written, or 0.
	LatestSequence(ctx context.Context) (uint64, error)
}

// CursorStore persists named stream cursors (used by the relay).
type CursorStore interface {
	LoadCursor(ctx context.Context, name string) (uint64, error)
	SaveCursor(ctx context.Context, name string, seq uint64) error
}

// Store defines the persistence interface for records and their change log.
// Every mutation appends exactly one change event in the same transaction.
type Store interface {
	ChangeLog
	CursorStore

	// Put inserts or overwrites a record and returns the appended event.
	Put(ctx context.Context, key string, value json.RawMessage) (*model.ChangeEvent, error)
	// Delete removes a record and returns the appended event, or
	// ErrNotFound if the key does not exist (no event is appended).
	Delete(ctx context.Context, key string) (*model.ChangeEvent, error)
	Get(ctx context.Context, key string) (*model.Record, error)
	List(ctx context.Context, prefix string, limit int) ([]*model.Record, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}

// Notifier is implemented by stores that can signal appended changes, letting
// log tailers wake without waiting for their next poll.
type Notifier interface {
	// NotifyChanges returns a channel that receives a value (coalesced) after
	// each committed change. Call the returned cancel function to stop.
	NotifyChanges() (<-chan struct{}, func())
}
