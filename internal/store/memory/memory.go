// Package memory implements store.Store in process memory. It backs tests
// and the default "memory://" database URL.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alfredjeanlab/changefeed/internal/model"
	"github.com/alfredjeanlab/changefeed/internal/store"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("memory store closed")

// Store is an in-memory record store with an append-only change log.
type Store struct {
	mu      sync.RWMutex
	records map[string]*model.Record
	log     []*model.ChangeEvent
	cursors map[string]uint64
	closed  bool

	// failWith, when set, makes every call fail as unavailable.
	failWith error

	subMu sync.Mutex
	subs  map[chan struct{}]struct{}
}

var (
	_ store.Store    = (*Store)(nil)
	_ store.Notifier = (*Store)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{
		records: make(map[string]*model.Record),
		cursors: make(map[string]uint64),
		subs:    make(map[chan struct{}]struct{}),
	}
}

// SetFailure makes subsequent calls fail with a store.UnavailableError
// wrapping err. Pass nil to recover.
func (s *Store) SetFailure(err error) {
	s.mu.Lock()
	s.failWith = err
	s.mu.Unlock()
}

func (s *Store) check(op string) error {
	if s.closed {
		return store.Unavailable(op, ErrClosed)
	}
	if s.failWith != nil {
		return store.Unavailable(op, s.failWith)
	}
	return nil
}

// Put inserts or overwrites a record and appends the change event.
func (s *Store) Put(_ context.Context, key string, value json.RawMessage) (*model.ChangeEvent, error) {
	s.mu.Lock()
	if err := s.check("put"); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	now := time.Now().UTC()
	seq := uint64(len(s.log)) + 1
	img := append(json.RawMessage(nil), value...)

	typ := model.EventUpdate
	rec, ok := s.records[key]
	if !ok {
		typ = model.EventInsert
		rec = &model.Record{Key: key, CreatedAt: now}
		s.records[key] = rec
	}
	rec.Value = img
	rec.Version = seq
	rec.UpdatedAt = now

	ev := &model.ChangeEvent{
		RecordKey:      key,
		EventType:      typ,
		NewImage:       img,
		SequenceNumber: seq,
		CreatedAt:      now,
	}
	s.log = append(s.log, ev)
	s.mu.Unlock()

	s.notify()
	return copyEvent(ev), nil
}

// Delete removes a record and appends a delete event.
func (s *Store) Delete(_ context.Context, key string) (*model.ChangeEvent, error) {
	s.mu.Lock()
	if err := s.check("delete"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if _, ok := s.records[key]; !ok {
		s.mu.Unlock()
		return nil, store.ErrNotFound
	}
	delete(s.records, key)

	ev := &model.ChangeEvent{
		RecordKey:      key,
		EventType:      model.EventDelete,
		SequenceNumber: uint64(len(s.log)) + 1,
		CreatedAt:      time.Now().UTC(),
	}
	s.log = append(s.log, ev)
	s.mu.Unlock()

	s.notify()
	return copyEvent(ev), nil
}

// Get returns a copy of the record stored under key.
func (s *Store) Get(_ context.Context, key string) (*model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("get"); err != nil {
		return nil, err
	}
	rec, ok := s.records[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	cp.Value = append(json.RawMessage(nil), rec.Value...)
	return &cp, nil
}

// List returns records whose key starts with prefix, sorted by key.
// A limit <= 0 means no limit.
func (s *Store) List(_ context.Context, prefix string, limit int) ([]*model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("list"); err != nil {
		return nil, err
	}
	out := make([]*model.Record, 0, len(s.records))
	for k, rec := range s.records {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ChangesAfter returns up to limit events with sequence > after.
func (s *Store) ChangesAfter(_ context.Context, after uint64, limit int) ([]*model.ChangeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("changes"); err != nil {
		return nil, err
	}
	if after >= uint64(len(s.log)) {
		return nil, nil
	}
	// Sequence n lives at index n-1.
	tail := s.log[after:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}
	out := make([]*model.ChangeEvent, len(tail))
	for i, ev := range tail {
		out[i] = copyEvent(ev)
	}
	return out, nil
}

// LatestSequence returns the sequence number of the last appended event.
func (s *Store) LatestSequence(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("latest sequence"); err != nil {
		return 0, err
	}
	return uint64(len(s.log)), nil
}

// LoadCursor returns the saved position for name, or 0.
func (s *Store) LoadCursor(_ context.Context, name string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("load cursor"); err != nil {
		return 0, err
	}
	return s.cursors[name], nil
}

// SaveCursor records the position for name.
func (s *Store) SaveCursor(_ context.Context, name string, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("save cursor"); err != nil {
		return err
	}
	s.cursors[name] = seq
	return nil
}

// NotifyChanges returns a channel signalled after each append.
func (s *Store) NotifyChanges() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, ch)
			s.subMu.Unlock()
		})
	}
}

func (s *Store) notify() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Ping reports whether the store is usable.
func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.check("ping")
}

// Close marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func copyEvent(ev *model.ChangeEvent) *model.ChangeEvent {
	cp := *ev
	if ev.NewImage != nil {
		cp.NewImage = append(json.RawMessage(nil), ev.NewImage...)
	}
	return &cp
}
