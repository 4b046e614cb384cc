package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alfredjeanlab/changefeed/internal/model"
	"github.com/alfredjeanlab/changefeed/internal/store"
)

// LogOptions configures a LogSource.
type LogOptions struct {
	Position     model.StartingPosition
	BatchSize    int
	PollInterval time.Duration
	// Notifier, when set, wakes the source as soon as a change commits.
	Notifier store.Notifier
	Logger   *slog.Logger
}

// LogSource tails a store change log from an in-memory cursor. The cursor
// only moves on Ack, so an unacknowledged batch is read again.
type LogSource struct {
	log  store.ChangeLog
	opts LogOptions

	mu     sync.Mutex
	cursor uint64

	wake       <-chan struct{}
	cancelWake func()

	done      chan struct{}
	closeOnce sync.Once
}

var _ Source = (*LogSource)(nil)

// NewLogSource positions a source on log. With PositionLatest the cursor
// starts at the newest sequence, so nothing written earlier is replayed.
func NewLogSource(ctx context.Context, log store.ChangeLog, opts LogOptions) (*LogSource, error) {
	if opts.Position == "" {
		opts.Position = model.PositionLatest
	}
	if !opts.Position.IsValid() {
		return nil, fmt.Errorf("invalid starting position %q", opts.Position)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &LogSource{log: log, opts: opts, done: make(chan struct{})}
	if opts.Position == model.PositionLatest {
		latest, err := log.LatestSequence(ctx)
		if err != nil {
			return nil, fmt.Errorf("read latest sequence: %w", err)
		}
		s.cursor = latest
	}
	if opts.Notifier != nil {
		s.wake, s.cancelWake = opts.Notifier.NotifyChanges()
	}
	opts.Logger.Info("stream: log source positioned", "position", opts.Position, "cursor", s.cursor)
	return s, nil
}

// Cursor returns the last acknowledged sequence number.
func (s *LogSource) Cursor() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *LogSource) Next(ctx context.Context) (*Batch, error) {
	timer := time.NewTimer(s.opts.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-s.done:
			return nil, ErrClosed
		default:
		}

		after := s.Cursor()
		evs, err := s.log.ChangesAfter(ctx, after, s.opts.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("read changes after %d: %w", after, err)
		}
		if len(evs) > 0 {
			b := &Batch{Events: evs}
			if latest, err := s.log.LatestSequence(ctx); err == nil && latest > b.LastSequence() {
				b.Lag = latest - b.LastSequence()
			}
			last := b.LastSequence()
			b.ack = func(context.Context) error {
				s.advance(last)
				return nil
			}
			return b, nil
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.opts.PollInterval)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, ErrClosed
		case <-s.wake:
		case <-timer.C:
		}
	}
}

func (s *LogSource) advance(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.cursor {
		s.cursor = seq
	}
}

func (s *LogSource) Ack(ctx context.Context, b *Batch) error {
	if b == nil || b.ack == nil {
		return nil
	}
	return b.ack(ctx)
}

func (s *LogSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.cancelWake != nil {
			s.cancelWake()
		}
	})
	return nil
}
