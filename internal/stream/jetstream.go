package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/alfredjeanlab/changefeed/internal/model"
	"github.com/alfredjeanlab/changefeed/internal/store"
)

// Default JetStream layout for the change stream.
const (
	DefaultStreamName    = "CHANGES"
	DefaultSubjectPrefix = "changes"

	// RelayCursor is the store cursor name the relay persists its position under.
	RelayCursor = "relay"
)

// StreamConfig names the JetStream stream holding change events.
type StreamConfig struct {
	Name          string
	SubjectPrefix string
	// Duplicates is the window in which a repeated Nats-Msg-Id is discarded.
	Duplicates time.Duration
	MaxAge     time.Duration
	Memory     bool
}

func (c *StreamConfig) defaults() {
	if c.Name == "" {
		c.Name = DefaultStreamName
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = DefaultSubjectPrefix
	}
	if c.Duplicates == 0 {
		c.Duplicates = 2 * time.Minute
	}
}

func (c StreamConfig) subject(seq uint64) string {
	return c.SubjectPrefix + "." + strconv.FormatUint(seq, 10)
}

func (c StreamConfig) filter() string {
	return c.SubjectPrefix + ".>"
}

// EnsureStream creates the change stream or updates it to match cfg.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg StreamConfig) (jetstream.Stream, error) {
	cfg.defaults()
	storage := jetstream.FileStorage
	if cfg.Memory {
		storage = jetstream.MemoryStorage
	}
	s, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Name,
		Subjects:   []string{cfg.filter()},
		Storage:    storage,
		Duplicates: cfg.Duplicates,
		MaxAge:     cfg.MaxAge,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
	}
	return s, nil
}

// RelayOptions configures a Relay.
type RelayOptions struct {
	Stream       StreamConfig
	BatchSize    int
	PollInterval time.Duration
	Notifier     store.Notifier
	Logger       *slog.Logger
}

// Relay copies the store change log into JetStream. Its position survives
// restarts through the store's cursor table; republishing after a crash is
// absorbed by the stream's duplicate window because every message carries
// its sequence number as Nats-Msg-Id.
type Relay struct {
	log     store.ChangeLog
	cursors store.CursorStore
	js      jetstream.JetStream
	opts    RelayOptions
}

// NewRelay returns a relay from log to js.
func NewRelay(log store.ChangeLog, cursors store.CursorStore, js jetstream.JetStream, opts RelayOptions) *Relay {
	opts.Stream.defaults()
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Relay{log: log, cursors: cursors, js: js, opts: opts}
}

// Run relays until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	var wake <-chan struct{}
	if r.opts.Notifier != nil {
		ch, cancel := r.opts.Notifier.NotifyChanges()
		defer cancel()
		wake = ch
	}

	cursor, err := r.cursors.LoadCursor(ctx, RelayCursor)
	if err != nil {
		return fmt.Errorf("load relay cursor: %w", err)
	}
	r.opts.Logger.Info("stream: relay started", "cursor", cursor, "stream", r.opts.Stream.Name)

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		next, err := r.relayOnce(ctx, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.opts.Logger.Warn("stream: relay pass failed", "cursor", cursor, "err", err)
		}
		moved := next > cursor
		cursor = next
		if moved {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-wake:
		case <-ticker.C:
		}
	}
}

// relayOnce publishes one batch after cursor and returns the new cursor.
// On a publish failure the cursor stops at the last acknowledged message.
func (r *Relay) relayOnce(ctx context.Context, cursor uint64) (uint64, error) {
	evs, err := r.log.ChangesAfter(ctx, cursor, r.opts.BatchSize)
	if err != nil {
		return cursor, err
	}
	if len(evs) == 0 {
		return cursor, nil
	}

	published := cursor
	for _, ev := range evs {
		data, err := json.Marshal(ev)
		if err != nil {
			return published, fmt.Errorf("encode change %d: %w", ev.SequenceNumber, err)
		}
		id := strconv.FormatUint(ev.SequenceNumber, 10)
		if _, err := r.js.Publish(ctx, r.opts.Stream.subject(ev.SequenceNumber), data, jetstream.WithMsgID(id)); err != nil {
			r.saveCursor(ctx, published)
			return published, fmt.Errorf("publish change %d: %w", ev.SequenceNumber, err)
		}
		published = ev.SequenceNumber
	}
	r.saveCursor(ctx, published)
	return published, nil
}

func (r *Relay) saveCursor(ctx context.Context, seq uint64) {
	if err := r.cursors.SaveCursor(ctx, RelayCursor, seq); err != nil {
		r.opts.Logger.Warn("stream: save relay cursor", "seq", seq, "err", err)
	}
}

// JetStreamOptions configures a JetStreamSource.
type JetStreamOptions struct {
	Stream    StreamConfig
	Position  model.StartingPosition
	BatchSize int
	// MaxWait bounds a single fetch; Next keeps fetching until ctx ends.
	MaxWait time.Duration
	// AckWait is how long an unacknowledged message waits before redelivery.
	AckWait time.Duration
	// Durable names a durable consumer. Empty creates an ephemeral one.
	Durable string
	// Log is the change log the relay feeds the stream from. With
	// PositionLatest its newest sequence at creation becomes the floor:
	// events at or below it are acked without being returned, whether the
	// relay publishes them before or after the consumer exists.
	Log    store.ChangeLog
	Logger *slog.Logger
}

// JetStreamSource reads change events from an explicit-ack pull consumer.
type JetStreamSource struct {
	consumer jetstream.Consumer
	opts     JetStreamOptions
	floor    uint64

	done      chan struct{}
	closeOnce sync.Once
}

var _ Source = (*JetStreamSource)(nil)

// NewJetStreamSource ensures the stream exists and creates the consumer.
// PositionLatest maps to DeliverNew, PositionTrimHorizon to DeliverAll.
func NewJetStreamSource(ctx context.Context, js jetstream.JetStream, opts JetStreamOptions) (*JetStreamSource, error) {
	opts.Stream.defaults()
	if opts.Position == "" {
		opts.Position = model.PositionLatest
	}
	if !opts.Position.IsValid() {
		return nil, fmt.Errorf("invalid starting position %q", opts.Position)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = time.Second
	}
	if opts.AckWait <= 0 {
		opts.AckWait = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	var floor uint64
	if opts.Position == model.PositionLatest && opts.Log != nil {
		latest, err := opts.Log.LatestSequence(ctx)
		if err != nil {
			return nil, fmt.Errorf("read latest sequence: %w", err)
		}
		floor = latest
	}

	s, err := EnsureStream(ctx, js, opts.Stream)
	if err != nil {
		return nil, err
	}

	policy := jetstream.DeliverNewPolicy
	if opts.Position == model.PositionTrimHorizon {
		policy = jetstream.DeliverAllPolicy
	}
	cons, err := s.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       opts.Durable,
		DeliverPolicy: policy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       opts.AckWait,
		FilterSubject: opts.Stream.filter(),
		MaxAckPending: opts.BatchSize * 2,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer on %s: %w", opts.Stream.Name, err)
	}
	opts.Logger.Info("stream: jetstream consumer ready",
		"stream", opts.Stream.Name,
		"position", opts.Position,
		"durable", opts.Durable,
		"floor", floor)

	return &JetStreamSource{consumer: cons, opts: opts, floor: floor, done: make(chan struct{})}, nil
}

func (s *JetStreamSource) Next(ctx context.Context) (*Batch, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, ErrClosed
		default:
		}

		msgs, err := s.consumer.Fetch(s.opts.BatchSize, jetstream.FetchMaxWait(s.opts.MaxWait))
		if err != nil {
			return nil, fmt.Errorf("fetch: %w", err)
		}

		b := &Batch{}
		var acks []jetstream.Msg
		for msg := range msgs.Messages() {
			var ev model.ChangeEvent
			if err := json.Unmarshal(msg.Data(), &ev); err != nil {
				s.opts.Logger.Warn("stream: discarding undecodable message", "subject", msg.Subject(), "err", err)
				_ = msg.Term()
				continue
			}
			if meta, err := msg.Metadata(); err == nil {
				b.Lag = meta.NumPending
			}
			if ev.SequenceNumber <= s.floor {
				if err := msg.Ack(); err != nil {
					s.opts.Logger.Warn("stream: ack skipped message", "seq", ev.SequenceNumber, "err", err)
				}
				continue
			}
			b.Events = append(b.Events, &ev)
			acks = append(acks, msg)
		}
		if err := msgs.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) && len(acks) == 0 {
			return nil, fmt.Errorf("fetch: %w", err)
		}
		if len(b.Events) == 0 {
			continue
		}

		b.ack = func(context.Context) error {
			var errs []error
			for _, m := range acks {
				if err := m.Ack(); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		}
		return b, nil
	}
}

func (s *JetStreamSource) Ack(ctx context.Context, b *Batch) error {
	if b == nil || b.ack == nil {
		return nil
	}
	return b.ack(ctx)
}

func (s *JetStreamSource) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
