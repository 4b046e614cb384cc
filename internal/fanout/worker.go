// Package fanout drains the change stream and pushes every event to every
// registered connection.
//
// Batches are processed one at a time. Within a batch each connection gets
// its own goroutine, bounded by Options.Concurrency, which pushes the
// batch's events in sequence order. A failed push never fails the batch:
// it is retried with backoff and then dropped. The batch is acknowledged
// once every connection has been attempted.
package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"golang.org/x/sync/errgroup"

	"github.com/alfredjeanlab/changefeed/internal/events"
	"github.com/alfredjeanlab/changefeed/internal/gateway"
	"github.com/alfredjeanlab/changefeed/internal/metrics"
	"github.com/alfredjeanlab/changefeed/internal/model"
	"github.com/alfredjeanlab/changefeed/internal/registry"
	"github.com/alfredjeanlab/changefeed/internal/stream"
)

// Pusher delivers one payload to one connection. *gateway.Gateway
// implements it.
type Pusher interface {
	Push(ctx context.Context, id string, payload []byte) (gateway.Result, error)
}

var _ Pusher = (*gateway.Gateway)(nil)

// Options configures a Worker. Zero values take defaults.
type Options struct {
	// RetryCeiling is the number of push attempts per delivery. Default 5.
	RetryCeiling int
	// Backoff is the delay after the first failed attempt; it doubles up to
	// MaxBackoff. Defaults 50ms and 2s.
	Backoff    time.Duration
	MaxBackoff time.Duration
	// Concurrency bounds the connections pushed to at once. Default 64.
	Concurrency int
	// LagWarnThreshold logs a warning when a batch reports more unread
	// events than this. Zero disables the warning.
	LagWarnThreshold uint64
	// ErrorBackoff is the wait after the source fails to produce a batch.
	// Default 1s.
	ErrorBackoff time.Duration

	Publisher events.Publisher
	Metrics   *metrics.Collector
	Clock     clock.Clock
	Logger    *slog.Logger
}

func (o *Options) defaults() {
	if o.RetryCeiling <= 0 {
		o.RetryCeiling = 5
	}
	if o.Backoff <= 0 {
		o.Backoff = 50 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 2 * time.Second
	}
	if o.MaxBackoff < o.Backoff {
		o.MaxBackoff = o.Backoff
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 64
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = time.Second
	}
	if o.Publisher == nil {
		o.Publisher = &events.NoopPublisher{}
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Worker is the single logical consumer of the change stream.
type Worker struct {
	source stream.Source
	reg    *registry.Registry
	pusher Pusher
	opts   Options
}

// New returns a worker reading from source and pushing to the connections
// in reg through pusher.
func New(source stream.Source, reg *registry.Registry, pusher Pusher, opts Options) *Worker {
	opts.defaults()
	return &Worker{source: source, reg: reg, pusher: pusher, opts: opts}
}

// Run processes batches until ctx is cancelled or the source is closed.
// A batch already taken from the source is finished and acknowledged
// before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	w.opts.Logger.Info("fanout: worker started",
		"retry_ceiling", w.opts.RetryCeiling,
		"concurrency", w.opts.Concurrency)
	defer w.opts.Logger.Info("fanout: worker stopped")

	for {
		batch, err := w.source.Next(ctx)
		if err != nil {
			if stream.IsTerminal(err) {
				return nil
			}
			w.opts.Logger.Warn("fanout: read batch", "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-w.opts.Clock.After(w.opts.ErrorBackoff):
			}
			continue
		}
		w.process(ctx, batch)
	}
}

// process broadcasts one batch and acknowledges it. Cancellation of ctx
// does not interrupt it.
func (w *Worker) process(ctx context.Context, batch *stream.Batch) {
	ctx = context.WithoutCancel(ctx)
	start := w.opts.Clock.Now()

	w.opts.Metrics.Lag(batch.Lag)
	if w.opts.LagWarnThreshold > 0 && batch.Lag > w.opts.LagWarnThreshold {
		w.opts.Logger.Warn("fanout: consumer lagging",
			"lag", batch.Lag,
			"threshold", w.opts.LagWarnThreshold)
	}

	payloads := make([][]byte, len(batch.Events))
	for i, ev := range batch.Events {
		data, err := json.Marshal(ev)
		if err != nil {
			w.opts.Logger.Error("fanout: encode event", "seq", ev.SequenceNumber, "err", err)
			continue
		}
		payloads[i] = data
	}

	conns := w.reg.ListActive()
	var g errgroup.Group
	g.SetLimit(w.opts.Concurrency)
	for _, id := range conns {
		g.Go(func() error {
			w.deliver(ctx, id, batch.Events, payloads)
			return nil
		})
	}
	_ = g.Wait()

	elapsed := w.opts.Clock.Now().Sub(start)
	w.opts.Metrics.Batch(len(batch.Events), elapsed.Seconds())
	w.opts.Metrics.Connections(w.reg.Len())
	w.opts.Logger.Debug("fanout: batch delivered",
		"events", len(batch.Events),
		"connections", len(conns),
		"last_seq", batch.LastSequence(),
		"elapsed", elapsed)

	if err := w.source.Ack(ctx, batch); err != nil {
		w.opts.Logger.Warn("fanout: ack batch", "last_seq", batch.LastSequence(), "err", err)
	}
}

// deliver pushes the batch to one connection in order, stopping at the
// first Gone.
func (w *Worker) deliver(ctx context.Context, id string, evs []*model.ChangeEvent, payloads [][]byte) {
	for i, ev := range evs {
		if payloads[i] == nil {
			continue
		}
		if w.push(ctx, id, ev, payloads[i]) == gateway.Gone {
			w.opts.Metrics.Push(metrics.PushGone)
			if w.reg.Unregister(id) {
				w.opts.Logger.Debug("fanout: connection gone", "connection_id", id, "seq", ev.SequenceNumber)
			}
			return
		}
	}
}

// push makes up to RetryCeiling attempts. A delivery that still fails is
// dropped and reported as Delivered so the connection's remaining events
// are still attempted.
func (w *Worker) push(ctx context.Context, id string, ev *model.ChangeEvent, payload []byte) gateway.Result {
	var (
		res      gateway.Result
		attempts int
	)
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			attempts++
			var err error
			res, err = w.pusher.Push(ctx, id, payload)
			return err
		},
		IsFatalError: func(err error) bool {
			return !gateway.IsTransportError(err)
		},
		NotifyFunc: func(err error, attempt int) {
			if attempt < w.opts.RetryCeiling {
				w.opts.Metrics.Push(metrics.PushRetried)
				w.opts.Logger.Debug("fanout: push failed, retrying",
					"connection_id", id,
					"seq", ev.SequenceNumber,
					"attempt", attempt,
					"err", err)
			}
		},
		Attempts:    w.opts.RetryCeiling,
		Delay:       w.opts.Backoff,
		MaxDelay:    w.opts.MaxBackoff,
		BackoffFunc: retry.DoubleDelay,
		Clock:       w.opts.Clock,
	})
	if err == nil {
		if res == gateway.Delivered {
			w.opts.Metrics.Push(metrics.PushDelivered)
		}
		return res
	}

	if retry.IsAttemptsExceeded(err) {
		err = retry.LastError(err)
	}
	w.drop(ctx, id, ev, attempts, err)
	return gateway.Delivered
}

func (w *Worker) drop(ctx context.Context, id string, ev *model.ChangeEvent, attempts int, err error) {
	w.opts.Metrics.Push(metrics.PushDropped)
	w.opts.Logger.Warn("fanout: delivery dropped",
		"connection_id", id,
		"seq", ev.SequenceNumber,
		"record_key", ev.RecordKey,
		"attempts", attempts,
		"err", err)

	dropped := events.DeliveryDropped{
		ConnectionID:   id,
		SequenceNumber: ev.SequenceNumber,
		RecordKey:      ev.RecordKey,
		Attempts:       attempts,
		DroppedAt:      w.opts.Clock.Now().UTC(),
	}
	if err != nil {
		dropped.Error = err.Error()
	}
	if perr := w.opts.Publisher.Publish(ctx, events.TopicDeliveryDropped, dropped); perr != nil {
		w.opts.Logger.Warn("fanout: publish drop", "connection_id", id, "err", perr)
	}
}
