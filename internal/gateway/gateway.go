// Package gateway terminates client connections and pushes payloads to them.
//
// Clients connect over WebSocket (bidirectional) or Server-Sent Events
// (push only). Each open connection is a session with a bounded outbound
// queue drained by its own writer; Push never blocks past the configured
// push timeout. Connect and disconnect are applied to the registry through
// a Dispatcher so that membership changes are serialized per connection.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alfredjeanlab/changefeed/internal/events"
	"github.com/alfredjeanlab/changefeed/internal/idgen"
	"github.com/alfredjeanlab/changefeed/internal/model"
	"github.com/alfredjeanlab/changefeed/internal/registry"
)

// ErrShuttingDown is returned by Connect once Shutdown has begun.
var ErrShuttingDown = errors.New("gateway shutting down")

// RecordWriter performs writes requested by client frames.
type RecordWriter interface {
	Put(ctx context.Context, key string, value json.RawMessage) (*model.ChangeEvent, error)
	Delete(ctx context.Context, key string) (*model.ChangeEvent, error)
}

// Options configures a Gateway. Zero values take defaults.
type Options struct {
	Publisher events.Publisher
	// Writer handles put and delete frames. Nil rejects them.
	Writer RecordWriter

	PushTimeout     time.Duration
	QueueSize       int
	DispatchWorkers int

	// WebSocket keepalive.
	PingPeriod   time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	MaxFrameSize int64

	// SSEKeepalive is the interval between SSE comment lines.
	SSEKeepalive time.Duration

	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Publisher == nil {
		o.Publisher = &events.NoopPublisher{}
	}
	if o.PushTimeout <= 0 {
		o.PushTimeout = 2 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = 1 << 20
	}
	if o.SSEKeepalive <= 0 {
		o.SSEKeepalive = 15 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Gateway owns the open sessions.
type Gateway struct {
	reg        *registry.Registry
	opts       Options
	dispatcher *Dispatcher
	upgrader   websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*session
	shutdown bool

	// active counts running transport handlers.
	active sync.WaitGroup
}

// New returns a gateway registering connections in reg.
func New(reg *registry.Registry, opts Options) *Gateway {
	opts.defaults()
	return &Gateway{
		reg:        reg,
		opts:       opts,
		dispatcher: NewDispatcher(reg, opts.DispatchWorkers, HandleEvent),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: make(map[string]*session),
	}
}

// Registry returns the registry the gateway maintains.
func (g *Gateway) Registry() *registry.Registry {
	return g.reg
}

// connect assigns an id, queues the greeting as the session's first frame,
// and registers the connection. The registry holds the id before connect
// returns.
func (g *Gateway) connect(transport model.Transport, remoteAddr string) (*session, error) {
	id, err := idgen.ConnectionID()
	if err != nil {
		return nil, err
	}
	sess := newSession(id, transport, remoteAddr, g.opts.QueueSize)

	hello, err := json.Marshal(frame{Type: frameConnected, ConnectionID: id})
	if err != nil {
		return nil, fmt.Errorf("encode greeting: %w", err)
	}
	sess.out <- hello

	g.mu.Lock()
	if g.shutdown {
		g.mu.Unlock()
		return nil, ErrShuttingDown
	}
	g.sessions[id] = sess
	g.mu.Unlock()

	meta := registry.Meta{Transport: transport, RemoteAddr: remoteAddr}
	<-g.dispatcher.Submit(Event{Kind: EventConnect, ConnectionID: id, Meta: meta})

	g.opts.Logger.Debug("gateway: connected", "connection_id", id, "transport", transport, "remote_addr", remoteAddr)
	g.publish(events.TopicConnectionOpened, events.ConnectionOpened{Connection: model.Connection{
		ConnectionID:  id,
		Transport:     transport,
		RemoteAddr:    remoteAddr,
		EstablishedAt: sess.established,
		LastSeenAt:    sess.established,
	}})
	return sess, nil
}

// disconnect removes the session and unregisters it. Safe to call more
// than once.
func (g *Gateway) disconnect(sess *session, reason string) {
	g.mu.Lock()
	if cur, ok := g.sessions[sess.id]; ok && cur == sess {
		delete(g.sessions, sess.id)
	}
	g.mu.Unlock()

	sess.close(reason)
	<-g.dispatcher.Submit(Event{Kind: EventDisconnect, ConnectionID: sess.id})

	reason = sess.closeReason()
	g.opts.Logger.Debug("gateway: disconnected", "connection_id", sess.id, "reason", reason)
	g.publish(events.TopicConnectionClosed, events.ConnectionClosed{ConnectionID: sess.id, Reason: reason})
}

// Push offers payload to connection id. It returns Gone, nil when the
// connection does not exist or has closed, and a *TransportError when the
// payload could not be queued within the push timeout.
func (g *Gateway) Push(ctx context.Context, id string, payload []byte) (Result, error) {
	g.mu.RLock()
	sess, ok := g.sessions[id]
	g.mu.RUnlock()
	if !ok {
		return Gone, nil
	}
	return sess.enqueue(ctx, payload, g.opts.PushTimeout)
}

// Close ends connection id. It reports whether the connection was open.
func (g *Gateway) Close(id, reason string) bool {
	g.mu.RLock()
	sess, ok := g.sessions[id]
	g.mu.RUnlock()
	if !ok {
		return false
	}
	sess.close(reason)
	return true
}

// Len returns the number of open sessions.
func (g *Gateway) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}

// Shutdown refuses new connections, closes every session and waits for the
// transport handlers to finish or ctx to end.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.shutdown = true
	open := make([]*session, 0, len(g.sessions))
	for _, s := range g.sessions {
		open = append(open, s)
	}
	g.mu.Unlock()

	for _, s := range open {
		s.close("server shutting down")
	}

	done := make(chan struct{})
	go func() {
		g.active.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	g.dispatcher.Stop()
	return err
}

func (g *Gateway) publish(topic string, event any) {
	if err := g.opts.Publisher.Publish(context.Background(), topic, event); err != nil {
		g.opts.Logger.Warn("gateway: publish lifecycle event", "topic", topic, "err", err)
	}
}
