// Package registry keeps the set of open gateway connections.
//
// The Registry is the only owner of connection membership. The gateway
// dispatches connect and disconnect events into it, and the fan-out worker
// reads a snapshot at the start of every batch. Snapshots are copies taken
// under the read lock, so a concurrent register or unregister is either
// fully visible or not at all.
package registry

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alfredjeanlab/changefeed/internal/model"
)

// Meta is descriptive information recorded alongside a connection id.
type Meta struct {
	Transport  model.Transport
	RemoteAddr string
}

// ReaperConfig configures the background stale-connection reaper.
type ReaperConfig struct {
	// StaleThreshold is how long a connection may go unseen before it is
	// reported stale. Default: 10 minutes.
	StaleThreshold time.Duration

	// SweepInterval is how often the reaper scans. Default: 30 seconds.
	SweepInterval time.Duration

	// OnStale is called for each connection found stale, outside the lock.
	// The callback decides whether to close it; the reaper does not
	// unregister on its own.
	OnStale func(id string)
}

// Registry is a concurrency-safe keyed set of open connections.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*connState

	reaperStop chan struct{}
	reaperDone chan struct{}
}

type connState struct {
	meta          Meta
	establishedAt time.Time
	lastSeen      time.Time
	stale         bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{conns: make(map[string]*connState)}
}

// Register adds id to the set. Registering an id that is already present is
// a no-op and keeps its original establishment time. It reports whether the
// id was newly added.
func (r *Registry) Register(id string, meta Meta) bool {
	if id == "" {
		return false
	}
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; ok {
		return false
	}
	r.conns[id] = &connState{meta: meta, establishedAt: now, lastSeen: now}
	return true
}

// Unregister removes id. Removing an absent id is a no-op. It reports
// whether the id was present.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; !ok {
		return false
	}
	delete(r.conns, id)
	return true
}

// Touch marks id as seen now.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.conns[id]; ok {
		st.lastSeen = time.Now()
		st.stale = false
	}
}

// Contains reports whether id is registered.
func (r *Registry) Contains(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[id]
	return ok
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// ListActive returns a sorted snapshot of registered connection ids.
func (r *Registry) ListActive() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Entries returns a snapshot of all connections, most recently established
// first.
func (r *Registry) Entries() []model.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	out := make([]model.Connection, 0, len(r.conns))
	for id, st := range r.conns {
		out = append(out, model.Connection{
			ConnectionID:  id,
			Transport:     st.meta.Transport,
			RemoteAddr:    st.meta.RemoteAddr,
			EstablishedAt: st.establishedAt,
			LastSeenAt:    st.lastSeen,
			IdleSecs:      now.Sub(st.lastSeen).Seconds(),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].EstablishedAt.Equal(out[j].EstablishedAt) {
			return out[i].ConnectionID < out[j].ConnectionID
		}
		return out[i].EstablishedAt.After(out[j].EstablishedAt)
	})
	return out
}

// StartReaper launches a background goroutine that periodically reports
// stale connections. Call Stop() to shut it down.
func (r *Registry) StartReaper(cfg *ReaperConfig) {
	if cfg == nil {
		cfg = &ReaperConfig{}
	}
	if cfg.StaleThreshold == 0 {
		cfg.StaleThreshold = 10 * time.Minute
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 30 * time.Second
	}

	r.reaperStop = make(chan struct{})
	r.reaperDone = make(chan struct{})

	go r.reapLoop(cfg)
	slog.Info("registry: reaper started",
		"stale_threshold", cfg.StaleThreshold,
		"sweep_interval", cfg.SweepInterval)
}

// Stop shuts down the reaper goroutine.
func (r *Registry) Stop() {
	if r.reaperStop != nil {
		close(r.reaperStop)
		<-r.reaperDone
		r.reaperStop = nil
		r.reaperDone = nil
	}
}

func (r *Registry) reapLoop(cfg *ReaperConfig) {
	defer close(r.reaperDone)

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.reaperStop:
			return
		case <-ticker.C:
			r.sweep(cfg)
		}
	}
}

// sweep reports each connection once per stale period; Touch re-arms it.
func (r *Registry) sweep(cfg *ReaperConfig) []string {
	now := time.Now()
	var stale []string

	r.mu.Lock()
	for id, st := range r.conns {
		if st.stale {
			continue
		}
		if now.Sub(st.lastSeen) > cfg.StaleThreshold {
			st.stale = true
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	sort.Strings(stale)
	for _, id := range stale {
		slog.Info("registry: connection stale",
			"connection_id", id,
			"threshold", cfg.StaleThreshold)
		if cfg.OnStale != nil {
			cfg.OnStale(id)
		}
	}
	return stale
}
