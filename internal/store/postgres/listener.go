package postgres

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/alfredjeanlab/changefeed/internal/store"
)

// Listener turns LISTEN/NOTIFY on NotifyChannel into coalesced wake-ups for
// log tailers. It implements store.Notifier.
type Listener struct {
	listener *pq.Listener
	logger   *slog.Logger

	mu   sync.Mutex
	subs map[chan struct{}]struct{}

	done chan struct{}
	wg   sync.WaitGroup
}

var _ store.Notifier = (*Listener)(nil)

// NewListener connects a pq.Listener to databaseURL and starts forwarding
// notifications.
func NewListener(databaseURL string, logger *slog.Logger) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Listener{
		logger: logger,
		subs:   make(map[chan struct{}]struct{}),
		done:   make(chan struct{}),
	}
	l.listener = pq.NewListener(databaseURL, time.Second, time.Minute, l.eventCallback)
	if err := l.listener.Listen(NotifyChannel); err != nil {
		l.listener.Close()
		return nil, fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}

	l.wg.Add(1)
	go l.loop()
	return l, nil
}

func (l *Listener) eventCallback(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected:
		l.logger.Warn("postgres listener: disconnected", "err", err)
	case pq.ListenerEventReconnected:
		// Notifications sent while disconnected are lost; wake tailers so
		// they re-read the log.
		l.logger.Info("postgres listener: reconnected")
		l.broadcast()
	case pq.ListenerEventConnectionAttemptFailed:
		l.logger.Warn("postgres listener: connection attempt failed", "err", err)
	}
}

func (l *Listener) loop() {
	defer l.wg.Done()
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-l.listener.Notify:
			l.broadcast()
		case <-ping.C:
			if err := l.listener.Ping(); err != nil {
				l.logger.Warn("postgres listener: ping failed", "err", err)
			}
		}
	}
}

func (l *Listener) broadcast() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ch := range l.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// NotifyChanges returns a channel signalled after each committed append.
func (l *Listener) NotifyChanges() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	l.mu.Lock()
	l.subs[ch] = struct{}{}
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, ch)
			l.mu.Unlock()
		})
	}
}

// Close stops the forwarding loop and closes the listener connection.
func (l *Listener) Close() error {
	close(l.done)
	l.wg.Wait()
	return l.listener.Close()
}
