package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alfredjeanlab/changefeed/internal/model"
)

// ErrQueueFull is wrapped in a TransportError when a session's outbound
// queue stays full for the whole push timeout.
var ErrQueueFull = errors.New("outbound queue full")

// Result is the outcome of a push that did not fail at the transport.
type Result int

const (
	// Delivered means the payload was accepted for sending.
	Delivered Result = iota
	// Gone means the connection no longer exists. It is not an error.
	Gone
)

func (r Result) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case Gone:
		return "gone"
	}
	return "unknown"
}

// TransportError is a retryable push failure.
type TransportError struct {
	ConnectionID string
	Err          error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure pushing to %s: %v", e.ConnectionID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransportError reports whether err is a retryable push failure.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// session is one open connection's outbound side. A transport goroutine
// drains out; close stops it.
type session struct {
	id          string
	transport   model.Transport
	remoteAddr  string
	established time.Time

	out  chan []byte
	done chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	reason    string
}

func newSession(id string, transport model.Transport, remoteAddr string, queue int) *session {
	return &session{
		id:          id,
		transport:   transport,
		remoteAddr:  remoteAddr,
		established: time.Now(),
		out:         make(chan []byte, queue),
		done:        make(chan struct{}),
	}
}

// enqueue offers payload to the session, waiting at most timeout. A session
// that is closed when enqueue returns always reports Gone, even if the send
// raced the close and won.
func (s *session) enqueue(ctx context.Context, payload []byte, timeout time.Duration) (Result, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()

	var err error
	select {
	case s.out <- payload:
	case <-s.done:
	case <-ctx.Done():
		err = &TransportError{ConnectionID: s.id, Err: ctx.Err()}
	case <-t.C:
		err = &TransportError{ConnectionID: s.id, Err: ErrQueueFull}
	}
	if s.closed() {
		return Gone, nil
	}
	return Delivered, err
}

func (s *session) close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *session) closeReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
