package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/alfredjeanlab/changefeed/internal/model"
)

// ServeSSE handles GET /v1/events/stream: a push-only connection that
// receives the same payloads as WebSocket clients, one per data line.
func (g *Gateway) ServeSSE(w http.ResponseWriter, r *http.Request) {
	g.active.Add(1)
	defer g.active.Done()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	sess, err := g.connect(model.TransportSSE, r.RemoteAddr)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering.
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	reason := g.sseLoop(w, flusher, r, sess)
	g.disconnect(sess, reason)
}

func (g *Gateway) sseLoop(w http.ResponseWriter, flusher http.Flusher, r *http.Request, sess *session) string {
	keepalive := time.NewTicker(g.opts.SSEKeepalive)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return "client closed"
		case <-sess.done:
			return sess.closeReason()
		case msg := <-sess.out:
			if _, err := fmt.Fprintf(w, "data:%s\n\n", msg); err != nil {
				sess.close("write failed")
				return "write failed"
			}
			flusher.Flush()
			g.reg.Touch(sess.id)
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ":keepalive\n\n"); err != nil {
				sess.close("write failed")
				return "write failed"
			}
			flusher.Flush()
		}
	}
}
