package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alfredjeanlab/changefeed/internal/model"
)

// ServeWebSocket handles GET /v1/connect. The upgrade is the connect route;
// every inbound text frame goes to the default route; the socket closing is
// the disconnect route.
func (g *Gateway) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	g.active.Add(1)
	defer g.active.Done()

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		g.opts.Logger.Debug("gateway: websocket upgrade failed", "remote_addr", r.RemoteAddr, "err", err)
		return
	}

	sess, err := g.connect(model.TransportWebSocket, r.RemoteAddr)
	if err != nil {
		g.opts.Logger.Warn("gateway: connect failed", "remote_addr", r.RemoteAddr, "err", err)
		deadline := time.Now().Add(g.opts.WriteWait)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()), deadline)
		conn.Close()
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		g.writeLoop(conn, sess)
	}()

	reason := g.readLoop(r.Context(), conn, sess)
	g.disconnect(sess, reason)
	<-writerDone
}

// readLoop routes inbound frames until the socket fails. Replies go through
// the session queue so the writer goroutine stays the only writer.
func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, sess *session) string {
	conn.SetReadLimit(g.opts.MaxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(g.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		g.reg.Touch(sess.id)
		return conn.SetReadDeadline(time.Now().Add(g.opts.PongWait))
	})

	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			if sess.closed() {
				return sess.closeReason()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "client closed"
			}
			g.opts.Logger.Debug("gateway: websocket read", "connection_id", sess.id, "err", err)
			return "read failed"
		}
		_ = conn.SetReadDeadline(time.Now().Add(g.opts.PongWait))
		if typ != websocket.TextMessage {
			continue
		}

		reply := g.handleFrame(ctx, sess.id, data)
		if _, err := sess.enqueue(ctx, reply, g.opts.PushTimeout); err != nil {
			g.opts.Logger.Debug("gateway: reply dropped", "connection_id", sess.id, "err", err)
		}
	}
}

// writeLoop drains the session queue and keeps the socket alive with pings.
// It owns closing the socket.
func (g *Gateway) writeLoop(conn *websocket.Conn, sess *session) {
	ticker := time.NewTicker(g.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg := <-sess.out:
			_ = conn.SetWriteDeadline(time.Now().Add(g.opts.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				g.opts.Logger.Debug("gateway: websocket write", "connection_id", sess.id, "err", err)
				sess.close("write failed")
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(g.opts.WriteWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				// Expected when the other end goes away.
				g.opts.Logger.Debug("gateway: websocket ping", "connection_id", sess.id, "err", err)
				sess.close("ping failed")
				return
			}
		case <-sess.done:
			deadline := time.Now().Add(g.opts.WriteWait)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, sess.closeReason()), deadline)
			return
		}
	}
}
