package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/alfredjeanlab/changefeed/internal/model"
)

// Watcher receives change events over a WebSocket connection to
// /v1/connect.
type Watcher struct {
	conn *websocket.Conn

	// ConnectionID is the id the server assigned at connect time.
	ConnectionID string
}

type controlFrame struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
	Error        string `json:"error"`
}

// Watch opens a WebSocket connection and waits for the connect greeting.
func (c *HTTPClient) Watch(ctx context.Context) (*Watcher, error) {
	u, err := url.Parse(c.baseURL + "/v1/connect")
	if err != nil {
		return nil, fmt.Errorf("parsing url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(err.Error())}
		}
		return nil, fmt.Errorf("dialing %s: %w", u.Redacted(), err)
	}

	w := &Watcher{conn: conn}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var hello controlFrame
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading greeting: %w", err)
	}
	if hello.Type != "connected" || hello.ConnectionID == "" {
		conn.Close()
		return nil, fmt.Errorf("unexpected greeting %q", hello.Type)
	}
	w.ConnectionID = hello.ConnectionID
	return w, nil
}

// Next blocks until the next change event arrives. Control frames are
// skipped. Cancelling ctx closes the watcher.
func (w *Watcher) Next(ctx context.Context) (*model.ChangeEvent, error) {
	stop := context.AfterFunc(ctx, func() { w.conn.Close() })
	defer stop()

	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}

		var ctl controlFrame
		if err := json.Unmarshal(data, &ctl); err != nil {
			return nil, fmt.Errorf("decoding frame: %w", err)
		}
		if ctl.Type != "" {
			continue
		}

		var ev model.ChangeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decoding event: %w", err)
		}
		return &ev, nil
	}
}

// Close sends a normal close frame and closes the connection.
func (w *Watcher) Close() error {
	_ = w.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return w.conn.Close()
}
