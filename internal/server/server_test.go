package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alfredjeanlab/changefeed/internal/fanout"
	"github.com/alfredjeanlab/changefeed/internal/model"
	"github.com/alfredjeanlab/changefeed/internal/stream"
)

// startPipeline runs a log source and fan-out worker against e's store and
// gateway until the test ends.
func startPipeline(t *testing.T, e *testEnv) {
	t.Helper()
	src, err := stream.NewLogSource(context.Background(), e.st, stream.LogOptions{
		Position:     model.PositionLatest,
		PollInterval: 10 * time.Millisecond,
		Notifier:     e.st,
	})
	if err != nil {
		t.Fatalf("NewLogSource: %v", err)
	}
	w := fanout.New(src, e.reg, e.gw, fanout.Options{Backoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		src.Close()
	})
}

func dialClient(t *testing.T, e *testEnv) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/v1/connect"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if f := readJSON(t, conn); f["type"] != "connected" {
		t.Fatalf("greeting = %v", f)
	}
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return m
}

func TestPutIsDeliveredToEveryConnection(t *testing.T) {
	e := newTestEnv(t, "")
	c1 := dialClient(t, e)
	c2 := dialClient(t, e)
	startPipeline(t, e)

	if code, _ := e.do(t, http.MethodPut, "/v1/records/a", `{"v":1}`); code != http.StatusOK {
		t.Fatalf("PUT = %d", code)
	}

	for i, c := range []*websocket.Conn{c1, c2} {
		ev := readJSON(t, c)
		img, _ := ev["newImage"].(map[string]any)
		if ev["recordKey"] != "a" || ev["eventType"] != "insert" || img["v"] != float64(1) || ev["sequenceNumber"] != float64(1) {
			t.Errorf("client %d got %v", i+1, ev)
		}
	}
}

func TestWriteOverWebSocketIsBroadcast(t *testing.T) {
	e := newTestEnv(t, "")
	writer := dialClient(t, e)
	watcher := dialClient(t, e)
	startPipeline(t, e)

	if err := writer.WriteJSON(map[string]any{"action": "put", "key": "k", "value": map[string]any{"msg": "hello"}, "requestId": "1"}); err != nil {
		t.Fatal(err)
	}

	// The writer sees its ack and the change event, in either order.
	var sawAck, sawEvent bool
	for range 2 {
		f := readJSON(t, writer)
		switch {
		case f["type"] == "ack":
			sawAck = f["sequenceNumber"] == float64(1)
		case f["recordKey"] == "k":
			sawEvent = true
		}
	}
	if !sawAck || !sawEvent {
		t.Errorf("writer: ack=%v event=%v", sawAck, sawEvent)
	}

	ev := readJSON(t, watcher)
	if img, _ := ev["newImage"].(map[string]any); ev["recordKey"] != "k" || img["msg"] != "hello" {
		t.Errorf("watcher got %v", ev)
	}
}

func TestDeleteIsBroadcastWithNullImage(t *testing.T) {
	e := newTestEnv(t, "")
	if code, _ := e.do(t, http.MethodPut, "/v1/records/a", `{"v":1}`); code != http.StatusOK {
		t.Fatalf("PUT = %d", code)
	}
	c := dialClient(t, e)
	startPipeline(t, e)

	if code, _ := e.do(t, http.MethodDelete, "/v1/records/a", ""); code != http.StatusOK {
		t.Fatalf("DELETE = %d", code)
	}
	ev := readJSON(t, c)
	if ev["eventType"] != "delete" || ev["newImage"] != nil || ev["sequenceNumber"] != float64(2) {
		t.Errorf("got %v", ev)
	}
	if _, ok := ev["newImage"]; !ok {
		t.Error("newImage should be present as null")
	}
}
