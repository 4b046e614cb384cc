package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alfredjeanlab/changefeed/internal/events"
	"github.com/alfredjeanlab/changefeed/internal/gateway"
	"github.com/alfredjeanlab/changefeed/internal/metrics"
	"github.com/alfredjeanlab/changefeed/internal/registry"
	"github.com/alfredjeanlab/changefeed/internal/store/memory"
)

type testEnv struct {
	srv     *httptest.Server
	st      *memory.Store
	records *Records
	gw      *gateway.Gateway
	reg     *registry.Registry
	pub     *events.MemoryPublisher
}

func newTestEnv(t *testing.T, authToken string) *testEnv {
	t.Helper()
	st := memory.New()
	pub := &events.MemoryPublisher{}
	collector := metrics.NewCollector()
	promReg, err := metrics.NewRegistry(collector)
	if err != nil {
		t.Fatalf("metrics registry: %v", err)
	}

	records := NewRecords(st, pub, collector, nil)
	reg := registry.New()
	gw := gateway.New(reg, gateway.Options{Writer: records})
	s := New(records, gw, Options{MetricsHandler: metrics.Handler(promReg)})
	srv := httptest.NewServer(s.NewHTTPHandler(authToken))

	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	return &testEnv{srv: srv, st: st, records: records, gw: gw, reg: reg, pub: pub}
}

// do sends a request and decodes a JSON response body into a map.
func (e *testEnv) do(t *testing.T, method, path, body string, header ...string) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	if len(bytes.TrimSpace(raw)) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s %s: %v: %s", method, path, err, raw)
		}
	}
	return resp.StatusCode, out
}

func TestRecordLifecycle(t *testing.T) {
	e := newTestEnv(t, "")

	code, ev := e.do(t, http.MethodPut, "/v1/records/user/1", `{"v":1}`)
	if code != http.StatusOK || ev["eventType"] != "insert" || ev["sequenceNumber"] != float64(1) || ev["recordKey"] != "user/1" {
		t.Fatalf("first PUT = %d %v", code, ev)
	}

	code, ev = e.do(t, http.MethodPut, "/v1/records/user/1", `{"v":2}`)
	if code != http.StatusOK || ev["eventType"] != "update" || ev["sequenceNumber"] != float64(2) {
		t.Fatalf("second PUT = %d %v", code, ev)
	}

	code, rec := e.do(t, http.MethodGet, "/v1/records/user/1", "")
	if code != http.StatusOK {
		t.Fatalf("GET = %d %v", code, rec)
	}
	if v, _ := rec["value"].(map[string]any); v["v"] != float64(2) || rec["version"] != float64(2) {
		t.Errorf("record = %v", rec)
	}

	code, ev = e.do(t, http.MethodDelete, "/v1/records/user/1", "")
	if code != http.StatusOK || ev["eventType"] != "delete" || ev["newImage"] != nil || ev["sequenceNumber"] != float64(3) {
		t.Fatalf("DELETE = %d %v", code, ev)
	}

	if code, _ := e.do(t, http.MethodGet, "/v1/records/user/1", ""); code != http.StatusNotFound {
		t.Errorf("GET after delete = %d, want 404", code)
	}
	if code, _ := e.do(t, http.MethodDelete, "/v1/records/user/1", ""); code != http.StatusNotFound {
		t.Errorf("second DELETE = %d, want 404", code)
	}
	if latest, _ := e.st.LatestSequence(context.Background()); latest != 3 {
		t.Errorf("latest sequence = %d, want 3 (missing delete appends nothing)", latest)
	}

	written := e.pub.Topic(events.TopicRecordWritten)
	if len(written) != 3 {
		t.Fatalf("record.written events = %d, want 3", len(written))
	}
	if got := written[2].(events.RecordWritten).Event.SequenceNumber; got != 3 {
		t.Errorf("last written seq = %d", got)
	}
}

func TestPutRejectsBadInput(t *testing.T) {
	e := newTestEnv(t, "")
	for _, tc := range []struct {
		name, path, body string
	}{
		{"InvalidJSON", "/v1/records/a", `{"v":`},
		{"EmptyBody", "/v1/records/a", ``},
		{"EmptyKey", "/v1/records/", `{}`},
		{"LongKey", "/v1/records/" + strings.Repeat("k", 1025), `{}`},
		{"NullValue", "/v1/records/a", `null`},
		{"ScalarValue", "/v1/records/a", `5`},
		{"StringValue", "/v1/records/a", `"s"`},
		{"ArrayValue", "/v1/records/a", `[1]`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			code, body := e.do(t, http.MethodPut, tc.path, tc.body)
			if code != http.StatusBadRequest {
				t.Fatalf("code = %d, want 400 (%v)", code, body)
			}
			if body["error"] == "" {
				t.Error("missing error message")
			}
		})
	}
	if latest, _ := e.st.LatestSequence(context.Background()); latest != 0 {
		t.Errorf("rejected writes appended events: latest = %d", latest)
	}
}

func TestListRecordsAndChanges(t *testing.T) {
	e := newTestEnv(t, "")
	for _, k := range []string{"user/2", "user/1", "order/1"} {
		if code, _ := e.do(t, http.MethodPut, "/v1/records/"+k, `{}`); code != http.StatusOK {
			t.Fatalf("PUT %s = %d", k, code)
		}
	}

	code, body := e.do(t, http.MethodGet, "/v1/records?prefix=user/", "")
	if code != http.StatusOK {
		t.Fatalf("list = %d", code)
	}
	recs := body["records"].([]any)
	if len(recs) != 2 || recs[0].(map[string]any)["key"] != "user/1" {
		t.Errorf("records = %v", recs)
	}

	code, body = e.do(t, http.MethodGet, "/v1/changes?after=1&limit=1", "")
	if code != http.StatusOK {
		t.Fatalf("changes = %d", code)
	}
	evs := body["events"].([]any)
	if len(evs) != 1 || evs[0].(map[string]any)["sequenceNumber"] != float64(2) || body["latest"] != float64(3) {
		t.Errorf("changes = %v", body)
	}

	for _, path := range []string{"/v1/changes?after=x", "/v1/changes?limit=-1", "/v1/records?limit=many"} {
		if code, _ := e.do(t, http.MethodGet, path, ""); code != http.StatusBadRequest {
			t.Errorf("GET %s = %d, want 400", path, code)
		}
	}
}

func TestStoreUnavailable(t *testing.T) {
	e := newTestEnv(t, "")
	e.st.SetFailure(errors.New("connection refused"))

	if code, _ := e.do(t, http.MethodPut, "/v1/records/a", `{"v":1}`); code != http.StatusServiceUnavailable {
		t.Errorf("PUT = %d, want 503", code)
	}
	if code, body := e.do(t, http.MethodGet, "/v1/health", ""); code != http.StatusServiceUnavailable || body["status"] != "unavailable" {
		t.Errorf("health = %d %v", code, body)
	}

	e.st.SetFailure(nil)
	if code, body := e.do(t, http.MethodGet, "/v1/health", ""); code != http.StatusOK || body["status"] != "ok" {
		t.Errorf("health after recovery = %d %v", code, body)
	}
}

func TestAuth(t *testing.T) {
	e := newTestEnv(t, "secret")

	if code, _ := e.do(t, http.MethodGet, "/v1/records", ""); code != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", code)
	}
	if code, _ := e.do(t, http.MethodGet, "/v1/records", "", "Authorization", "Bearer secret"); code != http.StatusOK {
		t.Errorf("with token = %d, want 200", code)
	}
	if code, _ := e.do(t, http.MethodGet, "/v1/health", ""); code != http.StatusOK {
		t.Errorf("health = %d, want 200", code)
	}

	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/v1/connect"
	if _, resp, err := websocket.DefaultDialer.Dial(url, nil); err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated dial should be rejected with 401")
	}
	conn, _, err := websocket.DefaultDialer.Dial(url+"?token=secret", nil)
	if err != nil {
		t.Fatalf("dial with query token: %v", err)
	}
	conn.Close()
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t, "")
	e.do(t, http.MethodPut, "/v1/records/a", `{"v":1}`)

	resp, err := http.Get(e.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `changefeed_writes_total{event_type="insert"} 1`) {
		t.Errorf("metrics output missing write counter:\n%s", body)
	}
}

func TestConnectionsEndpoints(t *testing.T) {
	e := newTestEnv(t, "")

	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/v1/connect"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	var hello struct {
		Type         string `json:"type"`
		ConnectionID string `json:"connectionId"`
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != "connected" {
		t.Fatalf("greeting = %+v, %v", hello, err)
	}

	code, body := e.do(t, http.MethodGet, "/v1/connections", "")
	conns := body["connections"].([]any)
	if code != http.StatusOK || len(conns) != 1 || conns[0].(map[string]any)["connection_id"] != hello.ConnectionID {
		t.Fatalf("connections = %d %v", code, body)
	}

	if code, _ := e.do(t, http.MethodDelete, "/v1/connections/not-an-id", ""); code != http.StatusBadRequest {
		t.Errorf("malformed id = %d, want 400", code)
	}
	if code, _ := e.do(t, http.MethodDelete, "/v1/connections/conn-AAAAAAAAAAAAAAAA", ""); code != http.StatusNotFound {
		t.Errorf("unknown id = %d, want 404", code)
	}
	if code, _ := e.do(t, http.MethodDelete, "/v1/connections/"+hello.ConnectionID, ""); code != http.StatusNoContent {
		t.Errorf("close = %d, want 204", code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for e.reg.Contains(hello.ConnectionID) {
		if time.Now().After(deadline) {
			t.Fatal("connection still registered after close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRecordKeyEscaping(t *testing.T) {
	e := newTestEnv(t, "")

	// %2C forces a raw path; %20 does not.
	for _, tc := range []struct {
		path string
		key  string
	}{
		{"/v1/records/tags/a%2Cb", "tags/a,b"},
		{"/v1/records/with%20space", "with space"},
	} {
		code, ev := e.do(t, http.MethodPut, tc.path, `{}`)
		if code != http.StatusOK || ev["recordKey"] != tc.key {
			t.Errorf("PUT %s = %d %v, want key %q", tc.path, code, ev, tc.key)
		}
		if _, err := e.st.Get(context.Background(), tc.key); err != nil {
			t.Errorf("stored key %q: %v", tc.key, err)
		}
	}
}
