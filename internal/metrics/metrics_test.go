package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector_Records(t *testing.T) {
	c := NewCollector()

	c.Push(PushDelivered)
	c.Push(PushDelivered)
	c.Push(PushDropped)
	c.Lag(42)
	c.Connections(3)
	c.Write("insert")

	if got := testutil.ToFloat64(c.pushes.WithLabelValues(PushDelivered)); got != 2 {
		t.Errorf("delivered = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.pushes.WithLabelValues(PushDropped)); got != 1 {
		t.Errorf("dropped = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.consumerLag); got != 42 {
		t.Errorf("lag = %v, want 42", got)
	}
	if got := testutil.ToFloat64(c.activeConnections); got != 3 {
		t.Errorf("connections = %v, want 3", got)
	}
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	c.Push(PushGone)
	c.Batch(1, 0.1)
	c.Lag(1)
	c.Connections(1)
	c.Write("delete")
}

func TestHandler_Exposition(t *testing.T) {
	c := NewCollector()
	reg, err := NewRegistry(c)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	c.Push(PushGone)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `changefeed_pushes_total{result="gone"} 1`) {
		t.Errorf("expected push counter in exposition, got:\n%s", body)
	}
}
