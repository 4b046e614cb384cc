package stream

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/alfredjeanlab/changefeed/internal/model"
	"github.com/alfredjeanlab/changefeed/internal/store/memory"
)

// startTestJetStream starts an embedded NATS server with JetStream enabled
// and returns a JetStream handle bound to it.
func startTestJetStream(t *testing.T) jetstream.JetStream {
	t.Helper()
	opts := &natsserver.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("starting embedded NATS: %v", err)
	}
	srv.Start()
	t.Cleanup(srv.Shutdown)
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS not ready")
	}

	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connecting: %v", err)
	}
	t.Cleanup(nc.Close)

	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}
	return js
}

var testStream = StreamConfig{Name: "CHANGES_TEST", SubjectPrefix: "changes", Memory: true}

func newTestRelay(t *testing.T, st *memory.Store, js jetstream.JetStream) *Relay {
	t.Helper()
	if _, err := EnsureStream(context.Background(), js, testStream); err != nil {
		t.Fatalf("EnsureStream: %v", err)
	}
	return NewRelay(st, st, js, RelayOptions{Stream: testStream})
}

func TestRelay_PublishesAndSavesCursor(t *testing.T) {
	js := startTestJetStream(t)
	st := memory.New()
	for _, k := range []string{"a", "b", "c"} {
		put(t, st, k, `{"k":"`+k+`"}`)
	}
	ctx := context.Background()

	r := newTestRelay(t, st, js)
	next, err := r.relayOnce(ctx, 0)
	if err != nil {
		t.Fatalf("relayOnce: %v", err)
	}
	if next != 3 {
		t.Errorf("cursor = %d, want 3", next)
	}
	saved, _ := st.LoadCursor(ctx, RelayCursor)
	if saved != 3 {
		t.Errorf("saved cursor = %d, want 3", saved)
	}

	src, err := NewJetStreamSource(ctx, js, JetStreamOptions{
		Stream:   testStream,
		Position: model.PositionTrimHorizon,
	})
	if err != nil {
		t.Fatalf("NewJetStreamSource: %v", err)
	}
	defer src.Close()

	b := nextWithin(t, src, 5*time.Second)
	if got := seqs(b); len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Fatalf("batch = %v, want [1 2 3]", got)
	}
	if b.Events[0].RecordKey != "a" || b.Events[0].EventType != model.EventInsert {
		t.Errorf("first event = %+v", b.Events[0])
	}
	if err := src.Ack(ctx, b); err != nil {
		t.Fatalf("Ack: %v", err)
	}
}

func TestRelay_RepublishIsDeduplicated(t *testing.T) {
	js := startTestJetStream(t)
	st := memory.New()
	put(t, st, "a", `1`)
	put(t, st, "b", `2`)
	ctx := context.Background()

	r := newTestRelay(t, st, js)
	if _, err := r.relayOnce(ctx, 0); err != nil {
		t.Fatalf("relayOnce: %v", err)
	}
	// A crash before the cursor was saved replays from the start.
	if _, err := r.relayOnce(ctx, 0); err != nil {
		t.Fatalf("relayOnce (replay): %v", err)
	}

	s, err := js.Stream(ctx, testStream.Name)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	info, err := s.Info(ctx)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.State.Msgs != 2 {
		t.Errorf("stream holds %d messages, want 2", info.State.Msgs)
	}
}

func TestJetStreamSource_LatestSkipsHistory(t *testing.T) {
	js := startTestJetStream(t)
	st := memory.New()
	for _, k := range []string{"a", "b", "c"} {
		put(t, st, k, `{}`)
	}
	ctx := context.Background()

	// The consumer exists before the relay has published anything, the
	// same order serve starts them in.
	r := newTestRelay(t, st, js)
	src, err := NewJetStreamSource(ctx, js, JetStreamOptions{
		Stream:   testStream,
		Position: model.PositionLatest,
		Durable:  "fanout",
		Log:      st,
	})
	if err != nil {
		t.Fatalf("NewJetStreamSource: %v", err)
	}
	defer src.Close()

	cursor, err := r.relayOnce(ctx, 0)
	if err != nil {
		t.Fatalf("relayOnce: %v", err)
	}
	put(t, st, "d", `{}`)
	if _, err := r.relayOnce(ctx, cursor); err != nil {
		t.Fatalf("relayOnce: %v", err)
	}

	b := nextWithin(t, src, 5*time.Second)
	if got := seqs(b); len(got) != 1 || got[0] != 4 {
		t.Fatalf("batch = %v, want [4]", got)
	}
	if err := src.Ack(ctx, b); err != nil {
		t.Fatalf("Ack: %v", err)
	}
}

func TestJetStreamSource_LatestOnRestartSkipsDowntimeWrites(t *testing.T) {
	js := startTestJetStream(t)
	st := memory.New()
	ctx := context.Background()
	r := newTestRelay(t, st, js)

	openSource := func() *JetStreamSource {
		t.Helper()
		src, err := NewJetStreamSource(ctx, js, JetStreamOptions{
			Stream:   testStream,
			Position: model.PositionLatest,
			Durable:  "fanout",
			Log:      st,
		})
		if err != nil {
			t.Fatalf("NewJetStreamSource: %v", err)
		}
		return src
	}

	first := openSource()
	put(t, st, "a", `{}`)
	cursor, err := r.relayOnce(ctx, 0)
	if err != nil {
		t.Fatalf("relayOnce: %v", err)
	}
	b := nextWithin(t, first, 5*time.Second)
	if got := seqs(b); len(got) != 1 || got[0] != 1 {
		t.Fatalf("first batch = %v, want [1]", got)
	}
	if err := first.Ack(ctx, b); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	first.Close()

	// Written and relayed while no worker was running.
	put(t, st, "b", `{}`)
	if cursor, err = r.relayOnce(ctx, cursor); err != nil {
		t.Fatalf("relayOnce: %v", err)
	}

	second := openSource()
	defer second.Close()
	put(t, st, "c", `{}`)
	if _, err := r.relayOnce(ctx, cursor); err != nil {
		t.Fatalf("relayOnce: %v", err)
	}
	b = nextWithin(t, second, 5*time.Second)
	if got := seqs(b); len(got) != 1 || got[0] != 3 {
		t.Fatalf("batch after restart = %v, want [3]", got)
	}
}

func TestJetStreamSource_TrimHorizonIgnoresFloor(t *testing.T) {
	js := startTestJetStream(t)
	st := memory.New()
	put(t, st, "a", `{}`)
	put(t, st, "b", `{}`)
	ctx := context.Background()

	r := newTestRelay(t, st, js)
	src, err := NewJetStreamSource(ctx, js, JetStreamOptions{
		Stream:   testStream,
		Position: model.PositionTrimHorizon,
		Log:      st,
	})
	if err != nil {
		t.Fatalf("NewJetStreamSource: %v", err)
	}
	defer src.Close()
	if _, err := r.relayOnce(ctx, 0); err != nil {
		t.Fatalf("relayOnce: %v", err)
	}

	b := nextWithin(t, src, 5*time.Second)
	if got := seqs(b); len(got) != 2 || got[0] != 1 {
		t.Fatalf("batch = %v, want [1 2]", got)
	}
}

func TestJetStreamSource_UnackedIsRedelivered(t *testing.T) {
	js := startTestJetStream(t)
	st := memory.New()
	put(t, st, "a", `1`)
	ctx := context.Background()

	r := newTestRelay(t, st, js)
	if _, err := r.relayOnce(ctx, 0); err != nil {
		t.Fatalf("relayOnce: %v", err)
	}

	src, err := NewJetStreamSource(ctx, js, JetStreamOptions{
		Stream:   testStream,
		Position: model.PositionTrimHorizon,
		AckWait:  300 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewJetStreamSource: %v", err)
	}
	defer src.Close()

	first := nextWithin(t, src, 5*time.Second)
	again := nextWithin(t, src, 5*time.Second)
	if first.LastSequence() != 1 || again.LastSequence() != 1 {
		t.Fatalf("got %v then %v, want the same event twice", seqs(first), seqs(again))
	}
	if err := src.Ack(ctx, again); err != nil {
		t.Fatalf("Ack: %v", err)
	}
}

func TestRelay_RunStopsOnCancel(t *testing.T) {
	js := startTestJetStream(t)
	st := memory.New()
	r := newTestRelay(t, st, js)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	put(t, st, "a", `1`)
	deadline := time.Now().Add(5 * time.Second)
	for {
		seq, _ := st.LoadCursor(context.Background(), RelayCursor)
		if seq == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("relay never advanced its cursor")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
