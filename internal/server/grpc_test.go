package server

import (
	"context"
	"errors"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alfredjeanlab/changefeed/internal/store/memory"
)

func newGRPCTestConn(t *testing.T, authToken string) (*grpc.ClientConn, *memory.Store) {
	t.Helper()
	st := memory.New()
	srv := NewGRPCServer(NewRecords(st, nil, nil, nil), authToken)

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, st
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestGRPCRecordService(t *testing.T) {
	conn, _ := newGRPCTestConn(t, "")
	ctx := context.Background()

	out := new(structpb.Struct)
	err := conn.Invoke(ctx, MethodPut, mustStruct(t, map[string]any{
		"key":   "a",
		"value": map[string]any{"v": 1},
	}), out)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	ev := out.AsMap()
	if ev["eventType"] != "insert" || ev["sequenceNumber"] != float64(1) || ev["recordKey"] != "a" {
		t.Errorf("Put = %v", ev)
	}

	out = new(structpb.Struct)
	if err := conn.Invoke(ctx, MethodGet, mustStruct(t, map[string]any{"key": "a"}), out); err != nil {
		t.Fatalf("Get: %v", err)
	}
	rec := out.AsMap()
	if v, _ := rec["value"].(map[string]any); v["v"] != float64(1) || rec["version"] != float64(1) {
		t.Errorf("Get = %v", rec)
	}

	out = new(structpb.Struct)
	if err := conn.Invoke(ctx, MethodDelete, mustStruct(t, map[string]any{"key": "a"}), out); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ev := out.AsMap(); ev["eventType"] != "delete" || ev["newImage"] != nil {
		t.Errorf("Delete = %v", ev)
	}

	err = conn.Invoke(ctx, MethodGet, mustStruct(t, map[string]any{"key": "a"}), new(structpb.Struct))
	if status.Code(err) != codes.NotFound {
		t.Errorf("Get after delete = %v, want NotFound", err)
	}
}

func TestGRPCErrorCodes(t *testing.T) {
	conn, st := newGRPCTestConn(t, "")
	ctx := context.Background()

	err := conn.Invoke(ctx, MethodPut, mustStruct(t, map[string]any{"key": "", "value": 1}), new(structpb.Struct))
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("empty key = %v, want InvalidArgument", err)
	}
	err = conn.Invoke(ctx, MethodPut, mustStruct(t, map[string]any{"key": "a"}), new(structpb.Struct))
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("missing value = %v, want InvalidArgument", err)
	}
	for _, v := range []any{nil, 5, "s", []any{1}} {
		err = conn.Invoke(ctx, MethodPut, mustStruct(t, map[string]any{"key": "a", "value": v}), new(structpb.Struct))
		if status.Code(err) != codes.InvalidArgument {
			t.Errorf("value %v = %v, want InvalidArgument", v, err)
		}
	}
	if latest, _ := st.LatestSequence(ctx); latest != 0 {
		t.Errorf("rejected puts appended events: latest = %d", latest)
	}

	st.SetFailure(errors.New("down"))
	err = conn.Invoke(ctx, MethodHealth, &emptypb.Empty{}, new(structpb.Struct))
	if status.Code(err) != codes.Unavailable {
		t.Errorf("Health with failing store = %v, want Unavailable", err)
	}
}

func TestGRPCAuth(t *testing.T) {
	conn, _ := newGRPCTestConn(t, "secret")
	ctx := context.Background()

	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, MethodHealth, &emptypb.Empty{}, out); err != nil {
		t.Fatalf("Health should be exempt: %v", err)
	}
	if out.AsMap()["status"] != "ok" {
		t.Errorf("Health = %v", out.AsMap())
	}

	req := mustStruct(t, map[string]any{"key": "a", "value": map[string]any{"ok": true}})
	if err := conn.Invoke(ctx, MethodPut, req, new(structpb.Struct)); status.Code(err) != codes.Unauthenticated {
		t.Errorf("Put without token = %v, want Unauthenticated", err)
	}
	authed := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer secret")
	if err := conn.Invoke(authed, MethodPut, req, new(structpb.Struct)); err != nil {
		t.Errorf("Put with token: %v", err)
	}
}
