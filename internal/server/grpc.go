package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alfredjeanlab/changefeed/internal/model"
	"github.com/alfredjeanlab/changefeed/internal/store"
)

// RecordService method names. Requests and responses are well-known
// protobuf types, so clients need no generated code:
//
//	Put    {key, value} -> change event
//	Get    {key}        -> record
//	Delete {key}        -> change event
//	Health Empty        -> {status}
const (
	RecordServiceName = "changefeed.v1.RecordService"

	MethodPut    = "/" + RecordServiceName + "/Put"
	MethodGet    = "/" + RecordServiceName + "/Get"
	MethodDelete = "/" + RecordServiceName + "/Delete"
	MethodHealth = "/" + RecordServiceName + "/Health"
)

// RecordServiceServer is the server API for changefeed.v1.RecordService.
type RecordServiceServer interface {
	Put(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Get(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Delete(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Health(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

var recordServiceDesc = grpc.ServiceDesc{
	ServiceName: RecordServiceName,
	HandlerType: (*RecordServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Put", Handler: unaryHandler(MethodPut, newStruct, RecordServiceServer.Put)},
		{MethodName: "Get", Handler: unaryHandler(MethodGet, newStruct, RecordServiceServer.Get)},
		{MethodName: "Delete", Handler: unaryHandler(MethodDelete, newStruct, RecordServiceServer.Delete)},
		{MethodName: "Health", Handler: unaryHandler(MethodHealth, newEmpty, RecordServiceServer.Health)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "changefeed/v1/records.proto",
}

func newStruct() *structpb.Struct { return new(structpb.Struct) }
func newEmpty() *emptypb.Empty    { return new(emptypb.Empty) }

// unaryHandler adapts a RecordServiceServer method to grpc.MethodHandler.
func unaryHandler[Req proto.Message](
	fullMethod string,
	newReq func() Req,
	call func(RecordServiceServer, context.Context, Req) (*structpb.Struct, error),
) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := newReq()
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RecordServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(RecordServiceServer), ctx, req.(Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// NewGRPCServer creates a gRPC server with standard interceptors and
// registers the RecordService backed by records.
func NewGRPCServer(records *Records, authToken string) *grpc.Server {
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			RecoveryInterceptor,
			LoggingInterceptor,
			AuthInterceptor(authToken),
		),
	)
	srv.RegisterService(&recordServiceDesc, &grpcRecords{records: records})
	return srv
}

// grpcRecords implements RecordServiceServer over Records.
type grpcRecords struct {
	records *Records
}

var _ RecordServiceServer = (*grpcRecords)(nil)

func (g *grpcRecords) Put(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	key := req.GetFields()["key"].GetStringValue()
	v, ok := req.GetFields()["value"]
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "value is required")
	}
	value, err := json.Marshal(v.AsInterface())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "value: %v", err)
	}
	ev, err := g.records.Put(ctx, key, value)
	if err != nil {
		return nil, grpcError(err)
	}
	return eventToStruct(ev)
}

func (g *grpcRecords) Get(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	rec, err := g.records.Get(ctx, req.GetFields()["key"].GetStringValue())
	if err != nil {
		return nil, grpcError(err)
	}
	return recordToStruct(rec)
}

func (g *grpcRecords) Delete(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ev, err := g.records.Delete(ctx, req.GetFields()["key"].GetStringValue())
	if err != nil {
		return nil, grpcError(err)
	}
	return eventToStruct(ev)
}

func (g *grpcRecords) Health(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if err := g.records.Ping(ctx); err != nil {
		return nil, grpcError(err)
	}
	return structpb.NewStruct(map[string]any{"status": "ok"})
}

// grpcError maps record errors to gRPC status codes.
func grpcError(err error) error {
	switch {
	case isInputError(err):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, store.ErrNotFound):
		return status.Error(codes.NotFound, "record not found")
	case store.IsUnavailable(err):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// eventToStruct converts a change event to its wire shape.
func eventToStruct(ev *model.ChangeEvent) (*structpb.Struct, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode event: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode event: %v", err)
	}
	return toStruct(m)
}

func recordToStruct(rec *model.Record) (*structpb.Struct, error) {
	var value any
	if err := json.Unmarshal(rec.Value, &value); err != nil {
		return nil, status.Errorf(codes.Internal, "decode value of %q: %v", rec.Key, err)
	}
	return toStruct(map[string]any{
		"key":        rec.Key,
		"value":      value,
		"version":    rec.Version,
		"created_at": rec.CreatedAt.Format(time.RFC3339Nano),
		"updated_at": rec.UpdatedAt.Format(time.RFC3339Nano),
	})
}

func toStruct(m map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}
