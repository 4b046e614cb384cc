package client

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alfredjeanlab/changefeed/internal/model"
)

const (
	methodPut    = "/changefeed.v1.RecordService/Put"
	methodGet    = "/changefeed.v1.RecordService/Get"
	methodDelete = "/changefeed.v1.RecordService/Delete"
	methodHealth = "/changefeed.v1.RecordService/Health"
)

// GRPCClient implements RecordClient using the gRPC transport.
type GRPCClient struct {
	conn  *grpc.ClientConn
	token string
}

var _ RecordClient = (*GRPCClient)(nil)

// NewGRPCClient connects to the given gRPC address and returns a client.
// Insecure transport credentials are used unless opts supplies others.
func NewGRPCClient(addr, token string, opts ...grpc.DialOption) (*GRPCClient, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}
	return &GRPCClient{conn: conn, token: token}, nil
}

func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

func (c *GRPCClient) Put(ctx context.Context, key string, value json.RawMessage) (*model.ChangeEvent, error) {
	var v any
	if err := json.Unmarshal(value, &v); err != nil {
		return nil, fmt.Errorf("value is not valid JSON: %w", err)
	}
	req, err := structpb.NewStruct(map[string]any{"key": key, "value": v})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	var ev model.ChangeEvent
	if err := c.invoke(ctx, methodPut, req, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (c *GRPCClient) Get(ctx context.Context, key string) (*model.Record, error) {
	var rec model.Record
	if err := c.invoke(ctx, methodGet, keyRequest(key), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *GRPCClient) Delete(ctx context.Context, key string) (*model.ChangeEvent, error) {
	var ev model.ChangeEvent
	if err := c.invoke(ctx, methodDelete, keyRequest(key), &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (c *GRPCClient) Health(ctx context.Context) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.invoke(ctx, methodHealth, &emptypb.Empty{}, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

func keyRequest(key string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"key": structpb.NewStringValue(key),
	}}
}

// invoke calls method and decodes the Struct response into result through
// its compact JSON form, so responses share the model types used by HTTPClient.
func (c *GRPCClient) invoke(ctx context.Context, method string, req proto.Message, result any) error {
	if c.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, req, out); err != nil {
		return err
	}
	data, err := json.Marshal(out.AsMap())
	if err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if err := json.Unmarshal(data, result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func isGRPCNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}
