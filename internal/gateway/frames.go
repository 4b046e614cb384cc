package gateway

import (
	"context"
	"encoding/json"

	"github.com/alfredjeanlab/changefeed/internal/model"
)

// Outbound frame types. Change events are pushed as their own payload and
// carry no type field.
const (
	frameConnected = "connected"
	framePong      = "pong"
	frameAck       = "ack"
	frameError     = "error"
)

// Client actions routed through the default route.
const (
	ActionPing   = "ping"
	ActionPut    = "put"
	ActionDelete = "delete"
)

type frame struct {
	Type           string `json:"type"`
	ConnectionID   string `json:"connectionId,omitempty"`
	SequenceNumber uint64 `json:"sequenceNumber,omitempty"`
	RequestID      string `json:"requestId,omitempty"`
	Error          string `json:"error,omitempty"`
}

type clientFrame struct {
	Action    string          `json:"action"`
	Key       string          `json:"key,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// handleFrame answers one inbound client frame. The reply is always
// non-nil.
func (g *Gateway) handleFrame(ctx context.Context, id string, data []byte) []byte {
	g.reg.Touch(id)

	var in clientFrame
	if err := json.Unmarshal(data, &in); err != nil {
		return encodeFrame(frame{Type: frameError, Error: "invalid frame: " + err.Error()})
	}

	reply := frame{RequestID: in.RequestID}
	switch in.Action {
	case ActionPing:
		reply.Type = framePong
	case ActionPut, ActionDelete:
		if g.opts.Writer == nil {
			reply.Type = frameError
			reply.Error = "writes are not enabled on this gateway"
			break
		}
		ev, err := g.write(ctx, in)
		if err != nil {
			reply.Type = frameError
			reply.Error = err.Error()
			break
		}
		reply.Type = frameAck
		reply.SequenceNumber = ev.SequenceNumber
	default:
		reply.Type = frameError
		reply.Error = "unknown action"
	}
	return encodeFrame(reply)
}

func (g *Gateway) write(ctx context.Context, in clientFrame) (*model.ChangeEvent, error) {
	if in.Action == ActionPut {
		return g.opts.Writer.Put(ctx, in.Key, in.Value)
	}
	return g.opts.Writer.Delete(ctx, in.Key)
}

func encodeFrame(f frame) []byte {
	data, _ := json.Marshal(f)
	return data
}
