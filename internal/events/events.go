package events

import (
	"context"
	"time"

	"github.com/alfredjeanlab/changefeed/internal/model"
)

// Event topic constants
const (
	// Connection lifecycle, published by the gateway.
	TopicConnectionOpened = "changefeed.connection.opened"
	TopicConnectionClosed = "changefeed.connection.closed"

	// Published by the fan-out worker when a push exhausts its retries.
	TopicDeliveryDropped = "changefeed.delivery.dropped"

	// Published by the record writer after each committed mutation.
	TopicRecordWritten = "changefeed.record.written"
)

// Event types

type ConnectionOpened struct {
	Connection model.Connection `json:"connection"`
}

type ConnectionClosed struct {
	ConnectionID string `json:"connection_id"`
	Reason       string `json:"reason,omitempty"`
}

type DeliveryDropped struct {
	ConnectionID   string    `json:"connection_id"`
	SequenceNumber uint64    `json:"sequence_number"`
	RecordKey      string    `json:"record_key"`
	Attempts       int       `json:"attempts"`
	Error          string    `json:"error"`
	DroppedAt      time.Time `json:"dropped_at"`
}

type RecordWritten struct {
	Event *model.ChangeEvent `json:"event"`
}

// Publisher is the interface for emitting events.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}
