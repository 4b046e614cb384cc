package model

import (
	"bytes"
	"encoding/json"
	"time"
)

// EventType classifies the mutation a ChangeEvent describes.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// String returns the string representation of the event type.
func (t EventType) String() string {
	return string(t)
}

// IsValid checks whether the event type is a known value.
func (t EventType) IsValid() bool {
	switch t {
	case EventInsert, EventUpdate, EventDelete:
		return true
	}
	return false
}

// ChangeEvent is one immutable entry in the change log. NewImage is nil for
// deletes. Sequence numbers are global and strictly increasing.
type ChangeEvent struct {
	RecordKey      string          `json:"recordKey"`
	EventType      EventType       `json:"eventType"`
	NewImage       json.RawMessage `json:"newImage"`
	SequenceNumber uint64          `json:"sequenceNumber"`
	CreatedAt      time.Time       `json:"-"`
}

// wireEvent is the push payload shape. newImage is always present and is
// JSON null for deletes.
type wireEvent struct {
	RecordKey      string          `json:"recordKey"`
	EventType      EventType       `json:"eventType"`
	NewImage       json.RawMessage `json:"newImage"`
	SequenceNumber uint64          `json:"sequenceNumber"`
}

var jsonNull = json.RawMessage("null")

// MarshalJSON encodes the event as the outbound push payload.
func (e ChangeEvent) MarshalJSON() ([]byte, error) {
	img := e.NewImage
	if len(bytes.TrimSpace(img)) == 0 {
		img = jsonNull
	}
	return json.Marshal(wireEvent{
		RecordKey:      e.RecordKey,
		EventType:      e.EventType,
		NewImage:       img,
		SequenceNumber: e.SequenceNumber,
	})
}

// UnmarshalJSON decodes a push payload. A null newImage becomes nil.
func (e *ChangeEvent) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.RecordKey = w.RecordKey
	e.EventType = w.EventType
	e.SequenceNumber = w.SequenceNumber
	e.NewImage = nil
	if len(w.NewImage) > 0 && !bytes.Equal(bytes.TrimSpace(w.NewImage), jsonNull) {
		e.NewImage = w.NewImage
	}
	return nil
}

// StartingPosition selects where a change stream consumer begins reading.
type StartingPosition string

const (
	// PositionLatest skips everything written before the consumer started.
	PositionLatest StartingPosition = "latest"
	// PositionTrimHorizon starts from the oldest retained change.
	PositionTrimHorizon StartingPosition = "trim_horizon"
)

// IsValid checks whether the starting position is a known value.
func (p StartingPosition) IsValid() bool {
	switch p {
	case PositionLatest, PositionTrimHorizon:
		return true
	}
	return false
}
