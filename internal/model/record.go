package model

import (
	"encoding/json"
	"time"
)

// Record is a single key/value entry held by the record store.
// Version is the sequence number of the change that last wrote it.
type Record struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Version   uint64          `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
