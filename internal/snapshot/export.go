package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/alfredjeanlab/changefeed/internal/model"
)

// RecordSource is the part of the store a snapshot reads.
type RecordSource interface {
	List(ctx context.Context, prefix string, limit int) ([]*model.Record, error)
	LatestSequence(ctx context.Context) (uint64, error)
}

// header is the first JSONL line written by ExportJSONL.
type header struct {
	Version   string    `json:"version"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	// Sequence is the latest change sequence read before the records were
	// listed. Every change up to it is reflected in the snapshot.
	Sequence    uint64 `json:"sequence"`
	RecordCount int    `json:"record_count"`
}

// line wraps a single JSONL line with a type discriminator.
type line struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// ExportJSONL writes every record, ordered by key, as JSONL to w.
func ExportJSONL(ctx context.Context, src RecordSource, w io.Writer) error {
	seq, err := src.LatestSequence(ctx)
	if err != nil {
		return fmt.Errorf("latest sequence: %w", err)
	}
	records, err := src.List(ctx, "", 0)
	if err != nil {
		return fmt.Errorf("list records: %w", err)
	}

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(header{
		Version:     "1",
		Type:        "header",
		Timestamp:   time.Now().UTC(),
		Sequence:    seq,
		RecordCount: len(records),
	}); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	for _, r := range records {
		if err := enc.Encode(line{Type: "record", Data: r}); err != nil {
			return fmt.Errorf("encode record %s: %w", r.Key, err)
		}
	}
	return nil
}
