package postgres

import (
	"encoding/json"

	"github.com/alfredjeanlab/changefeed/internal/model"
)

// scannable is the interface satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

// scanRecord scans a row in recordColumns order.
func scanRecord(row scannable) (*model.Record, error) {
	var (
		r       model.Record
		value   []byte
		version int64
	)
	if err := row.Scan(&r.Key, &value, &version, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Value = json.RawMessage(value)
	r.Version = uint64(version)
	return &r, nil
}

// scanEvent scans a row in eventColumns order. A NULL image stays nil.
func scanEvent(row scannable) (*model.ChangeEvent, error) {
	var (
		e     model.ChangeEvent
		seq   int64
		typ   string
		image []byte
	)
	if err := row.Scan(&seq, &e.RecordKey, &typ, &image, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.SequenceNumber = uint64(seq)
	e.EventType = model.EventType(typ)
	if len(image) > 0 {
		e.NewImage = json.RawMessage(image)
	}
	return &e, nil
}
