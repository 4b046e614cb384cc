package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alfredjeanlab/changefeed/internal/model"
)

const (
	recordColumns = `key, value, version, created_at, updated_at`
	eventColumns  = `seq, record_key, event_type, new_image, created_at`

	// appendLockKey is the advisory lock id serializing change log appends.
	appendLockKey int64 = 0x63666565640001

	// NotifyChannel is the LISTEN/NOTIFY channel signalled on every append.
	NotifyChannel = "changefeed_changes"
)

// executor is the interface satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func queryLockAppends(ctx context.Context, db executor) error {
	if _, err := db.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLockKey); err != nil {
		return fmt.Errorf("lock change log: %w", err)
	}
	return nil
}

func queryRecordExists(ctx context.Context, db executor, key string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM records WHERE key = $1)`, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check record %q: %w", key, err)
	}
	return exists, nil
}

func queryAppendEvent(ctx context.Context, db executor, key string, typ model.EventType, image json.RawMessage) (*model.ChangeEvent, error) {
	ev := &model.ChangeEvent{RecordKey: key, EventType: typ, NewImage: image}
	var seq int64
	err := db.QueryRowContext(ctx, `
		INSERT INTO change_events (record_key, event_type, new_image)
		VALUES ($1, $2, $3)
		RETURNING seq, created_at`,
		key, string(typ), jsonbBytes(image),
	).Scan(&seq, &ev.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("append %s event for %q: %w", typ, key, err)
	}
	ev.SequenceNumber = uint64(seq)
	return ev, nil
}

func queryUpsertRecord(ctx context.Context, db executor, key string, value json.RawMessage, version uint64, at time.Time) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO records (key, value, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at`,
		key, jsonbBytes(value), int64(version), at,
	)
	if err != nil {
		return fmt.Errorf("upsert record %q: %w", key, err)
	}
	return nil
}

func queryDeleteRecord(ctx context.Context, db executor, key string) (bool, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM records WHERE key = $1`, key)
	if err != nil {
		return false, fmt.Errorf("delete record %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete record %q: %w", key, err)
	}
	return n > 0, nil
}

func queryNotifyChange(ctx context.Context, db executor, seq uint64) error {
	_, err := db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, strconv.FormatUint(seq, 10))
	if err != nil {
		return fmt.Errorf("notify change %d: %w", seq, err)
	}
	return nil
}

func queryGetRecord(ctx context.Context, db executor, key string) (*model.Record, error) {
	row := db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE key = $1`, key)
	return scanRecord(row)
}

func queryListRecords(ctx context.Context, db executor, prefix string, limit int) ([]*model.Record, error) {
	q := `SELECT ` + recordColumns + ` FROM records WHERE key LIKE $1 ESCAPE '\' ORDER BY key`
	args := []any{escapeLike(prefix) + "%"}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []*model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func queryChangesAfter(ctx context.Context, db executor, after uint64, limit int) ([]*model.ChangeEvent, error) {
	q := `SELECT ` + eventColumns + ` FROM change_events WHERE seq > $1 ORDER BY seq`
	args := []any{int64(after)}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("read changes after %d: %w", after, err)
	}
	defer rows.Close()

	var out []*model.ChangeEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func queryLatestSequence(ctx context.Context, db executor) (uint64, error) {
	var seq int64
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM change_events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("latest sequence: %w", err)
	}
	return uint64(seq), nil
}

func queryLoadCursor(ctx context.Context, db executor, name string) (uint64, error) {
	var seq int64
	err := db.QueryRowContext(ctx, `SELECT seq FROM stream_cursors WHERE name = $1`, name).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load cursor %q: %w", name, err)
	}
	return uint64(seq), nil
}

func querySaveCursor(ctx context.Context, db executor, name string, seq uint64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO stream_cursors (name, seq, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET seq = EXCLUDED.seq, updated_at = NOW()`,
		name, int64(seq),
	)
	if err != nil {
		return fmt.Errorf("save cursor %q: %w", name, err)
	}
	return nil
}

// escapeLike escapes LIKE metacharacters so prefix matches literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// jsonbBytes returns nil for an empty image so the column is stored as NULL.
func jsonbBytes(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
