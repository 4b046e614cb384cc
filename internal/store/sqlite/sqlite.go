// Package sqlite implements store.Store on a single-file SQLite database.
// All access goes through one connection, so appends commit in sequence
// order.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/alfredjeanlab/changefeed/internal/model"
	"github.com/alfredjeanlab/changefeed/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	recordColumns = `key, value, version, created_at, updated_at`
	eventColumns  = `seq, record_key, event_type, new_image, created_at`
)

// Store implements store.Store backed by SQLite.
type Store struct {
	db *sql.DB

	subMu sync.Mutex
	subs  map[chan struct{}]struct{}
}

var (
	_ store.Store    = (*Store)(nil)
	_ store.Notifier = (*Store)(nil)
)

// New opens (creating if needed) the database file at path and applies
// migrations.
func New(path string) (*Store, error) {
	dsn := "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3 database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db, subs: make(map[chan struct{}]struct{})}, nil
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	dbDriver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is usable.
func (s *Store) Ping(ctx context.Context) error {
	return store.Unavailable("ping", s.db.PingContext(ctx))
}

func (s *Store) Put(ctx context.Context, key string, value json.RawMessage) (*model.ChangeEvent, error) {
	now := time.Now().UTC()
	ev := &model.ChangeEvent{RecordKey: key, NewImage: append(json.RawMessage(nil), value...), CreatedAt: now}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM records WHERE key = ?)`, key).Scan(&exists); err != nil {
			return fmt.Errorf("check record %q: %w", key, err)
		}
		ev.EventType = model.EventInsert
		if exists {
			ev.EventType = model.EventUpdate
		}
		seq, err := appendEvent(ctx, tx, key, ev.EventType, value, now)
		if err != nil {
			return err
		}
		ev.SequenceNumber = seq
		_, err = tx.ExecContext(ctx, `
			INSERT INTO records (key, value, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (key) DO UPDATE SET
				value = excluded.value,
				version = excluded.version,
				updated_at = excluded.updated_at`,
			key, string(value), int64(seq), now, now)
		if err != nil {
			return fmt.Errorf("upsert record %q: %w", key, err)
		}
		return nil
	})
	if err != nil {
		return nil, store.Unavailable("put", err)
	}
	s.notify()
	return ev, nil
}

func (s *Store) Delete(ctx context.Context, key string) (*model.ChangeEvent, error) {
	now := time.Now().UTC()
	ev := &model.ChangeEvent{RecordKey: key, EventType: model.EventDelete, CreatedAt: now}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, key)
		if err != nil {
			return fmt.Errorf("delete record %q: %w", key, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete record %q: %w", key, err)
		}
		if n == 0 {
			return store.ErrNotFound
		}
		ev.SequenceNumber, err = appendEvent(ctx, tx, key, model.EventDelete, nil, now)
		return err
	})
	if err != nil {
		return nil, store.Unavailable("delete", err)
	}
	s.notify()
	return ev, nil
}

func appendEvent(ctx context.Context, tx *sql.Tx, key string, typ model.EventType, image json.RawMessage, at time.Time) (uint64, error) {
	var img any
	if len(image) > 0 {
		img = string(image)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO change_events (record_key, event_type, new_image, created_at) VALUES (?, ?, ?, ?)`,
		key, string(typ), img, at)
	if err != nil {
		return 0, fmt.Errorf("append %s event for %q: %w", typ, key, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append %s event for %q: %w", typ, key, err)
	}
	return uint64(seq), nil
}

func (s *Store) Get(ctx context.Context, key string) (*model.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE key = ?`, key)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, store.Unavailable("get", err)
	}
	return rec, nil
}

// List returns records whose key starts with prefix, ordered by key.
func (s *Store) List(ctx context.Context, prefix string, limit int) ([]*model.Record, error) {
	q := `SELECT ` + recordColumns + ` FROM records WHERE instr(key, ?) = 1 ORDER BY key`
	args := []any{prefix}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, store.Unavailable("list", err)
	}
	defer rows.Close()

	var out []*model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, store.Unavailable("list", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Unavailable("list", err)
	}
	return out, nil
}

func (s *Store) ChangesAfter(ctx context.Context, after uint64, limit int) ([]*model.ChangeEvent, error) {
	q := `SELECT ` + eventColumns + ` FROM change_events WHERE seq > ? ORDER BY seq`
	args := []any{int64(after)}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, store.Unavailable("changes", err)
	}
	defer rows.Close()

	var out []*model.ChangeEvent
	for rows.Next() {
		var (
			ev    model.ChangeEvent
			seq   int64
			typ   string
			image sql.NullString
		)
		if err := rows.Scan(&seq, &ev.RecordKey, &typ, &image, &ev.CreatedAt); err != nil {
			return nil, store.Unavailable("changes", err)
		}
		ev.SequenceNumber = uint64(seq)
		ev.EventType = model.EventType(typ)
		if image.Valid {
			ev.NewImage = json.RawMessage(image.String)
		}
		out = append(out, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Unavailable("changes", err)
	}
	return out, nil
}

func (s *Store) LatestSequence(ctx context.Context) (uint64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM change_events`).Scan(&seq); err != nil {
		return 0, store.Unavailable("latest sequence", err)
	}
	return uint64(seq), nil
}

func (s *Store) LoadCursor(ctx context.Context, name string) (uint64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT seq FROM stream_cursors WHERE name = ?`, name).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, store.Unavailable("load cursor", err)
	}
	return uint64(seq), nil
}

func (s *Store) SaveCursor(ctx context.Context, name string, seq uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stream_cursors (name, seq, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET seq = excluded.seq, updated_at = excluded.updated_at`,
		name, int64(seq), time.Now().UTC())
	return store.Unavailable("save cursor", err)
}

// NotifyChanges returns a channel signalled after each committed append.
func (s *Store) NotifyChanges() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, ch)
			s.subMu.Unlock()
		})
	}
}

func (s *Store) notify() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (*model.Record, error) {
	var (
		r       model.Record
		value   string
		version int64
	)
	if err := row.Scan(&r.Key, &value, &version, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Value = json.RawMessage(value)
	r.Version = uint64(version)
	return &r, nil
}
