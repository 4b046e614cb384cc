// Package postgres implements the store.Store interface backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/alfredjeanlab/changefeed/internal/model"
	"github.com/alfredjeanlab/changefeed/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements store.Store backed by a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements store.Store.
var _ store.Store = (*PostgresStore)(nil)

// New opens a connection to the PostgreSQL database at the given URL,
// configures the connection pool, and runs any pending migrations.
func New(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewWithDB wraps an already-open database without running migrations.
func NewWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return store.Unavailable("ping", s.db.PingContext(ctx))
}

// Put upserts the record and appends an insert or update event. The append
// lock is held until commit so sequence numbers become visible in order.
func (s *PostgresStore) Put(ctx context.Context, key string, value json.RawMessage) (*model.ChangeEvent, error) {
	var ev *model.ChangeEvent
	err := s.runInTransaction(ctx, func(tx executor) error {
		if err := queryLockAppends(ctx, tx); err != nil {
			return err
		}
		exists, err := queryRecordExists(ctx, tx, key)
		if err != nil {
			return err
		}
		typ := model.EventInsert
		if exists {
			typ = model.EventUpdate
		}
		ev, err = queryAppendEvent(ctx, tx, key, typ, value)
		if err != nil {
			return err
		}
		if err := queryUpsertRecord(ctx, tx, key, value, ev.SequenceNumber, ev.CreatedAt); err != nil {
			return err
		}
		return queryNotifyChange(ctx, tx, ev.SequenceNumber)
	})
	if err != nil {
		return nil, store.Unavailable("put", err)
	}
	return ev, nil
}

// Delete removes the record and appends a delete event. A missing key
// returns store.ErrNotFound and appends nothing.
func (s *PostgresStore) Delete(ctx context.Context, key string) (*model.ChangeEvent, error) {
	var ev *model.ChangeEvent
	err := s.runInTransaction(ctx, func(tx executor) error {
		if err := queryLockAppends(ctx, tx); err != nil {
			return err
		}
		removed, err := queryDeleteRecord(ctx, tx, key)
		if err != nil {
			return err
		}
		if !removed {
			return store.ErrNotFound
		}
		ev, err = queryAppendEvent(ctx, tx, key, model.EventDelete, nil)
		if err != nil {
			return err
		}
		return queryNotifyChange(ctx, tx, ev.SequenceNumber)
	})
	if err != nil {
		return nil, store.Unavailable("delete", err)
	}
	return ev, nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (*model.Record, error) {
	rec, err := queryGetRecord(ctx, s.db, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, store.Unavailable("get", err)
	}
	return rec, nil
}

func (s *PostgresStore) List(ctx context.Context, prefix string, limit int) ([]*model.Record, error) {
	recs, err := queryListRecords(ctx, s.db, prefix, limit)
	return recs, store.Unavailable("list", err)
}

func (s *PostgresStore) ChangesAfter(ctx context.Context, after uint64, limit int) ([]*model.ChangeEvent, error) {
	evs, err := queryChangesAfter(ctx, s.db, after, limit)
	return evs, store.Unavailable("changes", err)
}

func (s *PostgresStore) LatestSequence(ctx context.Context) (uint64, error) {
	seq, err := queryLatestSequence(ctx, s.db)
	return seq, store.Unavailable("latest sequence", err)
}

func (s *PostgresStore) LoadCursor(ctx context.Context, name string) (uint64, error) {
	seq, err := queryLoadCursor(ctx, s.db, name)
	return seq, store.Unavailable("load cursor", err)
}

func (s *PostgresStore) SaveCursor(ctx context.Context, name string, seq uint64) error {
	return store.Unavailable("save cursor", querySaveCursor(ctx, s.db, name, seq))
}

// runInTransaction begins a database transaction, calls fn with it, and
// commits on success or rolls back on error.
func (s *PostgresStore) runInTransaction(ctx context.Context, fn func(tx executor) error) error {
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
