package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/alfredjeanlab/changefeed/internal/model"
	"github.com/alfredjeanlab/changefeed/internal/store"
)

// newMockDB creates a sqlmock database with automatic cleanup and expectation checking.
func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
		db.Close()
	})
	return db, mock
}

var (
	recordRowColumns = []string{"key", "value", "version", "created_at", "updated_at"}
	eventRowColumns  = []string{"seq", "record_key", "event_type", "new_image", "created_at"}
)

func expectLock(mock sqlmock.Sqlmock) {
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs(appendLockKey).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestPutInsert(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewWithDB(db)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	value := []byte(`{"v":1}`)

	mock.ExpectBegin()
	expectLock(mock)
	mock.ExpectQuery("SELECT EXISTS").WithArgs("a").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("INSERT INTO change_events").WithArgs("a", "insert", value).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "created_at"}).AddRow(int64(1), now))
	mock.ExpectExec("INSERT INTO records").WithArgs("a", value, int64(1), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("SELECT pg_notify").WithArgs(NotifyChannel, "1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ev, err := s.Put(context.Background(), "a", value)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ev.EventType != model.EventInsert || ev.SequenceNumber != 1 || ev.RecordKey != "a" {
		t.Errorf("event = %+v", ev)
	}
	if string(ev.NewImage) != `{"v":1}` {
		t.Errorf("NewImage = %s", ev.NewImage)
	}
	if !ev.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", ev.CreatedAt, now)
	}
}

func TestPutUpdate(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewWithDB(db)
	now := time.Now().UTC()
	value := []byte(`{"v":2}`)

	mock.ExpectBegin()
	expectLock(mock)
	mock.ExpectQuery("SELECT EXISTS").WithArgs("a").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("INSERT INTO change_events").WithArgs("a", "update", value).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "created_at"}).AddRow(int64(7), now))
	mock.ExpectExec("INSERT INTO records").WithArgs("a", value, int64(7), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("SELECT pg_notify").WithArgs(NotifyChannel, "7").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ev, err := s.Put(context.Background(), "a", value)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ev.EventType != model.EventUpdate || ev.SequenceNumber != 7 {
		t.Errorf("event = %+v", ev)
	}
}

func TestPutRollsBackOnAppendFailure(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewWithDB(db)

	mock.ExpectBegin()
	expectLock(mock)
	mock.ExpectQuery("SELECT EXISTS").WithArgs("a").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("INSERT INTO change_events").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := s.Put(context.Background(), "a", []byte(`1`))
	if !store.IsUnavailable(err) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestPutBeginFailure(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewWithDB(db)

	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	_, err := s.Put(context.Background(), "a", []byte(`1`))
	if !store.IsUnavailable(err) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewWithDB(db)
	now := time.Now().UTC()

	mock.ExpectBegin()
	expectLock(mock)
	mock.ExpectExec("DELETE FROM records WHERE key = \\$1").WithArgs("a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO change_events").WithArgs("a", "delete", nil).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "created_at"}).AddRow(int64(3), now))
	mock.ExpectExec("SELECT pg_notify").WithArgs(NotifyChannel, "3").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ev, err := s.Delete(context.Background(), "a")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ev.EventType != model.EventDelete || ev.SequenceNumber != 3 || ev.NewImage != nil {
		t.Errorf("event = %+v", ev)
	}
}

func TestDeleteMissing(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewWithDB(db)

	mock.ExpectBegin()
	expectLock(mock)
	mock.ExpectExec("DELETE FROM records WHERE key = \\$1").WithArgs("nope").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := s.Delete(context.Background(), "nope")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if store.IsUnavailable(err) {
		t.Error("not-found must not be reported as unavailable")
	}
}

func TestGet(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewWithDB(db)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT .+ FROM records WHERE key = \\$1").WithArgs("a").
		WillReturnRows(sqlmock.NewRows(recordRowColumns).AddRow("a", []byte(`{"v":1}`), int64(4), now, now))

	rec, err := s.Get(context.Background(), "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Key != "a" || rec.Version != 4 || string(rec.Value) != `{"v":1}` {
		t.Errorf("record = %+v", rec)
	}
}

func TestGetNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewWithDB(db)

	mock.ExpectQuery("SELECT .+ FROM records WHERE key = \\$1").WithArgs("x").
		WillReturnRows(sqlmock.NewRows(recordRowColumns))

	if _, err := s.Get(context.Background(), "x"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListEscapesPrefix(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewWithDB(db)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT .+ FROM records WHERE key LIKE \\$1 .+ LIMIT \\$2").
		WithArgs(`user\_%`, 10).
		WillReturnRows(sqlmock.NewRows(recordRowColumns).
			AddRow("user_1", []byte(`1`), int64(1), now, now).
			AddRow("user_2", []byte(`2`), int64(2), now, now))

	recs, err := s.List(context.Background(), "user_", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 2 || recs[0].Key != "user_1" || recs[1].Key != "user_2" {
		t.Errorf("records = %+v", recs)
	}
}

func TestChangesAfter(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewWithDB(db)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT .+ FROM change_events WHERE seq > \\$1 ORDER BY seq LIMIT \\$2").
		WithArgs(int64(5), 2).
		WillReturnRows(sqlmock.NewRows(eventRowColumns).
			AddRow(int64(6), "a", "update", []byte(`{"v":2}`), now).
			AddRow(int64(7), "a", "delete", nil, now))

	evs, err := s.ChangesAfter(context.Background(), 5, 2)
	if err != nil {
		t.Fatalf("ChangesAfter: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("got %d events, want 2", len(evs))
	}
	if evs[0].SequenceNumber != 6 || evs[0].EventType != model.EventUpdate {
		t.Errorf("evs[0] = %+v", evs[0])
	}
	if evs[1].SequenceNumber != 7 || evs[1].EventType != model.EventDelete || evs[1].NewImage != nil {
		t.Errorf("evs[1] = %+v", evs[1])
	}
}

func TestChangesAfterQueryError(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewWithDB(db)

	mock.ExpectQuery("SELECT .+ FROM change_events").WillReturnError(errors.New("timeout"))

	if _, err := s.ChangesAfter(context.Background(), 0, 0); !store.IsUnavailable(err) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestLatestSequence(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewWithDB(db)

	mock.ExpectQuery("SELECT COALESCE\\(MAX\\(seq\\), 0\\) FROM change_events").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(42)))

	seq, err := s.LatestSequence(context.Background())
	if err != nil {
		t.Fatalf("LatestSequence: %v", err)
	}
	if seq != 42 {
		t.Errorf("seq = %d, want 42", seq)
	}
}

func TestCursors(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewWithDB(db)
	ctx := context.Background()

	mock.ExpectQuery("SELECT seq FROM stream_cursors WHERE name = \\$1").WithArgs("relay").
		WillReturnRows(sqlmock.NewRows([]string{"seq"}))
	mock.ExpectExec("INSERT INTO stream_cursors").WithArgs("relay", int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT seq FROM stream_cursors WHERE name = \\$1").WithArgs("relay").
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(9)))

	seq, err := s.LoadCursor(ctx, "relay")
	if err != nil || seq != 0 {
		t.Fatalf("LoadCursor (missing) = %d, %v; want 0, nil", seq, err)
	}
	if err := s.SaveCursor(ctx, "relay", 9); err != nil {
		t.Fatalf("SaveCursor: %v", err)
	}
	seq, err = s.LoadCursor(ctx, "relay")
	if err != nil || seq != 9 {
		t.Fatalf("LoadCursor = %d, %v; want 9, nil", seq, err)
	}
}

func TestEscapeLike(t *testing.T) {
	for _, tc := range []struct {
		input string
		want  string
	}{
		{"", ""},
		{"abc", "abc"},
		{"a_b", `a\_b`},
		{"50%", `50\%`},
		{`back\slash`, `back\\slash`},
	} {
		if got := escapeLike(tc.input); got != tc.want {
			t.Errorf("escapeLike(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}
