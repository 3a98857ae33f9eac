package runlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/xilidan/meetings/services/workflow/entity"
)

func newMock(t *testing.T) (Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgres(db), mock
}

func TestPostgresLoad(t *testing.T) {
	store, mock := newMock(t)
	q := regexp.QuoteMeta(`SELECT result FROM workflow_steps WHERE run_id = $1 AND name = $2`)

	mock.ExpectQuery(q).WithArgs("r1", "fetch-transcript").
		WillReturnRows(sqlmock.NewRows([]string{"result"}).AddRow([]byte(`"body"`)))
	got, ok, err := store.Load(context.Background(), "r1", "fetch-transcript")
	if err != nil || !ok || string(got) != `"body"` {
		t.Fatalf("load: got=%s ok=%v err=%v", got, ok, err)
	}

	mock.ExpectQuery(q).WithArgs("r1", "parse-transcript").
		WillReturnRows(sqlmock.NewRows([]string{"result"}))
	_, ok, err = store.Load(context.Background(), "r1", "parse-transcript")
	if err != nil || ok {
		t.Fatalf("expected miss, ok=%v err=%v", ok, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresSaveIgnoresConflicts(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO workflow_steps`) + `.*` + regexp.QuoteMeta(`ON CONFLICT (run_id, name) DO NOTHING`)).
		WithArgs("r1", "save-summary", []byte(`null`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.Save(context.Background(), "r1", "save-summary", json.RawMessage(`null`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresSaveKeepsNulEscapes(t *testing.T) {
	store, mock := newMock(t)
	result := json.RawMessage(`"{\"text\":\"a\u0000b\"}"`)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO workflow_steps`)).
		WithArgs("r1", "fetch-transcript", []byte(result), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Save(context.Background(), "r1", "fetch-transcript", result); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMigrateMovesResultsToBytea(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS workflow_schema_version`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(MAX(version), -1) FROM workflow_schema_version`)).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta(`ALTER TABLE workflow_steps ALTER COLUMN result TYPE BYTEA`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO workflow_schema_version (version) VALUES ($1)`)).
		WithArgs(2).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresBeginUpserts(t *testing.T) {
	store, mock := newMock(t)
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	cols := []string{"id", "event", "payload", "status", "attempts", "last_error", "created_at", "updated_at", "finished_at"}

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO workflow_runs`) + `.*` + regexp.QuoteMeta(`ON CONFLICT (id) DO UPDATE`)).
		WithArgs("r1", "chat/message.new", []byte(`{"userId":"u1"}`), 2, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(cols).AddRow("r1", "chat/message.new", []byte(`{"userId":"u1"}`), "running", 2, "", created, created, nil))

	run, err := store.Begin(context.Background(), entity.Run{ID: "r1", Event: "chat/message.new", Payload: json.RawMessage(`{"userId":"u1"}`), Attempts: 2})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if run.Status != entity.RunStatusRunning || run.Attempts != 2 || run.FinishedAt != nil {
		t.Fatalf("unexpected run: %+v", run)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresFinishMissingRun(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE workflow_runs SET status = $1`)).
		WithArgs("failed", "boom", sqlmock.AnyArg(), sqlmock.AnyArg(), "nope").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Finish(context.Background(), "nope", entity.RunStatusFailed, "boom")
	if !errors.Is(err, entity.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPostgresGetMissingRun(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM workflow_runs WHERE id = $1`)).
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	if _, _, err := store.Get(context.Background(), "nope"); !errors.Is(err, entity.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPostgresPruneOnlyCompleted(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM workflow_runs WHERE status = 'completed' AND finished_at < $1`)).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.Prune(context.Background(), time.Now())
	if err != nil || n != 3 {
		t.Fatalf("prune: n=%d err=%v", n, err)
	}
}
