package runlog

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver

	"github.com/xilidan/meetings/services/workflow/entity"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const runColumns = `id, event, payload, status, attempts, last_error, created_at, updated_at, finished_at`

type postgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// Open connects to the run log database at connStr and applies migrations.
func Open(ctx context.Context, connStr string) (Store, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("runlog open: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("runlog ping: %w", err)
	}
	if err = migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("runlog migrate: %w", err)
	}
	return NewPostgres(db), nil
}

// NewPostgres wraps an already migrated database handle.
func NewPostgres(db *sql.DB) Store {
	return &postgresStore{db: db, now: time.Now}
}

func migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS workflow_schema_version (version INTEGER NOT NULL)`)
	if err != nil {
		return err
	}

	var current int
	row := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), -1) FROM workflow_schema_version`)
	if err = row.Scan(&current); err != nil {
		return err
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	for i := current + 1; i < len(entries); i++ {
		data, readErr := migrationFS.ReadFile("migrations/" + entries[i].Name())
		if readErr != nil {
			return fmt.Errorf("read migration %d: %w", i, readErr)
		}
		if _, execErr := db.ExecContext(ctx, string(data)); execErr != nil {
			return fmt.Errorf("migration %d: %w", i, execErr)
		}
		if _, execErr := db.ExecContext(ctx, `INSERT INTO workflow_schema_version (version) VALUES ($1)`, i); execErr != nil {
			return fmt.Errorf("migration %d record: %w", i, execErr)
		}
	}
	return nil
}

func (s *postgresStore) Load(ctx context.Context, runID, name string) (json.RawMessage, bool, error) {
	var result []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT result FROM workflow_steps WHERE run_id = $1 AND name = $2`,
		runID, name,
	).Scan(&result)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return json.RawMessage(result), true, nil
}

func (s *postgresStore) Save(ctx context.Context, runID, name string, result json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_steps (run_id, name, result, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (run_id, name) DO NOTHING`,
		runID, name, []byte(result), s.now().UTC(),
	)
	return err
}

func (s *postgresStore) Begin(ctx context.Context, run entity.Run) (*entity.Run, error) {
	payload := run.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO workflow_runs (id, event, payload, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, 'running', $4, $5, $5)
		ON CONFLICT (id) DO UPDATE SET
			status = CASE WHEN workflow_runs.status = 'completed' THEN workflow_runs.status ELSE 'running' END,
			finished_at = CASE WHEN workflow_runs.status = 'completed' THEN workflow_runs.finished_at ELSE NULL END,
			attempts = GREATEST(workflow_runs.attempts, EXCLUDED.attempts),
			updated_at = EXCLUDED.updated_at
		RETURNING `+runColumns,
		run.ID, run.Event, []byte(payload), run.Attempts, s.now().UTC(),
	)
	return scanRun(row)
}

func (s *postgresStore) Finish(ctx context.Context, runID string, status entity.RunStatus, lastErr string) error {
	now := s.now().UTC()
	var finishedAt *time.Time
	if status.Terminal() {
		finishedAt = &now
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_runs SET status = $1, last_error = $2, updated_at = $3, finished_at = $4 WHERE id = $5`,
		string(status), lastErr, now, finishedAt, runID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s %w", runID, entity.ErrNotFound)
	}
	return nil
}

func (s *postgresStore) Get(ctx context.Context, runID string) (*entity.Run, []entity.StepRecord, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM workflow_runs WHERE id = $1`, runID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("run %s %w", runID, entity.ErrNotFound)
	}
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, name, result, created_at FROM workflow_steps WHERE run_id = $1 ORDER BY created_at ASC, name ASC`,
		runID,
	)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var steps []entity.StepRecord
	for rows.Next() {
		var rec entity.StepRecord
		var result []byte
		if err = rows.Scan(&rec.RunID, &rec.Name, &result, &rec.CreatedAt); err != nil {
			return nil, nil, err
		}
		rec.Result = json.RawMessage(result)
		steps = append(steps, rec)
	}
	return run, steps, rows.Err()
}

func (s *postgresStore) List(ctx context.Context, filter entity.RunFilter) ([]entity.Run, error) {
	query := `SELECT ` + runColumns + ` FROM workflow_runs`
	args := []any{}
	if filter.Status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(filter.Status))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limitOrDefault(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []entity.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func (s *postgresStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_runs WHERE status = 'completed' AND finished_at < $1`,
		before.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *postgresStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*entity.Run, error) {
	var run entity.Run
	var payload []byte
	var status string
	var finishedAt sql.NullTime
	if err := row.Scan(&run.ID, &run.Event, &payload, &status, &run.Attempts, &run.LastError,
		&run.CreatedAt, &run.UpdatedAt, &finishedAt); err != nil {
		return nil, err
	}
	run.Payload = json.RawMessage(payload)
	run.Status = entity.RunStatus(status)
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	return &run, nil
}
