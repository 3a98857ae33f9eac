package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	_ "github.com/lib/pq"

	"github.com/xilidan/meetings/pkg/logger"
	"github.com/xilidan/meetings/services/workflow/entity"
)

const (
	usersTable    = "user"
	agentsTable   = "agents"
	meetingsTable = "meetings"
)

var meetingColumns = []string{
	"id", "name", "user_id", "agent_id", "status",
	"transcript_url", "recording_url", "summary", "started_at", "ended_at",
}

type storage struct {
	db  *sql.DB
	b   *entsql.DialectBuilder
	now func() time.Time
}

// Open connects to the application database with the lib/pq driver.
func Open(ctx context.Context, dsn string) (Storage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return New(db), nil
}

func New(db *sql.DB) Storage {
	return &storage{
		db:  db,
		b:   entsql.Dialect(dialect.Postgres),
		now: time.Now,
	}
}

func (s *storage) GetMeeting(ctx context.Context, id string) (*entity.Meeting, error) {
	query, args := s.b.Select(meetingColumns...).
		From(s.b.Table(meetingsTable)).
		Where(entsql.EQ("id", id)).
		Query()

	meeting, err := scanMeeting(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, entity.ErrMeetingNotFound)
	}
	if err != nil {
		logger.ErrorErr(ctx, "failed to get meeting", err, "meeting_id", id)
		return nil, fmt.Errorf("failed to get meeting: %w", err)
	}
	return meeting, nil
}

func (s *storage) GetCompletedMeeting(ctx context.Context, id string) (*entity.Meeting, error) {
	query, args := s.b.Select(meetingColumns...).
		From(s.b.Table(meetingsTable)).
		Where(entsql.And(
			entsql.EQ("id", id),
			entsql.EQ("status", string(entity.MeetingStatusCompleted)),
		)).
		Query()

	meeting, err := scanMeeting(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("completed meeting %s %w", id, entity.ErrNotFound)
	}
	if err != nil {
		logger.ErrorErr(ctx, "failed to get completed meeting", err, "meeting_id", id)
		return nil, fmt.Errorf("failed to get completed meeting: %w", err)
	}
	return meeting, nil
}

func (s *storage) GetAgent(ctx context.Context, id string) (*entity.Agent, error) {
	query, args := s.b.Select("id", "user_id", "name", "instructions").
		From(s.b.Table(agentsTable)).
		Where(entsql.EQ("id", id)).
		Query()

	var agent entity.Agent
	err := s.db.QueryRowContext(ctx, query, args...).
		Scan(&agent.ID, &agent.UserID, &agent.Name, &agent.Instructions)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s %w", id, entity.ErrNotFound)
	}
	if err != nil {
		logger.ErrorErr(ctx, "failed to get agent", err, "agent_id", id)
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return &agent, nil
}

func (s *storage) ListUsersByIDs(ctx context.Context, ids []string) ([]entity.Identity, error) {
	return s.listIdentities(ctx, usersTable, ids)
}

func (s *storage) ListAgentsByIDs(ctx context.Context, ids []string) ([]entity.Identity, error) {
	return s.listIdentities(ctx, agentsTable, ids)
}

func (s *storage) listIdentities(ctx context.Context, table string, ids []string) ([]entity.Identity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	query, qargs := s.b.Select("id", "name").
		From(s.b.Table(table)).
		Where(entsql.In("id", args...)).
		Query()

	rows, err := s.db.QueryContext(ctx, query, qargs...)
	if err != nil {
		logger.ErrorErr(ctx, "failed to list identities", err, "table", table)
		return nil, fmt.Errorf("failed to list %s: %w", table, err)
	}
	defer rows.Close()

	var out []entity.Identity
	for rows.Next() {
		var ident entity.Identity
		if err = rows.Scan(&ident.ID, &ident.Name); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", table, err)
		}
		out = append(out, ident)
	}
	return out, rows.Err()
}

func (s *storage) CompleteMeeting(ctx context.Context, id, summary string) error {
	log := logger.FromContext(ctx)

	query, args := s.b.Update(meetingsTable).
		Set("summary", summary).
		Set("status", string(entity.MeetingStatusCompleted)).
		Set("updated_at", s.now().UTC()).
		Where(entsql.And(
			entsql.EQ("id", id),
			entsql.NEQ("status", string(entity.MeetingStatusCompleted)),
		)).
		Query()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to complete meeting", "error", err, "meeting_id", id)
		return fmt.Errorf("failed to complete meeting: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to complete meeting: %w", err)
	}
	if n > 0 {
		log.Debug("meeting completed", "meeting_id", id)
		return nil
	}

	// Nothing updated: either another writer got there first or the row is gone.
	meeting, err := s.GetMeeting(ctx, id)
	if err != nil {
		return err
	}
	if meeting.Status != entity.MeetingStatusCompleted {
		return fmt.Errorf("meeting %s left in status %s", id, meeting.Status)
	}
	log.Debug("meeting already completed", "meeting_id", id)
	return nil
}

func (s *storage) Close() error {
	return s.db.Close()
}

func scanMeeting(row interface{ Scan(...any) error }) (*entity.Meeting, error) {
	var m entity.Meeting
	var status string
	var agentID, transcript, recording, summary sql.NullString
	var startedAt, endedAt sql.NullTime
	err := row.Scan(&m.ID, &m.Name, &m.UserID, &agentID, &status,
		&transcript, &recording, &summary, &startedAt, &endedAt)
	if err != nil {
		return nil, err
	}
	m.Status = entity.MeetingStatus(status)
	m.AgentID = agentID.String
	m.TranscriptURL = transcript.String
	m.RecordingURL = recording.String
	m.Summary = summary.String
	if startedAt.Valid {
		m.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		m.EndedAt = &endedAt.Time
	}
	return &m, nil
}
