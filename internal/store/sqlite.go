// Package store provides durable persistence for submissions, quality
// reports, integration attempts, and snapshots. The SQLite implementation is
// the production store; the in-memory one backs tests and ephemeral runs.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/integrationd/internal/deploy"
	"github.com/fyrsmithlabs/integrationd/internal/integrator"
	"github.com/fyrsmithlabs/integrationd/internal/quality"
	"github.com/fyrsmithlabs/integrationd/internal/rollback"
)

// Config configures the SQLite store.
type Config struct {
	// Path is the database file path. Default: integrationd.db.
	Path string `koanf:"path"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "integrationd.db"
	}
}

// SQLite persists all records in a single SQLite database.
type SQLite struct {
	db *sql.DB
}

// Open opens the database, applies migrations, and returns the store.
func Open(cfg Config) (*SQLite, error) {
	cfg.ApplyDefaults()
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrating schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) SaveSubmission(ctx context.Context, submission *integrator.Submission) error {
	metadata, err := json.Marshal(submission.Metadata)
	if err != nil {
		return fmt.Errorf("store: encoding metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO submissions(id,project_id,artifact,metadata,status,reason,created_at,updated_at)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET status=excluded.status, reason=excluded.reason, updated_at=excluded.updated_at`,
		submission.ID, submission.ProjectID, []byte(submission.Artifact), string(metadata),
		string(submission.Status), submission.Reason, submission.CreatedAt, submission.UpdatedAt)
	return err
}

func (s *SQLite) GetSubmission(ctx context.Context, id string) (*integrator.Submission, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id,project_id,artifact,COALESCE(metadata,''),status,COALESCE(reason,''),created_at,updated_at
		FROM submissions WHERE id=?`, id)

	var (
		submission integrator.Submission
		artifact   []byte
		metadata   string
		status     string
	)
	err := row.Scan(&submission.ID, &submission.ProjectID, &artifact, &metadata,
		&status, &submission.Reason, &submission.CreatedAt, &submission.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, integrator.ErrSubmissionNotFound
	}
	if err != nil {
		return nil, err
	}
	submission.Artifact = artifact
	submission.Status = integrator.SubmissionStatus(status)
	if metadata != "" && metadata != "null" {
		if err := json.Unmarshal([]byte(metadata), &submission.Metadata); err != nil {
			return nil, fmt.Errorf("store: decoding metadata: %w", err)
		}
	}
	return &submission, nil
}

func (s *SQLite) SaveReport(ctx context.Context, report *quality.Report) error {
	scores, err := json.Marshal(report.Scores)
	if err != nil {
		return fmt.Errorf("store: encoding scores: %w", err)
	}
	issues, err := json.Marshal(report.Issues)
	if err != nil {
		return fmt.Errorf("store: encoding issues: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO quality_reports(id,submission_id,scores,issues,weighted_score,verdict,reason,created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		report.ID, report.SubmissionID, string(scores), string(issues),
		report.WeightedScore, string(report.Verdict), report.Reason, report.CreatedAt)
	return err
}

func (s *SQLite) LatestReport(ctx context.Context, submissionID string) (*quality.Report, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id,submission_id,scores,issues,weighted_score,verdict,COALESCE(reason,''),created_at
		FROM quality_reports WHERE submission_id=?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`, submissionID)

	var (
		report  quality.Report
		scores  string
		issues  string
		verdict string
	)
	err := row.Scan(&report.ID, &report.SubmissionID, &scores, &issues,
		&report.WeightedScore, &verdict, &report.Reason, &report.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, integrator.ErrReportNotFound
	}
	if err != nil {
		return nil, err
	}
	report.Verdict = quality.Verdict(verdict)
	if err := json.Unmarshal([]byte(scores), &report.Scores); err != nil {
		return nil, fmt.Errorf("store: decoding scores: %w", err)
	}
	if err := json.Unmarshal([]byte(issues), &report.Issues); err != nil {
		return nil, fmt.Errorf("store: decoding issues: %w", err)
	}
	return &report, nil
}

func (s *SQLite) SaveAttempt(ctx context.Context, attempt *integrator.IntegrationAttempt) error {
	var ended sql.NullTime
	if attempt.EndedAt != nil {
		ended = sql.NullTime{Time: *attempt.EndedAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO integration_attempts(id,submission_id,project_id,strategy,state,snapshot_id,rollback_failed,reason,started_at,ended_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			state=excluded.state, snapshot_id=excluded.snapshot_id,
			rollback_failed=excluded.rollback_failed, reason=excluded.reason,
			ended_at=excluded.ended_at`,
		attempt.ID, attempt.SubmissionID, attempt.ProjectID, string(attempt.Strategy),
		string(attempt.State), attempt.SnapshotID, attempt.RollbackFailed,
		attempt.Reason, attempt.StartedAt, ended)
	return err
}

const attemptColumns = `id,submission_id,project_id,strategy,state,COALESCE(snapshot_id,''),rollback_failed,COALESCE(reason,''),started_at,ended_at`

func scanAttempt(row *sql.Row) (*integrator.IntegrationAttempt, error) {
	var (
		attempt  integrator.IntegrationAttempt
		strategy string
		state    string
		ended    sql.NullTime
	)
	err := row.Scan(&attempt.ID, &attempt.SubmissionID, &attempt.ProjectID, &strategy,
		&state, &attempt.SnapshotID, &attempt.RollbackFailed, &attempt.Reason,
		&attempt.StartedAt, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, integrator.ErrAttemptNotFound
	}
	if err != nil {
		return nil, err
	}
	attempt.Strategy = deploy.Strategy(strategy)
	attempt.State = integrator.AttemptState(state)
	if ended.Valid {
		attempt.EndedAt = &ended.Time
	}
	return &attempt, nil
}

func (s *SQLite) GetAttempt(ctx context.Context, id string) (*integrator.IntegrationAttempt, error) {
	return scanAttempt(s.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM integration_attempts WHERE id=?`, id))
}

func (s *SQLite) LatestAttempt(ctx context.Context, submissionID string) (*integrator.IntegrationAttempt, error) {
	return scanAttempt(s.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM integration_attempts WHERE submission_id=?
		 ORDER BY started_at DESC, rowid DESC LIMIT 1`, submissionID))
}

func (s *SQLite) SaveSnapshot(ctx context.Context, snapshot *rollback.Snapshot) error {
	var restored sql.NullTime
	if snapshot.RestoredAt != nil {
		restored = sql.NullTime{Time: *snapshot.RestoredAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots(id,project_id,attempt_id,state,restored_at,created_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET restored_at=excluded.restored_at`,
		snapshot.ID, snapshot.ProjectID, snapshot.AttemptID, []byte(snapshot.State),
		restored, snapshot.CreatedAt)
	return err
}

func (s *SQLite) GetSnapshot(ctx context.Context, id string) (*rollback.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id,project_id,attempt_id,state,restored_at,created_at
		FROM snapshots WHERE id=?`, id)

	var (
		snapshot rollback.Snapshot
		state    []byte
		restored sql.NullTime
	)
	err := row.Scan(&snapshot.ID, &snapshot.ProjectID, &snapshot.AttemptID,
		&state, &restored, &snapshot.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rollback.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, err
	}
	snapshot.State = state
	if restored.Valid {
		snapshot.RestoredAt = &restored.Time
	}
	return &snapshot, nil
}

func (s *SQLite) ListSnapshots(ctx context.Context) ([]*rollback.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id,project_id,attempt_id,state,restored_at,created_at
		FROM snapshots ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*rollback.Snapshot
	for rows.Next() {
		var (
			snapshot rollback.Snapshot
			state    []byte
			restored sql.NullTime
		)
		if err := rows.Scan(&snapshot.ID, &snapshot.ProjectID, &snapshot.AttemptID,
			&state, &restored, &snapshot.CreatedAt); err != nil {
			return nil, err
		}
		snapshot.State = state
		if restored.Valid {
			snapshot.RestoredAt = &restored.Time
		}
		out = append(out, &snapshot)
	}
	return out, rows.Err()
}

func (s *SQLite) DeleteSnapshot(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id=?`, id)
	return err
}

// AttemptOutcome resolves the standing of a snapshot's owning attempt for
// retention sweeps. A missing attempt row counts as terminal so orphaned
// snapshots still age out.
func (s *SQLite) AttemptOutcome(ctx context.Context, attemptID string) (bool, bool, error) {
	attempt, err := s.GetAttempt(ctx, attemptID)
	if errors.Is(err, integrator.ErrAttemptNotFound) {
		return true, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return attempt.State.Terminal(), attempt.State == integrator.AttemptRolledBack, nil
}
