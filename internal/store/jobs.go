// ABOUTME: Durable mirror of job state, plans and beliefs in SQLite
// ABOUTME: Reconciles jobs left incomplete by a crash via MarkIncompleteAsFailed

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/deepr-mcp/internal/jobs"
)

// JobStore persists jobs. It implements jobs.Persister.
type JobStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ jobs.Persister = (*JobStore)(nil)

// NewJobStore opens the job database at path. The schema is created if it
// doesn't exist and missing columns are migrated in.
func NewJobStore(path string) (*JobStore, error) {
	logger := slog.Default().With("component", "job_store")

	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}

	s := &JobStore{db: db, logger: logger, now: time.Now}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	applied, err := runMigrations(db, jobMigrations)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	for _, col := range applied {
		logger.Info("applied migration", "column", col)
	}

	logger.Info("job store initialized", "path", path)
	return s, nil
}

func (s *JobStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS jobs (
			job_id              TEXT PRIMARY KEY,
			phase               TEXT NOT NULL,
			progress            REAL NOT NULL DEFAULT 0,
			cost_so_far         REAL NOT NULL DEFAULT 0,
			estimated_remaining REAL NOT NULL DEFAULT 0,
			error               TEXT,
			started_at          TEXT NOT NULL,
			updated_at          TEXT NOT NULL,
			metadata_json       TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_jobs_phase ON jobs(phase);
		CREATE INDEX IF NOT EXISTS idx_jobs_started ON jobs(started_at);

		CREATE TABLE IF NOT EXISTS job_plans (
			job_id         TEXT PRIMARY KEY REFERENCES jobs(job_id) ON DELETE CASCADE,
			goal           TEXT NOT NULL,
			steps_json     TEXT NOT NULL DEFAULT '[]',
			estimated_cost REAL NOT NULL DEFAULT 0,
			estimated_time INTEGER NOT NULL DEFAULT 0,
			model          TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS job_beliefs (
			job_id       TEXT PRIMARY KEY REFERENCES jobs(job_id) ON DELETE CASCADE,
			beliefs_json TEXT NOT NULL DEFAULT '[]',
			sources_json TEXT NOT NULL DEFAULT '[]',
			confidence   REAL NOT NULL DEFAULT 0
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

var jobMigrations = []migration{
	{
		table:  "jobs",
		column: "active_tasks_json",
		apply:  `ALTER TABLE jobs ADD COLUMN active_tasks_json TEXT NOT NULL DEFAULT '[]'`,
	},
	{
		table:  "job_beliefs",
		column: "findings_json",
		apply:  `ALTER TABLE job_beliefs ADD COLUMN findings_json TEXT NOT NULL DEFAULT '[]'`,
	},
	{
		table:  "job_beliefs",
		column: "hypotheses_json",
		apply:  `ALTER TABLE job_beliefs ADD COLUMN hypotheses_json TEXT NOT NULL DEFAULT '[]'`,
	},
}

// Close closes the database connection
func (s *JobStore) Close() error {
	s.logger.Info("closing job store")
	return s.db.Close()
}

// SaveJob upserts a job and, when non-nil, its plan and beliefs in one
// transaction.
func (s *JobStore) SaveJob(ctx context.Context, state *jobs.JobState, plan *jobs.JobPlan, beliefs *jobs.JobBeliefs) error {
	if state == nil || state.JobID == "" {
		return fmt.Errorf("saving job: %w", jobs.ErrInvalidJobID)
	}

	metadata, err := marshalJSON(state.Metadata, "null")
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}
	activeTasks, err := marshalJSON(state.ActiveTasks, "[]")
	if err != nil {
		return fmt.Errorf("marshaling active tasks: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (job_id, phase, progress, cost_so_far, estimated_remaining, error,
			started_at, updated_at, metadata_json, active_tasks_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			phase = excluded.phase,
			progress = excluded.progress,
			cost_so_far = excluded.cost_so_far,
			estimated_remaining = excluded.estimated_remaining,
			error = excluded.error,
			started_at = excluded.started_at,
			updated_at = excluded.updated_at,
			metadata_json = excluded.metadata_json,
			active_tasks_json = excluded.active_tasks_json
	`,
		state.JobID,
		string(state.Phase),
		state.Progress,
		state.CostSoFar,
		state.EstimatedRemaining,
		nullString(state.Error),
		formatTime(state.StartedAt),
		formatTime(state.UpdatedAt),
		metadata,
		activeTasks,
	)
	if err != nil {
		return fmt.Errorf("upserting job: %w", err)
	}

	if plan != nil {
		steps, err := marshalJSON(plan.Steps, "[]")
		if err != nil {
			return fmt.Errorf("marshaling steps: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO job_plans (job_id, goal, steps_json, estimated_cost, estimated_time, model)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(job_id) DO UPDATE SET
				goal = excluded.goal,
				steps_json = excluded.steps_json,
				estimated_cost = excluded.estimated_cost,
				estimated_time = excluded.estimated_time,
				model = excluded.model
		`, state.JobID, plan.Goal, steps, plan.EstimatedCost, plan.EstimatedTime, plan.Model)
		if err != nil {
			return fmt.Errorf("upserting plan: %w", err)
		}
	}

	if beliefs != nil {
		cols := make([]string, 4)
		for i, v := range []any{beliefs.Beliefs, beliefs.Sources, beliefs.Findings, beliefs.Hypotheses} {
			cols[i], err = marshalJSON(v, "[]")
			if err != nil {
				return fmt.Errorf("marshaling beliefs: %w", err)
			}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO job_beliefs (job_id, beliefs_json, sources_json, confidence, findings_json, hypotheses_json)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(job_id) DO UPDATE SET
				beliefs_json = excluded.beliefs_json,
				sources_json = excluded.sources_json,
				confidence = excluded.confidence,
				findings_json = excluded.findings_json,
				hypotheses_json = excluded.hypotheses_json
		`, state.JobID, cols[0], cols[1], beliefs.Confidence, cols[2], cols[3])
		if err != nil {
			return fmt.Errorf("upserting beliefs: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing job: %w", err)
	}

	s.logger.Debug("saved job", "job_id", state.JobID, "phase", state.Phase)
	return nil
}

const jobRecordQuery = `
	SELECT j.job_id, j.phase, j.progress, j.cost_so_far, j.estimated_remaining, j.error,
		j.started_at, j.updated_at, j.metadata_json, j.active_tasks_json,
		p.job_id, p.goal, p.steps_json, p.estimated_cost, p.estimated_time, p.model,
		b.job_id, b.beliefs_json, b.sources_json, b.confidence, b.findings_json, b.hypotheses_json
	FROM jobs j
	LEFT JOIN job_plans p ON p.job_id = j.job_id
	LEFT JOIN job_beliefs b ON b.job_id = j.job_id
`

// LoadJob retrieves a job with its plan and beliefs.
// Returns ErrNotFound if the job doesn't exist.
func (s *JobStore) LoadJob(ctx context.Context, jobID string) (*JobRecord, error) {
	row := s.db.QueryRowContext(ctx, jobRecordQuery+` WHERE j.job_id = ?`, jobID)
	rec, err := scanJobRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListJobs returns persisted jobs ordered by start time. A nil phase returns
// every job.
func (s *JobStore) ListJobs(ctx context.Context, phase *string) ([]*JobRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		jobRecordQuery+` WHERE (? IS NULL OR j.phase = ?) ORDER BY j.started_at ASC, j.job_id ASC`,
		phase, phase,
	)
	if err != nil {
		return nil, fmt.Errorf("querying jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := []*JobRecord{}
	for rows.Next() {
		rec, err := scanJobRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating jobs: %w", err)
	}
	return records, nil
}

// DeleteJob removes a job; its plan and beliefs cascade. Returns false when
// no job matched.
func (s *JobStore) DeleteJob(ctx context.Context, jobID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = ?`, jobID)
	if err != nil {
		return false, fmt.Errorf("deleting job: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Debug("deleted job", "job_id", jobID)
	}
	return n > 0, nil
}

// MarkIncompleteAsFailed moves every job outside a terminal phase to failed
// with RestartError. It returns the number of jobs reconciled.
func (s *JobStore) MarkIncompleteAsFailed(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET phase = ?, error = ?, updated_at = ?
		WHERE phase NOT IN (?, ?, ?)
	`,
		string(jobs.PhaseFailed),
		RestartError,
		formatTime(s.now()),
		string(jobs.PhaseCompleted),
		string(jobs.PhaseFailed),
		string(jobs.PhaseCancelled),
	)
	if err != nil {
		return 0, fmt.Errorf("marking incomplete jobs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Warn("marked incomplete jobs as failed", "count", n)
	}
	return n, nil
}

// scanJobRecord scans one row of jobRecordQuery.
func scanJobRecord(scanner interface{ Scan(dest ...any) error }) (*JobRecord, error) {
	var (
		rec                                   JobRecord
		phase, startedAt, updatedAt           string
		errText, metadataJSON, activeTasksRaw sql.NullString

		planID, goal, stepsJSON, model sql.NullString
		estCost                        sql.NullFloat64
		estTime                        sql.NullInt64

		beliefsID, beliefsJSON, sourcesJSON, findingsJSON, hypothesesJSON sql.NullString
		confidence                                                        sql.NullFloat64
	)

	err := scanner.Scan(
		&rec.State.JobID, &phase, &rec.State.Progress, &rec.State.CostSoFar, &rec.State.EstimatedRemaining, &errText,
		&startedAt, &updatedAt, &metadataJSON, &activeTasksRaw,
		&planID, &goal, &stepsJSON, &estCost, &estTime, &model,
		&beliefsID, &beliefsJSON, &sourcesJSON, &confidence, &findingsJSON, &hypothesesJSON,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning job: %w", err)
	}

	rec.State.Phase = jobs.Phase(phase)
	rec.State.Error = errText.String
	if rec.State.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if rec.State.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if err := unmarshalJSON(metadataJSON, &rec.State.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshaling metadata: %w", err)
	}
	rec.State.ActiveTasks = []string{}
	if err := unmarshalJSON(activeTasksRaw, &rec.State.ActiveTasks); err != nil {
		return nil, fmt.Errorf("unmarshaling active tasks: %w", err)
	}

	if planID.Valid {
		plan := &jobs.JobPlan{
			JobID:         rec.State.JobID,
			Goal:          goal.String,
			Steps:         []string{},
			EstimatedCost: estCost.Float64,
			EstimatedTime: estTime.Int64,
			Model:         model.String,
		}
		if err := unmarshalJSON(stepsJSON, &plan.Steps); err != nil {
			return nil, fmt.Errorf("unmarshaling steps: %w", err)
		}
		rec.Plan = plan
	}

	if beliefsID.Valid {
		b := &jobs.JobBeliefs{
			JobID:      rec.State.JobID,
			Beliefs:    []jobs.Belief{},
			Sources:    []string{},
			Confidence: confidence.Float64,
		}
		if err := unmarshalJSON(beliefsJSON, &b.Beliefs); err != nil {
			return nil, fmt.Errorf("unmarshaling beliefs: %w", err)
		}
		if err := unmarshalJSON(sourcesJSON, &b.Sources); err != nil {
			return nil, fmt.Errorf("unmarshaling sources: %w", err)
		}
		if err := unmarshalJSON(findingsJSON, &b.Findings); err != nil {
			return nil, fmt.Errorf("unmarshaling findings: %w", err)
		}
		if err := unmarshalJSON(hypothesesJSON, &b.Hypotheses); err != nil {
			return nil, fmt.Errorf("unmarshaling hypotheses: %w", err)
		}
		rec.Beliefs = b
	}

	return &rec, nil
}

// marshalJSON encodes v, substituting empty for a nil value.
func marshalJSON(v any, empty string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}

// unmarshalJSON decodes a nullable JSON column into dst, leaving dst alone
// when the column is NULL or empty.
func unmarshalJSON(col sql.NullString, dst any) error {
	if !col.Valid || col.String == "" || col.String == "null" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), dst)
}
