package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/quantpipe-labs/quantpipe-go/internal/domain"
	"github.com/quantpipe-labs/quantpipe-go/internal/repo"
)

type StepStore struct {
	db DB
}

func NewStepStore(db DB) *StepStore {
	if db == nil {
		return nil
	}
	return &StepStore{db: db}
}

func (s *StepStore) CreateStep(ctx context.Context, step domain.Step) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("step store not initialized")
	}
	if err := step.Validate(); err != nil {
		return err
	}
	status := step.Status
	if status == "" {
		status = domain.StepStatusPending
	}
	errJSON, err := encodeErrorPayload(step.Error)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO workflow_steps (
			step_id,
			run_id,
			name,
			queue_task_id,
			status,
			progress,
			message,
			error,
			created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		strings.TrimSpace(step.ID),
		strings.TrimSpace(step.RunID),
		strings.TrimSpace(step.Name),
		nullIfEmpty(step.QueueTaskID),
		string(status),
		step.Progress,
		nullIfEmpty(step.Message),
		errJSON,
		normalizeTime(step.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

const stepColumns = `step_id, run_id, name, queue_task_id, status, progress, message, error, created_at, started_at, finished_at`

func scanStep(scan func(dest ...any) error) (domain.Step, error) {
	var step domain.Step
	var status string
	var queueTaskID sql.NullString
	var message sql.NullString
	var errJSON []byte
	var startedAt sql.NullTime
	var finishedAt sql.NullTime
	if err := scan(&step.ID, &step.RunID, &step.Name, &queueTaskID, &status, &step.Progress,
		&message, &errJSON, &step.CreatedAt, &startedAt, &finishedAt); err != nil {
		return domain.Step{}, err
	}
	step.Status = domain.StepStatus(status)
	if queueTaskID.Valid {
		step.QueueTaskID = queueTaskID.String
	}
	if message.Valid {
		step.Message = message.String
	}
	if startedAt.Valid {
		started := startedAt.Time.UTC()
		step.StartedAt = &started
	}
	if finishedAt.Valid {
		finished := finishedAt.Time.UTC()
		step.FinishedAt = &finished
	}
	payload, err := decodeErrorPayload(errJSON)
	if err != nil {
		return domain.Step{}, err
	}
	step.Error = payload
	return step, nil
}

func (s *StepStore) GetStep(ctx context.Context, id string) (domain.Step, error) {
	if s == nil || s.db == nil {
		return domain.Step{}, fmt.Errorf("step store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Step{}, fmt.Errorf("step id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+stepColumns+` FROM workflow_steps WHERE step_id = $1`,
		id,
	)
	step, err := scanStep(row.Scan)
	if err != nil {
		return domain.Step{}, handleNotFound(err)
	}
	return step, nil
}

func (s *StepStore) ListSteps(ctx context.Context, runID string) ([]domain.Step, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("step store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+stepColumns+` FROM workflow_steps WHERE run_id = $1 ORDER BY created_at ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	steps := make([]domain.Step, 0)
	for rows.Next() {
		step, err := scanStep(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	return steps, nil
}

// SetStepStatus records a status transition. Progress is clamped to
// [0, 100], never lowered, and forced to 100 when the step succeeds.
func (s *StepStore) SetStepStatus(ctx context.Context, id string, status domain.StepStatus, update repo.StepUpdate) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("step store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("step id is required")
	}
	var progress sql.NullInt64
	if update.Progress != nil {
		p := *update.Progress
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		progress = sql.NullInt64{Int64: int64(p), Valid: true}
	}
	var message sql.NullString
	if update.Message != nil {
		message = sql.NullString{String: *update.Message, Valid: true}
	}
	errJSON, err := encodeErrorPayload(update.Error)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE workflow_steps SET
			status = $1,
			progress = CASE
				WHEN $1 = 'succeeded' THEN 100
				ELSE GREATEST(progress, COALESCE($2, progress))
			END,
			message = COALESCE($3, message),
			error = $4,
			started_at = CASE WHEN $1 = 'running' AND started_at IS NULL THEN $5 ELSE started_at END,
			finished_at = CASE WHEN $1 IN ('succeeded','failed','canceled') THEN $5 ELSE finished_at END
		 WHERE step_id = $6`,
		string(status),
		progress,
		message,
		errJSON,
		now,
		id,
	)
	if err != nil {
		return fmt.Errorf("update step status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update step status: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *StepStore) SetStepQueueTaskID(ctx context.Context, id, taskID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("step store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("step id is required")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE workflow_steps SET queue_task_id = $1 WHERE step_id = $2`,
		nullIfEmpty(taskID),
		id,
	)
	if err != nil {
		return fmt.Errorf("update step queue task id: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update step queue task id: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

// CancelOpenSteps moves every non-terminal step of a run to canceled.
func (s *StepStore) CancelOpenSteps(ctx context.Context, runID, message string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("step store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE workflow_steps SET
			status = 'canceled',
			message = COALESCE($1, message),
			finished_at = $2
		 WHERE run_id = $3 AND status NOT IN ('succeeded','failed','canceled')`,
		nullIfEmpty(message),
		time.Now().UTC(),
		runID,
	)
	if err != nil {
		return fmt.Errorf("cancel open steps: %w", err)
	}
	return nil
}
