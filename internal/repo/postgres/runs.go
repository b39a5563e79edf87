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

type RunStore struct {
	db DB
}

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

func (s *RunStore) CreateRun(ctx context.Context, run domain.Run) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	paramsJSON, err := encodeDocument(run.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	errJSON, err := encodeErrorPayload(run.Error)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO workflow_runs (
			run_id,
			workflow_name,
			step_name,
			status,
			params,
			error,
			created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		strings.TrimSpace(run.ID),
		strings.TrimSpace(run.WorkflowName),
		strings.TrimSpace(run.StepName),
		string(run.Status),
		paramsJSON,
		errJSON,
		normalizeTime(run.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

const runColumns = `run_id, workflow_name, step_name, status, params, error, created_at, started_at, finished_at`

func scanRun(scan func(dest ...any) error) (domain.Run, error) {
	var run domain.Run
	var status string
	var paramsJSON []byte
	var errJSON []byte
	var startedAt sql.NullTime
	var finishedAt sql.NullTime
	if err := scan(&run.ID, &run.WorkflowName, &run.StepName, &status, &paramsJSON, &errJSON,
		&run.CreatedAt, &startedAt, &finishedAt); err != nil {
		return domain.Run{}, err
	}
	run.Status = domain.RunStatus(status)
	if startedAt.Valid {
		started := startedAt.Time.UTC()
		run.StartedAt = &started
	}
	if finishedAt.Valid {
		finished := finishedAt.Time.UTC()
		run.FinishedAt = &finished
	}
	params, err := decodeDocument(paramsJSON)
	if err != nil {
		return domain.Run{}, fmt.Errorf("decode params: %w", err)
	}
	run.Params = params
	payload, err := decodeErrorPayload(errJSON)
	if err != nil {
		return domain.Run{}, err
	}
	run.Error = payload
	return run, nil
}

func (s *RunStore) GetRun(ctx context.Context, id string) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Run{}, fmt.Errorf("run id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+runColumns+` FROM workflow_runs WHERE run_id = $1`,
		id,
	)
	run, err := scanRun(row.Scan)
	if err != nil {
		return domain.Run{}, handleNotFound(err)
	}
	return run, nil
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 4)

	if strings.TrimSpace(filter.WorkflowName) != "" {
		args = append(args, strings.TrimSpace(filter.WorkflowName))
		clauses = append(clauses, fmt.Sprintf("workflow_name = $%d", len(args)))
	}
	if strings.TrimSpace(filter.Status) != "" {
		args = append(args, strings.TrimSpace(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + runColumns + ` FROM workflow_runs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// SetRunStatus records a status transition. started_at is stamped on the
// first transition to running and finished_at on any terminal transition.
// Transitions that would move a run backwards or out of a terminal state
// are dropped without error, so a late mark-running cannot resurrect a
// canceled run.
func (s *RunStore) SetRunStatus(ctx context.Context, id string, status domain.RunStatus, errPayload *domain.ErrorPayload) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("run id is required")
	}
	if domain.NormalizeRunStatus(string(status)) == "" {
		return fmt.Errorf("run status is invalid: %q", status)
	}

	var current string
	if err := s.db.QueryRowContext(ctx, `SELECT status FROM workflow_runs WHERE run_id = $1`, id).Scan(&current); err != nil {
		return handleNotFound(err)
	}
	if !domain.CanTransitionRunStatus(domain.RunStatus(current), status) {
		return nil
	}

	errJSON, err := encodeErrorPayload(errPayload)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	// the WHERE clause re-checks terminality so a transition racing the
	// SELECT above still cannot overwrite a terminal row
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE workflow_runs SET
			status = $1,
			error = $2,
			started_at = CASE WHEN $1 = 'running' AND started_at IS NULL THEN $3 ELSE started_at END,
			finished_at = CASE WHEN $1 IN ('succeeded','failed','canceled') THEN $3 ELSE finished_at END
		 WHERE run_id = $4
		   AND (status NOT IN ('succeeded','failed','canceled') OR status = $1)`,
		string(status),
		errJSON,
		now,
		id,
	)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if _, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return nil
}

func (s *RunStore) UpdateRunParams(ctx context.Context, id string, params domain.Metadata) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("run id is required")
	}
	paramsJSON, err := encodeDocument(params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE workflow_runs SET params = $1 WHERE run_id = $2`,
		paramsJSON,
		id,
	)
	if err != nil {
		return fmt.Errorf("update run params: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run params: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}
