package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const jobColumns = `id, project_id, session_id, provider, args_json, status, output, error, created_at, started_at, finished_at`

func (store *Store) CreateJob(ctx context.Context, args JobCreateArgs) (Job, error) {
	if strings.TrimSpace(args.Provider) == "" {
		return Job{}, errors.New("provider is required")
	}

	argsJSON := args.Args
	if len(argsJSON) == 0 {
		argsJSON = json.RawMessage(`{}`)
	}
	if !json.Valid(argsJSON) {
		return Job{}, errors.New("args must be valid JSON")
	}

	transaction, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, err
	}
	defer transaction.Rollback()

	result, err := transaction.ExecContext(
		ctx,
		`INSERT INTO jobs(project_id, session_id, provider, args_json, status, created_at)
		 VALUES(?, ?, ?, ?, 'pending', ?)`,
		args.ProjectID,
		args.SessionID,
		strings.TrimSpace(args.Provider),
		string(argsJSON),
		nowTimestamp(),
	)
	if err != nil {
		return Job{}, err
	}

	jobID, err := result.LastInsertId()
	if err != nil {
		return Job{}, err
	}

	row := transaction.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if err != nil {
		return Job{}, err
	}
	if err := transaction.Commit(); err != nil {
		return Job{}, err
	}
	return job, nil
}

func (store *Store) GetJobByID(ctx context.Context, jobID int64) (Job, error) {
	row := store.database.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, ErrJobNotFound
		}
		return Job{}, err
	}
	return job, nil
}

// FindPendingJobs returns claimable pending jobs, oldest first. Jobs whose
// owning session is paused are skipped (not deleted), so resuming the
// session makes them eligible again without re-creation. Jobs in the
// excluding set are already tracked in-process and are never returned.
func (store *Store) FindPendingJobs(ctx context.Context, excluding []int64, limit int) ([]Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := strings.Builder{}
	query.WriteString(`SELECT j.id, j.project_id, j.session_id, j.provider, j.args_json, j.status, j.output, j.error, j.created_at, j.started_at, j.finished_at
		  FROM jobs j
		  LEFT JOIN coding_sessions s ON j.session_id = s.id
		 WHERE j.status = 'pending'
		   AND (j.session_id IS NULL OR s.status != 'paused')`)
	params := make([]any, 0, len(excluding)+1)

	if len(excluding) > 0 {
		placeholders := make([]string, len(excluding))
		for i, id := range excluding {
			placeholders[i] = "?"
			params = append(params, id)
		}
		query.WriteString(" AND j.id NOT IN (" + strings.Join(placeholders, ", ") + ")")
	}
	query.WriteString(" ORDER BY j.created_at ASC, j.id ASC LIMIT ?")
	params = append(params, limit)

	rows, err := store.database.QueryContext(ctx, query.String(), params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := make([]Job, 0, limit)
	for rows.Next() {
		job, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ClaimJob transitions a pending job to running and stamps started_at.
// Claiming a job that is no longer pending returns ErrJobNotClaimable so a
// racing claimer backs off instead of double-running.
func (store *Store) ClaimJob(ctx context.Context, jobID int64) (Job, error) {
	result, err := store.database.ExecContext(
		ctx,
		`UPDATE jobs SET status = 'running', started_at = ? WHERE id = ? AND status = 'pending'`,
		nowTimestamp(),
		jobID,
	)
	if err != nil {
		return Job{}, err
	}
	if changedRows, _ := result.RowsAffected(); changedRows == 0 {
		if _, getErr := store.GetJobByID(ctx, jobID); getErr != nil {
			return Job{}, getErr
		}
		return Job{}, fmt.Errorf("%w: %d", ErrJobNotClaimable, jobID)
	}
	return store.GetJobByID(ctx, jobID)
}

// CompleteJob marks a running job completed with its accumulated output.
// Completing a job that is already terminal is a no-op and reports
// changed=false; callers use that to avoid double-firing downstream
// transitions after a reclamation race.
func (store *Store) CompleteJob(ctx context.Context, jobID int64, output string) (bool, error) {
	result, err := store.database.ExecContext(
		ctx,
		`UPDATE jobs SET status = 'completed', output = ?, finished_at = ? WHERE id = ? AND status = 'running'`,
		output,
		nowTimestamp(),
		jobID,
	)
	if err != nil {
		return false, err
	}
	changedRows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return changedRows > 0, nil
}

// FailJob marks a pending or running job failed with a human-readable
// reason. Like CompleteJob it never touches a terminal job.
func (store *Store) FailJob(ctx context.Context, jobID int64, reason string) (bool, error) {
	result, err := store.database.ExecContext(
		ctx,
		`UPDATE jobs SET status = 'failed', error = ?, finished_at = ? WHERE id = ? AND status IN ('pending', 'running')`,
		reason,
		nowTimestamp(),
		jobID,
	)
	if err != nil {
		return false, err
	}
	changedRows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return changedRows > 0, nil
}

// AppendJobOutput appends a streamed chunk to the job's accumulated output
// while the job is still running.
func (store *Store) AppendJobOutput(ctx context.Context, jobID int64, chunk string) error {
	_, err := store.database.ExecContext(
		ctx,
		`UPDATE jobs SET output = COALESCE(output, '') || ? WHERE id = ? AND status = 'running'`,
		chunk,
		jobID,
	)
	return err
}

// AppendJobEvent writes one append-only event row. Events are never updated
// or deleted.
func (store *Store) AppendJobEvent(ctx context.Context, jobID int64, eventType string, payload json.RawMessage) (JobEvent, error) {
	if strings.TrimSpace(eventType) == "" {
		return JobEvent{}, errors.New("event type is required")
	}

	transaction, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return JobEvent{}, err
	}
	defer transaction.Rollback()

	result, err := transaction.ExecContext(
		ctx,
		`INSERT INTO job_events(job_id, type, payload_json, created_at) VALUES(?, ?, ?, ?)`,
		jobID,
		eventType,
		nullableJSON(payload),
		nowTimestamp(),
	)
	if err != nil {
		return JobEvent{}, err
	}
	eventID, err := result.LastInsertId()
	if err != nil {
		return JobEvent{}, err
	}

	row := transaction.QueryRowContext(
		ctx,
		`SELECT id, job_id, type, payload_json, created_at FROM job_events WHERE id = ?`,
		eventID,
	)
	event, err := scanJobEvent(row)
	if err != nil {
		return JobEvent{}, err
	}
	if err := transaction.Commit(); err != nil {
		return JobEvent{}, err
	}
	return event, nil
}

func (store *Store) ListJobEvents(ctx context.Context, jobID int64) ([]JobEvent, error) {
	rows, err := store.database.QueryContext(
		ctx,
		`SELECT id, job_id, type, payload_json, created_at FROM job_events WHERE job_id = ? ORDER BY id ASC`,
		jobID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]JobEvent, 0)
	for rows.Next() {
		event, scanErr := scanJobEvent(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// FindStuckJobs returns running jobs whose started_at is older than
// longTimeout, or older than shortTimeout while not present in the tracked
// in-process set (a previous worker instance claimed them and crashed).
// started_at comparison happens in Go because RFC3339Nano strings do not
// order lexicographically once trailing zeros are trimmed.
func (store *Store) FindStuckJobs(ctx context.Context, longTimeout, shortTimeout time.Duration, trackedIDs []int64) ([]Job, error) {
	rows, err := store.database.QueryContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = 'running' AND started_at IS NOT NULL ORDER BY id ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tracked := make(map[int64]struct{}, len(trackedIDs))
	for _, id := range trackedIDs {
		tracked[id] = struct{}{}
	}

	now := time.Now().UTC()
	stuck := make([]Job, 0)
	for rows.Next() {
		job, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		startedAt, parseErr := parseTimestamp(*job.StartedAt)
		if parseErr != nil {
			stuck = append(stuck, job)
			continue
		}
		age := now.Sub(startedAt)
		_, isTracked := tracked[job.ID]
		if age > longTimeout || (age > shortTimeout && !isTracked) {
			stuck = append(stuck, job)
		}
	}
	return stuck, rows.Err()
}

func scanJob(scanner rowScanner) (Job, error) {
	var job Job
	var projectID sql.NullInt64
	var sessionID sql.NullInt64
	var argsJSON string
	var output sql.NullString
	var errorText sql.NullString
	var startedAt sql.NullString
	var finishedAt sql.NullString

	err := scanner.Scan(
		&job.ID,
		&projectID,
		&sessionID,
		&job.Provider,
		&argsJSON,
		&job.Status,
		&output,
		&errorText,
		&job.CreatedAt,
		&startedAt,
		&finishedAt,
	)
	if err != nil {
		return Job{}, err
	}

	job.ProjectID = int64Pointer(projectID)
	job.SessionID = int64Pointer(sessionID)
	job.Args = json.RawMessage(argsJSON)
	job.Output = textPointer(output)
	job.Error = textPointer(errorText)
	job.StartedAt = textPointer(startedAt)
	job.FinishedAt = textPointer(finishedAt)
	return job, nil
}

func scanJobEvent(scanner rowScanner) (JobEvent, error) {
	var event JobEvent
	var payload sql.NullString

	err := scanner.Scan(&event.ID, &event.JobID, &event.Type, &payload, &event.CreatedAt)
	if err != nil {
		return JobEvent{}, err
	}
	if payload.Valid {
		event.Payload = json.RawMessage(payload.String)
	}
	return event, nil
}
