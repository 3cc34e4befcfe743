package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
)

const sessionColumns = `id, task_ref, programmer_type, status, progress, tdd_cycle_json, error, created_at, updated_at`

func isTerminalSessionStatus(status string) bool {
	return status == SessionStatusCompleted || status == SessionStatusFailed
}

func (store *Store) CreateCodingSession(ctx context.Context, args SessionCreateArgs) (CodingSession, error) {
	if strings.TrimSpace(args.TaskRef) == "" {
		return CodingSession{}, errors.New("task_ref is required")
	}

	programmerType := strings.TrimSpace(args.ProgrammerType)
	if programmerType == "" {
		programmerType = "tdd"
	}

	transaction, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return CodingSession{}, err
	}
	defer transaction.Rollback()

	now := nowTimestamp()
	result, err := transaction.ExecContext(
		ctx,
		`INSERT INTO coding_sessions(task_ref, programmer_type, status, progress, created_at, updated_at)
		 VALUES(?, ?, 'pending', 0, ?, ?)`,
		strings.TrimSpace(args.TaskRef),
		programmerType,
		now,
		now,
	)
	if err != nil {
		return CodingSession{}, err
	}
	sessionID, err := result.LastInsertId()
	if err != nil {
		return CodingSession{}, err
	}

	row := transaction.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM coding_sessions WHERE id = ?`, sessionID)
	session, err := scanCodingSession(row)
	if err != nil {
		return CodingSession{}, err
	}
	if err := transaction.Commit(); err != nil {
		return CodingSession{}, err
	}
	return session, nil
}

func (store *Store) GetCodingSession(ctx context.Context, sessionID int64) (CodingSession, error) {
	row := store.database.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM coding_sessions WHERE id = ?`, sessionID)
	session, err := scanCodingSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CodingSession{}, ErrSessionNotFound
		}
		return CodingSession{}, err
	}
	return session, nil
}

// UpdateSessionStatus moves a session to a new status. Terminal sessions are
// left untouched so a late transition after cancellation or reclamation is a
// harmless no-op.
func (store *Store) UpdateSessionStatus(ctx context.Context, sessionID int64, status string) (CodingSession, error) {
	if strings.TrimSpace(status) == "" {
		return CodingSession{}, errors.New("status is required")
	}
	_, err := store.database.ExecContext(
		ctx,
		`UPDATE coding_sessions SET status = ?, updated_at = ?
		  WHERE id = ? AND status NOT IN ('completed', 'failed')`,
		status,
		nowTimestamp(),
		sessionID,
	)
	if err != nil {
		return CodingSession{}, err
	}
	return store.GetCodingSession(ctx, sessionID)
}

// ReplaceSessionCycle persists a new cycle snapshot wholesale along with the
// session status and progress derived from it. The cycle JSON is the single
// source of truth for TDD state; partial patches are never written.
func (store *Store) ReplaceSessionCycle(ctx context.Context, sessionID int64, cycle json.RawMessage, status string, progress int) (CodingSession, error) {
	if len(cycle) > 0 && !json.Valid(cycle) {
		return CodingSession{}, errors.New("cycle must be valid JSON")
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}

	_, err := store.database.ExecContext(
		ctx,
		`UPDATE coding_sessions SET tdd_cycle_json = ?, status = ?, progress = ?, updated_at = ?
		  WHERE id = ? AND status NOT IN ('completed', 'failed')`,
		nullableJSON(cycle),
		status,
		progress,
		nowTimestamp(),
		sessionID,
	)
	if err != nil {
		return CodingSession{}, err
	}
	return store.GetCodingSession(ctx, sessionID)
}

// FailSession moves a session to the failed terminal state with an
// explanatory reason. Idempotent: an already-terminal session keeps its
// original status and error.
func (store *Store) FailSession(ctx context.Context, sessionID int64, reason string) (CodingSession, error) {
	_, err := store.database.ExecContext(
		ctx,
		`UPDATE coding_sessions SET status = 'failed', error = ?, updated_at = ?
		  WHERE id = ? AND status NOT IN ('completed', 'failed')`,
		reason,
		nowTimestamp(),
		sessionID,
	)
	if err != nil {
		return CodingSession{}, err
	}
	return store.GetCodingSession(ctx, sessionID)
}

// CompleteSession moves a session to the completed terminal state at 100%.
func (store *Store) CompleteSession(ctx context.Context, sessionID int64) (CodingSession, error) {
	_, err := store.database.ExecContext(
		ctx,
		`UPDATE coding_sessions SET status = 'completed', progress = 100, updated_at = ?
		  WHERE id = ? AND status NOT IN ('completed', 'failed')`,
		nowTimestamp(),
		sessionID,
	)
	if err != nil {
		return CodingSession{}, err
	}
	return store.GetCodingSession(ctx, sessionID)
}

// PauseSession remembers the current status and moves the session to
// paused, which makes its pending jobs invisible to FindPendingJobs.
func (store *Store) PauseSession(ctx context.Context, sessionID int64) (CodingSession, error) {
	session, err := store.GetCodingSession(ctx, sessionID)
	if err != nil {
		return CodingSession{}, err
	}
	if isTerminalSessionStatus(session.Status) || session.Status == SessionStatusPaused {
		return CodingSession{}, ErrSessionNotPausable
	}

	_, err = store.database.ExecContext(
		ctx,
		`UPDATE coding_sessions SET status = 'paused', resume_status = ?, updated_at = ? WHERE id = ?`,
		session.Status,
		nowTimestamp(),
		sessionID,
	)
	if err != nil {
		return CodingSession{}, err
	}
	return store.GetCodingSession(ctx, sessionID)
}

// ResumeSession restores the status recorded at pause time. Its pending
// jobs become eligible again on the next poll cycle without re-creation.
func (store *Store) ResumeSession(ctx context.Context, sessionID int64) (CodingSession, error) {
	session, err := store.GetCodingSession(ctx, sessionID)
	if err != nil {
		return CodingSession{}, err
	}
	if session.Status != SessionStatusPaused {
		return CodingSession{}, ErrSessionNotResumable
	}

	var resumeStatus sql.NullString
	row := store.database.QueryRowContext(ctx, `SELECT resume_status FROM coding_sessions WHERE id = ?`, sessionID)
	if err := row.Scan(&resumeStatus); err != nil {
		return CodingSession{}, err
	}
	restored := SessionStatusRunning
	if resumeStatus.Valid && strings.TrimSpace(resumeStatus.String) != "" {
		restored = resumeStatus.String
	}

	_, err = store.database.ExecContext(
		ctx,
		`UPDATE coding_sessions SET status = ?, resume_status = NULL, updated_at = ? WHERE id = ?`,
		restored,
		nowTimestamp(),
		sessionID,
	)
	if err != nil {
		return CodingSession{}, err
	}
	return store.GetCodingSession(ctx, sessionID)
}

func scanCodingSession(scanner rowScanner) (CodingSession, error) {
	var session CodingSession
	var cycle sql.NullString
	var errorText sql.NullString

	err := scanner.Scan(
		&session.ID,
		&session.TaskRef,
		&session.ProgrammerType,
		&session.Status,
		&session.Progress,
		&cycle,
		&errorText,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		return CodingSession{}, err
	}
	if cycle.Valid {
		session.Cycle = json.RawMessage(cycle.String)
	}
	session.Error = textPointer(errorText)
	return session, nil
}
