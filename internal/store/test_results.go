package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

func (store *Store) CreateTestSuite(ctx context.Context, sessionID *int64, suiteType string) (TestSuite, error) {
	if strings.TrimSpace(suiteType) == "" {
		return TestSuite{}, errors.New("suite_type is required")
	}

	transaction, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return TestSuite{}, err
	}
	defer transaction.Rollback()

	result, err := transaction.ExecContext(
		ctx,
		`INSERT INTO test_suites(session_id, suite_type, created_at) VALUES(?, ?, ?)`,
		sessionID,
		strings.TrimSpace(suiteType),
		nowTimestamp(),
	)
	if err != nil {
		return TestSuite{}, err
	}
	suiteID, err := result.LastInsertId()
	if err != nil {
		return TestSuite{}, err
	}

	row := transaction.QueryRowContext(
		ctx,
		`SELECT id, session_id, suite_type, created_at FROM test_suites WHERE id = ?`,
		suiteID,
	)
	suite, err := scanTestSuite(row)
	if err != nil {
		return TestSuite{}, err
	}
	if err := transaction.Commit(); err != nil {
		return TestSuite{}, err
	}
	return suite, nil
}

// FindOrCreateTestSuite returns the session's suite of the given type,
// creating it on first use.
func (store *Store) FindOrCreateTestSuite(ctx context.Context, sessionID int64, suiteType string) (TestSuite, error) {
	row := store.database.QueryRowContext(
		ctx,
		`SELECT id, session_id, suite_type, created_at FROM test_suites WHERE session_id = ? AND suite_type = ? ORDER BY id ASC LIMIT 1`,
		sessionID,
		suiteType,
	)
	suite, err := scanTestSuite(row)
	if err == nil {
		return suite, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return TestSuite{}, err
	}
	return store.CreateTestSuite(ctx, &sessionID, suiteType)
}

// RecordTestExecution appends one run's aggregate counts to a suite.
func (store *Store) RecordTestExecution(ctx context.Context, args TestExecutionArgs) (TestExecution, error) {
	if args.SuiteID <= 0 {
		return TestExecution{}, ErrSuiteNotFound
	}
	status := strings.TrimSpace(args.Status)
	if status == "" {
		status = ExecutionStatusRunning
	}

	transaction, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return TestExecution{}, err
	}
	defer transaction.Rollback()

	result, err := transaction.ExecContext(
		ctx,
		`INSERT INTO test_executions(suite_id, status, total, passed, failed, skipped, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		args.SuiteID,
		status,
		args.Total,
		args.Passed,
		args.Failed,
		args.Skipped,
		nowTimestamp(),
	)
	if err != nil {
		return TestExecution{}, err
	}
	executionID, err := result.LastInsertId()
	if err != nil {
		return TestExecution{}, err
	}

	row := transaction.QueryRowContext(
		ctx,
		`SELECT id, suite_id, status, total, passed, failed, skipped, created_at FROM test_executions WHERE id = ?`,
		executionID,
	)
	execution, err := scanTestExecution(row)
	if err != nil {
		return TestExecution{}, err
	}
	if err := transaction.Commit(); err != nil {
		return TestExecution{}, err
	}
	return execution, nil
}

// ListTestExecutions returns a suite's executions, most recent first.
func (store *Store) ListTestExecutions(ctx context.Context, suiteID int64) ([]TestExecution, error) {
	rows, err := store.database.QueryContext(
		ctx,
		`SELECT id, suite_id, status, total, passed, failed, skipped, created_at
		   FROM test_executions WHERE suite_id = ? ORDER BY id DESC`,
		suiteID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	executions := make([]TestExecution, 0)
	for rows.Next() {
		execution, scanErr := scanTestExecution(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		executions = append(executions, execution)
	}
	return executions, rows.Err()
}

func scanTestSuite(scanner rowScanner) (TestSuite, error) {
	var suite TestSuite
	var sessionID sql.NullInt64

	err := scanner.Scan(&suite.ID, &sessionID, &suite.SuiteType, &suite.CreatedAt)
	if err != nil {
		return TestSuite{}, err
	}
	suite.SessionID = int64Pointer(sessionID)
	return suite, nil
}

func scanTestExecution(scanner rowScanner) (TestExecution, error) {
	var execution TestExecution
	err := scanner.Scan(
		&execution.ID,
		&execution.SuiteID,
		&execution.Status,
		&execution.Total,
		&execution.Passed,
		&execution.Failed,
		&execution.Skipped,
		&execution.CreatedAt,
	)
	if err != nil {
		return TestExecution{}, err
	}
	return execution, nil
}
