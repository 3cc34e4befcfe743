package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestCodingSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	defer store.Close()

	session, err := store.CreateCodingSession(ctx, SessionCreateArgs{
		TaskRef:        "story-42",
		ProgrammerType: "tdd",
	})
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if session.Status != SessionStatusPending {
		t.Fatalf("expected pending status, got %s", session.Status)
	}

	cycle := json.RawMessage(`{"test_index":0,"phase":"green"}`)
	updated, err := store.ReplaceSessionCycle(ctx, session.ID, cycle, SessionStatusTDDGreen, 10)
	if err != nil {
		t.Fatalf("failed to replace cycle: %v", err)
	}
	if updated.Status != SessionStatusTDDGreen {
		t.Fatalf("expected tdd_green status, got %s", updated.Status)
	}
	if updated.Progress != 10 {
		t.Fatalf("expected progress 10, got %d", updated.Progress)
	}
	if string(updated.Cycle) != string(cycle) {
		t.Fatalf("expected cycle snapshot to round-trip, got %s", string(updated.Cycle))
	}

	completed, err := store.CompleteSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("failed to complete session: %v", err)
	}
	if completed.Status != SessionStatusCompleted || completed.Progress != 100 {
		t.Fatalf("expected completed at 100%%, got %s at %d", completed.Status, completed.Progress)
	}

	// Terminal sessions never transition again.
	failed, err := store.FailSession(ctx, session.ID, "late failure")
	if err != nil {
		t.Fatalf("failed to call FailSession: %v", err)
	}
	if failed.Status != SessionStatusCompleted {
		t.Fatalf("expected terminal status to stick, got %s", failed.Status)
	}
	if failed.Error != nil {
		t.Fatalf("expected no error on completed session, got %v", *failed.Error)
	}
}

func TestFailSessionRecordsReason(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	defer store.Close()

	session, err := store.CreateCodingSession(ctx, SessionCreateArgs{TaskRef: "story-7"})
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	failed, err := store.FailSession(ctx, session.ID, "job timed out after 30m")
	if err != nil {
		t.Fatalf("failed to fail session: %v", err)
	}
	if failed.Status != SessionStatusFailed {
		t.Fatalf("expected failed status, got %s", failed.Status)
	}
	if failed.Error == nil || *failed.Error == "" {
		t.Fatal("expected a non-empty error reason")
	}
}

func TestPauseHidesPendingJobsAndResumeRestoresThem(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	defer store.Close()

	session, err := store.CreateCodingSession(ctx, SessionCreateArgs{TaskRef: "story-9"})
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if _, err := store.UpdateSessionStatus(ctx, session.ID, SessionStatusTDDGreen); err != nil {
		t.Fatalf("failed to move session to tdd_green: %v", err)
	}

	sessionJob := mustCreateJob(t, store, &session.ID)
	freeJob := mustCreateJob(t, store, nil)

	paused, err := store.PauseSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("failed to pause session: %v", err)
	}
	if paused.Status != SessionStatusPaused {
		t.Fatalf("expected paused status, got %s", paused.Status)
	}

	pending, err := store.FindPendingJobs(ctx, nil, 10)
	if err != nil {
		t.Fatalf("failed to find pending jobs: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != freeJob.ID {
		t.Fatalf("expected only the sessionless job while paused, got %+v", pending)
	}

	resumed, err := store.ResumeSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("failed to resume session: %v", err)
	}
	if resumed.Status != SessionStatusTDDGreen {
		t.Fatalf("expected resume to restore tdd_green, got %s", resumed.Status)
	}

	pending, err = store.FindPendingJobs(ctx, nil, 10)
	if err != nil {
		t.Fatalf("failed to find pending jobs after resume: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected both jobs after resume, got %d", len(pending))
	}
	found := false
	for _, job := range pending {
		if job.ID == sessionJob.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected session job %d to reappear without re-creation", sessionJob.ID)
	}
}

func TestPauseResumeStateChecks(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	defer store.Close()

	session, err := store.CreateCodingSession(ctx, SessionCreateArgs{TaskRef: "story-11"})
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	if _, err := store.ResumeSession(ctx, session.ID); !errors.Is(err, ErrSessionNotResumable) {
		t.Fatalf("expected ErrSessionNotResumable for a non-paused session, got %v", err)
	}

	if _, err := store.FailSession(ctx, session.ID, "boom"); err != nil {
		t.Fatalf("failed to fail session: %v", err)
	}
	if _, err := store.PauseSession(ctx, session.ID); !errors.Is(err, ErrSessionNotPausable) {
		t.Fatalf("expected ErrSessionNotPausable for a terminal session, got %v", err)
	}
}

func TestTestSuiteExecutions(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	defer store.Close()

	session, err := store.CreateCodingSession(ctx, SessionCreateArgs{TaskRef: "story-13"})
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	suite, err := store.FindOrCreateTestSuite(ctx, session.ID, "unit")
	if err != nil {
		t.Fatalf("failed to create suite: %v", err)
	}
	again, err := store.FindOrCreateTestSuite(ctx, session.ID, "unit")
	if err != nil {
		t.Fatalf("failed to find existing suite: %v", err)
	}
	if again.ID != suite.ID {
		t.Fatalf("expected the same suite on second lookup, got %d and %d", suite.ID, again.ID)
	}

	if _, err := store.RecordTestExecution(ctx, TestExecutionArgs{
		SuiteID: suite.ID, Status: ExecutionStatusFailed, Total: 3, Passed: 1, Failed: 2,
	}); err != nil {
		t.Fatalf("failed to record first execution: %v", err)
	}
	if _, err := store.RecordTestExecution(ctx, TestExecutionArgs{
		SuiteID: suite.ID, Status: ExecutionStatusPassed, Total: 3, Passed: 3,
	}); err != nil {
		t.Fatalf("failed to record second execution: %v", err)
	}

	executions, err := store.ListTestExecutions(ctx, suite.ID)
	if err != nil {
		t.Fatalf("failed to list executions: %v", err)
	}
	if len(executions) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(executions))
	}
	if executions[0].Status != ExecutionStatusPassed {
		t.Fatalf("expected most-recent-first order, got %s first", executions[0].Status)
	}
}
