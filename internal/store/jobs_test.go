package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestJobLifecycle(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	defer store.Close()

	job, err := store.CreateJob(ctx, JobCreateArgs{
		Provider: "claude_code",
		Args:     json.RawMessage(`{"mode":"implement","prompt":"do the thing"}`),
	})
	if err != nil {
		t.Fatalf("failed to create job: %v", err)
	}
	if job.Status != JobStatusPending {
		t.Fatalf("expected pending status, got %s", job.Status)
	}
	if job.StartedAt != nil {
		t.Fatalf("expected nil started_at on a pending job, got %v", *job.StartedAt)
	}

	claimed, err := store.ClaimJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("failed to claim job: %v", err)
	}
	if claimed.Status != JobStatusRunning {
		t.Fatalf("expected running status, got %s", claimed.Status)
	}
	if claimed.StartedAt == nil {
		t.Fatal("expected started_at to be set after claim")
	}

	if _, err := store.ClaimJob(ctx, job.ID); !errors.Is(err, ErrJobNotClaimable) {
		t.Fatalf("expected ErrJobNotClaimable on double claim, got %v", err)
	}

	changed, err := store.CompleteJob(ctx, job.ID, "all done")
	if err != nil {
		t.Fatalf("failed to complete job: %v", err)
	}
	if !changed {
		t.Fatal("expected first completion to report changed=true")
	}

	completed, err := store.GetJobByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("failed to reload job: %v", err)
	}
	if completed.Status != JobStatusCompleted {
		t.Fatalf("expected completed status, got %s", completed.Status)
	}
	if completed.Output == nil || *completed.Output != "all done" {
		t.Fatalf("expected stored output, got %+v", completed.Output)
	}
	if completed.FinishedAt == nil {
		t.Fatal("expected finished_at to be set")
	}
}

func TestCompleteJobIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	defer store.Close()

	job := mustCreateRunningJob(t, store, nil)

	if changed, err := store.CompleteJob(ctx, job.ID, "first output"); err != nil || !changed {
		t.Fatalf("expected first completion to change the row, got changed=%v err=%v", changed, err)
	}
	if changed, err := store.CompleteJob(ctx, job.ID, "second output"); err != nil || changed {
		t.Fatalf("expected second completion to be a no-op, got changed=%v err=%v", changed, err)
	}

	reloaded, err := store.GetJobByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("failed to reload job: %v", err)
	}
	if reloaded.Output == nil || *reloaded.Output != "first output" {
		t.Fatalf("expected first output to survive, got %+v", reloaded.Output)
	}

	// A terminal job is never reopened, not even by a racing failure.
	if changed, err := store.FailJob(ctx, job.ID, "late timeout"); err != nil || changed {
		t.Fatalf("expected failure of a completed job to be a no-op, got changed=%v err=%v", changed, err)
	}
	reloaded, _ = store.GetJobByID(ctx, job.ID)
	if reloaded.Status != JobStatusCompleted {
		t.Fatalf("expected status to stay completed, got %s", reloaded.Status)
	}
}

func TestFindPendingJobsOrdersOldestFirst(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	defer store.Close()

	first := mustCreateJob(t, store, nil)
	second := mustCreateJob(t, store, nil)
	third := mustCreateJob(t, store, nil)

	pending, err := store.FindPendingJobs(ctx, nil, 10)
	if err != nil {
		t.Fatalf("failed to find pending jobs: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending jobs, got %d", len(pending))
	}
	if pending[0].ID != first.ID || pending[1].ID != second.ID || pending[2].ID != third.ID {
		t.Fatalf("expected oldest-first order, got %d, %d, %d", pending[0].ID, pending[1].ID, pending[2].ID)
	}

	pending, err = store.FindPendingJobs(ctx, []int64{first.ID, third.ID}, 10)
	if err != nil {
		t.Fatalf("failed to find pending jobs with exclusions: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != second.ID {
		t.Fatalf("expected only job %d, got %+v", second.ID, pending)
	}

	pending, err = store.FindPendingJobs(ctx, nil, 2)
	if err != nil {
		t.Fatalf("failed to find pending jobs with limit: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected limit of 2 to apply, got %d", len(pending))
	}
}

func TestJobEventsAreAppendOnly(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	defer store.Close()

	job := mustCreateJob(t, store, nil)

	if _, err := store.AppendJobEvent(ctx, job.ID, JobEventProgress, json.RawMessage(`{"chunk":"line one"}`)); err != nil {
		t.Fatalf("failed to append progress event: %v", err)
	}
	if _, err := store.AppendJobEvent(ctx, job.ID, JobEventCompleted, nil); err != nil {
		t.Fatalf("failed to append completed event: %v", err)
	}

	events, err := store.ListJobEvents(ctx, job.ID)
	if err != nil {
		t.Fatalf("failed to list job events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != JobEventProgress || events[1].Type != JobEventCompleted {
		t.Fatalf("expected events in insertion order, got %s then %s", events[0].Type, events[1].Type)
	}
	if events[1].Payload != nil {
		t.Fatalf("expected empty payload to stay nil, got %s", string(events[1].Payload))
	}
}

func TestFindStuckJobs(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	defer store.Close()

	longStuck := mustCreateRunningJob(t, store, nil)
	shortStuck := mustCreateRunningJob(t, store, nil)
	tracked := mustCreateRunningJob(t, store, nil)
	fresh := mustCreateRunningJob(t, store, nil)

	backdateJob(t, store, longStuck.ID, 45*time.Minute)
	backdateJob(t, store, shortStuck.ID, 10*time.Minute)
	backdateJob(t, store, tracked.ID, 10*time.Minute)

	stuck, err := store.FindStuckJobs(ctx, 30*time.Minute, 5*time.Minute, []int64{tracked.ID})
	if err != nil {
		t.Fatalf("failed to find stuck jobs: %v", err)
	}

	found := make(map[int64]bool, len(stuck))
	for _, job := range stuck {
		found[job.ID] = true
	}
	if !found[longStuck.ID] {
		t.Fatalf("expected job %d past the long timeout to be stuck", longStuck.ID)
	}
	if !found[shortStuck.ID] {
		t.Fatalf("expected untracked job %d past the short timeout to be stuck", shortStuck.ID)
	}
	if found[tracked.ID] {
		t.Fatalf("expected tracked job %d to be left alone before the long timeout", tracked.ID)
	}
	if found[fresh.ID] {
		t.Fatalf("expected fresh job %d to be left alone", fresh.ID)
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()

	tempDir := t.TempDir()
	store, err := Open(filepath.Join(tempDir, "state.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	return store
}

func mustCreateJob(t *testing.T, store *Store, sessionID *int64) Job {
	t.Helper()

	job, err := store.CreateJob(context.Background(), JobCreateArgs{
		SessionID: sessionID,
		Provider:  "claude_code",
		Args:      json.RawMessage(`{"mode":"implement","prompt":"p"}`),
	})
	if err != nil {
		t.Fatalf("failed to create job: %v", err)
	}
	return job
}

func mustCreateRunningJob(t *testing.T, store *Store, sessionID *int64) Job {
	t.Helper()

	job := mustCreateJob(t, store, sessionID)
	claimed, err := store.ClaimJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("failed to claim job: %v", err)
	}
	return claimed
}

func backdateJob(t *testing.T, store *Store, jobID int64, age time.Duration) {
	t.Helper()

	startedAt := time.Now().UTC().Add(-age).Format(time.RFC3339Nano)
	_, err := store.database.Exec(`UPDATE jobs SET started_at = ? WHERE id = ?`, startedAt, jobID)
	if err != nil {
		t.Fatalf("failed to backdate job: %v", err)
	}
}
