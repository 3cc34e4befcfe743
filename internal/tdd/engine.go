package tdd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/cayde/foreman/internal/extract"
	"github.com/cayde/foreman/internal/provider"
	"github.com/cayde/foreman/internal/store"
)

// ContextLoader assembles the shared context bundle for a session before the
// cycle starts. It runs exactly once per cycle; the result is cached inside
// the cycle state and reused by every phase prompt.
type ContextLoader func(ctx context.Context, session store.CodingSession) (string, error)

// Config tunes the engine. Zero values fall back to the package defaults.
type Config struct {
	BatchSize       int
	StuckThreshold  int
	DefaultProvider string
}

func (config Config) withDefaults() Config {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.StuckThreshold <= 0 {
		config.StuckThreshold = StuckThreshold
	}
	if strings.TrimSpace(config.DefaultProvider) == "" {
		config.DefaultProvider = "claude_code"
	}
	return config
}

// Engine advances coding sessions through the TDD cycle. It owns no
// goroutines: the dispatcher calls it back after each session job settles,
// and every callback loads the cycle from the store, applies one transition,
// and persists the whole snapshot before enqueueing the next job.
type Engine struct {
	store       *store.Store
	config      Config
	loadContext ContextLoader
	logger      logrus.FieldLogger
}

func NewEngine(jobStore *store.Store, config Config, loadContext ContextLoader, logger logrus.FieldLogger) *Engine {
	return &Engine{
		store:       jobStore,
		config:      config.withDefaults(),
		loadContext: loadContext,
		logger:      logger,
	}
}

// InitializeCycle builds the cycle state for an ordered test list, persists
// it, and enqueues the first green-phase job. An empty test list is rejected
// before any state is touched.
func (engine *Engine) InitializeCycle(ctx context.Context, sessionID int64, tests []TestCase) (store.CodingSession, error) {
	if len(tests) == 0 {
		return store.CodingSession{}, ErrEmptyTestList
	}

	session, err := engine.store.GetCodingSession(ctx, sessionID)
	if err != nil {
		return store.CodingSession{}, err
	}
	if session.Status == store.SessionStatusCompleted || session.Status == store.SessionStatusFailed {
		return store.CodingSession{}, fmt.Errorf("session %d is already %s", sessionID, session.Status)
	}

	contextBundle := ""
	if engine.loadContext != nil {
		contextBundle, err = engine.loadContext(ctx, session)
		if err != nil {
			return store.CodingSession{}, fmt.Errorf("failed to load session context: %w", err)
		}
	}

	cycle, err := NewCycle(tests, engine.config.BatchSize, contextBundle)
	if err != nil {
		return store.CodingSession{}, err
	}

	session, err = engine.persistCycle(ctx, sessionID, cycle, store.SessionStatusTDDGreen)
	if err != nil {
		return store.CodingSession{}, err
	}
	if err := engine.enqueuePhaseJob(ctx, session, cycle, provider.ModeTDDGreen); err != nil {
		return store.CodingSession{}, err
	}

	engine.logger.WithFields(logrus.Fields{
		"session_id":  sessionID,
		"total_tests": cycle.TotalTests,
		"batch_size":  cycle.BatchSize,
	}).Info("TDD cycle initialized")
	return session, nil
}

// HandleJobCompleted advances the owning session after one of its jobs
// completed. Jobs without a session, with an unrecognized phase, or whose
// session has already reached a terminal state are ignored; late callbacks
// after a reclamation race must not resurrect finished sessions.
func (engine *Engine) HandleJobCompleted(ctx context.Context, job store.Job, output string) error {
	if job.SessionID == nil {
		return nil
	}

	session, err := engine.store.GetCodingSession(ctx, *job.SessionID)
	if err != nil {
		return err
	}
	if session.Status == store.SessionStatusCompleted || session.Status == store.SessionStatusFailed {
		engine.logger.WithFields(logrus.Fields{
			"session_id": session.ID,
			"job_id":     job.ID,
		}).Debug("ignoring job completion for terminal session")
		return nil
	}

	args, err := job.DecodeArgs()
	if err != nil {
		return engine.failSession(ctx, session.ID, fmt.Sprintf("job %d has undecodable args: %v", job.ID, err))
	}

	switch args.Phase {
	case provider.ModeTestGeneration:
		return engine.onTestsGenerated(ctx, session, job, output)
	case provider.ModeTDDGreen:
		return engine.onGreenCompleted(ctx, session, job, output)
	case provider.ModeTDDRefactor:
		return engine.onRefactorCompleted(ctx, session, job)
	default:
		return nil
	}
}

// HandleJobFailed cascades a session job's terminal failure to the session.
// The dispatcher only calls this once the retry budget is exhausted or the
// error was fatal, so there is nothing left to salvage.
func (engine *Engine) HandleJobFailed(ctx context.Context, job store.Job, reason string) error {
	if job.SessionID == nil {
		return nil
	}
	return engine.failSession(ctx, *job.SessionID, fmt.Sprintf("job %d failed: %s", job.ID, reason))
}

// onTestsGenerated parses the generated test list and hands it to the cycle.
// A generation run that yields no usable tests fails the session: there is
// nothing to drive the cycle with.
func (engine *Engine) onTestsGenerated(ctx context.Context, session store.CodingSession, job store.Job, output string) error {
	generated, err := extract.GeneratedTests(output)
	if err != nil || len(generated) == 0 {
		return engine.failSession(ctx, session.ID, fmt.Sprintf("test generation job %d produced no usable tests", job.ID))
	}

	if _, err := engine.store.UpdateSessionStatus(ctx, session.ID, store.SessionStatusTestsGenerated); err != nil {
		return err
	}

	tests := make([]TestCase, len(generated))
	for i, test := range generated {
		tests[i] = TestCase{Name: test.Name, Code: test.Code}
	}
	_, err = engine.InitializeCycle(ctx, session.ID, tests)
	return err
}

func (engine *Engine) onGreenCompleted(ctx context.Context, session store.CodingSession, job store.Job, output string) error {
	cycle, err := ParseCycle(session.Cycle)
	if err != nil {
		return engine.failSession(ctx, session.ID, err.Error())
	}
	if cycle.Phase != PhaseGreen {
		engine.logger.WithFields(logrus.Fields{
			"session_id": session.ID,
			"job_id":     job.ID,
			"phase":      cycle.Phase,
		}).Debug("ignoring stale green job completion")
		return nil
	}

	results, extractErr := extract.TestResults(output)
	summary := extract.Summarize(results)
	engine.recordExecution(ctx, session.ID, summary, extractErr == nil && summary.AllPassed())

	if extractErr == nil && summary.AllPassed() {
		return engine.afterAdvance(ctx, session, cycle.MarkBatchGreen().Advance())
	}

	next := cycle.RecordStuckAttempt()
	if next.StuckCount >= engine.config.StuckThreshold {
		engine.logger.WithFields(logrus.Fields{
			"session_id":  session.ID,
			"job_id":      job.ID,
			"test_index":  next.TestIndex,
			"stuck_count": next.StuckCount,
		}).Warn("batch stuck past threshold, force-advancing")
		engine.appendEvent(ctx, job.ID, "batch_skipped", map[string]any{
			"test_index":  next.TestIndex,
			"batch_size":  next.BatchSize,
			"stuck_count": next.StuckCount,
		})
		// StuckCount survives the advance so the refactor checkpoint fires
		// and gets a chance to untangle whatever kept the batch red.
		return engine.afterAdvance(ctx, session, next.Advance())
	}

	engine.logger.WithFields(logrus.Fields{
		"session_id":  session.ID,
		"test_index":  next.TestIndex,
		"stuck_count": next.StuckCount,
	}).Info("batch not green yet, retrying")
	if _, err := engine.persistCycle(ctx, session.ID, next, store.SessionStatusTDDGreen); err != nil {
		return err
	}
	return engine.enqueuePhaseJob(ctx, session, next, provider.ModeTDDGreen)
}

func (engine *Engine) onRefactorCompleted(ctx context.Context, session store.CodingSession, job store.Job) error {
	cycle, err := ParseCycle(session.Cycle)
	if err != nil {
		return engine.failSession(ctx, session.ID, err.Error())
	}
	if cycle.Phase != PhaseRefactor {
		engine.logger.WithFields(logrus.Fields{
			"session_id": session.ID,
			"job_id":     job.ID,
			"phase":      cycle.Phase,
		}).Debug("ignoring stale refactor job completion")
		return nil
	}

	finished := cycle.FinishRefactor()
	engine.logger.WithFields(logrus.Fields{
		"session_id":     session.ID,
		"refactor_count": finished.RefactorCount,
	}).Info("refactor pass finished")

	if finished.Complete() {
		return engine.finishSession(ctx, session.ID, finished)
	}
	if _, err := engine.persistCycle(ctx, session.ID, finished, store.SessionStatusTDDGreen); err != nil {
		return err
	}
	return engine.enqueuePhaseJob(ctx, session, finished, provider.ModeTDDGreen)
}

// afterAdvance routes a just-advanced cycle to its next phase: a strategic
// refactor, session completion, or the next green batch.
func (engine *Engine) afterAdvance(ctx context.Context, session store.CodingSession, cycle Cycle) error {
	if cycle.ShouldRefactor() {
		begun := cycle.BeginRefactor()
		if _, err := engine.persistCycle(ctx, session.ID, begun, store.SessionStatusTDDRefactor); err != nil {
			return err
		}
		return engine.enqueuePhaseJob(ctx, session, begun, provider.ModeTDDRefactor)
	}
	if cycle.Complete() {
		return engine.finishSession(ctx, session.ID, cycle)
	}
	if _, err := engine.persistCycle(ctx, session.ID, cycle, store.SessionStatusTDDGreen); err != nil {
		return err
	}
	return engine.enqueuePhaseJob(ctx, session, cycle, provider.ModeTDDGreen)
}

func (engine *Engine) finishSession(ctx context.Context, sessionID int64, cycle Cycle) error {
	if _, err := engine.persistCycle(ctx, sessionID, cycle, store.SessionStatusTDDGreen); err != nil {
		return err
	}
	if _, err := engine.store.CompleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to complete session %d: %w", sessionID, err)
	}
	engine.logger.WithFields(logrus.Fields{
		"session_id":  sessionID,
		"green_tests": cycle.GreenCount(),
		"total_tests": cycle.TotalTests,
	}).Info("TDD cycle completed")
	return nil
}

// persistCycle replaces the session's cycle snapshot. Persistence failures
// are fatal to the session: continuing against state that may or may not
// have been written risks duplicate or skipped batches.
func (engine *Engine) persistCycle(ctx context.Context, sessionID int64, cycle Cycle, status string) (store.CodingSession, error) {
	encoded, err := cycle.Encode()
	if err != nil {
		if failErr := engine.failSession(ctx, sessionID, err.Error()); failErr != nil {
			return store.CodingSession{}, failErr
		}
		return store.CodingSession{}, err
	}
	session, err := engine.store.ReplaceSessionCycle(ctx, sessionID, encoded, status, cycle.ProgressPercent())
	if err != nil {
		failErr := engine.failSession(ctx, sessionID, fmt.Sprintf("failed to persist cycle state: %v", err))
		if failErr != nil {
			return store.CodingSession{}, failErr
		}
		return store.CodingSession{}, fmt.Errorf("failed to persist cycle state for session %d: %w", sessionID, err)
	}
	return session, nil
}

func (engine *Engine) enqueuePhaseJob(ctx context.Context, session store.CodingSession, cycle Cycle, mode string) error {
	var prompt string
	switch mode {
	case provider.ModeTDDRefactor:
		prompt = buildRefactorPrompt(cycle)
	default:
		prompt = buildGreenPrompt(cycle)
	}

	argsJSON, err := json.Marshal(store.JobArgs{Mode: mode, Prompt: prompt, Phase: mode})
	if err != nil {
		return err
	}

	sessionID := session.ID
	job, err := engine.store.CreateJob(ctx, store.JobCreateArgs{
		SessionID: &sessionID,
		Provider:  engine.providerFor(session),
		Args:      argsJSON,
	})
	if err != nil {
		if failErr := engine.failSession(ctx, session.ID, fmt.Sprintf("failed to enqueue %s job: %v", mode, err)); failErr != nil {
			return failErr
		}
		return fmt.Errorf("failed to enqueue %s job: %w", mode, err)
	}

	engine.logger.WithFields(logrus.Fields{
		"session_id": session.ID,
		"job_id":     job.ID,
		"mode":       mode,
		"test_index": cycle.TestIndex,
	}).Debug("phase job enqueued")
	return nil
}

func (engine *Engine) providerFor(session store.CodingSession) string {
	if _, err := provider.NewByType(session.ProgrammerType); err == nil {
		return session.ProgrammerType
	}
	return engine.config.DefaultProvider
}

func (engine *Engine) failSession(ctx context.Context, sessionID int64, reason string) error {
	engine.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"reason":     reason,
	}).Error("session failed")
	if _, err := engine.store.FailSession(ctx, sessionID, reason); err != nil {
		return fmt.Errorf("failed to mark session %d failed: %w", sessionID, err)
	}
	return nil
}

// appendEvent records an observability event, best effort. Event loss never
// blocks cycle progress.
func (engine *Engine) appendEvent(ctx context.Context, jobID int64, eventType string, payload map[string]any) {
	encoded, err := json.Marshal(payload)
	if err == nil {
		_, err = engine.store.AppendJobEvent(ctx, jobID, eventType, encoded)
	}
	if err != nil {
		engine.logger.WithFields(logrus.Fields{
			"job_id": jobID,
			"type":   eventType,
		}).WithError(err).Warn("failed to append job event")
	}
}

// recordExecution appends the batch outcome to the session's tdd suite, best
// effort.
func (engine *Engine) recordExecution(ctx context.Context, sessionID int64, summary extract.Summary, passed bool) {
	suite, err := engine.store.FindOrCreateTestSuite(ctx, sessionID, "tdd")
	if err == nil {
		status := store.ExecutionStatusFailed
		if passed {
			status = store.ExecutionStatusPassed
		}
		_, err = engine.store.RecordTestExecution(ctx, store.TestExecutionArgs{
			SuiteID: suite.ID,
			Status:  status,
			Total:   summary.Total,
			Passed:  summary.Passed,
			Failed:  summary.Failed,
			Skipped: summary.Skipped,
		})
	}
	if err != nil {
		engine.logger.WithField("session_id", sessionID).WithError(err).Warn("failed to record test execution")
	}
}
