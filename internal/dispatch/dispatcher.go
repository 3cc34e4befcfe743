// Package dispatch polls the durable job queue and runs claimed jobs through
// the agent execution pipeline. One dispatcher owns the full in-process
// lifecycle of a job: claim, execute with retry and circuit breaking, settle,
// and notify the session layer. Anything the dispatcher loses track of (a
// crash, a kill -9) is recovered by the stuck-job reclaimer on the next poll.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/cayde/foreman/internal/agent"
	"github.com/cayde/foreman/internal/provider"
	"github.com/cayde/foreman/internal/store"
)

// Executor runs one agent invocation. *agent.Runner is the production
// implementation.
type Executor interface {
	Execute(ctx context.Context, providerName string, request agent.Request) (agent.Result, error)
}

// SessionReactor receives settled session jobs. *tdd.Engine is the
// production implementation.
type SessionReactor interface {
	HandleJobCompleted(ctx context.Context, job store.Job, output string) error
	HandleJobFailed(ctx context.Context, job store.Job, reason string) error
}

// Config tunes the dispatcher. Zero values fall back to defaults.
type Config struct {
	// MaxConcurrency caps simultaneously running jobs. The default of 1
	// is deliberate: multiple agents mutating one repository at once
	// corrupt each other's work.
	MaxConcurrency int

	// PollInterval is the idle delay between queue polls.
	PollInterval time.Duration

	// DispatchDelay spaces out consecutive dispatches within one poll so
	// agent processes do not stampede the provider API.
	DispatchDelay time.Duration

	// TestGenDispatchDelay replaces DispatchDelay after dispatching a
	// test-generation job, which is the heaviest call the providers see.
	TestGenDispatchDelay time.Duration

	// DispatchJitter adds up to this much randomness to each delay.
	DispatchJitter time.Duration

	// AgentTimeout is the hard deadline for one agent invocation.
	AgentTimeout time.Duration

	// LongStuckTimeout reclaims any running job older than this, tracked
	// or not. ShortStuckTimeout reclaims running jobs this dispatcher does
	// not track, i.e. claims left behind by a crashed predecessor.
	LongStuckTimeout  time.Duration
	ShortStuckTimeout time.Duration

	// WorkDir is the repository the agent processes operate in.
	WorkDir string
}

func (config Config) withDefaults() Config {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 3 * time.Second
	}
	if config.DispatchDelay < 0 {
		config.DispatchDelay = 0
	}
	if config.TestGenDispatchDelay <= 0 {
		config.TestGenDispatchDelay = config.DispatchDelay
	}
	if config.AgentTimeout <= 0 {
		config.AgentTimeout = 20 * time.Minute
	}
	if config.LongStuckTimeout <= 0 {
		config.LongStuckTimeout = 45 * time.Minute
	}
	if config.ShortStuckTimeout <= 0 {
		config.ShortStuckTimeout = 10 * time.Minute
	}
	return config
}

// Dispatcher is the polling worker loop. Safe for a single Run caller;
// PollOnce may also be driven manually for drain-style usage.
type Dispatcher struct {
	store    *store.Store
	executor Executor
	retry    *agent.RetryController
	reactor  SessionReactor
	config   Config
	logger   logrus.FieldLogger

	slots chan struct{}
	wg    sync.WaitGroup

	mu       sync.Mutex
	inflight map[int64]struct{}
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewDispatcher(jobStore *store.Store, executor Executor, retry *agent.RetryController, reactor SessionReactor, config Config, logger logrus.FieldLogger) *Dispatcher {
	config = config.withDefaults()
	return &Dispatcher{
		store:    jobStore,
		executor: executor,
		retry:    retry,
		reactor:  reactor,
		config:   config,
		logger:   logger,
		slots:    make(chan struct{}, config.MaxConcurrency),
		inflight: make(map[int64]struct{}),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Run polls until ctx is cancelled, then waits for in-flight jobs to settle.
func (dispatcher *Dispatcher) Run(ctx context.Context) error {
	dispatcher.logger.WithFields(logrus.Fields{
		"max_concurrency": dispatcher.config.MaxConcurrency,
		"poll_interval":   dispatcher.config.PollInterval.String(),
	}).Info("dispatcher started")

	ticker := time.NewTicker(dispatcher.config.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := dispatcher.PollOnce(ctx); err != nil && ctx.Err() == nil {
			dispatcher.logger.WithError(err).Error("poll cycle failed")
		}

		select {
		case <-ctx.Done():
			dispatcher.logger.Info("dispatcher draining in-flight jobs")
			dispatcher.wg.Wait()
			dispatcher.logger.Info("dispatcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// PollOnce runs one poll cycle: reclaim stuck jobs, then dispatch pending
// jobs up to the free capacity. Returns how many jobs were dispatched.
func (dispatcher *Dispatcher) PollOnce(ctx context.Context) (int, error) {
	if err := dispatcher.reclaimStuck(ctx); err != nil {
		dispatcher.logger.WithError(err).Error("stuck-job reclamation failed")
	}

	capacity := cap(dispatcher.slots) - len(dispatcher.slots)
	if capacity <= 0 {
		return 0, nil
	}

	jobs, err := dispatcher.store.FindPendingJobs(ctx, dispatcher.inflightIDs(), capacity)
	if err != nil {
		return 0, fmt.Errorf("failed to find pending jobs: %w", err)
	}

	dispatched := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		if dispatcher.breakerFor(job.Provider).State() == gobreaker.StateOpen {
			dispatcher.logger.WithFields(logrus.Fields{
				"job_id":   job.ID,
				"provider": job.Provider,
			}).Warn("provider circuit open, leaving job pending")
			continue
		}

		select {
		case dispatcher.slots <- struct{}{}:
		default:
			return dispatched, nil
		}

		dispatcher.track(job.ID)
		dispatcher.wg.Add(1)
		go dispatcher.runJob(ctx, job)
		dispatched++

		if dispatched < len(jobs) {
			dispatcher.pause(ctx, dispatcher.delayAfter(job))
		}
	}
	return dispatched, nil
}

// WaitIdle blocks until every in-flight job has settled.
func (dispatcher *Dispatcher) WaitIdle() {
	dispatcher.wg.Wait()
}

// runJob owns one claimed job end to end. It always releases its slot and
// tracking entry, and a panic anywhere in the pipeline fails the job instead
// of leaking the slot.
func (dispatcher *Dispatcher) runJob(ctx context.Context, job store.Job) {
	// Store writes must survive a shutdown that races job completion.
	persistCtx := context.WithoutCancel(ctx)

	defer func() {
		if recovered := recover(); recovered != nil {
			reason := fmt.Sprintf("internal panic while running job: %v", recovered)
			dispatcher.logger.WithField("job_id", job.ID).Error(reason)
			dispatcher.settleFailure(persistCtx, job, reason)
		}
		dispatcher.untrack(job.ID)
		<-dispatcher.slots
		dispatcher.wg.Done()
	}()

	claimed, err := dispatcher.store.ClaimJob(ctx, job.ID)
	if err != nil {
		if !errors.Is(err, store.ErrJobNotClaimable) {
			dispatcher.logger.WithField("job_id", job.ID).WithError(err).Error("failed to claim job")
		}
		return
	}

	args, err := claimed.DecodeArgs()
	if err != nil {
		dispatcher.settleFailure(persistCtx, claimed, fmt.Sprintf("undecodable job args: %v", err))
		return
	}

	logger := dispatcher.logger.WithFields(logrus.Fields{
		"job_id":   claimed.ID,
		"provider": claimed.Provider,
		"mode":     args.Mode,
	})
	logger.Info("job claimed")

	request := agent.Request{
		RunID:   uuid.NewString(),
		Mode:    args.Mode,
		Prompt:  args.Prompt,
		WorkDir: dispatcher.config.WorkDir,
		Timeout: dispatcher.config.AgentTimeout,
		OnOutput: func(stream, line string) {
			if err := dispatcher.store.AppendJobOutput(persistCtx, claimed.ID, line+"\n"); err != nil {
				logger.WithError(err).Warn("failed to append job output")
			}
			dispatcher.appendEvent(persistCtx, claimed.ID, store.JobEventProgress, map[string]any{
				"stream": stream,
				"line":   line,
			})
		},
	}

	raw, execErr := dispatcher.breakerFor(claimed.Provider).Execute(func() (any, error) {
		return dispatcher.retry.Execute(ctx, func() (agent.Result, error) {
			return dispatcher.executor.Execute(ctx, claimed.Provider, request)
		})
	})
	result, _ := raw.(agent.Result)

	if execErr != nil {
		if errors.Is(execErr, gobreaker.ErrOpenState) || errors.Is(execErr, gobreaker.ErrTooManyRequests) {
			// The circuit opened or filled between the dispatch pre-check
			// and execution. No agent call was made, so the claim stays
			// running for the reclaimer to pick up once the cool-off ends.
			logger.Warn("provider circuit rejected execution, leaving job for reclamation")
			return
		}
		if errors.Is(execErr, context.Canceled) && ctx.Err() != nil {
			// Shutdown, not failure: leave the row running so the next
			// instance's reclaimer picks it up.
			logger.Info("shutdown interrupted job, leaving it for reclamation")
			return
		}
		logger.WithError(execErr).Error("job failed")
		dispatcher.settleFailure(persistCtx, claimed, execErr.Error())
		return
	}

	changed, err := dispatcher.store.CompleteJob(persistCtx, claimed.ID, result.Output)
	if err != nil {
		logger.WithError(err).Error("failed to persist job completion")
		return
	}
	if !changed {
		logger.Warn("job was already settled, skipping downstream transitions")
		return
	}

	dispatcher.appendEvent(persistCtx, claimed.ID, store.JobEventCompleted, map[string]any{"bytes": len(result.Output)})
	logger.Info("job completed")

	if dispatcher.reactor != nil {
		if err := dispatcher.reactor.HandleJobCompleted(persistCtx, claimed, result.Output); err != nil {
			logger.WithError(err).Error("session transition after completion failed")
		}
	}
}

// settleFailure marks the job failed and fires downstream transitions once.
func (dispatcher *Dispatcher) settleFailure(ctx context.Context, job store.Job, reason string) {
	changed, err := dispatcher.store.FailJob(ctx, job.ID, reason)
	if err != nil {
		dispatcher.logger.WithField("job_id", job.ID).WithError(err).Error("failed to persist job failure")
		return
	}
	if !changed {
		return
	}

	dispatcher.appendEvent(ctx, job.ID, store.JobEventFailed, map[string]any{"error": reason})
	if dispatcher.reactor != nil {
		if err := dispatcher.reactor.HandleJobFailed(ctx, job, reason); err != nil {
			dispatcher.logger.WithField("job_id", job.ID).WithError(err).Error("session transition after failure failed")
		}
	}
}

// reclaimStuck fails running jobs whose claim is evidently dead: any job
// older than the long timeout, or an untracked job (claimed by a crashed
// predecessor) older than the short timeout.
func (dispatcher *Dispatcher) reclaimStuck(ctx context.Context) error {
	stuck, err := dispatcher.store.FindStuckJobs(ctx, dispatcher.config.LongStuckTimeout, dispatcher.config.ShortStuckTimeout, dispatcher.inflightIDs())
	if err != nil {
		return err
	}

	for _, job := range stuck {
		reason := fmt.Sprintf("reclaimed: job exceeded its execution timeout (started %s)", deref(job.StartedAt))
		dispatcher.logger.WithFields(logrus.Fields{
			"job_id":     job.ID,
			"started_at": deref(job.StartedAt),
		}).Warn("reclaiming stuck job")

		changed, err := dispatcher.store.FailJob(ctx, job.ID, reason)
		if err != nil {
			dispatcher.logger.WithField("job_id", job.ID).WithError(err).Error("failed to reclaim stuck job")
			continue
		}
		if !changed {
			continue
		}
		dispatcher.appendEvent(ctx, job.ID, store.JobEventError, map[string]any{"error": reason, "timeout": true})
		if dispatcher.reactor != nil {
			if err := dispatcher.reactor.HandleJobFailed(ctx, job, reason); err != nil {
				dispatcher.logger.WithField("job_id", job.ID).WithError(err).Error("session transition after reclamation failed")
			}
		}
	}
	return nil
}

func (dispatcher *Dispatcher) appendEvent(ctx context.Context, jobID int64, eventType string, payload map[string]any) {
	encoded, err := json.Marshal(payload)
	if err == nil {
		_, err = dispatcher.store.AppendJobEvent(ctx, jobID, eventType, encoded)
	}
	if err != nil {
		dispatcher.logger.WithField("job_id", jobID).WithError(err).Warn("failed to append job event")
	}
}

// breakerFor returns the provider's circuit breaker, creating it on first
// use. The breaker counts settled executions (after retries), so three
// consecutively failing jobs against one provider open the circuit and the
// dispatcher stops feeding it until the cool-off passes.
func (dispatcher *Dispatcher) breakerFor(providerName string) *gobreaker.CircuitBreaker {
	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()

	if breaker, ok := dispatcher.breakers[providerName]; ok {
		return breaker
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        providerName,
		MaxRequests: 1,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			dispatcher.logger.WithFields(logrus.Fields{
				"provider": name,
				"from":     from.String(),
				"to":       to.String(),
			}).Warn("provider circuit state changed")
		},
	})
	dispatcher.breakers[providerName] = breaker
	return breaker
}

// delayAfter returns the pacing delay following one dispatch, with jitter.
func (dispatcher *Dispatcher) delayAfter(job store.Job) time.Duration {
	delay := dispatcher.config.DispatchDelay
	if args, err := job.DecodeArgs(); err == nil && args.Mode == provider.ModeTestGeneration {
		delay = dispatcher.config.TestGenDispatchDelay
	}
	if dispatcher.config.DispatchJitter > 0 {
		delay += time.Duration(rand.Int63n(int64(dispatcher.config.DispatchJitter)))
	}
	return delay
}

func (dispatcher *Dispatcher) pause(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (dispatcher *Dispatcher) track(jobID int64) {
	dispatcher.mu.Lock()
	dispatcher.inflight[jobID] = struct{}{}
	dispatcher.mu.Unlock()
}

func (dispatcher *Dispatcher) untrack(jobID int64) {
	dispatcher.mu.Lock()
	delete(dispatcher.inflight, jobID)
	dispatcher.mu.Unlock()
}

func (dispatcher *Dispatcher) inflightIDs() []int64 {
	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()

	ids := make([]int64, 0, len(dispatcher.inflight))
	for id := range dispatcher.inflight {
		ids = append(ids, id)
	}
	return ids
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
