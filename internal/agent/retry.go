package agent

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Transient failure signatures. Classification is heuristic text matching
// because the upstream agent process communicates failures only as text;
// there is no typed error channel across the subprocess boundary.
var transientPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)rate.?limit`),
	regexp.MustCompile(`(?i)too many requests`),
	regexp.MustCompile(`\b429\b`),
	regexp.MustCompile(`\b5[023]9\b`),
	regexp.MustCompile(`(?i)overloaded`),
	regexp.MustCompile(`(?i)resource.?exhausted`),
	regexp.MustCompile(`(?i)quota exceeded`),
	regexp.MustCompile(`(?i)connection (?:reset|refused|closed)`),
	regexp.MustCompile(`ECONNRESET|ECONNREFUSED|ETIMEDOUT`),
	regexp.MustCompile(`(?i)temporarily unavailable`),
	regexp.MustCompile(`(?i)service unavailable`),
	regexp.MustCompile(`(?i)internal server error`),
}

// IsTransient reports whether an execution error looks like a temporary
// provider condition worth retrying. Our own timeouts and cancellations are
// never transient: the reclaimer and the caller own those.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	message := err.Error()
	for _, pattern := range transientPatterns {
		if pattern.MatchString(message) {
			return true
		}
	}
	return false
}

// RetryPolicy bounds the retry loop around one agent invocation.
type RetryPolicy struct {
	// MaxAttempts is the total attempt ceiling including the first call.
	MaxAttempts int
	// InitialInterval is the first backoff delay; it doubles per attempt.
	InitialInterval time.Duration
	// MaxInterval caps the doubling.
	MaxInterval time.Duration
	// RandomizationFactor spreads each delay by +/- the given fraction.
	RandomizationFactor float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:         5,
		InitialInterval:     2 * time.Second,
		MaxInterval:         time.Minute,
		RandomizationFactor: 0.5,
	}
}

// RetryController wraps a single execute call with transient-failure
// classification and exponential backoff. Non-transient errors short-circuit
// immediately; exhausting the ceiling returns the last failure as-is.
type RetryController struct {
	policy RetryPolicy
	logger logrus.FieldLogger

	// notify observes (error, upcoming delay) per retry; tests use it to
	// assert the delay sequence.
	notify backoff.Notify
}

func NewRetryController(policy RetryPolicy, logger logrus.FieldLogger) *RetryController {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return &RetryController{
		policy: policy,
		logger: logger,
	}
}

// Execute runs operation until it succeeds, fails permanently, or the
// attempt ceiling is reached. The last Result is returned alongside the
// error so raw output survives even a failed run.
func (controller *RetryController) Execute(ctx context.Context, operation func() (Result, error)) (Result, error) {
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = controller.policy.InitialInterval
	exponential.MaxInterval = controller.policy.MaxInterval
	exponential.Multiplier = 2
	exponential.RandomizationFactor = controller.policy.RandomizationFactor
	exponential.MaxElapsedTime = 0

	attempt := 0
	classified := func() (Result, error) {
		attempt++
		result, err := operation()
		if err == nil {
			return result, nil
		}
		if !IsTransient(err) {
			return result, backoff.Permanent(err)
		}
		controller.logger.WithFields(logrus.Fields{
			"attempt":      attempt,
			"max_attempts": controller.policy.MaxAttempts,
			"error":        err.Error(),
		}).Warn("transient agent failure")
		return result, err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(exponential, uint64(controller.policy.MaxAttempts-1)),
		ctx,
	)
	return backoff.RetryNotifyWithData(classified, policy, controller.notify)
}
