package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cayde/foreman/internal/provider"
)

// ErrTimeout marks an execution that was killed after exceeding its
// deadline. Timeouts are terminal: the retry controller never retries them.
var ErrTimeout = errors.New("agent process timed out")

// After the process exits or is killed, wait this long for its output
// pipes to drain before forcibly closing them. Bounds the damage when the
// agent leaves a background child holding the pipe open.
const killWaitDelay = 5 * time.Second

// Streams identify which pipe a chunk arrived on.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Request describes one agent invocation.
type Request struct {
	RunID   string
	Mode    string
	Prompt  string
	WorkDir string
	Timeout time.Duration

	// OnOutput receives each output line as it arrives, before the
	// process exits. Optional. Called with the writer lock held, one
	// line at a time.
	OnOutput func(stream, line string)
}

// Result carries the accumulated combined output of one invocation. Output
// is populated even when Execute returns an error so callers can preserve
// the raw text for diagnosis.
type Result struct {
	Output   string
	ExitCode int
}

// Runner spawns the external agent process non-interactively, streams its
// output, and enforces the timeout. It never gives the child a terminal or
// an open stdin.
type Runner struct {
	providers *provider.Manager
	logger    logrus.FieldLogger
}

func NewRunner(providers *provider.Manager, logger logrus.FieldLogger) *Runner {
	return &Runner{
		providers: providers,
		logger:    logger,
	}
}

// Execute runs one agent invocation to completion. A non-zero exit code and
// a failure signature embedded in exit-0 output both count as failure; the
// raw output is returned either way.
func (runner *Runner) Execute(ctx context.Context, providerName string, request Request) (Result, error) {
	agentProvider, err := runner.providers.Get(providerName)
	if err != nil {
		return Result{}, err
	}

	if request.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, request.Timeout)
		defer cancel()
	}

	executable, args := agentProvider.Command(request.Mode, request.Prompt)
	command := exec.CommandContext(ctx, executable, args...)
	command.Dir = request.WorkDir
	command.Env = append(os.Environ(), agentProvider.Env()...)
	// Stdin stays nil so the child reads from the null device: the agent
	// must never block on interactive input or open a terminal UI.
	command.Stdin = nil
	command.WaitDelay = killWaitDelay

	var outputMu sync.Mutex
	var combined strings.Builder
	stdoutWriter := &streamWriter{mu: &outputMu, combined: &combined, stream: StreamStdout, onLine: request.OnOutput}
	stderrWriter := &streamWriter{mu: &outputMu, combined: &combined, stream: StreamStderr, onLine: request.OnOutput}
	command.Stdout = stdoutWriter
	command.Stderr = stderrWriter

	startedAt := time.Now()
	if err := command.Start(); err != nil {
		return Result{}, fmt.Errorf("failed to start agent process: %w", err)
	}

	runner.logger.WithFields(logrus.Fields{
		"run_id":   request.RunID,
		"provider": providerName,
		"mode":     request.Mode,
		"workdir":  request.WorkDir,
	}).Debug("agent process started")

	waitErr := command.Wait()
	stdoutWriter.close()
	stderrWriter.close()
	elapsed := time.Since(startedAt)

	outputMu.Lock()
	output := combined.String()
	outputMu.Unlock()

	result := Result{Output: output}

	if ctx.Err() == context.DeadlineExceeded {
		runner.logger.WithFields(logrus.Fields{
			"run_id":  request.RunID,
			"elapsed": elapsed.Round(time.Second).String(),
		}).Warn("agent process killed on timeout")
		return result, fmt.Errorf("%w after %s", ErrTimeout, request.Timeout)
	}

	if waitErr != nil && !errors.Is(waitErr, exec.ErrWaitDelay) {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, fmt.Errorf("agent process exited with code %d: %s", result.ExitCode, outputTail(output))
		}
		return result, fmt.Errorf("agent process failed: %w", waitErr)
	}

	if reason := agentProvider.DetectFailure(output); reason != "" {
		return result, fmt.Errorf("agent reported failure in output: %s", reason)
	}

	runner.logger.WithFields(logrus.Fields{
		"run_id":  request.RunID,
		"elapsed": elapsed.Round(time.Second).String(),
		"bytes":   len(output),
	}).Debug("agent process completed")
	return result, nil
}

// streamWriter accumulates combined output and emits complete lines to the
// OnOutput callback as they arrive.
type streamWriter struct {
	mu       *sync.Mutex
	combined *strings.Builder
	stream   string
	onLine   func(stream, line string)
	pending  []byte
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.combined.Write(p)
	if w.onLine == nil {
		return len(p), nil
	}

	w.pending = append(w.pending, p...)
	for {
		newlineIndex := bytes.IndexByte(w.pending, '\n')
		if newlineIndex < 0 {
			break
		}
		line := strings.TrimRight(string(w.pending[:newlineIndex]), "\r")
		w.pending = w.pending[newlineIndex+1:]
		w.onLine(w.stream, line)
	}
	return len(p), nil
}

// close flushes a trailing unterminated line.
func (w *streamWriter) close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.onLine != nil && len(w.pending) > 0 {
		w.onLine(w.stream, string(w.pending))
		w.pending = nil
	}
}

// outputTail returns the last few lines of output for error messages, so
// the failure reason carries the part of the text that usually explains it.
func outputTail(output string) string {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return "(no output)"
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.Join(lines, " / ")
}
