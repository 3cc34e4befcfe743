package agent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cayde/foreman/internal/provider"
)

// scriptProvider runs a shell snippet instead of a real agent CLI.
type scriptProvider struct {
	name           string
	script         string
	failurePattern string
}

func (p *scriptProvider) Name() string { return p.name }

func (p *scriptProvider) Command(mode, prompt string) (string, []string) {
	return "/bin/sh", []string{"-c", p.script}
}

func (p *scriptProvider) Env() []string { return []string{"NO_COLOR=1"} }

func (p *scriptProvider) DetectFailure(output string) string {
	if p.failurePattern != "" && strings.Contains(output, p.failurePattern) {
		return "matched failure signature: " + p.failurePattern
	}
	return ""
}

func newScriptRunner(t *testing.T, p *scriptProvider) *Runner {
	t.Helper()

	manager := provider.NewManager()
	manager.Register(p)
	return NewRunner(manager, testLogger())
}

func TestExecuteStreamsOutput(t *testing.T) {
	runner := newScriptRunner(t, &scriptProvider{
		name:   "fake",
		script: `echo "line one"; echo "line two"; echo "warning" 1>&2`,
	})

	var mu sync.Mutex
	var streamed []string
	result, err := runner.Execute(context.Background(), "fake", Request{
		RunID: "run-1",
		Mode:  provider.ModeImplement,
		OnOutput: func(stream, line string) {
			mu.Lock()
			defer mu.Unlock()
			streamed = append(streamed, stream+":"+line)
		},
	})

	require.NoError(t, err)
	require.Equal(t, 0, result.ExitCode)
	require.Contains(t, result.Output, "line one")
	require.Contains(t, result.Output, "line two")
	require.Contains(t, result.Output, "warning")

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, streamed, "stdout:line one")
	require.Contains(t, streamed, "stderr:warning")
}

func TestExecuteNonZeroExitFails(t *testing.T) {
	runner := newScriptRunner(t, &scriptProvider{
		name:   "fake",
		script: `echo "something broke"; exit 3`,
	})

	result, err := runner.Execute(context.Background(), "fake", Request{RunID: "run-2"})

	require.Error(t, err)
	require.Contains(t, err.Error(), "exited with code 3")
	require.Contains(t, err.Error(), "something broke")
	require.Equal(t, 3, result.ExitCode)
	require.Contains(t, result.Output, "something broke", "raw output must be preserved on failure")
}

func TestExecuteDetectsFailureSignatureOnExitZero(t *testing.T) {
	runner := newScriptRunner(t, &scriptProvider{
		name:           "fake",
		script:         `echo "Usage limit reached, try again later"; exit 0`,
		failurePattern: "Usage limit reached",
	})

	result, err := runner.Execute(context.Background(), "fake", Request{RunID: "run-3"})

	require.Error(t, err)
	require.Contains(t, err.Error(), "failure in output")
	require.Contains(t, result.Output, "Usage limit reached")
}

func TestExecuteKillsOnTimeout(t *testing.T) {
	runner := newScriptRunner(t, &scriptProvider{
		name:   "fake",
		script: `echo "starting"; sleep 30`,
	})

	started := time.Now()
	result, err := runner.Execute(context.Background(), "fake", Request{
		RunID:   "run-4",
		Timeout: 200 * time.Millisecond,
	})

	require.Error(t, err)
	require.ErrorIs(t, err, ErrTimeout)
	require.Less(t, time.Since(started), 10*time.Second, "the process must be killed, not awaited")
	require.Contains(t, result.Output, "starting", "output before the kill is retained")
}

func TestExecuteUnknownProvider(t *testing.T) {
	runner := NewRunner(provider.NewManager(), testLogger())

	_, err := runner.Execute(context.Background(), "no-such-provider", Request{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown provider")
}
