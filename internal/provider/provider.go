package provider

// Provider abstracts one agent CLI backend (Claude Code, Codex, ...) invoked
// as a non-interactive subprocess. The agent's reasoning is opaque; the
// provider only knows how to build the command line and how to recognize
// failure text the tool prints while still exiting 0.
type Provider interface {
	// Name returns the provider identifier (e.g. "codex", "claude_code").
	Name() string

	// Command returns the executable and argument list for one invocation.
	// The prompt always travels via argv, never via stdin, so the child
	// process can run with stdin closed.
	Command(mode, prompt string) (string, []string)

	// Env returns extra environment entries appended to the parent
	// environment. Providers use this to force non-interactive, UI-free
	// behavior regardless of the inherited terminal settings.
	Env() []string

	// DetectFailure scans combined output for a failure signature and
	// returns a human-readable reason, or "" when none is found. Agent
	// CLIs sometimes exit 0 while their payload encodes a rate-limit or
	// API error, so exit codes alone are not trusted.
	DetectFailure(output string) string
}

// Modes a job's args bag may carry. The provider adapters only special-case
// a few of them; unknown modes fall through to the default invocation.
const (
	ModePlan           = "plan"
	ModeImplement      = "implement"
	ModeReview         = "review"
	ModeTestGeneration = "test_generation"
	ModeTDDGreen       = "tdd_green"
	ModeTDDRefactor    = "tdd_refactor"
)
