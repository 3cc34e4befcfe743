package provider

import (
	"strings"
	"testing"
)

func TestNewByType(t *testing.T) {
	codex, err := NewByType("codex")
	if err != nil {
		t.Fatalf("failed to create codex provider: %v", err)
	}
	if codex.Name() != "codex" {
		t.Fatalf("expected codex name, got %s", codex.Name())
	}

	claude, err := NewByType("claude_code")
	if err != nil {
		t.Fatalf("failed to create claude_code provider: %v", err)
	}
	if claude.Name() != "claude_code" {
		t.Fatalf("expected claude_code name, got %s", claude.Name())
	}

	if _, err := NewByType("gemini"); err == nil {
		t.Fatal("expected error for unknown provider type")
	}
}

func TestManagerGet(t *testing.T) {
	manager := NewManager()

	p, err := manager.Get("claude_code")
	if err != nil {
		t.Fatalf("failed to get claude_code: %v", err)
	}
	if p.Name() != "claude_code" {
		t.Fatalf("expected claude_code, got %s", p.Name())
	}

	if _, err := manager.Get("unknown"); err == nil {
		t.Fatal("expected error for unregistered provider")
	}
}

func TestClaudeCodeDetectFailure(t *testing.T) {
	p := NewClaudeCodeProvider()

	cases := []struct {
		name    string
		output  string
		wantHit bool
	}{
		{"clean output", "I implemented the feature.\nAll tests pass.", false},
		{"rate limit on exit 0", "Request failed.\nUsage limit reached, try again at 5pm.", true},
		{"api error line", "some prose\nAPI Error: 529 overloaded\n", true},
		{"credits", "Credit balance is too low to continue.", true},
		{"prose mentioning errors casually", "I fixed the error handling in retry.go.", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reason := p.DetectFailure(tc.output)
			if tc.wantHit && reason == "" {
				t.Fatalf("expected a failure signature in %q", tc.output)
			}
			if !tc.wantHit && reason != "" {
				t.Fatalf("expected no failure signature in %q, got %q", tc.output, reason)
			}
		})
	}
}

func TestCodexDetectFailure(t *testing.T) {
	p := NewCodexProvider()

	if reason := p.DetectFailure("done.\nERROR: stream disconnected before completion"); reason == "" {
		t.Fatal("expected stream failure to be detected")
	}
	if reason := p.DetectFailure("429 Too Many Requests"); reason == "" {
		t.Fatal("expected rate limit to be detected")
	}
	if reason := p.DetectFailure("wrote 3 files, all checks green"); reason != "" {
		t.Fatalf("expected clean output, got %q", reason)
	}
}

func TestCommandNeverUsesStdin(t *testing.T) {
	prompt := "implement the widget\nwith multiple lines"

	for _, name := range []string{"codex", "claude_code"} {
		p, err := NewByType(name)
		if err != nil {
			t.Fatalf("failed to create %s: %v", name, err)
		}
		_, args := p.Command(ModeImplement, prompt)
		joined := strings.Join(args, "\x00")
		if !strings.Contains(joined, prompt) {
			t.Fatalf("expected %s to carry the prompt via argv", name)
		}
	}
}
