package provider

import (
	"regexp"
	"strings"
)

var (
	codexRateLimit = regexp.MustCompile(`(?i)(?:rate limit(?:ed)?|too many requests|resource[_ ]exhausted|quota exceeded)`)
	codexError     = regexp.MustCompile(`(?m)^(?:Error:|ERROR:|Traceback \(most recent call last\):|panic:)`)
	codexStream    = regexp.MustCompile(`(?i)stream (?:error|disconnected)`)
)

type CodexProvider struct{}

func NewCodexProvider() *CodexProvider {
	return &CodexProvider{}
}

func (p *CodexProvider) Name() string { return "codex" }

func (p *CodexProvider) Command(mode, prompt string) (string, []string) {
	args := []string{"exec", "--skip-git-repo-check"}
	if mode == ModeTDDGreen || mode == ModeTDDRefactor || mode == ModeImplement {
		args = append(args, "--full-auto")
	}
	args = append(args, prompt)
	return "codex", args
}

func (p *CodexProvider) Env() []string {
	return []string{"NO_COLOR=1", "TERM=dumb", "CI=1", "RUST_LOG=error"}
}

func (p *CodexProvider) DetectFailure(output string) string {
	if match := codexRateLimit.FindString(output); match != "" {
		return "provider reported a rate limit: " + strings.TrimSpace(match)
	}
	if match := codexStream.FindString(output); match != "" {
		return "provider stream failed: " + strings.TrimSpace(match)
	}
	if match := codexError.FindString(output); match != "" {
		return "provider reported an error: " + strings.TrimSpace(match)
	}
	return ""
}
