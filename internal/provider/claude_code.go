package provider

import (
	"regexp"
	"strings"
)

var (
	ccRateLimit    = regexp.MustCompile(`(?i)(?:rate limit(?:ed)?|usage limit reached|overloaded_error|server overloaded)`)
	ccAPIError     = regexp.MustCompile(`(?m)^\s*(?:API Error|Error:|ERROR:)`)
	ccCreditsError = regexp.MustCompile(`(?i)credit balance is too low`)
)

type ClaudeCodeProvider struct{}

func NewClaudeCodeProvider() *ClaudeCodeProvider {
	return &ClaudeCodeProvider{}
}

func (p *ClaudeCodeProvider) Name() string { return "claude_code" }

func (p *ClaudeCodeProvider) Command(mode, prompt string) (string, []string) {
	args := []string{"-p", prompt, "--output-format", "text"}
	if mode == ModePlan {
		args = append(args, "--permission-mode", "plan")
	}
	return "claude", args
}

func (p *ClaudeCodeProvider) Env() []string {
	return []string{"NO_COLOR=1", "TERM=dumb", "CI=1"}
}

func (p *ClaudeCodeProvider) DetectFailure(output string) string {
	if match := ccRateLimit.FindString(output); match != "" {
		return "provider reported a rate limit: " + strings.TrimSpace(match)
	}
	if ccCreditsError.MatchString(output) {
		return "provider reported insufficient credits"
	}
	if match := ccAPIError.FindString(output); match != "" {
		return "provider reported an error: " + strings.TrimSpace(match)
	}
	return ""
}
