package extract

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TestResult is one test's outcome as reported by the agent.
type TestResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// GeneratedTest is one test produced by a test-generation job.
type GeneratedTest struct {
	Name string `json:"name"`
	Code string `json:"code"`
	Type string `json:"type,omitempty"`
}

// TestResults decodes the conventional test-outcome payload from free text.
// Accepts a bare array or an object wrapping it under "tests" or "results".
func TestResults(text string) ([]TestResult, error) {
	payload, err := JSON(text)
	if err != nil {
		return nil, err
	}

	var results []TestResult
	if err := decodeListPayload(payload, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// GeneratedTests decodes a test-generation payload from free text.
// Generated tests without a name or code are dropped rather than failing
// the whole batch.
func GeneratedTests(text string) ([]GeneratedTest, error) {
	payload, err := JSON(text)
	if err != nil {
		return nil, err
	}

	var tests []GeneratedTest
	if err := decodeListPayload(payload, &tests); err != nil {
		return nil, err
	}

	kept := tests[:0]
	for _, test := range tests {
		if strings.TrimSpace(test.Name) != "" && strings.TrimSpace(test.Code) != "" {
			kept = append(kept, test)
		}
	}
	return kept, nil
}

// Summary aggregates a result list into execution counts.
type Summary struct {
	Total   int
	Passed  int
	Failed  int
	Skipped int
}

func Summarize(results []TestResult) Summary {
	summary := Summary{Total: len(results)}
	for _, result := range results {
		switch strings.ToLower(strings.TrimSpace(result.Status)) {
		case "passed", "pass", "green":
			summary.Passed++
		case "skipped", "skip":
			summary.Skipped++
		default:
			summary.Failed++
		}
	}
	return summary
}

// AllPassed reports whether a non-empty result list contains no failures.
func (summary Summary) AllPassed() bool {
	return summary.Total > 0 && summary.Failed == 0
}

// decodeListPayload unmarshals either a bare JSON array or an object that
// wraps the array under a conventional key.
func decodeListPayload(payload json.RawMessage, target any) error {
	trimmed := strings.TrimSpace(string(payload))
	if strings.HasPrefix(trimmed, "[") {
		return json.Unmarshal(payload, target)
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(payload, &wrapper); err != nil {
		return fmt.Errorf("payload is neither a list nor an object: %w", err)
	}
	for _, key := range []string{"tests", "results", "items"} {
		if inner, ok := wrapper[key]; ok {
			return json.Unmarshal(inner, target)
		}
	}
	return fmt.Errorf("%w: object payload has no tests/results list", ErrNoPayload)
}
