// Package extract recovers machine-readable payloads from free-form agent
// output. The agent is asked to emit a fenced JSON block but frequently
// prefixes it with prose, fences it inconsistently, or skips fencing
// entirely, so extraction is an ordered chain of strategies: precise ones
// first to avoid false positives from JSON-looking fragments in prose, a
// permissive scan last so messy output is still recoverable.
package extract

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// ErrNoPayload reports that no strategy produced a parseable payload. This
// is a soft, user-visible failure: callers keep the raw text for diagnosis
// and never treat it as a crash.
var ErrNoPayload = errors.New("no structured payload found in agent output")

var (
	labeledFencePattern = regexp.MustCompile("(?s)```(?:json|JSON)[ \t]*\n(.*?)```")
	anyFencePattern     = regexp.MustCompile("(?s)```[a-zA-Z]*[ \t]*\n?(.*?)```")
	markerPattern       = regexp.MustCompile(`(?i)(?:here (?:is|are)(?: the)?|results?:|output:|final answer:|generated tests:)`)
)

type strategy func(text string) []string

// JSON extracts the first parseable JSON array or object from text, trying
// each strategy in order and returning the first candidate that both looks
// structurally plausible and parses.
func JSON(text string) (json.RawMessage, error) {
	strategies := []strategy{
		labeledFences,
		matchingFences,
		balancedFromFirstDelimiter,
		balancedAfterMarker,
		bestBalancedAnywhere,
	}

	for _, locate := range strategies {
		for _, candidate := range locate(text) {
			trimmed := strings.TrimSpace(candidate)
			if plausible(trimmed) && json.Valid([]byte(trimmed)) {
				return json.RawMessage(trimmed), nil
			}
		}
	}
	return nil, ErrNoPayload
}

// plausible is the cheap pre-parse check: non-empty, and the outer
// delimiters form a matching pair.
func plausible(candidate string) bool {
	if len(candidate) < 2 {
		return false
	}
	first := candidate[0]
	last := candidate[len(candidate)-1]
	return (first == '{' && last == '}') || (first == '[' && last == ']')
}

// labeledFences returns the contents of blocks explicitly fenced as json.
func labeledFences(text string) []string {
	matches := labeledFencePattern.FindAllStringSubmatch(text, -1)
	candidates := make([]string, 0, len(matches))
	for _, match := range matches {
		candidates = append(candidates, match[1])
	}
	return candidates
}

// matchingFences returns any fenced block whose content has matching outer
// delimiters, regardless of the fence label.
func matchingFences(text string) []string {
	matches := anyFencePattern.FindAllStringSubmatch(text, -1)
	candidates := make([]string, 0, len(matches))
	for _, match := range matches {
		if plausible(strings.TrimSpace(match[1])) {
			candidates = append(candidates, match[1])
		}
	}
	return candidates
}

// balancedFromFirstDelimiter scans from the first opening delimiter in the
// raw text.
func balancedFromFirstDelimiter(text string) []string {
	start := strings.IndexAny(text, "[{")
	if start < 0 {
		return nil
	}
	if candidate, ok := scanBalanced(text, start); ok {
		return []string{candidate}
	}
	return nil
}

// balancedAfterMarker anchors the scan after a "here is the result" style
// phrase, skipping leading prose that may itself contain stray delimiters.
func balancedAfterMarker(text string) []string {
	location := markerPattern.FindStringIndex(text)
	if location == nil {
		return nil
	}
	remainder := text[location[1]:]
	offset := strings.IndexAny(remainder, "[{")
	if offset < 0 {
		return nil
	}
	if candidate, ok := scanBalanced(remainder, offset); ok {
		return []string{candidate}
	}
	return nil
}

// bestBalancedAnywhere is the last resort: collect every balanced substring
// in the text and prefer the longest parseable array, falling back to the
// first parseable object. Precision is traded for recoverability here.
func bestBalancedAnywhere(text string) []string {
	var longestArray string
	var firstObject string

	for index := 0; index < len(text); index++ {
		char := text[index]
		if char != '[' && char != '{' {
			continue
		}
		candidate, ok := scanBalanced(text, index)
		if !ok || !json.Valid([]byte(candidate)) {
			continue
		}
		if char == '[' {
			if len(candidate) > len(longestArray) {
				longestArray = candidate
			}
		} else if firstObject == "" {
			firstObject = candidate
		}
	}

	candidates := make([]string, 0, 2)
	if longestArray != "" {
		candidates = append(candidates, longestArray)
	}
	if firstObject != "" {
		candidates = append(candidates, firstObject)
	}
	return candidates
}

// scanBalanced walks text from an opening delimiter at start and returns
// the substring up to the matching close. String literals and escape
// sequences are tracked so delimiters inside string values are not
// miscounted.
func scanBalanced(text string, start int) (string, bool) {
	var stack []byte
	inString := false
	escaped := false

	for index := start; index < len(text); index++ {
		char := text[index]

		if inString {
			switch {
			case escaped:
				escaped = false
			case char == '\\':
				escaped = true
			case char == '"':
				inString = false
			}
			continue
		}

		switch char {
		case '"':
			inString = true
		case '[', '{':
			stack = append(stack, char)
		case ']':
			if len(stack) == 0 || stack[len(stack)-1] != '[' {
				return "", false
			}
			stack = stack[:len(stack)-1]
		case '}':
			if len(stack) == 0 || stack[len(stack)-1] != '{' {
				return "", false
			}
			stack = stack[:len(stack)-1]
		}

		if len(stack) == 0 {
			return text[start : index+1], true
		}
	}
	return "", false
}
