package tdd

import (
	"fmt"
	"strings"
)

// buildGreenPrompt asks the agent to make the current batch pass and to
// report per-test outcomes as a fenced JSON block the extractor understands.
func buildGreenPrompt(cycle Cycle) string {
	var prompt strings.Builder

	if cycle.ContextBundle != "" {
		prompt.WriteString("## Project context\n\n")
		prompt.WriteString(cycle.ContextBundle)
		prompt.WriteString("\n\n")
	}

	batch := cycle.CurrentBatch()
	fmt.Fprintf(&prompt, "## Task\n\nImplement the minimum code needed to make the following %d test(s) pass. Do not modify the tests. Run the full test suite before finishing and make sure previously passing tests still pass.\n\n", len(batch))
	for _, test := range batch {
		fmt.Fprintf(&prompt, "### %s\n\n```\n%s\n```\n\n", test.Name, test.Code)
	}

	prompt.WriteString(reportingInstructions)
	return prompt.String()
}

// buildRefactorPrompt asks the agent to clean up the code written so far
// without changing behavior.
func buildRefactorPrompt(cycle Cycle) string {
	var prompt strings.Builder

	if cycle.ContextBundle != "" {
		prompt.WriteString("## Project context\n\n")
		prompt.WriteString(cycle.ContextBundle)
		prompt.WriteString("\n\n")
	}

	fmt.Fprintf(&prompt, "## Task\n\nRefactor the implementation written so far: remove duplication, improve naming, and simplify structure. %d of %d tests are currently passing. Behavior must not change; every currently passing test must still pass when you are done.\n\n", cycle.GreenCount(), cycle.TotalTests)
	prompt.WriteString(reportingInstructions)
	return prompt.String()
}

const reportingInstructions = "## Reporting\n\nWhen finished, emit the per-test outcomes as a fenced JSON block:\n\n```json\n[{\"name\":\"TestName\",\"status\":\"passed\"}]\n```\n\nUse status \"passed\", \"failed\", or \"skipped\" for each test you ran.\n"
