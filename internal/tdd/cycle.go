// Package tdd drives the batch Green -> Refactor cycle for a coding
// session. Cycle is a pure value type: every transition returns a new
// snapshot and the engine persists snapshots wholesale, which keeps
// re-applied transitions idempotent after a reclamation race.
package tdd

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Phases of the cycle.
const (
	PhaseGreen    = "green"
	PhaseRefactor = "refactor"
)

// Per-test statuses. A test only advances pending -> green -> refactored.
const (
	TestStatusPending    = "pending"
	TestStatusGreen      = "green"
	TestStatusRefactored = "refactored"
)

// DefaultBatchSize is the number of tests one green job covers.
const DefaultBatchSize = 3

// StuckThreshold is how many failed attempts at one batch are tolerated
// before the cycle force-advances past it. Forward progress is prioritized
// over perfection; the skip is logged and recorded as a job event.
const StuckThreshold = 3

var ErrEmptyTestList = errors.New("cannot initialize a TDD cycle with no tests")

// TestCase is one entry in the ordered test list.
type TestCase struct {
	Name     string `json:"name"`
	Code     string `json:"code"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
}

// Cycle is the embedded TDD state of a coding session.
type Cycle struct {
	TestIndex     int        `json:"test_index"`
	Phase         string     `json:"phase"`
	BatchSize     int        `json:"batch_size"`
	AllTests      []TestCase `json:"all_tests"`
	TotalTests    int        `json:"total_tests"`
	RefactorCount int        `json:"refactor_count"`
	StuckCount    int        `json:"stuck_count"`

	// Checkpoint bookkeeping: each strategic refactor fires once.
	MidpointRefactorDone bool `json:"midpoint_refactor_done"`
	FinalRefactorDone    bool `json:"final_refactor_done"`

	// ContextBundle is loaded once at initialization and reused by every
	// phase prompt; context assembly is expensive.
	ContextBundle string `json:"context_bundle,omitempty"`
}

// NewCycle builds the initial cycle state for an ordered test list.
func NewCycle(tests []TestCase, batchSize int, contextBundle string) (Cycle, error) {
	if len(tests) == 0 {
		return Cycle{}, ErrEmptyTestList
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	allTests := make([]TestCase, len(tests))
	for i, test := range tests {
		allTests[i] = TestCase{
			Name:   strings.TrimSpace(test.Name),
			Code:   test.Code,
			Status: TestStatusPending,
		}
	}

	return Cycle{
		TestIndex:     0,
		Phase:         PhaseGreen,
		BatchSize:     batchSize,
		AllTests:      allTests,
		TotalTests:    len(allTests),
		ContextBundle: contextBundle,
	}, nil
}

// ParseCycle decodes a persisted cycle snapshot. A snapshot that does not
// decode or fails basic sanity checks is cycle-state corruption, which is
// fatal to the owning session.
func ParseCycle(raw json.RawMessage) (Cycle, error) {
	if len(raw) == 0 {
		return Cycle{}, errors.New("session has no TDD cycle state")
	}
	var cycle Cycle
	if err := json.Unmarshal(raw, &cycle); err != nil {
		return Cycle{}, fmt.Errorf("corrupted TDD cycle state: %w", err)
	}
	if cycle.TotalTests != len(cycle.AllTests) || cycle.TestIndex < 0 || cycle.TestIndex > cycle.TotalTests {
		return Cycle{}, fmt.Errorf("corrupted TDD cycle state: index %d of %d with %d tests",
			cycle.TestIndex, cycle.TotalTests, len(cycle.AllTests))
	}
	return cycle, nil
}

// Encode serializes the snapshot for whole-state replacement.
func (cycle Cycle) Encode() (json.RawMessage, error) {
	encoded, err := json.Marshal(cycle)
	if err != nil {
		return nil, fmt.Errorf("failed to encode TDD cycle: %w", err)
	}
	return encoded, nil
}

// CurrentBatch returns the slice of tests the next green job must cover.
func (cycle Cycle) CurrentBatch() []TestCase {
	if cycle.TestIndex >= cycle.TotalTests {
		return nil
	}
	end := cycle.TestIndex + cycle.BatchSize
	if end > cycle.TotalTests {
		end = cycle.TotalTests
	}
	return cycle.AllTests[cycle.TestIndex:end]
}

// Complete reports whether the cursor has moved past the last test.
func (cycle Cycle) Complete() bool {
	return cycle.TestIndex >= cycle.TotalTests
}

// ProgressPercent is the share of tests that have reached green or beyond.
func (cycle Cycle) ProgressPercent() int {
	if cycle.TotalTests == 0 {
		return 0
	}
	done := 0
	for _, test := range cycle.AllTests {
		if test.Status == TestStatusGreen || test.Status == TestStatusRefactored {
			done++
		}
	}
	return done * 100 / cycle.TotalTests
}

// cursorPercent measures batch advancement rather than green tests, so a
// force-advanced (skipped) batch still moves the checkpoint logic forward.
func (cycle Cycle) cursorPercent() int {
	if cycle.TotalTests == 0 {
		return 0
	}
	return cycle.TestIndex * 100 / cycle.TotalTests
}

// MarkBatchGreen marks every test in the current batch green and resets the
// stuck counter. Statuses never regress: an already refactored test stays
// refactored.
func (cycle Cycle) MarkBatchGreen() Cycle {
	next := cycle.clone()
	end := next.TestIndex + next.BatchSize
	if end > next.TotalTests {
		end = next.TotalTests
	}
	for i := next.TestIndex; i < end; i++ {
		if next.AllTests[i].Status == TestStatusPending {
			next.AllTests[i].Status = TestStatusGreen
		}
	}
	next.StuckCount = 0
	return next
}

// RecordStuckAttempt counts one failed attempt at the current batch.
func (cycle Cycle) RecordStuckAttempt() Cycle {
	next := cycle.clone()
	end := next.TestIndex + next.BatchSize
	if end > next.TotalTests {
		end = next.TotalTests
	}
	for i := next.TestIndex; i < end; i++ {
		next.AllTests[i].Attempts++
	}
	next.StuckCount++
	return next
}

// Advance moves the cursor past the current batch.
func (cycle Cycle) Advance() Cycle {
	next := cycle.clone()
	next.TestIndex += next.BatchSize
	if next.TestIndex > next.TotalTests {
		next.TestIndex = next.TotalTests
	}
	next.Phase = PhaseGreen
	return next
}

// ShouldRefactor is the strategic-checkpoint predicate. Refactoring runs at
// the midpoint crossing (once), at completion (once), and whenever a batch
// has been stuck more than twice. It deliberately does not run after every
// batch: that would multiply agent calls.
func (cycle Cycle) ShouldRefactor() bool {
	if cycle.StuckCount > 2 {
		return true
	}
	if cycle.Complete() {
		return !cycle.FinalRefactorDone
	}
	return !cycle.MidpointRefactorDone && cycle.cursorPercent() >= 50
}

// BeginRefactor moves the cycle into the refactor phase and consumes the
// checkpoint that triggered it.
func (cycle Cycle) BeginRefactor() Cycle {
	next := cycle.clone()
	next.Phase = PhaseRefactor
	if next.Complete() {
		next.FinalRefactorDone = true
	} else if next.cursorPercent() >= 50 {
		next.MidpointRefactorDone = true
	}
	return next
}

// FinishRefactor marks qualifying green tests refactored, counts the pass,
// and returns to the green phase.
func (cycle Cycle) FinishRefactor() Cycle {
	next := cycle.clone()
	for i := range next.AllTests {
		if next.AllTests[i].Status == TestStatusGreen {
			next.AllTests[i].Status = TestStatusRefactored
		}
	}
	next.RefactorCount++
	next.StuckCount = 0
	next.Phase = PhaseGreen
	return next
}

// GreenCount returns how many tests have reached green or beyond.
func (cycle Cycle) GreenCount() int {
	count := 0
	for _, test := range cycle.AllTests {
		if test.Status == TestStatusGreen || test.Status == TestStatusRefactored {
			count++
		}
	}
	return count
}

func (cycle Cycle) clone() Cycle {
	next := cycle
	next.AllTests = make([]TestCase, len(cycle.AllTests))
	copy(next.AllTests, cycle.AllTests)
	return next
}
