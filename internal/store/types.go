package store

import "encoding/json"

// JobStatus values. A job only moves forward: pending -> running ->
// completed or failed. Terminal jobs are never reopened.
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// Job is one unit of work handed to an external agent process.
type Job struct {
	ID         int64           `json:"id"`
	ProjectID  *int64          `json:"project_id,omitempty"`
	SessionID  *int64          `json:"session_id,omitempty"`
	Provider   string          `json:"provider"`
	Args       json.RawMessage `json:"args"`
	Status     string          `json:"status"`
	Output     *string         `json:"output,omitempty"`
	Error      *string         `json:"error,omitempty"`
	CreatedAt  string          `json:"created_at"`
	StartedAt  *string         `json:"started_at,omitempty"`
	FinishedAt *string         `json:"finished_at,omitempty"`
}

// JobArgs is the decoded shape of the opaque args bag. Only the keys the
// worker itself reads are typed; everything else is ignored on decode and
// preserved in the stored JSON.
type JobArgs struct {
	Mode   string `json:"mode"`
	Prompt string `json:"prompt"`
	Phase  string `json:"phase,omitempty"`
}

// DecodeArgs decodes the job's args bag.
func (job Job) DecodeArgs() (JobArgs, error) {
	var args JobArgs
	if len(job.Args) == 0 {
		return args, nil
	}
	err := json.Unmarshal(job.Args, &args)
	return args, err
}

// JobEvent types. Events are append-only and used for observability and
// streaming, never for control flow.
const (
	JobEventProgress  = "progress"
	JobEventError     = "error"
	JobEventCompleted = "completed"
	JobEventFailed    = "failed"
)

type JobEvent struct {
	ID        int64           `json:"id"`
	JobID     int64           `json:"job_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt string          `json:"created_at"`
}

// CodingSession statuses.
const (
	SessionStatusPending         = "pending"
	SessionStatusGeneratingTests = "generating_tests"
	SessionStatusTestsGenerated  = "tests_generated"
	SessionStatusTDDGreen        = "tdd_green"
	SessionStatusTDDRefactor     = "tdd_refactor"
	SessionStatusRunning         = "running"
	SessionStatusPaused          = "paused"
	SessionStatusCompleted       = "completed"
	SessionStatusFailed          = "failed"
)

// CodingSession tracks one unit of implementation work driven through the
// TDD cycle. Cycle holds the embedded cycle state as JSON; it is replaced
// wholesale on every transition, never patched in place.
type CodingSession struct {
	ID             int64           `json:"id"`
	TaskRef        string          `json:"task_ref"`
	ProgrammerType string          `json:"programmer_type"`
	Status         string          `json:"status"`
	Progress       int             `json:"progress"`
	Cycle          json.RawMessage `json:"tdd_cycle,omitempty"`
	Error          *string         `json:"error,omitempty"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
}

// TestSuite groups recorded test runs by detected type (unit, integration,
// e2e, ...).
type TestSuite struct {
	ID        int64  `json:"id"`
	SessionID *int64 `json:"session_id,omitempty"`
	SuiteType string `json:"suite_type"`
	CreatedAt string `json:"created_at"`
}

// TestExecution statuses.
const (
	ExecutionStatusRunning = "running"
	ExecutionStatusPassed  = "passed"
	ExecutionStatusFailed  = "failed"
	ExecutionStatusSkipped = "skipped"
	ExecutionStatusError   = "error"
)

// TestExecution records one run's aggregate counts. Rows are append-only.
type TestExecution struct {
	ID        int64  `json:"id"`
	SuiteID   int64  `json:"suite_id"`
	Status    string `json:"status"`
	Total     int    `json:"total"`
	Passed    int    `json:"passed"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
	CreatedAt string `json:"created_at"`
}

type JobCreateArgs struct {
	ProjectID *int64
	SessionID *int64
	Provider  string
	Args      json.RawMessage
}

type SessionCreateArgs struct {
	TaskRef        string
	ProgrammerType string
}

type TestExecutionArgs struct {
	SuiteID int64
	Status  string
	Total   int
	Passed  int
	Failed  int
	Skipped int
}
