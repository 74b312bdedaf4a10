package store

import (
	"encoding/json"
	"time"
)

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

type ResultStatus string

const (
	ResultToDo       ResultStatus = "toDo"
	ResultInProgress ResultStatus = "inProgress"
	ResultPassed     ResultStatus = "passed"
	ResultFailed     ResultStatus = "failed"
	ResultBlocked    ResultStatus = "blocked"
	ResultSkipped    ResultStatus = "skipped"
)

// Valid reports whether s is one of the known result statuses.
func (s ResultStatus) Valid() bool {
	switch s {
	case ResultToDo, ResultInProgress, ResultPassed, ResultFailed, ResultBlocked, ResultSkipped:
		return true
	}
	return false
}

// Terminal reports whether s closes a timed execution.
func (s ResultStatus) Terminal() bool {
	return s == ResultPassed || s == ResultFailed || s == ResultBlocked
}

type TestRun struct {
	ID            string
	TestPlanID    string
	RepositoryID  string
	ProjectID     string
	Title         string
	Status        RunStatus
	Environment   string
	BuildVersion  string
	ExecutionDate time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	CreatedAt     time.Time
}

type TestCase struct {
	ID           string
	RepositoryID string
	Title        string
}

// TestPlan carries its case membership in CaseIDs.
type TestPlan struct {
	ID           string
	RepositoryID string
	ProjectID    string
	Title        string
	CaseIDs      []string
}

type TestRunResult struct {
	ID            string
	TestRunID     string
	TestCaseID    string
	Status        ResultStatus
	ExecutedAt    *time.Time
	CompletedAt   *time.Time
	ExecutionTime *int64 // seconds
	ExecutedBy    *string
}

// ResultRow is a result joined to its test case.
type ResultRow struct {
	TestRunResult
	CaseTitle string
}

type ScheduleTemplate struct {
	ID             string
	ProjectID      string
	RepositoryID   string
	TestPlanID     string
	TitlePattern   string
	Frequency      string
	ScheduleConfig json.RawMessage
	Environment    string
	BuildVersion   string
}

type ScheduledRun struct {
	ID         string
	TemplateID string
	LastRunAt  *time.Time
	LastRunID  *string
	RunCount   int
	NextRunAt  *time.Time
}

type JobState string

const (
	JobQueued    JobState = "queued"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Finished reports whether the job reached a final state.
func (s JobState) Finished() bool { return s == JobCompleted || s == JobFailed }

// JobRecord is the durable side of a queued job.
type JobRecord struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	State      JobState        `json:"state"`
	Attempts   int             `json:"attempts"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}
