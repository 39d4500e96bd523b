package model

import "time"

type RunStatus string

const RUN_PENDING RunStatus = "pending"
const RUN_RUNNING RunStatus = "running"
const RUN_COMPLETED RunStatus = "completed"
const RUN_FAILED RunStatus = "failed"

type StepStatus string

const STEP_COMPLETED StepStatus = "completed"
const STEP_FAILED StepStatus = "failed"

// StepRecord is the persisted outcome of one named step within a run.
// Records are memoized by (run key, step name): redelivery of the same
// event must never re-execute a completed step.
type StepRecord struct {
	StepName    string         `json:"stepName"`
	Attempt     int            `json:"attempt"`
	Status      StepStatus     `json:"status"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"startedAt"`
	CompletedAt time.Time      `json:"completedAt"`
}

// WorkflowRun is one instance of a named workflow triggered by one event.
// Owned exclusively by the step executor; terminal once all steps finish
// or one step fails non-retryably.
type WorkflowRun struct {
	Key          string                `json:"key"`
	WorkflowName string                `json:"workflowName"`
	EntityId     string                `json:"entityId"`
	Event        Event                 `json:"event"`
	Status       RunStatus             `json:"status"`
	Error        string                `json:"error,omitempty"`
	Steps        map[string]StepRecord `json:"steps"`
	StartedAt    time.Time             `json:"startedAt"`
	FinishedAt   time.Time             `json:"finishedAt,omitempty"`
	Deadline     time.Time             `json:"deadline"`
}

func (r *WorkflowRun) StepCompleted(name string) bool {
	rec, ok := r.Steps[name]
	return ok && rec.Status == STEP_COMPLETED
}

func (r *WorkflowRun) Terminal() bool {
	return r.Status == RUN_COMPLETED || r.Status == RUN_FAILED
}
