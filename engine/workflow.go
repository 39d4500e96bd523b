package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/offerpipe/offerpipe/model"
)

// StepFunc executes one step. The context carries the step's soft timeout
// and the run's hard deadline, whichever is sooner. The returned map is
// persisted as the step's output and merged into the run values.
type StepFunc func(ctx context.Context, rc *RunContext) (map[string]any, error)

type StepDef struct {
	Name    string
	Timeout time.Duration
	// MaxAttempts bounds retries of transient failures. Zero means the
	// engine default.
	MaxAttempts int
	Run         StepFunc
}

// WorkflowDef is a fixed, ordered list of named steps triggered by one
// event name.
type WorkflowDef struct {
	Name      string
	EventName string
	// HardDeadline is the run watchdog budget. Zero means the engine default.
	HardDeadline time.Duration
	// EntityId decodes and validates the triggering payload and returns
	// the id of the owning entity. A ValidationError here fails the event
	// immediately, no run is created.
	EntityId func(evt model.Event) (string, error)
	Steps    []StepDef
	// OnFailure moves the owning entity to its failed status. Called once
	// per terminal run failure, with a context independent of the run's.
	OnFailure func(ctx context.Context, entityId string, cause error)
}

const haltedKey = "_halted"

// RunContext is the per-run scratch space threaded through steps. Values
// holds the merged outputs of completed steps; on redelivery it is rebuilt
// from persisted step records.
type RunContext struct {
	Run    *model.WorkflowRun
	Event  model.Event
	Values map[string]any
	halted bool
}

// Halt completes the run without executing the remaining steps. Used when
// a step determines there is nothing left to do, e.g. an empty candidate
// search. The halt survives redelivery via the step's persisted output.
func (rc *RunContext) Halt() {
	rc.halted = true
}

// Value decodes the named run value into T. Values that crossed a persist
// boundary are generic JSON shapes, so decoding goes through a marshal
// round trip.
func Value[T any](rc *RunContext, key string) (T, error) {
	var out T
	raw, ok := rc.Values[key]
	if !ok {
		return out, fmt.Errorf("run value %q not set", key)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}
