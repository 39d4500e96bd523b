package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/offerpipe/offerpipe/config"
	"github.com/offerpipe/offerpipe/event"
	"github.com/offerpipe/offerpipe/logger"
	"github.com/offerpipe/offerpipe/model"
	"github.com/offerpipe/offerpipe/persistence"
	"github.com/offerpipe/offerpipe/util"
	"go.uber.org/zap"
)

const retryQueueName = "step-retries"
const maxRetryDelay = 5 * time.Minute
const maxErrorLength = 500

type retryEnvelope struct {
	WorkflowName string      `json:"workflowName"`
	RunKey       string      `json:"runKey"`
	Event        model.Event `json:"event"`
}

// Engine drives workflow runs: one run per (workflow, entity, event),
// steps executed in order, each outcome persisted before the next step
// starts. Completed steps are never re-executed on redelivery.
type Engine struct {
	storage        persistence.Storage
	bus            event.Bus
	defs           map[string]*WorkflowDef
	envelopeEncDec util.EncoderDecoder[retryEnvelope]
	baseDelay      time.Duration
	maxAttempts    int
	runDeadline    time.Duration
}

func New(storage persistence.Storage, bus event.Bus, conf config.PipelineConfig) *Engine {
	return &Engine{
		storage:        storage,
		bus:            bus,
		defs:           make(map[string]*WorkflowDef),
		envelopeEncDec: util.NewJsonEncoderDecoder[retryEnvelope](),
		baseDelay:      conf.RetryBaseDelay,
		maxAttempts:    conf.MaxAttempts,
		runDeadline:    conf.RunDeadline,
	}
}

// Register wires a workflow definition to its triggering event.
func (e *Engine) Register(def WorkflowDef) {
	d := def
	e.defs[d.Name] = &d
	e.bus.Subscribe(d.EventName, func(ctx context.Context, evt model.Event) error {
		return e.Handle(ctx, d.Name, evt)
	})
}

// Handle runs the named workflow for one delivered event. Redelivery of an
// event whose run already finished is a no-op.
func (e *Engine) Handle(ctx context.Context, workflowName string, evt model.Event) error {
	def, ok := e.defs[workflowName]
	if !ok {
		return fmt.Errorf("workflow %s not registered", workflowName)
	}
	entityId, err := def.EntityId(evt)
	if err != nil {
		logger.Error("invalid event payload", zap.String("workflow", workflowName), zap.String("eventId", evt.Id), zap.ByteString("payload", evt.Payload), zap.Error(err))
		return err
	}
	runKey := RunKey(def.Name, entityId, evt.Id)
	run, err := e.storage.Runs().Get(ctx, runKey)
	if err != nil {
		var notFound persistence.NotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
		run = &model.WorkflowRun{
			Key:          runKey,
			WorkflowName: def.Name,
			EntityId:     entityId,
			Event:        evt,
			Status:       model.RUN_RUNNING,
			Steps:        make(map[string]model.StepRecord),
			StartedAt:    time.Now(),
			Deadline:     time.Now().Add(e.deadlineFor(def)),
		}
		if err := e.storage.Runs().Save(ctx, run); err != nil {
			return err
		}
		if err := e.storage.Deadlines().Add(ctx, runKey, run.Deadline); err != nil {
			return err
		}
	}
	if run.Terminal() {
		logger.Debug("run already finished, ignoring redelivery", zap.String("runKey", runKey))
		return nil
	}
	return e.execute(ctx, def, run)
}

func (e *Engine) execute(ctx context.Context, def *WorkflowDef, run *model.WorkflowRun) error {
	runCtx, cancel := context.WithDeadline(ctx, run.Deadline)
	defer cancel()

	rc := &RunContext{
		Run:    run,
		Event:  run.Event,
		Values: make(map[string]any),
	}
	for _, step := range def.Steps {
		if rec, ok := run.Steps[step.Name]; ok && rec.Status == model.STEP_COMPLETED {
			mergeOutput(rc, rec.Output)
		}
	}

	for _, step := range def.Steps {
		if rc.halted {
			break
		}
		if run.StepCompleted(step.Name) {
			continue
		}
		if err := e.executeStep(runCtx, def, run, rc, step); err != nil {
			return nil
		}
	}

	run.Status = model.RUN_COMPLETED
	run.FinishedAt = time.Now()
	detached := context.WithoutCancel(ctx)
	if err := e.storage.Runs().Save(detached, run); err != nil {
		return err
	}
	if err := e.storage.Deadlines().Remove(detached, run.Key); err != nil {
		logger.Error("error removing run deadline", zap.String("runKey", run.Key), zap.Error(err))
	}
	logger.Info("workflow run completed", zap.String("workflow", def.Name), zap.String("runKey", run.Key))
	return nil
}

// executeStep runs a single step and persists its record. A non-nil error
// means the run cannot proceed now: it was either scheduled for retry or
// marked failed.
func (e *Engine) executeStep(ctx context.Context, def *WorkflowDef, run *model.WorkflowRun, rc *RunContext, step StepDef) error {
	attempt := run.Steps[step.Name].Attempt + 1
	rec := model.StepRecord{
		StepName:  step.Name,
		Attempt:   attempt,
		StartedAt: time.Now(),
	}

	stepCtx := ctx
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	output, err := step.Run(stepCtx, rc)
	rec.CompletedAt = time.Now()
	if err == nil {
		if rc.halted {
			if output == nil {
				output = make(map[string]any)
			}
			output[haltedKey] = true
		}
		rec.Status = model.STEP_COMPLETED
		rec.Output = output
		run.Steps[step.Name] = rec
		mergeOutput(rc, output)
		return e.storage.Runs().Save(context.WithoutCancel(ctx), run)
	}

	rec.Status = model.STEP_FAILED
	rec.Error = model.TruncateError(err, maxErrorLength)
	run.Steps[step.Name] = rec

	maxAttempts := step.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = e.maxAttempts
	}
	detached := context.WithoutCancel(ctx)
	if model.IsRetryable(err) && attempt < maxAttempts {
		if saveErr := e.storage.Runs().Save(detached, run); saveErr != nil {
			return saveErr
		}
		delay := e.retryDelay(attempt)
		logger.Warn("step failed, scheduling retry",
			zap.String("workflow", def.Name),
			zap.String("runKey", run.Key),
			zap.String("step", step.Name),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if pushErr := e.scheduleRetry(detached, def, run, delay); pushErr != nil {
			logger.Error("error scheduling step retry", zap.String("runKey", run.Key), zap.Error(pushErr))
			e.failRun(detached, def, run, err)
		}
		return err
	}

	e.failRun(detached, def, run, err)
	return err
}

// retryDelay is base * 2^(attempt-1), capped.
func (e *Engine) retryDelay(attempt int) time.Duration {
	delay := e.baseDelay << (attempt - 1)
	if delay > maxRetryDelay || delay <= 0 {
		delay = maxRetryDelay
	}
	return delay
}

func (e *Engine) scheduleRetry(ctx context.Context, def *WorkflowDef, run *model.WorkflowRun, delay time.Duration) error {
	envelope := retryEnvelope{
		WorkflowName: def.Name,
		RunKey:       run.Key,
		Event:        run.Event,
	}
	data, err := e.envelopeEncDec.Encode(envelope)
	if err != nil {
		return err
	}
	return e.storage.DelayQueue().PushWithDelay(ctx, retryQueueName, delay, data)
}

// failRun marks the run failed, moves the owning entity to its failed
// status and publishes a status-update. Every terminal failure path of
// the engine ends here; nothing fails silently.
func (e *Engine) failRun(ctx context.Context, def *WorkflowDef, run *model.WorkflowRun, cause error) {
	run.Status = model.RUN_FAILED
	run.Error = model.TruncateError(cause, maxErrorLength)
	run.FinishedAt = time.Now()
	if err := e.storage.Runs().Save(ctx, run); err != nil {
		logger.Error("error persisting failed run", zap.String("runKey", run.Key), zap.Error(err))
	}
	if err := e.storage.Deadlines().Remove(ctx, run.Key); err != nil {
		logger.Error("error removing run deadline", zap.String("runKey", run.Key), zap.Error(err))
	}
	if def.OnFailure != nil {
		def.OnFailure(ctx, run.EntityId, cause)
	}
	evt, err := model.NewEvent(uuid.New().String(), model.EVENT_STATUS_UPDATE, model.StatusUpdatePayload{
		EntityId:   run.EntityId,
		EntityType: def.Name,
		Status:     string(model.RUN_FAILED),
		Error:      run.Error,
	})
	if err == nil {
		if err := e.bus.Publish(ctx, evt); err != nil {
			logger.Error("error publishing status update", zap.String("runKey", run.Key), zap.Error(err))
		}
	}
	logger.Error("workflow run failed", zap.String("workflow", def.Name), zap.String("runKey", run.Key), zap.String("error", run.Error))
}

func (e *Engine) deadlineFor(def *WorkflowDef) time.Duration {
	if def.HardDeadline > 0 {
		return def.HardDeadline
	}
	return e.runDeadline
}

func mergeOutput(rc *RunContext, output map[string]any) {
	for k, v := range output {
		if k == haltedKey {
			rc.halted = true
			continue
		}
		rc.Values[k] = v
	}
}

// RunKey is deterministic so an exact redelivery resolves to the same run.
func RunKey(workflowName string, entityId string, eventId string) string {
	return fmt.Sprintf("%s:%s:%s", workflowName, entityId, eventId)
}
