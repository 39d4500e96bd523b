package engine

import (
	"context"
	"sync"
	"time"

	"github.com/offerpipe/offerpipe/logger"
	"github.com/offerpipe/offerpipe/util"
	"go.uber.org/zap"
)

// RetryExecutor polls the delay queue and re-submits due step retries to
// the engine. The engine resumes from persisted step records, so only the
// failed step actually re-executes.
type RetryExecutor struct {
	engine *Engine
	ticker *util.TickWorker
}

func NewRetryExecutor(engine *Engine, wg *sync.WaitGroup) *RetryExecutor {
	ex := &RetryExecutor{engine: engine}
	ex.ticker = util.NewTickWorker("retry-worker", 1*time.Second, ex.tick, wg)
	return ex
}

func (ex *RetryExecutor) Name() string {
	return "retry-executor"
}

func (ex *RetryExecutor) Start() error {
	ex.ticker.Start()
	logger.Info("retry executor started")
	return nil
}

func (ex *RetryExecutor) Stop() error {
	ex.ticker.Stop()
	return nil
}

func (ex *RetryExecutor) tick() {
	ctx := context.Background()
	messages, err := ex.engine.storage.DelayQueue().Pop(ctx, retryQueueName)
	if err != nil {
		logger.Error("error while polling retry queue", zap.Error(err))
		return
	}
	for _, message := range messages {
		envelope, err := ex.engine.envelopeEncDec.Decode(message)
		if err != nil {
			logger.Error("can not decode retry envelope", zap.Error(err))
			continue
		}
		if err := ex.engine.Handle(ctx, envelope.WorkflowName, envelope.Event); err != nil {
			logger.Error("error re-executing workflow run", zap.String("runKey", envelope.RunKey), zap.Error(err))
		}
	}
}
