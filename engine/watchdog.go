package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/offerpipe/offerpipe/logger"
	"github.com/offerpipe/offerpipe/persistence"
	"github.com/offerpipe/offerpipe/util"
	"go.uber.org/zap"
)

// ErrWatchdogExpired is the cause recorded on a run the watchdog killed.
var ErrWatchdogExpired = errors.New("run exceeded its hard deadline")

// Watchdog scans the deadline index and defensively fails every run still
// running past its deadline, so no entity is ever left in a processing
// state forever.
type Watchdog struct {
	engine *Engine
	ticker *util.TickWorker
}

func NewWatchdog(engine *Engine, wg *sync.WaitGroup) *Watchdog {
	w := &Watchdog{engine: engine}
	w.ticker = util.NewTickWorker("watchdog-worker", 1*time.Second, w.tick, wg)
	return w
}

func (w *Watchdog) Name() string {
	return "watchdog-executor"
}

func (w *Watchdog) Start() error {
	w.ticker.Start()
	logger.Info("watchdog executor started")
	return nil
}

func (w *Watchdog) Stop() error {
	w.ticker.Stop()
	return nil
}

func (w *Watchdog) tick() {
	ctx := context.Background()
	expired, err := w.engine.storage.Deadlines().Expired(ctx, time.Now())
	if err != nil {
		logger.Error("error while scanning run deadlines", zap.Error(err))
		return
	}
	for _, runKey := range expired {
		w.expire(ctx, runKey)
	}
}

func (w *Watchdog) expire(ctx context.Context, runKey string) {
	run, err := w.engine.storage.Runs().Get(ctx, runKey)
	if err != nil {
		var notFound persistence.NotFoundError
		if errors.As(err, &notFound) {
			return
		}
		logger.Error("error loading run for watchdog", zap.String("runKey", runKey), zap.Error(err))
		return
	}
	if run.Terminal() {
		return
	}
	def, ok := w.engine.defs[run.WorkflowName]
	if !ok {
		logger.Error("watchdog found run for unregistered workflow", zap.String("runKey", runKey), zap.String("workflow", run.WorkflowName))
		return
	}
	logger.Error("watchdog expiring stuck run", zap.String("workflow", run.WorkflowName), zap.String("runKey", runKey))
	w.engine.failRun(ctx, def, run, fmt.Errorf("%w after %s", ErrWatchdogExpired, time.Since(run.StartedAt).Round(time.Second)))
}
