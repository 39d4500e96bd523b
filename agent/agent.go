package agent

import (
	"fmt"
	"sync"

	"github.com/offerpipe/offerpipe/ai"
	"github.com/offerpipe/offerpipe/approval"
	"github.com/offerpipe/offerpipe/catalog"
	"github.com/offerpipe/offerpipe/config"
	"github.com/offerpipe/offerpipe/discount"
	"github.com/offerpipe/offerpipe/engine"
	"github.com/offerpipe/offerpipe/event"
	"github.com/offerpipe/offerpipe/imaging"
	"github.com/offerpipe/offerpipe/logger"
	"github.com/offerpipe/offerpipe/model"
	"github.com/offerpipe/offerpipe/objectstore"
	"github.com/offerpipe/offerpipe/persistence"
	"github.com/offerpipe/offerpipe/persistence/memory"
	rd "github.com/offerpipe/offerpipe/persistence/redis"
	"github.com/offerpipe/offerpipe/rest"
	"github.com/offerpipe/offerpipe/service"
	"github.com/offerpipe/offerpipe/workflow"
)

// Agent wires storage, the event bus, the workflow engine and the http
// surface into one process.
type Agent struct {
	Config config.Config

	storage       persistence.Storage
	bus           *event.QueueBus
	engine        *engine.Engine
	retryExecutor *engine.RetryExecutor
	watchdog      *engine.Watchdog
	flyerService  *service.FlyerService
	httpServer    *rest.Server

	shutdown     bool
	shutdownLock sync.Mutex
	wg           sync.WaitGroup
}

func New(conf config.Config) (*Agent, error) {
	a := &Agent{
		Config: conf,
	}
	setup := []func() error{
		a.setupStorage,
		a.setupBus,
		a.setupEngine,
		a.setupWorkflows,
		a.setupHttpServer,
	}
	for _, fn := range setup {
		if err := fn(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *Agent) setupStorage() error {
	switch a.Config.StorageType {
	case config.STORAGE_TYPE_REDIS:
		a.storage = rd.NewRedisStorage(rd.Config{
			Addrs:     a.Config.RedisConfig.Addrs,
			Namespace: a.Config.RedisConfig.Namespace,
		})
	case config.STORAGE_TYPE_MEMORY:
		a.storage = memory.NewStorage()
	default:
		return fmt.Errorf("unknown storage type %s", a.Config.StorageType)
	}
	return nil
}

func (a *Agent) setupBus() error {
	a.bus = event.NewQueueBus(a.storage.Queue(), a.Config.ExecutorCapacity, &a.wg)
	return nil
}

func (a *Agent) setupEngine() error {
	a.engine = engine.New(a.storage, a.bus, a.Config.Pipeline)
	a.retryExecutor = engine.NewRetryExecutor(a.engine, &a.wg)
	a.watchdog = engine.NewWatchdog(a.engine, &a.wg)
	return nil
}

func (a *Agent) setupWorkflows() error {
	aiClient := ai.NewHttpClient(a.Config.AI)
	catalogClient := catalog.NewHttpClient(a.Config.Catalog)
	store := objectstore.NewHttpStore(a.Config.ObjectStore)
	optimizer := imaging.NewHttpOptimizer(a.Config.AI.OptimizerURL, a.Config.AI.RequestTimeout)

	evaluator := approval.NewEvaluator(a.Config.Approval, aiClient, a.storage.Rules(), a.Config.Pipeline.JudgeTimeout)
	discounts := discount.NewApplier(a.storage.Catalog(), a.storage.Items(), aiClient, a.Config.AI.RequestTimeout)
	images := imaging.NewPipeline(a.storage.Items(), aiClient, optimizer, store, a.Config.Pipeline.ImageConcurrency)

	deps := workflow.Deps{
		Storage:    a.storage,
		Bus:        a.bus,
		Downloader: workflow.NewHttpDownloader(a.Config.Pipeline.DownloadTimeout),
		Extractor:  aiClient,
		Scorer:     aiClient,
		Catalog:    catalogClient,
		Evaluator:  evaluator,
		Discounts:  discounts,
		Images:     images,
		Pipeline:   a.Config.Pipeline,
		Approval:   a.Config.Approval,
	}
	workflow.RegisterAll(a.engine, deps)
	a.bus.Subscribe(model.EVENT_STATUS_UPDATE, workflow.StatusUpdates())

	a.flyerService = service.NewFlyerService(a.storage, a.bus, discounts)
	return nil
}

func (a *Agent) setupHttpServer() error {
	var err error
	a.httpServer, err = rest.NewServer(a.Config.HttpPort, a.flyerService)
	return err
}

func (a *Agent) Start() error {
	if err := a.bus.Start(); err != nil {
		return err
	}
	if err := a.retryExecutor.Start(); err != nil {
		return err
	}
	if err := a.watchdog.Start(); err != nil {
		return err
	}
	go func() {
		if err := a.httpServer.Start(); err != nil {
			logger.Error("http server stopped unexpectedly")
			_ = a.Shutdown()
		}
	}()
	logger.Info("agent started")
	return nil
}

func (a *Agent) Shutdown() error {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return nil
	}
	a.shutdown = true

	shutdowns := []func() error{
		a.httpServer.Stop,
		a.watchdog.Stop,
		a.retryExecutor.Stop,
		a.bus.Stop,
	}
	for _, fn := range shutdowns {
		if err := fn(); err != nil {
			return err
		}
	}
	a.wg.Wait()
	logger.Info("agent stopped")
	return nil
}
