package cli

import (
	"context"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/europeana/metis-framework-sub004/internal/asynqtask"
	"github.com/europeana/metis-framework-sub004/internal/config"
	"github.com/europeana/metis-framework-sub004/internal/controller"
	internal_http "github.com/europeana/metis-framework-sub004/internal/http"
	"github.com/europeana/metis-framework-sub004/internal/metrics"
	internal_redis "github.com/europeana/metis-framework-sub004/internal/redis"
	internal_storage "github.com/europeana/metis-framework-sub004/internal/storage"
	"github.com/europeana/metis-framework-sub004/pkg/service"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the orchestrator: queue consumer, scheduler, failsafe and HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, cfg, logger)
		},
	}
}

// runWorker wires every orchestrator component and runs them until ctx is
// done. In-flight executions are suspended, not failed, on shutdown.
func runWorker(ctx context.Context, cfg config.Config, logger *logrus.Logger) error {
	store, err := internal_storage.InitStore(cfg.Database.URL)
	if err != nil {
		return errors.Wrap(err, "initialize store")
	}
	defer store.Close()

	rdb, err := internal_redis.Connect(ctx, internal_redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger)
	if err != nil {
		return errors.Wrap(err, "connect to redis")
	}
	defer rdb.Close()

	q := internal_redis.NewQueue(rdb, cfg.Queue.Name, cfg.Queue.VisibilityTimeout)
	locks := internal_redis.NewLockService(rdb, cfg.Queue.Name, cfg.Lock.TTL)
	checkpoint := internal_redis.NewCheckpoint(rdb, cfg.Queue.Name)

	tasks := asynqtask.NewClient(asynqtask.Config{
		RedisAddr:     cfg.Redis.Addr,
		RedisPassword: cfg.Redis.Password,
		RedisDB:       cfg.Redis.DB,
	}, logger)
	defer tasks.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg, "")

	throttle, err := service.NewThrottle(cfg.Throttle.Size, logger, m)
	if err != nil {
		return err
	}
	pool := service.NewWorkerPool(logger, m)
	pool.Start(cfg.Worker.MaxConcurrentThreads)

	svc := service.NewWorkflowService(store, q, logger)
	executor := service.NewExecutor(store, service.NewStageService(store, locks, logger), tasks, throttle, service.ExecutorConfig{
		PollInterval:    cfg.Executor.PollInterval,
		MaxPollFailures: cfg.Executor.MaxPollFailures,
	}, logger, m)
	dispatcher := service.NewDispatcher(q, service.NewClaimer(store, locks, cfg.Failsafe.LivenessThreshold, logger),
		throttle, pool, executor, service.DispatcherConfig{PollTimeout: cfg.Consumer.PollTimeout}, logger, m)

	manager := controller.NewManager(controller.ManagerConfig{Metrics: m, Logger: logger})
	if err := manager.Register(service.NewScheduler(store, locks, svc, checkpoint, service.SchedulerConfig{
		Period:          cfg.Scheduler.Period,
		DefaultPriority: cfg.Scheduler.DefaultPriority,
	}, logger)); err != nil {
		return err
	}
	if err := manager.Register(service.NewFailsafeMonitor(store, q, locks, service.FailsafeConfig{
		Period:            cfg.Failsafe.Period,
		LivenessThreshold: cfg.Failsafe.LivenessThreshold,
	}, logger, m)); err != nil {
		return err
	}

	// Executions run on their own context, cancelled only once the consumer
	// has stopped.
	execCtx, cancelExecutions := context.WithCancel(context.Background())
	defer cancelExecutions()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := dispatcher.Run(gctx, execCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		if err := manager.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		manager.Stop()
		return nil
	})
	g.Go(func() error {
		return internal_http.StartServer(gctx, strconv.Itoa(cfg.HTTP.Port), internal_http.NewRouter(svc, reg, logger), logger)
	})

	logger.WithFields(logrus.Fields{
		"workers":  cfg.Worker.MaxConcurrentThreads,
		"throttle": cfg.Throttle.Size,
		"queue":    cfg.Queue.Name,
	}).Info("Metis orchestrator started")

	err = g.Wait()
	cancelExecutions()
	pool.Stop()
	logger.Info("Metis orchestrator stopped")
	return err
}
