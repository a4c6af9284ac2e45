// The engine binary runs the whole workflow engine in one process: bus
// consumers, orchestrator supervisors, and the admin API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/officeflow/engine/cmd/engine/api"
	"github.com/officeflow/engine/cmd/engine/breaker"
	"github.com/officeflow/engine/cmd/engine/compensation"
	"github.com/officeflow/engine/cmd/engine/condition"
	"github.com/officeflow/engine/cmd/engine/dispatch"
	"github.com/officeflow/engine/cmd/engine/history"
	"github.com/officeflow/engine/cmd/engine/orchestrator"
	"github.com/officeflow/engine/cmd/engine/registry"
	"github.com/officeflow/engine/cmd/engine/retry"
	"github.com/officeflow/engine/cmd/engine/service"
	"github.com/officeflow/engine/cmd/engine/state"
	"github.com/officeflow/engine/common/bus"
	"github.com/officeflow/engine/common/cache"
	"github.com/officeflow/engine/common/config"
	"github.com/officeflow/engine/common/db"
	"github.com/officeflow/engine/common/errorlog"
	"github.com/officeflow/engine/common/logger"
	"github.com/officeflow/engine/common/ratelimit"
	"github.com/officeflow/engine/common/redis"
	"github.com/officeflow/engine/common/server"
	"github.com/officeflow/engine/common/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "engine failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load("engine")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Service.PprofPort > 0 {
		telemetry.NewProfiler(cfg.Service.PprofPort, log).Start(ctx)
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	redisClient := redis.NewClient(rdb, log)

	messageBus := bus.NewStreamBus(redisClient, log, "workflow-engine", cfg.Engine.InstanceID)
	defer messageBus.Close()

	store := state.NewStore(state.StoreOpts{
		Redis:     redisClient,
		Logger:    log,
		Namespace: cfg.Redis.Namespace,
		StateTTL:  cfg.Engine.StateTTL,
		LockTTL:   cfg.Engine.LockTTL,
		RetryTTL:  cfg.Engine.RetryScheduleTTL,
	})

	var (
		repo     registry.Repository = registry.NewMemory()
		histRepo history.Repository
	)
	if cfg.Database.Enabled {
		database, err := db.New(ctx, cfg, log)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer database.Close()
		repo = registry.NewPostgres(database)
		histRepo = history.NewPostgres(database)
	} else {
		log.Warn("postgres disabled, definitions and history are in-memory")
	}
	loader := registry.NewLoader(repo, cache.NewMemoryCache(log))

	evaluator, err := condition.NewEvaluator()
	if err != nil {
		return fmt.Errorf("build condition evaluator: %w", err)
	}

	dispatcher := dispatch.NewDispatcher(dispatch.Opts{
		Bus:            messageBus,
		Store:          store,
		Logger:         log,
		DefaultTimeout: cfg.Engine.NodeExecutionTimeout.Milliseconds(),
	})

	var alerts *errorlog.AlertManager
	if cfg.ErrorHandling.EnableAlerting {
		alerts = errorlog.NewAlertManager(log, nil)
	}
	sink := errorlog.NewSink(redisClient, messageBus, log, cfg.Redis.Namespace, alerts)
	sink.Start(ctx)

	var status orchestrator.StatusNotifier
	if histRepo != nil {
		status = history.NewRecorder(histRepo, log)
	}

	var limiter *ratelimit.Limiter
	if cfg.Engine.OrgRunsPerMinute > 0 {
		limiter = ratelimit.New(ratelimit.Opts{
			Redis:     redisClient,
			Logger:    log,
			Namespace: cfg.Redis.Namespace,
			Limit:     int64(cfg.Engine.OrgRunsPerMinute),
			Window:    time.Minute,
		})
	}

	orc := orchestrator.New(orchestrator.Opts{
		Loader:     loader,
		Store:      store,
		Dispatcher: dispatcher,
		Retry: retry.NewManager(retry.Opts{
			Store:  store,
			Logger: log,
		}),
		Breaker: breaker.New(breaker.Opts{
			Store:  store,
			Logger: log,
			Config: breaker.Config{
				FailureThreshold:  int64(cfg.ErrorHandling.CircuitBreakerThreshold),
				RecoveryTimeout:   breaker.DefaultConfig().RecoveryTimeout,
				MinimumThroughput: breaker.DefaultConfig().MinimumThroughput,
			},
		}),
		Compensator: compensation.NewExecutor(compensation.Opts{
			Store:      store,
			Dispatcher: dispatcher,
			Logger:     log,
		}),
		Conditions: evaluator,
		Errors:     sink,
		Status:     status,
		RateLimit:  limiter,
		Logger:     log,
		Config: orchestrator.Config{
			InstanceID:             cfg.Engine.InstanceID,
			MaxConcurrentWorkflows: int64(cfg.Engine.MaxConcurrentWorkflows),
			LockRenewInterval:      cfg.Engine.LockRenewInterval,
			RetryPollInterval:      cfg.Engine.RetryPollInterval,
			RetryBatchSize:         int64(cfg.Engine.RetryBatchSize),
			TimeoutCheckInterval:   cfg.Engine.TimeoutCheckInterval,
			WorkflowTimeout:        cfg.Engine.WorkflowExecutionTimeout,
			NodeTimeout:            cfg.Engine.NodeExecutionTimeout,
			EnableRetry:            cfg.ErrorHandling.EnableRetry,
			EnableCompensation:     cfg.ErrorHandling.EnableCompensation,
			EnableCircuitBreaker:   cfg.ErrorHandling.EnableCircuitBreaker,
		},
	})
	orc.Start(ctx)

	svc := service.New(service.Opts{
		Bus:          messageBus,
		Orchestrator: orc,
		Loader:       loader,
		Logger:       log,
	})
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}

	dlq := bus.NewDLQProcessor(messageBus, log)
	for _, topic := range append(dispatch.ExecuteTopics(), dispatch.TopicResult) {
		if err := dlq.Watch(ctx, topic); err != nil {
			return fmt.Errorf("watch dlq for %s: %w", topic, err)
		}
	}

	handler := api.NewHandler(api.Opts{
		Orchestrator: orc,
		Repo:         repo,
		History:      histRepo,
		Logger:       log,
	})
	srv := server.New("engine-api", cfg.Service.Port, api.NewRouter(handler), log)

	log.Info("engine started",
		"instance_id", cfg.Engine.InstanceID,
		"port", cfg.Service.Port,
		"namespace", cfg.Redis.Namespace,
	)
	return srv.Start(ctx)
}
