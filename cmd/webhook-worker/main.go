// The webhook-worker binary executes webhook.call nodes dispatched by the
// engine.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	goredis "github.com/redis/go-redis/v9"

	"github.com/officeflow/engine/common/bus"
	"github.com/officeflow/engine/common/clients"
	"github.com/officeflow/engine/common/config"
	"github.com/officeflow/engine/common/logger"
	"github.com/officeflow/engine/common/redis"
	"github.com/officeflow/engine/common/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "webhook-worker failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load("webhook-worker")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	redisClient := redis.NewClient(rdb, log)

	messageBus := bus.NewStreamBus(redisClient, log, "webhook-workers", cfg.Engine.InstanceID)
	defer messageBus.Close()

	executor := NewExecutor(ExecutorOpts{
		Bus:    messageBus,
		HTTP:   clients.NewHTTPClient(nil, log),
		Logger: log,
	})
	if err := executor.Start(ctx); err != nil {
		return fmt.Errorf("start executor: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"ok"}`)
	})

	log.Info("webhook-worker started",
		"instance_id", cfg.Engine.InstanceID,
		"topic", TopicWebhookExecute,
	)
	return server.New("webhook-worker", cfg.Service.Port, mux, log).Start(ctx)
}
