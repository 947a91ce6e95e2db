package main

import (
	"context"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	mqcontracts "fundescrow/contracts/mq"
	"fundescrow/internal/config"
	"fundescrow/internal/escrow"
	"fundescrow/internal/gateway"
	"fundescrow/internal/locker"
	"fundescrow/internal/mqhandler"
	"fundescrow/internal/repository"
	"fundescrow/pkg/db"
	"fundescrow/pkg/logger"
	"fundescrow/pkg/mq"
	"fundescrow/pkg/otel"
	redisclient "fundescrow/pkg/redis"
	"fundescrow/pkg/util"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.NewLogger(cfg.LogLevel)
	defer log.Sync()

	if cfg.Store.Driver != "postgres" {
		log.Fatal("worker needs the shared postgres store", zap.String("store", cfg.Store.Driver))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("Starting settlement worker...",
		zap.String("queue", cfg.Worker.Queue),
		zap.String("mq_url", cfg.MQ.URL),
	)

	shutdownTracing, err := otel.Init(cfg.Otel, log)
	if err != nil {
		log.Fatal("Failed to init tracing", zap.Error(err))
	}
	defer shutdownTracing()

	// DB
	pool, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("Failed to init DB", zap.Error(err))
	}
	defer pool.Close()
	store := repository.NewPostgresStore(pool)

	// Redis (optional)
	rdb, err := redisclient.NewRedisClient(cfg.Redis)
	if err != nil {
		log.Warn("Redis unavailable, dedup and retry counting disabled", zap.Error(err))
	}
	if rdb != nil {
		defer rdb.Close()
	}
	deduper := util.NewDeduper(rdb, cfg.Worker.DedupTTL, log)
	retryCounter := util.NewRetryCounter(rdb, cfg.Worker.DedupTTL)

	var gw gateway.Gateway
	switch cfg.Gateway.Mode {
	case "http":
		gw = gateway.NewHTTPGateway(cfg.Gateway.HTTP, log)
	default:
		gw = gateway.NewSimulated(cfg.Gateway.Simulated)
	}
	controller := escrow.NewController(store, gateway.NewInstrumented(gw), locker.New(), cfg.Escrow.Settlement, log).
		WithBankDirectory(cfg.Escrow.BankAccounts)

	if cfg.MQ.Name == "" {
		cfg.MQ.Name = "fundescrow-worker"
	}
	dlq, err := mq.NewPublisher(ctx, cfg.MQ)
	if err != nil {
		log.Fatal("Failed to init DLQ publisher", zap.Error(err))
	}
	defer dlq.Close()
	if err := dlq.EnsureDLQ(mqcontracts.RoutingMilestoneDecided); err != nil {
		log.Fatal("Failed to declare DLQ", zap.Error(err))
	}

	settleHandler := mqhandler.NewMilestoneDecidedHandler(controller, retryCounter, deduper, dlq, cfg.Worker.MaxRetries, log)

	consumer, err := mq.NewConsumer(ctx, cfg.MQ, cfg.Worker.Queue, mqcontracts.RoutingMilestoneDecided, cfg.Worker.Prefetch, log)
	if err != nil {
		log.Fatal("Failed to init consumer", zap.Error(err))
	}
	defer consumer.Close()
	consumer.SetHandler(settleHandler.Handle)

	go func() {
		if err := consumer.StartConsuming(); err != nil {
			log.Fatal("Settlement consumer failed", zap.Error(err))
		}
	}()
	log.Info("Settlement worker is ready")

	// graceful shutdown
	<-ctx.Done()

	log.Info("Shutting down settlement worker...")
	consumer.Stop()
	log.Info("settlement worker shutdown complete")
}
