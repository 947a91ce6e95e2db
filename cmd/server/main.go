package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"fundescrow/internal/config"
	"fundescrow/internal/donation"
	"fundescrow/internal/escrow"
	"fundescrow/internal/gateway"
	"fundescrow/internal/handler"
	"fundescrow/internal/httpserver"
	"fundescrow/internal/ledger"
	"fundescrow/internal/locker"
	"fundescrow/internal/milestone"
	"fundescrow/internal/repository"
	"fundescrow/pkg/db"
	"fundescrow/pkg/logger"
	"fundescrow/pkg/mq"
	"fundescrow/pkg/otel"
	"fundescrow/pkg/outbox"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.NewLogger(cfg.LogLevel)
	defer log.Sync()

	log.Info("Starting escrow server...",
		zap.String("env", cfg.Env),
		zap.String("store", cfg.Store.Driver),
		zap.String("gateway", cfg.Gateway.Mode),
	)

	shutdownTracing, err := otel.Init(cfg.Otel, log)
	if err != nil {
		log.Fatal("Failed to init tracing", zap.Error(err))
	}
	defer shutdownTracing()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Store
	var (
		store       repository.Store
		outboxStore outbox.Replayer
		closeStore  = func() {}
	)
	switch cfg.Store.Driver {
	case "memory":
		mem := repository.NewMemoryStore()
		store, outboxStore = mem, mem.Outbox()
		log.Warn("Using in-memory store, state is lost on restart")
	default:
		pool, err := db.NewConnection(cfg.DB, log)
		if err != nil {
			log.Fatal("Failed to init DB", zap.Error(err))
		}
		closeStore = pool.Close
		pg := repository.NewPostgresStore(pool)
		if cfg.Store.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				log.Fatal("Failed to migrate schema", zap.Error(err))
			}
		}
		store, outboxStore = pg, pg.Outbox()
	}
	defer closeStore()

	// Gateway
	var gw gateway.Gateway
	switch cfg.Gateway.Mode {
	case "http":
		gw = gateway.NewHTTPGateway(cfg.Gateway.HTTP, log)
	default:
		gw = gateway.NewSimulated(cfg.Gateway.Simulated)
	}
	gw = gateway.NewInstrumented(gw)

	// MQ publisher; events stay in the outbox until it is reachable
	var publisher outbox.Publisher = logPublisher{log: log}
	readiness := map[string]httpserver.ReadinessCheck{"store": store.Ping}
	if cfg.MQ.URL != "" {
		if cfg.MQ.Name == "" {
			cfg.MQ.Name = "fundescrow-server"
		}
		p, err := mq.NewPublisher(ctx, cfg.MQ)
		if err != nil {
			log.Fatal("Failed to init MQ publisher", zap.Error(err))
		}
		defer p.Close()
		publisher = p
		readiness["mq"] = func(context.Context) error {
			if !p.IsConnected() {
				return errors.New("mq publisher disconnected")
			}
			return nil
		}
	}

	// Domain services
	locks := locker.New()
	ledgerSvc := ledger.NewService(store, locks, log)
	controller := escrow.NewController(store, gw, locks, cfg.Escrow.Settlement, log).
		WithBankDirectory(cfg.Escrow.BankAccounts)
	milestones := milestone.NewService(store, locks, controller, cfg.MilestoneConfig(), log)
	donations := donation.NewService(store, gw, locks, log)

	go milestone.NewSweeper(milestones, cfg.Escrow.SweepInterval, log).Start(ctx)

	dispatcher := outbox.NewDispatcher(outboxStore, publisher, log).
		WithInterval(cfg.Outbox.Interval).
		WithBatchSize(cfg.Outbox.BatchSize).
		WithMaxRetries(cfg.Outbox.MaxRetries)
	go dispatcher.Start(ctx)

	// HTTP Server
	router := httpserver.NewRouter(httpserver.Handlers{
		Campaign:  handler.NewCampaignHandler(milestones, donations, log),
		Milestone: handler.NewMilestoneHandler(milestones, controller, log),
		Account:   handler.NewAccountHandler(ledgerSvc, log),
		Admin:     handler.NewAdminHandler(controller, outbox.NewReplayService(outboxStore, publisher), log),
	}, cfg.JWT.Secret, readiness)

	srv := router.Server(cfg.Server.Port)
	go func() {
		log.Info("HTTP server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down escrow server gracefully...")
	stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("escrow server shutdown complete")
}

// logPublisher stands in for RabbitMQ when mq.url is empty.
type logPublisher struct {
	log *zap.Logger
}

func (p logPublisher) PublishWithContext(ctx context.Context, routingKey string, _ any) error {
	logger.WithTrace(ctx, p.log).Debug("event published without broker", zap.String("routing_key", routingKey))
	return nil
}
