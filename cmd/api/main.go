package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/conversation-engine/internal/api/http"
	"github.com/spec-kit/conversation-engine/internal/api/http/handlers"
	"github.com/spec-kit/conversation-engine/internal/auth"
	"github.com/spec-kit/conversation-engine/internal/config"
	"github.com/spec-kit/conversation-engine/internal/events"
	"github.com/spec-kit/conversation-engine/internal/messaging"
	"github.com/spec-kit/conversation-engine/internal/observability"
	"github.com/spec-kit/conversation-engine/internal/persistence"
	"github.com/spec-kit/conversation-engine/internal/realtime"
	"github.com/spec-kit/conversation-engine/internal/repository"
	"github.com/spec-kit/conversation-engine/internal/service"
	"github.com/spec-kit/conversation-engine/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger, cfg.App)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	metrics := observability.NewMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()

	var (
		conversationRepo repository.ConversationRepository
		noteRepo         repository.ConversationNoteRepository
	)
	if pg.Enabled() {
		if cfg.Postgres.RunMigrations {
			if err := persistence.RunMigrations(ctx, pg.PoolHandle(), persistence.DefaultMigrationsDir, logger); err != nil {
				logger.Fatal("failed to run migrations", zap.Error(err))
			}
		}
		conversationRepo = repository.NewConversationRepository(pg.PoolHandle())
		noteRepo = repository.NewConversationNoteRepository(pg.PoolHandle())
	} else {
		conversationRepo = repository.NewMemoryConversationRepository()
		noteRepo = repository.NewMemoryConversationNoteRepository()
	}

	redis := persistence.NewRedis(ctx, cfg.Redis, logger)
	defer redis.Close()

	baseSettings := repository.ReclaimSettings{
		AdvisorTimeout:     time.Duration(cfg.Reclaim.TimeoutMinutes) * time.Minute,
		BotTimeout:         time.Duration(cfg.Reclaim.BotTimeoutMinutes) * time.Minute,
		BotFallbackQueueID: cfg.Reclaim.BotFallbackQueueID,
	}
	settings, scanLock := worker.ReclaimBackends(redis, cfg.Reclaim.SettingsKey, cfg.Reclaim.LockKey,
		time.Duration(cfg.Reclaim.LockTTLSeconds)*time.Second, baseSettings)
	if !redis.Reachable {
		logger.Warn("redis unreachable; reclaim uses static settings without a scan lock")
	}

	dispatcher := events.NewInMemoryDispatcher(logger)
	distribution := service.NewDistributionService(service.DistributionDependencies{
		ConversationRepo: conversationRepo,
		NoteRepo:         noteRepo,
		Dispatcher:       dispatcher,
		Logger:           logger,
		DefaultQueueID:   cfg.Distribution.DefaultQueueID,
	})

	gateway := realtime.NewGateway(realtime.Options{
		AllowedOrigins:    cfg.Gateway.AllowedOrigins,
		HeartbeatInterval: cfg.Gateway.HeartbeatInterval(),
		SendBuffer:        cfg.Gateway.SendBuffer,
		MaxFrameBytes:     int64(cfg.Gateway.MaxFrameBytes),
		WriteTimeout:      cfg.Gateway.WriteTimeout(),
	}, distribution, logger, metrics)

	sinks := []service.EventSink{gateway}
	var (
		broker *messaging.Client
		relay  *messaging.Relay
	)
	if cfg.AMQP.URL != "" {
		broker, err = messaging.NewClient(ctx, cfg.AMQP, logger)
		if err != nil {
			logger.Fatal("failed to connect broker", zap.Error(err))
		}
		defer broker.Close()

		relay = messaging.NewRelay(broker, cfg.AMQP.Producer, cfg.AMQP.PublishBuffer, logger, metrics)
		relay.Start(ctx)
		sinks = append(sinks, relay)

		go func() {
			err := broker.RunConsumer(ctx, messaging.ConsumerSpec{
				Name:       "inbound-messages",
				Exchange:   cfg.AMQP.Exchange,
				Queue:      cfg.AMQP.InboundQueue,
				BindingKey: cfg.AMQP.InboundBindingKey,
				Prefetch:   cfg.AMQP.Prefetch,
				Consume:    messaging.InboundHandler(distribution, logger),
			}, metrics)
			if err != nil && ctx.Err() == nil {
				logger.Error("inbound consumer exited", zap.Error(err))
			}
		}()
	} else {
		logger.Info("AMQP_URL not set; broker relay disabled")
	}

	notificationService := service.NewNotificationService(dispatcher, logger, sinks...)
	worker.StartNotificationWorker(notificationService)

	reclaimWorker := worker.NewReclaimWorker(worker.ReclaimDependencies{
		ConversationRepo: conversationRepo,
		Reclaimer:        distribution,
		Settings:         settings,
		Lock:             scanLock,
		Logger:           logger,
		Metrics:          metrics,
		Interval:         cfg.Reclaim.Interval(),
	})
	reclaimWorker.Start(ctx)

	gatewayDone := make(chan struct{})
	go func() {
		defer close(gatewayDone)
		gateway.Run(ctx)
	}()

	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTLMinutes)
	authMiddleware := auth.NewAuthMiddleware(tokens)

	app := fiber.New(fiber.Config{
		AppName:               cfg.App.Name,
		DisableStartupMessage: true,
	})
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())

	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health:         handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, pg, redis),
		Conversations:  handlers.NewConversationsHandler(distribution),
		Metrics:        handlers.NewMetricsHandler(metrics, gateway.Count),
		AuthMiddleware: authMiddleware,
		Gateway:        gateway.Handler(ctx),
	})

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.App.Addr()))
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	cancel()
	<-gatewayDone
	reclaimWorker.Wait()
	if relay != nil {
		relay.Wait()
	}
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
