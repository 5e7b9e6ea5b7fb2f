package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"teleconsult/internal/cache"
	"teleconsult/internal/config"
	"teleconsult/internal/model"
	"teleconsult/internal/outbox"
	"teleconsult/internal/repository"
	"teleconsult/internal/service"
	"teleconsult/internal/signaling"
	"teleconsult/internal/telemetry"
	"teleconsult/internal/transport/rest"
	"teleconsult/internal/transport/ws"
)

func main() {
	cfg := config.Load()

	logger, err := telemetry.InitLogger(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		slog.Error("failed to initialize logger", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server exited")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Telemetry {
		shutdown, err := telemetry.InitTelemetry(ctx, cfg.TelemetryDir)
		if err != nil {
			return err
		}
		defer shutdown()
		logger.Info("telemetry enabled", "dir", cfg.TelemetryDir)
	}

	// Session store
	var sessions repository.SessionRepo
	switch cfg.SessionStore {
	case "memory":
		sessions = repository.NewMemorySessionRepo()
		logger.Warn("using in-memory session store")
	default:
		mongoClient, err := connectMongo(ctx, cfg.MongoURI)
		if err != nil {
			return err
		}
		defer mongoClient.Disconnect(context.Background())
		logger.Info("connected to MongoDB", "db", cfg.MongoDB)
		sessions = repository.NewSessionRepo(ctx, mongoClient.Database(cfg.MongoDB), logger)
	}

	// Redis backs the chat log, the signaling relay and the session cache
	var rdb *redis.Client
	if cfg.ChatStore == "redis" || cfg.Relay == "redis" || cfg.SessionCacheTTL > 0 {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return err
		}
		logger.Info("connected to Redis", "addr", cfg.RedisAddr)
	}

	if cfg.SessionCacheTTL > 0 {
		sessions = cache.NewCachedSessionRepo(sessions, rdb, cfg.SessionCacheTTL, logger)
	}

	var chatLog cache.ChatLog
	if cfg.ChatStore == "redis" {
		chatLog = cache.NewChatLog(rdb, cfg.ChatTTL)
	} else {
		chatLog = cache.NewMemoryChatLog()
	}

	var relay signaling.Relay
	if cfg.Relay == "redis" {
		relay = signaling.NewRedisRelay(rdb, logger)
	} else {
		relay = signaling.NewMemoryRelay()
	}

	// Finalize outbox
	db, dialect, err := outbox.Open(cfg.OutboxDriver, cfg.OutboxDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	var notifier *outbox.Notifier
	if dialect == outbox.Postgres {
		notifier = outbox.NewNotifier(db, cfg.OutboxDSN, cfg.OutboxNotifyChannel, logger)
	}
	box := outbox.New(db, dialect, notifier, logger)
	if err := box.Migrate(ctx); err != nil {
		return err
	}
	go runDispatcher(ctx, cfg, box, notifier, logger)

	// Services
	bus := service.NewEventBus()
	chat := service.NewChatService(chatLog, bus, logger)
	machine := service.NewSessionMachine(sessions, bus, logger)
	approval := service.NewApprovalWorkflow(machine, sessions, chat, nil, logger)
	requests := service.NewRequestService(sessions, bus, service.StaticFeeSchedule{
		Currency: cfg.FeeCurrency,
		Amounts: map[model.SessionType]int64{
			model.SessionVideo: cfg.FeeVideo,
			model.SessionAudio: cfg.FeeAudio,
			model.SessionChat:  cfg.FeeChat,
		},
	}, logger)
	coord := service.NewSessionCoordinator(service.CoordinatorDeps{
		Machine:            machine,
		Approval:           approval,
		Repo:               sessions,
		Chat:               chat,
		Relay:              relay,
		Bus:                bus,
		Billing:            box,
		Records:            box,
		NegotiationTimeout: cfg.NegotiationTimeout,
		Logger:             logger,
	})
	authSvc := service.NewAuthService(cfg.JWTSecret, cfg.TokenTTL)
	go coord.RunFinalizeReconciler(ctx, cfg.ReconcileInterval)

	wsHub := ws.NewHub(bus, logger)
	defer wsHub.Close()

	router := rest.NewRouter(&rest.Container{
		AuthService:    authSvc,
		Coordinator:    coord,
		Requests:       requests,
		WSHandler:      ws.NewHandler(wsHub, authSvc, coord, cfg.AllowedOrigins, logger),
		AllowedOrigins: cfg.AllowedOrigins,
		DevTokens:      cfg.DevTokens,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			"port", cfg.HTTPPort,
			"session_store", cfg.SessionStore,
			"chat_store", cfg.ChatStore,
			"relay", cfg.Relay,
			"outbox", dialect,
			"dev_tokens", cfg.DevTokens,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down server")

	coord.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func connectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return client, nil
}

// runDispatcher delivers outbox entries to the configured collaborators. Without
// a webhook URL a consumer's entries are logged and marked delivered.
func runDispatcher(ctx context.Context, cfg *config.Config, box *outbox.Outbox, notifier *outbox.Notifier, logger *slog.Logger) {
	client := &http.Client{Timeout: 10 * time.Second}
	handlers := map[string]outbox.Handler{
		outbox.ConsumerBilling: outbox.LogHandler(logger),
		outbox.ConsumerRecords: outbox.LogHandler(logger),
	}
	if cfg.BillingWebhookURL != "" {
		handlers[outbox.ConsumerBilling] = outbox.WebhookHandler(client, cfg.BillingWebhookURL)
	}
	if cfg.RecordsWebhookURL != "" {
		handlers[outbox.ConsumerRecords] = outbox.WebhookHandler(client, cfg.RecordsWebhookURL)
	}

	var wake <-chan string
	if notifier != nil {
		ch, err := notifier.Listen(ctx)
		if err != nil {
			logger.Warn("outbox listener unavailable, polling only", "error", err)
		} else {
			wake = ch
		}
	}

	outbox.NewDispatcher(box, handlers, cfg.OutboxPollInterval, logger).Run(ctx, wake)
}
