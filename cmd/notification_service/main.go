package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	grpcadapter "github.com/theraptrack/golang_services/internal/notification_service/adapters/grpc"
	httpadapter "github.com/theraptrack/golang_services/internal/notification_service/adapters/http"
	"github.com/theraptrack/golang_services/internal/notification_service/app"
	"github.com/theraptrack/golang_services/internal/notification_service/domain"
	"github.com/theraptrack/golang_services/internal/notification_service/provider"
	"github.com/theraptrack/golang_services/internal/notification_service/recipient"
	"github.com/theraptrack/golang_services/internal/notification_service/repository/memory"
	"github.com/theraptrack/golang_services/internal/notification_service/repository/postgres"
	redisrepo "github.com/theraptrack/golang_services/internal/notification_service/repository/redis"
	"github.com/theraptrack/golang_services/internal/platform/config"
	"github.com/theraptrack/golang_services/internal/platform/database"
	"github.com/theraptrack/golang_services/internal/platform/logger"
	"github.com/theraptrack/golang_services/internal/platform/messagebroker"
)

const (
	serviceName     = "notification_service"
	shutdownTimeout = 30 * time.Second
	statusGateway   = "vonage"
)

func main() {
	cfg, err := config.Load(serviceName)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	log := logger.NewWithFormat(cfg.LogLevel, cfg.LogFormat, os.Stdout).With("service", serviceName)
	log.Info("Configuration loaded", "delivery_log_backend", cfg.DeliveryLogBackend, "whatsapp_enabled", cfg.WhatsApp.Enabled, "sandbox", cfg.Vonage.Sandbox)

	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()

	var dbPool *pgxpool.Pool
	if cfg.DeliveryLogBackend == "postgres" || cfg.Reminder.Enabled {
		dbPool, err = database.NewDBPool(mainCtx, database.PoolConfig{
			DSN:      cfg.PostgresDSN,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		})
		if err != nil {
			log.Error("Failed to initialize database pool", "error", err)
			os.Exit(1)
		}
		defer dbPool.Close()
		log.Info("Database pool initialized")
	}

	deliveryLog, closeLog, err := newDeliveryLog(mainCtx, cfg, dbPool, log)
	if err != nil {
		log.Error("Failed to initialize delivery log", "backend", cfg.DeliveryLogBackend, "error", err)
		os.Exit(1)
	}
	defer closeLog()

	normalizer, err := recipient.NewNormalizer(cfg.WhatsApp.DefaultCountryCode)
	if err != nil {
		log.Error("Invalid default country code", "error", err)
		os.Exit(1)
	}

	var natsClient *messagebroker.NATSClient
	if cfg.NATSUrl != "" {
		natsClient, err = messagebroker.NewNATSClient(cfg.NATSUrl, serviceName, log)
		if err != nil {
			log.Error("Failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer natsClient.Close()
		log.Info("NATS connection initialized")
	}

	var events app.EventPublisher = app.NopEventPublisher{}
	if natsClient != nil {
		events = app.NewNATSEventPublisher(natsClient, log)
	}

	// A channel that cannot start is reported as disabled; producers keep running.
	queue := app.NewQueue()
	engineCfg := app.EngineConfig{Sandbox: cfg.Vonage.Sandbox}
	var dispatcher *app.Dispatcher
	if err := cfg.ValidateWhatsApp(); err != nil {
		log.Warn("WhatsApp channel disabled", "reason", err)
	} else {
		transport, err := provider.NewTransport(provider.Options{
			Mode:           cfg.WhatsApp.Transport,
			Sandbox:        cfg.Vonage.Sandbox,
			BaseURL:        cfg.Vonage.BaseURL,
			APIKey:         cfg.Vonage.APIKey,
			APISecret:      cfg.Vonage.APISecret,
			ApplicationID:  cfg.Vonage.ApplicationID,
			PrivateKeyPath: cfg.Vonage.PrivateKeyPath,
		}, log, &http.Client{Timeout: cfg.Dispatch.SendTimeout})
		if err != nil {
			log.Warn("WhatsApp channel disabled", "reason", err)
		} else {
			engineCfg.Enabled = true
			engineCfg.TransportName = transport.GetName()
			dispatcher = app.NewDispatcher(queue, transport, deliveryLog, events, app.DispatcherConfig{
				MinInterval:    cfg.Dispatch.MinInterval,
				MaxRetries:     cfg.Dispatch.MaxAttempts,
				RetryBaseDelay: cfg.Dispatch.RetryBaseDelay,
				SendTimeout:    cfg.Dispatch.SendTimeout,
				Sender:         cfg.WhatsApp.FromNumber,
				Sandbox:        cfg.Vonage.Sandbox,
			}, log)
		}
	}
	engine := app.NewEngine(engineCfg, queue, dispatcher, normalizer, log)
	log.Info("Notification engine initialized", "status", engine.Status())

	processor := app.NewStatusProcessor(deliveryLog, events, log)
	var ingestor app.StatusIngestor = processor
	if natsClient != nil {
		// Callbacks are handed to NATS and applied by whichever replica picks them up.
		ingestor = app.NewStatusPublisher(natsClient, statusGateway)
	}

	router := httpadapter.NewRouter(httpadapter.RouterDeps{
		Engine:         engine,
		Records:        deliveryLog,
		StatusIngestor: ingestor,
		WebhookSecret:  cfg.Vonage.SignatureSecret,
		Logger:         log,
	})
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	health := grpcadapter.NewHealthReporter(engine, 5*time.Second, log)
	grpcServer := health.NewServer()

	g, groupCtx := errgroup.WithContext(mainCtx)

	g.Go(func() error {
		log.Info("Starting dispatch loop...", "transport", engineCfg.TransportName)
		return engine.Run(groupCtx)
	})

	g.Go(func() error { return health.Run(groupCtx) })

	if natsClient != nil {
		statusConsumer := app.NewStatusConsumer(natsClient, processor, log)
		g.Go(func() error {
			return statusConsumer.StartConsuming(groupCtx, app.StatusSubjectPattern, cfg.NATSQueueGroup)
		})
		requestConsumer := app.NewRequestConsumer(natsClient, engine, log)
		g.Go(func() error {
			return requestConsumer.StartConsuming(groupCtx, app.RequestSubject, cfg.NATSQueueGroup)
		})
	}

	if cfg.Reminder.Enabled && engineCfg.Enabled {
		job := app.NewReminderJob(
			postgres.NewReminderSource(dbPool, log),
			app.DefaultReminderFormatter{},
			engine,
			app.ReminderConfig{
				Interval:     cfg.Reminder.Interval,
				LeadTime:     cfg.Reminder.LeadTime,
				WindowBefore: cfg.Reminder.WindowBefore,
				WindowAfter:  cfg.Reminder.WindowAfter,
			},
			log,
		)
		g.Go(func() error { return job.Run(groupCtx) })
	}

	g.Go(func() error {
		log.Info("Starting HTTP server...", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed", "error", err)
			return err
		}
		log.Info("HTTP server stopped.")
		return nil
	})

	g.Go(func() error {
		grpcListenAddress := fmt.Sprintf(":%d", cfg.GRPCPort)
		log.Info("Starting gRPC server...", "address", grpcListenAddress)
		lis, err := net.Listen("tcp", grpcListenAddress)
		if err != nil {
			log.Error("Failed to listen for gRPC", "error", err)
			return err
		}
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error("gRPC server failed", "error", err)
			return err
		}
		log.Info("gRPC server stopped.")
		return nil
	})

	g.Go(func() error {
		<-groupCtx.Done()
		log.Info("Shutting down servers...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown failed", "error", err)
		}
		grpcServer.GracefulStop()
		return nil
	})

	log.Info("Service components initialized and workers started. Service is ready.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var groupErr error
	select {
	case sig := <-sigCh:
		log.Info("Received termination signal", "signal", sig)
	case groupErr = <-watchGroup(g):
		if groupErr != nil {
			log.Error("A critical component failed, initiating shutdown", "error", groupErr)
		}
	}

	log.Info("Attempting graceful shutdown...", "queue_depth", queue.Len())
	mainCancel()

	waitErr := g.Wait()
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		log.Error("Error during graceful shutdown of components", "error", waitErr)
	}
	log.Info("Service shutdown complete.")
}

// deliveryLogStore is what the service needs from a delivery log backend.
type deliveryLogStore interface {
	domain.DeliveryLog
	GetByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.DeliveryRecord, error)
}

func newDeliveryLog(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, log *slog.Logger) (deliveryLogStore, func(), error) {
	switch cfg.DeliveryLogBackend {
	case "postgres":
		return postgres.NewDeliveryLogRepository(pool, log), func() {}, nil
	case "redis":
		store, err := redisrepo.NewDeliveryLogStore(ctx, cfg.RedisAddr, cfg.RedisRecordTTL, log)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	case "memory":
		log.Warn("Using in-memory delivery log; records are lost on restart")
		return memory.NewDeliveryLog(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown delivery log backend %q", cfg.DeliveryLogBackend)
	}
}

// watchGroup returns a channel that receives the result of g.Wait().
func watchGroup(g *errgroup.Group) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- g.Wait()
		close(errCh)
	}()
	return errCh
}
