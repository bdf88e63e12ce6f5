package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/node-events/internal/bridge"
	"github.com/cuongbtq/node-events/internal/classifier"
	"github.com/cuongbtq/node-events/internal/config"
	"github.com/cuongbtq/node-events/internal/processor/linkverify"
	"github.com/cuongbtq/node-events/internal/processor/sendmail"
	"github.com/cuongbtq/node-events/internal/queue"
	"github.com/cuongbtq/node-events/internal/records"
	"github.com/cuongbtq/node-events/internal/templates"
	"github.com/cuongbtq/node-events/internal/worker"
	"github.com/cuongbtq/node-events/shared/broadcast"
	"github.com/cuongbtq/node-events/shared/httpclient"
	"github.com/cuongbtq/node-events/shared/logger"
	"github.com/cuongbtq/node-events/shared/postgresql"
	"github.com/cuongbtq/node-events/shared/rabbitmq"
	"github.com/cuongbtq/node-events/shared/redis"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	redisClient, err := initRedis(&cfg.Redis, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Redis: %w", err)
	}
	defer redisClient.Close()

	appLogger.Info("Redis connection established")

	subscriber, closeSubscriber, err := initSubscriber(cfg, redisClient, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize broadcast: %w", err)
	}
	defer closeSubscriber()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	workerInstance, err := initWorker(cfg, appLogger.Logger, dbClient, redisClient, subscriber, reg)
	if err != nil {
		return fmt.Errorf("failed to initialize worker: %w", err)
	}

	statusServer := initStatusServer(cfg, appLogger.Logger, reg, dbClient, redisClient)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return workerInstance.Start(gctx)
	})

	g.Go(func() error {
		appLogger.Info("Starting status server", slog.String("address", statusServer.Addr))
		if err := statusServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("status server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return statusServer.Shutdown(shutdownCtx)
	})

	appLogger.Info("Worker service started successfully")

	runErr := g.Wait()
	if runErr != nil {
		appLogger.Error("Worker error", slog.Any("error", runErr))
	} else {
		appLogger.Info("Received signal, shutting down gracefully")
	}

	// Give in-flight jobs time to settle
	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-time.After(cfg.Worker.ShutdownTimeout):
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Worker service shutdown complete")
	return runErr
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.Config) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       cfg.Logging.Output,
		EnableSource: cfg.Logging.EnableCaller,
		TimeFormat:   time.RFC3339,
		Service:      cfg.App.Name,
	})
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, logger)
}

// initRedis initializes the Redis client backing the queue and the broadcast
func initRedis(cfg *config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	return redis.NewClient(&redis.Config{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, logger)
}

// initSubscriber selects the broadcast subscriber for the configured driver
func initSubscriber(cfg *config.Config, redisClient *redis.Client, logger *slog.Logger) (broadcast.Subscriber, func(), error) {
	if cfg.Broadcast.Driver != config.DriverRabbitMQ {
		return redisClient, func() {}, nil
	}

	rabbitClient, err := rabbitmq.NewClient(&rabbitmq.Config{
		Host:          cfg.RabbitMQ.Host,
		Port:          cfg.RabbitMQ.Port,
		User:          cfg.RabbitMQ.User,
		Password:      cfg.RabbitMQ.Password,
		VHost:         cfg.RabbitMQ.VHost,
		RetryAttempts: cfg.RabbitMQ.Connection.RetryAttempts,
		RetryInterval: cfg.RabbitMQ.Connection.RetryInterval,
		Heartbeat:     cfg.RabbitMQ.Connection.Heartbeat,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("RabbitMQ connection established")

	return rabbitClient, func() {
		if err := rabbitClient.Close(); err != nil {
			logger.Warn("Failed to close RabbitMQ client", slog.Any("error", err))
		}
	}, nil
}

// initWorker wires the queue, the processors and the bridge
func initWorker(cfg *config.Config, logger *slog.Logger, dbClient *postgresql.Client, redisClient *redis.Client, subscriber broadcast.Subscriber, reg *prometheus.Registry) (*worker.Worker, error) {
	queueClient := queue.NewClient(
		queue.NewRedisStore(redisClient.GetClient(), cfg.Queue.Prefix),
		queue.Config{
			Prefix:             cfg.Queue.Prefix,
			MaxAttempts:        cfg.Queue.MaxAttempts,
			Backoff:            cfg.Queue.Backoff,
			MaxBackoff:         cfg.Queue.MaxBackoff,
			LeaseDuration:      cfg.Queue.LeaseDuration,
			PollInterval:       cfg.Queue.PollInterval,
			JobTimeout:         cfg.Worker.JobTimeout,
			PromoteInterval:    cfg.Queue.PromoteInterval,
			ReclaimInterval:    cfg.Queue.ReclaimInterval,
			PruneInterval:      cfg.Queue.PruneInterval,
			CompletedRetention: cfg.Queue.CompletedRetention,
		},
		logger,
		reg,
	)

	store := records.NewStorage(dbClient.GetDB(), logger)
	userAgent := fmt.Sprintf("%s/%s", cfg.App.Name, cfg.App.Version)
	downloads := httpclient.NewClient(httpclient.Config{UserAgent: userAgent})

	transport, err := sendmail.NewSMTPTransport(cfg.Mail.TransportURL, downloads, logger)
	if err != nil {
		return nil, err
	}

	mailProcessor := sendmail.NewProcessor(sendmail.Config{
		From:             cfg.Mail.From,
		ReplyTo:          cfg.Mail.ReplyTo,
		TestAddress:      cfg.Mail.TestAddress,
		OrganizationName: cfg.Mail.OrganizationName,
		ServiceName:      cfg.Mail.ServiceName,
	}, transport, logger)

	linkProcessor := linkverify.NewProcessor(linkverify.Config{
		Timeout: cfg.LinkVerifier.Timeout,
		Field:   cfg.LinkVerifier.Field,
	}, store, linkverify.NewHTTPFetcher(downloads, cfg.LinkVerifier.MaxBodyBytes), logger)

	renderer := templates.NewRenderer(templates.Config{
		OrganizationName: cfg.Mail.OrganizationName,
		ViewBaseURL:      cfg.Notifications.ViewBaseURL,
		Uploads: templates.Uploads{
			BaseURL:    cfg.Uploads.BaseURL,
			AuthHeader: cfg.Uploads.AuthHeader,
			AuthSecret: cfg.Uploads.AuthSecret,
		},
	})

	dispatcher := bridge.NewDispatcher(bridge.DispatcherConfig{
		EnqueueRetries: cfg.Worker.EnqueueRetries,
		EnqueueBackoff: cfg.Worker.EnqueueBackoff,
	}, queueClient, store, renderer, logger)

	rules := classifier.DefaultRules(classifier.RulesConfig{
		OmbudsmanEmail: cfg.Notifications.OmbudsmanEmail,
		FeedbackEmail:  cfg.Notifications.FeedbackEmail,
	})

	return worker.NewWorker(&worker.Config{
		Logger:  logger,
		Queue:   queueClient,
		Bridge:  bridge.New(subscriber, rules, dispatcher, logger, reg),
		Channel: cfg.Broadcast.Channel,
		Processors: []worker.Registration{
			{Queue: sendmail.QueueName, Processor: mailProcessor, Concurrency: cfg.Worker.SendMailConcurrency},
			{Queue: linkverify.QueueName, Processor: linkProcessor, Concurrency: cfg.Worker.LinkVerifierConcurrency},
		},
	}), nil
}

// initStatusServer serves health and metrics of the worker
func initStatusServer(cfg *config.Config, logger *slog.Logger, reg *prometheus.Registry, dbClient *postgresql.Client, redisClient *redis.Client) *http.Server {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := worker.NewStatusRouter(logger, reg, map[string]worker.HealthCheck{
		"database": dbClient.HealthCheck,
		"redis":    redisClient.HealthCheck,
	})

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Worker.StatusPort),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
