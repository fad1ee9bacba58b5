package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/handlers"
	"github.com/Ramsey-B/fern/internal/repositories"
	"github.com/Ramsey-B/fern/pkg/artifacts"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/health"
	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/logging"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalize"
	"github.com/Ramsey-B/fern/pkg/orchestrator"
	"github.com/Ramsey-B/fern/pkg/queue"
	"github.com/Ramsey-B/fern/pkg/ratelimit"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/scheduler"
	"github.com/Ramsey-B/fern/pkg/sources"
	"github.com/Ramsey-B/fern/pkg/startup"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/tracing/exporters"
	"github.com/Ramsey-B/fern/pkg/upsert"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.PrettyLogs)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("Service exited with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger ectologger.Logger) error {
	shutdownTracing, err := setupTracing(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer shutdownTracing()

	descriptorList, err := sources.LoadDescriptors(cfg.SourcesFilePath)
	if err != nil {
		return fmt.Errorf("failed to load source descriptors: %w", err)
	}
	descriptors := make([]*models.SourceDescriptor, len(descriptorList))
	for i := range descriptorList {
		descriptors[i] = &descriptorList[i]
	}
	logger.Infof("Loaded %d source descriptors from %s", len(descriptors), cfg.SourcesFilePath)

	var (
		db          database.DB
		redisClient *redis.Client
		producer    *kafka.Producer
		orch        *orchestrator.Orchestrator
		sched       *scheduler.Scheduler
		processor   *queue.Processor
		e           *echo.Echo
		checker     *health.Checker
	)

	kafkaCfg := kafka.ParseConfig(cfg.KafkaBrokers, cfg.KafkaRunEventsTopic)

	boot := startup.NewStartup(logger, cfg.StartupMaxAttempts)

	boot.AddDependency(&startup.Func{
		Name: "database",
		StartFn: func(ctx context.Context) error {
			db, err = database.Connect(ctx, database.Config{
				Driver:          cfg.DatabaseDriver,
				Host:            cfg.DatabaseHost,
				Port:            cfg.DatabasePort,
				UserName:        cfg.DatabaseUserName,
				Password:        cfg.DatabasePassword,
				Name:            cfg.DatabaseName,
				SSLMode:         cfg.DatabaseSSLMode,
				MaxOpenConns:    cfg.DatabaseMaxOpenConns,
				MaxIdleConns:    cfg.DatabaseMaxIdleConns,
				ConnMaxLifetime: cfg.DatabaseConnMaxLifetime,
			}, logger)
			return err
		},
		StopFn: func(ctx context.Context) error {
			if db != nil {
				return db.Close()
			}
			return nil
		},
	})

	boot.AddDependency(&startup.Func{
		Name:  "migrations",
		Needs: []string{"database"},
		StartFn: func(ctx context.Context) error {
			driver, err := postgres.WithInstance(db.Unsafe().DB, &postgres.Config{})
			if err != nil {
				return err
			}
			ms := database.NewMigrationService(logger, &database.MigrationConfig{
				MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
				Version:             uint(cfg.DatabaseMigrationVersion),
			})
			return ms.Migrate(cfg.DatabaseName, driver)
		},
	})

	boot.AddDependency(&startup.Func{
		Name: "redis",
		StartFn: func(ctx context.Context) error {
			redisClient, err = redis.NewClient(redis.Config{
				Host:     cfg.RedisHost,
				Port:     cfg.RedisPort,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			}, logger)
			return err
		},
		StopFn: func(ctx context.Context) error {
			if redisClient != nil {
				return redisClient.Close()
			}
			return nil
		},
	})

	boot.AddDependency(&startup.Func{
		Name: "kafka",
		StartFn: func(ctx context.Context) error {
			producer = kafka.NewProducer(kafkaCfg, logger)
			return nil
		},
		StopFn: func(ctx context.Context) error {
			if producer != nil {
				return producer.Close()
			}
			return nil
		},
	})

	boot.AddDependency(&startup.Func{
		Name:  "scheduler",
		Needs: []string{"database", "migrations", "redis"},
		StartFn: func(ctx context.Context) error {
			if !cfg.SchedulerEnabled {
				logger.Info("Scheduler disabled")
				return nil
			}
			sched = scheduler.NewScheduler(
				descriptors,
				scheduler.NewRunStateRepository(db, logger),
				redis.NewStreams(redisClient),
				redis.NewLocker(redisClient, "fern:lock:"),
				scheduler.Config{
					PollInterval: cfg.SchedulerPollInterval,
					JobQueue:     cfg.RedisStreamsJobQueue,
				},
				logger,
			)
			return sched.Start(ctx)
		},
		StopFn: func(ctx context.Context) error {
			if sched != nil {
				return sched.Stop(ctx)
			}
			return nil
		},
	})

	boot.AddDependency(&startup.Func{
		Name:  "processor",
		Needs: []string{"database", "migrations", "redis", "kafka"},
		StartFn: func(ctx context.Context) error {
			orch, err = buildOrchestrator(cfg, db, redisClient, producer, descriptorList, logger)
			if err != nil {
				return err
			}

			processorCfg := queue.DefaultProcessorConfig()
			processorCfg.Stream = cfg.RedisStreamsJobQueue
			processorCfg.ConsumerGroup = cfg.RedisStreamsConsumerGroup
			if cfg.RedisStreamsConsumerName != "" {
				processorCfg.ConsumerName = cfg.RedisStreamsConsumerName
			}
			processorCfg.WorkerCount = cfg.WorkerCount

			processor = queue.NewProcessor(redis.NewStreams(redisClient), orch, processorCfg, logger)
			return processor.Start(ctx)
		},
		StopFn: func(ctx context.Context) error {
			if processor != nil {
				return processor.Stop(ctx)
			}
			return nil
		},
	})

	reaperStop := make(chan struct{})
	boot.AddDependency(&startup.Func{
		Name:  "reaper",
		Needs: []string{"database", "migrations"},
		StartFn: func(ctx context.Context) error {
			runs := repositories.NewFetchRunRepository(db, logger)
			// Runs abandoned by a crashed worker are failed once they exceed
			// twice the run budget
			maxAge := 2 * cfg.MaxRunTime
			go func() {
				ticker := time.NewTicker(cfg.MaxRunTime)
				defer ticker.Stop()
				for {
					select {
					case <-reaperStop:
						return
					case <-ticker.C:
						n, err := runs.FailStale(context.Background(), maxAge)
						if err != nil {
							logger.WithError(err).Warn("Failed to reap stale runs")
						} else if n > 0 {
							logger.Infof("Failed %d stale runs", n)
						}
					}
				}
			}()
			return nil
		},
		StopFn: func(ctx context.Context) error {
			close(reaperStop)
			return nil
		},
	})

	boot.AddDependency(&startup.Func{
		Name:  "http",
		Needs: []string{"database", "migrations", "redis", "processor"},
		StartFn: func(ctx context.Context) error {
			kafkaBroker := ""
			if len(kafkaCfg.Brokers) > 0 {
				kafkaBroker = kafkaCfg.Brokers[0]
			}
			checker = health.NewChecker(db, redisClient, kafkaBroker, version())

			e = buildServer(cfg, db, redisClient, orch, descriptors, checker, logger)

			go func() {
				addr := fmt.Sprintf(":%d", cfg.Port)
				if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
					logger.WithError(err).Error("HTTP server stopped unexpectedly")
				}
			}()
			checker.SetReady(true)
			return nil
		},
		StopFn: func(ctx context.Context) error {
			if checker != nil {
				checker.SetReady(false)
			}
			if e != nil {
				return e.Shutdown(ctx)
			}
			return nil
		},
	})

	if err := boot.Start(ctx); err != nil {
		return err
	}
	logger.Infof("%s is up on port %d", cfg.AppName, cfg.Port)

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return boot.Stop(stopCtx)
}

// buildOrchestrator wires the fetch pipeline. Called once for the queue
// processor and once for the HTTP trigger path; both share the same db and
// redis handles.
func buildOrchestrator(
	cfg *config.Config,
	db database.DB,
	redisClient *redis.Client,
	producer *kafka.Producer,
	descriptorList []models.SourceDescriptor,
	logger ectologger.Logger,
) (*orchestrator.Orchestrator, error) {
	store, err := artifacts.NewFSStore(cfg.ArtifactRootPath, cfg.ArtifactQuotaBytes, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact store: %w", err)
	}

	adapters, err := sources.BuildAll(descriptorList, sources.Deps{
		HTTP:   httpclient.NewClient(httpclient.Config{}, logger),
		Pacer:  ratelimit.NewPacer(redisClient, logger),
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build source adapters: %w", err)
	}

	runs := repositories.NewFetchRunRepository(db, logger)
	records := repositories.NewCanonicalRecordRepository(db, logger)
	lineage := repositories.NewLineageRepository(db, logger)
	manifests := repositories.NewArtifactManifestRepository(db, logger)
	upserter := upsert.NewService(db, records, lineage, logger)

	return orchestrator.New(
		orchestrator.Config{
			MaxRunTime:         cfg.MaxRunTime,
			AdapterCallTimeout: cfg.AdapterCallTimeout,
			UpsertTimeout:      cfg.UpsertTimeout,
		},
		adapters,
		normalize.DefaultRegistry(),
		store,
		runs,
		manifests,
		upserter,
		producer,
		logger,
	), nil
}

func buildServer(
	cfg *config.Config,
	db database.DB,
	redisClient *redis.Client,
	orch *orchestrator.Orchestrator,
	descriptors []*models.SourceDescriptor,
	checker *health.Checker,
	logger ectologger.Logger,
) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second
	e.Server.WriteTimeout = time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second
	e.Server.IdleTimeout = time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second

	e.HTTPErrorHandler = middleware.Error(logger)
	e.Use(echomw.Recover())
	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))

	checker.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	runs := repositories.NewFetchRunRepository(db, logger)
	records := repositories.NewCanonicalRecordRepository(db, logger)
	lineage := repositories.NewLineageRepository(db, logger)

	api := e.Group("/api/v1")

	sourceHandler := handlers.NewSourceHandler(
		descriptors, orch, redis.NewStreams(redisClient), cfg.RedisStreamsJobQueue, logger)
	sourceHandler.Register(api.Group("/sources"))

	runHandler := handlers.NewRunHandler(runs, lineage, logger)
	runHandler.Register(api.Group("/runs"))

	recordHandler := handlers.NewRecordHandler(records, lineage, logger)
	recordHandler.Register(api.Group("/records"), api.Group("/lineage"))

	return e
}

func setupTracing(ctx context.Context, cfg *config.Config) (func(), error) {
	if !cfg.OTLPEnabled {
		return func() {}, nil
	}

	exporter, err := exporters.NewOTLPExporter(ctx, exporters.OTLPConfig{
		Endpoint: cfg.OTLPEndpoint,
		Protocol: cfg.OTLPProtocol,
		Insecure: cfg.OTLPInsecure,
		Timeout:  10 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(provider)
	tracing.SetTracer(otel.Tracer(cfg.AppName))

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}, nil
}

// version is stamped at build time via -ldflags
var buildVersion = "dev"

func version() string {
	return buildVersion
}
