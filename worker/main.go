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

	"github.com/joho/godotenv"

	"github.com/quantpipe-labs/quantpipe-go/internal/artifacts"
	"github.com/quantpipe-labs/quantpipe-go/internal/marketdata"
	"github.com/quantpipe-labs/quantpipe-go/internal/pipeline"
	"github.com/quantpipe-labs/quantpipe-go/internal/platform/env"
	"github.com/quantpipe-labs/quantpipe-go/internal/platform/httpserver"
	platformstore "github.com/quantpipe-labs/quantpipe-go/internal/platform/objectstore"
	"github.com/quantpipe-labs/quantpipe-go/internal/platform/postgres"
	"github.com/quantpipe-labs/quantpipe-go/internal/queue"
	pgrepo "github.com/quantpipe-labs/quantpipe-go/internal/repo/postgres"
	"github.com/quantpipe-labs/quantpipe-go/internal/rules"
	storageobjectstore "github.com/quantpipe-labs/quantpipe-go/internal/storage/objectstore"
	"github.com/quantpipe-labs/quantpipe-go/internal/steps"
	"github.com/quantpipe-labs/quantpipe-go/internal/walkforward"
)

func main() {
	_ = godotenv.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("QUANTPIPE_WORKER_HTTP_ADDR", ":8081")
	shutdownTimeout, err := env.Duration("QUANTPIPE_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	// The API server owns the schema; the worker only migrates when asked.
	runMigrations, err := env.Bool("QUANTPIPE_MIGRATE", false)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	if runMigrations {
		if err := pgrepo.Migrate(dbCfg.URL); err != nil {
			logger.Error("migrations failed", "error", err)
			os.Exit(1)
		}
	}

	store, err := pgrepo.NewStore(db)
	if err != nil {
		logger.Error("store init failed", "error", err)
		os.Exit(1)
	}

	files, err := artifacts.NewStore(env.String("QUANTPIPE_ARTIFACT_ROOT", "./data/artifacts"))
	if err != nil {
		logger.Error("artifact store init failed", "error", err)
		os.Exit(1)
	}
	recorder, err := artifacts.NewRecorder(files, store.Artifacts(), logger)
	if err != nil {
		logger.Error("artifact recorder init failed", "error", err)
		os.Exit(1)
	}

	mirror, err := env.Bool("QUANTPIPE_MINIO_MIRROR", false)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	if mirror {
		osCfg, err := platformstore.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid object store config", "error", err)
			os.Exit(2)
		}
		client, err := platformstore.NewMinIOClient(osCfg)
		if err != nil {
			logger.Error("object store client init failed", "error", err)
			os.Exit(1)
		}
		if err := platformstore.EnsureBuckets(ctx, client, osCfg); err != nil {
			logger.Error("object store buckets unavailable", "error", err)
			os.Exit(1)
		}
		ms, err := storageobjectstore.NewMinioStoreWithClient(client)
		if err != nil {
			logger.Error("object store init failed", "error", err)
			os.Exit(1)
		}
		recorder = recorder.WithMirror(ms, osCfg.BucketArtifacts)
	}

	poolCfg, err := poolConfigFromEnv()
	if err != nil {
		logger.Error("invalid pool config", "error", err)
		os.Exit(2)
	}
	pool, err := queue.NewPool(poolCfg, logger)
	if err != nil {
		logger.Error("pool init failed", "error", err)
		os.Exit(1)
	}

	// Continuations enqueue into the local pool, so a pipeline stays on
	// the worker that started it.
	orch, err := pipeline.NewOrchestrator(store, pool, logger)
	if err != nil {
		logger.Error("orchestrator init failed", "error", err)
		os.Exit(1)
	}

	market := marketdata.NewHTTPSource(env.String("QUANTPIPE_MARKETDATA_BASE_URL", ""))
	trainer := rules.NewCARTTrainer()
	evaluator, err := walkforward.NewEvaluator(trainer, logger)
	if err != nil {
		logger.Error("evaluator init failed", "error", err)
		os.Exit(1)
	}
	runner, err := steps.NewRunner(store, recorder, files, orch, market, trainer, evaluator, logger)
	if err != nil {
		logger.Error("runner init failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Register(pool); err != nil {
		logger.Error("handler registration failed", "error", err)
		os.Exit(1)
	}
	if err := pool.Start(ctx); err != nil {
		logger.Error("pool start failed", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("quantpipe-worker"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"quantpipe-worker",
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return db.PingContext(checkCtx)
				},
			},
		),
	)
	mux.HandleFunc("POST "+queue.EnqueuePath, queue.EnqueueHandler(pool))

	cfg := httpserver.Config{
		Service:         "quantpipe-worker",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}
	err = httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "quantpipe-worker", mux))

	// Drain in-flight tasks before exiting so steps finish or fail
	// cleanly instead of being abandoned mid-run.
	pool.Close()

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func poolConfigFromEnv() (queue.PoolConfig, error) {
	workers, err := env.Int("QUANTPIPE_POOL_WORKERS", 4)
	if err != nil {
		return queue.PoolConfig{}, err
	}
	queueSize, err := env.Int("QUANTPIPE_POOL_QUEUE_SIZE", 64)
	if err != nil {
		return queue.PoolConfig{}, err
	}
	taskTimeout, err := env.Duration("QUANTPIPE_POOL_TASK_TIMEOUT", 30*time.Minute)
	if err != nil {
		return queue.PoolConfig{}, err
	}
	return queue.PoolConfig{
		Workers:     workers,
		QueueSize:   queueSize,
		TaskTimeout: taskTimeout,
	}, nil
}
