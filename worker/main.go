package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/veriflow-labs/veriflow-go/internal/assertion"
	"github.com/veriflow-labs/veriflow-go/internal/dispatch"
	"github.com/veriflow-labs/veriflow-go/internal/execbackend"
	"github.com/veriflow-labs/veriflow-go/internal/orchestrator"
	"github.com/veriflow-labs/veriflow-go/internal/platform/env"
	"github.com/veriflow-labs/veriflow-go/internal/platform/httpserver"
	"github.com/veriflow-labs/veriflow-go/internal/platform/k8s"
	"github.com/veriflow-labs/veriflow-go/internal/platform/objectstore"
	"github.com/veriflow-labs/veriflow-go/internal/platform/postgres"
	"github.com/veriflow-labs/veriflow-go/internal/platform/redisq"
	repopg "github.com/veriflow-labs/veriflow-go/internal/repo/postgres"
	"github.com/veriflow-labs/veriflow-go/internal/storage"
	"github.com/veriflow-labs/veriflow-go/internal/validator"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("VERIFLOW_WORKER_HTTP_ADDR", ":8081")
	shutdownTimeout, err := env.Duration("VERIFLOW_WORKER_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	target := env.String("VERIFLOW_DEPLOY_TARGET", "local")
	authSecret := env.String("VERIFLOW_INTERNAL_AUTH_SECRET", "")
	if authSecret == "" {
		logger.Error("VERIFLOW_INTERNAL_AUTH_SECRET is required")
		os.Exit(2)
	}
	maxSkew, err := env.Duration("VERIFLOW_INTERNAL_AUTH_MAX_SKEW", 5*time.Minute)
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

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	storeClient, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	store, err := storage.NewMinioStoreWithClient(storeClient)
	if err != nil {
		logger.Error("object store wrapper init failed", "error", err)
		os.Exit(2)
	}

	backend, images, err := buildBackend(target, store, storeCfg, logger)
	if err != nil {
		logger.Error("execution backend init failed", "target", target, "error", err)
		os.Exit(2)
	}

	engine := assertion.DefaultEngine(assertion.DefaultRegexTimeout)
	validators, err := buildValidators(store, engine, backend, images)
	if err != nil {
		logger.Error("validator setup failed", "error", err)
		os.Exit(2)
	}

	orch, err := orchestrator.New(orchestrator.Params{
		Config: orchestrator.Config{
			SubmissionsBucket: storeCfg.BucketSubmissions,
			CallbackURL:       env.String("VERIFLOW_CALLBACK_URL", ""),
		},
		Runs:      repopg.NewRunStore(db),
		Steps:     repopg.NewStepRunStore(db),
		Workflows: repopg.NewWorkflowStore(db),
		Registry:  validators,
		Engine:    engine,
		Store:     store,
		Backend:   backend,
		Audit:     db,
		Log:       logger,
	})
	if err != nil {
		logger.Error("orchestrator init failed", "error", err)
		os.Exit(2)
	}

	reclaimInterval, err := env.Duration("VERIFLOW_RECLAIM_INTERVAL", orchestrator.DefaultReclaimInterval)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	go orchestrator.NewReclaimer(orch, reclaimInterval, logger).Run(ctx)

	readiness := []httpserver.ReadinessCheck{{
		Name: "postgres",
		Check: func(ctx context.Context) error {
			checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return db.PingContext(checkCtx)
		},
	}}

	switch target {
	case "local":
		// The api posts tasks straight to this process; after a callback the
		// worker resumes runs on its own goroutine.
		orch.SetDispatcher(dispatch.NewInlineDispatcher(orch, logger))
	case "queue", "managed":
		queueCfg, err := redisq.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid queue config", "error", err)
			os.Exit(2)
		}
		client, err := redisq.NewClient(ctx, queueCfg)
		if err != nil {
			logger.Error("redis unavailable", "error", err)
			os.Exit(1)
		}
		defer func() { _ = client.Close() }()

		queueDispatcher, err := dispatch.NewQueueDispatcher(client, queueCfg.Queue, logger)
		if err != nil {
			logger.Error("queue dispatcher init failed", "error", err)
			os.Exit(2)
		}
		orch.SetDispatcher(queueDispatcher)

		consumer, err := dispatch.NewConsumer(client, queueCfg.Queue, executeTask(orch, logger), logger)
		if err != nil {
			logger.Error("consumer init failed", "error", err)
			os.Exit(2)
		}
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("consumer stopped", "error", err)
			}
		}()
		readiness = append(readiness, httpserver.ReadinessCheck{
			Name: "redis",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return client.Ping(checkCtx).Err()
			},
		})
	default:
		logger.Error("unknown deploy target", "target", target)
		os.Exit(2)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("worker"))
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks("worker", readiness...))

	w := newWorkerAPI(logger, orch, authSecret, maxSkew)
	w.register(mux)

	cfg := httpserver.Config{
		Service:         "worker",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}
	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "worker", mux)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func buildBackend(target string, store storage.Store, storeCfg objectstore.Config, logger *slog.Logger) (execbackend.Backend, *execbackend.ImageRegistry, error) {
	images, err := execbackend.ParseImageMap(env.String("VERIFLOW_VALIDATOR_IMAGES", ""))
	if err != nil {
		return nil, nil, fmt.Errorf("validator images: %w", err)
	}
	registry := execbackend.NewImageRegistry(images)

	switch target {
	case "local", "queue":
		backend, err := execbackend.NewLocalBackend(
			env.String("VERIFLOW_DOCKER_BIN", "docker"),
			store, storeCfg.BucketEnvelopes, registry, logger)
		if err != nil {
			logger.Warn("docker backend unavailable, advanced validators disabled", "error", err)
			return nil, registry, nil
		}
		return backend, registry, nil
	case "managed":
		client, err := k8s.NewInClusterClient()
		if err != nil {
			return nil, nil, fmt.Errorf("kubernetes client: %w", err)
		}
		backend, err := execbackend.NewManagedBackend(client, execbackend.ManagedConfig{
			Namespace:      env.String("VERIFLOW_K8S_NAMESPACE", ""),
			Bucket:         storeCfg.BucketEnvelopes,
			ServiceAccount: env.String("VERIFLOW_K8S_SERVICE_ACCOUNT", ""),
		}, store, registry, logger)
		if err != nil {
			return nil, nil, err
		}
		return backend, registry, nil
	default:
		return nil, registry, nil
	}
}

func buildValidators(store storage.Store, engine *assertion.Engine, backend execbackend.Backend, images *execbackend.ImageRegistry) (*validator.Registry, error) {
	jsonEngine, err := validator.NewJSONStructureEngine(store, engine)
	if err != nil {
		return nil, err
	}
	xmlEngine, err := validator.NewXMLWellformedEngine(store, engine)
	if err != nil {
		return nil, err
	}
	validators := validator.NewRegistry(jsonEngine, xmlEngine)
	if backend == nil {
		return validators, nil
	}
	for _, validatorType := range images.Types() {
		if _, err := validators.Get(validatorType); err == nil {
			continue
		}
		adv, err := validator.NewAdvancedEngine(validatorType, backend, engine)
		if err != nil {
			return nil, err
		}
		validators.Register(adv)
	}
	return validators, nil
}

func executeTask(orch *orchestrator.Orchestrator, logger *slog.Logger) dispatch.TaskHandler {
	return func(ctx context.Context, task dispatch.Task) error {
		if task.Type != dispatch.TaskTypeExecuteRun {
			logger.Warn("unknown task type dropped", "type", task.Type)
			return nil
		}
		return orch.ExecuteSteps(ctx, task.Data.OrgID, task.Data.RunID, task.Data.ResumeFromStep)
	}
}
