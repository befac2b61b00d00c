package main

import (
	"context"
	"database/sql"
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
	"github.com/veriflow-labs/veriflow-go/internal/idempotency"
	"github.com/veriflow-labs/veriflow-go/internal/orchestrator"
	"github.com/veriflow-labs/veriflow-go/internal/platform/auditlog"
	"github.com/veriflow-labs/veriflow-go/internal/platform/env"
	"github.com/veriflow-labs/veriflow-go/internal/platform/httpserver"
	"github.com/veriflow-labs/veriflow-go/internal/platform/k8s"
	"github.com/veriflow-labs/veriflow-go/internal/platform/objectstore"
	"github.com/veriflow-labs/veriflow-go/internal/platform/postgres"
	"github.com/veriflow-labs/veriflow-go/internal/platform/redisq"
	"github.com/veriflow-labs/veriflow-go/internal/repo"
	repomem "github.com/veriflow-labs/veriflow-go/internal/repo/memory"
	repopg "github.com/veriflow-labs/veriflow-go/internal/repo/postgres"
	"github.com/veriflow-labs/veriflow-go/internal/storage"
	"github.com/veriflow-labs/veriflow-go/internal/validator"
)

// deps holds everything main wires up per deploy target. The test target runs
// fully in-process (memory repos, memory store, inline dispatch); the other
// targets share postgres and minio and differ in how runs are dispatched and
// where validator containers execute.
type deps struct {
	runs        repo.RunRepository
	steps       repo.StepRunRepository
	workflows   repo.WorkflowRepository
	idempotency repo.IdempotencyRepository
	store       storage.Store
	audit       auditlog.QueryRower
	backend     execbackend.Backend
	images      *execbackend.ImageRegistry
	closers     []func() error
	readiness   []httpserver.ReadinessCheck

	submissionsBucket string
	envelopesBucket   string
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("VERIFLOW_API_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("VERIFLOW_API_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	target := env.String("VERIFLOW_DEPLOY_TARGET", "local")

	d, err := buildDeps(ctx, target, logger)
	if err != nil {
		logger.Error("startup failed", "target", target, "error", err)
		os.Exit(2)
	}
	defer func() {
		for _, closeFn := range d.closers {
			_ = closeFn()
		}
	}()

	engine := assertion.DefaultEngine(assertion.DefaultRegexTimeout)
	validators, err := buildValidators(d, engine, logger)
	if err != nil {
		logger.Error("validator setup failed", "error", err)
		os.Exit(2)
	}

	orch, err := orchestrator.New(orchestrator.Params{
		Config: orchestrator.Config{
			SubmissionsBucket: d.submissionsBucket,
			CallbackURL:       env.String("VERIFLOW_CALLBACK_URL", ""),
		},
		Runs:      d.runs,
		Steps:     d.steps,
		Workflows: d.workflows,
		Registry:  validators,
		Engine:    engine,
		Store:     d.store,
		Backend:   d.backend,
		Audit:     d.audit,
		Log:       logger,
	})
	if err != nil {
		logger.Error("orchestrator init failed", "error", err)
		os.Exit(2)
	}

	dispatcher, err := buildDispatcher(ctx, target, orch, logger)
	if err != nil {
		logger.Error("dispatcher init failed", "target", target, "error", err)
		os.Exit(2)
	}
	orch.SetDispatcher(dispatcher)
	logger.Info("api configured", "target", target, "dispatcher", dispatcher.Name())

	guard := idempotency.NewGuard(d.idempotency, idempotency.DefaultTTL, logger)
	sweepInterval, err := env.Duration("VERIFLOW_IDEMPOTENCY_SWEEP_INTERVAL", time.Hour)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	go idempotency.NewSweeper(d.idempotency, sweepInterval, logger).Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("api"))
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks("api", d.readiness...))

	api := newRunAPI(logger, orch, guard, d)
	api.register(mux)

	cfg := httpserver.Config{
		Service:         "api",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}
	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "api", mux)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func buildDeps(ctx context.Context, target string, logger *slog.Logger) (*deps, error) {
	if target == "test" {
		return &deps{
			runs:              repomem.NewRunStore(),
			steps:             repomem.NewStepRunStore(),
			workflows:         repomem.NewWorkflowStore(),
			idempotency:       repomem.NewIdempotencyStore(),
			store:             storage.NewMemoryStore(),
			submissionsBucket: "submissions",
			envelopesBucket:   "envelopes",
		}, nil
	}

	d := &deps{}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("database config: %w", err)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	d.closers = append(d.closers, db.Close)
	d.runs = repopg.NewRunStore(db)
	d.steps = repopg.NewStepRunStore(db)
	d.workflows = repopg.NewWorkflowStore(db)
	d.idempotency = repopg.NewIdempotencyStore(db)
	d.audit = db
	d.readiness = append(d.readiness, httpserver.ReadinessCheck{
		Name:  "postgres",
		Check: pingCheck(db),
	})

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("object store config: %w", err)
	}
	client, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("object store client: %w", err)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := objectstore.EnsureBuckets(startupCtx, client, storeCfg); err != nil {
		return nil, fmt.Errorf("ensure buckets: %w", err)
	}
	store, err := storage.NewMinioStoreWithClient(client)
	if err != nil {
		return nil, err
	}
	d.store = store
	d.submissionsBucket = storeCfg.BucketSubmissions
	d.envelopesBucket = storeCfg.BucketEnvelopes
	d.readiness = append(d.readiness, httpserver.ReadinessCheck{
		Name: "minio",
		Check: func(ctx context.Context) error {
			checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return objectstore.CheckBuckets(checkCtx, client, storeCfg)
		},
	})

	images, err := execbackend.ParseImageMap(env.String("VERIFLOW_VALIDATOR_IMAGES", ""))
	if err != nil {
		return nil, fmt.Errorf("validator images: %w", err)
	}
	registry := execbackend.NewImageRegistry(images)
	d.images = registry

	switch target {
	case "local", "queue":
		backend, err := execbackend.NewLocalBackend(
			env.String("VERIFLOW_DOCKER_BIN", "docker"),
			store, d.envelopesBucket, registry, logger)
		if err != nil {
			logger.Warn("docker backend unavailable, advanced validators disabled", "error", err)
		} else {
			d.backend = backend
		}
	case "managed":
		k8sClient, err := k8s.NewInClusterClient()
		if err != nil {
			return nil, fmt.Errorf("kubernetes client: %w", err)
		}
		backend, err := execbackend.NewManagedBackend(k8sClient, execbackend.ManagedConfig{
			Namespace:      env.String("VERIFLOW_K8S_NAMESPACE", ""),
			Bucket:         d.envelopesBucket,
			ServiceAccount: env.String("VERIFLOW_K8S_SERVICE_ACCOUNT", ""),
		}, store, registry, logger)
		if err != nil {
			return nil, fmt.Errorf("managed backend: %w", err)
		}
		d.backend = backend
	default:
		return nil, fmt.Errorf("unknown deploy target %q", target)
	}
	return d, nil
}

func buildValidators(d *deps, engine *assertion.Engine, logger *slog.Logger) (*validator.Registry, error) {
	jsonEngine, err := validator.NewJSONStructureEngine(d.store, engine)
	if err != nil {
		return nil, err
	}
	xmlEngine, err := validator.NewXMLWellformedEngine(d.store, engine)
	if err != nil {
		return nil, err
	}
	validators := validator.NewRegistry(jsonEngine, xmlEngine)

	if d.backend == nil {
		return validators, nil
	}
	// One advanced engine per validator type with a registered image. Types
	// already covered by a simple engine keep the in-process implementation.
	for _, validatorType := range d.images.Types() {
		if _, err := validators.Get(validatorType); err == nil {
			logger.Warn("image registered for built-in validator type ignored", "type", validatorType)
			continue
		}
		adv, err := validator.NewAdvancedEngine(validatorType, d.backend, engine)
		if err != nil {
			return nil, err
		}
		validators.Register(adv)
	}
	return validators, nil
}

func buildDispatcher(ctx context.Context, target string, orch *orchestrator.Orchestrator, logger *slog.Logger) (dispatch.Dispatcher, error) {
	switch target {
	case "test":
		return dispatch.NewInlineDispatcher(orch, logger), nil
	case "local":
		return dispatch.NewHTTPDispatcher(
			env.String("VERIFLOW_WORKER_URL", "http://localhost:8081"),
			env.String("VERIFLOW_INTERNAL_AUTH_SECRET", ""),
			logger,
		)
	case "queue", "managed":
		queueCfg, err := redisq.ConfigFromEnv()
		if err != nil {
			return nil, err
		}
		client, err := redisq.NewClient(ctx, queueCfg)
		if err != nil {
			return nil, err
		}
		return dispatch.NewQueueDispatcher(client, queueCfg.Queue, logger)
	default:
		return nil, fmt.Errorf("unknown deploy target %q", target)
	}
}

func pingCheck(db *sql.DB) func(context.Context) error {
	return func(ctx context.Context) error {
		checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
		defer cancel()
		return db.PingContext(checkCtx)
	}
}
