package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/foundry-data/foundry/pkg/api"
	"github.com/foundry-data/foundry/pkg/auth"
	"github.com/foundry-data/foundry/pkg/blob"
	"github.com/foundry-data/foundry/pkg/catalog"
	"github.com/foundry-data/foundry/pkg/config"
	"github.com/foundry-data/foundry/pkg/embeddings"
	"github.com/foundry-data/foundry/pkg/ingest"
	"github.com/foundry-data/foundry/pkg/observability"
	"github.com/foundry-data/foundry/pkg/pipeline"
	"github.com/foundry-data/foundry/pkg/pipeline/stages"
	"github.com/foundry-data/foundry/pkg/playbook"
	"github.com/foundry-data/foundry/pkg/quota"
)

// deps is everything serve wires together. db is nil unless the catalog DSN
// points at Postgres.
type deps struct {
	cfg      *config.Config
	log      *slog.Logger
	cat      catalog.Catalog
	db       *sql.DB
	store    blob.Store
	embedder embeddings.Embedder
	vectors  embeddings.VectorStore
	enforcer *quota.Enforcer
}

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", os.Getenv("FOUNDRY_CONFIG"), "YAML config file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx := context.Background()
	d, err := buildDeps(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup", "error", err)
		return 1
	}
	defer d.close()

	provider, err := newObservability(ctx)
	if err != nil {
		logger.Error("observability", "error", err)
		return 1
	}

	usage := &usageRecorder{enf: d.enforcer, provider: provider}
	stageSet := stages.All(stages.Services{
		Embedder:                 d.embedder,
		Vectors:                  d.vectors,
		Usage:                    usage,
		IndexingFailureThreshold: cfg.Pipeline.Indexing.FailureRatioThreshold,
		IndexingConcurrency:      cfg.Pipeline.Indexing.Concurrency,
	})
	newBB := func(run *catalog.PipelineRun, p *catalog.Product, pb *playbook.Playbook) *pipeline.Blackboard {
		return &pipeline.Blackboard{
			RunID:       run.ID,
			WorkspaceID: run.WorkspaceID,
			ProductID:   run.ProductID,
			Version:     run.Version,
			Product:     p,
			Playbook:    pb,
			Catalog:     d.cat,
			Blob:        d.store,
		}
	}
	orch, err := pipeline.NewOrchestrator(d.cat, stageSet, newBB, pipeline.Config{
		Workers:      cfg.Pipeline.Workers,
		StageTimeout: time.Duration(cfg.Pipeline.StageTimeoutSeconds) * time.Second,
	}, logger)
	if err != nil {
		logger.Error("orchestrator", "error", err)
		return 1
	}
	orch.SetObserver(&runObserver{provider: provider})
	orch.Start(ctx)
	resumeQueuedRuns(ctx, d.cat, orch, logger)

	coord := ingest.NewCoordinator(d.cat, d.store, &ingestQuota{enf: d.enforcer, provider: provider}, logger)
	coord.Concurrency = cfg.Ingest.ConcurrencyPerSource

	validator, err := loadValidator(cfg.Auth.PublicKeyPEM)
	if err != nil {
		logger.Error("auth", "error", err)
		return 1
	}
	if validator == nil {
		logger.Warn("no auth public key configured, all API requests will be rejected")
	}

	limiter := api.NewRateLimiter(20, 40)
	defer limiter.Close()
	idem := newIdempotencyStore(ctx, d, logger)

	server := api.NewServer(d.cat, d.store, orch, coord, d.enforcer, logger)
	handler := provider.HTTPMiddleware(server.Handler(validator, limiter, idem))

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", httpSrv.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server", "error", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	orch.Stop()
	if err := provider.Shutdown(shutdownCtx); err != nil {
		logger.Error("observability shutdown", "error", err)
	}
	logger.Info("stopped")
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN", "WARNING":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func buildDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*deps, error) {
	d := &deps{cfg: cfg, log: logger}

	switch {
	case cfg.Catalog.DSN == "":
		logger.Info("catalog: in-memory (no DSN configured)")
		d.cat = catalog.NewMemoryCatalog()
	case isPostgresDSN(cfg.Catalog.DSN):
		db, err := sql.Open("postgres", cfg.Catalog.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		cat, err := catalog.NewPostgresCatalog(db)
		if err != nil {
			return nil, err
		}
		logger.Info("catalog: postgres")
		d.db = db
		d.cat = cat
	default:
		cat, err := catalog.OpenSQLite(cfg.Catalog.DSN)
		if err != nil {
			return nil, err
		}
		logger.Info("catalog: sqlite", "path", cfg.Catalog.DSN)
		d.cat = cat
	}

	if cfg.Blob.AccessKey != "" {
		os.Setenv("AWS_ACCESS_KEY_ID", cfg.Blob.AccessKey)
	}
	if cfg.Blob.SecretKey != "" {
		os.Setenv("AWS_SECRET_ACCESS_KEY", cfg.Blob.SecretKey)
	}
	store, err := blob.New(ctx, blob.Options{
		Backend: blob.Backend(cfg.Blob.Backend),
		Root:    cfg.Blob.Root,
		S3: blob.S3Config{
			Bucket:   cfg.Blob.Bucket,
			Region:   cfg.Blob.Region,
			Endpoint: cfg.Blob.Endpoint,
		},
		GCSBucket: cfg.Blob.GCSBucket,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("blob store ready", "backend", cfg.Blob.Backend)
	d.store = store

	if cfg.Vector.Endpoint != "" || cfg.Vector.APIKey != "" {
		d.embedder = embeddings.NewOpenAIEmbedder(cfg.Vector.APIKey, cfg.Vector.Endpoint)
	} else {
		logger.Info("embedder: deterministic local", "dims", cfg.Vector.Dims)
		d.embedder = embeddings.NewHashEmbedder(cfg.Vector.Dims)
	}

	if cfg.Vector.PgDSN != "" {
		vdb, err := sql.Open("postgres", cfg.Vector.PgDSN)
		if err != nil {
			return nil, fmt.Errorf("open vector store: %w", err)
		}
		vs, err := embeddings.NewPGVectorStore(vdb, d.embedder.Dimensions())
		if err != nil {
			return nil, err
		}
		logger.Info("vector store: pgvector")
		d.vectors = vs
	} else {
		d.vectors = embeddings.NewMemoryVectorStore()
	}

	var meter quota.Meter
	if d.db != nil {
		pm := quota.NewPostgresMeter(d.db)
		if err := pm.Init(ctx); err != nil {
			return nil, fmt.Errorf("init usage meter: %w", err)
		}
		meter = pm
	} else {
		meter = quota.NewMemoryMeter()
	}
	d.enforcer = quota.NewEnforcer(meter, quota.Limits{
		IngestBytes:    cfg.Quota.IngestBytes,
		PipelineRuns:   cfg.Quota.PipelineRuns,
		EmbeddedChunks: cfg.Quota.EmbeddedChunks,
	})

	return d, nil
}

func (d *deps) close() {
	if d.db != nil {
		_ = d.db.Close()
	}
}

func isPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// loadValidator accepts inline PEM or a path to a PEM file. Empty means no
// validator; the API middleware rejects everything fail-closed.
func loadValidator(pemOrPath string) (*auth.Validator, error) {
	if pemOrPath == "" {
		return nil, nil
	}
	data := []byte(pemOrPath)
	if !strings.Contains(pemOrPath, "-----BEGIN") {
		read, err := os.ReadFile(pemOrPath)
		if err != nil {
			return nil, fmt.Errorf("read auth public key: %w", err)
		}
		data = read
	}
	return auth.NewValidatorFromPEM(data)
}

func newObservability(ctx context.Context) (*observability.Provider, error) {
	obsCfg := observability.DefaultConfig()
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	obsCfg.Enabled = endpoint != ""
	if endpoint != "" {
		obsCfg.OTLPEndpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
		obsCfg.Insecure = strings.HasPrefix(endpoint, "http://")
	}
	return observability.New(ctx, obsCfg)
}

func newIdempotencyStore(ctx context.Context, d *deps, logger *slog.Logger) api.IdempotencyStore {
	const ttl = 24 * time.Hour
	if addr := d.cfg.Redis.Addr; addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: d.cfg.Redis.Password,
			DB:       d.cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, falling back to local idempotency cache", "addr", addr, "error", err)
		} else {
			return api.NewRedisIdempotencyStore(rdb, ttl)
		}
	}
	if d.db != nil {
		store := api.NewPostgresIdempotencyStore(d.db, ttl)
		if err := store.Init(ctx); err != nil {
			logger.Warn("idempotency store init failed, falling back to memory", "error", err)
			return api.NewMemoryIdempotencyStore(ttl)
		}
		return store
	}
	return api.NewMemoryIdempotencyStore(ttl)
}

// resumeQueuedRuns re-enqueues runs stranded QUEUED by a previous process.
func resumeQueuedRuns(ctx context.Context, cat catalog.Catalog, orch *pipeline.Orchestrator, logger *slog.Logger) {
	workspaces, err := cat.ListWorkspaces(ctx)
	if err != nil {
		logger.Error("resume: list workspaces", "error", err)
		return
	}
	for _, ws := range workspaces {
		products, err := cat.ListProducts(ctx, ws.ID)
		if err != nil {
			logger.Error("resume: list products", "workspace_id", ws.ID, "error", err)
			continue
		}
		for _, p := range products {
			if err := orch.Resume(ctx, p.ID); err != nil {
				logger.Error("resume", "product_id", p.ID, "error", err)
			}
		}
	}
}

// runObserver bridges orchestrator lifecycle events to the otel provider.
type runObserver struct {
	provider *observability.Provider
}

func (o *runObserver) RunStarted(ctx context.Context, run *catalog.PipelineRun) func(catalog.RunStatus) {
	_, finish := o.provider.TrackRun(ctx,
		observability.RunAttrs(run.WorkspaceID, run.ProductID, run.Version, run.ID)...)
	return func(status catalog.RunStatus) { finish(string(status)) }
}

func (o *runObserver) StageFinished(ctx context.Context, stageName string, status catalog.StageStatus, duration time.Duration) {
	o.provider.RecordStageFinished(ctx, stageName, string(status), duration)
}

// usageRecorder settles embedded-chunk usage and exports the counter.
type usageRecorder struct {
	enf      *quota.Enforcer
	provider *observability.Provider
}

func (u *usageRecorder) RecordEmbeddedChunks(ctx context.Context, workspaceID string, n int64) error {
	u.provider.RecordChunksIndexed(ctx, n, observability.AttrWorkspaceID.String(workspaceID))
	return u.enf.RecordEmbeddedChunks(ctx, workspaceID, n)
}

// ingestQuota fronts the enforcer for the ingest coordinator and exports
// ingested bytes.
type ingestQuota struct {
	enf      *quota.Enforcer
	provider *observability.Provider
}

func (q *ingestQuota) CheckIngest(ctx context.Context, workspaceID string) error {
	return q.enf.CheckIngest(ctx, workspaceID)
}

func (q *ingestQuota) RecordIngestBytes(ctx context.Context, workspaceID string, n int64) error {
	q.provider.RecordIngestedBytes(ctx, n, observability.AttrWorkspaceID.String(workspaceID))
	return q.enf.RecordIngestBytes(ctx, workspaceID, n)
}
