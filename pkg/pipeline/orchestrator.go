package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foundry-data/foundry/pkg/catalog"
	"github.com/foundry-data/foundry/pkg/playbook"
)

// Config tunes the orchestrator.
type Config struct {
	// Workers is the number of concurrent runs. Default GOMAXPROCS.
	Workers int
	// StageTimeout is the per-stage deadline. Default 1h.
	StageTimeout time.Duration
	// QueueDepth bounds pending runs. Default 64.
	QueueDepth int
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = time.Hour
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 64
	}
}

// TriggerResult is the accepted-run response.
type TriggerResult struct {
	RunID     string `json:"run_id"`
	ProductID string `json:"product_id"`
	Version   int    `json:"version"`
	// VersionSource is "explicit" or "auto".
	VersionSource string `json:"version_source"`
	Status        string `json:"status"`
}

// Orchestrator resolves versions, admits runs and drives the DAG on a bounded
// worker pool. Runs are durable in the catalog; the queue is in-process.
type Orchestrator struct {
	cat    catalog.Catalog
	stages []Stage
	newBB  BlackboardFactory
	cfg    Config
	log    *slog.Logger
	obs    Observer

	queue chan string
	wg    sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

// BlackboardFactory builds the per-run blackboard with store handles wired.
type BlackboardFactory func(run *catalog.PipelineRun, p *catalog.Product, pb *playbook.Playbook) *Blackboard

// Observer receives run and stage lifecycle events, for metrics export.
// RunStarted returns the callback invoked with the run's terminal status.
type Observer interface {
	RunStarted(ctx context.Context, run *catalog.PipelineRun) func(status catalog.RunStatus)
	StageFinished(ctx context.Context, stageName string, status catalog.StageStatus, duration time.Duration)
}

// NewOrchestrator wires stages in DAG order; the stages slice must match
// DAGOrder by name.
func NewOrchestrator(cat catalog.Catalog, stages []Stage, newBB BlackboardFactory, cfg Config, log *slog.Logger) (*Orchestrator, error) {
	cfg.defaults()
	if len(stages) != len(DAGOrder) {
		return nil, fmt.Errorf("pipeline: got %d stages, want %d", len(stages), len(DAGOrder))
	}
	for i, s := range stages {
		if s.Name() != DAGOrder[i] {
			return nil, fmt.Errorf("pipeline: stage %d is %q, want %q", i, s.Name(), DAGOrder[i])
		}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		cat:    cat,
		stages: stages,
		newBB:  newBB,
		cfg:    cfg,
		log:    log,
		queue:  make(chan string, cfg.QueueDepth),
		done:   make(chan struct{}),
	}, nil
}

// SetObserver installs the lifecycle observer. Call before Start.
func (o *Orchestrator) SetObserver(obs Observer) {
	o.obs = obs
}

// Start launches the worker pool. Idempotent.
func (o *Orchestrator) Start(ctx context.Context) {
	o.startOnce.Do(func() {
		for i := 0; i < o.cfg.Workers; i++ {
			o.wg.Add(1)
			go o.worker(ctx)
		}
	})
}

// Stop drains workers. Queued runs stay QUEUED in the catalog and can be
// re-dispatched on restart.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.done) })
	o.wg.Wait()
}

// Trigger admits a run for the product. explicitVersion <= 0 auto-resolves;
// force retriggers a version that already has a SUCCEEDED run.
func (o *Orchestrator) Trigger(ctx context.Context, productID string, explicitVersion int, force bool) (*TriggerResult, error) {
	product, err := o.cat.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}

	version, err := o.cat.ResolvePipelineVersion(ctx, productID, explicitVersion)
	if err != nil {
		return nil, err
	}
	source := "auto"
	if explicitVersion > 0 {
		source = "explicit"
	}

	if !force {
		ok, err := o.cat.HasSucceededRun(ctx, productID, version)
		if err != nil {
			return nil, err
		}
		if ok {
			return nil, catalog.ErrAlreadySucceeded
		}
	}

	run := &catalog.PipelineRun{
		ID:          uuid.NewString(),
		WorkspaceID: product.WorkspaceID,
		ProductID:   productID,
		Version:     version,
		ConfigSnapshot: map[string]any{
			"chunking_config": product.ChunkingConfig,
			"force":           force,
			"version_source":  source,
		},
		TriggerReason: "api",
	}
	if err := o.cat.BeginRun(ctx, run); err != nil {
		return nil, err
	}

	select {
	case o.queue <- run.ID:
	default:
		// Queue full: hand the enqueue off so the run is not stranded QUEUED
		// until the next Resume. The durable row survives a crash either way.
		o.log.Warn("pipeline queue full, enqueue deferred", "run_id", run.ID)
		go func() {
			select {
			case o.queue <- run.ID:
			case <-o.done:
			}
		}()
	}

	return &TriggerResult{
		RunID:         run.ID,
		ProductID:     productID,
		Version:       version,
		VersionSource: source,
		Status:        string(catalog.RunQueued),
	}, nil
}

// Cancel sets the durable cancel flag. Idempotent; terminal runs are rejected.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) error {
	run, err := o.cat.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return catalog.ErrStateMismatch
	}
	return o.cat.RequestCancel(ctx, runID)
}

// Resume re-enqueues QUEUED runs for the product, used on startup after a
// crash or a full queue.
func (o *Orchestrator) Resume(ctx context.Context, productID string) error {
	runs, err := o.cat.ListRuns(ctx, productID)
	if err != nil {
		return err
	}
	for _, r := range runs {
		if r.Status == catalog.RunQueued {
			select {
			case o.queue <- r.ID:
			default:
				return nil
			}
		}
	}
	return nil
}

func (o *Orchestrator) worker(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-o.done:
			return
		case <-ctx.Done():
			return
		case runID := <-o.queue:
			o.execute(ctx, runID)
		}
	}
}

// execute drives one run through the DAG.
func (o *Orchestrator) execute(ctx context.Context, runID string) {
	log := o.log.With("run_id", runID)

	run, err := o.cat.GetRun(ctx, runID)
	if err != nil {
		log.Error("load run", "error", err)
		return
	}
	product, err := o.cat.GetProduct(ctx, run.ProductID)
	if err != nil {
		log.Error("load product", "error", err)
		return
	}

	// 1. Claim the run. A CAS miss means another worker (or a cancel racing
	// the queue) already moved it.
	now := time.Now().UTC()
	if err := o.cat.TransitionRun(ctx, runID, catalog.RunQueued, catalog.RunRunning, now); err != nil {
		if !errors.Is(err, catalog.ErrStateMismatch) {
			log.Error("claim run", "error", err)
		}
		return
	}
	o.setProductStatus(ctx, product, catalog.ProductRunning)

	var finishRun func(catalog.RunStatus)
	if o.obs != nil {
		finishRun = o.obs.RunStarted(ctx, run)
	}

	pb := playbook.Default()
	bb := o.newBB(run, product, pb)
	bb.CancelRequested = func() bool {
		r, err := o.cat.GetRun(ctx, runID)
		return err == nil && r.CancelRequested
	}

	terminal := catalog.RunSucceeded
	log.Info("run started", "product_id", run.ProductID, "version", run.Version)

	for _, stage := range o.stages {
		// 2. Cancellation is observed at stage boundaries; the stage itself
		// may also poll mid-loop.
		if bb.CancelRequested() {
			o.markSkipped(ctx, runID, stage.Name())
			terminal = catalog.RunCancelled
			break
		}

		started := time.Now().UTC()
		running := catalog.StageRunning
		if err := o.cat.UpsertStage(ctx, runID, stage.Name(), catalog.StagePatch{
			Status: &running, StartedAt: &started,
		}); err != nil {
			log.Error("start stage", "stage", stage.Name(), "error", err)
			terminal = catalog.RunFailed
			break
		}

		result := o.runStage(ctx, stage, bb)

		finished := time.Now().UTC()
		patch := catalog.StagePatch{
			Status:     &result.Status,
			FinishedAt: &finished,
			Metrics:    result.Metrics,
		}
		if result.Err != nil {
			msg := result.Err.Error()
			patch.ErrorMessage = &msg
		}
		if err := o.cat.UpsertStage(ctx, runID, stage.Name(), patch); err != nil {
			log.Error("record stage", "stage", stage.Name(), "error", err)
		}
		o.persistArtifacts(ctx, runID, stage.Name(), result.Artifacts)

		if o.obs != nil {
			o.obs.StageFinished(ctx, stage.Name(), result.Status, finished.Sub(started))
		}
		log.Info("stage finished", "stage", stage.Name(), "status", result.Status,
			"duration", finished.Sub(started))

		if result.Status == catalog.StageFailed && stage.TerminalOnFailure() {
			terminal = catalog.RunFailed
			break
		}
	}

	// 3. Settle the run. First-observed terminal wins if a cancel raced us.
	now = time.Now().UTC()
	if err := o.cat.TransitionRun(ctx, runID, catalog.RunRunning, terminal, now); err != nil &&
		!errors.Is(err, catalog.ErrStateMismatch) {
		log.Error("settle run", "error", err)
	}

	if finishRun != nil {
		finishRun(terminal)
	}

	switch terminal {
	case catalog.RunSucceeded:
		o.setProductStatus(ctx, product, catalog.ProductReady)
	case catalog.RunFailed:
		o.setProductStatus(ctx, product, catalog.ProductFailed)
	default:
		// Cancelled runs restore the product's pre-run status; product was
		// loaded before the RUNNING stamp, so its Status is that snapshot.
		o.setProductStatus(ctx, product, product.Status)
	}
	log.Info("run finished", "status", terminal)
}

// runStage applies the per-stage deadline. On expiry the in-flight work may
// finish but its result is discarded.
func (o *Orchestrator) runStage(ctx context.Context, stage Stage, bb *Blackboard) *StageResult {
	stageCtx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
	defer cancel()

	type outcome struct{ res *StageResult }
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{&StageResult{
					Status: catalog.StageFailed,
					Err:    fmt.Errorf("stage panic: %v", r),
				}}
			}
		}()
		ch <- outcome{stage.Run(stageCtx, bb)}
	}()

	select {
	case out := <-ch:
		if out.res == nil {
			return &StageResult{Status: catalog.StageFailed, Err: errors.New("stage returned no result")}
		}
		return out.res
	case <-stageCtx.Done():
		return &StageResult{Status: catalog.StageFailed, Err: errors.New("TIMEOUT")}
	}
}

func (o *Orchestrator) markSkipped(ctx context.Context, runID, stageName string) {
	skipped := catalog.StageSkipped
	if err := o.cat.UpsertStage(ctx, runID, stageName, catalog.StagePatch{Status: &skipped}); err != nil {
		o.log.Error("mark stage skipped", "run_id", runID, "stage", stageName, "error", err)
	}
}

func (o *Orchestrator) persistArtifacts(ctx context.Context, runID, stageName string, specs []ArtifactSpec) {
	for _, spec := range specs {
		a := &catalog.Artifact{
			ID:          uuid.NewString(),
			RunID:       runID,
			StageName:   stageName,
			Type:        spec.Type,
			Name:        spec.Name,
			DisplayName: spec.DisplayName,
			BlobBucket:  spec.BlobBucket,
			BlobKey:     spec.BlobKey,
			SizeBytes:   spec.SizeBytes,
			CreatedAt:   time.Now().UTC(),
		}
		if err := o.cat.InsertArtifact(ctx, a); err != nil {
			o.log.Error("persist artifact", "run_id", runID, "name", spec.Name, "error", err)
		}
	}
}

func (o *Orchestrator) setProductStatus(ctx context.Context, p *catalog.Product, status catalog.ProductStatus) {
	fresh, err := o.cat.GetProduct(ctx, p.ID)
	if err != nil {
		o.log.Error("reload product", "product_id", p.ID, "error", err)
		return
	}
	fresh.Status = status
	if err := o.cat.UpdateProduct(ctx, fresh); err != nil {
		o.log.Error("update product status", "product_id", p.ID, "error", err)
	}
}
