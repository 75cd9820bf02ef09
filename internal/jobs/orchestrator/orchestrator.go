// Package orchestrator drives import jobs through their stages.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sync/semaphore"

	repos "github.com/yungbote/memory-import/internal/data/repos/imports"
	types "github.com/yungbote/memory-import/internal/domain/imports"
	"github.com/yungbote/memory-import/internal/jobs/runtime"
	"github.com/yungbote/memory-import/internal/observability"
	"github.com/yungbote/memory-import/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/memory-import/internal/pkg/errors"
	"github.com/yungbote/memory-import/internal/pkg/logger"
	"github.com/yungbote/memory-import/internal/pkg/pointers"
	"github.com/yungbote/memory-import/internal/platform/inference"
	"github.com/yungbote/memory-import/internal/platform/notify"
)

// ErrShuttingDown wraps pkgerrors.ErrUnavailable.
var ErrShuttingDown = fmt.Errorf("orchestrator is shutting down: %w", pkgerrors.ErrUnavailable)

type Config struct {
	MaxConcurrentJobs int
	// StaleAfter is how long a non-terminal job may go without a write before another
	// process may resume it.
	StaleAfter        time.Duration
	HeartbeatInterval time.Duration
	NotifyTimeout     time.Duration
	ResumeBatch       int
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrentJobs: 4,
		StaleAfter:        15 * time.Minute,
		HeartbeatInterval: time.Minute,
		NotifyTimeout:     10 * time.Second,
		ResumeBatch:       50,
	}
}

type Deps struct {
	Jobs     repos.ImportJobRepo
	Profiles repos.UserProfileRepo
	Steps    *runtime.Registry
	// AI is the shared client; each job wraps it in its own meter.
	AI       inference.Client
	Prices   inference.Prices
	Notifier notify.Notifier
	Metrics  *observability.Metrics
	Log      *logger.Logger
}

type Orchestrator struct {
	deps Deps
	cfg  Config
	log  *logger.Logger
	sem  *semaphore.Weighted

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	running map[uuid.UUID]struct{}
	closed  bool
}

func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Jobs == nil || deps.Profiles == nil || deps.Steps == nil {
		return nil, fmt.Errorf("orchestrator: jobs, profiles and steps are required")
	}
	if missing := deps.Steps.Missing(); len(missing) > 0 {
		return nil, fmt.Errorf("orchestrator: no step for stages %v", missing)
	}
	def := DefaultConfig()
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = def.MaxConcurrentJobs
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	switch {
	case cfg.HeartbeatInterval == 0:
		cfg.HeartbeatInterval = def.HeartbeatInterval
	case cfg.HeartbeatInterval < 0:
		// negative disables the heartbeat
		cfg.HeartbeatInterval = 0
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = def.NotifyTimeout
	}
	if cfg.ResumeBatch <= 0 {
		cfg.ResumeBatch = def.ResumeBatch
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Noop{}
	}
	if deps.Log == nil {
		deps.Log = logger.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		deps:    deps,
		cfg:     cfg,
		log:     deps.Log.With("service", "ImportOrchestrator"),
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrentJobs)),
		baseCtx: ctx,
		cancel:  cancel,
		running: map[uuid.UUID]struct{}{},
	}, nil
}

/*
Submit records a pending job, marks the profile as processing and returns without waiting.
The stages run on the orchestrator's own context, so the caller's request ending does not
stop the import.
*/
func (o *Orchestrator) Submit(ctx context.Context, userID uuid.UUID, storagePath string) (*types.ImportJob, error) {
	storagePath = strings.TrimSpace(storagePath)
	if userID == uuid.Nil {
		return nil, fmt.Errorf("%w: user_id is required", pkgerrors.ErrInvalidArgument)
	}
	if storagePath == "" {
		return nil, fmt.Errorf("%w: storage_path is required", pkgerrors.ErrInvalidArgument)
	}
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return nil, ErrShuttingDown
	}

	dbc := dbctx.From(ctx)
	if active, err := o.deps.Jobs.HasActive(dbc, userID); err == nil && active {
		o.log.Warn("User already has an import in flight", "user_id", userID)
	}
	job := &types.ImportJob{
		UserID:      userID,
		StoragePath: storagePath,
		Stage:       types.StagePending,
	}
	if err := o.deps.Jobs.Create(dbc, job); err != nil {
		return nil, fmt.Errorf("create import job: %w", err)
	}
	if err := o.deps.Profiles.SetImportState(dbc, userID, repos.ImportState{
		Status:   types.ProfileProcessing,
		Stage:    types.StagePending,
		Progress: 0,
		JobID:    job.ID,
	}); err != nil {
		o.log.Warn("Profile mirror write failed", "job_id", job.ID, "error", err)
	}
	o.log.Info("Import accepted", "job_id", job.ID, "user_id", userID)
	snapshot := *job
	o.start(job)
	return &snapshot, nil
}

// Status reports the user's latest import. A failure is only reported when it left the
// user without a usable result.
func (o *Orchestrator) Status(ctx context.Context, userID uuid.UUID) (*Status, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("%w: user_id is required", pkgerrors.ErrInvalidArgument)
	}
	dbc := dbctx.From(ctx)
	job, err := o.deps.Jobs.GetLatestByUser(dbc, userID)
	if err != nil {
		return nil, fmt.Errorf("load latest job: %w", err)
	}
	profile, err := o.deps.Profiles.Get(dbc, userID)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	if job == nil {
		st := &Status{Stage: StageNone}
		if profile != nil {
			st.Ready = profile.ImportStatus == types.ProfileReady || profile.ImportStatus == types.ProfileQuickReady
		}
		return st, nil
	}

	var cp types.Checkpoint
	if len(job.Checkpoint) > 0 {
		_ = jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(job.Checkpoint, &cp)
	}
	st := &Status{
		JobID:    pointers.Ptr(job.ID),
		Stage:    string(job.Stage),
		Progress: job.Progress,
		Ready:    job.Stage == types.StageComplete || cp.QuickSummary,
	}
	if job.Stage == types.StageFailed {
		if userVisible(job.FailedStage, cp.QuickSummary) {
			reason := job.Reason
			if reason == "" {
				reason = ReasonGeneric
			}
			st.Error = pointers.String(reason)
			st.Ready = false
		} else {
			st.Stage = string(job.FailedStage)
		}
	}
	return st, nil
}

// ResumeStale claims non-terminal jobs that stopped being written to and runs them again
// from their recorded stage.
func (o *Orchestrator) ResumeStale(ctx context.Context) (int, error) {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return 0, ErrShuttingDown
	}
	before := time.Now().Add(-o.cfg.StaleAfter)
	jobs, err := o.deps.Jobs.ClaimStale(dbctx.From(ctx), before, o.cfg.ResumeBatch)
	started := 0
	for _, job := range jobs {
		o.log.Info("Resuming stale import",
			"job_id", job.ID,
			"stage", job.Stage,
			"progress", job.Progress,
			"attempts", job.Attempts,
		)
		if o.start(job) {
			started++
		}
	}
	if err != nil {
		return started, fmt.Errorf("claim stale jobs: %w", err)
	}
	return started, nil
}

// Wait blocks until every started job and pending completion hook has finished.
func (o *Orchestrator) Wait() { o.wg.Wait() }

/*
Shutdown stops accepting work and cancels running jobs. Interrupted jobs keep their stage
and checkpoint and are picked up again by ResumeStale once they go stale.
*/
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// start runs job in the background unless this process is already running it.
func (o *Orchestrator) start(job *types.ImportJob) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	if _, busy := o.running[job.ID]; busy {
		o.mu.Unlock()
		return false
	}
	o.running[job.ID] = struct{}{}
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.running, job.ID)
			o.mu.Unlock()
		}()
		if err := o.sem.Acquire(o.baseCtx, 1); err != nil {
			return
		}
		defer o.sem.Release(1)
		o.run(job)
	}()
	return true
}
