package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"gorm.io/datatypes"

	repos "github.com/yungbote/memory-import/internal/data/repos/imports"
	types "github.com/yungbote/memory-import/internal/domain/imports"
	"github.com/yungbote/memory-import/internal/observability"
	"github.com/yungbote/memory-import/internal/pkg/dbctx"
	"github.com/yungbote/memory-import/internal/pkg/logger"
	"github.com/yungbote/memory-import/internal/platform/inference"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrRejected means the job row refused a write: it is terminal or the write would move
// stage or progress backwards.
var ErrRejected = errors.New("job state write rejected")

/*
Context is the execution handle for one run of one import job.
It wraps:
	- the import_jobs row and its decoded checkpoint,
	- the guarded writes that are the only way to move the job forward or end it,
	- the user_profiles mirror of stage and progress,
	- the per-job inference meter.
Steps never touch import_jobs directly. Only the goroutine running the job writes through
its Context, and every write is validated against the stored stage and progress.
*/
type Context struct {
	Ctx      context.Context
	Job      *types.ImportJob
	Jobs     repos.ImportJobRepo
	Profiles repos.UserProfileRepo
	Metrics  *observability.Metrics
	Meter    *inference.Meter
	Log      *logger.Logger

	mu         sync.Mutex
	checkpoint types.Checkpoint
}

// NewContext decodes the job's checkpoint. An unreadable checkpoint is treated as empty,
// which only costs redoing idempotent work.
func NewContext(ctx context.Context, job *types.ImportJob, jobs repos.ImportJobRepo, profiles repos.UserProfileRepo, meter *inference.Meter, log *logger.Logger) *Context {
	if log == nil {
		log = logger.Nop()
	}
	c := &Context{
		Ctx:      ctx,
		Job:      job,
		Jobs:     jobs,
		Profiles: profiles,
		Metrics:  observability.Current(),
		Meter:    meter,
		Log:      log.With("job_id", job.ID, "user_id", job.UserID),
	}
	if len(job.Checkpoint) > 0 {
		if err := jsonAPI.Unmarshal(job.Checkpoint, &c.checkpoint); err != nil {
			c.Log.Warn("Ignoring unreadable checkpoint", "error", err)
			c.checkpoint = types.Checkpoint{}
		}
	}
	return c
}

// DBC scopes store calls to the job's context.
func (c *Context) DBC() dbctx.Context { return dbctx.From(c.Ctx) }

// AI is the job's metered inference client, or nil when none is attached.
func (c *Context) AI() inference.Client {
	if c.Meter == nil {
		return nil
	}
	return c.Meter
}

// Checkpoint returns the live checkpoint. Mutations are persisted by SaveCheckpoint.
func (c *Context) Checkpoint() *types.Checkpoint { return &c.checkpoint }

func (c *Context) SaveCheckpoint() error {
	raw, err := jsonAPI.Marshal(&c.checkpoint)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	ok, err := c.Jobs.SaveCheckpoint(c.DBC(), c.Job.ID, datatypes.JSON(raw))
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	if !ok {
		return ErrRejected
	}
	c.mu.Lock()
	c.Job.Checkpoint = datatypes.JSON(raw)
	c.mu.Unlock()
	return nil
}

func (c *Context) profileStatus() types.ProfileStatus {
	if c.checkpoint.QuickSummary {
		return types.ProfileQuickReady
	}
	return types.ProfileProcessing
}

/*
Advance records stage and progress in one guarded write and mirrors them to the profile.
It returns ErrRejected when the row is terminal or already further along; the in-memory
job is only updated after the row accepted the write.
*/
func (c *Context) Advance(stage types.Stage, progress int) error {
	extra := map[string]interface{}{}
	c.mu.Lock()
	firstStart := c.Job.StartedAt == nil && stage != types.StagePending
	c.mu.Unlock()
	now := time.Now().UTC()
	if firstStart {
		extra["started_at"] = now
	}
	ok, err := c.Jobs.Advance(c.DBC(), c.Job.ID, stage, progress, extra)
	if err != nil {
		return fmt.Errorf("advance to %s: %w", stage, err)
	}
	if !ok {
		return ErrRejected
	}
	c.mu.Lock()
	c.Job.Stage = stage
	c.Job.StageRank = stage.Rank()
	c.Job.Progress = progress
	c.Job.HeartbeatAt = &now
	c.Job.UpdatedAt = now
	if firstStart {
		c.Job.StartedAt = &now
	}
	c.mu.Unlock()

	c.mirror(repos.ImportState{
		Status:   c.profileStatus(),
		Stage:    stage,
		Progress: progress,
		JobID:    c.Job.ID,
	})
	return nil
}

// Progress moves the percentage within the current stage. Writes that would not raise it
// are dropped without touching the store.
func (c *Context) Progress(progress int) {
	c.mu.Lock()
	stage, current := c.Job.Stage, c.Job.Progress
	c.mu.Unlock()
	if progress <= current {
		return
	}
	if err := c.Advance(stage, progress); err != nil && !errors.Is(err, ErrRejected) {
		c.Log.Warn("Progress write failed", "stage", stage, "progress", progress, "error", err)
	}
}

// Stage returns the stage last accepted by the store.
func (c *Context) Stage() types.Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Job.Stage
}

func (c *Context) CurrentProgress() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Job.Progress
}

/*
Fail ends the job in failed. The stored error is the internal message; reason is the
user-facing text. When visible is false the profile keeps its usable state and shows no
error, so only operators see the failure.
*/
func (c *Context) Fail(stage types.Stage, cause error, reason string, visible bool) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	ok, err := c.Jobs.Fail(c.DBC(), c.Job.ID, stage, msg, reason)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if !ok {
		return ErrRejected
	}
	now := time.Now().UTC()
	c.mu.Lock()
	progress := c.Job.Progress
	c.Job.Stage = types.StageFailed
	c.Job.StageRank = types.StageFailed.Rank()
	c.Job.FailedStage = stage
	c.Job.Error = msg
	c.Job.Reason = reason
	c.Job.CompletedAt = &now
	c.mu.Unlock()

	st := repos.ImportState{Stage: stage, Progress: progress, JobID: c.Job.ID}
	if visible {
		st.Status = types.ProfileFailed
		st.Error = reason
	} else {
		st.Status = c.profileStatus()
		if st.Status == types.ProfileProcessing {
			st.Status = types.ProfileFailed
		}
	}
	c.mirror(st)
	return nil
}

// Complete ends the job in complete and drops the transient parts of the checkpoint.
func (c *Context) Complete() error {
	c.checkpoint.FactBundle = nil
	c.checkpoint.QuickSample = nil
	raw, err := jsonAPI.Marshal(&c.checkpoint)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	now := time.Now().UTC()
	ok, err := c.Jobs.Advance(c.DBC(), c.Job.ID, types.StageComplete, 100, map[string]interface{}{
		"checkpoint":   datatypes.JSON(raw),
		"completed_at": now,
	})
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if !ok {
		return ErrRejected
	}
	c.mu.Lock()
	c.Job.Stage = types.StageComplete
	c.Job.StageRank = types.StageComplete.Rank()
	c.Job.Progress = 100
	c.Job.Checkpoint = datatypes.JSON(raw)
	c.Job.CompletedAt = &now
	c.mu.Unlock()

	c.mirror(repos.ImportState{
		Status:   types.ProfileReady,
		Stage:    types.StageComplete,
		Progress: 100,
		JobID:    c.Job.ID,
	})
	return nil
}

func (c *Context) mirror(st repos.ImportState) {
	if c.Profiles == nil {
		return
	}
	if err := c.Profiles.SetImportState(c.DBC(), c.Job.UserID, st); err != nil {
		c.Log.Warn("Profile mirror write failed", "stage", st.Stage, "error", err)
	}
}

// RecordUsage stores the meter's running totals on the job.
func (c *Context) RecordUsage() {
	if c.Meter == nil {
		return
	}
	t := c.Meter.Totals()
	raw, err := jsonAPI.Marshal(types.Usage{
		Calls:        t.Calls,
		InputTokens:  t.InputTokens,
		OutputTokens: t.OutputTokens,
		CostUSD:      t.CostUSD,
	})
	if err != nil {
		return
	}
	if err := c.Jobs.SaveUsage(c.DBC(), c.Job.ID, datatypes.JSON(raw)); err != nil {
		c.Log.Warn("Usage write failed", "error", err)
		return
	}
	c.mu.Lock()
	c.Job.Usage = datatypes.JSON(raw)
	c.mu.Unlock()
}

// StartHeartbeat touches the row every interval until the returned stop is called, so a
// long stage is not mistaken for a stale one.
func (c *Context) StartHeartbeat(interval time.Duration) (stop func()) {
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-c.Ctx.Done():
				return
			case <-t.C:
				if err := c.Jobs.Heartbeat(c.DBC(), c.Job.ID); err != nil {
					c.Log.Debug("Heartbeat failed", "error", err)
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}

func (c *Context) UserID() uuid.UUID { return c.Job.UserID }
