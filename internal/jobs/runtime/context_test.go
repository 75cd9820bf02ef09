package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	repos "github.com/yungbote/memory-import/internal/data/repos/imports"
	"github.com/yungbote/memory-import/internal/data/repos/testutil"
	types "github.com/yungbote/memory-import/internal/domain/imports"
	"github.com/yungbote/memory-import/internal/pkg/dbctx"
	"github.com/yungbote/memory-import/internal/platform/inference"
)

type fixture struct {
	jobs     repos.ImportJobRepo
	profiles repos.UserProfileRepo
	job      *types.ImportJob
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb := testutil.DB(t)
	log := testutil.Logger(t)
	f := &fixture{
		jobs:     repos.NewImportJobRepo(gdb, log),
		profiles: repos.NewUserProfileRepo(gdb, log),
		job:      &types.ImportJob{UserID: uuid.New(), StoragePath: "export.json"},
	}
	if err := f.jobs.Create(dbctx.From(context.Background()), f.job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return f
}

func (f *fixture) context(t *testing.T, meter *inference.Meter) *Context {
	t.Helper()
	return NewContext(context.Background(), f.job, f.jobs, f.profiles, meter, testutil.Logger(t))
}

func (f *fixture) stored(t *testing.T) *types.ImportJob {
	t.Helper()
	job, err := f.jobs.GetByID(dbctx.From(context.Background()), f.job.ID)
	if err != nil || job == nil {
		t.Fatalf("get job: %v %v", job, err)
	}
	return job
}

func TestAdvanceMovesForwardOnly(t *testing.T) {
	f := newFixture(t)
	c := f.context(t, nil)

	if err := c.Advance(types.StageChunking, 20); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if c.Job.StartedAt == nil {
		t.Fatalf("started_at not set on first advance")
	}
	if err := c.Advance(types.StageQuickSummary, 20); !errors.Is(err, ErrRejected) {
		t.Fatalf("stage regression = %v, want ErrRejected", err)
	}
	if err := c.Advance(types.StageChunking, 10); !errors.Is(err, ErrRejected) {
		t.Fatalf("progress regression = %v, want ErrRejected", err)
	}
	if c.Stage() != types.StageChunking || c.CurrentProgress() != 20 {
		t.Fatalf("in-memory job moved on a rejected write: %s %d", c.Stage(), c.CurrentProgress())
	}

	c.Progress(35)
	c.Progress(30)
	if got := f.stored(t); got.Stage != types.StageChunking || got.Progress != 35 {
		t.Fatalf("stored = %s %d", got.Stage, got.Progress)
	}

	p, err := f.profiles.Get(dbctx.From(context.Background()), f.job.UserID)
	if err != nil || p == nil {
		t.Fatalf("profile: %v %v", p, err)
	}
	if p.ImportStatus != types.ProfileProcessing || p.ImportProgress != 35 || p.ImportStage != types.StageChunking {
		t.Fatalf("profile mirror = %s %s %d", p.ImportStatus, p.ImportStage, p.ImportProgress)
	}
}

func TestCheckpointSurvivesReload(t *testing.T) {
	f := newFixture(t)
	c := f.context(t, nil)
	cp := c.Checkpoint()
	cp.QuickSummary = true
	cp.ChunkCount = 12
	cp.QuickSample = []string{"User: hi"}
	if err := c.SaveCheckpoint(); err != nil {
		t.Fatalf("save: %v", err)
	}

	reloaded := NewContext(context.Background(), f.stored(t), f.jobs, f.profiles, nil, testutil.Logger(t))
	got := reloaded.Checkpoint()
	if !got.QuickSummary || got.ChunkCount != 12 || len(got.QuickSample) != 1 {
		t.Fatalf("reloaded checkpoint = %+v", got)
	}
}

func TestUnreadableCheckpointStartsEmpty(t *testing.T) {
	job := &types.ImportJob{ID: uuid.New(), UserID: uuid.New(), Checkpoint: datatypes.JSON([]byte("{not json"))}
	c := NewContext(context.Background(), job, nil, nil, nil, nil)
	if c.Checkpoint().ChunksPersisted || c.Checkpoint().QuickSummary {
		t.Fatalf("checkpoint = %+v", c.Checkpoint())
	}
}

func TestFailIsTerminal(t *testing.T) {
	f := newFixture(t)
	c := f.context(t, nil)
	if err := c.Advance(types.StageMemoryGeneration, 60); err != nil {
		t.Fatalf("advance: %v", err)
	}
	c.Checkpoint().QuickSummary = true
	if err := c.Fail(types.StageMemoryGeneration, errors.New("digest call failed"), "import failed", false); err != nil {
		t.Fatalf("fail: %v", err)
	}
	got := f.stored(t)
	if got.Stage != types.StageFailed || got.FailedStage != types.StageMemoryGeneration || got.Error != "digest call failed" {
		t.Fatalf("stored = %+v", got)
	}
	if got.CompletedAt == nil {
		t.Fatalf("completed_at not set")
	}
	p, _ := f.profiles.Get(dbctx.From(context.Background()), f.job.UserID)
	if p.ImportStatus != types.ProfileQuickReady || p.ImportError != "" {
		t.Fatalf("hidden failure mirrored as %s %q", p.ImportStatus, p.ImportError)
	}

	if err := c.Advance(types.StageSectionRegeneration, 80); !errors.Is(err, ErrRejected) {
		t.Fatalf("advance after fail = %v", err)
	}
	if err := c.Fail(types.StageSectionRegeneration, errors.New("again"), "import failed", true); !errors.Is(err, ErrRejected) {
		t.Fatalf("second fail = %v", err)
	}
	if err := c.SaveCheckpoint(); !errors.Is(err, ErrRejected) {
		t.Fatalf("checkpoint after fail = %v", err)
	}
}

func TestVisibleFailureMirrorsReason(t *testing.T) {
	f := newFixture(t)
	c := f.context(t, nil)
	if err := c.Advance(types.StageDownloading, 0); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := c.Fail(types.StageDownloading, errors.New("stat: not found"), "file not found", true); err != nil {
		t.Fatalf("fail: %v", err)
	}
	p, _ := f.profiles.Get(dbctx.From(context.Background()), f.job.UserID)
	if p.ImportStatus != types.ProfileFailed || p.ImportError != "file not found" {
		t.Fatalf("profile = %s %q", p.ImportStatus, p.ImportError)
	}
}

func TestCompleteDropsTransientCheckpoint(t *testing.T) {
	f := newFixture(t)
	meter := inference.NewMeter(inference.ClientFunc(func(context.Context, inference.Request) (inference.Response, error) {
		return inference.Response{Text: "ok", Usage: inference.Usage{InputTokens: 100, OutputTokens: 20}}, nil
	}), inference.Prices{Input: 1, Output: 2}, nil)
	c := f.context(t, meter)
	if err := c.Advance(types.StageSectionRegeneration, 80); err != nil {
		t.Fatalf("advance: %v", err)
	}
	cp := c.Checkpoint()
	cp.FactBundle = datatypes.JSON([]byte(`{"facts":{}}`))
	cp.QuickSample = []string{"sample"}
	cp.ChunkCount = 3
	if _, err := c.AI().Complete(context.Background(), inference.Request{Task: inference.TaskSection}); err != nil {
		t.Fatalf("complete call: %v", err)
	}
	c.RecordUsage()
	if err := c.Complete(); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got := f.stored(t)
	if got.Stage != types.StageComplete || got.Progress != 100 || got.CompletedAt == nil {
		t.Fatalf("stored = %s %d", got.Stage, got.Progress)
	}
	var stored types.Checkpoint
	if err := jsonAPI.Unmarshal(got.Checkpoint, &stored); err != nil {
		t.Fatalf("decode checkpoint: %v", err)
	}
	if len(stored.FactBundle) != 0 || len(stored.QuickSample) != 0 || stored.ChunkCount != 3 {
		t.Fatalf("checkpoint after complete = %+v", stored)
	}
	var usage types.Usage
	if err := jsonAPI.Unmarshal(got.Usage, &usage); err != nil {
		t.Fatalf("decode usage: %v", err)
	}
	if usage.Calls != 1 || usage.InputTokens != 100 || usage.OutputTokens != 20 {
		t.Fatalf("usage = %+v", usage)
	}
	p, _ := f.profiles.Get(dbctx.From(context.Background()), f.job.UserID)
	if p.ImportStatus != types.ProfileReady {
		t.Fatalf("profile status = %s", p.ImportStatus)
	}
}

func TestHeartbeatStops(t *testing.T) {
	f := newFixture(t)
	c := f.context(t, nil)
	if err := c.Advance(types.StageChunking, 20); err != nil {
		t.Fatalf("advance: %v", err)
	}
	before := f.stored(t).UpdatedAt
	stop := c.StartHeartbeat(5 * time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	stop()
	stop()
	if after := f.stored(t).UpdatedAt; !after.After(before) {
		t.Fatalf("heartbeat did not touch the row: %v -> %v", before, after)
	}
	if noop := c.StartHeartbeat(0); noop == nil {
		t.Fatalf("disabled heartbeat must still return a stop func")
	}
}

type fakeStep struct{ stage types.Stage }

func (s fakeStep) Stage() types.Stage { return s.stage }
func (fakeStep) Run(*Context) error   { return nil }

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(fakeStep{types.StageComplete}); err == nil {
		t.Fatalf("terminal stage accepted")
	}
	if err := reg.Register(fakeStep{types.StagePending}); err == nil {
		t.Fatalf("pending stage accepted")
	}
	if err := reg.Register(fakeStep{types.StageChunking}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(fakeStep{types.StageChunking}); err == nil {
		t.Fatalf("duplicate accepted")
	}
	if _, ok := reg.Get(types.StageChunking); !ok {
		t.Fatalf("registered step not found")
	}
	if missing := reg.Missing(); len(missing) != len(types.Pipeline)-1 {
		t.Fatalf("missing = %v", missing)
	}
}
