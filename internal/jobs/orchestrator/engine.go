package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	types "github.com/yungbote/memory-import/internal/domain/imports"
	"github.com/yungbote/memory-import/internal/jobs/runtime"
	"github.com/yungbote/memory-import/internal/platform/inference"
	"github.com/yungbote/memory-import/internal/platform/notify"
)

var tracer = otel.Tracer("memory-import/jobs")

/*
run drives one job from its recorded stage to a terminal state.
Each loop iteration:
	- runs the stage's step (which finds finished work in the checkpoint),
	- on success records the next stage together with the finished stage's milestone,
	- on failure applies the stage's failure policy.
A canceled orchestrator context leaves the job as it is; the stage is simply redone on
resume.
*/
func (o *Orchestrator) run(job *types.ImportJob) {
	meter := inference.NewMeter(o.deps.AI, o.deps.Prices, o.deps.Metrics)
	ctx, span := tracer.Start(o.baseCtx, "import.job", trace.WithAttributes(
		attribute.String("job.id", job.ID.String()),
		attribute.String("job.stage", string(job.Stage)),
		attribute.Int("job.attempts", job.Attempts),
	))
	defer span.End()

	jc := runtime.NewContext(ctx, job, o.deps.Jobs, o.deps.Profiles, meter, o.log)
	jc.Metrics = o.deps.Metrics
	o.deps.Metrics.JobStarted()

	stage := job.Stage
	if stage.Terminal() {
		o.deps.Metrics.JobFinished(string(stage))
		return
	}
	if stage == types.StagePending {
		stage = types.StageDownloading
	}
	if err := jc.Advance(stage, job.Progress); err != nil {
		o.abandon(jc, stage, err)
		return
	}

	for {
		err := o.runStep(jc, stage)
		if err != nil {
			if o.baseCtx.Err() != nil {
				jc.Log.Info("Import interrupted, left for resume", "stage", stage)
				o.deps.Metrics.JobFinished("interrupted")
				return
			}
			if stage == types.StageQuickSummary {
				jc.Log.Warn("Quick summary failed, continuing without it", "error", err)
				jc.Checkpoint().QuickSummary = false
			} else {
				o.fail(jc, stage, err)
				span.SetStatus(codes.Error, err.Error())
				return
			}
		}

		done := stage.Milestone(jc.Checkpoint().QuickSummary)
		next := stage.Next()
		if next == types.StageComplete {
			o.complete(jc)
			return
		}
		if err := jc.Advance(next, done); err != nil {
			o.abandon(jc, next, err)
			return
		}
		stage = next
	}
}

// runStep runs one step under a span and a heartbeat; a panic becomes a stage error.
func (o *Orchestrator) runStep(jc *runtime.Context, stage types.Stage) (err error) {
	step, ok := o.deps.Steps.Get(stage)
	if !ok {
		return fmt.Errorf("no step registered for stage %s", stage)
	}
	stepCtx, span := tracer.Start(jc.Ctx, "import.stage."+string(stage))
	defer span.End()
	parent := jc.Ctx
	jc.Ctx = stepCtx
	defer func() { jc.Ctx = parent }()

	stop := jc.StartHeartbeat(o.cfg.HeartbeatInterval)
	defer stop()

	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			jc.Log.Error("Import step panic", "stage", stage, "panic", r)
			err = fmt.Errorf("panic in stage %s: %v", stage, r)
		}
		status := "ok"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		o.deps.Metrics.ObserveStage(string(stage), status, time.Since(started))
	}()

	jc.Log.Info("Stage started", "stage", stage, "progress", jc.CurrentProgress())
	err = step.Run(jc)
	if err == nil {
		jc.Log.Info("Stage finished", "stage", stage, "elapsed", time.Since(started).Round(time.Millisecond))
	}
	return err
}

func (o *Orchestrator) fail(jc *runtime.Context, stage types.Stage, cause error) {
	quick := jc.Checkpoint().QuickSummary
	visible := userVisible(stage, quick)
	reason := ReasonFor(cause)
	jc.RecordUsage()
	if err := jc.Fail(stage, cause, reason, visible); err != nil {
		o.abandon(jc, stage, err)
		return
	}
	jc.Log.Error("Import failed", "stage", stage, "reason", reason, "user_visible", visible, "error", cause)
	o.deps.Metrics.JobFinished(string(types.StageFailed))
	ev := notify.Event{
		UserID:     jc.UserID(),
		JobID:      jc.Job.ID,
		Status:     notify.StatusFailed,
		Progress:   jc.CurrentProgress(),
		OccurredAt: time.Now().UTC(),
	}
	if visible {
		ev.Reason = reason
	}
	o.dispatch(jc.Ctx, ev)
}

func (o *Orchestrator) complete(jc *runtime.Context) {
	jc.RecordUsage()
	if err := jc.Complete(); err != nil {
		o.abandon(jc, types.StageComplete, err)
		return
	}
	jc.Log.Info("Import complete")
	o.deps.Metrics.JobFinished(string(types.StageComplete))
	o.dispatch(jc.Ctx, notify.Event{
		UserID:     jc.UserID(),
		JobID:      jc.Job.ID,
		Status:     notify.StatusComplete,
		Progress:   100,
		OccurredAt: time.Now().UTC(),
	})
}

// abandon handles a write the job row refused or could not take. A refused write means
// another runner owns the job now, so this one stops quietly.
func (o *Orchestrator) abandon(jc *runtime.Context, stage types.Stage, err error) {
	if errors.Is(err, runtime.ErrRejected) {
		jc.Log.Info("Job row moved on elsewhere, stopping", "stage", stage)
	} else if !errors.Is(err, context.Canceled) {
		jc.Log.Error("Job state write failed, left for resume", "stage", stage, "error", err)
	}
	o.deps.Metrics.JobFinished("abandoned")
}

// dispatch sends the completion hook without holding up the job.
func (o *Orchestrator) dispatch(ctx context.Context, ev notify.Event) {
	done := notify.Dispatch(ctx, o.deps.Notifier, ev, o.cfg.NotifyTimeout, o.log)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		<-done
	}()
}
