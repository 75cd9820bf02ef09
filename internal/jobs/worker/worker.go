// Package worker runs the background loop that picks up stale imports.
package worker

import (
	"context"
	"time"

	"github.com/yungbote/memory-import/internal/pkg/logger"
)

// Resumer is the part of the orchestrator the loop drives.
type Resumer interface {
	ResumeStale(ctx context.Context) (int, error)
}

type Worker struct {
	log      *logger.Logger
	resumer  Resumer
	interval time.Duration
}

func NewWorker(baseLog *logger.Logger, resumer Resumer, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Worker{
		log:      baseLog.With("component", "ResumeWorker"),
		resumer:  resumer,
		interval: interval,
	}
}

// Start sweeps once immediately, so jobs interrupted by the previous process restart
// promptly, then every interval until ctx ends.
func (w *Worker) Start(ctx context.Context) {
	w.log.Info("Starting resume worker", "interval", w.interval)
	go w.runLoop(ctx)
}

func (w *Worker) runLoop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			w.log.Info("Resume worker stopped")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Worker) sweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("Resume sweep panic", "panic", r)
		}
	}()
	n, err := w.resumer.ResumeStale(ctx)
	if err != nil {
		w.log.Warn("ResumeStale failed", "resumed", n, "error", err)
		return
	}
	if n > 0 {
		w.log.Info("Resumed stale imports", "count", n)
	}
}
