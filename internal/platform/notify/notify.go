// Package notify delivers job completion events. Delivery is best-effort.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/memory-import/internal/pkg/ctxutil"
	"github.com/yungbote/memory-import/internal/pkg/logger"
)

type Status string

const (
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

type Event struct {
	UserID uuid.UUID `json:"user_id"`
	JobID  uuid.UUID `json:"job_id"`
	Status Status    `json:"status"`
	// Reason is the user-facing failure reason, empty on success or silent failure.
	Reason     string    `json:"reason,omitempty"`
	Progress   int       `json:"progress"`
	OccurredAt time.Time `json:"occurred_at"`
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

type Noop struct{}

func (Noop) Notify(context.Context, Event) error { return nil }

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dispatch sends ev in the background with its own timeout. The job never waits on it and
// failures are only logged. The send keeps ctx's values but outlives its cancellation.
func Dispatch(ctx context.Context, n Notifier, ev Event, timeout time.Duration, log *logger.Logger) <-chan struct{} {
	done := make(chan struct{})
	if n == nil {
		close(done)
		return done
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(ctxutil.Detached(ctx), timeout)
		defer cancel()
		if err := n.Notify(ctx, ev); err != nil && log != nil {
			log.Warn("completion notification failed", "job_id", ev.JobID, "status", ev.Status, "error", err)
		}
	}()
	return done
}
