package inference

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Observer receives one callback per completed call, e.g. to feed Prometheus.
type Observer interface {
	ObserveInference(task string, elapsed time.Duration, usage Usage, err error)
}

type Prices struct {
	// USD per million tokens.
	Input  float64
	Output float64
}

type Totals struct {
	Calls        int64   `json:"calls"`
	Failures     int64   `json:"failures"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Meter wraps a client and accounts tokens and estimated spend per task.
type Meter struct {
	next     Client
	prices   Prices
	observer Observer
	tracer   trace.Tracer

	mu     sync.Mutex
	total  Totals
	byTask map[Task]Totals
}

func NewMeter(next Client, prices Prices, observer Observer) *Meter {
	return &Meter{
		next:     next,
		prices:   prices,
		observer: observer,
		tracer:   otel.Tracer("memory-import/inference"),
		byTask:   map[Task]Totals{},
	}
}

func (m *Meter) Complete(ctx context.Context, req Request) (Response, error) {
	ctx, span := m.tracer.Start(ctx, "inference."+string(req.Task), trace.WithAttributes(
		attribute.String("inference.task", string(req.Task)),
		attribute.Int("inference.max_tokens", req.MaxTokens),
	))
	defer span.End()

	start := time.Now()
	resp, err := m.next.Complete(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(
			attribute.Int("inference.input_tokens", resp.Usage.InputTokens),
			attribute.Int("inference.output_tokens", resp.Usage.OutputTokens),
		)
	}
	m.record(req.Task, resp.Usage, err)
	if m.observer != nil {
		m.observer.ObserveInference(string(req.Task), elapsed, resp.Usage, err)
	}
	return resp, err
}

func (m *Meter) record(task Task, u Usage, err error) {
	cost := (float64(u.InputTokens)*m.prices.Input + float64(u.OutputTokens)*m.prices.Output) / 1e6
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.byTask[task]
	for _, tot := range []*Totals{&m.total, &t} {
		tot.Calls++
		if err != nil {
			tot.Failures++
		}
		tot.InputTokens += int64(u.InputTokens)
		tot.OutputTokens += int64(u.OutputTokens)
		tot.CostUSD += cost
	}
	m.byTask[task] = t
}

func (m *Meter) Totals() Totals {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

func (m *Meter) ByTask() map[Task]Totals {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[Task]Totals, len(m.byTask))
	for k, v := range m.byTask {
		out[k] = v
	}
	return out
}

// Since returns the spend accrued after an earlier snapshot.
func (t Totals) Since(earlier Totals) Totals {
	return Totals{
		Calls:        t.Calls - earlier.Calls,
		Failures:     t.Failures - earlier.Failures,
		InputTokens:  t.InputTokens - earlier.InputTokens,
		OutputTokens: t.OutputTokens - earlier.OutputTokens,
		CostUSD:      t.CostUSD - earlier.CostUSD,
	}
}

func (t Totals) Add(o Totals) Totals {
	return Totals{
		Calls:        t.Calls + o.Calls,
		Failures:     t.Failures + o.Failures,
		InputTokens:  t.InputTokens + o.InputTokens,
		OutputTokens: t.OutputTokens + o.OutputTokens,
		CostUSD:      t.CostUSD + o.CostUSD,
	}
}
