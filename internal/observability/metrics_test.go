package observability

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/yungbote/memory-import/internal/platform/inference"
)

func TestMetricsRecordAndServe(t *testing.T) {
	m := NewMetrics()
	m.ObserveStage("chunking", "ok", 2*time.Second)
	m.ObserveInference("fact_extraction", time.Second, inference.Usage{InputTokens: 10, OutputTokens: 4}, nil)
	m.ObserveInference("fact_extraction", time.Second, inference.Usage{}, errors.New("x"))
	m.AddFetchedBytes("zip", 1024)

	if got := testutil.ToFloat64(m.llmRequests.WithLabelValues("fact_extraction", "error")); got != 1 {
		t.Fatalf("error calls = %v", got)
	}
	if got := testutil.ToFloat64(m.llmTokens.WithLabelValues("fact_extraction", "input")); got != 10 {
		t.Fatalf("input tokens = %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{"import_stage_total", "import_fetch_bytes_total", "go_goroutines"} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %s", want)
		}
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveAPI("GET", "/x", "200", time.Millisecond)
	m.ObserveStage("chunking", "ok", time.Second)
	m.JobStarted()
	m.JobFinished("complete")
	m.AddChunksWritten(3)
}
