package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cwygoda/downlee/internal/domain"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func testJob(status domain.JobStatus) domain.Job {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return domain.Job{
		ID:              1,
		SourceID:        "youtube",
		Status:          status,
		DownloadedBytes: 2048,
		TotalBytes:      4096,
		CreatedAt:       created,
		UpdatedAt:       created.Add(45 * time.Second),
	}
}

func TestRecorder_Lifecycle(t *testing.T) {
	r := New()

	active := testJob(domain.StatusDownloading)
	stats := domain.ComputeStats([]domain.Job{active})
	r.Observe(domain.Event{Kind: domain.EventNew, Job: active}, nil, stats)

	if got := testutil.ToFloat64(r.started.WithLabelValues("youtube")); got != 1 {
		t.Errorf("started = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.inProgress.WithLabelValues("youtube")); got != 1 {
		t.Errorf("in progress = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.pending); got != 2048 {
		t.Errorf("pending = %v, want 2048", got)
	}

	// progress on an active job changes no counters
	r.Observe(domain.Event{Kind: domain.EventProgress, Job: active}, &active, stats)
	if got := testutil.ToFloat64(r.started.WithLabelValues("youtube")); got != 1 {
		t.Errorf("started after progress = %v, want 1", got)
	}

	done := testJob(domain.StatusDone)
	done.DownloadedBytes = 4096
	r.Observe(domain.Event{Kind: domain.EventStatus, Job: done}, &active, domain.ComputeStats([]domain.Job{done}))

	if got := testutil.ToFloat64(r.inProgress.WithLabelValues("youtube")); got != 0 {
		t.Errorf("in progress = %v, want 0", got)
	}
	if got := testutil.ToFloat64(r.finished.WithLabelValues("youtube", "done")); got != 1 {
		t.Errorf("finished = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.bytes.WithLabelValues("youtube")); got != 4096 {
		t.Errorf("bytes = %v, want 4096", got)
	}
	if got := testutil.ToFloat64(r.jobs.WithLabelValues("done")); got != 1 {
		t.Errorf("jobs{done} = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(r.duration); n != 1 {
		t.Errorf("duration series = %d, want 1", n)
	}
}

func TestRecorder_FailureAndDelete(t *testing.T) {
	r := New()
	active := testJob(domain.StatusDownloading)
	r.Observe(domain.Event{Kind: domain.EventNew, Job: active}, nil, domain.NewStats())

	failed := testJob(domain.StatusFailed)
	failed.Error = "transfer failed: connection reset by peer"
	r.Observe(domain.Event{Kind: domain.EventStatus, Job: failed}, &active, domain.NewStats())

	if got := testutil.ToFloat64(r.errors.WithLabelValues("youtube", "network")); got != 1 {
		t.Errorf("errors{network} = %v, want 1", got)
	}

	// retry then delete while active
	r.Observe(domain.Event{Kind: domain.EventStatus, Job: active}, &failed, domain.NewStats())
	r.Observe(domain.Event{Kind: domain.EventDeleted, Job: active}, &active, domain.NewStats())

	if got := testutil.ToFloat64(r.started.WithLabelValues("youtube")); got != 2 {
		t.Errorf("started = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.inProgress.WithLabelValues("youtube")); got != 0 {
		t.Errorf("in progress = %v, want 0", got)
	}
}

func TestRecorder_ObserveRetry(t *testing.T) {
	r := New()
	r.ObserveRetry(domain.Job{SourceID: ""}, 1, errors.New("x"))
	r.ObserveRetry(domain.Job{SourceID: "telegram"}, 1, errors.New("x"))

	if got := testutil.ToFloat64(r.retries.WithLabelValues("unknown")); got != 1 {
		t.Errorf("retries{unknown} = %v", got)
	}
	if got := testutil.ToFloat64(r.retries.WithLabelValues("telegram")); got != 1 {
		t.Errorf("retries{telegram} = %v", got)
	}
}

func TestErrorType(t *testing.T) {
	tests := []struct {
		msg, want string
	}{
		{domain.InterruptedMessage, "interrupted"},
		{"Request timed out", "timeout"},
		{"context deadline exceeded", "timeout"},
		{"transfer failed: bridge returned 502 Bad Gateway", "network"},
		{"persistence unavailable: disk I/O error", "storage"},
		{"context canceled", "cancelled"},
		{"transfer failed: yt-dlp: Video unavailable", "unknown"},
	}
	for _, tt := range tests {
		if got := ErrorType(tt.msg); got != tt.want {
			t.Errorf("ErrorType(%q) = %q, want %q", tt.msg, got, tt.want)
		}
	}
}

func TestRecorder_Handler(t *testing.T) {
	r := New()
	r.ObserveRetry(domain.Job{SourceID: "vimeo"}, 1, nil)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, `downlee_download_retries_total{source="vimeo"} 1`) {
		t.Errorf("metrics output missing retry counter:\n%s", body)
	}
}
