// Package worker runs periodic background maintenance.
package worker

import (
	"context"
	"log"
	"time"

	"github.com/cwygoda/downlee/internal/domain"
)

// Resyncer rebuilds aggregate state from a full store read taken at readAt.
type Resyncer interface {
	Resync(ctx context.Context, rows []domain.Job, readAt time.Time) (bool, error)
}

// Worker periodically reconciles the live aggregates with the store.
type Worker struct {
	repo     domain.JobRepository
	hub      Resyncer
	interval time.Duration
	now      func() time.Time
}

// New creates a new worker.
func New(repo domain.JobRepository, hub Resyncer, interval time.Duration) *Worker {
	return &Worker{
		repo:     repo,
		hub:      hub,
		interval: interval,
		now:      time.Now,
	}
}

// Run resyncs once, then every interval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	log.Printf("worker started, resyncing every %s", w.interval)
	w.Resync(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("worker shutting down")
			return
		case <-ticker.C:
			w.Resync(ctx)
		}
	}
}

// Resync reads every job and hands them to the hub. It reports whether the
// hub's stats had drifted.
func (w *Worker) Resync(ctx context.Context) bool {
	readAt := w.now()
	jobs, err := w.repo.ListAll(ctx)
	if err != nil {
		log.Printf("resync error: %v", err)
		return false
	}

	drift, err := w.hub.Resync(ctx, jobs, readAt)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("resync error: %v", err)
		}
		return false
	}
	if drift {
		log.Printf("resync: corrected stats drift over %d jobs", len(jobs))
	}
	return drift
}
