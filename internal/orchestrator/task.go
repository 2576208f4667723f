package orchestrator

import (
	"context"
	"fmt"
	"log"
	"math"
	"path/filepath"
	"sync"
	"time"

	"github.com/cwygoda/downlee/internal/domain"
)

// entry is the in-memory record of one job. Every field is guarded by mu.
//
// epoch grows each time a task is started or abandoned. Progress callbacks
// and completions carry the epoch they were started with and are dropped
// once it no longer matches.
type entry struct {
	mu       sync.Mutex
	job      domain.Job
	epoch    uint64
	cancel   context.CancelFunc
	done     chan struct{} // closed when the current task exits
	stopping bool
	stopDone chan struct{}
	deleted  bool
	lastEmit time.Time
}

// launch starts a task for e. e.mu must be held.
func (o *Orchestrator) launch(e *entry) {
	e.epoch++
	ctx, cancel := context.WithCancel(o.ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.lastEmit = time.Time{}

	o.wg.Add(1)
	go o.run(ctx, cancel, e, e.epoch, e.done, e.job)
}

func (o *Orchestrator) run(ctx context.Context, cancel context.CancelFunc, e *entry, epoch uint64, done chan struct{}, job domain.Job) {
	defer o.wg.Done()
	defer close(done)
	defer cancel()

	obs := &observer{o: o, e: e, epoch: epoch}
	res, err := o.transfer(ctx, &job, obs)
	o.finish(e, epoch, res, err)
}

// transfer runs the adapter, repeating failed attempts. A panic inside the
// adapter fails the job instead of the process.
func (o *Orchestrator) transfer(ctx context.Context, job *domain.Job, obs domain.ProgressObserver) (res domain.FetchResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("job %d: adapter panic: %v", job.ID, r)
			err = fmt.Errorf("%w: adapter panic: %v", domain.ErrTransfer, r)
		}
	}()

	adapter, err := o.adapters.Adapter(job.Source)
	if err != nil {
		return domain.FetchResult{}, err
	}

	for attempt := 1; ; attempt++ {
		res, err = adapter.Fetch(ctx, job, obs)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if !domain.Retryable(err) || attempt >= o.opts.MaxAttempts {
			return res, err
		}

		log.Printf("job %d: attempt %d/%d failed: %v, retrying in %s", job.ID, attempt, o.opts.MaxAttempts, err, o.opts.RetryBackoff)
		if o.opts.OnAttemptFailed != nil {
			o.opts.OnAttemptFailed(*job, attempt, err)
		}
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(o.opts.RetryBackoff):
		}
	}
}

// finish records the outcome of a task unless a stop, delete or store
// failure already settled the job.
func (o *Orchestrator) finish(e *entry, epoch uint64, res domain.FetchResult, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.epoch != epoch || e.deleted || e.job.Status != domain.StatusDownloading {
		return
	}
	// after shutdown began any adapter error is an interruption
	if err != nil && o.ctx.Err() != nil {
		log.Printf("job %d: interrupted by shutdown", e.job.ID)
		return
	}
	if err != nil {
		log.Printf("job %d: failed: %v", e.job.ID, err)
		o.settle(e, domain.Patch{
			Status: domain.Ptr(domain.StatusFailed),
			Error:  domain.Ptr(err.Error()),
		})
		return
	}
	o.complete(e, res)
}

// complete marks e done. A final full progress event precedes the status
// event.
func (o *Orchestrator) complete(e *entry, res domain.FetchResult) {
	j := e.job
	total := j.TotalBytes
	if res.FinalSize > 0 {
		total = res.FinalSize
	} else if j.DownloadedBytes > total {
		total = j.DownloadedBytes
	}

	patch := domain.Patch{
		Status:          domain.Ptr(domain.StatusDone),
		Progress:        domain.Ptr(100.0),
		DownloadedBytes: domain.Ptr(total),
		TotalBytes:      domain.Ptr(total),
		ETASeconds:      domain.Ptr(int64(0)),
		Error:           domain.Ptr(""),
	}
	if res.FinalPath != "" {
		if name := filepath.Base(res.FinalPath); name != j.DisplayName {
			patch.DisplayName = domain.Ptr(name)
		}
	}

	if !o.commit(e, patch) {
		return
	}

	last := e.job
	last.Status = domain.StatusDownloading
	o.pub.Publish(domain.Event{Kind: domain.EventProgress, Job: last})
	o.pub.Publish(domain.Event{Kind: domain.EventStatus, Job: e.job})
	log.Printf("job %d: done: %s", e.job.ID, e.job.DisplayName)
}

// settle moves e from downloading to a stopped or failed state and
// publishes the change. e.mu must be held.
func (o *Orchestrator) settle(e *entry, patch domain.Patch) error {
	if err := domain.CheckTransition(e.job.Status, *patch.Status); err != nil {
		return err
	}
	if patch.ETASeconds == nil {
		patch.ETASeconds = domain.Ptr(int64(-1))
	}
	if !o.commit(e, patch) {
		return fmt.Errorf("%w: job %d", domain.ErrPersistence, e.job.ID)
	}
	o.pub.Publish(domain.Event{Kind: domain.EventStatus, Job: e.job})
	return nil
}

// commit writes a terminal patch, applies it in memory and frees the job's
// ref. When the store stays unavailable the job is failed in memory only and
// commit reports false. e.mu must be held.
func (o *Orchestrator) commit(e *entry, patch domain.Patch) bool {
	patch.Speed = domain.Ptr(0.0)
	patch.UpdatedAt = o.opts.Now()

	id := e.job.ID
	err := o.persist(func(ctx context.Context) error { return o.repo.UpdateFields(ctx, id, patch) })
	if err == nil {
		patch.Apply(&e.job)
		o.detach(e)
		return true
	}
	o.abandon(e, err)
	return false
}

// abandon fails e in memory after a store failure and cancels its task.
// e.mu must be held.
func (o *Orchestrator) abandon(e *entry, cause error) {
	log.Printf("job %d: store unavailable, failing job: %v", e.job.ID, cause)
	domain.Patch{
		Status:     domain.Ptr(domain.StatusFailed),
		Speed:      domain.Ptr(0.0),
		ETASeconds: domain.Ptr(int64(-1)),
		Error:      domain.Ptr(cause.Error()),
		UpdatedAt:  o.opts.Now(),
	}.Apply(&e.job)
	e.epoch++
	if e.cancel != nil {
		e.cancel()
	}
	o.detach(e)
	o.pub.Publish(domain.Event{Kind: domain.EventStatus, Job: e.job})
}

// detach frees the ref of a job that left downloading. e.mu must be held.
func (o *Orchestrator) detach(e *entry) {
	if e.job.Status != domain.StatusDownloading {
		o.release(keyOf(&e.job), e.job.ID)
	}
}

// stop cancels the task of e and records the stopped state. It is a no-op
// for jobs that are not downloading.
func (o *Orchestrator) stop(ctx context.Context, e *entry) error {
	e.mu.Lock()
	if e.stopping {
		wait := e.stopDone
		e.mu.Unlock()
		select {
		case <-wait:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if e.deleted || e.job.Status != domain.StatusDownloading {
		e.mu.Unlock()
		return nil
	}

	e.stopping = true
	e.stopDone = make(chan struct{})
	e.epoch++
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(o.opts.StopTimeout):
			log.Printf("job %d: adapter still running after %s", e.job.ID, o.opts.StopTimeout)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopping = false
	close(e.stopDone)

	if e.job.Status != domain.StatusDownloading {
		return nil
	}
	if err := o.settle(e, domain.Patch{Status: domain.Ptr(domain.StatusStopped)}); err != nil {
		return err
	}
	log.Printf("job %d: stopped at %d bytes", e.job.ID, e.job.DownloadedBytes)
	return nil
}

// observer feeds adapter progress for one task epoch into its entry.
type observer struct {
	o     *Orchestrator
	e     *entry
	epoch uint64
}

func (ob *observer) OnProgress(p domain.Progress) {
	o, e := ob.o, ob.e
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.epoch != ob.epoch || e.stopping || e.deleted || e.job.Status != domain.StatusDownloading {
		return
	}

	j := e.job
	downloaded := max(p.Downloaded, j.DownloadedBytes)
	total := max(p.Total, j.TotalBytes)
	if total > 0 && downloaded > total {
		total = downloaded
	}
	speed := max(p.Speed, 0)

	var pct float64
	if total > 0 {
		pct = math.Min(float64(downloaded)/float64(total)*100, 100)
	}
	pct = max(pct, j.Progress)

	eta := int64(-1)
	if speed > 0 && total > 0 {
		eta = int64(math.Ceil(float64(total-downloaded) / speed))
	}

	now := o.opts.Now()
	patch := domain.Patch{
		Progress:        domain.Ptr(pct),
		DownloadedBytes: domain.Ptr(downloaded),
		TotalBytes:      domain.Ptr(total),
		Speed:           domain.Ptr(speed),
		ETASeconds:      domain.Ptr(eta),
		UpdatedAt:       now,
	}
	if p.Name != "" && p.Name != j.DisplayName {
		patch.DisplayName = domain.Ptr(p.Name)
	}

	id := j.ID
	if err := o.persist(func(ctx context.Context) error { return o.repo.UpdateFields(ctx, id, patch) }); err != nil {
		o.abandon(e, err)
		return
	}
	patch.Apply(&e.job)

	silent := !e.lastEmit.IsZero() && now.Sub(e.lastEmit) < o.opts.ProgressInterval
	if !silent {
		e.lastEmit = now
	}
	o.pub.Publish(domain.Event{Kind: domain.EventProgress, Job: e.job, Silent: silent})
}
