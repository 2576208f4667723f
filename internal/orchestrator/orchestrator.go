// Package orchestrator drives download jobs through their lifecycle. It owns
// every job mutation: store writes and change events happen here, in that
// order, under a per-job lock.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cwygoda/downlee/internal/domain"
	"github.com/google/uuid"
)

// Options tunes the orchestrator.
type Options struct {
	MaxAttempts      int           // transfer attempts per run
	RetryBackoff     time.Duration // pause between attempts
	ProgressInterval time.Duration // min gap between broadcast progress events per job
	StopTimeout      time.Duration // how long Stop waits for the adapter to exit
	PersistAttempts  int
	PersistBackoff   time.Duration
	Now              func() time.Time

	// OnAttemptFailed is called when a transfer attempt fails and another
	// one follows.
	OnAttemptFailed func(job domain.Job, attempt int, err error)
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:      3,
		RetryBackoff:     5 * time.Second,
		ProgressInterval: time.Second,
		StopTimeout:      10 * time.Second,
		PersistAttempts:  4,
		PersistBackoff:   100 * time.Millisecond,
		Now:              time.Now,
	}
}

// Orchestrator accepts download requests and runs one task per active job.
//
// Lock order: an entry's mutex may be held while taking o.mu, never the
// reverse.
type Orchestrator struct {
	repo     domain.JobRepository
	adapters domain.AdapterResolver
	pub      domain.EventPublisher
	opts     Options

	mu      sync.Mutex
	entries map[int64]*entry
	active  map[refKey]int64 // downloading jobs; 0 marks a reservation
	pending map[refKey]chan struct{} // closed when the reservation resolves
	closing bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

type refKey struct {
	family domain.SourceFamily
	ref    string
}

func keyOf(j *domain.Job) refKey {
	return refKey{family: j.Family(), ref: j.ExternalRef}
}

// New creates an orchestrator. Call Reconcile before accepting requests.
func New(repo domain.JobRepository, adapters domain.AdapterResolver, pub domain.EventPublisher, opts Options) *Orchestrator {
	def := DefaultOptions()
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = def.ProgressInterval
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = def.StopTimeout
	}
	if opts.PersistAttempts < 1 {
		opts.PersistAttempts = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		repo:     repo,
		adapters: adapters,
		pub:      pub,
		opts:     opts,
		entries:  make(map[int64]*entry),
		active:   make(map[refKey]int64),
		pending:  make(map[refKey]chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Reconcile marks every job persisted as downloading as failed. No adapter
// can resume a transfer, so such rows are leftovers of a previous process.
func (o *Orchestrator) Reconcile(ctx context.Context) (int, error) {
	jobs, err := o.repo.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: list active: %v", domain.ErrPersistence, err)
	}

	n := 0
	for _, j := range jobs {
		o.mu.Lock()
		_, running := o.entries[j.ID]
		o.mu.Unlock()
		if running {
			continue
		}
		patch := domain.Patch{
			Status:     domain.Ptr(domain.StatusFailed),
			Error:      domain.Ptr(domain.InterruptedMessage),
			Speed:      domain.Ptr(0.0),
			ETASeconds: domain.Ptr(int64(-1)),
			UpdatedAt:  o.opts.Now(),
		}
		if err := o.persist(func(ctx context.Context) error { return o.repo.UpdateFields(ctx, j.ID, patch) }); err != nil {
			return n, err
		}
		log.Printf("job %d: %s", j.ID, domain.InterruptedMessage)
		n++
	}
	return n, nil
}

// SubmitFromMessage creates a job for a chat message. Submitting the same
// message again, concurrently or later, returns the existing job's id.
func (o *Orchestrator) SubmitFromMessage(ctx context.Context, msg domain.InboundMessage) (int64, error) {
	ref := strings.TrimSpace(msg.ExternalRef)
	if ref == "" {
		return 0, fmt.Errorf("%w: empty message ref", domain.ErrValidation)
	}

	name := strings.TrimSpace(msg.Filename)
	if name == "" {
		name = o.opts.Now().Format("20060102_150405")
	}
	src := domain.TelegramSource{MessageRef: ref, MimeHint: msg.MimeHint}
	job := domain.Job{
		ExternalRef: ref,
		DisplayName: name,
		SourceID:    domain.SourceID(src),
		Source:      src,
		TotalBytes:  max(msg.SizeHint, 0),
	}

	var err error
	for range 3 {
		if id, ok := o.existingMessage(ctx, ref); ok {
			return id, nil
		}
		var id int64
		id, err = o.create(ctx, job)
		if !errors.Is(err, domain.ErrConflict) {
			return id, err
		}
		// another submit of this message holds the ref; wait for its insert
		if err := o.awaitReservation(ctx, keyOf(&job)); err != nil {
			return 0, err
		}
	}
	return 0, err
}

func (o *Orchestrator) existingMessage(ctx context.Context, ref string) (int64, bool) {
	o.mu.Lock()
	id := o.active[refKey{domain.FamilyTelegram, ref}]
	o.mu.Unlock()
	if id != 0 {
		return id, true
	}
	if j, err := o.repo.FindByExternalRef(ctx, domain.FamilyTelegram, ref); err == nil {
		return j.ID, true
	}
	return 0, false
}

// awaitReservation blocks while a create for key is between reserving the
// ref and recording the new job's id.
func (o *Orchestrator) awaitReservation(ctx context.Context, key refKey) error {
	o.mu.Lock()
	wait := o.pending[key]
	o.mu.Unlock()
	if wait == nil {
		return nil
	}
	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitFromURL creates a job for a URL. The URL is probed for a title and
// size unless req carries a title hint.
func (o *Orchestrator) SubmitFromURL(ctx context.Context, req domain.URLRequest) (int64, error) {
	raw, err := validateURL(req.URL)
	if err != nil {
		return 0, err
	}

	prober, err := o.adapters.Prober(raw)
	if err != nil {
		return 0, err
	}

	title, ext, size := req.TitleHint, "", req.SizeHint
	if title == "" {
		res, err := prober.Probe(ctx, raw)
		if err != nil {
			return 0, fmt.Errorf("probe %s: %w", raw, err)
		}
		if !res.Supported {
			return 0, fmt.Errorf("%w: %s", domain.ErrUnsupportedSource, res.Reason)
		}
		title, ext = res.Title, res.Ext
		if size <= 0 {
			size = res.Filesize
		}
	}
	if title == "" {
		title = domain.TitleFromURL(raw)
	}

	ref := req.Ref
	if ref == "" {
		ref = newRef()
	} else if err := o.checkURLRef(ctx, ref); err != nil {
		return 0, err
	}
	src := domain.URLSource{URL: raw, Format: req.Format}
	job := domain.Job{
		ExternalRef: ref,
		DisplayName: domain.DisplayName(title, req.Resolution, ext),
		SourceID:    domain.SourceID(src),
		Source:      src,
		TotalBytes:  max(size, 0),
	}
	return o.create(ctx, job)
}

// checkURLRef refuses a caller-chosen URL ref already used by a chat message,
// since Stop and Delete by ref resolve chat messages first.
func (o *Orchestrator) checkURLRef(ctx context.Context, ref string) error {
	o.mu.Lock()
	_, taken := o.active[refKey{domain.FamilyTelegram, ref}]
	o.mu.Unlock()
	if !taken {
		_, err := o.repo.FindByExternalRef(ctx, domain.FamilyTelegram, ref)
		switch {
		case err == nil:
			taken = true
		case !errors.Is(err, domain.ErrJobNotFound):
			return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
		}
	}
	if taken {
		return fmt.Errorf("%w: ref %q belongs to a telegram message", domain.ErrConflict, ref)
	}
	return nil
}

// SubmitPlaylist expands a playlist URL and submits one job per entry. It
// fails only when no entry could be submitted.
func (o *Orchestrator) SubmitPlaylist(ctx context.Context, req domain.URLRequest) ([]int64, error) {
	raw, err := validateURL(req.URL)
	if err != nil {
		return nil, err
	}
	expander, err := o.adapters.Playlist(raw)
	if err != nil {
		return nil, err
	}
	entries, err := expander.Expand(ctx, raw)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: playlist is empty", domain.ErrValidation)
	}

	var ids []int64
	var firstErr error
	for _, e := range entries {
		title := e.Title
		if title == "" {
			title = domain.TitleFromURL(e.URL)
		}
		id, err := o.SubmitFromURL(ctx, domain.URLRequest{
			URL:        e.URL,
			Format:     req.Format,
			Resolution: req.Resolution,
			TitleHint:  title,
		})
		if err != nil {
			log.Printf("playlist %s: skip %s: %v", raw, e.URL, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, firstErr
	}
	return ids, nil
}

// Retry restarts a failed or stopped job from scratch.
func (o *Orchestrator) Retry(ctx context.Context, id int64) error {
	e, err := o.load(ctx, id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.deleted {
		return domain.ErrJobNotFound
	}
	if e.job.Status.IsTerminal() {
		return fmt.Errorf("%w: job %d is %s", domain.ErrNotRetryable, id, e.job.Status)
	}
	if e.stopping || !e.job.Status.CanRetry() {
		return fmt.Errorf("%w: job %d is still %s", domain.ErrNotRetryable, id, e.job.Status)
	}
	if err := domain.CheckTransition(e.job.Status, domain.StatusDownloading); err != nil {
		return err
	}

	key := keyOf(&e.job)
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return errClosed
	}
	if other, busy := o.active[key]; busy && other != id {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s %q is downloading", domain.ErrConflict, key.family, key.ref)
	}
	o.active[key] = id
	o.mu.Unlock()

	patch := domain.Patch{
		Status:          domain.Ptr(domain.StatusDownloading),
		Progress:        domain.Ptr(0.0),
		DownloadedBytes: domain.Ptr(int64(0)),
		Speed:           domain.Ptr(0.0),
		ETASeconds:      domain.Ptr(int64(-1)),
		Error:           domain.Ptr(""),
		UpdatedAt:       o.opts.Now(),
	}
	if err := o.persist(func(ctx context.Context) error { return o.repo.UpdateFields(ctx, id, patch) }); err != nil {
		o.release(key, id)
		return err
	}
	patch.Apply(&e.job)

	o.pub.Publish(domain.Event{Kind: domain.EventStatus, Job: e.job})
	o.pub.Publish(domain.Event{Kind: domain.EventProgress, Job: e.job})
	log.Printf("job %d: retrying %s", id, e.job.DisplayName)
	o.launch(e)
	return nil
}

// Stop cancels the downloading job with the given external ref. Partial
// bytes are kept. Stopping a job that completes concurrently is a no-op.
func (o *Orchestrator) Stop(ctx context.Context, ref string) error {
	id, ok := o.activeID(ref)
	if !ok {
		return fmt.Errorf("%w: no download for %q", domain.ErrNotActive, ref)
	}
	o.mu.Lock()
	e := o.entries[id]
	o.mu.Unlock()
	if e == nil {
		return fmt.Errorf("%w: no download for %q", domain.ErrNotActive, ref)
	}
	return o.stop(ctx, e)
}

// Delete removes the job with the given external ref, stopping it first
// when it is downloading.
func (o *Orchestrator) Delete(ctx context.Context, ref string) error {
	id, ok := o.activeID(ref)
	if !ok {
		var err error
		if id, err = o.findRef(ctx, ref); err != nil {
			return err
		}
	}

	e, err := o.load(ctx, id)
	if err != nil {
		return err
	}
	if err := o.stop(ctx, e); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.deleted {
		return domain.ErrJobNotFound
	}
	if e.job.Status == domain.StatusDownloading {
		return fmt.Errorf("%w: job %d restarted during delete", domain.ErrConflict, id)
	}

	err = o.persist(func(ctx context.Context) error { return o.repo.Delete(ctx, id) })
	if err != nil && !errors.Is(err, domain.ErrJobNotFound) {
		return err
	}

	e.deleted = true
	e.epoch++
	o.mu.Lock()
	delete(o.entries, id)
	if o.active[keyOf(&e.job)] == id {
		delete(o.active, keyOf(&e.job))
	}
	o.mu.Unlock()

	o.pub.Publish(domain.Event{Kind: domain.EventDeleted, Job: e.job})
	log.Printf("job %d: deleted", id)
	return nil
}

// Job returns the current state of a job.
func (o *Orchestrator) Job(ctx context.Context, id int64) (*domain.Job, error) {
	o.mu.Lock()
	e := o.entries[id]
	o.mu.Unlock()
	if e != nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		if !e.deleted {
			j := e.job
			return &j, nil
		}
	}
	return o.repo.Get(ctx, id)
}

// Query reads a page of jobs from the store.
func (o *Orchestrator) Query(ctx context.Context, q domain.JobQuery) (domain.JobPage, error) {
	return o.repo.Query(ctx, q)
}

// Probe checks a URL with the matching adapter.
func (o *Orchestrator) Probe(ctx context.Context, rawURL string) (domain.ProbeResult, error) {
	raw, err := validateURL(rawURL)
	if err != nil {
		return domain.ProbeResult{}, err
	}
	prober, err := o.adapters.Prober(raw)
	if err != nil {
		return domain.ProbeResult{}, err
	}
	return prober.Probe(ctx, raw)
}

// Shutdown cancels every running task and waits for them to exit. Their rows
// stay downloading and are reconciled at the next start.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var errClosed = fmt.Errorf("%w: shutting down", domain.ErrPersistence)

// create persists a new downloading job and starts its task.
func (o *Orchestrator) create(ctx context.Context, job domain.Job) (int64, error) {
	key := keyOf(&job)

	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return 0, errClosed
	}
	if _, busy := o.active[key]; busy {
		o.mu.Unlock()
		return 0, fmt.Errorf("%w: %s %q is downloading", domain.ErrConflict, key.family, key.ref)
	}
	o.active[key] = 0
	wait := make(chan struct{})
	o.pending[key] = wait
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.pending, key)
		o.mu.Unlock()
		close(wait)
	}()

	now := o.opts.Now()
	job.Status = domain.StatusDownloading
	job.ETASeconds = -1
	job.CreatedAt, job.UpdatedAt = now, now

	var id int64
	err := o.persist(func(ctx context.Context) error {
		var err error
		id, err = o.repo.Insert(ctx, &job)
		return err
	})
	if err != nil {
		o.release(key, 0)
		return 0, err
	}
	job.ID = id

	e := &entry{job: job}
	e.mu.Lock()
	defer e.mu.Unlock()

	o.mu.Lock()
	o.entries[id] = e
	o.active[key] = id
	o.mu.Unlock()

	o.pub.Publish(domain.Event{Kind: domain.EventNew, Job: e.job})
	log.Printf("job %d: created %q from %s", id, job.DisplayName, job.SourceID)
	o.launch(e)
	return id, nil
}

// load returns the entry of a job, reading it from the store when it is not
// in memory.
func (o *Orchestrator) load(ctx context.Context, id int64) (*entry, error) {
	o.mu.Lock()
	e := o.entries[id]
	o.mu.Unlock()
	if e != nil {
		return e, nil
	}

	j, err := o.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if e := o.entries[id]; e != nil {
		return e, nil
	}
	e = &entry{job: *j}
	o.entries[id] = e
	return e, nil
}

func (o *Orchestrator) activeID(ref string) (int64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, f := range domain.Families {
		if id := o.active[refKey{f, ref}]; id != 0 {
			return id, true
		}
	}
	return 0, false
}

func (o *Orchestrator) findRef(ctx context.Context, ref string) (int64, error) {
	for _, f := range domain.Families {
		j, err := o.repo.FindByExternalRef(ctx, f, ref)
		if err == nil {
			return j.ID, nil
		}
		if !errors.Is(err, domain.ErrJobNotFound) {
			return 0, err
		}
	}
	return 0, fmt.Errorf("%w: ref %q", domain.ErrJobNotFound, ref)
}

// release frees key if it still maps to id.
func (o *Orchestrator) release(key refKey, id int64) {
	o.mu.Lock()
	if cur, ok := o.active[key]; ok && cur == id {
		delete(o.active, key)
	}
	o.mu.Unlock()
}

// persist runs fn with exponential backoff. Errors that retrying cannot fix
// are returned as-is; exhausted retries wrap domain.ErrPersistence.
func (o *Orchestrator) persist(fn func(ctx context.Context) error) error {
	backoff := o.opts.PersistBackoff
	var err error
	for attempt := 1; attempt <= o.opts.PersistAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = fn(ctx)
		cancel()
		if err == nil || errors.Is(err, domain.ErrJobNotFound) ||
			errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrValidation) {
			return err
		}
		if attempt < o.opts.PersistAttempts {
			log.Printf("store write failed (attempt %d/%d): %v", attempt, o.opts.PersistAttempts, err)
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
}

func validateURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.ParseRequestURI(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidURL, raw)
	}
	return raw, nil
}

func newRef() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
