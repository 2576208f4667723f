package domaintest

import (
	"context"
	"sync"

	"github.com/cwygoda/downlee/internal/domain"
)

// Adapter is a scriptable domain.SourceAdapter. FetchFunc runs for every
// attempt; when nil, Fetch blocks until ctx is cancelled.
type Adapter struct {
	FetchFunc func(ctx context.Context, job *domain.Job, obs domain.ProgressObserver) (domain.FetchResult, error)

	mu       sync.Mutex
	attempts map[int64]int
	started  chan int64
}

// NewAdapter returns an adapter that reports each attempt on Started.
func NewAdapter() *Adapter {
	return &Adapter{attempts: make(map[int64]int), started: make(chan int64, 64)}
}

func (a *Adapter) Name() string { return "fake" }

func (a *Adapter) Fetch(ctx context.Context, job *domain.Job, obs domain.ProgressObserver) (domain.FetchResult, error) {
	a.mu.Lock()
	a.attempts[job.ID]++
	a.mu.Unlock()
	select {
	case a.started <- job.ID:
	default:
	}
	if a.FetchFunc != nil {
		return a.FetchFunc(ctx, job, obs)
	}
	<-ctx.Done()
	return domain.FetchResult{}, ctx.Err()
}

// Started yields the id of each job whose attempt began.
func (a *Adapter) Started() <-chan int64 { return a.started }

// Attempts returns how many times Fetch ran for id.
func (a *Adapter) Attempts(id int64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attempts[id]
}

// Prober is a fixed domain.URLProber.
type Prober struct {
	Result domain.ProbeResult
	Err    error
}

func (p Prober) Probe(ctx context.Context, rawURL string) (domain.ProbeResult, error) {
	return p.Result, p.Err
}

// Playlist is a fixed domain.PlaylistExpander.
type Playlist struct {
	Entries []domain.PlaylistEntry
	Err     error
}

func (p Playlist) Expand(ctx context.Context, rawURL string) ([]domain.PlaylistEntry, error) {
	return p.Entries, p.Err
}

// Resolver serves one adapter for every source. Nil fields resolve to
// domain.ErrUnsupportedSource.
type Resolver struct {
	Source domain.SourceAdapter
	URL    domain.URLProber
	Lists  domain.PlaylistExpander
}

func (r Resolver) Adapter(src domain.Source) (domain.SourceAdapter, error) {
	if r.Source == nil {
		return nil, domain.ErrUnsupportedSource
	}
	return r.Source, nil
}

func (r Resolver) Prober(rawURL string) (domain.URLProber, error) {
	if r.URL == nil {
		return nil, domain.ErrUnsupportedSource
	}
	return r.URL, nil
}

func (r Resolver) Playlist(rawURL string) (domain.PlaylistExpander, error) {
	if r.Lists == nil {
		return nil, domain.ErrUnsupportedSource
	}
	return r.Lists, nil
}
