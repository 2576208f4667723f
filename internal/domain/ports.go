package domain

import "context"

// JobRepository is the driven port for job persistence.
type JobRepository interface {
	Insert(ctx context.Context, job *Job) (int64, error)
	UpdateFields(ctx context.Context, id int64, patch Patch) error
	Get(ctx context.Context, id int64) (*Job, error)
	FindByExternalRef(ctx context.Context, family SourceFamily, ref string) (*Job, error)
	Delete(ctx context.Context, id int64) error
	ListActive(ctx context.Context) ([]Job, error)
	ListAll(ctx context.Context) ([]Job, error)
	Query(ctx context.Context, q JobQuery) (JobPage, error)
}

// ProgressObserver receives transfer progress from an adapter.
type ProgressObserver interface {
	OnProgress(p Progress)
}

// ProgressFunc adapts a function to ProgressObserver.
type ProgressFunc func(Progress)

func (f ProgressFunc) OnProgress(p Progress) { f(p) }

// SourceAdapter performs the byte transfer for one source family. Fetch must
// return promptly once ctx is cancelled.
type SourceAdapter interface {
	Name() string
	Fetch(ctx context.Context, job *Job, obs ProgressObserver) (FetchResult, error)
}

// URLProber checks a URL without downloading it.
type URLProber interface {
	Probe(ctx context.Context, rawURL string) (ProbeResult, error)
}

// PlaylistEntry is one item of an expanded playlist.
type PlaylistEntry struct {
	URL   string
	Title string
}

// PlaylistExpander lists the entries behind a playlist URL.
type PlaylistExpander interface {
	Expand(ctx context.Context, rawURL string) ([]PlaylistEntry, error)
}

// AdapterResolver picks adapters for sources. Both methods return
// ErrUnsupportedSource when nothing can serve the request.
type AdapterResolver interface {
	Adapter(src Source) (SourceAdapter, error)
	Prober(rawURL string) (URLProber, error)
	Playlist(rawURL string) (PlaylistExpander, error)
}

// EventPublisher receives job change events. Publish must not block.
type EventPublisher interface {
	Publish(ev Event)
}

// JobQuery selects a page of jobs.
type JobQuery struct {
	Search   string
	Status   JobStatus
	SourceID string
	Sort     string // created_at, updated_at, display_name, total_bytes, status
	Desc     bool
	Page     int // 1-based
	PageSize int
}

// Normalize fills defaults and clamps the page size.
func (q JobQuery) Normalize() JobQuery {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize <= 0 {
		q.PageSize = 50
	}
	if q.PageSize > 200 {
		q.PageSize = 200
	}
	return q
}

// Offset returns the row offset of the page.
func (q JobQuery) Offset() int {
	return (q.Page - 1) * q.PageSize
}

// JobPage is one page of query results.
type JobPage struct {
	Jobs     []Job
	Total    int
	Page     int
	PageSize int
}
