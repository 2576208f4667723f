// Package domaintest provides in-memory fakes of the domain ports for tests.
package domaintest

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cwygoda/downlee/internal/domain"
)

// Repo is an in-memory domain.JobRepository.
type Repo struct {
	mu     sync.Mutex
	jobs   map[int64]domain.Job
	nextID int64

	// FailWrites makes Insert, UpdateFields and Delete fail with WriteErr
	// while it is positive; each failing call decrements it. A negative
	// value fails forever.
	FailWrites int
	WriteErr   error

	// InsertDelay stalls every Insert before it takes the lock.
	InsertDelay time.Duration

	Updates int
}

// NewRepo returns an empty repository.
func NewRepo() *Repo {
	return &Repo{jobs: make(map[int64]domain.Job)}
}

func (r *Repo) writeFault() error {
	if r.FailWrites == 0 {
		return nil
	}
	if r.FailWrites > 0 {
		r.FailWrites--
	}
	if r.WriteErr != nil {
		return r.WriteErr
	}
	return errors.New("disk I/O error")
}

// SetFailWrites changes the fault counter under the lock.
func (r *Repo) SetFailWrites(n int) {
	r.mu.Lock()
	r.FailWrites = n
	r.mu.Unlock()
}

func (r *Repo) Insert(ctx context.Context, job *domain.Job) (int64, error) {
	time.Sleep(r.InsertDelay)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writeFault(); err != nil {
		return 0, err
	}
	for _, j := range r.jobs {
		if j.Family() == job.Family() && j.ExternalRef == job.ExternalRef {
			return 0, domain.ErrConflict
		}
	}
	r.nextID++
	stored := *job
	stored.ID = r.nextID
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	r.jobs[stored.ID] = stored
	return stored.ID, nil
}

func (r *Repo) UpdateFields(ctx context.Context, id int64, patch domain.Patch) error {
	if err := patch.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writeFault(); err != nil {
		return err
	}
	j, ok := r.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	patch.Apply(&j)
	r.jobs[id] = j
	r.Updates++
	return nil
}

func (r *Repo) Get(ctx context.Context, id int64) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return &j, nil
}

func (r *Repo) FindByExternalRef(ctx context.Context, family domain.SourceFamily, ref string) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		if j.Family() == family && j.ExternalRef == ref {
			return &j, nil
		}
	}
	return nil, domain.ErrJobNotFound
}

func (r *Repo) Delete(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writeFault(); err != nil {
		return err
	}
	if _, ok := r.jobs[id]; !ok {
		return domain.ErrJobNotFound
	}
	delete(r.jobs, id)
	return nil
}

func (r *Repo) ListActive(ctx context.Context) ([]domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Job
	for _, j := range r.sorted() {
		if j.Status == domain.StatusDownloading {
			out = append(out, j)
		}
	}
	return out, nil
}

func (r *Repo) ListAll(ctx context.Context) ([]domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sorted(), nil
}

func (r *Repo) Query(ctx context.Context, q domain.JobQuery) (domain.JobPage, error) {
	q = q.Normalize()
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []domain.Job
	search := strings.ToLower(q.Search)
	for _, j := range r.sorted() {
		if q.Status != "" && j.Status != q.Status {
			continue
		}
		if q.SourceID != "" && j.SourceID != q.SourceID {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(j.DisplayName), search) {
			continue
		}
		matched = append(matched, j)
	}

	if q.Sort != "" {
		sort.SliceStable(matched, func(a, b int) bool {
			if q.Desc {
				return lessBy(q.Sort, matched[b], matched[a])
			}
			return lessBy(q.Sort, matched[a], matched[b])
		})
	} else {
		// downloading first, then newest
		sort.SliceStable(matched, func(a, b int) bool {
			da := matched[a].Status == domain.StatusDownloading
			db := matched[b].Status == domain.StatusDownloading
			if da != db {
				return da
			}
			return matched[a].ID > matched[b].ID
		})
	}

	page := domain.JobPage{Total: len(matched), Page: q.Page, PageSize: q.PageSize}
	start := q.Offset()
	if start < len(matched) {
		end := min(start+q.PageSize, len(matched))
		page.Jobs = matched[start:end]
	}
	return page, nil
}

// Put stores job as-is, bypassing validation. Useful to seed state.
func (r *Repo) Put(job domain.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job.ID > r.nextID {
		r.nextID = job.ID
	}
	r.jobs[job.ID] = job
}

// Snapshot returns a copy of the stored job, or false.
func (r *Repo) Snapshot(id int64) (domain.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	return j, ok
}

func (r *Repo) sorted() []domain.Job {
	out := make([]domain.Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

func lessBy(field string, a, b domain.Job) bool {
	switch field {
	case "updated_at":
		return a.UpdatedAt.Before(b.UpdatedAt)
	case "display_name":
		return a.DisplayName < b.DisplayName
	case "total_bytes":
		return a.TotalBytes < b.TotalBytes
	case "status":
		return a.Status < b.Status
	}
	return a.CreatedAt.Before(b.CreatedAt)
}
