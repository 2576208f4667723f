package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cwygoda/downlee/internal/domain"
)

func setupTestRepo(t *testing.T) (*Repository, func()) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	repo, err := New(dbPath)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	cleanup := func() {
		repo.Close()
		os.Remove(dbPath)
	}
	return repo, cleanup
}

func urlJob(ref, name string) *domain.Job {
	src := domain.URLSource{URL: "https://www.youtube.com/watch?v=" + ref, Format: "137"}
	return &domain.Job{
		ExternalRef: ref,
		DisplayName: name,
		SourceID:    domain.SourceID(src),
		Source:      src,
		Status:      domain.StatusDownloading,
		ETASeconds:  -1,
	}
}

func telegramJob(ref, name string) *domain.Job {
	src := domain.TelegramSource{MessageRef: ref, MimeHint: "video/mp4"}
	return &domain.Job{
		ExternalRef: ref,
		DisplayName: name,
		SourceID:    domain.SourceID(src),
		Source:      src,
		Status:      domain.StatusDownloading,
		ETASeconds:  -1,
	}
}

func TestRepository_InsertAndGet(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	ctx := context.Background()

	id, err := repo.Insert(ctx, urlJob("abc", "Clip-1080p.mp4"))
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if id == 0 {
		t.Fatal("Insert() id = 0, want non-zero")
	}

	job, err := repo.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if job.DisplayName != "Clip-1080p.mp4" {
		t.Errorf("DisplayName = %q", job.DisplayName)
	}
	if job.SourceID != "youtube" {
		t.Errorf("SourceID = %q, want youtube", job.SourceID)
	}
	src, ok := job.Source.(domain.URLSource)
	if !ok {
		t.Fatalf("Source = %T, want URLSource", job.Source)
	}
	if src.URL != "https://www.youtube.com/watch?v=abc" || src.Format != "137" {
		t.Errorf("Source = %+v", src)
	}
	if job.ETASeconds != -1 {
		t.Errorf("ETASeconds = %d, want -1", job.ETASeconds)
	}
	if job.Error != "" {
		t.Errorf("Error = %q, want empty", job.Error)
	}

	// Get non-existent
	_, err = repo.Get(ctx, 9999)
	if !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("Get() error = %v, want %v", err, domain.ErrJobNotFound)
	}
}

func TestRepository_TelegramSourceRoundTrip(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	ctx := context.Background()
	id, err := repo.Insert(ctx, telegramJob("m-1", "photo.jpg"))
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	job, err := repo.FindByExternalRef(ctx, domain.FamilyTelegram, "m-1")
	if err != nil {
		t.Fatalf("FindByExternalRef() error = %v", err)
	}
	if job.ID != id {
		t.Errorf("ID = %d, want %d", job.ID, id)
	}
	src, ok := job.Source.(domain.TelegramSource)
	if !ok {
		t.Fatalf("Source = %T, want TelegramSource", job.Source)
	}
	if src.MessageRef != "m-1" || src.MimeHint != "video/mp4" {
		t.Errorf("Source = %+v", src)
	}
	if job.SourceURL() != "" {
		t.Errorf("SourceURL() = %q, want empty", job.SourceURL())
	}

	// same ref, other family
	_, err = repo.FindByExternalRef(ctx, domain.FamilyURL, "m-1")
	if !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("FindByExternalRef(url) error = %v, want ErrJobNotFound", err)
	}
}

func TestRepository_InsertConflict(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	ctx := context.Background()
	if _, err := repo.Insert(ctx, telegramJob("42", "a.mp4")); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	_, err := repo.Insert(ctx, telegramJob("42", "b.mp4"))
	if !errors.Is(err, domain.ErrConflict) {
		t.Errorf("Insert() duplicate error = %v, want ErrConflict", err)
	}

	// refs are unique per family only
	if _, err := repo.Insert(ctx, urlJob("42", "c.mp4")); err != nil {
		t.Errorf("Insert() other family error = %v", err)
	}
}

func TestRepository_UpdateFields(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	ctx := context.Background()
	id, _ := repo.Insert(ctx, urlJob("u1", "clip.mp4"))

	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	err := repo.UpdateFields(ctx, id, domain.Patch{
		Progress:        domain.Ptr(50.0),
		DownloadedBytes: domain.Ptr(int64(500)),
		TotalBytes:      domain.Ptr(int64(1000)),
		Speed:           domain.Ptr(128.5),
		ETASeconds:      domain.Ptr(int64(4)),
		UpdatedAt:       at,
	})
	if err != nil {
		t.Fatalf("UpdateFields() error = %v", err)
	}

	job, _ := repo.Get(ctx, id)
	if job.Progress != 50 || job.DownloadedBytes != 500 || job.TotalBytes != 1000 {
		t.Errorf("progress fields = %v/%d/%d", job.Progress, job.DownloadedBytes, job.TotalBytes)
	}
	if job.Speed != 128.5 {
		t.Errorf("Speed = %v, want 128.5", job.Speed)
	}
	if job.ETASeconds != 4 {
		t.Errorf("ETASeconds = %d, want 4", job.ETASeconds)
	}
	if !job.UpdatedAt.Equal(at) {
		t.Errorf("UpdatedAt = %v, want %v", job.UpdatedAt, at)
	}
	if job.Status != domain.StatusDownloading {
		t.Errorf("Status = %q, untouched field changed", job.Status)
	}

	// fail, then clear on retry
	err = repo.UpdateFields(ctx, id, domain.Patch{
		Status:     domain.Ptr(domain.StatusFailed),
		Error:      domain.Ptr("network down"),
		ETASeconds: domain.Ptr(int64(-1)),
	})
	if err != nil {
		t.Fatalf("UpdateFields() error = %v", err)
	}
	job, _ = repo.Get(ctx, id)
	if job.Status != domain.StatusFailed || job.Error != "network down" || job.ETASeconds != -1 {
		t.Errorf("after fail: status=%q error=%q eta=%d", job.Status, job.Error, job.ETASeconds)
	}

	_ = repo.UpdateFields(ctx, id, domain.Patch{Status: domain.Ptr(domain.StatusDownloading), Error: domain.Ptr("")})
	job, _ = repo.Get(ctx, id)
	if job.Error != "" {
		t.Errorf("Error = %q, want cleared", job.Error)
	}
}

func TestRepository_UpdateFields_Errors(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	ctx := context.Background()

	err := repo.UpdateFields(ctx, 9999, domain.Patch{Speed: domain.Ptr(1.0)})
	if !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("UpdateFields() missing error = %v, want ErrJobNotFound", err)
	}

	id, _ := repo.Insert(ctx, urlJob("u1", "clip.mp4"))
	err = repo.UpdateFields(ctx, id, domain.Patch{Progress: domain.Ptr(150.0)})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("UpdateFields() invalid error = %v, want ErrValidation", err)
	}
}

func TestRepository_UpdateFields_EmptyPatch(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	ctx := context.Background()
	id, _ := repo.Insert(ctx, urlJob("u1", "clip.mp4"))
	before, _ := repo.Get(ctx, id)

	if err := repo.UpdateFields(ctx, id, domain.Patch{UpdatedAt: before.UpdatedAt.Add(time.Hour)}); err != nil {
		t.Fatalf("UpdateFields() error = %v", err)
	}
	after, _ := repo.Get(ctx, id)
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Errorf("UpdatedAt = %v, want unchanged %v", after.UpdatedAt, before.UpdatedAt)
	}

	if err := repo.UpdateFields(ctx, 9999, domain.Patch{}); !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("UpdateFields() missing error = %v, want ErrJobNotFound", err)
	}
}

func TestRepository_Delete(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	ctx := context.Background()
	id, _ := repo.Insert(ctx, telegramJob("7", "doc.pdf"))

	if err := repo.Delete(ctx, id); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := repo.Get(ctx, id); !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("Get() after delete error = %v", err)
	}
	if err := repo.Delete(ctx, id); !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("Delete() twice error = %v, want ErrJobNotFound", err)
	}

	// the ref is free again
	if _, err := repo.Insert(ctx, telegramJob("7", "doc.pdf")); err != nil {
		t.Errorf("Insert() after delete error = %v", err)
	}
}

func TestRepository_ListActive(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	ctx := context.Background()

	id1, _ := repo.Insert(ctx, urlJob("a", "a.mp4"))
	id2, _ := repo.Insert(ctx, urlJob("b", "b.mp4"))
	id3, _ := repo.Insert(ctx, urlJob("c", "c.mp4"))
	_ = repo.UpdateFields(ctx, id2, domain.Patch{Status: domain.Ptr(domain.StatusDone)})

	active, err := repo.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive() error = %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("ListActive() returned %d jobs, want 2", len(active))
	}
	if active[0].ID != id1 || active[1].ID != id3 {
		t.Errorf("ListActive() ids = %d,%d, want %d,%d", active[0].ID, active[1].ID, id1, id3)
	}

	all, err := repo.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll() error = %v", err)
	}
	if len(all) != 3 {
		t.Errorf("ListAll() returned %d jobs, want 3", len(all))
	}
}

func TestRepository_Query(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seed := []struct {
		job    *domain.Job
		status domain.JobStatus
		size   int64
	}{
		{urlJob("1", "Alpha.mp4"), domain.StatusDone, 300},
		{telegramJob("2", "beta_100%.jpg"), domain.StatusFailed, 100},
		{urlJob("3", "Gamma.webm"), domain.StatusDownloading, 200},
		{telegramJob("4", "delta.pdf"), domain.StatusDone, 400},
	}
	ids := make([]int64, len(seed))
	for i, s := range seed {
		s.job.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		s.job.TotalBytes = s.size
		id, err := repo.Insert(ctx, s.job)
		if err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
		ids[i] = id
		if s.status != domain.StatusDownloading {
			_ = repo.UpdateFields(ctx, id, domain.Patch{Status: domain.Ptr(s.status)})
		}
	}

	tests := []struct {
		name    string
		query   domain.JobQuery
		wantIDs []int64
		total   int
	}{
		{
			name:    "default order puts downloading first",
			query:   domain.JobQuery{},
			wantIDs: []int64{ids[2], ids[3], ids[1], ids[0]},
			total:   4,
		},
		{
			name:    "status filter",
			query:   domain.JobQuery{Status: domain.StatusDone},
			wantIDs: []int64{ids[3], ids[0]},
			total:   2,
		},
		{
			name:    "source filter",
			query:   domain.JobQuery{SourceID: "telegram"},
			wantIDs: []int64{ids[3], ids[1]},
			total:   2,
		},
		{
			name:    "search is case insensitive",
			query:   domain.JobQuery{Search: "GAMMA"},
			wantIDs: []int64{ids[2]},
			total:   1,
		},
		{
			name:    "search escapes wildcards",
			query:   domain.JobQuery{Search: "100%"},
			wantIDs: []int64{ids[1]},
			total:   1,
		},
		{
			name:    "sort by size desc",
			query:   domain.JobQuery{Sort: "total_bytes", Desc: true},
			wantIDs: []int64{ids[3], ids[0], ids[2], ids[1]},
			total:   4,
		},
		{
			name:    "sort by name",
			query:   domain.JobQuery{Sort: "display_name"},
			wantIDs: []int64{ids[0], ids[1], ids[3], ids[2]},
			total:   4,
		},
		{
			name:    "second page",
			query:   domain.JobQuery{Sort: "created_at", Page: 2, PageSize: 3},
			wantIDs: []int64{ids[3]},
			total:   4,
		},
		{
			name:    "unknown sort falls back to default",
			query:   domain.JobQuery{Sort: "id; DROP TABLE jobs"},
			wantIDs: []int64{ids[2], ids[3], ids[1], ids[0]},
			total:   4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := repo.Query(ctx, tt.query)
			if err != nil {
				t.Fatalf("Query() error = %v", err)
			}
			if page.Total != tt.total {
				t.Errorf("Total = %d, want %d", page.Total, tt.total)
			}
			if len(page.Jobs) != len(tt.wantIDs) {
				t.Fatalf("got %d jobs, want %d", len(page.Jobs), len(tt.wantIDs))
			}
			for i, want := range tt.wantIDs {
				if page.Jobs[i].ID != want {
					t.Errorf("Jobs[%d].ID = %d, want %d", i, page.Jobs[i].ID, want)
				}
			}
		})
	}
}

func TestRepository_Persistence(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "persist.db")
	ctx := context.Background()

	// Create and close
	repo1, _ := New(dbPath)
	id, _ := repo1.Insert(ctx, urlJob("persist", "persist.mp4"))
	repo1.Close()

	// Reopen and verify
	repo2, err := New(dbPath)
	if err != nil {
		t.Fatalf("New() reopen error = %v", err)
	}
	defer repo2.Close()

	job, err := repo2.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() after reopen error = %v", err)
	}
	if job.ExternalRef != "persist" {
		t.Errorf("ExternalRef = %q, want persist", job.ExternalRef)
	}
}

func TestNew_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "nested", "dir", "test.db")

	repo, err := New(dbPath)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	repo.Close()

	if _, err := os.Stat(filepath.Dir(dbPath)); os.IsNotExist(err) {
		t.Error("New() did not create parent directory")
	}
}
