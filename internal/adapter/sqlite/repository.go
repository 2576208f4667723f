package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cwygoda/downlee/internal/domain"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    source_family    TEXT NOT NULL,
    external_ref     TEXT NOT NULL,
    display_name     TEXT NOT NULL,
    source_id        TEXT NOT NULL,
    source_url       TEXT,
    format           TEXT NOT NULL DEFAULT '',
    mime_hint        TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL DEFAULT 'downloading',
    progress         REAL NOT NULL DEFAULT 0,
    downloaded_bytes INTEGER NOT NULL DEFAULT 0,
    total_bytes      INTEGER NOT NULL DEFAULT 0,
    speed            REAL NOT NULL DEFAULT 0,
    eta_seconds      INTEGER,
    error            TEXT,
    created_at       DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at       DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(source_family, external_ref)
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_source_id ON jobs(source_id);
`

const jobColumns = `id, source_family, external_ref, display_name, source_id,
	COALESCE(source_url, ''), format, mime_hint, status, progress,
	downloaded_bytes, total_bytes, speed, COALESCE(eta_seconds, -1),
	COALESCE(error, ''), created_at, updated_at`

// sortColumns whitelists JobQuery.Sort values.
var sortColumns = map[string]string{
	"created_at":   "created_at",
	"updated_at":   "updated_at",
	"display_name": "display_name COLLATE NOCASE",
	"total_bytes":  "total_bytes",
	"status":       "status",
}

// Repository implements domain.JobRepository using SQLite.
type Repository struct {
	db *sql.DB
}

// New creates a new SQLite repository, initializing the schema if needed.
func New(dbPath string) (*Repository, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// Initialize schema
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &Repository{db: db}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Insert stores a new job and returns its id. A second row with the same
// source family and external ref fails with domain.ErrConflict.
func (r *Repository) Insert(ctx context.Context, job *domain.Job) (int64, error) {
	if job.Source == nil {
		return 0, fmt.Errorf("%w: job has no source", domain.ErrValidation)
	}
	now := time.Now()
	created, updated := job.CreatedAt, job.UpdatedAt
	if created.IsZero() {
		created = now
	}
	if updated.IsZero() {
		updated = created
	}

	var sourceURL any
	var format, mime string
	switch src := job.Source.(type) {
	case domain.TelegramSource:
		mime = src.MimeHint
	case domain.URLSource:
		sourceURL, format = src.URL, src.Format
	}

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO jobs (source_family, external_ref, display_name, source_id, source_url,
		 format, mime_hint, status, progress, downloaded_bytes, total_bytes, speed,
		 eta_seconds, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(job.Family()), job.ExternalRef, job.DisplayName, job.SourceID, sourceURL,
		format, mime, string(job.Status), job.Progress, job.DownloadedBytes, job.TotalBytes, job.Speed,
		nullETA(job.ETASeconds), nullString(job.Error), created, updated,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: %s ref %q exists", domain.ErrConflict, job.Family(), job.ExternalRef)
		}
		return 0, err
	}

	return result.LastInsertId()
}

// UpdateFields writes the non-nil fields of patch. An empty patch writes
// nothing and only checks that the job exists.
func (r *Repository) UpdateFields(ctx context.Context, id int64, patch domain.Patch) error {
	if err := patch.Validate(); err != nil {
		return err
	}
	if patch.Empty() {
		var one int
		err := r.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrJobNotFound
		}
		return err
	}

	var sets []string
	var args []any
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if patch.DisplayName != nil {
		set("display_name", *patch.DisplayName)
	}
	if patch.Status != nil {
		set("status", string(*patch.Status))
	}
	if patch.Progress != nil {
		set("progress", *patch.Progress)
	}
	if patch.DownloadedBytes != nil {
		set("downloaded_bytes", *patch.DownloadedBytes)
	}
	if patch.TotalBytes != nil {
		set("total_bytes", *patch.TotalBytes)
	}
	if patch.Speed != nil {
		set("speed", *patch.Speed)
	}
	if patch.ETASeconds != nil {
		set("eta_seconds", nullETA(*patch.ETASeconds))
	}
	if patch.Error != nil {
		set("error", nullString(*patch.Error))
	}
	updated := patch.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	set("updated_at", updated)
	args = append(args, id)

	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

// Get retrieves a job by ID.
func (r *Repository) Get(ctx context.Context, id int64) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id,
	)
	return scanJob(row)
}

// FindByExternalRef retrieves the job of a source family by its external ref.
func (r *Repository) FindByExternalRef(ctx context.Context, family domain.SourceFamily, ref string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE source_family = ? AND external_ref = ?`,
		string(family), ref,
	)
	return scanJob(row)
}

// Delete removes a job row.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

// ListActive returns every downloading job, oldest first.
func (r *Repository) ListActive(ctx context.Context) ([]domain.Job, error) {
	return r.list(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY id ASC`,
		string(domain.StatusDownloading),
	)
}

// ListAll returns every job, oldest first.
func (r *Repository) ListAll(ctx context.Context) ([]domain.Job, error) {
	return r.list(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY id ASC`)
}

// Query returns one filtered, sorted page of jobs. Without an explicit sort,
// downloading jobs come first and the rest newest first.
func (r *Repository) Query(ctx context.Context, q domain.JobQuery) (domain.JobPage, error) {
	q = q.Normalize()

	var where []string
	var args []any
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(q.Status))
	}
	if q.SourceID != "" {
		where = append(where, "source_id = ?")
		args = append(args, q.SourceID)
	}
	if q.Search != "" {
		where = append(where, `display_name LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(q.Search)+"%")
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	page := domain.JobPage{Page: q.Page, PageSize: q.PageSize}
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`+clause, args...).Scan(&page.Total); err != nil {
		return page, err
	}

	order := "CASE WHEN status = 'downloading' THEN 0 ELSE 1 END, id DESC"
	if col, ok := sortColumns[q.Sort]; ok {
		dir := "ASC"
		if q.Desc {
			dir = "DESC"
		}
		order = col + " " + dir + ", id " + dir
	}

	jobs, err := r.list(ctx,
		`SELECT `+jobColumns+` FROM jobs`+clause+` ORDER BY `+order+` LIMIT ? OFFSET ?`,
		append(args, q.PageSize, q.Offset())...,
	)
	if err != nil {
		return page, err
	}
	page.Jobs = jobs
	return page, nil
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*domain.Job, error) {
	var job domain.Job
	var family, sourceURL, format, mime, status string
	err := row.Scan(&job.ID, &family, &job.ExternalRef, &job.DisplayName, &job.SourceID,
		&sourceURL, &format, &mime, &status, &job.Progress,
		&job.DownloadedBytes, &job.TotalBytes, &job.Speed, &job.ETASeconds,
		&job.Error, &job.CreatedAt, &job.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	switch domain.SourceFamily(family) {
	case domain.FamilyTelegram:
		job.Source = domain.TelegramSource{MessageRef: job.ExternalRef, MimeHint: mime}
	case domain.FamilyURL:
		job.Source = domain.URLSource{URL: sourceURL, Format: format}
	default:
		return nil, fmt.Errorf("job %d: unknown source family %q", job.ID, family)
	}
	return &job, nil
}

func isUniqueViolation(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		return serr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

func nullETA(eta int64) any {
	if eta < 0 {
		return nil
	}
	return eta
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
