package domain

import (
	"fmt"
	"time"
)

// JobStatus represents the download state of a job.
type JobStatus string

const (
	StatusDownloading JobStatus = "downloading"
	StatusDone        JobStatus = "done"
	StatusFailed      JobStatus = "failed"
	StatusStopped     JobStatus = "stopped"
)

// Statuses lists every status in display order.
var Statuses = []JobStatus{StatusDownloading, StatusDone, StatusFailed, StatusStopped}

// InterruptedMessage is recorded on jobs found downloading at startup.
const InterruptedMessage = "interrupted by restart"

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusDownloading, StatusDone, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s JobStatus) IsTerminal() bool {
	return s == StatusDone
}

// CanRetry reports whether a job in status s may be restarted.
func (s JobStatus) CanRetry() bool {
	return s == StatusFailed || s == StatusStopped
}

// transitions is the job state machine. Creation into downloading is not a
// transition and is handled by the orchestrator.
var transitions = map[JobStatus][]JobStatus{
	StatusDownloading: {StatusDone, StatusFailed, StatusStopped},
	StatusFailed:      {StatusDownloading},
	StatusStopped:     {StatusDownloading},
}

// CheckTransition returns ErrIllegalTransition unless from -> to is allowed.
func CheckTransition(from, to JobStatus) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}

// Job is one tracked download.
type Job struct {
	ID              int64
	ExternalRef     string
	DisplayName     string
	SourceID        string
	Source          Source
	Status          JobStatus
	Progress        float64
	DownloadedBytes int64
	TotalBytes      int64
	Speed           float64
	ETASeconds      int64 // -1 when unknown
	Error           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Family returns the job's source family.
func (j *Job) Family() SourceFamily {
	if j.Source == nil {
		return ""
	}
	return j.Source.Family()
}

// SourceURL returns the original URL, or "" for chat-originated jobs.
func (j *Job) SourceURL() string {
	if src, ok := j.Source.(URLSource); ok {
		return src.URL
	}
	return ""
}

// PendingBytes returns the bytes still to transfer, 0 when unknown.
func (j *Job) PendingBytes() int64 {
	if j.TotalBytes <= j.DownloadedBytes {
		return 0
	}
	return j.TotalBytes - j.DownloadedBytes
}

// Progress is one adapter progress report.
type Progress struct {
	Downloaded int64
	Total      int64   // 0 when unknown
	Speed      float64 // bytes per second
	Name       string  // optional display name discovered mid-transfer
}

// FetchResult is what an adapter returns on completion.
type FetchResult struct {
	FinalPath string
	FinalSize int64
}

// InboundMessage is a file-bearing chat message.
type InboundMessage struct {
	ExternalRef string
	Filename    string
	MimeHint    string
	SizeHint    int64
}

// URLRequest asks for a download of an arbitrary URL.
type URLRequest struct {
	URL        string
	Format     string
	Resolution string
	TitleHint  string
	SizeHint   int64
	Ref        string // optional; a token is generated when empty
}

// Format describes one downloadable rendition reported by a probe.
type Format struct {
	FormatID   string
	Ext        string
	Resolution string
	Height     int
	Filesize   int64
	HasAudio   bool
}

// ProbeResult is the read-only check of a URL.
type ProbeResult struct {
	Supported bool
	Reason    string
	Title     string
	Duration  float64
	Ext       string
	Filesize  int64
	Formats   []Format
}

// DisplayName builds "title[-resolution].ext".
func DisplayName(title, resolution, ext string) string {
	if title == "" {
		title = "Unknown"
	}
	if ext == "" {
		ext = "mp4"
	}
	if resolution != "" && resolution != "best" {
		return fmt.Sprintf("%s-%s.%s", title, resolution, ext)
	}
	return fmt.Sprintf("%s.%s", title, ext)
}
