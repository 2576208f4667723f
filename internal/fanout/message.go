package fanout

import "github.com/cwygoda/downlee/internal/domain"

// MessageType tags a live feed message.
type MessageType string

const (
	TypeSnapshot MessageType = "snapshot"
	TypeNew      MessageType = "new"
	TypeProgress MessageType = "progress"
	TypeStatus   MessageType = "status"
	TypeDeleted  MessageType = "deleted"
	TypeStats    MessageType = "stats"
)

// Message is one live feed frame.
type Message struct {
	Type MessageType `json:"type"`
	Data any         `json:"data"`
}

// JobView is the JSON form of a job, shared with the REST API.
type JobView struct {
	ID              int64            `json:"id"`
	ExternalRef     string           `json:"external_ref"`
	DisplayName     string           `json:"display_name"`
	SourceID        string           `json:"source_id"`
	SourceURL       *string          `json:"source_url"`
	Status          domain.JobStatus `json:"status"`
	Progress        float64          `json:"progress"`
	DownloadedBytes int64            `json:"downloaded_bytes"`
	TotalBytes      int64            `json:"total_bytes"`
	Speed           float64          `json:"speed"`
	ETA             *int64           `json:"eta"`
	Error           *string          `json:"error"`
	CreatedAt       string           `json:"created_at"`
	UpdatedAt       string           `json:"updated_at"`
}

// ProgressView carries the transfer fields of a job.
type ProgressView struct {
	ID              int64   `json:"id"`
	ExternalRef     string  `json:"external_ref"`
	DisplayName     string  `json:"display_name"`
	Progress        float64 `json:"progress"`
	DownloadedBytes int64   `json:"downloaded_bytes"`
	TotalBytes      int64   `json:"total_bytes"`
	Speed           float64 `json:"speed"`
	ETA             *int64  `json:"eta"`
}

// StatusView announces a status change.
type StatusView struct {
	ID          int64            `json:"id"`
	ExternalRef string           `json:"external_ref"`
	Status      domain.JobStatus `json:"status"`
	Error       *string          `json:"error,omitempty"`
}

// DeletedView announces a removed job.
type DeletedView struct {
	ID          int64  `json:"id"`
	ExternalRef string `json:"external_ref"`
}

// StatsView is the JSON form of domain.Stats.
type StatsView struct {
	TotalDownloaded int64          `json:"total_downloaded"`
	PendingBytes    int64          `json:"pending_bytes"`
	TotalSpeed      float64        `json:"total_speed"`
	Counts          map[string]int `json:"counts"`
	Total           int            `json:"total"`
}

// SnapshotView is sent to a viewer before any delta.
type SnapshotView struct {
	Jobs  []JobView `json:"jobs"`
	Stats StatsView `json:"stats"`
}

const timeLayout = "2006-01-02T15:04:05Z"

func optional[T comparable](v T, ok bool) *T {
	if !ok {
		return nil
	}
	return &v
}

// NewJobView converts a job.
func NewJobView(j domain.Job) JobView {
	url := j.SourceURL()
	return JobView{
		ID:              j.ID,
		ExternalRef:     j.ExternalRef,
		DisplayName:     j.DisplayName,
		SourceID:        j.SourceID,
		SourceURL:       optional(url, url != ""),
		Status:          j.Status,
		Progress:        j.Progress,
		DownloadedBytes: j.DownloadedBytes,
		TotalBytes:      j.TotalBytes,
		Speed:           j.Speed,
		ETA:             optional(j.ETASeconds, j.ETASeconds >= 0),
		Error:           optional(j.Error, j.Error != ""),
		CreatedAt:       j.CreatedAt.UTC().Format(timeLayout),
		UpdatedAt:       j.UpdatedAt.UTC().Format(timeLayout),
	}
}

// NewStatsView converts stats.
func NewStatsView(s domain.Stats) StatsView {
	counts := make(map[string]int, len(domain.Statuses))
	for _, st := range domain.Statuses {
		counts[string(st)] = s.Counts[st]
	}
	return StatsView{
		TotalDownloaded: s.TotalDownloaded,
		PendingBytes:    s.PendingBytes,
		TotalSpeed:      s.TotalSpeed,
		Counts:          counts,
		Total:           s.Total,
	}
}

// EventMessage converts an orchestrator event into its feed message.
func EventMessage(ev domain.Event) Message {
	j := ev.Job
	switch ev.Kind {
	case domain.EventProgress:
		return Message{Type: TypeProgress, Data: ProgressView{
			ID:              j.ID,
			ExternalRef:     j.ExternalRef,
			DisplayName:     j.DisplayName,
			Progress:        j.Progress,
			DownloadedBytes: j.DownloadedBytes,
			TotalBytes:      j.TotalBytes,
			Speed:           j.Speed,
			ETA:             optional(j.ETASeconds, j.ETASeconds >= 0),
		}}
	case domain.EventStatus:
		return Message{Type: TypeStatus, Data: StatusView{
			ID:          j.ID,
			ExternalRef: j.ExternalRef,
			Status:      j.Status,
			Error:       optional(j.Error, j.Error != ""),
		}}
	case domain.EventDeleted:
		return Message{Type: TypeDeleted, Data: DeletedView{ID: j.ID, ExternalRef: j.ExternalRef}}
	default:
		return Message{Type: TypeNew, Data: NewJobView(j)}
	}
}

func statsMessage(s domain.Stats) Message {
	return Message{Type: TypeStats, Data: NewStatsView(s)}
}
