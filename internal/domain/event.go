package domain

// EventKind tags a job change notification.
type EventKind string

const (
	EventNew      EventKind = "new"
	EventProgress EventKind = "progress"
	EventStatus   EventKind = "status"
	EventDeleted  EventKind = "deleted"
)

// Event carries the job state right after a change.
type Event struct {
	Kind EventKind
	Job  Job
	// Silent events update aggregates but are not forwarded to viewers.
	Silent bool
}
