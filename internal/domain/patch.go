package domain

import (
	"fmt"
	"time"
)

// Patch lists the job fields that may change after creation. Nil fields are
// left untouched. Identity and origin fields have no entry and so cannot be
// patched.
type Patch struct {
	DisplayName     *string
	Status          *JobStatus
	Progress        *float64
	DownloadedBytes *int64
	TotalBytes      *int64
	Speed           *float64
	ETASeconds      *int64  // negative clears
	Error           *string // empty clears
	UpdatedAt       time.Time
}

// Validate rejects out-of-range values.
func (p Patch) Validate() error {
	if p.Status != nil && !p.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, *p.Status)
	}
	if p.Progress != nil && (*p.Progress < 0 || *p.Progress > 100) {
		return fmt.Errorf("%w: progress %.2f out of range", ErrValidation, *p.Progress)
	}
	if p.DownloadedBytes != nil && *p.DownloadedBytes < 0 {
		return fmt.Errorf("%w: negative downloaded bytes", ErrValidation)
	}
	if p.TotalBytes != nil && *p.TotalBytes < 0 {
		return fmt.Errorf("%w: negative total bytes", ErrValidation)
	}
	if p.Speed != nil && *p.Speed < 0 {
		return fmt.Errorf("%w: negative speed", ErrValidation)
	}
	if p.DisplayName != nil && *p.DisplayName == "" {
		return fmt.Errorf("%w: empty display name", ErrValidation)
	}
	return nil
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.DisplayName == nil && p.Status == nil && p.Progress == nil &&
		p.DownloadedBytes == nil && p.TotalBytes == nil && p.Speed == nil &&
		p.ETASeconds == nil && p.Error == nil
}

// Apply writes the patch onto j and bumps UpdatedAt.
func (p Patch) Apply(j *Job) {
	if p.DisplayName != nil {
		j.DisplayName = *p.DisplayName
	}
	if p.Status != nil {
		j.Status = *p.Status
	}
	if p.Progress != nil {
		j.Progress = *p.Progress
	}
	if p.DownloadedBytes != nil {
		j.DownloadedBytes = *p.DownloadedBytes
	}
	if p.TotalBytes != nil {
		j.TotalBytes = *p.TotalBytes
	}
	if p.Speed != nil {
		j.Speed = *p.Speed
	}
	if p.ETASeconds != nil {
		j.ETASeconds = *p.ETASeconds
		if j.ETASeconds < 0 {
			j.ETASeconds = -1
		}
	}
	if p.Error != nil {
		j.Error = *p.Error
	}
	if p.UpdatedAt.IsZero() {
		j.UpdatedAt = time.Now()
	} else {
		j.UpdatedAt = p.UpdatedAt
	}
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T {
	return &v
}
