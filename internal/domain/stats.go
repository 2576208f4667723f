package domain

import "math"

// Stats is the dashboard summary over all jobs.
type Stats struct {
	TotalDownloaded int64
	PendingBytes    int64
	TotalSpeed      float64
	Counts          map[JobStatus]int
	Total           int
}

// NewStats returns empty stats with every status counter present.
func NewStats() Stats {
	s := Stats{Counts: make(map[JobStatus]int, len(Statuses))}
	for _, st := range Statuses {
		s.Counts[st] = 0
	}
	return s
}

// ComputeStats recomputes stats from scratch.
func ComputeStats(jobs []Job) Stats {
	s := NewStats()
	for i := range jobs {
		s.Add(&jobs[i])
	}
	return s
}

// Add folds j into the stats.
func (s *Stats) Add(j *Job) {
	s.apply(j, 1)
}

// Sub removes a previously added j from the stats.
func (s *Stats) Sub(j *Job) {
	s.apply(j, -1)
	if s.Counts[StatusDownloading] == 0 {
		// nothing active: clear float drift
		s.TotalSpeed = 0
		s.PendingBytes = 0
	}
}

func (s *Stats) apply(j *Job, sign int) {
	if s.Counts == nil {
		s.Counts = make(map[JobStatus]int)
	}
	s.Counts[j.Status] += sign
	s.Total += sign
	switch j.Status {
	case StatusDownloading:
		s.TotalDownloaded += int64(sign) * j.DownloadedBytes
		s.PendingBytes += int64(sign) * j.PendingBytes()
		s.TotalSpeed += float64(sign) * j.Speed
	case StatusDone:
		s.TotalDownloaded += int64(sign) * j.DownloadedBytes
	}
}

// Equal compares stats, allowing float rounding on speed.
func (s Stats) Equal(o Stats) bool {
	if s.TotalDownloaded != o.TotalDownloaded || s.PendingBytes != o.PendingBytes || s.Total != o.Total {
		return false
	}
	if math.Abs(s.TotalSpeed-o.TotalSpeed) > 1e-6*math.Max(1, math.Abs(o.TotalSpeed)) {
		return false
	}
	for _, st := range Statuses {
		if s.Counts[st] != o.Counts[st] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (s Stats) Clone() Stats {
	c := s
	c.Counts = make(map[JobStatus]int, len(s.Counts))
	for k, v := range s.Counts {
		c.Counts[k] = v
	}
	return c
}
