package processor

import (
	"time"

	"github.com/cwygoda/downlee/internal/domain"
)

// speedMeter smooths a byte counter into bytes per second.
type speedMeter struct {
	last      time.Time
	lastBytes int64
	rate      float64
}

func (m *speedMeter) update(bytes int64, now time.Time) float64 {
	if m.last.IsZero() {
		m.last, m.lastBytes = now, bytes
		return 0
	}
	dt := now.Sub(m.last).Seconds()
	if dt < 0.2 {
		return m.rate
	}
	inst := float64(bytes-m.lastBytes) / dt
	if inst < 0 {
		inst = 0
	}
	if m.rate == 0 {
		m.rate = inst
	} else {
		m.rate = 0.7*m.rate + 0.3*inst
	}
	m.last, m.lastBytes = now, bytes
	return m.rate
}

// progressWriter counts bytes written through it and reports them to an
// observer at most once per interval.
type progressWriter struct {
	obs      domain.ProgressObserver
	total    int64
	written  int64
	interval time.Duration
	now      func() time.Time

	meter    speedMeter
	reported time.Time
}

func newProgressWriter(obs domain.ProgressObserver, total int64, interval time.Duration) *progressWriter {
	return &progressWriter{obs: obs, total: total, interval: interval, now: time.Now}
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.written += int64(len(p))
	now := w.now()
	speed := w.meter.update(w.written, now)
	if now.Sub(w.reported) >= w.interval {
		w.reported = now
		w.obs.OnProgress(domain.Progress{Downloaded: w.written, Total: w.total, Speed: speed})
	}
	return len(p), nil
}

// flush reports the final count.
func (w *progressWriter) flush() {
	total := w.total
	if total < w.written {
		total = w.written
	}
	w.obs.OnProgress(domain.Progress{Downloaded: w.written, Total: total, Speed: w.meter.rate})
}
