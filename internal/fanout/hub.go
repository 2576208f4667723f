// Package fanout delivers job changes to live viewers and keeps the
// aggregate stats. A single dispatcher goroutine owns all state, so per-job
// event order is the order of Publish calls.
package fanout

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/cwygoda/downlee/internal/domain"
)

// ErrClosed is returned by calls on a hub that is not running.
var ErrClosed = errors.New("fanout hub closed")

// Viewer is one live feed connection.
type Viewer interface {
	// Send queues m without blocking. False means the viewer cannot keep
	// up and is dropped.
	Send(m Message) bool
	Close()
}

// Listener observes every applied event on the dispatcher goroutine. prev is
// nil when the job was unknown. Observe must not block.
type Listener interface {
	Observe(ev domain.Event, prev *domain.Job, stats domain.Stats)
}

// Hub fans job events out to viewers.
type Hub struct {
	statsInterval time.Duration

	mu      sync.Mutex
	queue   []func()
	running bool
	wake    chan struct{}
	quit    chan struct{}
	done    chan struct{}

	// dispatcher state
	jobs       map[int64]domain.Job
	deleted    map[int64]struct{}
	stats      domain.Stats
	statsDirty bool
	viewers    map[Viewer]struct{}
	listeners  []Listener
}

// NewHub creates a hub that flushes throttled stats every statsInterval.
func NewHub(statsInterval time.Duration) *Hub {
	if statsInterval <= 0 {
		statsInterval = time.Second
	}
	return &Hub{
		statsInterval: statsInterval,
		wake:          make(chan struct{}, 1),
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
		jobs:          make(map[int64]domain.Job),
		deleted:       make(map[int64]struct{}),
		stats:         domain.NewStats(),
		viewers:       make(map[Viewer]struct{}),
	}
}

// AddListener registers l. Call before Start.
func (h *Hub) AddListener(l Listener) {
	h.listeners = append(h.listeners, l)
}

// Start launches the dispatcher.
func (h *Hub) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.running = true
	go h.run()
}

// Close stops the dispatcher after draining queued work and disconnects
// every viewer.
func (h *Hub) Close() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()

	close(h.quit)
	<-h.done
}

// Publish queues an event. It never blocks.
func (h *Hub) Publish(ev domain.Event) {
	h.enqueue(func() { h.apply(ev) })
}

// Join adds a viewer. It receives a snapshot before any delta.
func (h *Hub) Join(v Viewer) {
	if !h.enqueue(func() {
		h.viewers[v] = struct{}{}
		h.send(v, h.snapshot())
	}) {
		v.Close()
	}
}

// Leave removes a viewer without closing it.
func (h *Hub) Leave(v Viewer) {
	h.enqueue(func() { delete(h.viewers, v) })
}

// Refresh sends v a fresh snapshot.
func (h *Hub) Refresh(v Viewer) {
	h.enqueue(func() {
		if _, ok := h.viewers[v]; ok {
			h.send(v, h.snapshot())
		}
	})
}

// Stats returns the current aggregate stats.
func (h *Hub) Stats(ctx context.Context) (domain.Stats, error) {
	reply := make(chan domain.Stats, 1)
	if !h.enqueue(func() { reply <- h.stats.Clone() }) {
		return domain.Stats{}, ErrClosed
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return domain.Stats{}, ctx.Err()
	}
}

// Resync replaces the aggregator state with rows read from the store at
// readAt. Changes published after readAt win over the rows. It reports
// whether the incremental stats had drifted.
func (h *Hub) Resync(ctx context.Context, rows []domain.Job, readAt time.Time) (bool, error) {
	reply := make(chan bool, 1)
	if !h.enqueue(func() { reply <- h.reconcile(rows, readAt) }) {
		return false, ErrClosed
	}
	select {
	case drift := <-reply:
		return drift, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (h *Hub) enqueue(op func()) bool {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return false
	}
	h.queue = append(h.queue, op)
	h.mu.Unlock()

	select {
	case h.wake <- struct{}{}:
	default:
	}
	return true
}

func (h *Hub) take() []func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	ops := h.queue
	h.queue = nil
	return ops
}

func (h *Hub) run() {
	defer close(h.done)
	ticker := time.NewTicker(h.statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.wake:
			h.drain()
		case <-ticker.C:
			h.flushStats()
		case <-h.quit:
			h.drain()
			for v := range h.viewers {
				v.Close()
			}
			h.viewers = nil
			return
		}
	}
}

func (h *Hub) drain() {
	for ops := h.take(); len(ops) > 0; ops = h.take() {
		for _, op := range ops {
			op()
		}
	}
}

func (h *Hub) apply(ev domain.Event) {
	id := ev.Job.ID
	old, known := h.jobs[id]
	if known {
		h.stats.Sub(&old)
	}
	if ev.Kind == domain.EventDeleted {
		delete(h.jobs, id)
		h.deleted[id] = struct{}{}
	} else {
		j := ev.Job
		h.jobs[id] = j
		h.stats.Add(&j)
	}

	var prev *domain.Job
	if known {
		prev = &old
	}
	for _, l := range h.listeners {
		l.Observe(ev, prev, h.stats)
	}

	if !ev.Silent {
		h.broadcast(EventMessage(ev))
	}
	if ev.Kind == domain.EventProgress {
		h.statsDirty = true
		return
	}
	h.statsDirty = false
	h.broadcast(statsMessage(h.stats))
}

// reconcile rebuilds the job table from rows, keeping newer in-memory state.
func (h *Hub) reconcile(rows []domain.Job, readAt time.Time) bool {
	merged := make(map[int64]domain.Job, len(rows))
	for _, r := range rows {
		if _, gone := h.deleted[r.ID]; gone {
			continue
		}
		merged[r.ID] = r
	}
	for id, j := range h.jobs {
		if row, ok := merged[id]; ok {
			if j.UpdatedAt.After(row.UpdatedAt) {
				merged[id] = j
			}
			continue
		}
		if j.UpdatedAt.After(readAt) {
			merged[id] = j
		}
	}
	clear(h.deleted)

	fresh := domain.NewStats()
	for _, j := range merged {
		fresh.Add(&j)
	}
	drift := !fresh.Equal(h.stats)
	if drift {
		log.Printf("fanout: stats drifted, resynced %d jobs", len(merged))
	}
	h.jobs = merged
	h.stats = fresh
	if drift {
		h.statsDirty = false
		h.broadcast(statsMessage(h.stats))
	}
	return drift
}

func (h *Hub) flushStats() {
	if !h.statsDirty {
		return
	}
	h.statsDirty = false
	h.broadcast(statsMessage(h.stats))
}

func (h *Hub) snapshot() Message {
	active := make([]JobView, 0)
	for _, j := range h.jobs {
		if j.Status == domain.StatusDownloading {
			active = append(active, NewJobView(j))
		}
	}
	sort.Slice(active, func(a, b int) bool { return active[a].ID < active[b].ID })
	return Message{Type: TypeSnapshot, Data: SnapshotView{Jobs: active, Stats: NewStatsView(h.stats)}}
}

func (h *Hub) broadcast(m Message) {
	for v := range h.viewers {
		h.send(v, m)
	}
}

func (h *Hub) send(v Viewer, m Message) {
	if v.Send(m) {
		return
	}
	log.Printf("fanout: dropping slow viewer")
	delete(h.viewers, v)
	v.Close()
}
