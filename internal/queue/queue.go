// Package queue implements the partitioned request queue and its scheduler.
//
// There is one global ordered list of requests; partitions are computed on
// demand by filtering on model family. The scheduler drains each partition
// only while its key pool reports a zero lockout, picking the entry with the
// lowest token-weighted deadline. Streaming clients are kept alive with SSE
// comment heartbeats while they wait.
package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/yomyoms/oai-proxy-mod/internal/models"
	"github.com/yomyoms/oai-proxy-mod/internal/request"
)

// Scheduling constants. Not user-tunable.
const (
	// TickInterval is the scheduler drain cadence.
	TickInterval = 50 * time.Millisecond

	// CleanupInterval is how often stalled entries are reaped.
	CleanupInterval = 20 * time.Second

	// MaxQueueAge is the per-request wall-clock budget in the queue.
	MaxQueueAge = 5 * time.Minute

	// UserConcurrencyLimit is the number of queued requests one identity
	// may hold at once.
	UserConcurrencyLimit = 1

	// TokensPunishmentFactor weights large prompts in the dequeue rule, in
	// milliseconds of virtual queue age per token.
	TokensPunishmentFactor = 2
)

var (
	// ErrTooManyRequests rejects an identity already at its queue limit.
	ErrTooManyRequests = errors.New("queue: identity already has a queued request")

	// ErrQueueTimeout kills entries older than MaxQueueAge.
	ErrQueueTimeout = errors.New("queue: request timed out waiting for a key")

	// ErrShutdown kills entries when the queue stops.
	ErrShutdown = errors.New("queue: shutting down")
)

// Entry is one queued request plus its dequeue signal. The same Entry is
// reused across retries so the waiting goroutine and heartbeat loop survive
// re-enqueues untouched.
type Entry struct {
	Req *request.Request

	mu    sync.Mutex
	ready chan struct{}
}

// Ready returns the channel closed when the scheduler dequeues this entry.
// After a re-enqueue the channel is fresh; callers must re-read it.
func (e *Entry) Ready() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

func (e *Entry) rearm() {
	e.mu.Lock()
	e.ready = make(chan struct{})
	e.mu.Unlock()
}

func (e *Entry) fire() {
	e.mu.Lock()
	select {
	case <-e.ready:
	default:
		close(e.ready)
	}
	e.mu.Unlock()
}

// LockoutSource reports the remaining lockout for a family; the key pool
// implements it.
type LockoutSource interface {
	GetLockoutPeriod(models.Family) time.Duration
}

// Queue is the global request queue. All fields are guarded by mu; the
// scheduler goroutine and enqueue/abort handlers contend on it briefly.
type Queue struct {
	mu      sync.Mutex
	entries []*Entry

	locks LockoutSource
	est   *Estimator

	now func() int64

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Queue over the given lockout source and starts the scheduler,
// cleaner, and estimator loops.
func New(locks LockoutSource) *Queue {
	q := &Queue{
		locks: locks,
		est:   NewEstimator(),
		now:   func() int64 { return time.Now().UnixMilli() },
		done:  make(chan struct{}),
	}
	q.wg.Add(3)
	go q.runScheduler()
	go q.runCleaner()
	go q.runEstimator()
	return q
}

// Stop terminates the background loops and kills every queued entry.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.done) })
	q.wg.Wait()

	q.mu.Lock()
	entries := q.entries
	q.entries = nil
	q.mu.Unlock()
	for _, e := range entries {
		e.Req.Abort(ErrShutdown)
	}
}

// Enqueue admits req, enforcing the per-identity concurrency limit, and
// returns its Entry plus the 1-based position within the family partition.
// A goroutine watching the request's abort channel removes it on client
// disconnect.
func (q *Queue) Enqueue(req *request.Request) (*Entry, int, error) {
	q.mu.Lock()
	held := 0
	position := 1
	for _, e := range q.entries {
		if e.Req.Identity == req.Identity {
			held++
		}
		if e.Req.ModelFamily == req.ModelFamily {
			position++
		}
	}
	if held >= UserConcurrencyLimit {
		q.mu.Unlock()
		return nil, 0, ErrTooManyRequests
	}

	req.StartTime = q.now()
	entry := &Entry{Req: req, ready: make(chan struct{})}
	q.entries = append(q.entries, entry)
	q.mu.Unlock()

	q.watchAbort(entry)
	return entry, position, nil
}

// Reenqueue pushes a dequeued entry back for another attempt. The caller has
// already reverted the attempt's mutations. The entry keeps its original
// StartTime so a retry is dispatched ahead of a fresh request of the same
// weight; the abort watcher is re-bound because the previous one
// retired at dequeue.
func (q *Queue) Reenqueue(entry *Entry) {
	entry.Req.RetryCount++
	entry.rearm()

	q.mu.Lock()
	q.entries = append(q.entries, entry)
	q.mu.Unlock()

	q.watchAbort(entry)
}

// Remove deletes the entry if still queued. Reports whether it was present.
func (q *Queue) Remove(entry *Entry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e == entry {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Load returns the number of queued requests across all partitions.
func (q *Queue) Load() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// SizeByFamily returns the depth of one partition.
func (q *Queue) SizeByFamily(f models.Family) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.entries {
		if e.Req.ModelFamily == f {
			n++
		}
	}
	return n
}

// EstimatedWait returns the smoothed wait estimate for a family.
func (q *Queue) EstimatedWait(f models.Family) time.Duration {
	return q.est.Estimate(f)
}

// RecordCompletion feeds a finished request into the wait estimator.
func (q *Queue) RecordCompletion(req *request.Request, endMs int64) {
	q.est.RecordSample(req.ModelFamily, req.StartTime, endMs)
}

// watchAbort retires when the entry is dequeued or the request dies; an
// aborted entry is pulled out of the queue immediately.
func (q *Queue) watchAbort(entry *Entry) {
	ready := entry.Ready()
	go func() {
		select {
		case <-ready:
		case <-entry.Req.Aborted():
			q.Remove(entry)
		case <-q.done:
		}
	}()
}

// ── Scheduler ────────────────────────────────────────────────────────────────

func (q *Queue) runScheduler() {
	defer q.wg.Done()
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			q.tick()
		case <-q.done:
			return
		}
	}
}

// tick dispatches at most one request per unlocked family partition.
func (q *Queue) tick() {
	now := q.now()

	q.mu.Lock()
	families := make(map[models.Family]bool)
	for _, e := range q.entries {
		families[e.Req.ModelFamily] = true
	}
	q.mu.Unlock()

	for f := range families {
		if q.locks.GetLockoutPeriod(f) != 0 {
			continue
		}
		if entry := q.popMinCost(f); entry != nil {
			entry.Req.QueueOutTime = now
			entry.fire()
		}
	}
}

// popMinCost removes and returns the partition entry with the smallest
// token-weighted deadline: startTime + factor × (promptTokens+outputTokens).
// Large prompts age slightly slower, so cheap requests slip ahead under
// contention without starving anyone.
func (q *Queue) popMinCost(f models.Family) *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	best := -1
	var bestCost int64
	for i, e := range q.entries {
		if e.Req.ModelFamily != f {
			continue
		}
		cost := e.Req.StartTime + TokensPunishmentFactor*(e.Req.PromptTokens+e.Req.OutputTokens)
		if best == -1 || cost < bestCost {
			best, bestCost = i, cost
		}
	}
	if best == -1 {
		return nil
	}
	entry := q.entries[best]
	q.entries = append(q.entries[:best], q.entries[best+1:]...)
	return entry
}

// ── Cleaner ──────────────────────────────────────────────────────────────────

func (q *Queue) runCleaner() {
	defer q.wg.Done()
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			q.reapStalled()
			q.est.Prune(q.now())
		case <-q.done:
			return
		}
	}
}

func (q *Queue) reapStalled() {
	cutoff := q.now() - MaxQueueAge.Milliseconds()

	q.mu.Lock()
	var stalled []*Entry
	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.Req.StartTime < cutoff {
			stalled = append(stalled, e)
		} else {
			kept = append(kept, e)
		}
	}
	q.entries = kept
	q.mu.Unlock()

	for _, e := range stalled {
		e.Req.Abort(ErrQueueTimeout)
	}
}

// ── Estimator feed ───────────────────────────────────────────────────────────

func (q *Queue) runEstimator() {
	defer q.wg.Done()
	ticker := time.NewTicker(WaitTimeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			q.estimatorTick()
		case <-q.done:
			return
		}
	}
}

func (q *Queue) estimatorTick() {
	now := q.now()

	q.mu.Lock()
	longest := make(map[models.Family]int64)
	for _, e := range q.entries {
		if w := now - e.Req.StartTime; w > longest[e.Req.ModelFamily] {
			longest[e.Req.ModelFamily] = w
		}
	}
	q.mu.Unlock()

	q.est.Tick(now, longest)
}
