package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/yomyoms/oai-proxy-mod/internal/models"
	"github.com/yomyoms/oai-proxy-mod/internal/request"
)

// stubLocks maps families to fixed lockout periods.
type stubLocks map[models.Family]time.Duration

func (s stubLocks) GetLockoutPeriod(f models.Family) time.Duration { return s[f] }

// newTestQueue builds a queue without background loops so tests drive ticks
// manually.
func newTestQueue(locks LockoutSource) *Queue {
	return &Queue{
		locks: locks,
		est:   NewEstimator(),
		now:   func() int64 { return time.Now().UnixMilli() },
		done:  make(chan struct{}),
	}
}

func newQueuedRequest(id, identity string, family models.Family) *request.Request {
	r := request.New(context.Background(), id, identity)
	r.ModelFamily = family
	return r
}

func TestEnqueue_PerIdentityLimit(t *testing.T) {
	q := newTestQueue(stubLocks{})

	first := newQueuedRequest("r1", "user-a", models.GPT4o)
	if _, _, err := q.Enqueue(first); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}

	second := newQueuedRequest("r2", "user-a", models.GPT4o)
	if _, _, err := q.Enqueue(second); !errors.Is(err, ErrTooManyRequests) {
		t.Fatalf("second enqueue err = %v, want ErrTooManyRequests", err)
	}

	other := newQueuedRequest("r3", "user-b", models.GPT4o)
	if _, pos, err := q.Enqueue(other); err != nil || pos != 2 {
		t.Fatalf("different identity: err=%v pos=%d, want nil/2", err, pos)
	}
}

func TestTick_PartitionIsolation(t *testing.T) {
	locks := stubLocks{models.ClaudeOpus: 2 * time.Second}
	q := newTestQueue(locks)

	opus := newQueuedRequest("r1", "user-a", models.ClaudeOpus)
	gpt := newQueuedRequest("r2", "user-b", models.GPT4o)
	opusEntry, _, _ := q.Enqueue(opus)
	gptEntry, _, _ := q.Enqueue(gpt)

	q.tick()

	select {
	case <-gptEntry.Ready():
	default:
		t.Error("gpt4o entry not dispatched despite zero lockout")
	}
	select {
	case <-opusEntry.Ready():
		t.Error("claude-opus entry dispatched while family locked out")
	default:
	}
	if q.SizeByFamily(models.ClaudeOpus) != 1 {
		t.Error("locked-out partition lost its entry")
	}
}

func TestTick_CostWeightedSelection(t *testing.T) {
	q := newTestQueue(stubLocks{})
	base := time.Now().UnixMilli()

	// Older but enormous prompt vs slightly newer tiny prompt.
	big := newQueuedRequest("big", "user-a", models.GPT4o)
	big.PromptTokens, big.OutputTokens = 4000, 1000
	small := newQueuedRequest("small", "user-b", models.GPT4o)
	small.PromptTokens = 10

	bigEntry, _, _ := q.Enqueue(big)
	smallEntry, _, _ := q.Enqueue(small)
	// Pin deterministic start times: big joined 5s earlier, but its token
	// penalty (5000 tokens × 2 ms) outweighs the head start.
	big.StartTime = base - 5000
	small.StartTime = base

	q.tick()

	select {
	case <-smallEntry.Ready():
	default:
		t.Error("cheap request should dispatch first under token weighting")
	}
	select {
	case <-bigEntry.Ready():
		t.Error("only one entry per family may dispatch per tick")
	default:
	}
}

func TestAbort_RemovesFromQueue(t *testing.T) {
	q := newTestQueue(stubLocks{})
	req := newQueuedRequest("r1", "user-a", models.Claude)
	entry, _, _ := q.Enqueue(req)

	req.Abort(context.Canceled)

	deadline := time.After(time.Second)
	for q.SizeByFamily(models.Claude) != 0 {
		select {
		case <-deadline:
			t.Fatal("aborted entry not removed from queue")
		case <-time.After(5 * time.Millisecond):
		}
	}
	_ = entry
}

func TestReapStalled(t *testing.T) {
	q := newTestQueue(stubLocks{})
	req := newQueuedRequest("r1", "user-a", models.Claude)
	_, _, err := q.Enqueue(req)
	if err != nil {
		t.Fatal(err)
	}
	req.StartTime = time.Now().UnixMilli() - MaxQueueAge.Milliseconds() - 1000

	q.reapStalled()

	if q.Load() != 0 {
		t.Error("stalled entry survived the reaper")
	}
	if !errors.Is(req.AbortErr(), ErrQueueTimeout) {
		t.Errorf("abort cause = %v, want ErrQueueTimeout", req.AbortErr())
	}
}

func TestReenqueue_KeepsStartTimeAndCountsRetry(t *testing.T) {
	q := newTestQueue(stubLocks{})
	req := newQueuedRequest("r1", "user-a", models.Claude)
	entry, _, _ := q.Enqueue(req)
	start := req.StartTime

	q.tick()
	<-entry.Ready()

	q.Reenqueue(entry)

	if req.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", req.RetryCount)
	}
	if req.StartTime != start {
		t.Error("re-enqueue must not refresh StartTime")
	}
	select {
	case <-entry.Ready():
		t.Error("re-enqueued entry must have a fresh, unfired ready channel")
	default:
	}

	q.tick()
	select {
	case <-entry.Ready():
	default:
		t.Error("re-enqueued entry not dispatched on the next tick")
	}
}

func TestEstimator_DecaysWhenDrained(t *testing.T) {
	e := NewEstimator()
	now := time.Now().UnixMilli()

	e.RecordSample(models.GPT4o, now-8000, now-2000) // 6 s wait
	e.Tick(now, map[models.Family]int64{models.GPT4o: 4000})
	first := e.Estimate(models.GPT4o)
	if first <= 0 {
		t.Fatal("estimate should be positive after a sample")
	}

	// Queue drains; no new arrivals. The estimate must be non-increasing.
	prev := first
	for i := 0; i < 10; i++ {
		e.Tick(now, nil)
		cur := e.Estimate(models.GPT4o)
		if cur > prev {
			t.Fatalf("estimate increased from %v to %v with no arrivals", prev, cur)
		}
		prev = cur
	}
}

func TestEstimator_PruneDropsOldSamples(t *testing.T) {
	e := NewEstimator()
	now := time.Now().UnixMilli()
	e.RecordSample(models.GPT4o, now-20*60_000, now-10*60_000)
	e.Prune(now)

	e.Tick(now, nil)
	if got := e.Estimate(models.GPT4o); got != 0 {
		t.Errorf("estimate from pruned samples = %v, want 0", got)
	}
}
