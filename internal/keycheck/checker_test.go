package keycheck

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/yomyoms/oai-proxy-mod/internal/keypool"
	"github.com/yomyoms/oai-proxy-mod/internal/models"
)

// fakeProber scripts probe results per key hash.
type fakeProber struct {
	mu     sync.Mutex
	checks map[string]int
	fail   map[string]error
}

func newFakeProber() *fakeProber {
	return &fakeProber{checks: make(map[string]int), fail: make(map[string]error)}
}

func (p *fakeProber) Check(_ context.Context, key keypool.Key, store *keypool.Store) error {
	p.mu.Lock()
	p.checks[key.Hash]++
	err := p.fail[key.Hash]
	p.mu.Unlock()
	if err != nil {
		return err
	}
	store.Update(key.Hash, func(k *keypool.Key) { k.ModelIDs = []string{"probed"} })
	return nil
}

func (p *fakeProber) count(hash string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checks[hash]
}

func TestSweep_ProbesUncheckedKeys(t *testing.T) {
	store := keypool.NewOpenAIStore([]string{"sk-a", "sk-b"}, []models.Family{models.Turbo})
	prober := newFakeProber()
	c := New(store, prober, nil)

	c.sweep(context.Background())

	for _, k := range store.List() {
		if prober.count(k.Hash) != 1 {
			t.Errorf("key %s probed %d times, want 1", k.Hash, prober.count(k.Hash))
		}
		if k.LastChecked == 0 {
			t.Errorf("key %s LastChecked not stamped", k.Hash)
		}
		if len(k.ModelIDs) == 0 {
			t.Errorf("key %s not updated by probe", k.Hash)
		}
	}
}

func TestSweep_NoRepeatBeforeInterval(t *testing.T) {
	store := keypool.NewOpenAIStore([]string{"sk-a"}, []models.Family{models.Turbo})
	prober := newFakeProber()
	c := New(store, prober, nil)
	hash := store.List()[0].Hash

	c.sweep(context.Background())
	c.sweep(context.Background())

	if prober.count(hash) != 1 {
		t.Errorf("key probed %d times within one interval, want 1", prober.count(hash))
	}
}

func TestSweep_RecurringAfterInterval(t *testing.T) {
	store := keypool.NewOpenAIStore([]string{"sk-a"}, []models.Family{models.Turbo})
	prober := newFakeProber()
	c := New(store, prober, nil)
	hash := store.List()[0].Hash

	now := time.Now()
	c.now = func() time.Time { return now }
	c.sweep(context.Background())

	c.now = func() time.Time { return now.Add(recheckInterval + time.Minute) }
	c.sweep(context.Background())

	if prober.count(hash) != 2 {
		t.Errorf("key probed %d times across two intervals, want 2", prober.count(hash))
	}
}

func TestSweep_TransientFailureRetriesSooner(t *testing.T) {
	store := keypool.NewOpenAIStore([]string{"sk-a"}, []models.Family{models.Turbo})
	prober := newFakeProber()
	hash := store.List()[0].Hash
	prober.fail[hash] = errors.New("rate limited during probe")

	c := New(store, prober, nil)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.sweep(context.Background())
	if prober.count(hash) != 1 {
		t.Fatalf("probe count = %d", prober.count(hash))
	}

	// Not yet due.
	c.now = func() time.Time { return now.Add(30 * time.Second) }
	c.sweep(context.Background())
	if prober.count(hash) != 1 {
		t.Fatal("transiently failed key re-probed too early")
	}

	// Due after the transient delay.
	prober.fail[hash] = nil
	c.now = func() time.Time { return now.Add(transientRetryDelay + time.Second) }
	c.sweep(context.Background())
	if prober.count(hash) != 2 {
		t.Errorf("probe count = %d, want 2 after transient delay", prober.count(hash))
	}
}

func TestRun_WakesOnRecheck(t *testing.T) {
	store := keypool.NewOpenAIStore([]string{"sk-a"}, []models.Family{models.Turbo})
	prober := newFakeProber()
	c := New(store, prober, nil)
	hash := store.List()[0].Hash

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	deadline := time.After(2 * time.Second)
	for prober.count(hash) == 0 {
		select {
		case <-deadline:
			t.Fatal("initial probe never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}

	store.Recheck()

	deadline = time.After(2 * time.Second)
	for prober.count(hash) < 2 {
		select {
		case <-deadline:
			t.Fatal("Recheck did not trigger a fresh probe")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
