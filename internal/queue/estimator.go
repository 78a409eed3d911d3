package queue

import (
	"sync"
	"time"

	"github.com/yomyoms/oai-proxy-mod/internal/models"
)

const (
	// WaitTimeInterval is the estimator smoothing cadence.
	WaitTimeInterval = 3 * time.Second

	// SampleWindow is how long completed wait samples stay relevant.
	SampleWindow = 5 * time.Minute

	historicalAlpha = 0.2
	currentAlpha    = 0.3
)

// waitSample is one completed (partition, start, end) triple.
type waitSample struct {
	family models.Family
	start  int64
	end    int64
}

// Estimator smooths observed and in-progress wait times into a per-family
// estimate: the mean of a historical EMA over completed waits and a current
// EMA over the longest wait still in the queue.
type Estimator struct {
	mu      sync.Mutex
	samples []waitSample

	historical map[models.Family]float64
	current    map[models.Family]float64
	estimate   map[models.Family]float64
	lastTick   int64
}

// NewEstimator returns an empty Estimator.
func NewEstimator() *Estimator {
	return &Estimator{
		historical: make(map[models.Family]float64),
		current:    make(map[models.Family]float64),
		estimate:   make(map[models.Family]float64),
	}
}

// RecordSample adds a completed wait observation.
func (e *Estimator) RecordSample(f models.Family, startMs, endMs int64) {
	e.mu.Lock()
	e.samples = append(e.samples, waitSample{family: f, start: startMs, end: endMs})
	e.mu.Unlock()
}

// Prune drops samples older than the window.
func (e *Estimator) Prune(nowMs int64) {
	cutoff := nowMs - SampleWindow.Milliseconds()
	e.mu.Lock()
	kept := e.samples[:0]
	for _, s := range e.samples {
		if s.end >= cutoff {
			kept = append(kept, s)
		}
	}
	e.samples = kept
	e.mu.Unlock()
}

// Tick folds the recent-sample averages and the longest current waits into
// the EMAs. longest carries the per-family maximum age of queued entries;
// families absent from the map decay toward zero. A family's historical EMA
// moves only when a sample completed since the previous tick or when its
// window is empty, so a drained family's estimate never rises.
func (e *Estimator) Tick(nowMs int64, longest map[models.Family]int64) {
	cutoff := nowMs - SampleWindow.Milliseconds()

	e.mu.Lock()
	defer e.mu.Unlock()

	sums := make(map[models.Family]int64)
	counts := make(map[models.Family]int64)
	fresh := make(map[models.Family]bool)
	for _, s := range e.samples {
		if s.end < cutoff {
			continue
		}
		sums[s.family] += s.end - s.start
		counts[s.family]++
		if s.end > e.lastTick {
			fresh[s.family] = true
		}
	}
	e.lastTick = nowMs

	families := make(map[models.Family]bool)
	for f := range e.historical {
		families[f] = true
	}
	for f := range sums {
		families[f] = true
	}
	for f := range longest {
		families[f] = true
	}

	for f := range families {
		recent := 0.0
		if counts[f] > 0 {
			recent = float64(sums[f]) / float64(counts[f])
		}
		if fresh[f] || counts[f] == 0 {
			e.historical[f] = historicalAlpha*recent + (1-historicalAlpha)*e.historical[f]
		}
		e.current[f] = currentAlpha*float64(longest[f]) + (1-currentAlpha)*e.current[f]
		e.estimate[f] = (e.historical[f] + e.current[f]) / 2
	}
}

// Estimate returns the smoothed wait for a family.
func (e *Estimator) Estimate(f models.Family) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.Duration(e.estimate[f]) * time.Millisecond
}
