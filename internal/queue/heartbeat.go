package queue

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"time"
)

// Heartbeat constants.
const (
	// HeartbeatInterval is the SSE comment cadence for queued streams.
	HeartbeatInterval = 10 * time.Second

	// MinHeartbeatPayload and MaxHeartbeatPayload bound the padding size.
	MinHeartbeatPayload = 512
	MaxHeartbeatPayload = 16 * 1024

	// LoadThreshold is the queue depth above which heartbeat padding grows
	// and non-streaming clients are told to enable streaming.
	LoadThreshold = 50

	// PayloadScaleFactor controls how fast padding grows past the threshold.
	PayloadScaleFactor = 6

	// heartbeatStrikes is how many consecutive under-flushed heartbeats a
	// client may miss before its connection is destroyed.
	heartbeatStrikes = 3
)

// ErrClientUnresponsive is returned by Pump when the client stops draining
// heartbeats.
var ErrClientUnresponsive = errors.New("queue: client stopped draining heartbeats")

// flusher is the subset of bufio.Writer the heartbeater needs.
type flusher interface {
	io.Writer
	Flush() error
	Buffered() int
}

// Heartbeater keeps one queued streaming connection alive. It is driven by
// the connection's own stream-writer goroutine, so writes never race with
// the response body.
type Heartbeater struct {
	w        flusher
	load     func() int
	interval time.Duration
	rng      *rand.Rand
}

// NewHeartbeater builds a Heartbeater over the stream writer. load reports
// the current global queue depth.
func NewHeartbeater(w flusher, load func() int) *Heartbeater {
	return &Heartbeater{
		w:        w,
		load:     load,
		interval: HeartbeatInterval,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetInterval overrides the heartbeat cadence. Tests only.
func (h *Heartbeater) SetInterval(d time.Duration) { h.interval = d }

// WriteJoin announces the queue position and estimated wait, then flushes.
// A client that cannot drain this small comment is already dead.
func (h *Heartbeater) WriteJoin(position int, estWait time.Duration) error {
	_, err := fmt.Fprintf(h.w, ": joining queue at position %d (est. wait %ds)\n\n",
		position, int(estWait.Seconds()))
	if err != nil {
		return err
	}
	return h.w.Flush()
}

// Pump writes heartbeats until ready fires, the request aborts, or the
// client stops draining. Returns nil on dequeue, a generic "aborted while
// queued" error on abort, or ErrClientUnresponsive.
func (h *Heartbeater) Pump(ready, aborted <-chan struct{}) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	strikes := 0
	for {
		select {
		case <-ready:
			return nil
		case <-aborted:
			return errors.New("queue: request aborted while queued")
		case <-ticker.C:
			size := h.payloadSize()
			if err := h.writeHeartbeat(size); err != nil || h.w.Buffered() > size/2 {
				strikes++
				if strikes >= heartbeatStrikes {
					return ErrClientUnresponsive
				}
				continue
			}
			strikes = 0
		}
	}
}

// writeHeartbeat emits one SSE comment of random base64 padding.
func (h *Heartbeater) writeHeartbeat(size int) error {
	raw := make([]byte, size*3/4)
	h.rng.Read(raw)
	if _, err := fmt.Fprintf(h.w, ": %s\n\n", base64.StdEncoding.EncodeToString(raw)); err != nil {
		return err
	}
	return h.w.Flush()
}

// payloadSize scales padding quadratically with load above the threshold so
// proxies and scrapers holding slots pay for the bytes.
func (h *Heartbeater) payloadSize() int {
	load := h.load()
	if load <= LoadThreshold {
		return MinHeartbeatPayload
	}
	over := load - LoadThreshold
	size := MinHeartbeatPayload + over*over*PayloadScaleFactor*PayloadScaleFactor
	if size > MaxHeartbeatPayload {
		return MaxHeartbeatPayload
	}
	return size
}
