// Package logger implements the non-blocking, batched request-event logger.
//
// Events are written to an internal buffered channel and flushed in batches
// by a background goroutine — logging never blocks the proxy hot path. If
// the channel fills up (> 10 000 entries), new entries are dropped and
// counted in DroppedEvents. Events always go to slog; when a ClickHouse sink
// is attached they are additionally persisted there.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Event is one completed (or failed) proxied request. Prompt content is
// deliberately absent; the proxy does not store prompts.
type Event struct {
	RequestID    string
	Service      string
	Family       string
	Model        string
	KeyHash      string
	InputTokens  int64
	OutputTokens int64
	Retries      int
	LatencyMs    int64
	Status       int
	CreatedAt    time.Time
}

// Sink persists event batches. The ClickHouse sink implements this; nil
// means slog-only.
type Sink interface {
	WriteBatch(ctx context.Context, events []Event) error
	Close() error
}

// Logger is the async event fan-out.
type Logger struct {
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedEvents int64

	baseCtx context.Context
	log     *slog.Logger
	sink    Sink
}

// New creates a Logger. sink may be nil.
func New(ctx context.Context, slogger *slog.Logger, sink Sink) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan Event, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
		sink:    sink,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues an event. Never blocks.
func (l *Logger) Log(e Event) {
	select {
	case l.ch <- e:
	default:
		atomic.AddInt64(&l.droppedEvents, 1)
	}
}

// DroppedEvents reports how many events were shed under pressure.
func (l *Logger) DroppedEvents() int64 {
	return atomic.LoadInt64(&l.droppedEvents)
}

// Close drains the channel, flushes, and stops the worker.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	if l.sink != nil {
		return l.sink.Close()
	}
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			l.log.InfoContext(ctx, "proxied_request",
				slog.String("request_id", e.RequestID),
				slog.String("service", e.Service),
				slog.String("family", e.Family),
				slog.String("model", e.Model),
				slog.String("key", e.KeyHash),
				slog.Int64("input_tokens", e.InputTokens),
				slog.Int64("output_tokens", e.OutputTokens),
				slog.Int("retries", e.Retries),
				slog.Int64("latency_ms", e.LatencyMs),
				slog.Int("status", e.Status),
			)
		}
		if l.sink != nil {
			if err := l.sink.WriteBatch(ctx, batch); err != nil {
				l.log.WarnContext(ctx, "event_sink_error", slog.String("error", err.Error()))
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-l.ch:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case e := <-l.ch:
					batch = append(batch, e)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}
