package proxy

import (
	"bufio"
	"log/slog"
	"net/http"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/yomyoms/oai-proxy-mod/internal/queue"
	"github.com/yomyoms/oai-proxy-mod/internal/request"
	"github.com/yomyoms/oai-proxy-mod/internal/response"
	"github.com/yomyoms/oai-proxy-mod/internal/sse"
	"github.com/yomyoms/oai-proxy-mod/pkg/apierr"
)

// serveStreaming initializes the SSE response immediately — the "joining at
// position N" comment goes out before dispatch — then pumps heartbeats while
// queued and pipes the upstream stream through the translation pipeline once
// dispatched.
func (g *Gateway) serveStreaming(ctx *fasthttp.RequestCtx, entry *queue.Entry, position int, start time.Time) {
	req := entry.Req

	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { _ = recover() }()

		hb := queue.NewHeartbeater(w, g.queue.Load)
		if err := hb.WriteJoin(position, g.queue.EstimatedWait(req.ModelFamily)); err != nil {
			req.Abort(err)
			return
		}

		g.streamLoop(w, hb, entry, start)
	})
}

// streamLoop is the streaming attempt loop: heartbeat while queued, then
// mutate, dispatch, and pipe. Retryable failures before any client-visible
// content re-enqueue and keep the heartbeats flowing.
func (g *Gateway) streamLoop(w *bufio.Writer, hb *queue.Heartbeater, entry *queue.Entry, start time.Time) {
	req := entry.Req

	encoder, err := sse.NewEncoder(req.InboundFormat)
	if err != nil {
		g.writeStreamError(w, nil, req, err)
		return
	}
	agg := sse.NewAggregator()
	wroteContent := false

	for {
		if err := hb.Pump(entry.Ready(), req.Aborted()); err != nil {
			// Client gone or unresponsive while queued.
			g.queue.Remove(entry)
			req.Abort(err)
			if g.metrics != nil && err == queue.ErrClientUnresponsive {
				g.metrics.RecordHeartbeatDisconnect()
			}
			return
		}
		select {
		case <-req.Aborted():
			g.queue.Remove(entry)
			return
		default:
		}

		mgr := request.NewManager(req)
		if err := g.mut.Run(g.baseCtx, mgr); err != nil {
			g.writeStreamError(w, encoder, req, err)
			return
		}

		resp, cancel, err := g.dispatch(req)
		if err != nil {
			if retried, surfaced := g.applyOutcome(entry, mgr, retryableOutcome(err)); retried {
				continue
			} else {
				g.writeStreamError(w, encoder, req, surfaced)
				return
			}
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := response.ReadBody(resp)
			resp.Body.Close()
			cancel()
			out := response.Classify(req.Service, resp.StatusCode, resp.Header, body)
			retried, surfaced := g.applyOutcome(entry, mgr, out)
			if retried {
				continue
			}
			if surfaced == nil {
				surfaced = apierr.New(apierr.KindUpstreamFatal, "upstream returned status %d", resp.StatusCode)
			}
			g.writeStreamError(w, encoder, req, surfaced)
			return
		}

		// 2xx: pipe the stream.
		outcome := g.pipeStream(w, resp, encoder, agg, req, &wroteContent)
		resp.Body.Close()
		cancel()

		if outcome.retryable && !wroteContent {
			// Nothing client-visible happened; this attempt can vanish and
			// a later one produce the whole completion.
			agg = sse.NewAggregator()
			if retried, surfaced := g.applyOutcome(entry, mgr, response.Outcome{
				Retry:           true,
				MarkRateLimited: outcome.markRateLimited,
			}); retried {
				continue
			} else if surfaced != nil {
				g.writeStreamError(w, encoder, req, surfaced)
				return
			}
		}

		if outcome.markRateLimited && req.HasKey {
			g.pool.MarkRateLimited(req.Key)
		}

		if outcome.err != nil && agg.Events() == 0 {
			g.writeStreamError(w, encoder, req, outcome.err)
			return
		}

		// Stream finished (or died with partial content aggregated —
		// §"if any events were aggregated, continue to accounting").
		completion := agg.Completion()
		for _, frame := range encoder.Finish(completion) {
			w.Write(frame) //nolint:errcheck
		}
		w.Flush() //nolint:errcheck

		mgr.Revert()
		g.accountUsage(req, completion, fasthttp.StatusOK, start)
		g.log.Debug("stream_ok",
			slog.String("request_id", req.ID),
			slog.String("key", req.Key.Hash),
			slog.Int("retries", req.RetryCount),
			slog.Int64("output_tokens", completion.OutputTokens),
			slog.Duration("elapsed", time.Since(start)),
		)
		return
	}
}

// streamOutcome describes how an upstream stream ended.
type streamOutcome struct {
	err             *apierr.Error
	retryable       bool
	markRateLimited bool
}

// pipeStream decodes, adapts, re-encodes, and flushes the
// upstream stream to the client while aggregating the canonical response.
func (g *Gateway) pipeStream(w *bufio.Writer, resp *http.Response, encoder sse.Encoder,
	agg *sse.Aggregator, req *request.Request, wroteContent *bool) streamOutcome {

	bodyReader, err := response.DecompressStream(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return streamOutcome{err: apierr.Wrap(apierr.KindUpstreamFatal, err, "cannot decode upstream stream")}
	}

	adapter, err := sse.NewAdapter(req.OutboundFormat)
	if err != nil {
		return streamOutcome{err: apierr.Wrap(apierr.KindUpstreamFatal, err, "unsupported upstream stream format")}
	}

	decoder := sse.NewDecoder(bodyReader, resp.Header.Get("Content-Type"))

	for {
		ev, ok := decoder.Next()
		if !ok {
			break
		}

		if throttled(ev) {
			return streamOutcome{retryable: true, markRateLimited: true,
				err: apierr.New(apierr.KindRetryableUpstream, "upstream throttled the stream")}
		}

		chunks, done, adaptErr := adapter.Adapt(ev)
		if adaptErr != nil {
			return streamOutcome{retryable: true,
				err: apierr.Wrap(apierr.KindUpstreamFatal, adaptErr, "upstream stream produced malformed events")}
		}
		for _, ch := range chunks {
			agg.Add(ch)
			for _, frame := range encoder.Encode(ch) {
				if ch.Content != "" {
					*wroteContent = true
				}
				if _, werr := w.Write(frame); werr != nil {
					req.Abort(werr)
					return streamOutcome{err: apierr.Wrap(apierr.KindClientAborted, werr, "client disconnected")}
				}
			}
			if werr := w.Flush(); werr != nil {
				req.Abort(werr)
				return streamOutcome{err: apierr.Wrap(apierr.KindClientAborted, werr, "client disconnected")}
			}
		}
		if done {
			return streamOutcome{}
		}
	}

	if derr := decoder.Err(); derr != nil {
		return streamOutcome{retryable: true,
			err: apierr.Wrap(apierr.KindRetryableUpstream, derr, "upstream stream ended abnormally")}
	}
	return streamOutcome{}
}

// throttled detects mid-stream rate-limit exceptions (AWS event-stream
// throttling envelopes and explicit provider error events).
func throttled(ev sse.Event) bool {
	switch ev.Name {
	case "exception:throttlingException", "exception:ThrottlingException":
		return true
	}
	return false
}

// writeStreamError emits the error as spoofed completion events followed by
// the format's terminal frames, so chat UIs render it in-line. The abort
// watcher pulls the entry from the queue if it is still there.
func (g *Gateway) writeStreamError(w *bufio.Writer, encoder sse.Encoder, req *request.Request, err error) {
	req.Abort(err)

	if encoder == nil {
		return
	}
	spoof := apierr.SpoofCompletion(err)
	for _, frame := range encoder.Encode(sse.Chunk{ID: spoof.ID, Content: spoof.Content}) {
		w.Write(frame) //nolint:errcheck
	}
	for _, frame := range encoder.Finish(spoof) {
		w.Write(frame) //nolint:errcheck
	}
	w.Flush() //nolint:errcheck

	g.log.Warn("stream_error",
		slog.String("request_id", req.ID),
		slog.String("error", err.Error()),
	)
}
