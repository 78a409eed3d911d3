package proxy

import (
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/yomyoms/oai-proxy-mod/internal/queue"
	"github.com/yomyoms/oai-proxy-mod/internal/request"
	"github.com/yomyoms/oai-proxy-mod/internal/response"
	"github.com/yomyoms/oai-proxy-mod/internal/translate"
	"github.com/yomyoms/oai-proxy-mod/pkg/apierr"
)

// disallowedResponseHeaders are never copied from the upstream.
var disallowedResponseHeaders = []string{
	"Set-Cookie", "Openai-Organization", "X-Request-Id",
	"Content-Encoding", "Content-Length", "Transfer-Encoding", "Connection",
}

// serveBlocking waits for dispatch and buffers the whole exchange. Retryable
// upstream failures loop back through the queue invisibly.
func (g *Gateway) serveBlocking(ctx *fasthttp.RequestCtx, entry *queue.Entry, start time.Time) {
	req := entry.Req

	for {
		select {
		case <-entry.Ready():
		case <-req.Aborted():
			g.queue.Remove(entry)
			apierr.Write(ctx, req.InboundFormat,
				apierr.Wrap(apierr.KindUpstreamFatal, req.AbortErr(), "request timed out in the queue"))
			return
		}

		mgr := request.NewManager(req)
		if err := g.mut.Run(g.baseCtx, mgr); err != nil {
			// Mutator failures surface immediately; they never retry.
			req.Abort(err)
			apierr.Write(ctx, req.InboundFormat, err)
			return
		}

		resp, cancel, err := g.dispatch(req)
		if err != nil {
			retried, err := g.applyOutcome(entry, mgr, retryableOutcome(err))
			if retried {
				continue
			}
			req.Abort(err)
			apierr.Write(ctx, req.InboundFormat, err)
			return
		}

		body, readErr := response.ReadBody(resp)
		resp.Body.Close()
		cancel()
		if readErr != nil {
			retried, err := g.applyOutcome(entry, mgr, retryableOutcome(readErr))
			if retried {
				continue
			}
			apierr.Write(ctx, req.InboundFormat, err)
			return
		}

		out := response.Classify(req.Service, resp.StatusCode, resp.Header, body)
		if out.Err != nil || out.Retry {
			retried, err := g.applyOutcome(entry, mgr, out)
			if retried {
				continue
			}
			apierr.Write(ctx, req.InboundFormat, err)
			return
		}

		// Success: the attempt's mutations are no longer needed.
		mgr.Revert()

		completion, parseErr := translate.ParseResponse(req.OutboundFormat, body)
		if parseErr != nil && req.InboundFormat != req.OutboundFormat {
			apierr.Write(ctx, req.InboundFormat,
				apierr.Wrap(apierr.KindUpstreamFatal, parseErr, "upstream response cannot be translated"))
			return
		}

		g.accountUsage(req, completion, fasthttp.StatusOK, start)

		var payload []byte
		if req.InboundFormat == req.OutboundFormat {
			payload = body
		} else {
			payload, parseErr = translate.RenderResponse(req.InboundFormat, completion)
			if parseErr != nil {
				apierr.Write(ctx, req.InboundFormat,
					apierr.Wrap(apierr.KindUpstreamFatal, parseErr, "response rendering failed"))
				return
			}
		}

		copyResponseHeaders(ctx, resp.Header)
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetContentType("application/json")
		ctx.SetBody(payload)

		g.log.Debug("response_ok",
			slog.String("request_id", req.ID),
			slog.String("key", req.Key.Hash),
			slog.Int("retries", req.RetryCount),
			slog.Int64("input_tokens", completion.PromptTokens),
			slog.Int64("output_tokens", completion.OutputTokens),
			slog.Duration("elapsed", time.Since(start)),
		)
		return
	}
}

// retryableOutcome wraps pre-classification failures (network errors, body
// read errors) into the outcome table.
func retryableOutcome(err error) response.Outcome {
	if apierr.IsRetryable(err) {
		return response.Outcome{Retry: true}
	}
	if e, ok := err.(*apierr.Error); ok {
		return response.Outcome{Err: e}
	}
	return response.Outcome{Err: apierr.Wrap(apierr.KindUpstreamFatal, err, apierr.Message(err))}
}

func copyResponseHeaders(ctx *fasthttp.RequestCtx, headers map[string][]string) {
	for name, values := range headers {
		if disallowedHeader(name) || len(values) == 0 {
			continue
		}
		ctx.Response.Header.Set(name, values[0])
	}
}

func disallowedHeader(name string) bool {
	for _, banned := range disallowedResponseHeaders {
		if banned == name {
			return true
		}
	}
	return false
}
