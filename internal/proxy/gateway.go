// Package proxy is the client-facing HTTP server and the staged request
// lifecycle: preprocess → enqueue → dequeue → mutate → dispatch →
// response-handle. Mutations are reversible, so a retryable upstream failure
// rolls the attempt back and re-enqueues the same request transparently.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/yomyoms/oai-proxy-mod/internal/cache"
	"github.com/yomyoms/oai-proxy-mod/internal/keypool"
	"github.com/yomyoms/oai-proxy-mod/internal/logger"
	"github.com/yomyoms/oai-proxy-mod/internal/metrics"
	"github.com/yomyoms/oai-proxy-mod/internal/models"
	"github.com/yomyoms/oai-proxy-mod/internal/mutate"
	"github.com/yomyoms/oai-proxy-mod/internal/preprocess"
	"github.com/yomyoms/oai-proxy-mod/internal/queue"
	"github.com/yomyoms/oai-proxy-mod/internal/request"
	"github.com/yomyoms/oai-proxy-mod/internal/response"
	"github.com/yomyoms/oai-proxy-mod/internal/translate"
	"github.com/yomyoms/oai-proxy-mod/internal/user"
	"github.com/yomyoms/oai-proxy-mod/pkg/apierr"
)

// attemptTimeout bounds one blocking upstream attempt. Streaming attempts
// are bounded by the client connection instead.
const attemptTimeout = 2 * time.Minute

// userTokenHeader is the alternate queue-identity header for deployments
// that front the proxy with their own auth layer.
const userTokenHeader = "X-User-Token"

// Options configures a Gateway. Optional fields are nil-safe.
type Options struct {
	Logger   *slog.Logger
	Metrics  *metrics.Registry
	Events   *logger.Logger
	Resolver user.Resolver
	Quotas   *user.QuotaTracker

	// ModelsCache backs the 60 s /v1/models listing.
	ModelsCache cache.Cache

	CORSOrigins []string

	// Upstreams overrides the upstream base URL per service
	// (scheme://host[:port]). Used with the mock providers and in tests;
	// empty entries fall back to the real provider hosts.
	Upstreams map[models.Service]string
}

// Gateway wires the pipeline together. All dependencies are injected so
// tests can substitute deterministic doubles.
type Gateway struct {
	pool  *keypool.Pool
	queue *queue.Queue
	pre   *preprocess.Chain
	mut   *mutate.Chain

	log      *slog.Logger
	metrics  *metrics.Registry
	events   *logger.Logger
	resolver user.Resolver
	quotas   *user.QuotaTracker

	modelsCache cache.Cache
	corsOrigins []string
	upstreams   map[models.Service]string

	client  *http.Client
	baseCtx context.Context
}

// New creates a Gateway.
func New(ctx context.Context, pool *keypool.Pool, q *queue.Queue,
	pre *preprocess.Chain, mut *mutate.Chain, opts Options) *Gateway {
	if ctx == nil {
		panic("proxy: context must not be nil")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		pool:        pool,
		queue:       q,
		pre:         pre,
		mut:         mut,
		log:         log,
		metrics:     opts.Metrics,
		events:      opts.Events,
		resolver:    opts.Resolver,
		quotas:      opts.Quotas,
		modelsCache: opts.ModelsCache,
		corsOrigins: opts.CORSOrigins,
		upstreams:   opts.Upstreams,
		client:      &http.Client{},
		baseCtx:     ctx,
	}
}

// route fixes what the URL tells us before the body is parsed.
type route struct {
	name    string
	inbound translate.Format
	// service pins the upstream; zero means derive from the model name.
	service models.Service
}

// handleCompletion is the shared entry point for every completion-shaped
// route.
func (g *Gateway) handleCompletion(ctx *fasthttp.RequestCtx, rt route, model string, forceStream bool) {
	start := time.Now()
	if g.metrics != nil {
		g.metrics.IncInFlight()
		defer g.metrics.DecInFlight()
		defer func() {
			g.metrics.ObserveHTTP(rt.name, ctx.Response.StatusCode(), time.Since(start))
		}()
	}

	reqID, _ := ctx.UserValue("request_id").(string)

	// 1. Parse the body.
	var body map[string]any
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		apierr.WriteJSON(ctx, fasthttp.StatusBadRequest,
			apierr.New(apierr.KindBadRequest, "invalid JSON: %s", err.Error()))
		return
	}
	if model == "" {
		model, _ = body["model"].(string)
	} else {
		body["model"] = model
	}
	if model == "" {
		apierr.WriteJSON(ctx, fasthttp.StatusBadRequest,
			apierr.New(apierr.KindBadRequest, "field 'model' is required"))
		return
	}

	// 2. Resolve identity and routing.
	identity, err := g.resolveIdentity(ctx)
	if err != nil {
		apierr.Write(ctx, rt.inbound, err)
		return
	}

	family := models.FamilyOf(model)
	svc, ok := models.ServiceOf(family)
	if !ok {
		apierr.Write(ctx, rt.inbound, apierr.New(apierr.KindBadRequest, "unknown model %q", model))
		return
	}
	if rt.service != "" && rt.service != svc {
		apierr.Write(ctx, rt.inbound, apierr.New(apierr.KindBadRequest,
			"model %q is not served by this route", model))
		return
	}

	streaming := forceStream
	if v, ok := body["stream"].(bool); ok && v {
		streaming = true
	}

	req := request.New(g.baseCtx, reqID, identity)
	req.Model = model
	req.ModelFamily = family
	req.Service = svc
	req.InboundFormat = rt.inbound
	req.OutboundFormat = outboundFor(svc, family, rt.inbound)
	req.Streaming = streaming
	req.Body = body
	copyClientHeaders(ctx, req)

	g.log.Info("request",
		slog.String("request_id", reqID),
		slog.String("model", model),
		slog.String("family", string(family)),
		slog.String("service", string(svc)),
		slog.Bool("stream", streaming),
	)

	// 3. Preprocess (exactly once per request lifetime).
	in := preprocess.Input{
		Origin:   string(ctx.Request.Header.Peek("Origin")),
		Referer:  string(ctx.Request.Header.Peek("Referer")),
		ClientIP: ctx.RemoteIP().String(),
	}
	if err := g.pre.Run(g.baseCtx, req, in); err != nil {
		apierr.Write(ctx, rt.inbound, err)
		return
	}

	// 4. Backpressure: above the load threshold, non-streaming clients are
	// told to enable streaming instead of silently holding a connection.
	if !streaming && g.queue.Load() >= queue.LoadThreshold {
		apierr.Write(ctx, rt.inbound, apierr.New(apierr.KindBadRequest,
			"proxy is under heavy load; enable streaming (\"stream\": true) to queue"))
		return
	}

	// 5. Enqueue and run the attempt loop on the matching path.
	entry, position, err := g.queue.Enqueue(req)
	if err != nil {
		if err == queue.ErrTooManyRequests {
			apierr.Write(ctx, rt.inbound, apierr.New(apierr.KindTooManyRequests,
				"you already have a request in the queue"))
			return
		}
		apierr.Write(ctx, rt.inbound, apierr.Wrap(apierr.KindUpstreamFatal, err, "cannot enqueue request"))
		return
	}

	if g.metrics != nil {
		g.metrics.SetQueueDepth(string(family), g.queue.SizeByFamily(family))
		g.metrics.SetWaitEstimate(string(family), g.queue.EstimatedWait(family))
	}

	if streaming {
		g.serveStreaming(ctx, entry, position, start)
		return
	}
	g.serveBlocking(ctx, entry, start)
}

// resolveIdentity derives the queue identity: resolved user token when
// present, alternate identity header, else the client IP.
func (g *Gateway) resolveIdentity(ctx *fasthttp.RequestCtx) (string, error) {
	token := bearerToken(string(ctx.Request.Header.Peek("Authorization")))
	if token == "" {
		token = string(ctx.Request.Header.Peek("X-Api-Key"))
	}
	if token == "" {
		token = string(ctx.QueryArgs().Peek("key"))
	}

	if token != "" && g.resolver != nil {
		id, ok := g.resolver.Resolve(token)
		if !ok {
			return "", apierr.New(apierr.KindForbidden, "invalid user token")
		}
		if id.Disabled {
			return "", apierr.New(apierr.KindForbidden, "this token has been disabled")
		}
		return "token:" + token, nil
	}
	if alt := string(ctx.Request.Header.Peek(userTokenHeader)); alt != "" {
		return "header:" + alt, nil
	}
	return "ip:" + ctx.RemoteIP().String(), nil
}

func bearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// copyClientHeaders snapshots the inbound headers onto the request; the
// strip mutator removes the dangerous ones per attempt.
func copyClientHeaders(ctx *fasthttp.RequestCtx, req *request.Request) {
	ctx.Request.Header.VisitAll(func(k, v []byte) {
		req.Headers.Add(string(k), string(v))
	})
	req.Headers.Del("Host")
	req.Headers.Del("Accept-Encoding")
}

// outboundFor picks the upstream API schema for a service.
func outboundFor(svc models.Service, family models.Family, inbound translate.Format) translate.Format {
	switch svc {
	case models.OpenAI, models.Azure:
		if inbound == translate.OpenAIImage {
			return translate.OpenAIImage
		}
		return translate.OpenAIChat
	case models.Anthropic:
		if inbound == translate.AnthropicText {
			return translate.AnthropicText
		}
		return translate.AnthropicChat
	case models.AWS:
		if family == models.AWSMistral {
			return translate.MistralText
		}
		return translate.AnthropicChat
	case models.GCP:
		return translate.AnthropicChat
	case models.GoogleAI:
		return translate.GoogleAI
	case models.Mistral:
		return translate.MistralChat
	default:
		return inbound
	}
}

// ── Dispatch ─────────────────────────────────────────────────────────────────

// dispatch performs one upstream HTTP attempt. The returned cancel must be
// called once the response body is fully consumed.
func (g *Gateway) dispatch(req *request.Request) (*http.Response, context.CancelFunc, error) {
	var (
		method  = http.MethodPost
		url     string
		headers http.Header
		payload []byte
	)
	if req.Signed != nil {
		method = req.Signed.Method
		url = "https://" + req.Signed.Hostname + req.Signed.Path
		headers = req.Signed.Headers
		payload = req.Signed.Body
		if base, ok := g.upstreams[req.Service]; ok && base != "" {
			url = base + req.Signed.Path
		}
	} else {
		host := mutate.UpstreamHost(req)
		if host == "" {
			return nil, nil, apierr.New(apierr.KindUpstreamFatal, "no upstream host for %s", req.Service)
		}
		url = "https://" + host + req.Path
		headers = req.Headers
		payload = req.BodyBytes
		if base, ok := g.upstreams[req.Service]; ok && base != "" {
			url = base + req.Path
		}
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if req.Streaming {
		ctx, cancel = context.WithCancel(g.baseCtx)
	} else {
		ctx, cancel = context.WithTimeout(g.baseCtx, attemptTimeout)
	}
	// Client disconnects abort the in-flight upstream call.
	go func() {
		select {
		case <-req.Aborted():
			cancel()
		case <-ctx.Done():
		}
	}()

	httpReq, err := http.NewRequestWithContext(ctx, method, url, bytesReader(payload))
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("proxy: build upstream request: %w", err)
	}
	for name, values := range headers {
		if strings.EqualFold(name, "Host") {
			continue
		}
		for _, v := range values {
			httpReq.Header.Set(name, v)
		}
	}

	started := time.Now()
	resp, err := g.client.Do(httpReq)
	if g.metrics != nil {
		outcome := "sent"
		if err != nil {
			outcome = "network_error"
		}
		g.metrics.ObserveUpstreamAttempt(string(req.Service), outcome, time.Since(started))
	}
	if err != nil {
		cancel()
		// Network trouble is transient by assumption; the 5-minute reaper
		// breaks persistent loops.
		return nil, nil, apierr.Wrap(apierr.KindRetryableUpstream, err, apierr.Message(err))
	}
	return resp, cancel, nil
}

// applyOutcome executes the classifier's verdict. Returns true when the
// request was re-enqueued for another attempt.
func (g *Gateway) applyOutcome(entry *queue.Entry, mgr *request.Manager, out response.Outcome) (bool, error) {
	req := entry.Req

	if out.KeyUpdate != nil && req.HasKey {
		g.pool.Update(req.Key, out.KeyUpdate)
	}
	if out.MarkRateLimited && req.HasKey {
		if out.RetryAfter > 0 {
			g.pool.UpdateRateLimits(req.Key, out.RetryAfter)
		} else {
			g.pool.MarkRateLimited(req.Key)
		}
	}
	if out.Disable && req.HasKey {
		g.pool.Disable(req.Key, out.Revoke)
		g.log.Warn("key disabled",
			slog.String("service", string(req.Service)),
			slog.String("key", req.Key.Hash),
			slog.Bool("revoked", out.Revoke),
		)
	}

	if out.Retry {
		mgr.Revert()
		g.queue.Reenqueue(entry)
		if g.metrics != nil {
			g.metrics.RecordRetry(string(req.ModelFamily))
		}
		g.log.Info("request re-enqueued",
			slog.String("request_id", req.ID),
			slog.Int("retry", req.RetryCount),
		)
		return true, nil
	}
	if out.Err != nil {
		return false, out.Err
	}
	return false, nil
}

// accountUsage runs once per completed request regardless of retries.
func (g *Gateway) accountUsage(req *request.Request, c translate.Completion, status int, start time.Time) {
	tokens := c.PromptTokens + c.OutputTokens
	if c.PromptTokens == 0 {
		tokens += req.PromptTokens
	}
	if req.HasKey {
		g.pool.IncrementUsage(req.Key, req.Model, tokens)
	}
	if g.quotas != nil {
		g.quotas.Consume(req.Identity, req.ModelFamily, tokens)
	}
	g.queue.RecordCompletion(req, time.Now().UnixMilli())

	if g.metrics != nil {
		prompt := c.PromptTokens
		if prompt == 0 {
			prompt = req.PromptTokens
		}
		g.metrics.AddTokens(string(req.ModelFamily), prompt, c.OutputTokens)
	}
	if g.events != nil {
		g.events.Log(logger.Event{
			RequestID:    req.ID,
			Service:      string(req.Service),
			Family:       string(req.ModelFamily),
			Model:        req.Model,
			KeyHash:      req.Key.Hash,
			InputTokens:  c.PromptTokens,
			OutputTokens: c.OutputTokens,
			Retries:      req.RetryCount,
			LatencyMs:    time.Since(start).Milliseconds(),
			Status:       status,
			CreatedAt:    time.Now(),
		})
	}
}

func bytesReader(b []byte) *strings.Reader {
	return strings.NewReader(string(b))
}
