package proxy

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/yomyoms/oai-proxy-mod/internal/models"
	"github.com/yomyoms/oai-proxy-mod/internal/translate"
	"github.com/yomyoms/oai-proxy-mod/pkg/apierr"
)

// modelsCacheTTL is the freshness window for the synthetic models listing.
const modelsCacheTTL = 60 * time.Second

// ManagementRoutes holds optional operational handlers registered next to
// the proxy routes.
type ManagementRoutes struct {
	Metrics fasthttp.RequestHandler
}

// Start starts the HTTP server on addr (e.g. ":8080").
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	srv := &fasthttp.Server{
		Handler: g.Handler(mgmt),
		// Streaming responses outlive any sane write timeout; the queue
		// reaper and heartbeat monitor bound connection lifetime instead.
		ReadTimeout:        60 * time.Second,
		MaxRequestBodySize: 16 * 1024 * 1024,
	}
	return srv.ListenAndServe(addr)
}

// Handler builds the routed handler with the middleware chain applied.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	// OpenAI-compatible surface.
	r.POST("/proxy/openai/v1/chat/completions", g.completionHandler(route{
		name: "openai_chat", inbound: translate.OpenAIChat}))
	r.POST("/proxy/openai/v1/completions", g.completionHandler(route{
		name: "openai_text", inbound: translate.OpenAIText}))
	r.POST("/proxy/openai/v1/images/generations", g.completionHandler(route{
		name: "openai_images", inbound: translate.OpenAIImage, service: models.OpenAI}))
	r.GET("/proxy/openai/v1/models", g.modelsHandler(models.OpenAI))

	// Anthropic-compatible surface.
	r.POST("/proxy/anthropic/v1/messages", g.completionHandler(route{
		name: "anthropic_messages", inbound: translate.AnthropicChat}))
	r.POST("/proxy/anthropic/v1/complete", g.completionHandler(route{
		name: "anthropic_complete", inbound: translate.AnthropicText}))
	r.GET("/proxy/anthropic/v1/models", g.modelsHandler(models.Anthropic))

	// Google AI surface: the model and verb ride in the path.
	r.POST("/proxy/google-ai/v1beta/models/{modelAction}", g.handleGoogleAI)
	r.GET("/proxy/google-ai/v1beta/models", g.modelsHandler(models.GoogleAI))

	// Mistral surface.
	r.POST("/proxy/mistral/v1/chat/completions", g.completionHandler(route{
		name: "mistral_chat", inbound: translate.MistralChat, service: models.Mistral}))
	r.GET("/proxy/mistral/v1/models", g.modelsHandler(models.Mistral))

	// OpenAI-format surfaces for the cloud-hosted Claude providers.
	r.POST("/proxy/aws/claude/v1/chat/completions", g.completionHandler(route{
		name: "aws_chat", inbound: translate.OpenAIChat, service: models.AWS}))
	r.POST("/proxy/aws/claude/v1/messages", g.completionHandler(route{
		name: "aws_messages", inbound: translate.AnthropicChat, service: models.AWS}))
	r.GET("/proxy/aws/claude/v1/models", g.modelsHandler(models.AWS))
	r.POST("/proxy/gcp/claude/v1/chat/completions", g.completionHandler(route{
		name: "gcp_chat", inbound: translate.OpenAIChat, service: models.GCP}))
	r.POST("/proxy/gcp/claude/v1/messages", g.completionHandler(route{
		name: "gcp_messages", inbound: translate.AnthropicChat, service: models.GCP}))
	r.GET("/proxy/gcp/claude/v1/models", g.modelsHandler(models.GCP))
	r.POST("/proxy/azure/openai/v1/chat/completions", g.completionHandler(route{
		name: "azure_chat", inbound: translate.OpenAIChat, service: models.Azure}))
	r.POST("/proxy/azure/openai/v1/images/generations", g.completionHandler(route{
		name: "azure_images", inbound: translate.OpenAIImage, service: models.Azure}))
	r.GET("/proxy/azure/openai/v1/models", g.modelsHandler(models.Azure))

	r.GET("/health", g.handleHealth)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

func (g *Gateway) completionHandler(rt route) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		g.handleCompletion(ctx, rt, "", false)
	}
}

// handleGoogleAI parses "{model}:{verb}" out of the path; the verb selects
// streaming.
func (g *Gateway) handleGoogleAI(ctx *fasthttp.RequestCtx) {
	raw, _ := ctx.UserValue("modelAction").(string)
	model, verb, ok := strings.Cut(raw, ":")
	if !ok {
		apierr.WriteJSON(ctx, fasthttp.StatusNotFound, apierr.New(apierr.KindBadRequest,
			"expected models/{model}:{generateContent|streamGenerateContent}"))
		return
	}
	stream := verb == "streamGenerateContent"
	if !stream && verb != "generateContent" {
		apierr.WriteJSON(ctx, fasthttp.StatusNotFound, apierr.New(apierr.KindBadRequest,
			"unknown action %q", verb))
		return
	}
	g.handleCompletion(ctx, route{
		name:    "google_generate",
		inbound: translate.GoogleAI,
		service: models.GoogleAI,
	}, model, stream)
}

// ── Models listing ───────────────────────────────────────────────────────────

// modelsHandler serves the cached synthetic model listing for one service,
// built from the families its enabled keys report.
func (g *Gateway) modelsHandler(svc models.Service) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		cacheKey := "models:" + string(svc)
		if g.modelsCache != nil {
			if cached, ok := g.modelsCache.Get(ctx, cacheKey); ok {
				ctx.SetContentType("application/json")
				ctx.SetBody(cached)
				return
			}
		}

		body, _ := json.Marshal(g.buildModelsListing(svc))
		if g.modelsCache != nil {
			_ = g.modelsCache.Set(ctx, cacheKey, body, modelsCacheTTL)
		}
		ctx.SetContentType("application/json")
		ctx.SetBody(body)
	}
}

func (g *Gateway) buildModelsListing(svc models.Service) map[string]any {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}

	seen := make(map[string]bool)
	var data []modelEntry
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		data = append(data, modelEntry{
			ID: id, Object: "model",
			Created: time.Now().Unix(),
			OwnedBy: string(svc),
		})
	}

	store := g.pool.StoreFor(svc)
	if store != nil {
		for _, k := range store.List() {
			if k.Disabled {
				continue
			}
			for _, id := range k.ModelIDs {
				add(id)
			}
			for _, f := range k.Families {
				add(defaultModelFor(f))
			}
		}
	}

	return map[string]any{"object": "list", "data": data}
}

// defaultModelFor names a representative model per family so listings are
// non-empty before discovery has run.
func defaultModelFor(f models.Family) string {
	switch f {
	case models.Turbo:
		return "gpt-3.5-turbo"
	case models.GPT4:
		return "gpt-4"
	case models.GPT4Turbo:
		return "gpt-4-turbo"
	case models.GPT4o:
		return "gpt-4o"
	case models.DallE:
		return "dall-e-3"
	case models.Claude:
		return "claude-3-5-sonnet-20240620"
	case models.ClaudeOpus:
		return "claude-3-opus-20240229"
	case models.AWSClaude:
		return "anthropic.claude-3-5-sonnet-20240620-v1:0"
	case models.AWSClaudeOpus:
		return "anthropic.claude-3-opus-20240229-v1:0"
	case models.AWSMistral:
		return "mistral.mistral-large-2402-v1:0"
	case models.GCPClaude:
		return "claude-3-5-sonnet@20240620"
	case models.AzureTurbo:
		return "azure-gpt-35-turbo"
	case models.AzureGPT4:
		return "azure-gpt-4"
	case models.AzureGPT4o:
		return "azure-gpt-4o"
	case models.AzureDallE:
		return "azure-dall-e-3"
	case models.GeminiFlash:
		return "gemini-1.5-flash"
	case models.GeminiPro:
		return "gemini-1.5-pro"
	case models.GeminiUltra:
		return "gemini-ultra"
	case models.MistralTiny:
		return "mistral-tiny-latest"
	case models.MistralSmall:
		return "mistral-small-latest"
	case models.MistralMedium:
		return "mistral-medium-latest"
	case models.MistralLarge:
		return "mistral-large-latest"
	default:
		return ""
	}
}

// ── Health ───────────────────────────────────────────────────────────────────

type healthKeyCounts struct {
	Ready       int `json:"ready"`
	RateLimited int `json:"rate_limited"`
	Disabled    int `json:"disabled"`
	Revoked     int `json:"revoked"`
}

type healthSnapshot struct {
	Status  string                     `json:"status"`
	Uptime  int64                      `json:"uptime_seconds"`
	Keys    map[string]healthKeyCounts `json:"keys"`
	Queue   map[string]int             `json:"queue_depth"`
	WaitSec map[string]float64         `json:"estimated_wait_seconds"`
}

var processStart = time.Now()

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	snap := healthSnapshot{
		Status:  "ok",
		Uptime:  int64(time.Since(processStart).Seconds()),
		Keys:    make(map[string]healthKeyCounts),
		Queue:   make(map[string]int),
		WaitSec: make(map[string]float64),
	}

	nowMs := time.Now().UnixMilli()
	for _, store := range g.pool.Stores() {
		counts := healthKeyCounts{}
		for _, k := range store.List() {
			switch {
			case k.Revoked:
				counts.Revoked++
			case k.Disabled:
				counts.Disabled++
			case k.RateLimited(nowMs):
				counts.RateLimited++
			default:
				counts.Ready++
			}
		}
		snap.Keys[string(store.Service())] = counts
		if g.metrics != nil {
			g.metrics.SetKeyCount(string(store.Service()), "ready", counts.Ready)
			g.metrics.SetKeyCount(string(store.Service()), "rate_limited", counts.RateLimited)
			g.metrics.SetKeyCount(string(store.Service()), "disabled", counts.Disabled)
			g.metrics.SetKeyCount(string(store.Service()), "revoked", counts.Revoked)
		}

		for _, f := range models.FamiliesOf(store.Service()) {
			if depth := g.queue.SizeByFamily(f); depth > 0 {
				snap.Queue[string(f)] = depth
			}
			if wait := g.queue.EstimatedWait(f); wait > 0 {
				snap.WaitSec[string(f)] = wait.Seconds()
			}
		}
	}

	body, _ := json.Marshal(snap)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}
