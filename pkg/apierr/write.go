package apierr

import (
	"encoding/json"
	"fmt"

	"github.com/valyala/fasthttp"

	"github.com/yomyoms/oai-proxy-mod/internal/translate"
)

// Write renders err as a completion envelope in the client's declared
// format, so chat frontends display the message in-line instead of choking
// on an unfamiliar error shape.
func Write(ctx *fasthttp.RequestCtx, format translate.Format, err error) {
	status := fasthttp.StatusInternalServerError
	if e, ok := err.(*Error); ok {
		status = e.HTTPStatus()
	}

	body, renderErr := translate.RenderResponse(format, spoofCompletion(err))
	if renderErr != nil {
		WriteJSON(ctx, status, err)
		return
	}

	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// WriteJSON renders the plain error envelope (OpenAI error shape) for
// endpoints that are not completion-shaped.
func WriteJSON(ctx *fasthttp.RequestCtx, status int, err error) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": Message(err),
			"type":    KindOf(err).String(),
			"code":    KindOf(err).String(),
		},
	})
	ctx.SetBody(body)
}

// spoofCompletion shapes an error as an assistant turn.
func spoofCompletion(err error) translate.Completion {
	return translate.Completion{
		ID:         "error",
		Role:       "assistant",
		Content:    fmt.Sprintf("**Proxy error** (%s)\n\n%s", KindOf(err), Message(err)),
		StopReason: "stop",
	}
}

// SpoofCompletion exposes the spoofed shape for the streaming path, which
// encodes it as SSE events itself.
func SpoofCompletion(err error) translate.Completion { return spoofCompletion(err) }
