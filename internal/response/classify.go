// Package response handles upstream responses: body decoding and the error
// classification table that drives retries and key lifecycle.
package response

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yomyoms/oai-proxy-mod/internal/keypool"
	"github.com/yomyoms/oai-proxy-mod/internal/models"
	"github.com/yomyoms/oai-proxy-mod/pkg/apierr"
)

// Outcome is the classifier's verdict on one upstream response.
type Outcome struct {
	// Retry requests revert + re-enqueue.
	Retry bool

	// MarkRateLimited applies the provider lockout to the key; RetryAfter
	// overrides the standard window when the upstream communicated one.
	MarkRateLimited bool
	RetryAfter      time.Duration

	// Disable / Revoke drive the key lifecycle.
	Disable bool
	Revoke  bool

	// KeyUpdate applies a capability patch (preamble required, no
	// multimodality) before the retry.
	KeyUpdate func(*keypool.Key)

	// Err is surfaced to the client when Retry is false. Nil on success.
	Err *apierr.Error
}

// upstreamError is the lowest common denominator of provider error bodies.
type upstreamError struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
		Status  string `json:"status"`
	} `json:"error"`
	Message string `json:"message"`
	Type    string `json:"type"`
	AWSType string `json:"__type"`
}

func (e upstreamError) text() string {
	if e.Error != nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return e.Message
}

func (e upstreamError) errType() string {
	if e.Error != nil && e.Error.Type != "" {
		return e.Error.Type
	}
	if e.Type != "" {
		return e.Type
	}
	return e.AWSType
}

func (e upstreamError) code() string {
	if e.Error == nil {
		return ""
	}
	switch c := e.Error.Code.(type) {
	case string:
		return c
	case float64:
		return strconv.Itoa(int(c))
	default:
		return ""
	}
}

// Classify maps one upstream response onto the uniform action table. It is a
// pure function of the status, headers, and (error) body.
func Classify(svc models.Service, status int, headers http.Header, body []byte) Outcome {
	if status >= 200 && status < 300 {
		return Outcome{}
	}

	var ue upstreamError
	_ = json.Unmarshal(body, &ue)
	msg := ue.text()
	lower := strings.ToLower(msg)
	errType := strings.ToLower(ue.errType())
	if t := headers.Get("X-Amzn-Errortype"); t != "" {
		errType = strings.ToLower(strings.SplitN(t, ":", 2)[0])
	}

	switch {
	case status == http.StatusBadRequest:
		return classify400(svc, lower, msg, errType)

	case status == http.StatusUnauthorized:
		return Outcome{
			Disable: true, Revoke: true,
			Err: apierr.New(apierr.KindKeyInvalid, "the assigned key was revoked, try again"),
		}

	case status == http.StatusForbidden:
		if strings.Contains(lower, "access to the model with the specified model id") ||
			strings.Contains(errType, "accessdenied") && strings.Contains(lower, "model") {
			return Outcome{Err: apierr.New(apierr.KindUpstreamFatal,
				"the assigned key cannot access this model")}
		}
		return Outcome{
			Disable: true, Revoke: true,
			Err: apierr.New(apierr.KindKeyInvalid, "the assigned key was revoked, try again"),
		}

	case status == http.StatusNotFound:
		return Outcome{Err: apierr.New(apierr.KindBadRequest,
			"model is not available on the assigned key: %s", msg)}

	case status == http.StatusTooManyRequests:
		return classify429(svc, lower, errType, headers)

	case status == http.StatusServiceUnavailable:
		return Outcome{Err: apierr.New(apierr.KindRetryableUpstream,
			"upstream is overloaded, try again shortly")}

	case status >= 500:
		return Outcome{Err: apierr.New(apierr.KindUpstreamFatal,
			"upstream error (%d): %s", status, msg)}

	default:
		return Outcome{Err: &apierr.Error{
			Kind: apierr.KindUpstreamFatal, Message: msg, UpstreamStatus: status,
		}}
	}
}

func classify400(svc models.Service, lower, msg, errType string) Outcome {
	switch {
	// Prompt rejected by the upstream's own content filter — the attempt
	// is refunded (no rate-limit mark) and the client sees a 400.
	case strings.Contains(lower, "content management policy") ||
		strings.Contains(lower, "content_filter") ||
		strings.Contains(lower, "blocked by our content policy"):
		return Outcome{Err: apierr.New(apierr.KindBadRequest,
			"prompt rejected by the upstream content filter")}

	// Billing problems sometimes arrive as 400s.
	case strings.Contains(lower, "billing") || strings.Contains(lower, "purchase credits"):
		return Outcome{
			Disable: true,
			Err:     apierr.New(apierr.KindKeyQuotaExceeded, "the assigned key is out of credit"),
		}

	// Anthropic (and Bedrock Claude) reject prompts without the leading
	// human turn on some accounts. Patch the key and retry.
	case (svc == models.Anthropic || svc == models.AWS) &&
		strings.Contains(lower, "prompt must start with"):
		return Outcome{
			Retry:     true,
			KeyUpdate: func(k *keypool.Key) { k.RequiresPreamble = true },
		}

	// Keys that cannot accept image content.
	case strings.Contains(lower, "image") &&
		(strings.Contains(lower, "not support") || strings.Contains(lower, "not enabled")):
		return Outcome{
			Retry:     true,
			KeyUpdate: func(k *keypool.Key) { k.AllowsMultimodality = false },
		}

	// AWS validation errors on max_tokens indicate the model itself is
	// reachable; surface the validation text.
	default:
		return Outcome{Err: apierr.New(apierr.KindBadRequest, "upstream rejected the request: %s", msg)}
	}
}

func classify429(svc models.Service, lower, errType string, headers http.Header) Outcome {
	switch {
	// Exhausted quota is permanent for the key.
	case strings.Contains(errType, "insufficient_quota") ||
		strings.Contains(lower, "exceeded your current quota") ||
		strings.Contains(lower, "quota exceeded for quota metric"):
		return Outcome{
			Disable: true,
			Err:     apierr.New(apierr.KindKeyQuotaExceeded, "the assigned key exhausted its quota"),
		}

	// Daily caps reset on the provider's schedule; retrying other keys in
	// the same account family will not help.
	case strings.Contains(lower, "daily") || strings.Contains(lower, "per day"):
		return Outcome{Err: apierr.New(apierr.KindUpstreamFatal,
			"daily quota reached for this model")}

	// Genuine rate limit / throttling: lock the key out and retry.
	default:
		return Outcome{
			Retry:           true,
			MarkRateLimited: true,
			RetryAfter:      retryAfter(svc, headers),
		}
	}
}

// retryAfter extracts an explicit lockout from response headers. Zero means
// "use the provider default".
func retryAfter(svc models.Service, headers http.Header) time.Duration {
	if v := headers.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if svc == models.OpenAI {
		// e.g. "x-ratelimit-reset-requests: 6m12s" / "820ms"
		if v := headers.Get("X-Ratelimit-Reset-Requests"); v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				return d
			}
		}
	}
	return 0
}
