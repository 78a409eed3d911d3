package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
)

// newBedrockHandler returns an http.Handler simulating the AWS Bedrock
// runtime API.
//
// Bedrock uses two endpoints per model:
//
//	POST /model/{modelId}/invoke                        — non-streaming
//	POST /model/{modelId}/invoke-with-response-stream   — streaming
//	GET  /inference-profiles                            — profile discovery
//	GET  /logging/modelinvocations                      — logging posture
//
// A request whose max_tokens is < 1 gets the same validation error the real
// service returns, which the key checker uses as an access probe.
func newBedrockHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/model/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}

		path := r.URL.Path
		modelID := extractBedrockModel(path)
		isStream := strings.HasSuffix(path, "/invoke-with-response-stream")

		applyLatency(cfg)
		if shouldError(cfg) {
			writeBedrockError(w, http.StatusInternalServerError, "mock internal error", "ServiceUnavailableException")
			return
		}

		var body struct {
			MaxTokens int `json:"max_tokens"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.MaxTokens < 1 {
			writeBedrockError(w, http.StatusBadRequest,
				"max_tokens: Input should be greater than or equal to 1", "ValidationException")
			return
		}

		if isStream {
			serveBedrockStream(w, cfg)
		} else {
			serveBedrockInvoke(w, modelID, cfg)
		}
	})

	mux.HandleFunc("/inference-profiles", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"inferenceProfileSummaries": []map[string]any{
				{"inferenceProfileId": "us.anthropic.claude-3-5-sonnet-20240620-v1:0"},
			},
		})
	})

	mux.HandleFunc("/logging/modelinvocations", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"loggingConfig": nil})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeBedrockError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "ResourceNotFoundException")
	})

	return mux
}

// serveBedrockInvoke returns an Anthropic-messages shaped body, the way the
// real runtime proxies Claude responses through /invoke.
func serveBedrockInvoke(w http.ResponseWriter, modelID string, cfg Config) {
	content := fakeSentence(cfg.StreamWords)

	writeJSON(w, http.StatusOK, map[string]any{
		"id":    "msg_bedrock_mock",
		"type":  "message",
		"role":  "assistant",
		"model": modelID,
		"content": []map[string]string{
			{"type": "text", "text": content},
		},
		"stop_reason":   "end_turn",
		"stop_sequence": nil,
		"usage": map[string]int{
			"input_tokens":  12,
			"output_tokens": cfg.StreamWords,
		},
	})
}

// serveBedrockStream emits real binary event-stream frames whose payloads
// wrap base64 inner events, exactly like invoke-with-response-stream.
func serveBedrockStream(w http.ResponseWriter, cfg Config) {
	w.Header().Set("Content-Type", "application/vnd.amazon.eventstream")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	enc := eventstream.NewEncoder()

	sendEvent := func(inner any) {
		raw, _ := json.Marshal(inner)
		payload, _ := json.Marshal(map[string]any{"bytes": raw})

		msg := eventstream.Message{Payload: payload}
		msg.Headers.Set(":message-type", eventstream.StringValue("event"))
		msg.Headers.Set(":event-type", eventstream.StringValue("chunk"))
		msg.Headers.Set(":content-type", eventstream.StringValue("application/json"))
		_ = enc.Encode(w, msg)
		if flusher != nil {
			flusher.Flush()
		}
	}

	sendEvent(map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":    "msg_bedrock_mock",
			"role":  "assistant",
			"usage": map[string]int{"input_tokens": 12},
		},
	})
	sendEvent(map[string]any{
		"type":          "content_block_start",
		"index":         0,
		"content_block": map[string]string{"type": "text", "text": ""},
	})

	for _, word := range strings.Fields(fakeSentence(cfg.StreamWords)) {
		sendEvent(map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]string{"type": "text_delta", "text": word + " "},
		})
	}

	sendEvent(map[string]any{"type": "content_block_stop", "index": 0})
	sendEvent(map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": "end_turn"},
		"usage": map[string]int{"output_tokens": cfg.StreamWords},
	})
	sendEvent(map[string]any{"type": "message_stop"})
}

func writeBedrockError(w http.ResponseWriter, status int, msg, errType string) {
	w.Header().Set("X-Amzn-Errortype", errType)
	writeJSON(w, status, map[string]any{
		"message": msg,
		"__type":  errType,
	})
}

// extractBedrockModel extracts the model ID from a path like
// /model/anthropic.claude-3-5-sonnet-20240620-v1:0/invoke
func extractBedrockModel(path string) string {
	const prefix = "/model/"
	if !strings.HasPrefix(path, prefix) {
		return "unknown"
	}
	rest := path[len(prefix):]
	if idx := strings.Index(rest, "/"); idx >= 0 {
		return rest[:idx]
	}
	return rest
}
