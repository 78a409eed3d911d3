package sse

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/yomyoms/oai-proxy-mod/internal/translate"
)

// Encoder renders internal Chunks as client-facing SSE frames. Encoders are
// stateful per stream (the Anthropic chat format needs its opening event
// sequence exactly once).
type Encoder interface {
	// Encode renders one chunk. May return nil when the chunk carries no
	// client-visible payload.
	Encode(ch Chunk) [][]byte
	// Finish renders the closing frames from the aggregated completion.
	Finish(c translate.Completion) [][]byte
}

// NewEncoder builds the encoder for a client format. Every stream is
// re-encoded through it, including when the client and upstream formats
// match; original upstream frames are not passed through. Spoofed error
// events use the same encoders.
func NewEncoder(format translate.Format) (Encoder, error) {
	switch format {
	case translate.OpenAIChat, translate.MistralChat:
		return &openAIChatEncoder{}, nil
	case translate.OpenAIText:
		return &openAITextEncoder{}, nil
	case translate.AnthropicChat:
		return &anthropicChatEncoder{}, nil
	case translate.AnthropicText:
		return &anthropicTextEncoder{}, nil
	case translate.GoogleAI:
		return &googleEncoder{}, nil
	default:
		return nil, fmt.Errorf("sse: no encoder for format %s", format)
	}
}

func dataFrame(v any) []byte {
	raw, _ := json.Marshal(v)
	return []byte(fmt.Sprintf("data: %s\n\n", raw))
}

func namedFrame(event string, v any) []byte {
	raw, _ := json.Marshal(v)
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event, raw))
}

// ── OpenAI chat chunks ───────────────────────────────────────────────────────

type openAIChatEncoder struct {
	sentRole bool
}

func (e *openAIChatEncoder) chunk(ch Chunk, delta map[string]any, finish any) []byte {
	id := ch.ID
	if id == "" {
		id = "chatcmpl-proxy"
	}
	return dataFrame(map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   ch.Model,
		"choices": []any{map[string]any{
			"index":         0,
			"delta":         delta,
			"finish_reason": finish,
		}},
	})
}

func (e *openAIChatEncoder) Encode(ch Chunk) [][]byte {
	var out [][]byte
	if !e.sentRole {
		e.sentRole = true
		out = append(out, e.chunk(ch, map[string]any{"role": "assistant"}, nil))
	}
	if ch.Content != "" {
		out = append(out, e.chunk(ch, map[string]any{"content": ch.Content}, nil))
	}
	return out
}

func (e *openAIChatEncoder) Finish(c translate.Completion) [][]byte {
	finish := Chunk{ID: c.ID, Model: c.Model}
	return [][]byte{
		e.chunk(finish, map[string]any{}, openAIFinish(c.StopReason)),
		[]byte("data: [DONE]\n\n"),
	}
}

// ── OpenAI legacy text chunks ────────────────────────────────────────────────

type openAITextEncoder struct{}

func (e *openAITextEncoder) frame(id, model, text string, finish any) []byte {
	if id == "" {
		id = "cmpl-proxy"
	}
	return dataFrame(map[string]any{
		"id":      id,
		"object":  "text_completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []any{map[string]any{
			"index":         0,
			"text":          text,
			"finish_reason": finish,
		}},
	})
}

func (e *openAITextEncoder) Encode(ch Chunk) [][]byte {
	if ch.Content == "" {
		return nil
	}
	return [][]byte{e.frame(ch.ID, ch.Model, ch.Content, nil)}
}

func (e *openAITextEncoder) Finish(c translate.Completion) [][]byte {
	return [][]byte{
		e.frame(c.ID, c.Model, "", openAIFinish(c.StopReason)),
		[]byte("data: [DONE]\n\n"),
	}
}

// ── Anthropic chat event sequence ────────────────────────────────────────────

type anthropicChatEncoder struct {
	started bool
	id      string
}

func (e *anthropicChatEncoder) Encode(ch Chunk) [][]byte {
	var out [][]byte
	if !e.started {
		e.started = true
		e.id = ch.ID
		if e.id == "" {
			e.id = "msg_proxy"
		}
		out = append(out,
			namedFrame("message_start", map[string]any{
				"type": "message_start",
				"message": map[string]any{
					"id":            e.id,
					"type":          "message",
					"role":          "assistant",
					"model":         ch.Model,
					"content":       []any{},
					"stop_reason":   nil,
					"stop_sequence": nil,
					"usage":         map[string]any{"input_tokens": ch.PromptTokens, "output_tokens": 0},
				},
			}),
			namedFrame("content_block_start", map[string]any{
				"type":          "content_block_start",
				"index":         0,
				"content_block": map[string]any{"type": "text", "text": ""},
			}),
		)
	}
	if ch.Content != "" {
		out = append(out, namedFrame("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]any{"type": "text_delta", "text": ch.Content},
		}))
	}
	return out
}

func (e *anthropicChatEncoder) Finish(c translate.Completion) [][]byte {
	var out [][]byte
	if !e.started {
		// Empty stream — still emit a well-formed sequence.
		out = append(out, e.Encode(Chunk{ID: c.ID, Model: c.Model})...)
	}
	stop := anthropicStop(c.StopReason)
	out = append(out,
		namedFrame("content_block_stop", map[string]any{
			"type":  "content_block_stop",
			"index": 0,
		}),
		namedFrame("message_delta", map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": stop, "stop_sequence": nil},
			"usage": map[string]any{"output_tokens": c.OutputTokens},
		}),
		namedFrame("message_stop", map[string]any{"type": "message_stop"}),
	)
	return out
}

// ── Anthropic v1 text events ─────────────────────────────────────────────────

type anthropicTextEncoder struct{}

func (e *anthropicTextEncoder) Encode(ch Chunk) [][]byte {
	if ch.Content == "" {
		return nil
	}
	return [][]byte{namedFrame("completion", map[string]any{
		"type":       "completion",
		"completion": ch.Content,
		"stop_reason": nil,
		"model":      ch.Model,
	})}
}

func (e *anthropicTextEncoder) Finish(c translate.Completion) [][]byte {
	return [][]byte{namedFrame("completion", map[string]any{
		"type":        "completion",
		"completion":  "",
		"stop_reason": anthropicStop(c.StopReason),
		"model":       c.Model,
	})}
}

// ── Google AI frames ─────────────────────────────────────────────────────────

type googleEncoder struct{}

func (e *googleEncoder) frame(text, finish string) []byte {
	cand := map[string]any{
		"content": map[string]any{
			"role":  "model",
			"parts": []any{map[string]any{"text": text}},
		},
		"index": 0,
	}
	if finish != "" {
		cand["finishReason"] = finish
	}
	return dataFrame(map[string]any{"candidates": []any{cand}})
}

func (e *googleEncoder) Encode(ch Chunk) [][]byte {
	if ch.Content == "" {
		return nil
	}
	return [][]byte{e.frame(ch.Content, "")}
}

func (e *googleEncoder) Finish(c translate.Completion) [][]byte {
	return [][]byte{e.frame("", googleFinish(c.StopReason))}
}

// ── Stop-reason vocabularies ─────────────────────────────────────────────────

func openAIFinish(reason string) string {
	switch reason {
	case "length", "max_tokens", "MAX_TOKENS":
		return "length"
	case "content_filter", "SAFETY":
		return "content_filter"
	default:
		return "stop"
	}
}

func anthropicStop(reason string) string {
	switch reason {
	case "length", "max_tokens", "MAX_TOKENS":
		return "max_tokens"
	case "stop_sequence":
		return "stop_sequence"
	default:
		return "end_turn"
	}
}

func googleFinish(reason string) string {
	switch reason {
	case "length", "max_tokens", "MAX_TOKENS":
		return "MAX_TOKENS"
	case "content_filter", "SAFETY":
		return "SAFETY"
	default:
		return "STOP"
	}
}
