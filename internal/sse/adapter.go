package sse

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/yomyoms/oai-proxy-mod/internal/translate"
)

// Adapter converts provider-native events into internal Chunks. Adapters are
// stateful per stream; build a fresh one for every response.
type Adapter interface {
	// Adapt returns the chunks carried by ev and whether the stream is done.
	Adapt(ev Event) ([]Chunk, bool, error)
}

// NewAdapter builds the adapter for an upstream response format.
func NewAdapter(format translate.Format) (Adapter, error) {
	switch format {
	case translate.OpenAIChat, translate.OpenAIText, translate.MistralChat:
		return &openAIAdapter{}, nil
	case translate.AnthropicChat:
		return &anthropicChatAdapter{}, nil
	case translate.AnthropicText:
		return &anthropicTextAdapter{}, nil
	case translate.GoogleAI:
		return &googleAdapter{}, nil
	case translate.MistralText:
		return &mistralTextAdapter{}, nil
	default:
		return nil, fmt.Errorf("sse: no adapter for format %s", format)
	}
}

// ── OpenAI / Mistral chat (already chunk-shaped) ─────────────────────────────

type openAIAdapter struct{}

func (a *openAIAdapter) Adapt(ev Event) ([]Chunk, bool, error) {
	if bytes.Equal(bytes.TrimSpace(ev.Data), []byte("[DONE]")) {
		return nil, true, nil
	}
	ch, err := parseOpenAIChunk(ev.Data)
	if err != nil {
		return nil, false, fmt.Errorf("sse: openai chunk: %w", err)
	}
	return []Chunk{ch}, false, nil
}

// ── Anthropic chat (messages SSE) ────────────────────────────────────────────

type anthropicChatAdapter struct {
	id    string
	model string
}

func (a *anthropicChatAdapter) Adapt(ev Event) ([]Chunk, bool, error) {
	var raw struct {
		Type    string `json:"type"`
		Message *struct {
			ID    string `json:"id"`
			Model string `json:"model"`
			Usage struct {
				InputTokens int64 `json:"input_tokens"`
			} `json:"usage"`
		} `json:"message"`
		Delta *struct {
			Type       string `json:"type"`
			Text       string `json:"text"`
			StopReason string `json:"stop_reason"`
		} `json:"delta"`
		Usage *struct {
			OutputTokens int64 `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(ev.Data, &raw); err != nil {
		return nil, false, fmt.Errorf("sse: anthropic event: %w", err)
	}

	switch raw.Type {
	case "message_start":
		if raw.Message == nil {
			return nil, false, nil
		}
		a.id, a.model = raw.Message.ID, raw.Message.Model
		return []Chunk{{ID: a.id, Model: a.model, PromptTokens: raw.Message.Usage.InputTokens}}, false, nil

	case "content_block_delta":
		if raw.Delta == nil || raw.Delta.Text == "" {
			return nil, false, nil
		}
		return []Chunk{{ID: a.id, Model: a.model, Content: raw.Delta.Text}}, false, nil

	case "message_delta":
		ch := Chunk{ID: a.id, Model: a.model}
		if raw.Delta != nil {
			ch.FinishReason = raw.Delta.StopReason
		}
		if raw.Usage != nil {
			ch.OutputTokens = raw.Usage.OutputTokens
		}
		return []Chunk{ch}, false, nil

	case "message_stop":
		return nil, true, nil

	case "error":
		return nil, false, fmt.Errorf("sse: upstream error event: %s", ev.Data)

	default:
		// ping, content_block_start, content_block_stop — nothing to emit.
		return nil, false, nil
	}
}

// ── Anthropic v1 text SSE ────────────────────────────────────────────────────

type anthropicTextAdapter struct{}

func (a *anthropicTextAdapter) Adapt(ev Event) ([]Chunk, bool, error) {
	if bytes.Equal(bytes.TrimSpace(ev.Data), []byte("[DONE]")) {
		return nil, true, nil
	}
	var raw struct {
		Completion string `json:"completion"`
		StopReason string `json:"stop_reason"`
		Model      string `json:"model"`
	}
	if err := json.Unmarshal(ev.Data, &raw); err != nil {
		return nil, false, fmt.Errorf("sse: anthropic text event: %w", err)
	}
	ch := Chunk{Model: raw.Model, Content: raw.Completion, FinishReason: raw.StopReason}
	return []Chunk{ch}, raw.StopReason != "", nil
}

// ── Google AI streamGenerateContent ──────────────────────────────────────────

type googleAdapter struct{}

func (a *googleAdapter) Adapt(ev Event) ([]Chunk, bool, error) {
	var raw struct {
		Candidates []struct {
			Content struct {
				Parts []translate.GooglePart `json:"parts"`
			} `json:"content"`
			FinishReason string `json:"finishReason"`
		} `json:"candidates"`
		UsageMetadata *struct {
			PromptTokenCount     int64 `json:"promptTokenCount"`
			CandidatesTokenCount int64 `json:"candidatesTokenCount"`
		} `json:"usageMetadata"`
		ModelVersion string `json:"modelVersion"`
	}
	if err := json.Unmarshal(ev.Data, &raw); err != nil {
		return nil, false, fmt.Errorf("sse: google event: %w", err)
	}
	if len(raw.Candidates) == 0 {
		return nil, false, nil
	}

	cand := raw.Candidates[0]
	var text string
	for _, p := range cand.Content.Parts {
		text += p.Text
	}
	ch := Chunk{Model: raw.ModelVersion, Content: text, FinishReason: googleStop(cand.FinishReason)}
	if raw.UsageMetadata != nil {
		ch.PromptTokens = raw.UsageMetadata.PromptTokenCount
		ch.OutputTokens = raw.UsageMetadata.CandidatesTokenCount
	}
	return []Chunk{ch}, cand.FinishReason != "", nil
}

func googleStop(reason string) string {
	switch reason {
	case "":
		return ""
	case "MAX_TOKENS":
		return "length"
	case "SAFETY":
		return "content_filter"
	default:
		return "stop"
	}
}

// ── Bedrock Mistral text chunks ──────────────────────────────────────────────

type mistralTextAdapter struct{}

func (a *mistralTextAdapter) Adapt(ev Event) ([]Chunk, bool, error) {
	var raw struct {
		Outputs []struct {
			Text       string `json:"text"`
			StopReason string `json:"stop_reason"`
		} `json:"outputs"`
	}
	if err := json.Unmarshal(ev.Data, &raw); err != nil {
		return nil, false, fmt.Errorf("sse: mistral text event: %w", err)
	}
	if len(raw.Outputs) == 0 {
		return nil, false, nil
	}
	out := raw.Outputs[0]
	ch := Chunk{Content: out.Text, FinishReason: out.StopReason}
	return []Chunk{ch}, out.StopReason != "", nil
}
