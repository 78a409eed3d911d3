package translate

import (
	"encoding/json"
	"fmt"
	"time"
)

// Completion is the canonical finished-response shape every upstream format
// parses into and every client format renders from. Using one hub type keeps
// the matrix linear: N parsers + N renderers instead of N×N transformers.
type Completion struct {
	ID           string
	Model        string
	Role         string
	Content      string
	StopReason   string
	PromptTokens int64
	OutputTokens int64
}

// ParseResponse decodes an upstream blocking response body into the
// canonical shape.
func ParseResponse(format Format, body []byte) (Completion, error) {
	switch format {
	case OpenAIChat, MistralChat:
		var r struct {
			ID      string `json:"id"`
			Model   string `json:"model"`
			Choices []struct {
				Message struct {
					Role    string `json:"role"`
					Content string `json:"content"`
				} `json:"message"`
				FinishReason string `json:"finish_reason"`
			} `json:"choices"`
			Usage struct {
				PromptTokens     int64 `json:"prompt_tokens"`
				CompletionTokens int64 `json:"completion_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(body, &r); err != nil {
			return Completion{}, fmt.Errorf("translate: parse %s response: %w", format, err)
		}
		c := Completion{
			ID:           r.ID,
			Model:        r.Model,
			Role:         "assistant",
			PromptTokens: r.Usage.PromptTokens,
			OutputTokens: r.Usage.CompletionTokens,
		}
		if len(r.Choices) > 0 {
			c.Content = r.Choices[0].Message.Content
			c.StopReason = r.Choices[0].FinishReason
			if r.Choices[0].Message.Role != "" {
				c.Role = r.Choices[0].Message.Role
			}
		}
		return c, nil

	case OpenAIText:
		var r struct {
			ID      string `json:"id"`
			Model   string `json:"model"`
			Choices []struct {
				Text         string `json:"text"`
				FinishReason string `json:"finish_reason"`
			} `json:"choices"`
			Usage struct {
				PromptTokens     int64 `json:"prompt_tokens"`
				CompletionTokens int64 `json:"completion_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(body, &r); err != nil {
			return Completion{}, fmt.Errorf("translate: parse %s response: %w", format, err)
		}
		c := Completion{ID: r.ID, Model: r.Model, Role: "assistant",
			PromptTokens: r.Usage.PromptTokens, OutputTokens: r.Usage.CompletionTokens}
		if len(r.Choices) > 0 {
			c.Content = r.Choices[0].Text
			c.StopReason = r.Choices[0].FinishReason
		}
		return c, nil

	case AnthropicChat:
		var r struct {
			ID      string `json:"id"`
			Model   string `json:"model"`
			Role    string `json:"role"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			StopReason string `json:"stop_reason"`
			Usage      struct {
				InputTokens  int64 `json:"input_tokens"`
				OutputTokens int64 `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(body, &r); err != nil {
			return Completion{}, fmt.Errorf("translate: parse anthropic response: %w", err)
		}
		c := Completion{
			ID: r.ID, Model: r.Model, Role: r.Role,
			StopReason:   r.StopReason,
			PromptTokens: r.Usage.InputTokens,
			OutputTokens: r.Usage.OutputTokens,
		}
		if c.Role == "" {
			c.Role = "assistant"
		}
		for _, block := range r.Content {
			if block.Type == "text" || block.Type == "" {
				c.Content += block.Text
			}
		}
		return c, nil

	case AnthropicText:
		var r struct {
			Completion string `json:"completion"`
			StopReason string `json:"stop_reason"`
			Model      string `json:"model"`
		}
		if err := json.Unmarshal(body, &r); err != nil {
			return Completion{}, fmt.Errorf("translate: parse anthropic text response: %w", err)
		}
		return Completion{Model: r.Model, Role: "assistant", Content: r.Completion, StopReason: r.StopReason}, nil

	case GoogleAI:
		var r struct {
			Candidates []struct {
				Content struct {
					Role  string       `json:"role"`
					Parts []GooglePart `json:"parts"`
				} `json:"content"`
				FinishReason string `json:"finishReason"`
			} `json:"candidates"`
			UsageMetadata struct {
				PromptTokenCount     int64 `json:"promptTokenCount"`
				CandidatesTokenCount int64 `json:"candidatesTokenCount"`
			} `json:"usageMetadata"`
			ModelVersion string `json:"modelVersion"`
		}
		if err := json.Unmarshal(body, &r); err != nil {
			return Completion{}, fmt.Errorf("translate: parse google response: %w", err)
		}
		c := Completion{
			Model: r.ModelVersion, Role: "assistant",
			PromptTokens: r.UsageMetadata.PromptTokenCount,
			OutputTokens: r.UsageMetadata.CandidatesTokenCount,
		}
		if len(r.Candidates) > 0 {
			cand := r.Candidates[0]
			for _, p := range cand.Content.Parts {
				c.Content += p.Text
			}
			c.StopReason = cand.FinishReason
		}
		return c, nil

	case MistralText:
		var r struct {
			Outputs []struct {
				Text       string `json:"text"`
				StopReason string `json:"stop_reason"`
			} `json:"outputs"`
		}
		if err := json.Unmarshal(body, &r); err != nil {
			return Completion{}, fmt.Errorf("translate: parse mistral text response: %w", err)
		}
		c := Completion{Role: "assistant"}
		if len(r.Outputs) > 0 {
			c.Content = r.Outputs[0].Text
			c.StopReason = r.Outputs[0].StopReason
		}
		return c, nil

	default:
		return Completion{}, fmt.Errorf("translate: no response parser for %s", format)
	}
}

// RenderResponse encodes the canonical completion in the client's format.
func RenderResponse(format Format, c Completion) ([]byte, error) {
	id := c.ID
	if id == "" {
		id = "cmpl-proxy"
	}
	role := c.Role
	if role == "" {
		role = "assistant"
	}

	switch format {
	case OpenAIChat, MistralChat:
		return json.Marshal(map[string]any{
			"id":      id,
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   c.Model,
			"choices": []any{map[string]any{
				"index":         0,
				"message":       map[string]any{"role": role, "content": c.Content},
				"finish_reason": openAIFinishReason(c.StopReason),
			}},
			"usage": map[string]any{
				"prompt_tokens":     c.PromptTokens,
				"completion_tokens": c.OutputTokens,
				"total_tokens":      c.PromptTokens + c.OutputTokens,
			},
		})

	case OpenAIText:
		return json.Marshal(map[string]any{
			"id":      id,
			"object":  "text_completion",
			"created": time.Now().Unix(),
			"model":   c.Model,
			"choices": []any{map[string]any{
				"index":         0,
				"text":          c.Content,
				"finish_reason": openAIFinishReason(c.StopReason),
			}},
			"usage": map[string]any{
				"prompt_tokens":     c.PromptTokens,
				"completion_tokens": c.OutputTokens,
				"total_tokens":      c.PromptTokens + c.OutputTokens,
			},
		})

	case AnthropicChat:
		return json.Marshal(map[string]any{
			"id":    id,
			"type":  "message",
			"role":  role,
			"model": c.Model,
			"content": []any{
				map[string]any{"type": "text", "text": c.Content},
			},
			"stop_reason":   anthropicStopReason(c.StopReason),
			"stop_sequence": nil,
			"usage": map[string]any{
				"input_tokens":  c.PromptTokens,
				"output_tokens": c.OutputTokens,
			},
		})

	case AnthropicText:
		return json.Marshal(map[string]any{
			"completion":  c.Content,
			"stop_reason": anthropicStopReason(c.StopReason),
			"model":       c.Model,
		})

	case GoogleAI:
		return json.Marshal(map[string]any{
			"candidates": []any{map[string]any{
				"content": map[string]any{
					"role":  "model",
					"parts": []any{map[string]any{"text": c.Content}},
				},
				"finishReason": googleFinishReason(c.StopReason),
				"index":        0,
			}},
			"usageMetadata": map[string]any{
				"promptTokenCount":     c.PromptTokens,
				"candidatesTokenCount": c.OutputTokens,
				"totalTokenCount":      c.PromptTokens + c.OutputTokens,
			},
		})

	case MistralText:
		return json.Marshal(map[string]any{
			"outputs": []any{map[string]any{
				"text":        c.Content,
				"stop_reason": c.StopReason,
			}},
		})

	default:
		return nil, fmt.Errorf("translate: no response renderer for %s", format)
	}
}

// openAIFinishReason maps foreign stop reasons onto the OpenAI vocabulary.
func openAIFinishReason(reason string) string {
	switch reason {
	case "", "stop", "end_turn", "stop_sequence", "STOP", "FINISH_REASON_STOP":
		return "stop"
	case "length", "max_tokens", "MAX_TOKENS":
		return "length"
	case "content_filter", "SAFETY":
		return "content_filter"
	default:
		return "stop"
	}
}

func anthropicStopReason(reason string) string {
	switch reason {
	case "length", "max_tokens", "MAX_TOKENS":
		return "max_tokens"
	case "stop_sequence":
		return "stop_sequence"
	default:
		return "end_turn"
	}
}

func googleFinishReason(reason string) string {
	switch reason {
	case "length", "max_tokens", "MAX_TOKENS":
		return "MAX_TOKENS"
	case "content_filter", "SAFETY":
		return "SAFETY"
	default:
		return "STOP"
	}
}
