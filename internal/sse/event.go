// Package sse implements the streaming response pipeline: decoders for the
// upstream wire formats, adapters that normalise provider events into OpenAI
// chat-completion chunks, encoders that render chunks in the client's
// format, and an aggregator that assembles the canonical final response for
// post-stream accounting.
package sse

import "encoding/json"

// Event is one raw server-sent event (or one decoded AWS event-stream
// frame): an optional event name plus the data payload.
type Event struct {
	Name string
	Data []byte
}

// Chunk is the internal streaming unit — the OpenAI chat-completion chunk
// shape. Every provider adapter emits Chunks; every client encoder consumes
// them. Usage fields are populated only on events that carry counts.
type Chunk struct {
	ID           string
	Model        string
	Content      string
	FinishReason string
	PromptTokens int64
	OutputTokens int64
}

// openAIChunkJSON is the wire shape of one OpenAI streaming chunk.
type openAIChunkJSON struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"delta"`
		Text         string `json:"text"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

func parseOpenAIChunk(data []byte) (Chunk, error) {
	var raw openAIChunkJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return Chunk{}, err
	}
	ch := Chunk{ID: raw.ID, Model: raw.Model}
	if len(raw.Choices) > 0 {
		ch.Content = raw.Choices[0].Delta.Content
		if ch.Content == "" {
			ch.Content = raw.Choices[0].Text
		}
		ch.FinishReason = raw.Choices[0].FinishReason
	}
	if raw.Usage != nil {
		ch.PromptTokens = raw.Usage.PromptTokens
		ch.OutputTokens = raw.Usage.CompletionTokens
	}
	return ch, nil
}
