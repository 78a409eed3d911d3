package sse

import (
	"strings"

	"github.com/yomyoms/oai-proxy-mod/internal/translate"
)

// Aggregator assembles the canonical final response alongside the live
// stream so post-stream middleware (usage accounting, event logging) sees a
// fully formed body even though the client consumed it chunk by chunk.
type Aggregator struct {
	id      string
	model   string
	stop    string
	prompt  int64
	output  int64
	events  int
	content strings.Builder
}

// NewAggregator returns an empty aggregator.
func NewAggregator() *Aggregator { return &Aggregator{} }

// Add folds one chunk in.
func (a *Aggregator) Add(ch Chunk) {
	a.events++
	if ch.ID != "" {
		a.id = ch.ID
	}
	if ch.Model != "" {
		a.model = ch.Model
	}
	if ch.FinishReason != "" {
		a.stop = ch.FinishReason
	}
	if ch.PromptTokens > 0 {
		a.prompt = ch.PromptTokens
	}
	if ch.OutputTokens > 0 {
		a.output = ch.OutputTokens
	}
	a.content.WriteString(ch.Content)
}

// Events reports how many chunks were aggregated. Zero means the stream
// died before producing anything usable.
func (a *Aggregator) Events() int { return a.events }

// Completion returns the canonical assembled response. When the upstream
// never reported output usage, tokens are estimated from the text length.
func (a *Aggregator) Completion() translate.Completion {
	out := a.output
	if out == 0 && a.content.Len() > 0 {
		out = int64(a.content.Len()/4) + 1
	}
	return translate.Completion{
		ID:           a.id,
		Model:        a.model,
		Role:         "assistant",
		Content:      a.content.String(),
		StopReason:   a.stop,
		PromptTokens: a.prompt,
		OutputTokens: out,
	}
}
