package translate

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ChatMessage is one turn in an OpenAI-style conversation. Content is a
// string for plain text or an array of typed parts for multimodal input.
type ChatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
	Name    string `json:"name,omitempty"`
}

// Text flattens the content field to plain text, joining multimodal text
// parts and ignoring non-text parts.
func (m ChatMessage) Text() string {
	switch c := m.Content.(type) {
	case string:
		return c
	case []any:
		var sb strings.Builder
		for _, part := range c {
			p, ok := part.(map[string]any)
			if !ok {
				continue
			}
			if t, ok := p["text"].(string); ok {
				sb.WriteString(t)
			}
		}
		return sb.String()
	default:
		return ""
	}
}

// HasImageContent reports whether any content part is an image.
func (m ChatMessage) HasImageContent() bool {
	parts, ok := m.Content.([]any)
	if !ok {
		return false
	}
	for _, part := range parts {
		p, ok := part.(map[string]any)
		if !ok {
			continue
		}
		if t, _ := p["type"].(string); strings.HasPrefix(t, "image") {
			return true
		}
	}
	return false
}

// OpenAIChatRequest mirrors POST /v1/chat/completions.
type OpenAIChatRequest struct {
	Model               string        `json:"model"`
	Messages            []ChatMessage `json:"messages"`
	MaxTokens           int           `json:"max_tokens,omitempty"`
	MaxCompletionTokens int           `json:"max_completion_tokens,omitempty"`
	Temperature         *float64      `json:"temperature,omitempty"`
	TopP                *float64      `json:"top_p,omitempty"`
	Stop                any           `json:"stop,omitempty"`
	Stream              bool          `json:"stream,omitempty"`
	N                   int           `json:"n,omitempty"`
	User                string        `json:"user,omitempty"`
}

// MaxOutput returns whichever completion cap the client set.
func (r OpenAIChatRequest) MaxOutput() int {
	if r.MaxCompletionTokens > 0 {
		return r.MaxCompletionTokens
	}
	return r.MaxTokens
}

// StopSequences normalises the stop field to a string slice.
func (r OpenAIChatRequest) StopSequences() []string {
	switch s := r.Stop.(type) {
	case string:
		if s == "" {
			return nil
		}
		return []string{s}
	case []any:
		var out []string
		for _, v := range s {
			if str, ok := v.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

// AnthropicMessage is one turn in an Anthropic messages conversation.
type AnthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// AnthropicChatRequest mirrors POST /v1/messages.
type AnthropicChatRequest struct {
	Model         string             `json:"model"`
	System        any                `json:"system,omitempty"`
	Messages      []AnthropicMessage `json:"messages"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
}

// AnthropicTextRequest mirrors the legacy POST /v1/complete.
type AnthropicTextRequest struct {
	Model             string   `json:"model"`
	Prompt            string   `json:"prompt"`
	MaxTokensToSample int      `json:"max_tokens_to_sample"`
	Temperature       *float64 `json:"temperature,omitempty"`
	TopP              *float64 `json:"top_p,omitempty"`
	StopSequences     []string `json:"stop_sequences,omitempty"`
	Stream            bool     `json:"stream,omitempty"`
}

// GooglePart, GoogleContent, and GoogleAIRequest mirror the Google AI
// generateContent schema.
type GooglePart struct {
	Text string `json:"text,omitempty"`
}

type GoogleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []GooglePart `json:"parts"`
}

type GoogleGenerationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type GoogleSafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type GoogleAIRequest struct {
	Contents          []GoogleContent         `json:"contents"`
	SystemInstruction *GoogleContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *GoogleGenerationConfig `json:"generationConfig,omitempty"`
	SafetySettings    []GoogleSafetySetting   `json:"safetySettings,omitempty"`
}

// MistralChatRequest mirrors Mistral's chat completions schema.
type MistralChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	SafePrompt  bool          `json:"safe_prompt,omitempty"`
}

// MistralTextRequest is the raw-prompt shape Bedrock's Mistral models invoke.
type MistralTextRequest struct {
	Prompt      string   `json:"prompt"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// ── Request transformation ───────────────────────────────────────────────────

// defaultMaxTokens caps output when a client omits the limit on a provider
// that requires one.
const defaultMaxTokens = 4096

// humanStop terminates Anthropic text completions at the next synthetic turn.
const humanStop = "\n\nHuman:"

// TransformRequest converts a request payload between API formats. Identity
// pairs pass through untouched. Unknown pairs are an error, surfaced to the
// client before enqueueing.
func TransformRequest(from, to Format, body map[string]any) (map[string]any, error) {
	if from == to {
		return body, nil
	}
	key := pair{from, to}
	fn, ok := requestTransformers[key]
	if !ok {
		return nil, fmt.Errorf("translate: no request transformer for %s → %s", from, to)
	}
	return fn(body)
}

type pair struct{ from, to Format }

type requestTransformer func(map[string]any) (map[string]any, error)

var requestTransformers = map[pair]requestTransformer{
	{OpenAIChat, AnthropicChat}: openAIToAnthropicChat,
	{OpenAIChat, AnthropicText}: openAIToAnthropicText,
	{OpenAIChat, GoogleAI}:      openAIToGoogleAI,
	{OpenAIChat, MistralChat}:   openAIToMistralChat,
	{AnthropicChat, OpenAIChat}: anthropicChatToOpenAI,
	{MistralChat, MistralText}:  mistralChatToMistralText,
	{OpenAIChat, MistralText}:   composeTransforms(openAIToMistralChat, mistralChatToMistralText),
	{MistralChat, OpenAIChat}:   mistralChatToOpenAIChat,
	{OpenAIText, OpenAIChat}:    openAITextToChat,
}

func composeTransforms(fns ...requestTransformer) requestTransformer {
	return func(body map[string]any) (map[string]any, error) {
		var err error
		for _, fn := range fns {
			if body, err = fn(body); err != nil {
				return nil, err
			}
		}
		return body, nil
	}
}

func decode[T any](body map[string]any) (T, error) {
	var out T
	raw, err := json.Marshal(body)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("translate: decode: %w", err)
	}
	return out, nil
}

func encode(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func openAIToAnthropicChat(body map[string]any) (map[string]any, error) {
	req, err := decode[OpenAIChatRequest](body)
	if err != nil {
		return nil, err
	}

	var system []string
	msgs := make([]AnthropicMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			system = append(system, m.Text())
		case "assistant":
			msgs = append(msgs, AnthropicMessage{Role: "assistant", Content: m.Content})
		default:
			msgs = append(msgs, AnthropicMessage{Role: "user", Content: m.Content})
		}
	}

	maxTokens := req.MaxOutput()
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	out := AnthropicChatRequest{
		Model:         req.Model,
		Messages:      msgs,
		MaxTokens:     maxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.StopSequences(),
		Stream:        req.Stream,
	}
	if len(system) > 0 {
		out.System = strings.Join(system, "\n")
	}
	return encode(out)
}

func openAIToAnthropicText(body map[string]any) (map[string]any, error) {
	req, err := decode[OpenAIChatRequest](body)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			sb.WriteString(m.Text())
			sb.WriteString("\n\n")
		case "assistant":
			sb.WriteString("\n\nAssistant: ")
			sb.WriteString(m.Text())
		default:
			sb.WriteString("\n\nHuman: ")
			sb.WriteString(m.Text())
		}
	}
	sb.WriteString("\n\nAssistant:")

	maxTokens := req.MaxOutput()
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	stops := req.StopSequences()
	stops = appendMissing(stops, humanStop)

	return encode(AnthropicTextRequest{
		Model:             req.Model,
		Prompt:            sb.String(),
		MaxTokensToSample: maxTokens,
		Temperature:       req.Temperature,
		TopP:              req.TopP,
		StopSequences:     stops,
		Stream:            req.Stream,
	})
}

func openAIToGoogleAI(body map[string]any) (map[string]any, error) {
	req, err := decode[OpenAIChatRequest](body)
	if err != nil {
		return nil, err
	}

	var system []string
	contents := make([]GoogleContent, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			system = append(system, m.Text())
		case "assistant":
			contents = append(contents, GoogleContent{Role: "model", Parts: []GooglePart{{Text: m.Text()}}})
		default:
			contents = append(contents, GoogleContent{Role: "user", Parts: []GooglePart{{Text: m.Text()}}})
		}
	}

	out := GoogleAIRequest{
		Contents: contents,
		GenerationConfig: &GoogleGenerationConfig{
			MaxOutputTokens: req.MaxOutput(),
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			StopSequences:   req.StopSequences(),
		},
		// The upstream account, not the end user, owns safety posture;
		// relax the categories the API allows to be configured.
		SafetySettings: []GoogleSafetySetting{
			{Category: "HARM_CATEGORY_HARASSMENT", Threshold: "BLOCK_NONE"},
			{Category: "HARM_CATEGORY_HATE_SPEECH", Threshold: "BLOCK_NONE"},
			{Category: "HARM_CATEGORY_SEXUALLY_EXPLICIT", Threshold: "BLOCK_NONE"},
			{Category: "HARM_CATEGORY_DANGEROUS_CONTENT", Threshold: "BLOCK_NONE"},
		},
	}
	if len(system) > 0 {
		out.SystemInstruction = &GoogleContent{Parts: []GooglePart{{Text: strings.Join(system, "\n")}}}
	}
	return encode(out)
}

func openAIToMistralChat(body map[string]any) (map[string]any, error) {
	req, err := decode[OpenAIChatRequest](body)
	if err != nil {
		return nil, err
	}

	// Roles are kept in order (developer becomes system) and content is
	// flattened to text; system messages after the first turn are not moved
	// or merged.
	msgs := make([]ChatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := strings.ToLower(m.Role)
		if role == "developer" {
			role = "system"
		}
		msgs = append(msgs, ChatMessage{Role: role, Content: m.Text()})
	}

	return encode(MistralChatRequest{
		Model:       req.Model,
		Messages:    msgs,
		MaxTokens:   req.MaxOutput(),
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences(),
		Stream:      req.Stream,
	})
}

func anthropicChatToOpenAI(body map[string]any) (map[string]any, error) {
	req, err := decode[AnthropicChatRequest](body)
	if err != nil {
		return nil, err
	}

	msgs := make([]ChatMessage, 0, len(req.Messages)+1)
	if sys := anthropicSystemText(req.System); sys != "" {
		msgs = append(msgs, ChatMessage{Role: "system", Content: sys})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, ChatMessage{Role: m.Role, Content: anthropicContentText(m.Content)})
	}

	out := OpenAIChatRequest{
		Model:       req.Model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}
	if len(req.StopSequences) > 0 {
		out.Stop = req.StopSequences
	}
	return encode(out)
}

func mistralChatToOpenAIChat(body map[string]any) (map[string]any, error) {
	req, err := decode[MistralChatRequest](body)
	if err != nil {
		return nil, err
	}
	out := OpenAIChatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}
	if len(req.Stop) > 0 {
		out.Stop = req.Stop
	}
	return encode(out)
}

// mistralChatToMistralText renders the instruction-format prompt Bedrock's
// raw Mistral models expect.
func mistralChatToMistralText(body map[string]any) (map[string]any, error) {
	req, err := decode[MistralChatRequest](body)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	sb.WriteString("<s>")
	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "assistant":
			sb.WriteString(m.Text())
			sb.WriteString("</s>")
		default:
			sb.WriteString("[INST] ")
			sb.WriteString(m.Text())
			sb.WriteString(" [/INST]")
		}
	}

	return encode(MistralTextRequest{
		Prompt:      sb.String(),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
	})
}

// openAITextToChat upgrades a legacy completions body to the chat shape.
func openAITextToChat(body map[string]any) (map[string]any, error) {
	prompt, _ := body["prompt"].(string)
	out := map[string]any{
		"model":    body["model"],
		"messages": []any{map[string]any{"role": "user", "content": prompt}},
	}
	for _, k := range []string{"max_tokens", "temperature", "top_p", "stop", "stream"} {
		if v, ok := body[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func anthropicSystemText(system any) string {
	switch s := system.(type) {
	case string:
		return s
	case []any:
		var sb strings.Builder
		for _, block := range s {
			if b, ok := block.(map[string]any); ok {
				if t, ok := b["text"].(string); ok {
					sb.WriteString(t)
				}
			}
		}
		return sb.String()
	default:
		return ""
	}
}

func anthropicContentText(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []any:
		var sb strings.Builder
		for _, block := range c {
			if b, ok := block.(map[string]any); ok {
				if t, ok := b["text"].(string); ok {
					sb.WriteString(t)
				}
			}
		}
		return sb.String()
	default:
		return ""
	}
}

func appendMissing(list []string, v string) []string {
	for _, have := range list {
		if have == v {
			return list
		}
	}
	return append(list, v)
}
