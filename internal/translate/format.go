// Package translate converts request and response payloads between the API
// schemas the proxy speaks. Each supported schema is a Format; request
// transformers are registered per (from, to) pair, and a pair with no
// registered transformer is an error. Responses go through the canonical
// Completion shape.
package translate

// Format identifies a concrete API request/response schema.
type Format string

const (
	OpenAIChat    Format = "openai"       // /v1/chat/completions
	OpenAIText    Format = "openai-text"  // legacy /v1/completions
	OpenAIImage   Format = "openai-image" // /v1/images/generations
	AnthropicChat Format = "anthropic-chat"
	AnthropicText Format = "anthropic-text"
	GoogleAI      Format = "google-ai"
	MistralChat   Format = "mistral-ai"
	MistralText   Format = "mistral-text"
)
