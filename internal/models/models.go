// Package models defines the model → family → service mapping used for queue
// partitioning and key selection.
//
// A "family" is a coarse model class (e.g. gpt4o, claude-opus) that shares a
// rate-limit partition and a token-usage counter. A "service" is the upstream
// provider that hosts the family. Both mappings are pure functions over the
// model name; they do no I/O and are safe to call from any goroutine.
package models

import "strings"

// Service identifies an upstream provider.
type Service string

const (
	OpenAI    Service = "openai"
	Anthropic Service = "anthropic"
	AWS       Service = "aws"
	GCP       Service = "gcp"
	Azure     Service = "azure"
	GoogleAI  Service = "google-ai"
	Mistral   Service = "mistral"
)

// Family is a coarse model class used for rate-limit partitioning and usage
// accounting.
type Family string

const (
	Turbo          Family = "turbo"
	GPT4           Family = "gpt4"
	GPT4Turbo      Family = "gpt4-turbo"
	GPT4o          Family = "gpt4o"
	DallE          Family = "dall-e"
	Claude         Family = "claude"
	ClaudeOpus     Family = "claude-opus"
	AWSClaude      Family = "aws-claude"
	AWSClaudeOpus  Family = "aws-claude-opus"
	AWSMistral     Family = "aws-mistral"
	GCPClaude      Family = "gcp-claude"
	AzureTurbo     Family = "azure-turbo"
	AzureGPT4      Family = "azure-gpt4"
	AzureGPT4o     Family = "azure-gpt4o"
	AzureDallE     Family = "azure-dall-e"
	GeminiFlash    Family = "gemini-flash"
	GeminiPro      Family = "gemini-pro"
	GeminiUltra    Family = "gemini-ultra"
	MistralTiny    Family = "mistral-tiny"
	MistralSmall   Family = "mistral-small"
	MistralMedium  Family = "mistral-medium"
	MistralLarge   Family = "mistral-large"
	UnknownFamily  Family = ""
)

// familyRule maps a model-name prefix to a family. Rules are checked in
// order; the first match wins, so more specific prefixes come first.
type familyRule struct {
	prefix string
	family Family
}

var familyRules = []familyRule{
	// AWS Bedrock model IDs are provider-namespaced.
	{"anthropic.claude-3-opus", AWSClaudeOpus},
	{"anthropic.claude-opus", AWSClaudeOpus},
	{"anthropic.claude", AWSClaude},
	{"us.anthropic.claude-3-opus", AWSClaudeOpus},
	{"us.anthropic.claude", AWSClaude},
	{"mistral.mistral", AWSMistral},
	{"mistral.mixtral", AWSMistral},

	// Azure deployments route with an explicit prefix, stripped later.
	{"azure-gpt-3.5", AzureTurbo},
	{"azure-gpt-35", AzureTurbo},
	{"azure-gpt-4o", AzureGPT4o},
	{"azure-gpt-4-turbo", AzureGPT4},
	{"azure-gpt-4", AzureGPT4},
	{"azure-dall-e", AzureDallE},

	// GCP Vertex hosts Claude under its own model names.
	{"claude-3-5-sonnet@", GCPClaude},
	{"claude-3-sonnet@", GCPClaude},
	{"claude-3-haiku@", GCPClaude},

	// Anthropic API.
	{"claude-3-opus", ClaudeOpus},
	{"claude-opus", ClaudeOpus},
	{"claude", Claude},

	// OpenAI.
	{"gpt-4o", GPT4o},
	{"chatgpt-4o", GPT4o},
	{"gpt-4-turbo", GPT4Turbo},
	{"gpt-4-0125", GPT4Turbo},
	{"gpt-4-1106", GPT4Turbo},
	{"gpt-4", GPT4},
	{"gpt-3.5", Turbo},
	{"text-embedding", Turbo},
	{"dall-e", DallE},

	// Google AI Studio.
	{"gemini-1.5-flash", GeminiFlash},
	{"gemini-2.0-flash", GeminiFlash},
	{"gemini-flash", GeminiFlash},
	{"gemini-ultra", GeminiUltra},
	{"gemini-1.0-ultra", GeminiUltra},
	{"gemini", GeminiPro},

	// Mistral La Plateforme.
	{"mistral-tiny", MistralTiny},
	{"open-mistral-7b", MistralTiny},
	{"mistral-small", MistralSmall},
	{"open-mixtral-8x7b", MistralSmall},
	{"mistral-medium", MistralMedium},
	{"open-mixtral-8x22b", MistralMedium},
	{"mistral-large", MistralLarge},
}

// FamilyOf maps a model name to its family. Unknown models map to
// UnknownFamily; callers treat that as a client error.
func FamilyOf(model string) Family {
	m := strings.ToLower(model)
	for _, r := range familyRules {
		if strings.HasPrefix(m, r.prefix) {
			return r.family
		}
	}
	return UnknownFamily
}

var familyService = map[Family]Service{
	Turbo:         OpenAI,
	GPT4:          OpenAI,
	GPT4Turbo:     OpenAI,
	GPT4o:         OpenAI,
	DallE:         OpenAI,
	Claude:        Anthropic,
	ClaudeOpus:    Anthropic,
	AWSClaude:     AWS,
	AWSClaudeOpus: AWS,
	AWSMistral:    AWS,
	GCPClaude:     GCP,
	AzureTurbo:    Azure,
	AzureGPT4:     Azure,
	AzureGPT4o:    Azure,
	AzureDallE:    Azure,
	GeminiFlash:   GoogleAI,
	GeminiPro:     GoogleAI,
	GeminiUltra:   GoogleAI,
	MistralTiny:   Mistral,
	MistralSmall:  Mistral,
	MistralMedium: Mistral,
	MistralLarge:  Mistral,
}

// ServiceOf maps a family to the provider that hosts it.
func ServiceOf(f Family) (Service, bool) {
	s, ok := familyService[f]
	return s, ok
}

// ServiceOfModel is a convenience composition of FamilyOf and ServiceOf.
func ServiceOfModel(model string) (Service, bool) {
	return ServiceOf(FamilyOf(model))
}

// FamiliesOf returns all families hosted by the given service.
func FamiliesOf(svc Service) []Family {
	var out []Family
	for f, s := range familyService {
		if s == svc {
			out = append(out, f)
		}
	}
	return out
}

// ParseFamilies converts a comma-separated family list (as found in
// configuration) into a validated slice. Unknown names are skipped.
func ParseFamilies(raw string) []Family {
	var out []Family
	for _, part := range strings.Split(raw, ",") {
		f := Family(strings.TrimSpace(part))
		if _, ok := familyService[f]; ok {
			out = append(out, f)
		}
	}
	return out
}
