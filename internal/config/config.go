// Package config loads and validates all runtime configuration for the
// proxy.
//
// Configuration is read from environment variables (preferred for
// containers) or from a config.yaml file in the working directory.
// Environment variables take precedence over the YAML file. A .env file is
// loaded first when present.
//
// Credentials are comma-separated strings per provider:
//
//	OPENAI_KEYS=sk-aaa,sk-bbb
//	AWS_CREDENTIALS=AKIA...:secret...:us-east-1
//	GCP_CREDENTIALS=project:sa@proj.iam.gserviceaccount.com:us-east5:BASE64KEY
//	AZURE_CREDENTIALS=myresource:gpt4o-deploy:key
//
// At least one provider must carry a credential for the proxy to start.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/yomyoms/oai-proxy-mod/internal/models"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 7860.
	Port int

	// LogLevel controls the minimum log level: debug, info, warn, error.
	LogLevel string

	// Per-provider credential lists (comma-separated in the environment).
	OpenAIKeys       []string
	AnthropicKeys    []string
	GoogleAIKeys     []string
	MistralKeys      []string
	AWSCredentials   []string
	GCPCredentials   []string
	AzureCredentials []string

	// AllowedFamilies restricts served model families. Empty = all.
	AllowedFamilies []models.Family

	// AllowAWSLogging permits keys on AWS accounts with invocation
	// logging enabled. Logging is a hard eligibility criterion when off.
	AllowAWSLogging bool

	// AllowImageInputs permits multimodal content parts.
	AllowImageInputs bool

	// MaxContextTokens bounds prompt size. 0 = unlimited.
	MaxContextTokens int64

	// TokenQuotas caps per-user token spend per family. Empty = unlimited.
	// Environment shape: TOKEN_QUOTA_GPT4O=500000 etc.
	TokenQuotas map[models.Family]int64

	// UserTokens is the static list of accepted user tokens. Empty means
	// anonymous mode (identity falls back to headers/IP).
	UserTokens []string

	// BlockedOrigins rejects requests whose Origin/Referer contains any
	// fragment.
	BlockedOrigins []string

	// Redis holds the optional connection URL for the shared models-list
	// cache and moderation backoff counters.
	RedisURL string

	// ClickHouseURL enables the persistent request-event sink.
	ClickHouseURL string

	// CORSOrigins is the list of allowed CORS origins; ["*"] allows all.
	CORSOrigins []string

	// UpstreamOverrides redirects a service to an alternate base URL
	// (scheme://host:port). Used with the mock providers during local
	// development; leave empty in production.
	UpstreamOverrides map[models.Service]string
}

// Load reads configuration from the environment and optional config.yaml.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 7860)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("ALLOW_AWS_LOGGING", false)
	v.SetDefault("ALLOW_IMAGE_INPUTS", false)
	v.SetDefault("MAX_CONTEXT_TOKENS", 0)
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		OpenAIKeys:       splitList(v.GetString("OPENAI_KEYS")),
		AnthropicKeys:    splitList(v.GetString("ANTHROPIC_KEYS")),
		GoogleAIKeys:     splitList(v.GetString("GOOGLE_AI_KEYS")),
		MistralKeys:      splitList(v.GetString("MISTRAL_KEYS")),
		AWSCredentials:   splitList(v.GetString("AWS_CREDENTIALS")),
		GCPCredentials:   splitList(v.GetString("GCP_CREDENTIALS")),
		AzureCredentials: splitList(v.GetString("AZURE_CREDENTIALS")),

		AllowedFamilies:  models.ParseFamilies(v.GetString("ALLOWED_MODEL_FAMILIES")),
		AllowAWSLogging:  v.GetBool("ALLOW_AWS_LOGGING"),
		AllowImageInputs: v.GetBool("ALLOW_IMAGE_INPUTS"),
		MaxContextTokens: v.GetInt64("MAX_CONTEXT_TOKENS"),

		TokenQuotas: loadQuotas(v),

		UserTokens:     splitList(v.GetString("USER_TOKENS")),
		BlockedOrigins: splitList(v.GetString("BLOCKED_ORIGINS")),

		RedisURL:      v.GetString("REDIS_URL"),
		ClickHouseURL: v.GetString("CLICKHOUSE_URL"),

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),

		UpstreamOverrides: loadUpstreamOverrides(v),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// quotaFamilies is the set of families exposed through TOKEN_QUOTA_* vars.
var quotaFamilies = map[string]models.Family{
	"TOKEN_QUOTA_TURBO":       models.Turbo,
	"TOKEN_QUOTA_GPT4":        models.GPT4,
	"TOKEN_QUOTA_GPT4O":       models.GPT4o,
	"TOKEN_QUOTA_CLAUDE":      models.Claude,
	"TOKEN_QUOTA_CLAUDE_OPUS": models.ClaudeOpus,
	"TOKEN_QUOTA_AWS_CLAUDE":  models.AWSClaude,
	"TOKEN_QUOTA_GCP_CLAUDE":  models.GCPClaude,
	"TOKEN_QUOTA_GEMINI_PRO":  models.GeminiPro,
	"TOKEN_QUOTA_MISTRAL":     models.MistralLarge,
}

func loadQuotas(v *viper.Viper) map[models.Family]int64 {
	out := make(map[models.Family]int64)
	for env, family := range quotaFamilies {
		if n := v.GetInt64(env); n > 0 {
			out[family] = n
		}
	}
	return out
}

var upstreamEnvs = map[string]models.Service{
	"UPSTREAM_OPENAI_URL":    models.OpenAI,
	"UPSTREAM_ANTHROPIC_URL": models.Anthropic,
	"UPSTREAM_AWS_URL":       models.AWS,
	"UPSTREAM_GCP_URL":       models.GCP,
	"UPSTREAM_AZURE_URL":     models.Azure,
	"UPSTREAM_GOOGLE_AI_URL": models.GoogleAI,
	"UPSTREAM_MISTRAL_URL":   models.Mistral,
}

func loadUpstreamOverrides(v *viper.Viper) map[models.Service]string {
	out := make(map[models.Service]string)
	for env, svc := range upstreamEnvs {
		if u := strings.TrimRight(v.GetString(env), "/"); u != "" {
			out[svc] = u
		}
	}
	return out
}

func (c *Config) validate() error {
	if len(c.OpenAIKeys)+len(c.AnthropicKeys)+len(c.GoogleAIKeys)+
		len(c.MistralKeys)+len(c.AWSCredentials)+len(c.GCPCredentials)+
		len(c.AzureCredentials) == 0 {
		return fmt.Errorf(
			"config: at least one provider credential is required " +
				"(OPENAI_KEYS, ANTHROPIC_KEYS, GOOGLE_AI_KEYS, MISTRAL_KEYS, " +
				"AWS_CREDENTIALS, GCP_CREDENTIALS, or AZURE_CREDENTIALS)",
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	for _, cred := range c.AWSCredentials {
		if strings.Count(cred, ":") != 2 {
			return fmt.Errorf("config: AWS credential must be accessKeyId:secretAccessKey:region")
		}
	}
	for _, cred := range c.GCPCredentials {
		if strings.Count(cred, ":") < 3 {
			return fmt.Errorf("config: GCP credential must be projectId:clientEmail:region:base64PrivateKey")
		}
	}
	for _, cred := range c.AzureCredentials {
		if strings.Count(cred, ":") != 2 {
			return fmt.Errorf("config: Azure credential must be resourceName:deploymentId:apiKey")
		}
	}

	return nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
