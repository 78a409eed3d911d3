package keycheck

import (
	"context"
	"strings"

	"google.golang.org/genai"

	"github.com/yomyoms/oai-proxy-mod/internal/keypool"
	"github.com/yomyoms/oai-proxy-mod/internal/models"
)

// GoogleAIProber categorises a Google AI Studio key's models with a single
// list-models call. Checks do not recur; the initial snapshot is trusted.
type GoogleAIProber struct{}

// NewGoogleAIProber builds the prober.
func NewGoogleAIProber() *GoogleAIProber { return &GoogleAIProber{} }

func (p *GoogleAIProber) Check(ctx context.Context, key keypool.Key, store *keypool.Store) error {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  key.Secret,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return err
	}

	seen := make(map[models.Family]bool)
	var ids []string

	for model, err := range client.Models.All(ctx) {
		if err != nil {
			var apiErr genai.APIError
			if asError(err, &apiErr) {
				switch {
				case apiErr.Code == 400 || apiErr.Code == 401 || apiErr.Code == 403:
					store.Disable(key.Hash, true)
					return nil
				case apiErr.Code == 429:
					return err
				}
			}
			return err
		}
		name := strings.TrimPrefix(model.Name, "models/")
		ids = append(ids, name)
		switch {
		case strings.Contains(name, "ultra"):
			seen[models.GeminiUltra] = true
		case strings.Contains(name, "flash"):
			seen[models.GeminiFlash] = true
		case strings.Contains(name, "gemini"):
			seen[models.GeminiPro] = true
		}
	}

	families := make([]models.Family, 0, len(seen))
	for f := range seen {
		families = append(families, f)
	}

	store.Update(key.Hash, func(k *keypool.Key) {
		k.ModelIDs = ids
		if len(families) > 0 {
			k.Families = families
		}
	})
	return nil
}
