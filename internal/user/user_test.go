package user

import (
	"testing"

	"github.com/yomyoms/oai-proxy-mod/internal/models"
)

func TestStaticResolver(t *testing.T) {
	r := NewStaticResolver([]string{"tok-a", "tok-b"})

	if _, ok := r.Resolve("tok-a"); !ok {
		t.Error("configured token must resolve")
	}
	if _, ok := r.Resolve("tok-z"); ok {
		t.Error("unknown token must not resolve")
	}

	anon := NewStaticResolver(nil)
	if _, ok := anon.Resolve("anything"); !ok {
		t.Error("anonymous mode must resolve every caller")
	}
}

func TestQuotaTracker(t *testing.T) {
	q := NewQuotaTracker(map[models.Family]int64{models.GPT4o: 1000})

	if !q.Allows("u1", models.GPT4o, 900) {
		t.Error("spend under the limit must be allowed")
	}
	q.Consume("u1", models.GPT4o, 900)

	if q.Allows("u1", models.GPT4o, 200) {
		t.Error("spend past the limit must be denied")
	}
	if !q.Allows("u2", models.GPT4o, 200) {
		t.Error("quotas are per identity")
	}
	if !q.Allows("u1", models.Claude, 1_000_000) {
		t.Error("families without a limit are unlimited")
	}
	if q.Used("u1", models.GPT4o) != 900 {
		t.Errorf("used = %d", q.Used("u1", models.GPT4o))
	}
}
