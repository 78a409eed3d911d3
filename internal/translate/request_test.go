package translate

import (
	"strings"
	"testing"
)

func chatBody(stream bool) map[string]any {
	return map[string]any{
		"model": "claude-3-5-sonnet-20240620",
		"messages": []any{
			map[string]any{"role": "system", "content": "be terse"},
			map[string]any{"role": "user", "content": "hi"},
			map[string]any{"role": "assistant", "content": "hello"},
			map[string]any{"role": "user", "content": "bye"},
		},
		"max_tokens":  float64(128),
		"temperature": 0.7,
		"stream":      stream,
	}
}

func TestOpenAIToAnthropicChat(t *testing.T) {
	out, err := TransformRequest(OpenAIChat, AnthropicChat, chatBody(false))
	if err != nil {
		t.Fatalf("transform: %v", err)
	}

	if out["system"] != "be terse" {
		t.Errorf("system = %v", out["system"])
	}
	msgs := out["messages"].([]any)
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3 (system hoisted out)", len(msgs))
	}
	roles := make([]string, len(msgs))
	for i, m := range msgs {
		roles[i] = m.(map[string]any)["role"].(string)
	}
	want := []string{"user", "assistant", "user"}
	for i := range want {
		if roles[i] != want[i] {
			t.Errorf("role[%d] = %s, want %s", i, roles[i], want[i])
		}
	}
	if out["max_tokens"] != float64(128) {
		t.Errorf("max_tokens = %v", out["max_tokens"])
	}
}

func TestOpenAIToAnthropicChat_DefaultsMaxTokens(t *testing.T) {
	body := chatBody(false)
	delete(body, "max_tokens")
	out, err := TransformRequest(OpenAIChat, AnthropicChat, body)
	if err != nil {
		t.Fatal(err)
	}
	if out["max_tokens"] != float64(defaultMaxTokens) {
		t.Errorf("max_tokens = %v, want default %d", out["max_tokens"], defaultMaxTokens)
	}
}

func TestRoundTrip_PreservesRolesAndOrder(t *testing.T) {
	anthropic, err := TransformRequest(OpenAIChat, AnthropicChat, chatBody(false))
	if err != nil {
		t.Fatal(err)
	}
	back, err := TransformRequest(AnthropicChat, OpenAIChat, anthropic)
	if err != nil {
		t.Fatal(err)
	}

	msgs := back["messages"].([]any)
	var roles []string
	for _, m := range msgs {
		roles = append(roles, m.(map[string]any)["role"].(string))
	}
	want := []string{"system", "user", "assistant", "user"}
	if len(roles) != len(want) {
		t.Fatalf("roles = %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Errorf("role[%d] = %s, want %s", i, roles[i], want[i])
		}
	}
}

func TestOpenAIToAnthropicText_PromptShape(t *testing.T) {
	out, err := TransformRequest(OpenAIChat, AnthropicText, chatBody(false))
	if err != nil {
		t.Fatal(err)
	}
	prompt := out["prompt"].(string)
	if !strings.Contains(prompt, "\n\nHuman: hi") {
		t.Errorf("prompt missing human turn: %q", prompt)
	}
	if !strings.HasSuffix(prompt, "\n\nAssistant:") {
		t.Errorf("prompt must end with assistant cue: %q", prompt)
	}
	stops := out["stop_sequences"].([]any)
	found := false
	for _, s := range stops {
		if s == humanStop {
			found = true
		}
	}
	if !found {
		t.Error("human stop sequence not set")
	}
}

func TestOpenAIToGoogleAI(t *testing.T) {
	out, err := TransformRequest(OpenAIChat, GoogleAI, chatBody(true))
	if err != nil {
		t.Fatal(err)
	}

	if out["systemInstruction"] == nil {
		t.Error("system message not mapped to systemInstruction")
	}
	contents := out["contents"].([]any)
	if len(contents) != 3 {
		t.Fatalf("contents = %d, want 3", len(contents))
	}
	second := contents[1].(map[string]any)
	if second["role"] != "model" {
		t.Errorf("assistant role = %v, want model", second["role"])
	}
	gen := out["generationConfig"].(map[string]any)
	if gen["maxOutputTokens"] != float64(128) {
		t.Errorf("maxOutputTokens = %v", gen["maxOutputTokens"])
	}
}

func TestMistralChatToMistralText(t *testing.T) {
	body := map[string]any{
		"model": "mistral-large-2402",
		"messages": []any{
			map[string]any{"role": "user", "content": "first"},
			map[string]any{"role": "assistant", "content": "reply"},
			map[string]any{"role": "user", "content": "second"},
		},
		"max_tokens": float64(64),
	}
	out, err := TransformRequest(MistralChat, MistralText, body)
	if err != nil {
		t.Fatal(err)
	}
	prompt := out["prompt"].(string)
	if !strings.HasPrefix(prompt, "<s>[INST] first [/INST]") {
		t.Errorf("prompt = %q", prompt)
	}
	if !strings.Contains(prompt, "reply</s>") {
		t.Errorf("assistant turn not closed: %q", prompt)
	}
}

func TestTransformRequest_Identity(t *testing.T) {
	body := chatBody(false)
	out, err := TransformRequest(OpenAIChat, OpenAIChat, body)
	if err != nil {
		t.Fatal(err)
	}
	if out["model"] != body["model"] {
		t.Error("identity transform altered the body")
	}
}

func TestTransformRequest_UnknownPair(t *testing.T) {
	if _, err := TransformRequest(GoogleAI, MistralText, map[string]any{}); err == nil {
		t.Error("unknown pair must error")
	}
}

func TestParseRender_RoundTrip(t *testing.T) {
	anthropicBody := []byte(`{
		"id":"msg_1","model":"claude-3-5-sonnet-20240620","role":"assistant",
		"content":[{"type":"text","text":"hello there"}],
		"stop_reason":"end_turn",
		"usage":{"input_tokens":12,"output_tokens":5}}`)

	c, err := ParseResponse(AnthropicChat, anthropicBody)
	if err != nil {
		t.Fatal(err)
	}
	if c.Content != "hello there" || c.PromptTokens != 12 || c.OutputTokens != 5 {
		t.Errorf("parsed completion = %+v", c)
	}

	out, err := RenderResponse(OpenAIChat, c)
	if err != nil {
		t.Fatal(err)
	}
	s := string(out)
	if !strings.Contains(s, `"chat.completion"`) || !strings.Contains(s, "hello there") {
		t.Errorf("rendered = %s", s)
	}
	if !strings.Contains(s, `"finish_reason":"stop"`) {
		t.Errorf("end_turn not mapped to stop: %s", s)
	}
}
