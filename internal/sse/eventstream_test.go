package sse

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"

	"github.com/yomyoms/oai-proxy-mod/internal/translate"
)

func encodeFrame(t *testing.T, buf *bytes.Buffer, enc *eventstream.Encoder, inner any) {
	t.Helper()
	raw, err := json.Marshal(inner)
	if err != nil {
		t.Fatal(err)
	}
	payload, err := json.Marshal(map[string]any{"bytes": raw})
	if err != nil {
		t.Fatal(err)
	}
	msg := eventstream.Message{Payload: payload}
	msg.Headers.Set(":message-type", eventstream.StringValue("event"))
	msg.Headers.Set(":event-type", eventstream.StringValue("chunk"))
	if err := enc.Encode(buf, msg); err != nil {
		t.Fatalf("encode: %v", err)
	}
}

func TestEventStreamDecoder_BedrockClaude(t *testing.T) {
	var buf bytes.Buffer
	enc := eventstream.NewEncoder()

	encodeFrame(t, &buf, enc, map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id": "msg_aws", "model": "claude-3-5-sonnet",
			"usage": map[string]any{"input_tokens": 7},
		},
	})
	encodeFrame(t, &buf, enc, map[string]any{
		"type": "content_block_delta", "index": 0,
		"delta": map[string]any{"type": "text_delta", "text": "from bedrock"},
	})
	encodeFrame(t, &buf, enc, map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": "end_turn"},
		"usage": map[string]any{"output_tokens": 2},
	})
	encodeFrame(t, &buf, enc, map[string]any{"type": "message_stop"})

	decoder := NewDecoder(&buf, "application/vnd.amazon.eventstream")
	adapter, err := NewAdapter(translate.AnthropicChat)
	if err != nil {
		t.Fatal(err)
	}
	agg := NewAggregator()

	done := false
	for !done {
		ev, ok := decoder.Next()
		if !ok {
			break
		}
		chunks, d, err := adapter.Adapt(ev)
		if err != nil {
			t.Fatalf("adapt: %v", err)
		}
		done = d
		for _, ch := range chunks {
			agg.Add(ch)
		}
	}
	if err := decoder.Err(); err != nil {
		t.Fatalf("decoder: %v", err)
	}

	if !done {
		t.Error("message_stop did not end the stream")
	}
	c := agg.Completion()
	if c.Content != "from bedrock" {
		t.Errorf("content = %q", c.Content)
	}
	if c.PromptTokens != 7 || c.OutputTokens != 2 {
		t.Errorf("usage = %d/%d", c.PromptTokens, c.OutputTokens)
	}
}

func TestEventStreamDecoder_ThrottlingException(t *testing.T) {
	var buf bytes.Buffer
	enc := eventstream.NewEncoder()

	msg := eventstream.Message{Payload: []byte(`{"message":"Too many requests"}`)}
	msg.Headers.Set(":message-type", eventstream.StringValue("exception"))
	msg.Headers.Set(":exception-type", eventstream.StringValue("throttlingException"))
	if err := enc.Encode(&buf, msg); err != nil {
		t.Fatal(err)
	}

	decoder := NewDecoder(&buf, "application/vnd.amazon.eventstream")
	ev, ok := decoder.Next()
	if !ok {
		t.Fatal("exception frame not surfaced")
	}
	if ev.Name != "exception:throttlingException" {
		t.Errorf("event name = %q", ev.Name)
	}
}
