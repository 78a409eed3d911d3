package sse

import (
	"strings"
	"testing"

	"github.com/yomyoms/oai-proxy-mod/internal/translate"
)

const anthropicStream = `event: message_start
data: {"type":"message_start","message":{"id":"msg_1","model":"claude-3-5-sonnet-20240620","usage":{"input_tokens":9}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}

event: message_stop
data: {"type":"message_stop"}

`

func TestLineDecoder(t *testing.T) {
	d := newLineDecoder(strings.NewReader(anthropicStream))

	var names []string
	for {
		ev, ok := d.Next()
		if !ok {
			break
		}
		names = append(names, ev.Name)
	}
	if d.Err() != nil {
		t.Fatalf("decoder err: %v", d.Err())
	}
	want := []string{"message_start", "content_block_start", "content_block_delta",
		"content_block_delta", "message_delta", "message_stop"}
	if len(names) != len(want) {
		t.Fatalf("events = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, names[i], want[i])
		}
	}
}

func TestLineDecoder_SkipsComments(t *testing.T) {
	d := newLineDecoder(strings.NewReader(": heartbeat\n\ndata: {\"x\":1}\n\n"))
	ev, ok := d.Next()
	if !ok || string(ev.Data) != `{"x":1}` {
		t.Fatalf("ev = %+v ok=%v", ev, ok)
	}
}

func TestAnthropicChatAdapter_FullStream(t *testing.T) {
	d := newLineDecoder(strings.NewReader(anthropicStream))
	a, err := NewAdapter(translate.AnthropicChat)
	if err != nil {
		t.Fatal(err)
	}
	agg := NewAggregator()

	done := false
	for !done {
		ev, ok := d.Next()
		if !ok {
			break
		}
		chunks, d2, err := a.Adapt(ev)
		if err != nil {
			t.Fatalf("adapt: %v", err)
		}
		done = d2
		for _, ch := range chunks {
			agg.Add(ch)
		}
	}

	if !done {
		t.Error("stream did not signal done on message_stop")
	}
	c := agg.Completion()
	if c.Content != "Hello world" {
		t.Errorf("content = %q", c.Content)
	}
	if c.PromptTokens != 9 || c.OutputTokens != 2 {
		t.Errorf("usage = %d/%d, want 9/2", c.PromptTokens, c.OutputTokens)
	}
	if c.StopReason != "end_turn" {
		t.Errorf("stop = %q", c.StopReason)
	}
}

func TestOpenAIAdapter_Done(t *testing.T) {
	a, _ := NewAdapter(translate.OpenAIChat)

	chunks, done, err := a.Adapt(Event{Data: []byte(`{"id":"c1","choices":[{"delta":{"content":"hi"}}]}`)})
	if err != nil || done {
		t.Fatalf("err=%v done=%v", err, done)
	}
	if len(chunks) != 1 || chunks[0].Content != "hi" {
		t.Fatalf("chunks = %+v", chunks)
	}

	_, done, err = a.Adapt(Event{Data: []byte("[DONE]")})
	if err != nil || !done {
		t.Fatalf("[DONE]: err=%v done=%v", err, done)
	}
}

func TestGoogleAdapter(t *testing.T) {
	a, _ := NewAdapter(translate.GoogleAI)
	data := []byte(`{"candidates":[{"content":{"parts":[{"text":"hey"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":1}}`)
	chunks, done, err := a.Adapt(Event{Data: data})
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Error("finishReason must end the stream")
	}
	if chunks[0].Content != "hey" || chunks[0].FinishReason != "stop" {
		t.Errorf("chunk = %+v", chunks[0])
	}
}

func TestAnthropicChatEncoder_EventSequence(t *testing.T) {
	e, _ := NewEncoder(translate.AnthropicChat)

	var frames []string
	for _, f := range e.Encode(Chunk{ID: "msg_1", Model: "claude-3-5-sonnet", Content: "Hi"}) {
		frames = append(frames, string(f))
	}
	for _, f := range e.Finish(translate.Completion{ID: "msg_1", StopReason: "stop", OutputTokens: 1}) {
		frames = append(frames, string(f))
	}

	joined := strings.Join(frames, "")
	for _, ev := range []string{"message_start", "content_block_start",
		"content_block_delta", "content_block_stop", "message_delta", "message_stop"} {
		if !strings.Contains(joined, "event: "+ev+"\n") {
			t.Errorf("missing %s in encoded stream", ev)
		}
	}
	if strings.Count(joined, "event: message_start") != 1 {
		t.Error("message_start must appear exactly once")
	}
}

func TestOpenAIChatEncoder_FinishesWithDone(t *testing.T) {
	e, _ := NewEncoder(translate.OpenAIChat)
	e.Encode(Chunk{Content: "x"})
	frames := e.Finish(translate.Completion{StopReason: "max_tokens"})

	last := string(frames[len(frames)-1])
	if last != "data: [DONE]\n\n" {
		t.Errorf("last frame = %q", last)
	}
	if !strings.Contains(string(frames[0]), `"finish_reason":"length"`) {
		t.Errorf("finish frame = %s", frames[0])
	}
}

func TestAggregator_EstimatesMissingUsage(t *testing.T) {
	agg := NewAggregator()
	agg.Add(Chunk{Content: strings.Repeat("abcd", 10)})
	c := agg.Completion()
	if c.OutputTokens != 11 {
		t.Errorf("estimated tokens = %d, want 11", c.OutputTokens)
	}
}
