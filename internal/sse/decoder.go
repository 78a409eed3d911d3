package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
)

// Decoder yields raw events from an upstream response body.
type Decoder interface {
	// Next returns the next event; false when the stream ends.
	Next() (Event, bool)
	// Err returns the terminal error, nil on clean EOF.
	Err() error
}

// NewDecoder picks the wire decoder from the upstream Content-Type: AWS
// binary event-stream framing or line-oriented UTF-8 SSE.
func NewDecoder(r io.Reader, contentType string) Decoder {
	if strings.Contains(contentType, "amazon.eventstream") {
		return newEventStreamDecoder(r)
	}
	return newLineDecoder(r)
}

// ── Line-oriented SSE ────────────────────────────────────────────────────────

type lineDecoder struct {
	scanner *bufio.Scanner
	err     error
}

func newLineDecoder(r io.Reader) *lineDecoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &lineDecoder{scanner: sc}
}

func (d *lineDecoder) Next() (Event, bool) {
	var ev Event
	var data [][]byte
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		switch {
		case len(bytes.TrimSpace(line)) == 0:
			if len(data) > 0 {
				ev.Data = bytes.Join(data, []byte("\n"))
				return ev, true
			}
			ev = Event{}
		case bytes.HasPrefix(line, []byte(":")):
			// Comment (heartbeat) — skip.
		case bytes.HasPrefix(line, []byte("event:")):
			ev.Name = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			d := bytes.TrimSpace(line[len("data:"):])
			data = append(data, append([]byte(nil), d...))
		}
	}
	d.err = d.scanner.Err()
	if len(data) > 0 {
		ev.Data = bytes.Join(data, []byte("\n"))
		return ev, true
	}
	return Event{}, false
}

func (d *lineDecoder) Err() error { return d.err }

// ── AWS event-stream framing ─────────────────────────────────────────────────

// eventStreamDecoder unwraps Bedrock's binary envelopes. The frame payload
// for invoke-with-response-stream is {"bytes": "<base64 inner event>"}; the
// inner event is a provider-native JSON event.
type eventStreamDecoder struct {
	r   io.Reader
	dec *eventstream.Decoder
	buf []byte
	err error
}

func newEventStreamDecoder(r io.Reader) *eventStreamDecoder {
	return &eventStreamDecoder{
		r:   r,
		dec: eventstream.NewDecoder(),
		buf: make([]byte, 0, 32*1024),
	}
}

func (d *eventStreamDecoder) Next() (Event, bool) {
	for {
		msg, err := d.dec.Decode(d.r, d.buf)
		if err != nil {
			if err != io.EOF {
				d.err = err
			}
			return Event{}, false
		}

		name := headerString(msg.Headers, ":event-type")
		if name == "" {
			if exc := headerString(msg.Headers, ":exception-type"); exc != "" {
				// Mid-stream exceptions (throttling) surface as events so
				// the response handler can classify them.
				return Event{Name: "exception:" + exc, Data: append([]byte(nil), msg.Payload...)}, true
			}
		}

		var wrapper struct {
			Bytes []byte `json:"bytes"`
		}
		if err := json.Unmarshal(msg.Payload, &wrapper); err == nil && len(wrapper.Bytes) > 0 {
			inner := wrapper.Bytes
			var typed struct {
				Type string `json:"type"`
			}
			_ = json.Unmarshal(inner, &typed)
			if typed.Type != "" {
				name = typed.Type
			}
			return Event{Name: name, Data: inner}, true
		}
		if len(msg.Payload) > 0 {
			return Event{Name: name, Data: append([]byte(nil), msg.Payload...)}, true
		}
	}
}

func (d *eventStreamDecoder) Err() error { return d.err }

func headerString(headers eventstream.Headers, name string) string {
	for _, h := range headers {
		if h.Name == name {
			if sv, ok := h.Value.(eventstream.StringValue); ok {
				return string(sv)
			}
		}
	}
	return ""
}
