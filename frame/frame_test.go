package frame

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestJSONCodecRoundTripKeepsWireShape(t *testing.T) {
	codec := JSONCodec{}
	request, err := NewRequest("im.message.send", map[string]string{"text": "hi"})
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	data, err := codec.Encode(request)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var wire map[string]any
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("unmarshal wire: %v", err)
	}
	if wire["kind"] != "data" || wire["correlation_id"] == "" || wire["type"] != "im.message.send" {
		t.Fatalf("unexpected wire shape: %s", data)
	}
	if _, ok := wire["session_id"]; ok {
		t.Fatalf("expected empty session id to be omitted: %s", data)
	}

	decoded, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.CorrelationID != request.CorrelationID {
		t.Fatalf("expected correlation id %q, got %q", request.CorrelationID, decoded.CorrelationID)
	}
	var payload map[string]string
	if err := decoded.Decode(&payload); err != nil || payload["text"] != "hi" {
		t.Fatalf("unexpected payload %#v err=%v", payload, err)
	}
}

func TestJSONCodecRejectsUnknownKindAndUntypedEvents(t *testing.T) {
	codec := JSONCodec{}
	if _, err := codec.Decode([]byte(`{"kind":"telemetry"}`)); err == nil {
		t.Fatalf("expected unsupported kind error")
	}
	if _, err := codec.Decode([]byte(`{"kind":"data","payload":{"a":1}}`)); err == nil {
		t.Fatalf("expected missing discriminator error")
	}
	if _, err := codec.Decode([]byte(`{not json`)); err == nil {
		t.Fatalf("expected decode error")
	}
	frame, err := codec.Decode([]byte(`{"kind":" PING "}`))
	if err != nil || frame.Kind != KindPing {
		t.Fatalf("expected normalized ping kind, got %q err=%v", frame.Kind, err)
	}
}

func TestEventTypeDiscriminatorPrecedence(t *testing.T) {
	cases := []struct {
		name  string
		frame Frame
		want  string
	}{
		{
			name:  "frame type",
			frame: Frame{Kind: KindData, Type: "a", Payload: json.RawMessage(`{"type":"b"}`)},
			want:  "a",
		},
		{
			name:  "payload header",
			frame: Frame{Kind: KindData, Payload: json.RawMessage(`{"header":{"event_type":"contact.user.created_v3"},"type":"b"}`)},
			want:  "contact.user.created_v3",
		},
		{
			name:  "payload type",
			frame: Frame{Kind: KindData, Payload: json.RawMessage(`{"type":"card.action.trigger"}`)},
			want:  "card.action.trigger",
		},
		{
			name:  "opaque payload",
			frame: Frame{Kind: KindData, Payload: json.RawMessage(`[1,2]`)},
			want:  "",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.frame.EventType(); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestReplyKeepsCorrelation(t *testing.T) {
	request, err := NewRequest("ping.echo", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	reply, err := request.Reply(json.RawMessage(`{"ok":true}`))
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if reply.CorrelationID != request.CorrelationID || !reply.Correlated() {
		t.Fatalf("expected reply correlated to %q, got %#v", request.CorrelationID, reply)
	}
	if _, err := NewEvent(" ", nil); err == nil || !strings.Contains(err.Error(), "required") {
		t.Fatalf("expected required error, got %v", err)
	}
	if _, err := NewEvent("x", []byte("{bad")); err == nil {
		t.Fatalf("expected invalid payload bytes error")
	}
}
