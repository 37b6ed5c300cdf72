package wire

import (
	"bytes"
	"testing"
	"time"
)

func TestParseInMessage_Text(t *testing.T) {
	f := JSONFormat{}
	msg := f.ParseInMessage(`{"type":"text","content":"hello"}`)
	text, ok := msg.(TextMessage)
	if !ok {
		t.Fatalf("expected TextMessage, got %T", msg)
	}
	if text.Content != "hello" {
		t.Errorf("expected 'hello', got %q", text.Content)
	}
}

func TestParseInMessage_JSON(t *testing.T) {
	f := JSONFormat{}
	msg := f.ParseInMessage(`{"type":"json","content":{"a":1}}`)
	j, ok := msg.(JSONMessage)
	if !ok {
		t.Fatalf("expected JSONMessage, got %T", msg)
	}
	if string(j.Content) != `{"a":1}` {
		t.Errorf("unexpected content %s", j.Content)
	}
}

func TestParseInMessage_Ack(t *testing.T) {
	f := JSONFormat{}
	msg := f.ParseInMessage(`{"type":"ack","id":42}`)
	ack, ok := msg.(Ack)
	if !ok {
		t.Fatalf("expected Ack, got %T", msg)
	}
	if ack.ID != 42 {
		t.Errorf("expected id 42, got %d", ack.ID)
	}
}

func TestParseInMessage_AckRequest(t *testing.T) {
	f := JSONFormat{}
	msg := f.ParseInMessage(`{"type":"ack_request","id":7,"content":{"type":"text","content":"x"}}`)
	req, ok := msg.(AckRequest)
	if !ok {
		t.Fatalf("expected AckRequest, got %T", msg)
	}
	if req.ID != 7 {
		t.Errorf("expected id 7, got %d", req.ID)
	}
	inner, ok := req.Inner.(TextMessage)
	if !ok {
		t.Fatalf("expected inner TextMessage, got %T", req.Inner)
	}
	if inner.Content != "x" {
		t.Errorf("expected inner 'x', got %q", inner.Content)
	}
}

func TestParseInMessage_GarbageFallsThroughAsText(t *testing.T) {
	f := JSONFormat{}
	for _, raw := range []string{
		"not json at all",
		`{"type":"mystery"}`,
		`{"no":"type"}`,
		`[1,2,3]`,
	} {
		msg := f.ParseInMessage(raw)
		text, ok := msg.(TextMessage)
		if !ok {
			t.Fatalf("input %q: expected TextMessage, got %T", raw, msg)
		}
		if text.Content != raw {
			t.Errorf("input %q: content mangled to %q", raw, text.Content)
		}
	}
}

func TestRender_RoundTrip(t *testing.T) {
	f := JSONFormat{}
	cases := []OutMessage{
		TextMessage{Content: "hello"},
		JSONMessage{Content: []byte(`{"k":"v"}`)},
		BinaryMessage{Content: []byte{0x01, 0x02, 0xff}},
		Ack{ID: 9},
		AckRequest{ID: 3, Inner: TextMessage{Content: "payload"}},
	}
	for _, out := range cases {
		text, err := f.Render(out)
		if err != nil {
			t.Fatalf("%T: render failed: %v", out, err)
		}
		back := f.ParseInMessage(text)
		switch want := out.(type) {
		case TextMessage:
			got, ok := back.(TextMessage)
			if !ok || got.Content != want.Content {
				t.Errorf("text round trip: got %#v", back)
			}
		case JSONMessage:
			got, ok := back.(JSONMessage)
			if !ok || string(got.Content) != string(want.Content) {
				t.Errorf("json round trip: got %#v", back)
			}
		case BinaryMessage:
			got, ok := back.(BinaryMessage)
			if !ok || !bytes.Equal(got.Content, want.Content) {
				t.Errorf("binary round trip: got %#v", back)
			}
		case Ack:
			got, ok := back.(Ack)
			if !ok || got.ID != want.ID {
				t.Errorf("ack round trip: got %#v", back)
			}
		case AckRequest:
			got, ok := back.(AckRequest)
			if !ok || got.ID != want.ID {
				t.Fatalf("ack request round trip: got %#v", back)
			}
			inner, ok := got.Inner.(TextMessage)
			if !ok || inner.Content != "payload" {
				t.Errorf("ack request inner: got %#v", got.Inner)
			}
		}
	}
}

func TestRender_NeedsAckIsNotRenderable(t *testing.T) {
	f := JSONFormat{}
	_, err := f.Render(NeedsAck{Inner: TextMessage{Content: "x"}, Timeout: time.Second})
	if err != ErrNotRenderable {
		t.Fatalf("expected ErrNotRenderable, got %v", err)
	}
}
