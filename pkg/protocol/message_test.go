package protocol

import "testing"

func TestStripWrappingRoundtrip(t *testing.T) {
	payload := `{"syncId":1}`
	got, ok := StripWrapping(Wrap(payload))
	if !ok {
		t.Fatal("expected wrapped payload to unwrap")
	}
	if got != payload {
		t.Fatalf("unexpected unwrapped payload: %q", got)
	}
}

func TestStripWrappingRejectsMissingMarkers(t *testing.T) {
	cases := []string{
		"",
		`{"syncId":1}`,
		WrappingPrefix + `{"syncId":1}`,
		`{"syncId":1}` + WrappingSuffix,
		"for(;;);",
	}
	for _, in := range cases {
		if _, ok := StripWrapping(in); ok {
			t.Fatalf("expected unwrap failure for %q", in)
		}
	}
}

func TestParseWrappedReturnsNilOnMalformedInput(t *testing.T) {
	if msg := ParseWrapped("garbage"); msg != nil {
		t.Fatalf("expected nil for unwrapped input, got %+v", msg)
	}
	if msg := ParseWrapped(Wrap("{not json")); msg != nil {
		t.Fatalf("expected nil for invalid json, got %+v", msg)
	}
}

func TestSequenceIDAbsentIsUndefined(t *testing.T) {
	msg := ParseWrapped(Wrap(`{"changes":[]}`))
	if msg == nil {
		t.Fatal("parse failed")
	}
	if got := msg.SequenceID(); got != UndefinedSyncID {
		t.Fatalf("expected undefined sync id, got %d", got)
	}
	if _, ok := msg.ClientAck(); ok {
		t.Fatal("expected no client ack")
	}
}

func TestSequenceIDZeroIsConcrete(t *testing.T) {
	msg := ParseWrapped(Wrap(`{"syncId":0}`))
	if msg == nil {
		t.Fatal("parse failed")
	}
	if got := msg.SequenceID(); got != 0 {
		t.Fatalf("expected sync id 0, got %d", got)
	}
}

func TestIsResponseFollowsAsyncMeta(t *testing.T) {
	response := ParseWrapped(Wrap(`{"syncId":3}`))
	if !response.IsResponse() {
		t.Fatal("message without async meta must be a response")
	}
	push := ParseWrapped(Wrap(`{"meta":{"async":true}}`))
	if push.IsResponse() {
		t.Fatal("async message must not be a response")
	}
}

func TestAppErrorPayload(t *testing.T) {
	msg := ParseWrapped(Wrap(`{"syncId":2,"meta":{"appError":{"caption":"boom","message":"bad state"}}}`))
	appErr := msg.AppErrorPayload()
	if appErr == nil {
		t.Fatal("expected app error payload")
	}
	if appErr.Caption != "boom" {
		t.Fatalf("unexpected caption: %q", appErr.Caption)
	}
	if ParseWrapped(Wrap(`{"syncId":2}`)).AppErrorPayload() != nil {
		t.Fatal("expected no app error payload")
	}
}

func TestClientAck(t *testing.T) {
	msg := ParseWrapped(Wrap(`{"syncId":5,"clientId":9,"resynchronize":true}`))
	ack, ok := msg.ClientAck()
	if !ok || ack != 9 {
		t.Fatalf("unexpected client ack: %d ok=%v", ack, ok)
	}
	if !msg.Resync {
		t.Fatal("expected resynchronize flag")
	}
}
