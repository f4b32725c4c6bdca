package privacylog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestSanitizeArgsFingerprintsDisallowedIDs(t *testing.T) {
	args := SanitizeArgs(
		"session_id", "sess_8f2c",
		"envelope_id", "env_123",
		"sync_id", 42,
	)
	if len(args) != 6 {
		t.Fatalf("unexpected args length: %d", len(args))
	}
	if got := args[0]; got != "session_id_fp" {
		t.Fatalf("unexpected key: %v", got)
	}
	if got := args[1].(string); !strings.HasPrefix(got, "fp1") {
		t.Fatalf("unexpected fingerprint value: %q", got)
	}
	// Sequence numbers carry no identity; they stay readable.
	if got := args[4]; got != "sync_id" {
		t.Fatalf("expected untouched key, got %v", got)
	}
}

func TestFingerprintIsStableWithinProcess(t *testing.T) {
	a := FingerprintID("sess_8f2c")
	b := FingerprintID("sess_8f2c")
	if a == "" || a != b {
		t.Fatalf("expected stable fingerprint, got %q and %q", a, b)
	}
	if FingerprintID("sess_other") == a {
		t.Fatal("different ids must not collide trivially")
	}
}

func TestSanitizingHandlerRedactsSensitiveAndIDs(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, nil)
	logger := slog.New(WrapHandler(base))
	logger.Info("test", "session_id", "sess_8f2c", "csrf_token", "secret", "state", "running")

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log json: %v", err)
	}
	if _, ok := payload["session_id"]; ok {
		t.Fatal("session_id should not be present")
	}
	if _, ok := payload["session_id_fp"]; !ok {
		t.Fatal("session_id_fp should be present")
	}
	if got, _ := payload["csrf_token"].(string); got != redactedValue {
		t.Fatalf("expected redacted token, got %q", got)
	}
	if got, _ := payload["state"].(string); got != "running" {
		t.Fatalf("expected untouched value, got %q", got)
	}
}

func TestSanitizingHandlerImplementsSlogHandlerContract(t *testing.T) {
	var buf bytes.Buffer
	h := WrapHandler(slog.NewJSONHandler(&buf, nil))
	if !h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("expected handler enabled for info")
	}
	rec := slog.NewRecord(time.Now().UTC(), slog.LevelInfo, "msg", 0)
	rec.AddAttrs(slog.String("connection_id", "conn-1"))
	if err := h.Handle(context.Background(), rec); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if !strings.Contains(buf.String(), "connection_id_fp") {
		t.Fatalf("expected sanitized connection_id key, got %s", buf.String())
	}
}
