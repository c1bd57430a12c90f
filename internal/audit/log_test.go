package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"tesoro.app/internal/auth"
	"tesoro.app/internal/obs"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	logger := obs.Logger()
	original := logger.Writer()
	logger.SetFlags(0)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	t.Cleanup(func() { logger.SetOutput(original) })
	return &buf
}

func TestLogEvent(t *testing.T) {
	buf := captureLog(t)

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = WithWorkspace(ctx, 7)
	ctx = auth.ContextWithUser(ctx, "user-42")

	if err := LogEvent(ctx, "ledger.transfer.execute", map[string]any{"foo": "bar", "cause": errors.New("boom")}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["event"] != "ledger.transfer.execute" {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["user_id"] != "user-42" {
		t.Fatalf("unexpected user id: %v", entry["user_id"])
	}
	if entry["workspace_id"] != float64(7) {
		t.Fatalf("unexpected workspace id: %v", entry["workspace_id"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["foo"] != "bar" || fields["cause"] != "boom" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestLogEventRequiresName(t *testing.T) {
	captureLog(t)
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for empty event name")
	}
}

func TestLogEventWithoutContext(t *testing.T) {
	buf := captureLog(t)
	if err := LogEvent(context.Background(), "auth.token.issued", nil); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	for _, key := range []string{"request_id", "user_id", "workspace_id"} {
		if _, ok := entry[key]; ok {
			t.Fatalf("unexpected key %q in %v", key, entry)
		}
	}
	if _, ok := entry["fields"].(map[string]any); !ok {
		t.Fatalf("fields must always be an object: %v", entry["fields"])
	}
}
