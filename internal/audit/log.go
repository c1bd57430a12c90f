package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"tesoro.app/internal/auth"
	"tesoro.app/internal/obs"
)

type ctxKey string

const (
	requestIDKey   ctxKey = "audit_request_id"
	workspaceIDKey ctxKey = "audit_workspace_id"
)

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithWorkspace tags every audit entry written under ctx with the workspace id.
func WithWorkspace(ctx context.Context, workspaceID int64) context.Context {
	if workspaceID <= 0 {
		return ctx
	}
	return context.WithValue(ctx, workspaceIDKey, workspaceID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

func workspaceFromContext(ctx context.Context) (int64, bool) {
	if ctx == nil {
		return 0, false
	}
	v, ok := ctx.Value(workspaceIDKey).(int64)
	return v, ok
}

// LogEvent writes an audit log entry enriched with request, caller and workspace context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		entry["user_id"] = userID
	}
	if ws, ok := workspaceFromContext(ctx); ok {
		entry["workspace_id"] = ws
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		copyFields[k] = v
	}
	entry["fields"] = copyFields

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
