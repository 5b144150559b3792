package audit

import (
	"context"

	"go.uber.org/zap"

	"chatguard.org/internal/obs"
)

// LogSink mirrors audit entries to the structured log as type=audit lines.
type LogSink struct{}

// Append implements Sink.
func (LogSink) Append(_ context.Context, e Entry) error {
	fields := []zap.Field{
		zap.String("type", "audit"),
		zap.String("event", e.Action),
		zap.String("audit_id", e.ID),
		zap.String("tenant_id", e.TenantID),
		zap.String("resource", e.Resource),
		zap.String("resource_type", e.ResourceType),
		zap.Time("at", e.Timestamp),
	}
	if e.UserID != "" {
		fields = append(fields, zap.String("user_id", e.UserID))
	}
	if e.RequestID != "" {
		fields = append(fields, zap.String("request_id", e.RequestID))
	}
	fields = append(fields, zap.Any("fields", nonNil(e.Details)))
	obs.Logger().Info("audit", fields...)
	return nil
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
