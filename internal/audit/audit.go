package audit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatguard.org/internal/ids"
	"chatguard.org/internal/obs"
)

// Entry is one append-only record of a state-changing step.
type Entry struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenantId"`
	UserID       string         `json:"userId,omitempty"`
	Action       string         `json:"action"`
	Resource     string         `json:"resource"`
	ResourceType string         `json:"resourceType"`
	Details      map[string]any `json:"details,omitempty"`
	RequestID    string         `json:"requestId,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Sink stores audit entries.
type Sink interface {
	Append(ctx context.Context, e Entry) error
}

// ErrInvalidEntry is returned for entries missing a tenant or action.
var ErrInvalidEntry = errors.New("audit: tenant and action are required")

type ctxKey struct{}

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ctxKey{}).(string); ok {
		return v
	}
	return ""
}

// Recorder fans entries out to its sinks. A failing sink is logged and counted
// and never turns into an error for the caller.
type Recorder struct {
	sinks []Sink
	now   func() time.Time
}

// NewRecorder returns a recorder writing to every sink in order.
func NewRecorder(sinks ...Sink) *Recorder {
	return &Recorder{sinks: sinks, now: time.Now}
}

// Record stamps e with an id, time and request id, then appends it everywhere.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if strings.TrimSpace(e.TenantID) == "" || strings.TrimSpace(e.Action) == "" {
		obs.AuditFailures.Inc()
		obs.Logger().Error("audit entry rejected", zap.String("action", e.Action), zap.Error(ErrInvalidEntry))
		return
	}
	if e.ID == "" {
		e.ID = ids.WithPrefix("aud")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = r.now().UTC()
	}
	if e.RequestID == "" {
		e.RequestID = RequestIDFromContext(ctx)
	}
	for _, s := range r.sinks {
		if err := s.Append(ctx, e); err != nil {
			obs.AuditFailures.Inc()
			obs.Logger().Error("audit append failed",
				zap.String("audit_id", e.ID),
				zap.String("action", e.Action),
				zap.String("tenant_id", e.TenantID),
				zap.Error(err))
		}
	}
}

// Memory keeps entries in process.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemory returns an empty in-process sink.
func NewMemory() *Memory { return &Memory{} }

// Append implements Sink.
func (m *Memory) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

// Entries returns a copy of everything appended so far.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Actions lists the action of each entry in append order.
func (m *Memory) Actions() []string {
	entries := m.Entries()
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Action
	}
	return out
}
