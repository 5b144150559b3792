package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"chatguard.org/internal/obs"
)

type failingSink struct{}

func (failingSink) Append(context.Context, Entry) error { return errors.New("disk full") }

func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.InfoLevel)
	restore := obs.SetLogger(zap.New(core))
	t.Cleanup(restore)
	return logs
}

func TestRecorderStampsAndFansOut(t *testing.T) {
	a, b := NewMemory(), NewMemory()
	r := NewRecorder(a, b)
	ctx := WithRequestID(context.Background(), "req-123")
	r.Record(ctx, Entry{TenantID: "t1", UserID: "u1", Action: "chat.create", Resource: "c1", ResourceType: "chat"})

	for _, sink := range []*Memory{a, b} {
		entries := sink.Entries()
		if len(entries) != 1 {
			t.Fatalf("expected 1 entry, got %d", len(entries))
		}
		e := entries[0]
		if e.ID == "" || e.Timestamp.IsZero() || e.RequestID != "req-123" {
			t.Fatalf("entry not stamped: %+v", e)
		}
	}
}

func TestRecorderSwallowsSinkFailures(t *testing.T) {
	logs := observe(t)
	mem := NewMemory()
	before := testutil.ToFloat64(obs.AuditFailures)

	NewRecorder(failingSink{}, mem).Record(context.Background(), Entry{TenantID: "t1", Action: "message.create"})

	if got := testutil.ToFloat64(obs.AuditFailures) - before; got != 1 {
		t.Fatalf("expected one counted failure, got %v", got)
	}
	if len(mem.Entries()) != 1 {
		t.Fatalf("a failing sink must not stop the others")
	}
	if logs.FilterMessage("audit append failed").Len() != 1 {
		t.Fatalf("failure was not logged")
	}
}

func TestRecorderRejectsIncompleteEntries(t *testing.T) {
	observe(t)
	mem := NewMemory()
	NewRecorder(mem).Record(context.Background(), Entry{Action: "chat.create"})
	if len(mem.Entries()) != 0 {
		t.Fatalf("entry without tenant must not be stored")
	}
}

func TestLogSink(t *testing.T) {
	logs := observe(t)
	NewRecorder(LogSink{}).Record(context.Background(), Entry{
		TenantID: "t1", UserID: "u42", Action: "audit.test", Details: map[string]any{"foo": "bar"},
	})
	entries := logs.FilterMessage("audit").All()
	if len(entries) != 1 {
		t.Fatalf("expected one audit line, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["type"] != "audit" || fields["event"] != "audit.test" || fields["user_id"] != "u42" {
		t.Fatalf("unexpected fields: %v", fields)
	}
	details, ok := fields["fields"].(map[string]any)
	if !ok || details["foo"] != "bar" {
		t.Fatalf("details missing: %v", fields["fields"])
	}
}

func TestSQLiteSink(t *testing.T) {
	sink, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()

	r := NewRecorder(sink)
	ctx := context.Background()
	r.Record(ctx, Entry{TenantID: "t1", UserID: "u1", Action: "message.create", Resource: "m1", ResourceType: "message", Details: map[string]any{"length": 5}})
	r.Record(ctx, Entry{TenantID: "t2", Action: "chat.create"})

	entries, err := sink.List(ctx, "t1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry for t1, got %d", len(entries))
	}
	e := entries[0]
	if e.Action != "message.create" || e.Resource != "m1" || e.Details["length"] != float64(5) {
		t.Fatalf("unexpected entry %+v", e)
	}
}
