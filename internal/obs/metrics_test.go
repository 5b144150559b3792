package obs

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                              "/",
		"/metrics":                      "/metrics",
		"/v1/chats":                     "/v1/chats",
		"/v1/chats/abc":                 "/v1/chats/:id",
		"/v1/chats/abc/messages":        "/v1/chats/:id/messages",
		"/v1/chats/abc/members":         "/v1/chats/:id/members",
		"/v1/chats/abc/ws":              "/v1/chats/:id/ws",
		"/v1/chats/abc/extra":           "/v1/chats/abc/extra",
		"/v1/chats/abc/messages?limit=": "/v1/chats/:id/messages",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()
	before := testutil.ToFloat64(AuditFailures)
	AuditFailures.Inc()
	if got := testutil.ToFloat64(AuditFailures); got != before+1 {
		t.Fatalf("unexpected counter value %v", got)
	}
}

func TestInitLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	InitLogger(&buf, "debug")
	defer InitLogger(&bytes.Buffer{}, "info")

	Logger().Debug("hello")
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v (%q)", err, buf.String())
	}
	if entry["msg"] != "hello" || entry["level"] != "debug" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}
