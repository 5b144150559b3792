package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"chatguard.org/internal/auth"
)

const sampleFile = `
policies:
  - id: members-create
    tenant: t1
    resource: chat
    action: create
    effect: allow
    priority: 10
    enabled: true
    conditions:
      - kind: role_in
        values: [member, owner]
`

func TestParse(t *testing.T) {
	ps, err := Parse([]byte(sampleFile))
	if err != nil {
		t.Fatal(err)
	}
	if len(ps) != 1 || ps[0].Conditions[0].Kind != RoleIn || len(ps[0].Conditions[0].Values) != 2 {
		t.Fatalf("unexpected policies: %+v", ps)
	}
	if _, err := Parse([]byte("policies:\n  - id: x\n    effect: allow\n")); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policies.yaml")
	if err := os.WriteFile(path, []byte("policies: []\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	store := NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := NewWatcher(ctx, path, store)
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()

	e := NewEngine(store)
	ac := auth.New("t1", "u1", "member")
	if e.IsAllowed(ac, "chat", "create") {
		t.Fatalf("empty file should deny")
	}
	if err := os.WriteFile(path, []byte(sampleFile), 0o600); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for !e.IsAllowed(ac, "chat", "create") {
		if time.Now().After(deadline) {
			t.Fatalf("policy file change was not picked up")
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	<-done
}
