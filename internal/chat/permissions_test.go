package chat

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"

	"chatguard.org/internal/auth"
)

func demoChat() (Chat, []Member) {
	c := Chat{ID: "c1", TenantID: "t1", OwnerID: "u1", Title: "Demo", Settings: DefaultSettings()}
	members := []Member{
		{ChatID: "c1", UserID: "u1", Role: RoleOwner, Capabilities: DefaultsFor(RoleOwner)},
		{ChatID: "c1", UserID: "u2", Role: RoleMember, Capabilities: DefaultsFor(RoleMember)},
		{ChatID: "c1", UserID: "u3", Role: RoleGuest, Capabilities: DefaultsFor(RoleGuest)},
	}
	return c, members
}

func TestDefaultsFor(t *testing.T) {
	if DefaultsFor(RoleOwner) != AllCapabilities {
		t.Fatalf("owner must hold every capability")
	}
	if DefaultsFor(RoleAdmin).Has(CapDeleteChat) || !DefaultsFor(RoleAdmin).Has(CapInvite) {
		t.Fatalf("unexpected admin defaults: %v", DefaultsFor(RoleAdmin))
	}
	want := []string{"read", "send", "send_private", "use_rag"}
	if diff := cmp.Diff(want, DefaultsFor(RoleMember).Names()); diff != "" {
		t.Fatalf("member defaults mismatch (-want +got):\n%s", diff)
	}
	if DefaultsFor(RoleGuest) != CapRead || DefaultsFor("auditor") != CapRead {
		t.Fatalf("guest and custom roles should only read")
	}
}

func TestOverrideNeverReducesOwner(t *testing.T) {
	if got := (Override{Revoke: AllCapabilities}).Apply(RoleOwner); got != AllCapabilities {
		t.Fatalf("owner reduced to %v", got)
	}
	got := Override{Grant: CapInvite, Revoke: CapSendPrivate}.Apply(RoleMember)
	if !got.Has(CapInvite) || got.Has(CapSendPrivate) || !got.Has(CapSend) {
		t.Fatalf("unexpected override result %v", got)
	}
}

func TestNonMemberHasNoCapabilities(t *testing.T) {
	c, members := demoChat()
	outsider := auth.New("t1", "u9", "owner")
	if got := EffectiveCapabilities(c, members, outsider); got != 0 {
		t.Fatalf("non-member got %v", got)
	}
	if CanSendMessages(c, members, outsider) {
		t.Fatalf("non-member must not send")
	}
	foreign := auth.New("t2", "u2", "member")
	if CanSendMessages(c, members, foreign) {
		t.Fatalf("foreign tenant must not send")
	}
	if CanSendMessages(c, members, auth.New("t1", "")) {
		t.Fatalf("tenant-level context must not send")
	}
}

func TestOwnerHoldsEverythingDespiteStoredCapabilities(t *testing.T) {
	c, members := demoChat()
	members[0].Capabilities = 0
	if got := EffectiveCapabilities(c, members, auth.New("t1", "u1")); got != AllCapabilities {
		t.Fatalf("owner effective capabilities = %v", got)
	}
}

func TestCanSendMessagesSettings(t *testing.T) {
	c, members := demoChat()
	member := auth.New("t1", "u2")
	owner := auth.New("t1", "u1")
	guest := auth.New("t1", "u3")

	if !CanSendMessages(c, members, member) {
		t.Fatalf("member should send with default settings")
	}
	if CanSendMessages(c, members, guest) {
		t.Fatalf("guest lacks send")
	}

	single := c
	single.Settings.AllowMultiUser = false
	if CanSendMessages(single, members, member) || !CanSendMessages(single, members, owner) {
		t.Fatalf("single-user chat should only accept the owner")
	}

	locked := c
	locked.Settings.DefaultVisibility = Private
	locked.Settings.AllowPrivateMessages = false
	if CanSendMessages(locked, members, owner) {
		t.Fatalf("private-default chat with private messages disabled accepts nothing")
	}
}

func TestCanSendPrivateMessages(t *testing.T) {
	c, members := demoChat()
	if !CanSendPrivateMessages(c, members, auth.New("t1", "u2")) {
		t.Fatalf("member should send private messages")
	}
	members[1].Capabilities = members[1].Capabilities.Without(CapSendPrivate)
	if CanSendPrivateMessages(c, members, auth.New("t1", "u2")) {
		t.Fatalf("revoked send_private must block")
	}
	c.Settings.AllowPrivateMessages = false
	for _, uid := range []string{"u1", "u2", "u3"} {
		if CanSendPrivateMessages(c, members, auth.New("t1", uid)) {
			t.Fatalf("%s sent private message while disabled", uid)
		}
	}
}

func TestCapabilityJSON(t *testing.T) {
	raw, err := json.Marshal(CapSend | CapRead)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `["read","send"]` {
		t.Fatalf("unexpected encoding %s", raw)
	}
	var c Capability
	if err := json.Unmarshal([]byte(`["invite","read"]`), &c); err != nil {
		t.Fatal(err)
	}
	if c != CapInvite|CapRead {
		t.Fatalf("decoded %v", c)
	}
	if err := json.Unmarshal([]byte(`["fly"]`), &c); err == nil {
		t.Fatalf("unknown capability must fail")
	}
}
