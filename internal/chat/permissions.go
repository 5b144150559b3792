package chat

import "chatguard.org/internal/auth"

var roleDefaults = map[Role]Capability{
	RoleOwner:  AllCapabilities,
	RoleAdmin:  AllCapabilities.Without(CapDeleteChat),
	RoleMember: CapRead | CapSend | CapSendPrivate | CapUseRAG,
	RoleGuest:  CapRead,
}

// DefaultsFor returns the capabilities a role starts with. Unknown roles can read.
func DefaultsFor(role Role) Capability {
	if c, ok := roleDefaults[role]; ok {
		return c
	}
	return CapRead
}

// Override adjusts a role's default capabilities for one member.
type Override struct {
	Grant  Capability `json:"grant,omitempty"`
	Revoke Capability `json:"revoke,omitempty"`
}

// Apply returns the capabilities role holds after the override. Owners always keep
// the full set.
func (o Override) Apply(role Role) Capability {
	if role == RoleOwner {
		return AllCapabilities
	}
	return DefaultsFor(role).With(o.Grant).Without(o.Revoke)
}

// EffectiveCapabilities returns what ac may do in chat. Callers outside the chat's
// tenant or without membership get nothing.
func EffectiveCapabilities(c Chat, members []Member, ac auth.AuthContext) Capability {
	m, ok := membership(c, members, ac)
	if !ok {
		return 0
	}
	if m.Role == RoleOwner || c.OwnerID == m.UserID {
		return AllCapabilities
	}
	return m.Capabilities & AllCapabilities
}

// CanSendMessages reports whether ac may post into chat at all.
func CanSendMessages(c Chat, members []Member, ac auth.AuthContext) bool {
	m, ok := membership(c, members, ac)
	if !ok {
		return false
	}
	isOwner := m.Role == RoleOwner || c.OwnerID == m.UserID
	if !EffectiveCapabilities(c, members, ac).Has(CapSend) {
		return false
	}
	if !c.Settings.AllowMultiUser && !isOwner {
		return false
	}
	if c.Settings.DefaultVisibility == Private && !c.Settings.AllowPrivateMessages {
		return false
	}
	return true
}

// CanSendPrivateMessages reports whether ac may post a private message.
func CanSendPrivateMessages(c Chat, members []Member, ac auth.AuthContext) bool {
	if !CanSendMessages(c, members, ac) || !c.Settings.AllowPrivateMessages {
		return false
	}
	return EffectiveCapabilities(c, members, ac).Has(CapSendPrivate)
}

func membership(c Chat, members []Member, ac auth.AuthContext) (Member, bool) {
	if ac.IsZero() || ac.TenantID() != c.TenantID {
		return Member{}, false
	}
	uid, ok := ac.UserID()
	if !ok {
		return Member{}, false
	}
	m, ok := FindMember(members, uid)
	if !ok || (m.ChatID != "" && m.ChatID != c.ID) {
		return Member{}, false
	}
	return m, true
}
