package chat

import (
	"strings"
	"time"
)

// Role is a member's role inside a chat.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleGuest  Role = "guest"
)

// Visibility controls who can read a message.
type Visibility string

const (
	Public  Visibility = "public"
	Private Visibility = "private"
)

// ParseVisibility maps the empty string to Public and rejects anything unknown.
func ParseVisibility(v string) (Visibility, bool) {
	switch Visibility(strings.ToLower(strings.TrimSpace(v))) {
	case "", Public:
		return Public, true
	case Private:
		return Private, true
	default:
		return "", false
	}
}

// Settings are per-chat switches.
type Settings struct {
	AllowMultiUser       bool              `json:"allowMultiUser"`
	AllowPrivateMessages bool              `json:"allowPrivateMessages"`
	DefaultVisibility    Visibility        `json:"defaultVisibility"`
	Extensions           map[string]string `json:"extensions,omitempty"`
}

// DefaultSettings is applied to new chats before caller overrides.
func DefaultSettings() Settings {
	return Settings{AllowMultiUser: true, AllowPrivateMessages: true, DefaultVisibility: Public}
}

// Chat is a conversation container owned by a single user.
type Chat struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenantId"`
	OwnerID      string    `json:"ownerId"`
	Title        string    `json:"title"`
	SystemPrompt string    `json:"systemPrompt,omitempty"`
	Settings     Settings  `json:"settings"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Member is a user's membership of a chat.
type Member struct {
	ID           string     `json:"id"`
	ChatID       string     `json:"chatId"`
	UserID       string     `json:"userId"`
	Role         Role       `json:"role"`
	Capabilities Capability `json:"permissions"`
	JoinedAt     time.Time  `json:"joinedAt"`
}

// FindMember returns the membership of userID, if any.
func FindMember(members []Member, userID string) (Member, bool) {
	if userID == "" {
		return Member{}, false
	}
	for _, m := range members {
		if m.UserID == userID {
			return m, true
		}
	}
	return Member{}, false
}
