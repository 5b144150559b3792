package conversation

import (
	"context"
	"errors"
	"strings"

	"chatguard.org/internal/audit"
	"chatguard.org/internal/auth"
	"chatguard.org/internal/chat"
	"chatguard.org/internal/ids"
	"chatguard.org/internal/policy"
)

const (
	opCreateChat   = "conversation.CreateChat"
	opAddMember    = "conversation.AddMember"
	opListMessages = "conversation.ListMessages"
)

// SettingsPatch overrides chat defaults. Nil fields keep the default.
type SettingsPatch struct {
	AllowMultiUser       *bool             `json:"allowMultiUser,omitempty"`
	AllowPrivateMessages *bool             `json:"allowPrivateMessages,omitempty"`
	DefaultVisibility    string            `json:"defaultVisibility,omitempty"`
	Extensions           map[string]string `json:"extensions,omitempty"`
}

func (p SettingsPatch) apply(s chat.Settings) (chat.Settings, bool) {
	if p.AllowMultiUser != nil {
		s.AllowMultiUser = *p.AllowMultiUser
	}
	if p.AllowPrivateMessages != nil {
		s.AllowPrivateMessages = *p.AllowPrivateMessages
	}
	if p.DefaultVisibility != "" {
		v, ok := chat.ParseVisibility(p.DefaultVisibility)
		if !ok {
			return s, false
		}
		s.DefaultVisibility = v
	}
	if len(p.Extensions) > 0 {
		s.Extensions = make(map[string]string, len(p.Extensions))
		for k, v := range p.Extensions {
			s.Extensions[k] = v
		}
	}
	return s, true
}

// CreateChatInput describes a new chat.
type CreateChatInput struct {
	Title        string
	SystemPrompt string
	Settings     SettingsPatch
}

// CreateChatOutput is the chat and the owner's membership.
type CreateChatOutput struct {
	Chat       chat.Chat   `json:"chat"`
	Membership chat.Member `json:"membership"`
}

// CreateChat creates a chat owned by the caller.
func (s *Service) CreateChat(ctx context.Context, ac auth.AuthContext, in CreateChatInput) (CreateChatOutput, error) {
	uid, ok := ac.UserID()
	if ac.IsZero() || !ok {
		return CreateChatOutput{}, failf(Unauthenticated, opCreateChat, "tenant-level credentials cannot create chats; use a user key")
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return CreateChatOutput{}, failf(InvalidArgument, opCreateChat, "title is required")
	}
	settings, ok := in.Settings.apply(chat.DefaultSettings())
	if !ok {
		return CreateChatOutput{}, failf(InvalidArgument, opCreateChat, "unknown default visibility %q", in.Settings.DefaultVisibility)
	}
	if !s.allowed(ac, policy.ResourceChat, policy.ActionCreate) {
		return CreateChatOutput{}, failf(Forbidden, opCreateChat, "not allowed to create chats")
	}

	now := s.now().UTC()
	c, m, err := s.chats.CreateChat(ctx, chat.Chat{
		ID:           ids.WithPrefix("chat"),
		TenantID:     ac.TenantID(),
		OwnerID:      uid,
		Title:        title,
		SystemPrompt: strings.TrimSpace(in.SystemPrompt),
		Settings:     settings,
		CreatedAt:    now,
	}, chat.Member{
		ID:           ids.WithPrefix("mbr"),
		UserID:       uid,
		Role:         chat.RoleOwner,
		Capabilities: chat.DefaultsFor(chat.RoleOwner),
		JoinedAt:     now,
	})
	if err != nil {
		return CreateChatOutput{}, fail(StorageError, opCreateChat, err)
	}
	s.audit.Record(ctx, audit.Entry{
		TenantID:     ac.TenantID(),
		UserID:       uid,
		Action:       "chat.create",
		Resource:     c.ID,
		ResourceType: "chat",
		Details:      map[string]any{"title": c.Title},
	})
	return CreateChatOutput{Chat: c, Membership: m}, nil
}

// AddMemberInput names the user to add and their role. Override adjusts the
// role's default capabilities.
type AddMemberInput struct {
	ChatID   string
	UserID   string
	Role     chat.Role
	Override chat.Override
}

// AddMember adds a user to a chat. The caller needs the invite capability and
// only the chat owner may add another owner.
func (s *Service) AddMember(ctx context.Context, ac auth.AuthContext, in AddMemberInput) (chat.Member, error) {
	uid, ok := ac.UserID()
	if ac.IsZero() || !ok {
		return chat.Member{}, failf(Unauthenticated, opAddMember, "a user identity is required")
	}
	target := strings.TrimSpace(in.UserID)
	if target == "" {
		return chat.Member{}, failf(InvalidArgument, opAddMember, "user id is required")
	}
	role := chat.Role(strings.ToLower(strings.TrimSpace(string(in.Role))))
	switch role {
	case "":
		role = chat.RoleMember
	case chat.RoleOwner, chat.RoleAdmin, chat.RoleMember, chat.RoleGuest:
	default:
		return chat.Member{}, failf(InvalidArgument, opAddMember, "unknown role %q", in.Role)
	}
	c, members, err := s.loadChat(ctx, opAddMember, ac, in.ChatID)
	if err != nil {
		return chat.Member{}, err
	}
	if !chat.EffectiveCapabilities(c, members, ac).Has(chat.CapInvite) {
		return chat.Member{}, failf(Forbidden, opAddMember, "not allowed to invite members to chat %s", c.ID)
	}
	if role == chat.RoleOwner && c.OwnerID != uid {
		return chat.Member{}, failf(Forbidden, opAddMember, "only the chat owner may add owners")
	}

	m, err := s.chats.AddMember(ctx, chat.Member{
		ID:           ids.WithPrefix("mbr"),
		ChatID:       c.ID,
		UserID:       target,
		Role:         role,
		Capabilities: in.Override.Apply(role),
		JoinedAt:     s.now().UTC(),
	})
	if err != nil {
		if errors.Is(err, chat.ErrAlreadyMember) {
			return chat.Member{}, fail(InvalidArgument, opAddMember, err)
		}
		return chat.Member{}, fail(StorageError, opAddMember, err)
	}
	s.audit.Record(ctx, audit.Entry{
		TenantID:     ac.TenantID(),
		UserID:       uid,
		Action:       "member.add",
		Resource:     c.ID,
		ResourceType: "chat",
		Details: map[string]any{
			"memberUserId": target,
			"role":         string(role),
			"permissions":  m.Capabilities.Names(),
		},
	})
	return m, nil
}

// ListMessages returns the latest messages of a chat the caller may read.
func (s *Service) ListMessages(ctx context.Context, ac auth.AuthContext, chatID string, limit int) ([]chat.Message, error) {
	uid, ok := ac.UserID()
	if ac.IsZero() || !ok {
		return nil, failf(Unauthenticated, opListMessages, "a user identity is required")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	c, members, err := s.loadChat(ctx, opListMessages, ac, chatID)
	if err != nil {
		return nil, err
	}
	if _, member := chat.FindMember(members, uid); !member {
		return nil, failf(Forbidden, opListMessages, "not a member of chat %s", c.ID)
	}
	msgs, err := s.messages.ListMessages(ctx, c.ID, limit)
	if err != nil {
		return nil, fail(StorageError, opListMessages, err)
	}
	return chat.Filter(msgs, members, ac), nil
}

// Members returns the membership of a chat the caller belongs to.
func (s *Service) Members(ctx context.Context, ac auth.AuthContext, chatID string) (chat.Chat, []chat.Member, error) {
	uid, ok := ac.UserID()
	if ac.IsZero() || !ok {
		return chat.Chat{}, nil, failf(Unauthenticated, opListMessages, "a user identity is required")
	}
	c, members, err := s.loadChat(ctx, opListMessages, ac, chatID)
	if err != nil {
		return chat.Chat{}, nil, err
	}
	if _, member := chat.FindMember(members, uid); !member {
		return chat.Chat{}, nil, failf(Forbidden, opListMessages, "not a member of chat %s", c.ID)
	}
	return c, members, nil
}
