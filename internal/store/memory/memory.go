// Package memory keeps chats and messages in process memory. It backs tests and
// single-node deployments without a database.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"chatguard.org/internal/chat"
	"chatguard.org/internal/ids"
)

// Store implements conversation.ChatRepo and conversation.MessageRepo.
type Store struct {
	mu       sync.RWMutex
	chats    map[string]chat.Chat
	members  map[string][]chat.Member
	messages map[string][]chat.Message
	byID     map[string]chat.Message
	now      func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		chats:    make(map[string]chat.Chat),
		members:  make(map[string][]chat.Member),
		messages: make(map[string][]chat.Message),
		byID:     make(map[string]chat.Message),
		now:      time.Now,
	}
}

// CreateChat stores the chat together with its owner's membership.
func (s *Store) CreateChat(_ context.Context, c chat.Chat, owner chat.Member) (chat.Chat, chat.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = ids.WithPrefix("chat")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}
	owner.ChatID = c.ID
	if owner.ID == "" {
		owner.ID = ids.WithPrefix("mbr")
	}
	if owner.JoinedAt.IsZero() {
		owner.JoinedAt = c.CreatedAt
	}
	s.chats[c.ID] = c
	s.members[c.ID] = []chat.Member{owner}
	return c, owner, nil
}

func (s *Store) FindChatByID(_ context.Context, tenantID, chatID string) (chat.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[chatID]
	if !ok || c.TenantID != tenantID {
		return chat.Chat{}, chat.ErrNotFound
	}
	return c, nil
}

func (s *Store) ListMembers(_ context.Context, chatID string) ([]chat.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.members[chatID]), nil
}

func (s *Store) AddMember(_ context.Context, m chat.Member) (chat.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[m.ChatID]; !ok {
		return chat.Member{}, chat.ErrNotFound
	}
	if _, ok := chat.FindMember(s.members[m.ChatID], m.UserID); ok {
		return chat.Member{}, chat.ErrAlreadyMember
	}
	if m.ID == "" {
		m.ID = ids.WithPrefix("mbr")
	}
	if m.JoinedAt.IsZero() {
		m.JoinedAt = s.now().UTC()
	}
	s.members[m.ChatID] = append(s.members[m.ChatID], m)
	return m, nil
}

func (s *Store) CreateMessage(_ context.Context, d chat.Draft) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[d.ChatID]; !ok {
		return chat.Message{}, chat.ErrNotFound
	}
	if d.ParentID != "" {
		parent, ok := s.byID[d.ParentID]
		if !ok || parent.ChatID != d.ChatID {
			return chat.Message{}, chat.ErrParentNotInChat
		}
	}
	m := chat.Message{
		ID:          ids.WithPrefix("msg"),
		TenantID:    d.TenantID,
		ChatID:      d.ChatID,
		AuthorID:    d.AuthorID,
		AuthorRole:  d.AuthorRole,
		ParentID:    d.ParentID,
		Content:     d.Content,
		Visibility:  d.Visibility,
		AccessScope: d.AccessScope,
		ModelUsed:   d.ModelUsed,
		CreatedAt:   s.now().UTC(),
	}
	s.messages[m.ChatID] = append(s.messages[m.ChatID], m)
	s.byID[m.ID] = m
	return m, nil
}

func (s *Store) ListMessages(_ context.Context, chatID string, limit int) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[chatID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return slices.Clone(msgs), nil
}

// Count returns how many messages chatID holds.
func (s *Store) Count(chatID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages[chatID])
}
