package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"chatguard.org/internal/chat"
	"chatguard.org/internal/ids"
)

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// CreateChat inserts the chat and its owner's membership in one transaction.
func (s *Store) CreateChat(ctx context.Context, c chat.Chat, owner chat.Member) (chat.Chat, chat.Member, error) {
	if s.db == nil {
		return chat.Chat{}, chat.Member{}, errNoDB
	}
	if c.ID == "" {
		c.ID = ids.WithPrefix("chat")
	}
	owner.ChatID = c.ID
	settings, err := json.Marshal(c.Settings)
	if err != nil {
		return chat.Chat{}, chat.Member{}, fmt.Errorf("marshal settings: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chat.Chat{}, chat.Member{}, err
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		insert into chats (id, tenant_id, owner_id, title, system_prompt, settings)
		values ($1, $2, $3, $4, $5, $6)
		returning created_at
	`, c.ID, c.TenantID, c.OwnerID, c.Title, c.SystemPrompt, settings).Scan(&c.CreatedAt)
	if err != nil {
		return chat.Chat{}, chat.Member{}, err
	}
	owner, err = insertMember(ctx, tx, owner)
	if err != nil {
		return chat.Chat{}, chat.Member{}, err
	}
	if err := tx.Commit(); err != nil {
		return chat.Chat{}, chat.Member{}, err
	}
	return c, owner, nil
}

func (s *Store) FindChatByID(ctx context.Context, tenantID, chatID string) (chat.Chat, error) {
	if s.db == nil {
		return chat.Chat{}, errNoDB
	}
	var (
		c   chat.Chat
		raw []byte
	)
	err := s.db.QueryRowContext(ctx, `
		select id, tenant_id, owner_id, title, system_prompt, settings, created_at
		from chats
		where id = $1 and tenant_id = $2
	`, chatID, tenantID).Scan(&c.ID, &c.TenantID, &c.OwnerID, &c.Title, &c.SystemPrompt, &raw, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Chat{}, chat.ErrNotFound
	}
	if err != nil {
		return chat.Chat{}, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &c.Settings); err != nil {
			return chat.Chat{}, fmt.Errorf("decode settings: %w", err)
		}
	}
	return c, nil
}

func (s *Store) ListMembers(ctx context.Context, chatID string) ([]chat.Member, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, chat_id, user_id, role, permissions, joined_at
		from chat_members
		where chat_id = $1
		order by joined_at, id
	`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chat.Member
	for rows.Next() {
		var (
			m    chat.Member
			role string
			caps int64
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &m.UserID, &role, &caps, &m.JoinedAt); err != nil {
			return nil, err
		}
		m.Role = chat.Role(role)
		m.Capabilities = chat.Capability(caps) & chat.AllCapabilities
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) AddMember(ctx context.Context, m chat.Member) (chat.Member, error) {
	if s.db == nil {
		return chat.Member{}, errNoDB
	}
	return insertMember(ctx, s.db, m)
}

func insertMember(ctx context.Context, q queryRower, m chat.Member) (chat.Member, error) {
	if m.ID == "" {
		m.ID = ids.WithPrefix("mbr")
	}
	err := q.QueryRowContext(ctx, `
		insert into chat_members (id, chat_id, user_id, role, permissions)
		values ($1, $2, $3, $4, $5)
		returning joined_at
	`, m.ID, m.ChatID, m.UserID, string(m.Role), int64(m.Capabilities)).Scan(&m.JoinedAt)
	if err != nil {
		switch {
		case isCode(err, pgErrUniqueViolation):
			return chat.Member{}, chat.ErrAlreadyMember
		case isCode(err, pgErrForeignKeyViolation):
			return chat.Member{}, chat.ErrNotFound
		}
		return chat.Member{}, err
	}
	return m, nil
}

// CreateMessage inserts only when the parent, if any, belongs to the same chat.
func (s *Store) CreateMessage(ctx context.Context, d chat.Draft) (chat.Message, error) {
	if s.db == nil {
		return chat.Message{}, errNoDB
	}
	scope, err := json.Marshal(d.AccessScope)
	if err != nil {
		return chat.Message{}, fmt.Errorf("marshal access scope: %w", err)
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
	}
	err = s.db.QueryRowContext(ctx, `
		insert into messages (id, tenant_id, chat_id, author_id, author_role, parent_id, content, visibility, access_scope, model_used)
		select $1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		where $6::text is null
		   or exists (select 1 from messages p where p.id = $6::text and p.chat_id = $3)
		returning created_at
	`, m.ID, m.TenantID, m.ChatID, m.AuthorID, string(m.AuthorRole), nullIfEmpty(m.ParentID),
		m.Content, string(m.Visibility), scope, nullIfEmpty(m.ModelUsed)).Scan(&m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Message{}, chat.ErrParentNotInChat
	}
	if err != nil {
		if isCode(err, pgErrForeignKeyViolation) {
			return chat.Message{}, chat.ErrNotFound
		}
		return chat.Message{}, err
	}
	return m, nil
}

func (s *Store) ListMessages(ctx context.Context, chatID string, limit int) ([]chat.Message, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, tenant_id, chat_id, author_id, author_role, coalesce(parent_id, ''),
		       content, visibility, access_scope, coalesce(model_used, ''), created_at
		from (
			select * from messages
			where chat_id = $1
			order by created_at desc, id desc
			limit $2
		) latest
		order by created_at asc, id asc
	`, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		var (
			m                      chat.Message
			authorRole, visibility string
			scope                  []byte
		)
		if err := rows.Scan(&m.ID, &m.TenantID, &m.ChatID, &m.AuthorID, &authorRole, &m.ParentID,
			&m.Content, &visibility, &scope, &m.ModelUsed, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.AuthorRole = chat.AuthorRole(authorRole)
		m.Visibility = chat.Visibility(visibility)
		if len(scope) > 0 {
			if err := json.Unmarshal(scope, &m.AccessScope); err != nil {
				return nil, fmt.Errorf("decode access scope: %w", err)
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
