package chat

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"chatguard.org/internal/auth"
)

// AuthorRole distinguishes human turns from model output.
type AuthorRole string

const (
	AuthorUser      AuthorRole = "user"
	AuthorAssistant AuthorRole = "assistant"
)

// SystemAuthorID is the reserved author of assistant messages.
const SystemAuthorID = "system"

// AccessScope lists who may read an item. Principal scopes (Users, Roles) come
// from private messages; attribute scopes come from ingested documents. An empty
// scope on a public message means chat-wide.
type AccessScope struct {
	Users              []string `json:"users,omitempty"`
	Roles              []string `json:"roles,omitempty"`
	Departments        []string `json:"departments,omitempty"`
	Tags               []string `json:"tags,omitempty"`
	DocumentVersionIDs []string `json:"documentVersionIds,omitempty"`
}

// IsZero reports whether no dimension is set.
func (s AccessScope) IsZero() bool {
	return len(s.Users) == 0 && len(s.Roles) == 0 && !s.HasAttributes()
}

// HasAttributes reports whether any attribute dimension is set.
func (s AccessScope) HasAttributes() bool {
	return len(s.Departments) > 0 || len(s.Tags) > 0 || len(s.DocumentVersionIDs) > 0
}

// Audience is the caller-supplied recipient list of a private message.
type Audience struct {
	Users []string `json:"users,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// Message is an immutable chat entry.
type Message struct {
	ID          string      `json:"id"`
	TenantID    string      `json:"tenantId"`
	ChatID      string      `json:"chatId"`
	AuthorID    string      `json:"authorId"`
	AuthorRole  AuthorRole  `json:"role"`
	ParentID    string      `json:"parentId,omitempty"`
	Content     string      `json:"content"`
	Visibility  Visibility  `json:"visibility"`
	AccessScope AccessScope `json:"accessScope"`
	ModelUsed   string      `json:"modelUsed,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// Draft is a message that has not been persisted yet.
type Draft struct {
	TenantID    string
	ChatID      string
	AuthorID    string
	AuthorRole  AuthorRole
	ParentID    string
	Content     string
	Visibility  Visibility
	AccessScope AccessScope
	ModelUsed   string
}

// CreatePublicMessage drafts a message readable by every member of the chat.
func CreatePublicMessage(chatID, authorID, content string, ac auth.AuthContext, role AuthorRole) Draft {
	return Draft{
		TenantID:   ac.TenantID(),
		ChatID:     chatID,
		AuthorID:   authorID,
		AuthorRole: role,
		Content:    content,
		Visibility: Public,
	}
}

// CreatePrivateMessage drafts a message readable by exactly the given audience and
// its author.
func CreatePrivateMessage(chatID, authorID, content string, ac auth.AuthContext, visibleTo Audience, role AuthorRole) Draft {
	return Draft{
		TenantID:   ac.TenantID(),
		ChatID:     chatID,
		AuthorID:   authorID,
		AuthorRole: role,
		Content:    content,
		Visibility: Private,
		AccessScope: AccessScope{
			Users: normalizeSet(visibleTo.Users, false),
			Roles: normalizeSet(visibleTo.Roles, true),
		},
	}
}

// ErrAudienceNotMember is returned when a private audience names a non-member.
var ErrAudienceNotMember = errors.New("chat: audience user is not a member")

// ValidateAudience checks that every user in a private scope belongs to the chat.
func ValidateAudience(scope AccessScope, members []Member) error {
	for _, uid := range scope.Users {
		if _, ok := FindMember(members, uid); !ok {
			return fmt.Errorf("%w: %s", ErrAudienceNotMember, uid)
		}
	}
	return nil
}

// CanRead reports whether ac may read msg. Public messages are readable by any
// member; private ones by their author, listed users and holders of listed roles.
func CanRead(msg Message, members []Member, ac auth.AuthContext) bool {
	if ac.IsZero() || ac.TenantID() != msg.TenantID {
		return false
	}
	uid, hasUser := ac.UserID()
	if !hasUser {
		return false
	}
	if _, isMember := FindMember(members, uid); !isMember {
		return false
	}
	if msg.Visibility != Private {
		return true
	}
	if uid == msg.AuthorID {
		return true
	}
	for _, u := range msg.AccessScope.Users {
		if u == uid {
			return true
		}
	}
	for _, r := range msg.AccessScope.Roles {
		if ac.HasRole(r) {
			return true
		}
	}
	return false
}

// Filter returns the messages ac may read, preserving order.
func Filter(msgs []Message, members []Member, ac auth.AuthContext) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if CanRead(m, members, ac) {
			out = append(out, m)
		}
	}
	return out
}

func normalizeSet(values []string, lower bool) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if lower {
			v = strings.ToLower(v)
		}
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}
