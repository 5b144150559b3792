package conversation

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"chatguard.org/internal/audit"
	"chatguard.org/internal/auth"
	"chatguard.org/internal/budget"
	"chatguard.org/internal/chat"
	"chatguard.org/internal/llm"
	"chatguard.org/internal/models"
	"chatguard.org/internal/rag"
	"chatguard.org/internal/stream"
)

// Authorizer answers policy questions, including ones about a resource whose
// owner is known. *policy.Engine satisfies it.
type Authorizer interface {
	rag.Authorizer
	IsAllowedOn(ac auth.AuthContext, resourceType, action, ownerID string) bool
}

// ChatRepo persists chats and their members.
type ChatRepo interface {
	// CreateChat stores the chat and its owner's membership atomically; on error
	// neither is persisted.
	CreateChat(ctx context.Context, c chat.Chat, owner chat.Member) (chat.Chat, chat.Member, error)
	// FindChatByID returns chat.ErrNotFound for unknown ids and ids of another tenant.
	FindChatByID(ctx context.Context, tenantID, chatID string) (chat.Chat, error)
	ListMembers(ctx context.Context, chatID string) ([]chat.Member, error)
	// AddMember returns chat.ErrAlreadyMember when the user already belongs to the chat.
	AddMember(ctx context.Context, m chat.Member) (chat.Member, error)
}

// MessageRepo persists immutable messages.
type MessageRepo interface {
	// CreateMessage assigns id and createdAt. A parent outside the draft's chat
	// fails with chat.ErrParentNotInChat.
	CreateMessage(ctx context.Context, d chat.Draft) (chat.Message, error)
	// ListMessages returns the latest limit messages in chronological order.
	ListMessages(ctx context.Context, chatID string, limit int) ([]chat.Message, error)
}

// Deps are the collaborators of a Service. Retrieval and Events are optional.
type Deps struct {
	Chats     ChatRepo
	Messages  MessageRepo
	Policies  Authorizer
	Retrieval rag.Port
	Models    models.Router
	Budgets   *budget.Guard
	Audit     *audit.Recorder
	Generator llm.Generator
	Events    stream.Publisher

	// TokenEstimate is reserved on each budget before generation.
	TokenEstimate int64
	// HistoryTurns is how many earlier readable messages are sent to the model.
	HistoryTurns int
}

// Service runs the chat use cases.
type Service struct {
	chats     ChatRepo
	messages  MessageRepo
	policies  Authorizer
	queries   *rag.QueryBuilder
	retrieval rag.Port
	models    models.Router
	budgets   *budget.Guard
	audit     *audit.Recorder
	generator llm.Generator
	events    stream.Publisher
	estimate  int64
	history   int
	tracer    trace.Tracer
	now       func() time.Time
}

// New wires a Service.
func New(d Deps) *Service {
	estimate := d.TokenEstimate
	if estimate <= 0 {
		estimate = budget.DefaultEstimate
	}
	rec := d.Audit
	if rec == nil {
		rec = audit.NewRecorder(audit.LogSink{})
	}
	return &Service{
		chats:     d.Chats,
		messages:  d.Messages,
		policies:  d.Policies,
		queries:   rag.NewQueryBuilder(d.Policies),
		retrieval: d.Retrieval,
		models:    d.Models,
		budgets:   d.Budgets,
		audit:     rec,
		generator: d.Generator,
		events:    d.Events,
		estimate:  estimate,
		history:   d.HistoryTurns,
		tracer:    otel.Tracer("chatguard.org/internal/conversation"),
		now:       time.Now,
	}
}

func (s *Service) publish(m chat.Message) {
	if s.events != nil {
		s.events.Publish(stream.MessageCreated(m))
	}
}
