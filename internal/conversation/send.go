package conversation

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"chatguard.org/internal/audit"
	"chatguard.org/internal/auth"
	"chatguard.org/internal/budget"
	"chatguard.org/internal/chat"
	"chatguard.org/internal/llm"
	"chatguard.org/internal/models"
	"chatguard.org/internal/obs"
	"chatguard.org/internal/policy"
	"chatguard.org/internal/rag"
)

const opSend = "conversation.SendMessage"

// SendInput is an inbound chat message.
type SendInput struct {
	ChatID     string
	Content    string
	Visibility chat.Visibility
	VisibleTo  chat.Audience
	ParentID   string
	UseRAG     bool
	// RAGFilters narrow retrieval beyond the message's own scope.
	RAGFilters rag.Filters
	// Model pins a model; empty lets the router choose.
	Model string
}

// SendOutput carries whatever was committed. UserMessage is set whenever the
// user message was persisted, even if a later step failed.
type SendOutput struct {
	UserMessage      chat.Message  `json:"userMessage"`
	AssistantMessage *chat.Message `json:"assistantMessage,omitempty"`
	RAGResults       []rag.Result  `json:"ragResults,omitempty"`
	TokensUsed       int64         `json:"tokensUsed,omitempty"`
}

// SendMessage persists the user's message and, budget and model permitting, an
// assistant reply. Failures before persistence leave no trace; failures after it
// return the persisted user message together with the error.
func (s *Service) SendMessage(ctx context.Context, ac auth.AuthContext, in SendInput) (out SendOutput, err error) {
	ctx, span := s.tracer.Start(ctx, opSend)
	defer span.End()
	stage := "authenticate"
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = KindOf(err).String()
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		obs.SendTotal.WithLabelValues(stage, outcome).Inc()
	}()

	// 1. Authenticate.
	uid, ok := ac.UserID()
	if ac.IsZero() || !ok {
		return out, failf(Unauthenticated, opSend, "a user identity is required to send messages")
	}
	span.SetAttributes(
		attribute.String("tenant.id", ac.TenantID()),
		attribute.String("user.id", uid),
		attribute.String("chat.id", in.ChatID),
	)
	visibility, ok := chat.ParseVisibility(string(in.Visibility))
	if !ok {
		return out, failf(InvalidArgument, opSend, "unknown visibility %q", in.Visibility)
	}
	if strings.TrimSpace(in.Content) == "" {
		return out, failf(InvalidArgument, opSend, "content is required")
	}

	// 2. Authorize send.
	stage = "authorize"
	c, members, err := s.loadChat(ctx, opSend, ac, in.ChatID)
	if err != nil {
		return out, err
	}
	if !chat.CanSendMessages(c, members, ac) {
		return out, failf(Forbidden, opSend, "not allowed to send messages in chat %s", c.ID)
	}

	// 3. Authorize visibility.
	var draft chat.Draft
	if visibility == chat.Private {
		if !chat.CanSendPrivateMessages(c, members, ac) {
			return out, failf(Forbidden, opSend, "not allowed to send private messages in chat %s", c.ID)
		}
		if !s.allowedOn(ac, policy.ResourceChat, policy.ActionSendPrivateMessage, c.OwnerID) {
			return out, failf(Forbidden, opSend, "private messages are not allowed by policy")
		}
		draft = chat.CreatePrivateMessage(c.ID, uid, in.Content, ac, in.VisibleTo, chat.AuthorUser)
		if err := chat.ValidateAudience(draft.AccessScope, members); err != nil {
			return out, fail(InvalidArgument, opSend, err)
		}
	} else {
		draft = chat.CreatePublicMessage(c.ID, uid, in.Content, ac, chat.AuthorUser)
	}
	draft.ParentID = strings.TrimSpace(in.ParentID)

	// 4. Persist the user message.
	stage = "persist"
	userMsg, err := s.messages.CreateMessage(ctx, draft)
	if err != nil {
		if errors.Is(err, chat.ErrParentNotInChat) {
			return out, fail(InvalidArgument, opSend, err)
		}
		return out, fail(StorageError, opSend, err)
	}
	out.UserMessage = userMsg
	s.audit.Record(ctx, audit.Entry{
		TenantID:     ac.TenantID(),
		UserID:       uid,
		Action:       "message.create",
		Resource:     userMsg.ID,
		ResourceType: "message",
		Details: map[string]any{
			"chatId":     c.ID,
			"visibility": string(visibility),
			"length":     len(in.Content),
		},
	})
	s.publish(userMsg)
	span.AddEvent("user message persisted", traceAttr("message.id", userMsg.ID))

	// The user message is committed; finish or abort cleanly even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	// 5. Retrieve context.
	stage = "retrieve"
	if in.UseRAG {
		out.RAGResults = s.retrieve(ctx, ac, c, members, userMsg, in.RAGFilters)
	}

	// 6. Select a model.
	stage = "select_model"
	modelID, err := s.selectModel(ctx, ac, in.Model)
	if err != nil {
		return out, err
	}
	span.SetAttributes(attribute.String("model.id", modelID))

	// 7. Admit under budget.
	stage = "admit"
	adm, err := s.budgets.Admit(ctx, ac.TenantID(), uid, budget.KindTokens, s.estimate)
	if err != nil {
		if errors.Is(err, budget.ErrExceeded) {
			return out, fail(BudgetExceeded, opSend, err)
		}
		return out, fail(StorageError, opSend, err)
	}

	// 8. Generate and persist the assistant message.
	stage = "generate"
	resp, err := s.generator.Generate(ctx, s.generationRequest(ctx, ac, c, members, userMsg, modelID, out.RAGResults))
	if err != nil {
		s.releaseAdmission(ctx, adm)
		return out, fail(GenerationFailed, opSend, err)
	}
	assistantDraft := assistantDraftFor(userMsg, uid, resp.Content, ac)
	assistantDraft.ModelUsed = modelID
	assistantMsg, err := s.messages.CreateMessage(ctx, assistantDraft)
	if err != nil {
		s.releaseAdmission(ctx, adm)
		return out, fail(StorageError, opSend, err)
	}
	out.AssistantMessage = &assistantMsg
	s.publish(assistantMsg)

	// 9. Account consumption.
	stage = "account"
	cost := resp.TokensUsed
	if cost <= 0 {
		cost = s.estimate
	}
	out.TokensUsed = cost
	if err := adm.Settle(ctx, cost); err != nil {
		obs.Logger().Error("budget settle failed",
			zap.String("tenant_id", ac.TenantID()),
			zap.String("message_id", assistantMsg.ID),
			zap.Int64("cost", cost),
			zap.Error(err))
	}

	// 10. Audit.
	stage = "done"
	s.audit.Record(ctx, audit.Entry{
		TenantID:     ac.TenantID(),
		UserID:       uid,
		Action:       "message.assistant_response",
		Resource:     assistantMsg.ID,
		ResourceType: "message",
		Details: map[string]any{
			"chatId":          c.ID,
			"userMessageId":   userMsg.ID,
			"modelUsed":       modelID,
			"ragUsed":         in.UseRAG,
			"ragResultsCount": len(out.RAGResults),
		},
	})
	return out, nil
}

func (s *Service) allowed(ac auth.AuthContext, resourceType, action string) bool {
	return s.policies != nil && s.policies.IsAllowed(ac, resourceType, action)
}

func (s *Service) allowedOn(ac auth.AuthContext, resourceType, action, ownerID string) bool {
	return s.policies != nil && s.policies.IsAllowedOn(ac, resourceType, action, ownerID)
}

func (s *Service) loadChat(ctx context.Context, op string, ac auth.AuthContext, chatID string) (chat.Chat, []chat.Member, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return chat.Chat{}, nil, failf(InvalidArgument, op, "chat id is required")
	}
	c, err := s.chats.FindChatByID(ctx, ac.TenantID(), chatID)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			return chat.Chat{}, nil, failf(NotFound, op, "chat %s not found", chatID)
		}
		return chat.Chat{}, nil, fail(StorageError, op, err)
	}
	members, err := s.chats.ListMembers(ctx, c.ID)
	if err != nil {
		return chat.Chat{}, nil, fail(StorageError, op, err)
	}
	return c, members, nil
}

// retrieve never fails: a denied or broken retrieval yields no results.
func (s *Service) retrieve(ctx context.Context, ac auth.AuthContext, c chat.Chat, members []chat.Member, msg chat.Message, extra rag.Filters) []rag.Result {
	if s.retrieval == nil {
		return nil
	}
	if !chat.EffectiveCapabilities(c, members, ac).Has(chat.CapUseRAG) || !s.allowed(ac, policy.ResourceRAG, policy.ActionSearch) {
		return nil
	}
	scope := msg.AccessScope
	scope.Departments = append(append([]string(nil), scope.Departments...), extra.Departments...)
	scope.Tags = append(append([]string(nil), scope.Tags...), extra.Tags...)
	scope.DocumentVersionIDs = append(append([]string(nil), scope.DocumentVersionIDs...), extra.DocumentVersionIDs...)

	q, err := s.queries.Build(ac, msg.Content, scope)
	if err != nil {
		return nil
	}
	results, err := s.retrieval.Search(ctx, ac.TenantID(), q)
	if err != nil {
		obs.RetrievalDegraded.Inc()
		obs.Logger().Warn("retrieval degraded",
			zap.String("tenant_id", ac.TenantID()),
			zap.String("chat_id", c.ID),
			zap.Error(err))
		return nil
	}
	return rag.FilterReadable(results, q, ac)
}

func (s *Service) selectModel(ctx context.Context, ac auth.AuthContext, pinned string) (string, error) {
	pinned = strings.TrimSpace(pinned)
	if pinned != "" {
		ok, err := s.models.IsModelAllowed(ctx, ac, pinned)
		if err != nil {
			return "", fail(StorageError, opSend, err)
		}
		if !ok {
			return "", failf(ModelNotAllowed, opSend, "model %s is not allowed", pinned)
		}
		return pinned, nil
	}
	m, ok, err := s.models.SelectModel(ctx, ac, models.Requirements{
		Capabilities: models.Capabilities{ToolCall: true},
		PreferFree:   true,
	})
	if err != nil {
		return "", fail(StorageError, opSend, err)
	}
	if !ok || m.ID == "" {
		return "", failf(NoSuitableModel, opSend, "no model satisfies the request")
	}
	return m.ID, nil
}

func (s *Service) releaseAdmission(ctx context.Context, adm *budget.Admission) {
	if err := adm.Release(ctx); err != nil {
		obs.Logger().Error("budget release failed", zap.Error(err))
	}
}

func (s *Service) generationRequest(ctx context.Context, ac auth.AuthContext, c chat.Chat, members []chat.Member, userMsg chat.Message, modelID string, results []rag.Result) llm.Request {
	req := llm.Request{
		Model:        modelID,
		SystemPrompt: c.SystemPrompt,
		Prompt:       userMsg.Content,
	}
	for _, r := range results {
		req.Context = append(req.Context, r.Text)
	}
	if s.history <= 0 {
		return req
	}
	prior, err := s.messages.ListMessages(ctx, c.ID, s.history+1)
	if err != nil {
		obs.Logger().Warn("history unavailable", zap.String("chat_id", c.ID), zap.Error(err))
		return req
	}
	for _, m := range chat.Filter(prior, members, ac) {
		if m.ID == userMsg.ID {
			continue
		}
		role := "user"
		if m.AuthorRole == chat.AuthorAssistant {
			role = "assistant"
		}
		req.History = append(req.History, llm.Turn{Role: role, Content: m.Content})
	}
	if len(req.History) > s.history {
		req.History = req.History[len(req.History)-s.history:]
	}
	return req
}

// assistantDraftFor answers with the visibility of the question. A private
// question gets a private answer readable by its asker and original audience.
func assistantDraftFor(userMsg chat.Message, askerID, content string, ac auth.AuthContext) chat.Draft {
	var d chat.Draft
	if userMsg.Visibility == chat.Private {
		d = chat.CreatePrivateMessage(userMsg.ChatID, chat.SystemAuthorID, content, ac, chat.Audience{
			Users: append(append([]string(nil), userMsg.AccessScope.Users...), askerID),
			Roles: userMsg.AccessScope.Roles,
		}, chat.AuthorAssistant)
	} else {
		d = chat.CreatePublicMessage(userMsg.ChatID, chat.SystemAuthorID, content, ac, chat.AuthorAssistant)
	}
	d.ParentID = userMsg.ID
	return d
}
