package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"chatguard.org/internal/auth"
	"chatguard.org/internal/chat"
	"chatguard.org/internal/conversation"
	"chatguard.org/internal/rag"
)

type createChatRequest struct {
	Title        string                     `json:"title"`
	SystemPrompt string                     `json:"systemPrompt"`
	Settings     conversation.SettingsPatch `json:"settings"`
}

type addMemberRequest struct {
	UserID string          `json:"userId"`
	Role   string          `json:"role"`
	Grant  chat.Capability `json:"grant"`
	Revoke chat.Capability `json:"revoke"`
}

type sendMessageRequest struct {
	Content    string        `json:"content"`
	Visibility string        `json:"visibility"`
	VisibleTo  chat.Audience `json:"visibleTo"`
	ParentID   string        `json:"parentId"`
	UseRAG     bool          `json:"useRag"`
	RAGFilters rag.Filters   `json:"ragFilters"`
	Model      string        `json:"model"`
}

type chatResponse struct {
	Chat    chat.Chat     `json:"chat"`
	Members []chat.Member `json:"members"`
}

type messagesResponse struct {
	Messages []chat.Message `json:"messages"`
}

func authContext(r *http.Request) auth.AuthContext {
	ac, _ := auth.FromContext(r.Context())
	return ac
}

func (a *API) createChat(w http.ResponseWriter, r *http.Request) {
	var req createChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	out, err := a.svc.CreateChat(r.Context(), authContext(r), conversation.CreateChatInput{
		Title:        req.Title,
		SystemPrompt: req.SystemPrompt,
		Settings:     req.Settings,
	})
	if err != nil {
		writeConversationError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (a *API) getChat(w http.ResponseWriter, r *http.Request) {
	c, members, err := a.svc.Members(r.Context(), authContext(r), mux.Vars(r)["id"])
	if err != nil {
		writeConversationError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Chat: c, Members: members})
}

func (a *API) addMember(w http.ResponseWriter, r *http.Request) {
	var req addMemberRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	m, err := a.svc.AddMember(r.Context(), authContext(r), conversation.AddMemberInput{
		ChatID:   mux.Vars(r)["id"],
		UserID:   req.UserID,
		Role:     chat.Role(req.Role),
		Override: chat.Override{Grant: req.Grant, Revoke: req.Revoke},
	})
	if err != nil {
		writeConversationError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (a *API) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	out, err := a.svc.SendMessage(r.Context(), authContext(r), conversation.SendInput{
		ChatID:     mux.Vars(r)["id"],
		Content:    req.Content,
		Visibility: chat.Visibility(req.Visibility),
		VisibleTo:  req.VisibleTo,
		ParentID:   req.ParentID,
		UseRAG:     req.UseRAG,
		RAGFilters: req.RAGFilters,
		Model:      req.Model,
	})
	if err != nil {
		var extra map[string]any
		if out.UserMessage.ID != "" {
			extra = map[string]any{"userMessage": out.UserMessage}
		}
		writeConversationError(w, r, err, extra)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (a *API) listMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 500)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	msgs, err := a.svc.ListMessages(r.Context(), authContext(r), mux.Vars(r)["id"], limit)
	if err != nil {
		writeConversationError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, messagesResponse{Messages: msgs})
}
