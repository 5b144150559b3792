package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"chatguard.org/internal/audit"
	"chatguard.org/internal/auth"
	"chatguard.org/internal/budget"
	"chatguard.org/internal/chat"
	"chatguard.org/internal/conversation"
	"chatguard.org/internal/llm"
	"chatguard.org/internal/models"
	"chatguard.org/internal/policy"
	"chatguard.org/internal/rag"
	"chatguard.org/internal/store/memory"
	"chatguard.org/internal/stream"
)

const testSecret = "test-secret-test-secret-test-secret"

type echoGenerator struct{}

func (echoGenerator) Generate(_ context.Context, req llm.Request) (llm.Response, error) {
	return llm.Response{Content: "echo", Model: req.Model, TokensUsed: 7}, nil
}

type apiClient struct {
	baseURL string
	client  *http.Client
	tokens  *auth.TokenVerifier
	keys    *auth.MemoryAPIKeys
	budgets *budget.MemoryStore
	audit   *audit.Memory
	hub     *stream.Hub
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	tokens, err := auth.NewTokenVerifier(testSecret)
	if err != nil {
		t.Fatalf("token verifier: %v", err)
	}
	keys := auth.NewMemoryAPIKeys()
	store := memory.New()
	policies := policy.NewStore()
	policies.Replace([]policy.Policy{{
		ID: "allow-all", TenantID: "t1", ResourceType: policy.Wildcard, Action: policy.Wildcard,
		Effect: policy.Allow, Priority: 1, Enabled: true,
	}})
	budgets := budget.NewMemoryStore()
	sink := audit.NewMemory()
	recorder := audit.NewRecorder(sink)
	hub := stream.New()
	index := rag.NewMemoryIndex(nil)

	svc := conversation.New(conversation.Deps{
		Chats:     store,
		Messages:  store,
		Policies:  policy.NewEngine(policies),
		Retrieval: index,
		Models: models.NewCatalog([]models.Model{
			{ID: "free-1", Provider: "openai", Free: true, Capabilities: models.Capabilities{ToolCall: true}},
		}, map[string][]string{"t1": {"free-1"}}),
		Budgets:   budget.NewGuard(budgets),
		Audit:     recorder,
		Generator: echoGenerator{},
		Events:    hub,
	})

	api := New(Options{
		Service:       svc,
		Authenticator: NewAuthenticator(tokens, auth.NewAPIKeyVerifier(keys), nil),
		Tokens:        tokens,
		Hub:           hub,
		Index:         index,
		Audit:         recorder,
		Version:       "test",
		RateBurst:     100,
		RatePerSec:    100,
	})

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		tokens:  tokens,
		keys:    keys,
		budgets: budgets,
		audit:   sink,
		hub:     hub,
		t:       t,
	}
}

func (c *apiClient) token(tenantID, userID string, roles ...string) string {
	c.t.Helper()
	tok, _, err := c.tokens.Issue(auth.Credentials{TenantID: tenantID, UserID: userID, Roles: roles}, time.Hour)
	if err != nil {
		c.t.Fatalf("issue token: %v", err)
	}
	return tok
}

func bearerHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, r *http.Response, want int) {
	t.Helper()
	if r.StatusCode != want {
		body := decode[map[string]any](t, r)
		t.Fatalf("expected status %d, got %d: %v", want, r.StatusCode, body)
	}
}

// createChat makes u1 the owner of a chat and adds every user in members.
func (c *apiClient) createChat(members ...string) string {
	c.t.Helper()
	owner := bearerHeader(c.token("t1", "u1"))
	resp := c.post("/v1/chats", map[string]any{"title": "Demo"}, owner)
	expectStatus(c.t, resp, http.StatusCreated)
	out := decode[conversation.CreateChatOutput](c.t, resp)
	for _, uid := range members {
		resp := c.post("/v1/chats/"+out.Chat.ID+"/members", map[string]any{"userId": uid}, owner)
		expectStatus(c.t, resp, http.StatusCreated)
		resp.Body.Close()
	}
	return out.Chat.ID
}

func TestHealthAndInfo(t *testing.T) {
	c := newTestAPI(t)

	resp := c.get("/healthz", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	health := decode[map[string]any](t, resp)
	if health["status"] != "ok" || health["version"] != "test" {
		t.Fatalf("unexpected health payload: %v", health)
	}

	resp = c.get("/readyz", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestUnauthenticatedRequestsAreRejected(t *testing.T) {
	c := newTestAPI(t)

	resp := c.post("/v1/chats", map[string]any{"title": "x"}, nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatal("expected WWW-Authenticate header")
	}
	resp.Body.Close()

	resp = c.post("/v1/chats", map[string]any{"title": "x"}, map[string]string{"Authorization": "Basic abc"})
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = c.post("/v1/chats", map[string]any{"title": "x"}, bearerHeader("not-a-jwt"))
	expectStatus(t, resp, http.StatusUnauthorized)
	body := decode[map[string]any](t, resp)
	if body["error"] != "invalid token" {
		t.Fatalf("unexpected error: %v", body["error"])
	}
}

func TestAPIKeyAuthenticatesAndIssuesToken(t *testing.T) {
	c := newTestAPI(t)
	raw, key, err := auth.GenerateAPIKey("t1", "u1", []string{"member"})
	if err != nil {
		t.Fatalf("generate api key: %v", err)
	}
	c.keys.Put(key)

	resp := c.post("/v1/auth/token", nil, map[string]string{apiKeyHeader: raw})
	expectStatus(t, resp, http.StatusOK)
	tok := decode[tokenResponse](t, resp)
	if tok.AccessToken == "" || tok.TokenType != "Bearer" {
		t.Fatalf("unexpected token response: %+v", tok)
	}
	cred, err := c.tokens.Verify(tok.AccessToken)
	if err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
	if cred.TenantID != "t1" || cred.UserID != "u1" {
		t.Fatalf("unexpected credentials: %+v", cred)
	}

	resp = c.post("/v1/chats", map[string]any{"title": "via key"}, map[string]string{apiKeyHeader: raw})
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	resp = c.post("/v1/chats", map[string]any{"title": "x"}, map[string]string{apiKeyHeader: "cg_bogus_key"})
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestChatFlow(t *testing.T) {
	c := newTestAPI(t)
	chatID := c.createChat("u2")
	u1 := bearerHeader(c.token("t1", "u1"))
	u2 := bearerHeader(c.token("t1", "u2"))

	resp := c.get("/v1/chats/"+chatID, nil, u2)
	expectStatus(t, resp, http.StatusOK)
	got := decode[chatResponse](t, resp)
	if got.Chat.ID != chatID || len(got.Members) != 2 {
		t.Fatalf("unexpected chat: %+v", got)
	}

	resp = c.post("/v1/chats/"+chatID+"/messages", map[string]any{"content": "Hello"}, u1)
	expectStatus(t, resp, http.StatusCreated)
	sent := decode[conversation.SendOutput](t, resp)
	if sent.UserMessage.Content != "Hello" || sent.AssistantMessage == nil {
		t.Fatalf("unexpected send output: %+v", sent)
	}
	if sent.AssistantMessage.ModelUsed != "free-1" || sent.TokensUsed != 7 {
		t.Fatalf("unexpected assistant message: %+v", sent.AssistantMessage)
	}

	resp = c.get("/v1/chats/"+chatID+"/messages", url.Values{"limit": {"10"}}, u2)
	expectStatus(t, resp, http.StatusOK)
	list := decode[messagesResponse](t, resp)
	if len(list.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(list.Messages))
	}
	if list.Messages[1].ParentID != list.Messages[0].ID {
		t.Fatalf("assistant reply should answer the user message")
	}
}

func TestPrivateMessagesAreFilteredPerReader(t *testing.T) {
	c := newTestAPI(t)
	chatID := c.createChat("u2", "u3")

	resp := c.post("/v1/chats/"+chatID+"/messages", map[string]any{
		"content":    "just us",
		"visibility": "private",
		"visibleTo":  map[string]any{"users": []string{"u2"}},
	}, bearerHeader(c.token("t1", "u1")))
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	for user, want := range map[string]int{"u1": 2, "u2": 2, "u3": 0} {
		resp := c.get("/v1/chats/"+chatID+"/messages", nil, bearerHeader(c.token("t1", user)))
		expectStatus(t, resp, http.StatusOK)
		list := decode[messagesResponse](t, resp)
		if len(list.Messages) != want {
			t.Fatalf("%s: expected %d messages, got %d", user, want, len(list.Messages))
		}
	}
}

func TestErrorStatusMapping(t *testing.T) {
	c := newTestAPI(t)
	chatID := c.createChat()
	u1 := bearerHeader(c.token("t1", "u1"))

	cases := []struct {
		name   string
		resp   func() *http.Response
		status int
		code   string
	}{
		{
			name: "non member",
			resp: func() *http.Response {
				return c.get("/v1/chats/"+chatID+"/messages", nil, bearerHeader(c.token("t1", "u9")))
			},
			status: http.StatusForbidden,
			code:   "forbidden",
		},
		{
			name:   "other tenant",
			resp:   func() *http.Response { return c.get("/v1/chats/"+chatID, nil, bearerHeader(c.token("t2", "u1"))) },
			status: http.StatusNotFound,
			code:   "not_found",
		},
		{
			name: "empty content",
			resp: func() *http.Response {
				return c.post("/v1/chats/"+chatID+"/messages", map[string]any{"content": "  "}, u1)
			},
			status: http.StatusBadRequest,
			code:   "invalid_argument",
		},
		{
			name: "model not allowed",
			resp: func() *http.Response {
				return c.post("/v1/chats/"+chatID+"/messages", map[string]any{"content": "hi", "model": "gpt-x"}, u1)
			},
			status: http.StatusUnprocessableEntity,
			code:   "model_not_allowed",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := tc.resp()
			expectStatus(t, resp, tc.status)
			body := decode[map[string]any](t, resp)
			if body["code"] != tc.code {
				t.Fatalf("expected code %q, got %v", tc.code, body["code"])
			}
			if body["request_id"] == nil {
				t.Fatal("expected request_id in error body")
			}
		})
	}
}

func TestBudgetExceededReturnsPersistedUserMessage(t *testing.T) {
	c := newTestAPI(t)
	chatID := c.createChat()
	if _, err := c.budgets.Create(context.Background(), budget.Budget{
		TenantID: "t1", Scope: budget.ScopeTenant, OwnerID: "t1", Kind: budget.KindTokens, Limit: 10, Used: 10,
	}); err != nil {
		t.Fatalf("create budget: %v", err)
	}

	resp := c.post("/v1/chats/"+chatID+"/messages", map[string]any{"content": "Hello"}, bearerHeader(c.token("t1", "u1")))
	expectStatus(t, resp, http.StatusConflict)
	var body struct {
		Code        string       `json:"code"`
		UserMessage chat.Message `json:"userMessage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if body.Code != "budget_exceeded" || body.UserMessage.ID == "" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestAddMemberRequiresInviteCapability(t *testing.T) {
	c := newTestAPI(t)
	chatID := c.createChat("u2")

	resp := c.post("/v1/chats/"+chatID+"/members", map[string]any{"userId": "u3"}, bearerHeader(c.token("t1", "u2")))
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = c.post("/v1/chats/"+chatID+"/members", map[string]any{
		"userId": "u3",
		"role":   "guest",
		"grant":  []string{"send"},
	}, bearerHeader(c.token("t1", "u1")))
	expectStatus(t, resp, http.StatusCreated)
	m := decode[chat.Member](t, resp)
	if m.Role != chat.RoleGuest || !m.Capabilities.Has(chat.CapSend) {
		t.Fatalf("unexpected member: %+v", m)
	}

	resp = c.post("/v1/chats/"+chatID+"/members", map[string]any{"userId": "u4", "bogus": true}, bearerHeader(c.token("t1", "u1")))
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestUnknownRoutesReturnJSON(t *testing.T) {
	c := newTestAPI(t)
	resp := c.get("/nope", nil, nil)
	expectStatus(t, resp, http.StatusNotFound)
	body := decode[map[string]any](t, resp)
	if body["error"] != "not found" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestRAGIngestionFeedsRetrieval(t *testing.T) {
	c := newTestAPI(t)
	chatID := c.createChat()
	doc := map[string]any{"chunks": []map[string]any{
		{"chunkId": "k1", "documentId": "d1", "text": "vacation policy days"},
	}}

	req, err := http.NewRequest(http.MethodPut, c.baseURL+"/v1/rag/documents/dv1", jsonBody(t, doc))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token("t1", "u1", "member"))
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("index as member: %v", err)
	}
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	req, _ = http.NewRequest(http.MethodPut, c.baseURL+"/v1/rag/documents/dv1", jsonBody(t, doc))
	req.Header.Set("Authorization", "Bearer "+c.token("t1", "admin-1", "admin"))
	resp, err = c.client.Do(req)
	if err != nil {
		t.Fatalf("index as admin: %v", err)
	}
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = c.post("/v1/chats/"+chatID+"/messages", map[string]any{
		"content": "vacation policy days",
		"useRag":  true,
	}, bearerHeader(c.token("t1", "u1")))
	expectStatus(t, resp, http.StatusCreated)
	out := decode[conversation.SendOutput](t, resp)
	if len(out.RAGResults) != 1 || out.RAGResults[0].ChunkID != "k1" {
		t.Fatalf("unexpected retrieval results: %+v", out.RAGResults)
	}

	var indexed bool
	for _, action := range c.audit.Actions() {
		if action == "rag.document.index" {
			indexed = true
		}
	}
	if !indexed {
		t.Fatalf("expected rag.document.index audit entry, got %v", c.audit.Actions())
	}
}

func jsonBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return bytes.NewReader(raw)
}
