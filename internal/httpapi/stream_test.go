package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"chatguard.org/internal/stream"
)

func (c *apiClient) dialChat(t *testing.T, chatID, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/v1/chats/" + chatID + "/ws"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial websocket (status %d): %v", status, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) stream.Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt stream.Event
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return evt
}

func TestChatStreamDeliversReadableMessages(t *testing.T) {
	c := newTestAPI(t)
	chatID := c.createChat("u2", "u3")

	u2 := c.dialChat(t, chatID, c.token("t1", "u2"))
	u3 := c.dialChat(t, chatID, c.token("t1", "u3"))

	resp := c.post("/v1/chats/"+chatID+"/messages", map[string]any{
		"content":    "for u2",
		"visibility": "private",
		"visibleTo":  map[string]any{"users": []string{"u2"}},
	}, bearerHeader(c.token("t1", "u1")))
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()
	resp = c.post("/v1/chats/"+chatID+"/messages", map[string]any{"content": "for all"}, bearerHeader(c.token("t1", "u1")))
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	// u2 sees the private message, its reply, then the public pair.
	var contents []string
	for range 4 {
		evt := readEvent(t, u2)
		if evt.Type != stream.EventMessageCreated || evt.ChatID != chatID {
			t.Fatalf("unexpected event: %+v", evt)
		}
		contents = append(contents, evt.Message.Content)
	}
	if contents[0] != "for u2" || contents[2] != "for all" {
		t.Fatalf("unexpected u2 stream: %v", contents)
	}

	// u3 only sees the public pair.
	if evt := readEvent(t, u3); evt.Message.Content != "for all" {
		t.Fatalf("u3 received a message it cannot read: %+v", evt.Message)
	}
}

func TestChatStreamRejectsNonMembers(t *testing.T) {
	c := newTestAPI(t)
	chatID := c.createChat()

	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/v1/chats/" + chatID + "/ws"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token("t1", "outsider"))
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		t.Fatal("expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}
}

func TestChatStreamAcceptsQueryToken(t *testing.T) {
	c := newTestAPI(t)
	chatID := c.createChat()

	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/v1/chats/" + chatID + "/ws?access_token=" + c.token("t1", "u1")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial with query token: %v", err)
	}
	_ = conn.Close()
}

func TestChatEventsServesSSE(t *testing.T) {
	c := newTestAPI(t)
	chatID := c.createChat()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/chats/"+chatID+"/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token("t1", "u1"))
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	if line, err := reader.ReadString('\n'); err != nil || !strings.HasPrefix(line, ": stream started") {
		t.Fatalf("expected stream preamble, got %q (%v)", line, err)
	}

	post := c.post("/v1/chats/"+chatID+"/messages", map[string]any{"content": "sse"}, bearerHeader(c.token("t1", "u1")))
	expectStatus(t, post, http.StatusCreated)
	post.Body.Close()

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var evt stream.Event
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if evt.Message.Content != "sse" {
			t.Fatalf("unexpected first event: %+v", evt.Message)
		}
		return
	}
}
