package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatguard.org/internal/chat"
	"chatguard.org/internal/obs"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// chatStream pushes message.created events the caller may read over a websocket.
// Membership is resolved once, when the socket opens.
func (a *API) chatStream(w http.ResponseWriter, r *http.Request) {
	if a.hub == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	ac := authContext(r)
	c, members, err := a.svc.Members(r.Context(), ac, mux.Vars(r)["id"])
	if err != nil {
		writeConversationError(w, r, err, nil)
		return
	}

	// Subscribe before the handshake completes so no event published after the
	// client sees the upgrade is missed.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	events := a.hub.Subscribe(ctx, c.ID, func(m chat.Message) bool {
		return chat.CanRead(m, members, ac)
	})

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		return
	}
	defer conn.Close()

	// Reader: clients send nothing but pongs; any read error ends the stream.
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(evt); err != nil {
				obs.Logger().Debug("websocket write failed", zap.String("chat_id", c.ID), zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// chatEvents serves the same feed as chatStream as Server-Sent Events.
func (a *API) chatEvents(w http.ResponseWriter, r *http.Request) {
	if a.hub == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	ac := authContext(r)
	c, members, err := a.svc.Members(r.Context(), ac, mux.Vars(r)["id"])
	if err != nil {
		writeConversationError(w, r, err, nil)
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	ch := a.hub.Subscribe(ctx, c.ID, func(m chat.Message) bool {
		return chat.CanRead(m, members, ac)
	})

	_, _ = w.Write([]byte(": stream started\n\n"))
	if err := rc.Flush(); err != nil {
		return
	}
	for evt := range ch {
		payload, err := json.Marshal(evt)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("event: " + evt.Type + "\ndata: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func sameHost(origin, host string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, host)
}
