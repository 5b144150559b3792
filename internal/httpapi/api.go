package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"chatguard.org/internal/audit"
	"chatguard.org/internal/auth"
	"chatguard.org/internal/conversation"
	"chatguard.org/internal/obs"
	"chatguard.org/internal/rag"
	"chatguard.org/internal/stream"
)

const serviceName = "chatguard"

// ReadyProbe runs named dependency checks (database ping, redis ping).
type ReadyProbe struct {
	Checks map[string]func(context.Context) error
}

// Check runs every check and joins the failures.
func (rp ReadyProbe) Check(ctx context.Context) error {
	names := make([]string, 0, len(rp.Checks))
	for name := range rp.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	var errs []error
	for _, name := range names {
		if err := rp.Checks[name](ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Options configures the HTTP layer.
type Options struct {
	Service       *conversation.Service
	Authenticator *Authenticator
	// Tokens issues bearer tokens at /v1/auth/token; nil disables the route.
	Tokens       *auth.TokenVerifier
	TokenTTL     time.Duration
	Hub          *stream.Hub
	Index        rag.Port
	Audit        *audit.Recorder
	Ready        readinessChecker
	Version      string
	RateBurst    int
	RatePerSec   float64
	MaxBodyBytes int64
}

// API is the HTTP surface of the chat service.
type API struct {
	router   *mux.Router
	svc      *conversation.Service
	authn    *Authenticator
	tokens   *auth.TokenVerifier
	tokenTTL time.Duration
	hub      *stream.Hub
	index    rag.Port
	recorder *audit.Recorder
	ready    readinessChecker
	version  string
	burst    int
	perSec   float64
	maxBody  int64
	upgrader websocket.Upgrader
}

func New(opts Options) *API {
	a := &API{
		router:   mux.NewRouter(),
		svc:      opts.Service,
		authn:    opts.Authenticator,
		tokens:   opts.Tokens,
		tokenTTL: opts.TokenTTL,
		hub:      opts.Hub,
		index:    opts.Index,
		recorder: opts.Audit,
		ready:    opts.Ready,
		version:  opts.Version,
		burst:    opts.RateBurst,
		perSec:   opts.RatePerSec,
		maxBody:  opts.MaxBodyBytes,
	}
	if a.authn == nil {
		a.authn = NewAuthenticator(nil, nil, nil)
	}
	if a.recorder == nil {
		a.recorder = audit.NewRecorder(audit.LogSink{})
	}
	if a.ready == nil {
		a.ready = ReadyProbe{}
	}
	if a.tokenTTL <= 0 {
		a.tokenTTL = time.Hour
	}
	if a.maxBody <= 0 {
		a.maxBody = 1 << 20
	}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || isLocalOrigin(origin) || sameHost(origin, r.Host)
		},
	}

	// health/ready/info/metrics
	a.router.HandleFunc("/healthz", a.Healthz).Methods(http.MethodGet)
	a.router.HandleFunc("/readyz", a.Ready).Methods(http.MethodGet)
	a.router.HandleFunc("/v1/info", a.Info).Methods(http.MethodGet)
	a.router.Handle("/metrics", obs.Handler()).Methods(http.MethodGet)

	v1 := a.router.PathPrefix("/v1").Subrouter()
	v1.Use(a.withAuth)
	v1.HandleFunc("/auth/token", a.handleAuthToken).Methods(http.MethodPost)
	v1.HandleFunc("/chats", a.createChat).Methods(http.MethodPost)
	v1.HandleFunc("/chats/{id}", a.getChat).Methods(http.MethodGet)
	v1.HandleFunc("/chats/{id}/members", a.addMember).Methods(http.MethodPost)
	v1.HandleFunc("/chats/{id}/messages", a.sendMessage).Methods(http.MethodPost)
	v1.HandleFunc("/chats/{id}/messages", a.listMessages).Methods(http.MethodGet)
	v1.HandleFunc("/chats/{id}/ws", a.chatStream).Methods(http.MethodGet)
	v1.HandleFunc("/chats/{id}/events", a.chatEvents).Methods(http.MethodGet)
	v1.HandleFunc("/rag/documents/{versionId}", a.indexDocument).Methods(http.MethodPut)
	v1.HandleFunc("/rag/documents/{versionId}", a.removeDocument).Methods(http.MethodDelete)
	v1.HandleFunc("/rag/documents/{versionId}/chunks/{chunkId}/scope", a.updateChunkScope).Methods(http.MethodPut)

	a.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
	a.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	return a
}

// Handler returns the router wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = MaxBodyBytes(h, a.maxBody)
	h = RateLimit(h, a.burst, a.perSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = obs.Instrument(h)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func (a *API) audit(r *http.Request, e audit.Entry) {
	a.recorder.Record(r.Context(), e)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
