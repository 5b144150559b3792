package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chatguard.org/internal/audit"
	"chatguard.org/internal/auth"
	"chatguard.org/internal/budget"
	"chatguard.org/internal/config"
	"chatguard.org/internal/conversation"
	"chatguard.org/internal/httpapi"
	"chatguard.org/internal/llm"
	"chatguard.org/internal/migrate"
	"chatguard.org/internal/models"
	"chatguard.org/internal/models/remote"
	"chatguard.org/internal/obs"
	"chatguard.org/internal/policy"
	"chatguard.org/internal/rag"
	"chatguard.org/internal/store/memory"
	"chatguard.org/internal/store/pg"
	"chatguard.org/internal/stream"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat API server",
	Long: `Run the HTTP API and, when CHATGUARD_GRPC_ADDR is set, the gRPC health and
model router services.

Storage falls back to process memory when CHATGUARD_PG_DSN is empty. Budgets use
Redis when CHATGUARD_REDIS_URL is set.`,
	RunE: runServe,
}

// closers are released in reverse order on shutdown.
type closers []io.Closer

func (c *closers) add(cl io.Closer) { *c = append(*c, cl) }

func (c closers) closeAll() {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].Close(); err != nil {
			obs.Logger().Warn("close failed", zap.Error(err))
		}
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(envFiles...)
	if err != nil {
		return err
	}
	obs.InitLogger(os.Stdout, cfg.LogLevel)
	obs.Init()
	obs.InitBuildInfo(version, commit)
	log := obs.Logger()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cl closers
	defer cl.closeAll()

	ready := httpapi.ReadyProbe{Checks: map[string]func(context.Context) error{}}
	sinks := []audit.Sink{audit.LogSink{}}

	// Persistence.
	var (
		chats    conversation.ChatRepo
		messages conversation.MessageRepo
		budgets  budget.Store
		keys     auth.APIKeyStore
		pgStore  *pg.Store
	)
	if cfg.PGDSN != "" {
		pgStore, err = pg.Open(cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		cl.add(pgStore)
		chats, messages, budgets, keys = pgStore, pgStore, pgStore.Budgets(), pgStore
		sinks = append(sinks, pgStore)
		ready.Checks["postgres"] = pgStore.Ping
		ready.Checks["schema"] = migrate.NewManager(pgStore.DB()).CheckSchema
	} else {
		log.Warn("CHATGUARD_PG_DSN not set; chats, budgets and api keys live in memory")
		mem := memory.New()
		chats, messages = mem, mem
		budgets = budget.NewMemoryStore()
		keys = auth.NewMemoryAPIKeys()
	}
	if cfg.RedisURL != "" {
		rs, err := budget.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("open redis: %w", err)
		}
		cl.add(rs)
		budgets = rs
		ready.Checks["redis"] = rs.Ping
	}
	if cfg.AuditSQLitePath != "" {
		sq, err := audit.OpenSQLite(cfg.AuditSQLitePath)
		if err != nil {
			return fmt.Errorf("open audit sqlite: %w", err)
		}
		cl.add(sq)
		sinks = append(sinks, sq)
	}

	g, gctx := errgroup.WithContext(ctx)

	// Policies.
	policies := policy.NewStore()
	switch {
	case cfg.PolicyFile != "":
		w, err := policy.NewWatcher(gctx, cfg.PolicyFile, policies)
		if err != nil {
			return fmt.Errorf("load policies: %w", err)
		}
		g.Go(func() error { return w.Run(gctx) })
	case pgStore != nil:
		n, err := policies.Reload(gctx, pgStore)
		if err != nil {
			return fmt.Errorf("load policies: %w", err)
		}
		log.Info("policies loaded", zap.Int("count", n), zap.String("source", "postgres"))
	default:
		log.Warn("no policy source configured; every request will be denied by policy")
	}

	// Models.
	var (
		router  models.Router
		catalog *models.Catalog
	)
	switch {
	case cfg.ModelRouterAddr != "":
		rc, err := remote.Dial(cfg.ModelRouterAddr)
		if err != nil {
			return fmt.Errorf("dial model router: %w", err)
		}
		cl.add(rc)
		router = rc
	case cfg.ModelCatalog != "":
		catalog, err = models.LoadCatalog(cfg.ModelCatalog)
		if err != nil {
			return fmt.Errorf("load model catalog: %w", err)
		}
		router = catalog
	default:
		return errors.New("CHATGUARD_MODEL_CATALOG or CHATGUARD_MODEL_ROUTER_ADDR is required")
	}

	generator := llm.NewOpenAI(llm.OpenAIConfig{
		BaseURL:        cfg.LLMBaseURL,
		APIKey:         cfg.LLMAPIKey,
		Timeout:        cfg.LLMTimeout,
		EmbeddingModel: cfg.LLMEmbeddingModel,
	})
	var embedder rag.Embedder
	if cfg.LLMEmbeddingModel != "" {
		embedder = generator
	}
	index := rag.NewMemoryIndex(embedder)
	hub := stream.New()
	recorder := audit.NewRecorder(sinks...)

	svc := conversation.New(conversation.Deps{
		Chats:         chats,
		Messages:      messages,
		Policies:      policy.NewEngine(policies),
		Retrieval:     index,
		Models:        router,
		Budgets:       budget.NewGuard(budgets),
		Audit:         recorder,
		Generator:     generator,
		Events:        hub,
		TokenEstimate: cfg.TokenEstimate,
		HistoryTurns:  cfg.HistoryTurns,
	})

	var tokens *auth.TokenVerifier
	if cfg.AuthSecret != "" {
		tokens, err = auth.NewTokenVerifier(cfg.AuthSecret, auth.WithIssuer(cfg.AuthIssuer))
		if err != nil {
			return err
		}
	} else {
		log.Warn("CHATGUARD_AUTH_SECRET not set; bearer tokens are disabled")
	}

	api := httpapi.New(httpapi.Options{
		Service:       svc,
		Authenticator: httpapi.NewAuthenticator(tokens, auth.NewAPIKeyVerifier(keys), auth.NewBuilder(nil)),
		Tokens:        tokens,
		TokenTTL:      cfg.AuthTokenTTL,
		Hub:           hub,
		Index:         index,
		Audit:         recorder,
		Ready:         ready,
		Version:       version,
		RateBurst:     cfg.RateBurst,
		RatePerSec:    cfg.RatePerSec,
		MaxBodyBytes:  cfg.MaxBodyBytes,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// No WriteTimeout: websocket and SSE responses stay open.
		IdleTimeout: 60 * time.Second,
	}
	g.Go(func() error {
		log.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http listen: %w", err)
		}
		return nil
	})

	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		// Only a local catalog is re-exported; a remote router is not proxied.
		var exported models.Router
		if catalog != nil {
			exported = catalog
		}
		gs := httpapi.NewGRPCServer(ready, exported)
		g.Go(func() error {
			log.Info("grpc listening", zap.String("addr", cfg.GRPCAddr))
			return gs.Serve(lis)
		})
		g.Go(func() error {
			<-gctx.Done()
			gs.GracefulStop()
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped", zap.Error(err))
		return err
	}
	log.Info("stopped")
	return nil
}
