package remote

import (
	"context"
	"errors"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"chatguard.org/internal/auth"
	"chatguard.org/internal/models"
)

func startServer(t *testing.T, router models.Router) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	Register(srv, router)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func testCatalog() *models.Catalog {
	return models.NewCatalog([]models.Model{
		{ID: "paid", Provider: "openai", Capabilities: models.Capabilities{ToolCall: true}},
		{ID: "free", Provider: "groq", Free: true, ContextWindow: 8192, Capabilities: models.Capabilities{ToolCall: true}},
	}, map[string][]string{"locked": {"paid"}})
}

func TestRemoteSelectModel(t *testing.T) {
	client := startServer(t, testCatalog())
	ctx := context.Background()

	m, ok, err := client.SelectModel(ctx, auth.New("t1", "u1", "member"), models.Requirements{
		Capabilities: models.Capabilities{ToolCall: true},
		PreferFree:   true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !ok || m.ID != "free" || m.ContextWindow != 8192 || !m.Capabilities.ToolCall {
		t.Fatalf("unexpected model %+v ok=%v", m, ok)
	}

	_, ok, err = client.SelectModel(ctx, auth.New("t1", "u1"), models.Requirements{Capabilities: models.Capabilities{Vision: true}})
	if err != nil || ok {
		t.Fatalf("expected no model, ok=%v err=%v", ok, err)
	}
}

func TestRemoteIsModelAllowedUsesTenant(t *testing.T) {
	client := startServer(t, testCatalog())
	ctx := context.Background()
	if ok, err := client.IsModelAllowed(ctx, auth.New("locked", "u1"), "free"); err != nil || ok {
		t.Fatalf("locked tenant should not use free model: ok=%v err=%v", ok, err)
	}
	if ok, err := client.IsModelAllowed(ctx, auth.New("t1", "u1"), "free"); err != nil || !ok {
		t.Fatalf("t1 should use free model: ok=%v err=%v", ok, err)
	}
}

func TestRemoteRejectsMissingTenant(t *testing.T) {
	client := startServer(t, testCatalog())
	_, err := client.IsModelAllowed(context.Background(), auth.AuthContext{}, "free")
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestMapError(t *testing.T) {
	t.Parallel()
	if err := mapError(status.Error(codes.Internal, "boom")); errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("internal errors must pass through")
	}
}
