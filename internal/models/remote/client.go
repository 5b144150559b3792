package remote

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"chatguard.org/internal/auth"
	"chatguard.org/internal/models"
)

// ErrUnauthenticated is returned when the remote router rejects the identity.
var ErrUnauthenticated = errors.New("models: remote router rejected identity")

// Client is a models.Router backed by a remote gRPC service.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// Dial creates a new client with sensible defaults (insecure transport).
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, timeout: 5 * time.Second}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, ac auth.AuthContext, method string, in map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(outgoingWithIdentity(ctx, ac), method, req, out); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

// SelectModel implements models.Router.
func (c *Client) SelectModel(ctx context.Context, ac auth.AuthContext, req models.Requirements) (models.Model, bool, error) {
	out, err := c.invoke(ctx, ac, methodSelectModel, map[string]any{
		"tool_call":   req.Capabilities.ToolCall,
		"vision":      req.Capabilities.Vision,
		"reasoning":   req.Capabilities.Reasoning,
		"min_context": float64(req.MinContext),
		"prefer_free": req.PreferFree,
	})
	if err != nil {
		return models.Model{}, false, err
	}
	f := out.GetFields()
	if !f["found"].GetBoolValue() {
		return models.Model{}, false, nil
	}
	return models.Model{
		ID:            f["id"].GetStringValue(),
		Provider:      f["provider"].GetStringValue(),
		Free:          f["free"].GetBoolValue(),
		ContextWindow: int(f["context_window"].GetNumberValue()),
		Capabilities: models.Capabilities{
			ToolCall:  f["tool_call"].GetBoolValue(),
			Vision:    f["vision"].GetBoolValue(),
			Reasoning: f["reasoning"].GetBoolValue(),
		},
	}, true, nil
}

// IsModelAllowed implements models.Router.
func (c *Client) IsModelAllowed(ctx context.Context, ac auth.AuthContext, modelID string) (bool, error) {
	out, err := c.invoke(ctx, ac, methodIsModelAllowed, map[string]any{"model_id": modelID})
	if err != nil {
		return false, err
	}
	return out.GetFields()["allowed"].GetBoolValue(), nil
}

func mapError(err error) error {
	if status.Code(err) == codes.Unauthenticated {
		return errors.Join(ErrUnauthenticated, err)
	}
	return err
}
