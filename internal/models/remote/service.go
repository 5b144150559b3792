package remote

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"chatguard.org/internal/auth"
	"chatguard.org/internal/models"
)

const (
	serviceName          = "chatguard.models.v1.ModelRouter"
	methodSelectModel    = "/" + serviceName + "/SelectModel"
	methodIsModelAllowed = "/" + serviceName + "/IsModelAllowed"

	mdTenant = "x-chatguard-tenant-id"
	mdUser   = "x-chatguard-user-id"
	mdRoles  = "x-chatguard-roles"
)

// RouterServer is the server side of the model router service. Messages are
// google.protobuf.Struct values.
type RouterServer interface {
	SelectModel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	IsModelAllowed(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*RouterServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SelectModel", Handler: unaryHandler(methodSelectModel, RouterServer.SelectModel)},
		{MethodName: "IsModelAllowed", Handler: unaryHandler(methodIsModelAllowed, RouterServer.IsModelAllowed)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "chatguard/models/v1/router.proto",
}

type unaryMethod func(RouterServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RouterServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(RouterServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Register exposes router on s.
func Register(s grpc.ServiceRegistrar, router models.Router) {
	s.RegisterService(&serviceDesc, &Server{router: router})
}

// Server adapts a models.Router to the gRPC service.
type Server struct {
	router models.Router
}

// SelectModel implements RouterServer.
func (s *Server) SelectModel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ac, err := identityFromIncoming(ctx)
	if err != nil {
		return nil, err
	}
	f := req.GetFields()
	m, ok, err := s.router.SelectModel(ctx, ac, models.Requirements{
		Capabilities: models.Capabilities{
			ToolCall:  f["tool_call"].GetBoolValue(),
			Vision:    f["vision"].GetBoolValue(),
			Reasoning: f["reasoning"].GetBoolValue(),
		},
		MinContext: int(f["min_context"].GetNumberValue()),
		PreferFree: f["prefer_free"].GetBoolValue(),
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "select model: %v", err)
	}
	if !ok {
		return structpb.NewStruct(map[string]any{"found": false})
	}
	return structpb.NewStruct(map[string]any{
		"found":          true,
		"id":             m.ID,
		"provider":       m.Provider,
		"free":           m.Free,
		"context_window": float64(m.ContextWindow),
		"tool_call":      m.Capabilities.ToolCall,
		"vision":         m.Capabilities.Vision,
		"reasoning":      m.Capabilities.Reasoning,
	})
}

// IsModelAllowed implements RouterServer.
func (s *Server) IsModelAllowed(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ac, err := identityFromIncoming(ctx)
	if err != nil {
		return nil, err
	}
	modelID := req.GetFields()["model_id"].GetStringValue()
	if modelID == "" {
		return nil, status.Error(codes.InvalidArgument, "model_id is required")
	}
	ok, err := s.router.IsModelAllowed(ctx, ac, modelID)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "check model: %v", err)
	}
	return structpb.NewStruct(map[string]any{"allowed": ok})
}

func identityFromIncoming(ctx context.Context) (auth.AuthContext, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	first := func(key string) string {
		if v := md.Get(key); len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
		return ""
	}
	tenant := first(mdTenant)
	if tenant == "" {
		return auth.AuthContext{}, status.Error(codes.Unauthenticated, "tenant metadata is required")
	}
	var roles []string
	if raw := first(mdRoles); raw != "" {
		roles = strings.Split(raw, ",")
	}
	return auth.New(tenant, first(mdUser), roles...), nil
}

func outgoingWithIdentity(ctx context.Context, ac auth.AuthContext) context.Context {
	pairs := []string{mdTenant, ac.TenantID()}
	if uid, ok := ac.UserID(); ok {
		pairs = append(pairs, mdUser, uid)
	}
	if roles := ac.Roles(); len(roles) > 0 {
		pairs = append(pairs, mdRoles, strings.Join(roles, ","))
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...)
}
