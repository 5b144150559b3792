package auth

import (
	"context"
	"fmt"
	"strings"
)

// Credentials is the already-verified output of a token or API key check.
type Credentials struct {
	TenantID   string
	UserID     string
	Roles      []string
	Attributes map[string]string
}

// PermissionResolver expands role names into permission keys for a tenant.
type PermissionResolver interface {
	PermissionsForRoles(ctx context.Context, tenantID string, roles []string) ([]string, error)
}

// StaticPermissions is a fixed role → permissions table.
type StaticPermissions map[string][]string

// PermissionsForRoles implements PermissionResolver.
func (s StaticPermissions) PermissionsForRoles(_ context.Context, _ string, roles []string) ([]string, error) {
	return s.permissionsFor(roles), nil
}

func (s StaticPermissions) permissionsFor(roles []string) []string {
	var out []string
	for _, r := range NormalizeRoles(roles) {
		out = append(out, s[r]...)
	}
	return out
}

// Builder turns verified credentials into an AuthContext.
type Builder struct {
	resolver PermissionResolver
}

// NewBuilder returns a Builder; a nil resolver falls back to BuiltinPermissions.
func NewBuilder(resolver PermissionResolver) *Builder {
	if resolver == nil {
		resolver = BuiltinPermissions
	}
	return &Builder{resolver: resolver}
}

// Build resolves permissions and freezes the identity for the lifetime of the request.
func (b *Builder) Build(ctx context.Context, cred Credentials) (AuthContext, error) {
	tenantID := strings.TrimSpace(cred.TenantID)
	if tenantID == "" {
		return AuthContext{}, ErrMissingTenant
	}
	roles := NormalizeRoles(cred.Roles)
	perms, err := b.resolver.PermissionsForRoles(ctx, tenantID, roles)
	if err != nil {
		return AuthContext{}, fmt.Errorf("resolve permissions: %w", err)
	}
	return newAuthContext(tenantID, cred.UserID, roles, perms, cred.Attributes), nil
}
