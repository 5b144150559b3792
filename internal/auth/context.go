package auth

import (
	"context"
	"sort"
	"strings"
)

// AuthContext is the identity of a single request. It is built once from verified
// credentials and never mutated afterwards; accessors hand out copies.
type AuthContext struct {
	tenantID    string
	userID      string
	roles       []string
	permissions map[string]struct{}
	attributes  map[string]string
}

// New builds an AuthContext using BuiltinPermissions. An empty userID yields a
// tenant-level context.
func New(tenantID, userID string, roles ...string) AuthContext {
	return newAuthContext(tenantID, userID, roles, BuiltinPermissions.permissionsFor(roles), nil)
}

func newAuthContext(tenantID, userID string, roles, perms []string, attrs map[string]string) AuthContext {
	ac := AuthContext{
		tenantID:    strings.TrimSpace(tenantID),
		userID:      strings.TrimSpace(userID),
		roles:       NormalizeRoles(roles),
		permissions: make(map[string]struct{}, len(perms)),
	}
	for _, p := range perms {
		p = strings.TrimSpace(p)
		if p != "" {
			ac.permissions[p] = struct{}{}
		}
	}
	if len(attrs) > 0 {
		ac.attributes = make(map[string]string, len(attrs))
		for k, v := range attrs {
			k = strings.TrimSpace(strings.ToLower(k))
			if k != "" {
				ac.attributes[k] = v
			}
		}
	}
	return ac
}

// TenantID returns the tenant the request acts within.
func (c AuthContext) TenantID() string { return c.tenantID }

// UserID returns the acting user, if the credentials carried one.
func (c AuthContext) UserID() (string, bool) {
	return c.userID, c.userID != ""
}

// IsZero reports whether the context was never built.
func (c AuthContext) IsZero() bool { return c.tenantID == "" }

// Roles returns the normalized role names.
func (c AuthContext) Roles() []string {
	out := make([]string, len(c.roles))
	copy(out, c.roles)
	return out
}

// HasRole reports whether the context carries role.
func (c AuthContext) HasRole(role string) bool {
	role = strings.TrimSpace(strings.ToLower(role))
	for _, r := range c.roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether any of roles is held.
func (c AuthContext) HasAnyRole(roles []string) bool {
	for _, r := range roles {
		if c.HasRole(r) {
			return true
		}
	}
	return false
}

// HasPermission reports whether the derived permission set contains key.
func (c AuthContext) HasPermission(key string) bool {
	_, ok := c.permissions[key]
	return ok
}

// Permissions returns the derived permission keys in sorted order.
func (c AuthContext) Permissions() []string {
	out := make([]string, 0, len(c.permissions))
	for k := range c.permissions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Attribute returns a request attribute such as "department".
func (c AuthContext) Attribute(key string) (string, bool) {
	v, ok := c.attributes[strings.TrimSpace(strings.ToLower(key))]
	return v, ok
}

// Attributes returns a copy of all request attributes, including the identity fields
// exposed as tenant_id and user_id.
func (c AuthContext) Attributes() map[string]string {
	out := make(map[string]string, len(c.attributes)+2)
	for k, v := range c.attributes {
		out[k] = v
	}
	out["tenant_id"] = c.tenantID
	if c.userID != "" {
		out["user_id"] = c.userID
	}
	return out
}

// NormalizeRoles lower-cases, trims, deduplicates and sorts role names.
func NormalizeRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(roles))
	var normalized []string
	for _, role := range roles {
		role = strings.TrimSpace(strings.ToLower(role))
		if role == "" {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		normalized = append(normalized, role)
	}
	sort.Strings(normalized)
	return normalized
}

type authContextKey struct{}

// ContextWith attaches the request identity to ctx.
func ContextWith(ctx context.Context, ac AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, ac)
}

// FromContext extracts the request identity attached by ContextWith.
func FromContext(ctx context.Context) (AuthContext, bool) {
	if ctx == nil {
		return AuthContext{}, false
	}
	ac, ok := ctx.Value(authContextKey{}).(AuthContext)
	if !ok || ac.IsZero() {
		return AuthContext{}, false
	}
	return ac, true
}
