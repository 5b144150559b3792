package policy

import (
	"strings"

	"chatguard.org/internal/auth"
)

// ConditionKind tags a Condition variant.
type ConditionKind string

const (
	AttributeEquals ConditionKind = "attribute_equals"
	AttributeIn     ConditionKind = "attribute_in"
	RoleIn          ConditionKind = "role_in"
	HasPermission   ConditionKind = "permission"
	ResourceOwner   ConditionKind = "resource_owner"
)

// Condition is one matcher of a policy. Only the fields relevant to Kind are read.
type Condition struct {
	Kind      ConditionKind `json:"kind" yaml:"kind"`
	Attribute string        `json:"attribute,omitempty" yaml:"attribute,omitempty"`
	Value     string        `json:"value,omitempty" yaml:"value,omitempty"`
	Values    []string      `json:"values,omitempty" yaml:"values,omitempty"`
}

// Matches evaluates the condition. Anything it cannot interpret does not match.
func (c Condition) Matches(req Request) bool {
	switch c.Kind {
	case AttributeEquals:
		got, ok := req.attribute(c.Attribute)
		return ok && c.Value != "" && got == c.Value
	case AttributeIn:
		got, ok := req.attribute(c.Attribute)
		return ok && containsString(c.Values, got)
	case RoleIn:
		return len(c.Values) > 0 && req.Context.HasAnyRole(c.Values)
	case HasPermission:
		return c.Value != "" && req.Context.HasPermission(c.Value)
	case ResourceOwner:
		uid, ok := req.Context.UserID()
		return ok && req.ResourceOwnerID != "" && uid == req.ResourceOwnerID
	default:
		return false
	}
}

func containsString(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// Request is a single authorization question.
type Request struct {
	Context         auth.AuthContext
	ResourceType    string
	Action          string
	ResourceOwnerID string
	Attributes      map[string]string
}

func (r Request) attribute(key string) (string, bool) {
	key = strings.TrimSpace(strings.ToLower(key))
	if key == "" {
		return "", false
	}
	if v, ok := r.Attributes[key]; ok {
		return v, true
	}
	v, ok := r.Context.Attributes()[key]
	return v, ok
}
