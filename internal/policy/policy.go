package policy

import "strings"

// Effect is the outcome a matching policy produces.
type Effect string

const (
	Allow Effect = "allow"
	Deny  Effect = "deny"
)

// Wildcard matches any resource type or action.
const Wildcard = "*"

// Resource types and actions the platform evaluates.
const (
	ResourceChat = "chat"
	ResourceRAG  = "rag"

	ActionCreate             = "create"
	ActionSendPrivateMessage = "sendPrivateMessage"
	ActionSearch             = "search"
)

// Policy is a tenant-defined allow/deny rule.
type Policy struct {
	ID           string      `json:"id" yaml:"id"`
	TenantID     string      `json:"tenantId" yaml:"tenant"`
	ResourceType string      `json:"resourceType" yaml:"resource"`
	Action       string      `json:"action" yaml:"action"`
	Effect       Effect      `json:"effect" yaml:"effect"`
	Conditions   []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Priority     int         `json:"priority" yaml:"priority"`
	Enabled      bool        `json:"enabled" yaml:"enabled"`
}

func (p Policy) appliesTo(resourceType, action string) bool {
	return matchName(p.ResourceType, resourceType) && matchName(p.Action, action)
}

func matchName(pattern, value string) bool {
	pattern = strings.TrimSpace(pattern)
	return pattern == Wildcard || strings.EqualFold(pattern, strings.TrimSpace(value))
}

// Valid reports whether the policy has the fields evaluation depends on.
func (p Policy) Valid() bool {
	if strings.TrimSpace(p.TenantID) == "" || strings.TrimSpace(p.ResourceType) == "" || strings.TrimSpace(p.Action) == "" {
		return false
	}
	return p.Effect == Allow || p.Effect == Deny
}
