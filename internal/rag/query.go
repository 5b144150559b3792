package rag

import (
	"errors"
	"sort"
	"strings"

	"chatguard.org/internal/auth"
	"chatguard.org/internal/chat"
	"chatguard.org/internal/policy"
)

const (
	DefaultLimit    = 10
	DefaultMinScore = 0.7
)

var (
	// ErrUnscopedSearch is returned when a query has no filters and the caller is
	// not allowed to search tenant-wide.
	ErrUnscopedSearch = errors.New("rag: unscoped search is not allowed")
	// ErrUnscopedQuery is returned by adapters for a query that is neither filtered
	// nor explicitly unfiltered.
	ErrUnscopedQuery = errors.New("rag: query has no filters and is not marked unfiltered")
)

// Filters are storage-side allow-lists. Dimensions are AND-combined; values within
// a dimension match any.
type Filters struct {
	Departments        []string `json:"departments,omitempty"`
	Tags               []string `json:"tags,omitempty"`
	DocumentVersionIDs []string `json:"documentVersionIds,omitempty"`
}

// IsZero reports whether no dimension is set.
func (f Filters) IsZero() bool {
	return len(f.Departments) == 0 && len(f.Tags) == 0 && len(f.DocumentVersionIDs) == 0
}

// Query is a retrieval request.
type Query struct {
	Text       string  `json:"text"`
	Filters    Filters `json:"filters"`
	Unfiltered bool    `json:"unfiltered,omitempty"`
	Limit      int     `json:"limit,omitempty"`
	MinScore   float64 `json:"minScore,omitempty"`
}

// Validate rejects queries that would silently search the whole tenant.
func (q Query) Validate() error {
	if q.Filters.IsZero() && !q.Unfiltered {
		return ErrUnscopedQuery
	}
	return nil
}

// WithDefaults fills unset limit and score threshold.
func (q Query) WithDefaults() Query {
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	if q.MinScore <= 0 {
		q.MinScore = DefaultMinScore
	}
	return q
}

// FromMessageScope maps a message's attribute scope into query filters.
func FromMessageScope(text string, scope chat.AccessScope) Query {
	return Query{
		Text: text,
		Filters: Filters{
			Departments:        dedupe(scope.Departments),
			Tags:               dedupe(scope.Tags),
			DocumentVersionIDs: dedupe(scope.DocumentVersionIDs),
		},
		Limit:    DefaultLimit,
		MinScore: DefaultMinScore,
	}
}

// Authorizer answers policy questions. *policy.Engine satisfies it.
type Authorizer interface {
	IsAllowed(ac auth.AuthContext, resourceType, action string) bool
}

// QueryBuilder builds queries and owns the single path to a tenant-wide search.
type QueryBuilder struct {
	policies Authorizer
}

// NewQueryBuilder returns a builder consulting policies for unfiltered searches.
func NewQueryBuilder(policies Authorizer) *QueryBuilder {
	return &QueryBuilder{policies: policies}
}

// Build returns a filtered query when scope carries any attribute, otherwise an
// explicitly unfiltered one if policy grants rag/search.
func (b *QueryBuilder) Build(ac auth.AuthContext, text string, scope chat.AccessScope) (Query, error) {
	q := FromMessageScope(text, scope)
	if !q.Filters.IsZero() {
		return q, nil
	}
	if b.policies == nil || !b.policies.IsAllowed(ac, policy.ResourceRAG, policy.ActionSearch) {
		return Query{}, ErrUnscopedSearch
	}
	q.Unfiltered = true
	return q, nil
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}
