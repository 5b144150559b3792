package rag

import (
	"context"

	"chatguard.org/internal/auth"
	"chatguard.org/internal/chat"
)

// Result is a scored chunk returned by a retrieval adapter.
type Result struct {
	DocumentID        string            `json:"documentId"`
	DocumentVersionID string            `json:"documentVersionId"`
	ChunkID           string            `json:"chunkId"`
	Text              string            `json:"text"`
	Score             float64           `json:"score"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	AccessScope       chat.AccessScope  `json:"accessScope"`
}

// Chunk is an indexable piece of a document version.
type Chunk struct {
	ChunkID     string
	DocumentID  string
	Text        string
	Metadata    map[string]string
	AccessScope chat.AccessScope
}

// Port is the retrieval collaborator. Adapters keep tenants apart and apply
// filters at the storage layer.
type Port interface {
	Search(ctx context.Context, tenantID string, q Query) ([]Result, error)
	IndexDocument(ctx context.Context, tenantID, documentVersionID string, chunks []Chunk) error
	RemoveDocument(ctx context.Context, tenantID, documentVersionID string) error
	UpdateChunkAccessScope(ctx context.Context, tenantID, documentVersionID, chunkID string, scope chat.AccessScope) error
}

// FilterReadable drops results whose scope does not satisfy the query filters or
// whose principal scope excludes ac. Adapters filter already; this catches scopes
// that narrowed after ingestion.
func FilterReadable(results []Result, q Query, ac auth.AuthContext) []Result {
	out := make([]Result, 0, len(results))
	for _, r := range results {
		if matchesFilters(r, q.Filters) && principalAllows(r.AccessScope, ac) {
			out = append(out, r)
		}
	}
	return out
}

func matchesFilters(r Result, f Filters) bool {
	if len(f.Departments) > 0 && !intersects(f.Departments, r.AccessScope.Departments) {
		return false
	}
	if len(f.Tags) > 0 && !intersects(f.Tags, r.AccessScope.Tags) {
		return false
	}
	if len(f.DocumentVersionIDs) > 0 && !contains(f.DocumentVersionIDs, r.DocumentVersionID) {
		return false
	}
	return true
}

func principalAllows(scope chat.AccessScope, ac auth.AuthContext) bool {
	if len(scope.Users) == 0 && len(scope.Roles) == 0 {
		return true
	}
	if uid, ok := ac.UserID(); ok && contains(scope.Users, uid) {
		return true
	}
	return ac.HasAnyRole(scope.Roles)
}

func intersects(a, b []string) bool {
	for _, v := range a {
		if contains(b, v) {
			return true
		}
	}
	return false
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
