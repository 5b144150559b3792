package rag

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	"chatguard.org/internal/chat"
)

// ErrChunkNotFound is returned when updating a chunk that is not indexed.
var ErrChunkNotFound = errors.New("rag: chunk not found")

// Embedder turns texts into vectors. When MemoryIndex has none it scores by term
// overlap.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

type indexedChunk struct {
	versionID string
	chunk     Chunk
	terms     map[string]struct{}
	vector    []float64
}

// MemoryIndex is an in-process Port with one collection per tenant.
type MemoryIndex struct {
	mu          sync.RWMutex
	collections map[string]map[string]*indexedChunk
	embedder    Embedder
}

// NewMemoryIndex returns an empty index. embedder may be nil.
func NewMemoryIndex(embedder Embedder) *MemoryIndex {
	return &MemoryIndex{collections: make(map[string]map[string]*indexedChunk), embedder: embedder}
}

func collectionName(tenantID string) string { return "tenant_" + tenantID }

// IndexDocument upserts the chunks of a document version.
func (m *MemoryIndex) IndexDocument(ctx context.Context, tenantID, documentVersionID string, chunks []Chunk) error {
	var vectors [][]float64
	if m.embedder != nil && len(chunks) > 0 {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Text
		}
		var err error
		if vectors, err = m.embedder.Embed(ctx, texts); err != nil {
			return err
		}
		if len(vectors) != len(chunks) {
			return errors.New("rag: embedder returned wrong number of vectors")
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	name := collectionName(tenantID)
	coll, ok := m.collections[name]
	if !ok {
		coll = make(map[string]*indexedChunk)
		m.collections[name] = coll
	}
	for i, c := range chunks {
		ic := &indexedChunk{versionID: documentVersionID, chunk: c, terms: terms(c.Text)}
		if vectors != nil {
			ic.vector = vectors[i]
		}
		coll[c.ChunkID] = ic
	}
	return nil
}

// RemoveDocument drops every chunk of a document version.
func (m *MemoryIndex) RemoveDocument(_ context.Context, tenantID, documentVersionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll := m.collections[collectionName(tenantID)]
	for id, c := range coll {
		if c.versionID == documentVersionID {
			delete(coll, id)
		}
	}
	return nil
}

// UpdateChunkAccessScope replaces the access scope of a single chunk.
func (m *MemoryIndex) UpdateChunkAccessScope(_ context.Context, tenantID, documentVersionID, chunkID string, scope chat.AccessScope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[collectionName(tenantID)][chunkID]
	if !ok || c.versionID != documentVersionID {
		return ErrChunkNotFound
	}
	c.chunk.AccessScope = scope
	return nil
}

// Search scores the tenant's chunks that pass the query filters.
func (m *MemoryIndex) Search(ctx context.Context, tenantID string, q Query) ([]Result, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	q = q.WithDefaults()
	var qvec []float64
	if m.embedder != nil {
		vecs, err := m.embedder.Embed(ctx, []string{q.Text})
		if err != nil {
			return nil, err
		}
		if len(vecs) == 1 {
			qvec = vecs[0]
		}
	}
	qterms := terms(q.Text)

	m.mu.RLock()
	var out []Result
	for _, c := range m.collections[collectionName(tenantID)] {
		r := Result{
			DocumentID:        c.chunk.DocumentID,
			DocumentVersionID: c.versionID,
			ChunkID:           c.chunk.ChunkID,
			Text:              c.chunk.Text,
			Metadata:          c.chunk.Metadata,
			AccessScope:       c.chunk.AccessScope,
		}
		if !matchesFilters(r, q.Filters) {
			continue
		}
		if qvec != nil && c.vector != nil {
			r.Score = cosine(qvec, c.vector)
		} else {
			r.Score = overlap(qterms, c.terms)
		}
		if r.Score >= q.MinScore {
			out = append(out, r)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func terms(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

func overlap(query, doc map[string]struct{}) float64 {
	if len(query) == 0 {
		return 0
	}
	hits := 0
	for t := range query {
		if _, ok := doc[t]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
