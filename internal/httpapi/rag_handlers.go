package httpapi

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"chatguard.org/internal/audit"
	"chatguard.org/internal/auth"
	"chatguard.org/internal/chat"
	"chatguard.org/internal/rag"
)

type chunkRequest struct {
	ChunkID     string            `json:"chunkId"`
	DocumentID  string            `json:"documentId"`
	Text        string            `json:"text"`
	Metadata    map[string]string `json:"metadata"`
	AccessScope chat.AccessScope  `json:"accessScope"`
}

type indexDocumentRequest struct {
	Chunks []chunkRequest `json:"chunks"`
}

// requireIngest resolves the caller and checks the rag.ingest permission.
func (a *API) requireIngest(w http.ResponseWriter, r *http.Request) (auth.AuthContext, bool) {
	if a.index == nil {
		writeError(w, r, http.StatusServiceUnavailable, "retrieval disabled")
		return auth.AuthContext{}, false
	}
	ac := authContext(r)
	if !ac.HasPermission(auth.PermRAGIngest) {
		writeError(w, r, http.StatusForbidden, "rag.ingest permission required")
		return auth.AuthContext{}, false
	}
	return ac, true
}

func (a *API) indexDocument(w http.ResponseWriter, r *http.Request) {
	ac, ok := a.requireIngest(w, r)
	if !ok {
		return
	}
	versionID := mux.Vars(r)["versionId"]
	var req indexDocumentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Chunks) == 0 {
		writeError(w, r, http.StatusBadRequest, "at least one chunk is required")
		return
	}
	chunks := make([]rag.Chunk, 0, len(req.Chunks))
	for _, c := range req.Chunks {
		if strings.TrimSpace(c.ChunkID) == "" || strings.TrimSpace(c.Text) == "" {
			writeError(w, r, http.StatusBadRequest, "chunkId and text are required")
			return
		}
		chunks = append(chunks, rag.Chunk{
			ChunkID:     c.ChunkID,
			DocumentID:  c.DocumentID,
			Text:        c.Text,
			Metadata:    c.Metadata,
			AccessScope: c.AccessScope,
		})
	}
	if err := a.index.IndexDocument(r.Context(), ac.TenantID(), versionID, chunks); err != nil {
		writeError(w, r, http.StatusBadGateway, "index document failed")
		return
	}
	a.ingestAudit(r, ac, "rag.document.index", versionID, map[string]any{"chunks": len(chunks)})
	writeJSON(w, http.StatusOK, map[string]any{"documentVersionId": versionID, "chunks": len(chunks)})
}

func (a *API) removeDocument(w http.ResponseWriter, r *http.Request) {
	ac, ok := a.requireIngest(w, r)
	if !ok {
		return
	}
	versionID := mux.Vars(r)["versionId"]
	if err := a.index.RemoveDocument(r.Context(), ac.TenantID(), versionID); err != nil {
		writeError(w, r, http.StatusBadGateway, "remove document failed")
		return
	}
	a.ingestAudit(r, ac, "rag.document.remove", versionID, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) updateChunkScope(w http.ResponseWriter, r *http.Request) {
	ac, ok := a.requireIngest(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	var scope chat.AccessScope
	if err := decodeJSON(r, &scope); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.index.UpdateChunkAccessScope(r.Context(), ac.TenantID(), vars["versionId"], vars["chunkId"], scope); err != nil {
		writeError(w, r, http.StatusNotFound, err.Error())
		return
	}
	a.ingestAudit(r, ac, "rag.chunk.scope", vars["versionId"], map[string]any{"chunkId": vars["chunkId"]})
	writeJSON(w, http.StatusOK, scope)
}

func (a *API) ingestAudit(r *http.Request, ac auth.AuthContext, action, versionID string, details map[string]any) {
	uid, _ := ac.UserID()
	a.audit(r, audit.Entry{
		TenantID:     ac.TenantID(),
		UserID:       uid,
		Action:       action,
		Resource:     versionID,
		ResourceType: "document_version",
		Details:      details,
	})
}
