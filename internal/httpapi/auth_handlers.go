package httpapi

import (
	"net/http"
	"time"

	"chatguard.org/internal/audit"
	"chatguard.org/internal/auth"
)

type tokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// handleAuthToken exchanges the caller's credentials (typically an API key) for a
// short-lived bearer token carrying the same identity.
func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if a.tokens == nil {
		writeError(w, r, http.StatusNotImplemented, "token issuing disabled")
		return
	}
	ac := authContext(r)
	uid, _ := ac.UserID()
	token, expiresAt, err := a.tokens.Issue(auth.Credentials{
		TenantID:   ac.TenantID(),
		UserID:     uid,
		Roles:      ac.Roles(),
		Attributes: ac.Attributes(),
	}, a.tokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}

	a.audit(r, audit.Entry{
		TenantID:     ac.TenantID(),
		UserID:       uid,
		Action:       "auth.token.issued",
		ResourceType: "token",
		Details: map[string]any{
			"roles":      ac.Roles(),
			"expires_at": expiresAt.Format(time.RFC3339),
		},
	})
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expiresAt,
	})
}
