package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"chatguard.org/internal/auth"
)

const (
	authHeader   = "Authorization"
	apiKeyHeader = "X-API-Key"
	bearer       = "Bearer "
)

var (
	errMissingCredentials = errors.New("missing credentials: send X-API-Key or a bearer token")
	errBadScheme          = errors.New("invalid authorization scheme")
)

// Authenticator resolves request credentials into an AuthContext. Either
// verifier may be nil to disable that scheme.
type Authenticator struct {
	tokens  *auth.TokenVerifier
	keys    *auth.APIKeyVerifier
	builder *auth.Builder
}

// NewAuthenticator wires the credential verifiers with the context builder.
func NewAuthenticator(tokens *auth.TokenVerifier, keys *auth.APIKeyVerifier, builder *auth.Builder) *Authenticator {
	if builder == nil {
		builder = auth.NewBuilder(nil)
	}
	return &Authenticator{tokens: tokens, keys: keys, builder: builder}
}

// Authenticate prefers X-API-Key over a bearer token. Websocket upgrades may pass
// the token as the access_token query parameter since browsers cannot set headers.
func (a *Authenticator) Authenticate(r *http.Request) (auth.AuthContext, error) {
	var (
		cred auth.Credentials
		err  error
	)
	switch key := strings.TrimSpace(r.Header.Get(apiKeyHeader)); {
	case key != "":
		if a.keys == nil {
			return auth.AuthContext{}, auth.ErrInvalidAPIKey
		}
		cred, err = a.keys.Verify(r.Context(), key)
	default:
		token, terr := extractBearerToken(r.Header.Get(authHeader))
		if terr != nil && websocket.IsWebSocketUpgrade(r) {
			token = strings.TrimSpace(r.URL.Query().Get("access_token"))
			if token != "" {
				terr = nil
			}
		}
		if terr != nil {
			return auth.AuthContext{}, terr
		}
		if a.tokens == nil {
			return auth.AuthContext{}, auth.ErrInvalidToken
		}
		cred, err = a.tokens.Verify(token)
	}
	if err != nil {
		return auth.AuthContext{}, err
	}
	return a.builder.Build(r.Context(), cred)
}

func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		ac, err := a.authn.Authenticate(r)
		if err != nil {
			switch {
			case errors.Is(err, errMissingCredentials), errors.Is(err, errBadScheme):
				w.Header().Set("WWW-Authenticate", `Bearer realm="chatguard"`)
				writeError(w, r, http.StatusUnauthorized, err.Error())
			case errors.Is(err, auth.ErrInvalidToken):
				writeError(w, r, http.StatusUnauthorized, "invalid token")
			case errors.Is(err, auth.ErrInvalidAPIKey):
				writeError(w, r, http.StatusUnauthorized, "invalid api key")
			case errors.Is(err, auth.ErrMissingTenant):
				writeError(w, r, http.StatusUnauthorized, "credentials carry no tenant")
			default:
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWith(r.Context(), ac)))
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errMissingCredentials
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errBadScheme
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errMissingCredentials
	}
	return token, nil
}
