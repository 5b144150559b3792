package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultIssuer = "chatguard"

// Claims represents JWT claims issued to users and tenant integrations.
type Claims struct {
	TenantID   string            `json:"tid"`
	Roles      []string          `json:"roles,omitempty"`
	Attributes map[string]string `json:"attrs,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier signs and validates HS256 bearer tokens.
type TokenVerifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// TokenOption configures a TokenVerifier.
type TokenOption func(*TokenVerifier)

// WithIssuer overrides the expected and issued iss claim.
func WithIssuer(issuer string) TokenOption {
	return func(v *TokenVerifier) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			v.issuer = issuer
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) TokenOption {
	return func(v *TokenVerifier) {
		if fn != nil {
			v.now = fn
		}
	}
}

// NewTokenVerifier constructs a verifier for the shared secret.
func NewTokenVerifier(secret string, opts ...TokenOption) (*TokenVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auth: token secret is not configured")
	}
	v := &TokenVerifier{secret: []byte(secret), issuer: defaultIssuer, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Issue signs a token for cred. Omitting UserID produces a tenant-level token.
func (v *TokenVerifier) Issue(cred Credentials, ttl time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(cred.TenantID) == "" {
		return "", time.Time{}, ErrMissingTenant
	}
	if ttl <= 0 {
		return "", time.Time{}, errors.New("auth: ttl must be greater than zero")
	}
	now := v.now().UTC()
	exp := now.Add(ttl)
	claims := Claims{
		TenantID:   strings.TrimSpace(cred.TenantID),
		Roles:      NormalizeRoles(cred.Roles),
		Attributes: cred.Attributes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   strings.TrimSpace(cred.UserID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks signature and claims and returns the credentials carried by token.
func (v *TokenVerifier) Verify(token string) (Credentials, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Credentials{}, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	},
		jwt.WithIssuer(v.issuer),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(5*time.Second),
	)
	if err != nil {
		return Credentials{}, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.TenantID) == "" {
		return Credentials{}, ErrInvalidToken
	}
	return Credentials{
		TenantID:   claims.TenantID,
		UserID:     claims.Subject,
		Roles:      NormalizeRoles(claims.Roles),
		Attributes: claims.Attributes,
	}, nil
}
