package auth

import "errors"

var (
	ErrInvalidToken   = errors.New("auth: invalid token")
	ErrInvalidAPIKey  = errors.New("auth: invalid api key")
	ErrMissingTenant  = errors.New("auth: tenant is required")
	ErrNotFound       = errors.New("auth: not found")
	ErrNotImplemented = errors.New("auth: not implemented")
)
