package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"chatguard.org/internal/conversation"
	"chatguard.org/internal/obs"
)

// statusFor maps orchestrator error kinds onto HTTP status codes.
func statusFor(kind conversation.Kind) int {
	switch kind {
	case conversation.Unauthenticated:
		return http.StatusUnauthorized
	case conversation.Forbidden:
		return http.StatusForbidden
	case conversation.NotFound:
		return http.StatusNotFound
	case conversation.InvalidArgument:
		return http.StatusBadRequest
	case conversation.BudgetExceeded:
		return http.StatusConflict
	case conversation.ModelNotAllowed, conversation.NoSuitableModel:
		return http.StatusUnprocessableEntity
	case conversation.GenerationFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeConversationError reports err; extra fields (such as an already
// persisted user message) are merged into the body.
func writeConversationError(w http.ResponseWriter, r *http.Request, err error, extra map[string]any) {
	kind := conversation.KindOf(err)
	code := statusFor(kind)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		obs.Logger().Error("request failed",
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		msg = "internal error"
	}
	payload := map[string]any{
		"error": msg,
		"code":  kind.String(),
	}
	for k, v := range extra {
		payload[k] = v
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return errors.New("request body too large")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between " + strconv.Itoa(min) + " and " + strconv.Itoa(max))
	}
	return val, nil
}
