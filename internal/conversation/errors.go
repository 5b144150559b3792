package conversation

import (
	"errors"
	"fmt"
)

// Kind classifies every error the orchestrator returns.
type Kind uint8

const (
	KindUnknown Kind = iota
	Unauthenticated
	Forbidden
	NotFound
	InvalidArgument
	ModelNotAllowed
	NoSuitableModel
	BudgetExceeded
	GenerationFailed
	StorageError
)

var kindNames = [...]string{
	KindUnknown:      "unknown",
	Unauthenticated:  "unauthenticated",
	Forbidden:        "forbidden",
	NotFound:         "not_found",
	InvalidArgument:  "invalid_argument",
	ModelNotAllowed:  "model_not_allowed",
	NoSuitableModel:  "no_suitable_model",
	BudgetExceeded:   "budget_exceeded",
	GenerationFailed: "generation_failed",
	StorageError:     "storage_error",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return kindNames[KindUnknown]
}

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrUnauthenticated  = &Error{Kind: Unauthenticated}
	ErrForbidden        = &Error{Kind: Forbidden}
	ErrNotFound         = &Error{Kind: NotFound}
	ErrInvalidArgument  = &Error{Kind: InvalidArgument}
	ErrModelNotAllowed  = &Error{Kind: ModelNotAllowed}
	ErrNoSuitableModel  = &Error{Kind: NoSuitableModel}
	ErrBudgetExceeded   = &Error{Kind: BudgetExceeded}
	ErrGenerationFailed = &Error{Kind: GenerationFailed}
	ErrStorage          = &Error{Kind: StorageError}
)

// Error is the only error type that leaves this package.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so callers can compare against the sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the Kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func fail(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func failf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}
