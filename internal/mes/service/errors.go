package service

import (
	"errors"
	"fmt"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"github.com/bitfantasy/nimo-mes/internal/mes/lock"
	"github.com/bitfantasy/nimo-mes/internal/mes/repository"
)

// ErrorKind classifies every failure a caller can see.
type ErrorKind string

const (
	KindValidation        ErrorKind = "VALIDATION_ERROR"
	KindNotFound          ErrorKind = "NOT_FOUND"
	KindConflict          ErrorKind = "CONFLICT"
	KindDuplicateRework   ErrorKind = "DUPLICATE_REWORK"
	KindInvalidTransition ErrorKind = "INVALID_TRANSITION"
	KindPrecondGate       ErrorKind = "PRECOND_GATE"
	KindIntegrity         ErrorKind = "INTEGRITY"
)

// Error is a business-rule failure. Conflict is retryable after a fresh read;
// Integrity means the ledger disagrees with itself and nothing was written.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func validationError(format string, args ...interface{}) *Error {
	return newError(KindValidation, format, args...)
}

func notFoundError(format string, args ...interface{}) *Error {
	return newError(KindNotFound, format, args...)
}

func conflictError(format string, args ...interface{}) *Error {
	return newError(KindConflict, format, args...)
}

func invalidTransition(format string, args ...interface{}) *Error {
	return newError(KindInvalidTransition, format, args...)
}

func precondGate(format string, args ...interface{}) *Error {
	return newError(KindPrecondGate, format, args...)
}

func duplicateRework(format string, args ...interface{}) *Error {
	return newError(KindDuplicateRework, format, args...)
}

func integrityError(format string, args ...interface{}) *Error {
	return newError(KindIntegrity, format, args...)
}

// KindOf returns the kind of err, or "" for unclassified errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// classify turns storage and lock errors into kinds; what names the entity
// for the message.
func classify(err error, what string) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != "" {
		return err
	}
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return &Error{Kind: KindNotFound, Message: what + " not found", Err: err}
	case errors.Is(err, repository.ErrVersionConflict):
		return &Error{Kind: KindConflict, Message: what + " was modified concurrently, re-read and retry", Err: err}
	case errors.Is(err, lock.ErrTimeout):
		return &Error{Kind: KindConflict, Message: what + " is busy, retry", Err: err}
	case errors.Is(err, entity.ErrAppendOnly):
		return &Error{Kind: KindIntegrity, Message: "ledger history cannot be rewritten", Err: err}
	}
	return fmt.Errorf("%s: %w", what, err)
}
