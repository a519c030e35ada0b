// Package apperrors defines the sentinel error taxonomy surfaced by the
// orchestrator and its stores, plus an AppError boundary type that maps any
// of them to an HTTP status for the REST gateway.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel error kinds. Components return these directly, or wrapped with
// fmt.Errorf("...: %w", ...) for context; callers use errors.Is.
var (
	ErrNotFound            = errors.New("not found")
	ErrConversationClosed  = errors.New("conversation is closed")
	ErrTurnMismatch        = errors.New("turn mismatch")
	ErrNoOpenTurn          = errors.New("no open turn")
	ErrWrongAgent          = errors.New("wrong agent")
	ErrAgentNotPermitted   = errors.New("agent not permitted")
	ErrPreconditionFailed  = errors.New("precondition failed")
	ErrTransient           = errors.New("transient failure")
	ErrFatal               = errors.New("fatal error")
)

// AppError is the HTTP-boundary representation of a sentinel error.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// codeFor maps a sentinel to its wire code and HTTP status.
var codeFor = []struct {
	sentinel error
	code     string
	status   int
}{
	{ErrNotFound, "NOT_FOUND", http.StatusNotFound},
	{ErrConversationClosed, "CONVERSATION_CLOSED", http.StatusConflict},
	{ErrTurnMismatch, "TURN_MISMATCH", http.StatusConflict},
	{ErrNoOpenTurn, "NO_OPEN_TURN", http.StatusConflict},
	{ErrWrongAgent, "WRONG_AGENT", http.StatusConflict},
	{ErrAgentNotPermitted, "AGENT_NOT_PERMITTED", http.StatusForbidden},
	{ErrPreconditionFailed, "PRECONDITION_FAILED", http.StatusPreconditionFailed},
	{ErrTransient, "TRANSIENT", http.StatusServiceUnavailable},
	{ErrFatal, "FATAL", http.StatusInternalServerError},
}

// Wrap converts err into an *AppError, mapping known sentinels to their HTTP
// status and wire code. Unknown errors become a generic 500 INTERNAL.
func Wrap(err error) *AppError {
	if err == nil {
		return nil
	}
	var existing *AppError
	if errors.As(err, &existing) {
		return existing
	}
	for _, c := range codeFor {
		if errors.Is(err, c.sentinel) {
			return &AppError{Code: c.code, Message: err.Error(), HTTPStatus: c.status, Err: err}
		}
	}
	return &AppError{Code: "INTERNAL", Message: err.Error(), HTTPStatus: http.StatusInternalServerError, Err: err}
}

// HTTPStatus returns the status code that should be used to report err.
func HTTPStatus(err error) int {
	return Wrap(err).HTTPStatus
}

// Is is a small ergonomic alias over errors.Is for callers that already
// import this package.
func Is(err, target error) bool { return errors.Is(err, target) }
