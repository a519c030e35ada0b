package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestWrapMapsKnownSentinel(t *testing.T) {
	app := Wrap(ErrNotFound)
	if app.Code != "NOT_FOUND" {
		t.Errorf("expected code NOT_FOUND, got %q", app.Code)
	}
	if app.HTTPStatus != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", app.HTTPStatus)
	}
}

func TestWrapMapsWrappedSentinel(t *testing.T) {
	wrapped := fmt.Errorf("lookup failed: %w", ErrAgentNotPermitted)
	app := Wrap(wrapped)
	if app.Code != "AGENT_NOT_PERMITTED" {
		t.Errorf("expected code AGENT_NOT_PERMITTED, got %q", app.Code)
	}
	if app.HTTPStatus != http.StatusForbidden {
		t.Errorf("expected status 403, got %d", app.HTTPStatus)
	}
}

func TestWrapUnknownErrorBecomesInternal(t *testing.T) {
	app := Wrap(errors.New("something broke"))
	if app.Code != "INTERNAL" {
		t.Errorf("expected code INTERNAL, got %q", app.Code)
	}
	if app.HTTPStatus != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", app.HTTPStatus)
	}
}

func TestWrapIsIdempotent(t *testing.T) {
	once := Wrap(ErrTurnMismatch)
	twice := Wrap(once)
	if once != twice {
		t.Error("expected Wrap on an already-wrapped AppError to return it unchanged")
	}
}

func TestWrapNilReturnsNil(t *testing.T) {
	if Wrap(nil) != nil {
		t.Error("expected Wrap(nil) to return nil")
	}
}

func TestHTTPStatusHelper(t *testing.T) {
	if got := HTTPStatus(ErrConversationClosed); got != http.StatusConflict {
		t.Errorf("expected 409, got %d", got)
	}
}

func TestAppErrorUnwrap(t *testing.T) {
	app := Wrap(fmt.Errorf("context: %w", ErrFatal))
	if !errors.Is(app, ErrFatal) {
		t.Error("expected errors.Is to see through AppError.Unwrap to the sentinel")
	}
}
