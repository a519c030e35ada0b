package rest

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/turnloop/conductor/internal/apperrors"
	"github.com/turnloop/conductor/internal/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "text", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("logger.New failed: %v", err)
	}
	return log
}

func TestRequestLoggerSetsRequestIDHeader(t *testing.T) {
	r := gin.New()
	r.Use(RequestLogger(testLogger(t)))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}
}

func TestErrorHandlerMapsAppError(t *testing.T) {
	r := gin.New()
	r.Use(ErrorHandler(testLogger(t)))
	r.GET("/missing", func(c *gin.Context) {
		_ = c.Error(apperrors.ErrNotFound)
	})

	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestErrorHandlerPassesThroughWithNoError(t *testing.T) {
	r := gin.New()
	r.Use(ErrorHandler(testLogger(t)))
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
}

func TestRecoveryConvertsPanicTo500(t *testing.T) {
	r := gin.New()
	r.Use(Recovery(testLogger(t)))
	r.GET("/boom", func(c *gin.Context) {
		panic(errors.New("kaboom"))
	})

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", w.Code)
	}
}

func TestCORSRespondsToPreflight(t *testing.T) {
	r := gin.New()
	r.Use(CORS())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/ping", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("expected status 204 for a preflight request, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected Access-Control-Allow-Origin header to be set")
	}
}

func TestRateLimitRejectsBurstBeyondBudget(t *testing.T) {
	r := gin.New()
	r.Use(RateLimit(2))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	var codes []int
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	sawLimited := false
	for _, code := range codes {
		if code == http.StatusTooManyRequests {
			sawLimited = true
		}
	}
	if !sawLimited {
		t.Errorf("expected at least one request in a burst of 4 against a budget of 2 to be rate limited, got codes %v", codes)
	}
}
