package lifecycle

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ytsize/ytsize-core/internal/config"
)

func newTestController() *Controller {
	return New(&config.Config{Port: 0})
}

func TestStateStartsDraining(t *testing.T) {
	c := newTestController()
	if c.State() != Draining {
		t.Errorf("expected initial state DRAINING (not yet accepting), got %v", c.State())
	}
}

func TestReadinessGateMiddlewareRejectsWhenNotRunning(t *testing.T) {
	c := newTestController()
	e := echo.New()

	handlerCalled := false
	next := func(ctx echo.Context) error {
		handlerCalled = true
		return ctx.NoContent(http.StatusOK)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/size", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	if err := c.readinessGateMiddleware(next)(ctx); err != nil {
		t.Fatalf("middleware returned error: %v", err)
	}
	if handlerCalled {
		t.Error("expected next handler not to be called while draining")
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 while draining, got %d", rec.Code)
	}
}

func TestReadinessGateMiddlewareAllowsHealthEndpointsWhenDraining(t *testing.T) {
	c := newTestController()
	e := echo.New()

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		handlerCalled := false
		next := func(ctx echo.Context) error {
			handlerCalled = true
			return ctx.NoContent(http.StatusOK)
		}

		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		ctx := e.NewContext(req, rec)

		if err := c.readinessGateMiddleware(next)(ctx); err != nil {
			t.Fatalf("middleware returned error for %s: %v", path, err)
		}
		if !handlerCalled {
			t.Errorf("expected %s to bypass the readiness gate while draining", path)
		}
	}
}

func TestReadinessGateMiddlewareAllowsTrafficWhileRunning(t *testing.T) {
	c := newTestController()
	c.state.Store(int32(Running))
	e := echo.New()

	handlerCalled := false
	next := func(ctx echo.Context) error {
		handlerCalled = true
		return ctx.NoContent(http.StatusOK)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/size", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	if err := c.readinessGateMiddleware(next)(ctx); err != nil {
		t.Fatalf("middleware returned error: %v", err)
	}
	if !handlerCalled {
		t.Error("expected next handler to be called while running")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 while running, got %d", rec.Code)
	}
}

func TestCorrelationIDMiddlewareMintsIDWhenAbsent(t *testing.T) {
	c := newTestController()
	e := echo.New()

	var seen string
	next := func(ctx echo.Context) error {
		seen, _ = ctx.Get("requestId").(string)
		return ctx.NoContent(http.StatusOK)
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	if err := c.correlationIDMiddleware(next)(ctx); err != nil {
		t.Fatalf("middleware returned error: %v", err)
	}
	if seen == "" {
		t.Error("expected a request ID to be minted and stored in context")
	}
	if rec.Header().Get("X-Request-ID") != seen {
		t.Error("expected response header to echo the minted request ID")
	}
}

func TestCorrelationIDMiddlewareEchoesInboundID(t *testing.T) {
	c := newTestController()
	e := echo.New()

	var seen string
	next := func(ctx echo.Context) error {
		seen, _ = ctx.Get("requestId").(string)
		return ctx.NoContent(http.StatusOK)
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "caller-supplied-id")
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	if err := c.correlationIDMiddleware(next)(ctx); err != nil {
		t.Fatalf("middleware returned error: %v", err)
	}
	if seen != "caller-supplied-id" {
		t.Errorf("expected inbound request ID to be preserved, got %q", seen)
	}
}
