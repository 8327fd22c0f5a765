// Package size implements POST /api/v1/size, generalizing the teacher's
// internal/handler/http/proxy package shape (constructor-injected
// collaborators, route registration split into routes.go) into the
// request -> RL -> CB -> WP -> SE -> size-computation pipeline (spec §2),
// and the full error-code-to-HTTP-status mapping table (spec §6).
package size

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ytsize/ytsize-core/internal/breaker"
	"github.com/ytsize/ytsize-core/internal/errs"
	"github.com/ytsize/ytsize-core/internal/metrics"
	"github.com/ytsize/ytsize-core/internal/ratelimit"
	"github.com/ytsize/ytsize-core/internal/sizeest"
	"github.com/ytsize/ytsize-core/internal/subprocess"
	"github.com/ytsize/ytsize-core/internal/workerpool"
	"github.com/ytsize/ytsize-core/pkg/logger"
)

// maxDispatchRetries bounds the in-request retry loop in dispatch to 2
// retries (3 total attempts), per spec §7.
const maxDispatchRetries = 2

// localRateLimited is the JSON error code for OUR OWN rate limiter
// rejecting a request, kept distinct from errs.RateLimited which names
// an upstream (yt-dlp/YouTube) rate-limit response (spec §6, §7).
const localRateLimited = "RATE_LIMITED"

// Config carries the Handler's collaborators, assembled by the
// lifecycle controller in startup order.
type Config struct {
	Limiter        *ratelimit.Limiter
	Breaker        *breaker.Breaker
	Pool           *workerpool.Pool
	YtdlpTimeoutMs int
	MaxOutputBytes int64
}

// Handler implements POST /api/v1/size.
type Handler struct {
	cfg Config
	log logger.Logger
}

// NewHandler creates a new Handler with dependency injection.
func NewHandler(cfg Config) *Handler {
	return &Handler{cfg: cfg, log: logger.With("component", "size-handler")}
}

type sizeRequest struct {
	URL          string `json:"url"`
	DurationHint int    `json:"duration_hint"`
	Cookies      string `json:"cookies"`
}

type sizeResponse struct {
	OK       bool          `json:"ok"`
	Bytes    sizeest.Sizes `json:"bytes"`
	Human    sizeest.Human `json:"human"`
	Labels   []string      `json:"labels"`
	Duration float64       `json:"duration"`
}

type errorResponse struct {
	OK        bool   `json:"ok"`
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId"`
}

// HandleSize handles POST /api/v1/size.
func (h *Handler) HandleSize(c echo.Context) error {
	requestID, _ := c.Get("requestId").(string)
	ctx := c.Request().Context()

	var req sizeRequest
	if err := c.Bind(&req); err != nil {
		return h.respondError(c, requestID, errs.Validation, "request body is not valid JSON")
	}

	if err := subprocess.ValidateURL(req.URL); err != nil {
		return h.respondError(c, requestID, errs.CodeOf(err), err.Error())
	}
	if req.DurationHint < 0 || req.DurationHint > 86400 {
		return h.respondError(c, requestID, errs.Validation, "duration_hint must be between 0 and 86400")
	}

	decision, err := h.cfg.Limiter.Allow(ctx, c.RealIP())
	if err != nil {
		h.log.Warn("rate limiter check failed, admitting request: %v", err)
	} else if !decision.Allowed {
		c.Response().Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		c.Response().Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetMs, 10))
		metrics.RequestsTotal.WithLabelValues(localRateLimited).Inc()
		return c.JSON(http.StatusTooManyRequests, errorResponse{
			OK:        false,
			Error:     "Too many requests, please try again later.",
			Code:      localRateLimited,
			RequestID: requestID,
		})
	}

	res, err := breaker.Execute(h.cfg.Breaker, ctx, func(ctx context.Context) (subprocess.Result, error) {
		return h.dispatch(ctx, req)
	})
	if err != nil {
		return h.respondError(c, requestID, errs.CodeOf(err), err.Error())
	}

	duration := res.Meta.Duration
	if req.DurationHint > 0 {
		duration = float64(req.DurationHint)
	}
	bytes, human, err := sizeest.Estimate(res.Meta, req.DurationHint)
	if err != nil {
		return h.respondError(c, requestID, errs.Unknown, err.Error())
	}

	metrics.RequestsTotal.WithLabelValues("OK").Inc()
	return c.JSON(http.StatusOK, sizeResponse{
		OK:       true,
		Bytes:    bytes,
		Human:    human,
		Labels:   sizeest.SortedLabels(bytes),
		Duration: duration,
	})
}

// dispatch submits the task to the worker pool and waits for its result
// or context cancellation, whichever comes first, retrying up to
// maxDispatchRetries times on NETWORK_ERROR/UNKNOWN outcomes with
// exponential backoff (spec §7). Runs inside the circuit breaker's
// admission wrapper, so all attempts count as a single admitted call.
func (h *Handler) dispatch(ctx context.Context, req sizeRequest) (subprocess.Result, error) {
	var lastErr error
	for attempt := 0; attempt <= maxDispatchRetries; attempt++ {
		res, err := h.attemptOnce(ctx, req, attempt)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if attempt == maxDispatchRetries || !errs.CodeOf(err).Retryable() {
			return subprocess.Result{}, err
		}

		if waitErr := h.waitBackoff(ctx, attempt); waitErr != nil {
			return subprocess.Result{}, waitErr
		}
	}
	return subprocess.Result{}, lastErr
}

// attemptOnce performs a single worker-pool round trip for one retry
// attempt.
func (h *Handler) attemptOnce(ctx context.Context, req sizeRequest, attempt int) (subprocess.Result, error) {
	resultCh, err := h.cfg.Pool.Submit(ctx, workerpool.TaskInput{
		URL:            req.URL,
		TimeoutMs:      h.cfg.YtdlpTimeoutMs,
		MaxOutputBytes: h.cfg.MaxOutputBytes,
		Cookies:        req.Cookies,
		Attempt:        attempt,
	})
	if err != nil {
		return subprocess.Result{}, err
	}

	select {
	case tr := <-resultCh:
		if tr.Err != nil {
			return subprocess.Result{}, tr.Err
		}
		if !tr.Res.OK {
			return subprocess.Result{}, errs.New(tr.Res.Code, tr.Res.Message)
		}
		return tr.Res, nil
	case <-ctx.Done():
		return subprocess.Result{}, errs.New(errs.Timeout, "request cancelled")
	}
}

// waitBackoff sleeps for min(2^attempt*1000ms, 5000ms) (spec §7), or
// returns early if ctx is cancelled first.
func (h *Handler) waitBackoff(ctx context.Context, attempt int) error {
	backoff := time.Duration(1) << uint(attempt) * time.Second
	if backoff > 5*time.Second {
		backoff = 5 * time.Second
	}

	timer := time.NewTimer(backoff)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return errs.New(errs.Timeout, "request cancelled")
	}
}

// respondError maps a code to its HTTP status per spec §6 and writes the
// uniform error body.
func (h *Handler) respondError(c echo.Context, requestID string, code errs.Code, message string) error {
	metrics.RequestsTotal.WithLabelValues(string(code)).Inc()
	return c.JSON(statusFor(code), errorResponse{
		OK:        false,
		Error:     message,
		Code:      string(code),
		RequestID: requestID,
	})
}

func statusFor(code errs.Code) int {
	switch code {
	case errs.InvalidURL, errs.Validation:
		return http.StatusBadRequest
	case errs.ShuttingDown, errs.CircuitOpen, errs.QueueFull, errs.NotFound:
		return http.StatusServiceUnavailable
	case errs.Timeout:
		return http.StatusGatewayTimeout
	case errs.VideoUnavailable:
		return http.StatusNotFound
	case errs.RateLimited:
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}
