package size

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ytsize/ytsize-core/internal/breaker"
	"github.com/ytsize/ytsize-core/internal/errs"
	"github.com/ytsize/ytsize-core/internal/ratelimit"
	"github.com/ytsize/ytsize-core/internal/subprocess"
	"github.com/ytsize/ytsize-core/internal/workerpool"
)

// fakeExecutor implements workerpool.Executor for handler tests, standing
// in for a real yt-dlp invocation.
type fakeExecutor struct {
	result subprocess.Result
}

func (f fakeExecutor) Execute(ctx context.Context, url string, timeoutMs int, maxOutputBytes int64, cookies string) subprocess.Result {
	return f.result
}

func newTestHandler(t *testing.T, exec workerpool.Executor) *Handler {
	t.Helper()
	pool := workerpool.New(workerpool.Config{MinWorkers: 1, MaxWorkers: 1, MaxQueueSize: 1}, exec)
	pool.Start()
	t.Cleanup(func() { pool.Shutdown(time.Second) })

	return NewHandler(Config{
		Limiter:        ratelimit.New(ratelimit.Config{WindowMs: 60_000, MaxRequests: 100, RedisEnabled: false}),
		Breaker:        breaker.New(breaker.Config{}),
		Pool:           pool,
		YtdlpTimeoutMs: 1000,
		MaxOutputBytes: 1 << 20,
	})
}

func doRequest(h *Handler, body string) *httptest.ResponseRecorder {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/size", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("requestId", "test-request-id")
	_ = h.HandleSize(c)
	return rec
}

func TestHandleSizeHappyPath(t *testing.T) {
	h := newTestHandler(t, fakeExecutor{result: subprocess.Result{
		OK: true,
		Meta: &subprocess.Metadata{
			ID:       "jNQXAC9IVRw",
			Duration: 19,
			Formats: []subprocess.Format{
				{Height: 360, VCodec: "avc1", ACodec: "mp4a", Filesize: 1_000_000},
			},
		},
	}})

	rec := doRequest(h, `{"url":"https://www.youtube.com/watch?v=jNQXAC9IVRw"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp sizeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.OK || resp.Duration < 1 {
		t.Fatalf("expected ok=true and duration>=1, got %+v", resp)
	}
}

func TestHandleSizeRejectsInvalidURL(t *testing.T) {
	h := newTestHandler(t, fakeExecutor{})

	rec := doRequest(h, `{"url":"https://www.youtube.com/watch?v=abc;rm -rf /"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.OK {
		t.Fatalf("expected ok=false")
	}
	if resp.Code != string(errs.InvalidURL) && resp.Code != string(errs.Validation) {
		t.Fatalf("expected INVALID_URL or VALIDATION code, got %q", resp.Code)
	}
}

func TestHandleSizeMapsVideoUnavailableTo404(t *testing.T) {
	h := newTestHandler(t, fakeExecutor{result: subprocess.Result{
		OK: false, Code: errs.VideoUnavailable, Message: "this video is unavailable",
	}})

	rec := doRequest(h, `{"url":"https://www.youtube.com/watch?v=jNQXAC9IVRw"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleSizeMapsTimeoutTo504(t *testing.T) {
	h := newTestHandler(t, fakeExecutor{result: subprocess.Result{
		OK: false, Code: errs.Timeout, Message: "yt-dlp timed out",
	}})

	rec := doRequest(h, `{"url":"https://www.youtube.com/watch?v=jNQXAC9IVRw"}`)
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d: %s", rec.Code, rec.Body.String())
	}
}

// TestHandleSizeQueueFullReturns503 occupies the sole worker and fills the
// one-slot queue directly on the pool, then confirms the handler's own
// request surfaces the pool's QUEUE_FULL rejection as a 503.
func TestHandleSizeQueueFullReturns503(t *testing.T) {
	blockCh := make(chan struct{})
	t.Cleanup(func() { close(blockCh) })

	pool := workerpool.New(workerpool.Config{MinWorkers: 1, MaxWorkers: 1, MaxQueueSize: 1}, blockingExecutor{unblock: blockCh})
	pool.Start()
	t.Cleanup(func() { pool.Shutdown(time.Second) })

	h := NewHandler(Config{
		Limiter:        ratelimit.New(ratelimit.Config{WindowMs: 60_000, MaxRequests: 100}),
		Breaker:        breaker.New(breaker.Config{}),
		Pool:           pool,
		YtdlpTimeoutMs: 1000,
		MaxOutputBytes: 1 << 20,
	})

	if _, err := pool.Submit(context.Background(), workerpool.TaskInput{URL: "x"}); err != nil {
		t.Fatalf("failed to occupy worker: %v", err)
	}
	time.Sleep(20 * time.Millisecond) // let the worker pick up the first task
	if _, err := pool.Submit(context.Background(), workerpool.TaskInput{URL: "y"}); err != nil {
		t.Fatalf("failed to fill the one queue slot: %v", err)
	}

	rec := doRequest(h, `{"url":"https://www.youtube.com/watch?v=jNQXAC9IVRw"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when pool queue is full, got %d: %s", rec.Code, rec.Body.String())
	}
}

type blockingExecutor struct{ unblock chan struct{} }

func (b blockingExecutor) Execute(ctx context.Context, url string, timeoutMs int, maxOutputBytes int64, cookies string) subprocess.Result {
	<-b.unblock
	return subprocess.Result{OK: true, Meta: &subprocess.Metadata{Duration: 10}}
}

// flakyExecutor fails with a retryable code on its first failCount calls,
// then succeeds, so dispatch's retry loop can be exercised without a real
// network dependency.
type flakyExecutor struct {
	mu        sync.Mutex
	failCount int
	calls     int
}

func (f *flakyExecutor) Execute(ctx context.Context, url string, timeoutMs int, maxOutputBytes int64, cookies string) subprocess.Result {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()

	if n <= f.failCount {
		return subprocess.Result{OK: false, Code: errs.NetworkError, Message: "connection reset"}
	}
	return subprocess.Result{OK: true, Meta: &subprocess.Metadata{Duration: 10}}
}

// TestDispatchRetriesRetryableFailures confirms dispatch retries a
// NETWORK_ERROR outcome and succeeds once the executor recovers, within
// maxDispatchRetries.
func TestDispatchRetriesRetryableFailures(t *testing.T) {
	exec := &flakyExecutor{failCount: maxDispatchRetries}
	h := newTestHandler(t, exec)

	rec := doRequest(h, `{"url":"https://www.youtube.com/watch?v=jNQXAC9IVRw"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after exhausting retries on the last attempt, got %d: %s", rec.Code, rec.Body.String())
	}

	exec.mu.Lock()
	calls := exec.calls
	exec.mu.Unlock()
	if calls != maxDispatchRetries+1 {
		t.Fatalf("expected %d attempts, got %d", maxDispatchRetries+1, calls)
	}
}

// TestDispatchGivesUpAfterMaxRetries confirms dispatch surfaces the
// terminal failure once retries are exhausted rather than retrying forever.
func TestDispatchGivesUpAfterMaxRetries(t *testing.T) {
	exec := &flakyExecutor{failCount: maxDispatchRetries + 1}
	h := newTestHandler(t, exec)

	rec := doRequest(h, `{"url":"https://www.youtube.com/watch?v=jNQXAC9IVRw"}`)
	if rec.Code == http.StatusOK {
		t.Fatalf("expected a non-200 response once retries are exhausted, got 200")
	}

	exec.mu.Lock()
	calls := exec.calls
	exec.mu.Unlock()
	if calls != maxDispatchRetries+1 {
		t.Fatalf("expected exactly %d attempts (no retry after the cap), got %d", maxDispatchRetries+1, calls)
	}
}

// TestDispatchDoesNotRetryNonRetryableCode confirms a terminal code like
// VIDEO_UNAVAILABLE is not retried at all.
func TestDispatchDoesNotRetryNonRetryableCode(t *testing.T) {
	exec := &flakyExecutor{}
	pool := workerpool.New(workerpool.Config{MinWorkers: 1, MaxWorkers: 1, MaxQueueSize: 1}, countingNonRetryableExecutor{exec: exec})
	pool.Start()
	t.Cleanup(func() { pool.Shutdown(time.Second) })

	h := NewHandler(Config{
		Limiter:        ratelimit.New(ratelimit.Config{WindowMs: 60_000, MaxRequests: 100}),
		Breaker:        breaker.New(breaker.Config{}),
		Pool:           pool,
		YtdlpTimeoutMs: 1000,
		MaxOutputBytes: 1 << 20,
	})

	rec := doRequest(h, `{"url":"https://www.youtube.com/watch?v=jNQXAC9IVRw"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}

	exec.mu.Lock()
	calls := exec.calls
	exec.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-retryable code, got %d", calls)
	}
}

type countingNonRetryableExecutor struct{ exec *flakyExecutor }

func (c countingNonRetryableExecutor) Execute(ctx context.Context, url string, timeoutMs int, maxOutputBytes int64, cookies string) subprocess.Result {
	c.exec.mu.Lock()
	c.exec.calls++
	c.exec.mu.Unlock()
	return subprocess.Result{OK: false, Code: errs.VideoUnavailable, Message: "this video is unavailable"}
}
