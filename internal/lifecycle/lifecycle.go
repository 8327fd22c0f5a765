// Package lifecycle owns the ordered startup and shutdown sequence
// (spec §4.5), generalizing the teacher's App.Run(): explicit
// RUNNING/DRAINING/TERMINATED state instead of a single readiness bool,
// a tracked inbound-connection set via http.Server.ConnState, a
// second-signal escalation to immediate exit, and an ordered shutdown
// that closes the HTTP acceptor, drains in-flight connections, drains
// the worker pool, closes the rate limiter's backend, and flushes logs.
package lifecycle

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/atomic"

	"github.com/ytsize/ytsize-core/internal/breaker"
	"github.com/ytsize/ytsize-core/internal/config"
	httpiface "github.com/ytsize/ytsize-core/internal/handler/http/interface"
	"github.com/ytsize/ytsize-core/internal/handler/http/health"
	"github.com/ytsize/ytsize-core/internal/handler/http/size"
	"github.com/ytsize/ytsize-core/internal/metrics"
	"github.com/ytsize/ytsize-core/internal/ratelimit"
	"github.com/ytsize/ytsize-core/internal/subprocess"
	"github.com/ytsize/ytsize-core/internal/workerpool"
	"github.com/ytsize/ytsize-core/pkg/logger"
)

// State is the Controller's current lifecycle phase.
type State int32

const (
	Running State = iota
	Draining
	Terminated
)

func (s State) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case Draining:
		return "DRAINING"
	case Terminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Controller owns the full dependency graph (RL, CB, WP, HTTP acceptor)
// and orchestrates their startup and shutdown order.
type Controller struct {
	cfg  *config.Config
	echo *echo.Echo

	state *atomic.Int32

	connMu sync.Mutex
	conns  map[net.Conn]struct{}

	limiter *ratelimit.Limiter
	breaker *breaker.Breaker
	pool    *workerpool.Pool

	httpHandlers []httpiface.HttpRouter

	cancel context.CancelFunc
	log    logger.Logger
}

// New constructs a Controller. Nothing is started until Run is called.
func New(cfg *config.Config) *Controller {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	return &Controller{
		cfg:   cfg,
		echo:  e,
		state: atomic.NewInt32(int32(Draining)), // not yet accepting
		conns: make(map[net.Conn]struct{}),
		log:   logger.With("component", "lifecycle"),
	}
}

// State reports the controller's current phase.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// injectDependency builds RL, CB, WP and the HTTP handler graph, per
// spec §4.5 startup order steps 2-5 (config validation already
// happened in config.Load, step 1).
func (c *Controller) injectDependency() {
	c.limiter = ratelimit.New(ratelimit.Config{
		WindowMs:      c.cfg.RateLimitWindowMs,
		MaxRequests:   c.cfg.RateLimitMaxRequests,
		RedisEnabled:  c.cfg.RedisEnabled,
		RedisURL:      c.cfg.RedisURL,
		RedisPassword: c.cfg.RedisPassword,
	})

	c.breaker = breaker.New(breaker.Config{
		FailureThreshold: c.cfg.CircuitFailureThreshold,
		SuccessThreshold: c.cfg.CircuitSuccessThreshold,
		Timeout:          c.cfg.CircuitTimeout(),
		VolumeThreshold:  c.cfg.CircuitVolumeThreshold,
	})

	executor := subprocess.NewExecutor(subprocess.Config{YtdlpPath: c.cfg.YtdlpPath})
	c.pool = workerpool.New(workerpool.Config{
		MinWorkers:        c.cfg.MinWorkers,
		MaxWorkers:        c.cfg.MaxWorkers,
		MaxTasksPerWorker: c.cfg.MaxTasksPerWorker,
		IdleTimeout:       c.cfg.WorkerIdle(),
		TaskTimeout:       c.cfg.TaskTimeout(),
	}, executor)

	sizeHandler := size.NewHandler(size.Config{
		Limiter:        c.limiter,
		Breaker:        c.breaker,
		Pool:           c.pool,
		YtdlpTimeoutMs: c.cfg.YtdlpTimeoutMs,
		MaxOutputBytes: int64(c.cfg.YtdlpMaxBufferMB) << 20,
	})

	c.httpHandlers = []httpiface.HttpRouter{
		health.NewHandler(func() bool { return c.State() == Running }, c.breaker, c.limiter, c.pool),
		sizeHandler,
	}
}

// Run wires middleware and routes, starts accepting connections, and
// blocks until a shutdown signal is handled. It implements spec §4.5's
// full startup-through-shutdown lifecycle.
func (c *Controller) Run() error {
	_, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.injectDependency()

	c.pool.Start()
	if err := c.pool.WarmUp(context.Background()); err != nil {
		c.log.Warn("worker pool warm-up did not fully complete: %v", err)
	}

	c.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: c.cfg.AllowedOrigins,
		AllowMethods: []string{http.MethodPost, http.MethodGet, http.MethodOptions},
	}))
	c.echo.Use(middleware.BodyLimit("1M"))
	c.echo.Use(middleware.Logger())
	c.echo.Use(middleware.Recover())
	c.echo.Use(c.correlationIDMiddleware)
	c.echo.Use(c.readinessGateMiddleware)
	c.echo.Use(echoprometheus.NewMiddleware("ytsize"))
	c.echo.GET("/metrics", echoprometheus.NewHandler())

	for _, h := range c.httpHandlers {
		h.SetupRoutes(c.echo)
	}

	srv := &http.Server{
		Addr:      fmt.Sprintf(":%d", c.cfg.Port),
		Handler:   c.echo,
		ConnState: c.trackConn,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		c.state.Store(int32(Running))
		metrics.LifecycleState.Set(float64(Running))
		c.log.Info("accepting connections on %s", srv.Addr)
		if err := c.echo.StartServer(srv); err != nil && err != http.ErrServerClosed {
			serverErrCh <- err
			return
		}
		serverErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		c.log.Info("shutdown signal received")
	case err := <-serverErrCh:
		if err != nil {
			c.log.Error("http server error: %v", err)
			return c.shutdown(srv, sigCh)
		}
	}

	return c.shutdown(srv, sigCh)
}

// shutdown implements spec §4.5's ordered teardown: stop accepting and
// drain in-flight connections (http.Server.Shutdown, bounded by the
// overall grace deadline), drain the worker pool with whatever grace
// remains, close the rate limiter's backend, flush logs. A second
// signal during this sequence forces an immediate exit.
func (c *Controller) shutdown(srv *http.Server, sigCh chan os.Signal) error {
	c.state.Store(int32(Draining))
	metrics.LifecycleState.Set(float64(Draining))

	deadline := time.Now().Add(c.cfg.ShutdownGrace())
	done := make(chan struct{})

	go func() {
		defer close(done)

		shutdownCtx, cancel := context.WithDeadline(context.Background(), deadline)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			c.log.Warn("http acceptor shutdown: %v", err)
		}

		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		c.pool.Shutdown(remaining)

		if c.limiter != nil {
			if err := c.limiter.Close(); err != nil {
				c.log.Warn("rate limiter close: %v", err)
			}
		}

		logger.Sync()
	}()

	select {
	case <-done:
		c.log.Info("shutdown complete")
	case <-sigCh:
		c.log.Warn("second signal received during shutdown, forcing exit")
		os.Exit(1)
	}

	c.state.Store(int32(Terminated))
	metrics.LifecycleState.Set(float64(Terminated))
	c.cancel()
	return nil
}

func (c *Controller) trackConn(conn net.Conn, state http.ConnState) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	switch state {
	case http.StateNew:
		c.conns[conn] = struct{}{}
	case http.StateClosed, http.StateHijacked:
		delete(c.conns, conn)
	}
	metrics.LifecycleActiveConnections.Set(float64(len(c.conns)))
}

// readinessGateMiddleware rejects new requests once the controller has
// left RUNNING, except for the health/metrics endpoints operators rely
// on during shutdown (teacher's own readiness-gate pattern, generalized
// to the three-state model).
func (c *Controller) readinessGateMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		if c.State() != Running {
			p := ctx.Request().URL.Path
			if p != "/healthz" && p != "/readyz" && p != "/metrics" {
				return ctx.JSON(http.StatusServiceUnavailable, map[string]any{
					"ok":    false,
					"error": "service is shutting down",
					"code":  "SHUTTING_DOWN",
				})
			}
		}
		return next(ctx)
	}
}

// correlationIDMiddleware echoes an inbound X-Request-ID or mints one,
// per spec §6, and makes it available to handlers via echo.Context.
func (c *Controller) correlationIDMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		id := ctx.Request().Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		ctx.Set("requestId", id)
		ctx.Response().Header().Set("X-Request-ID", id)
		return next(ctx)
	}
}
