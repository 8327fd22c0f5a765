// Package workerpool implements the bounded, dynamically-sized worker
// pool that serializes yt-dlp subprocess invocations (spec §4.2).
//
// Grounded on ahmedosamasayed-otlpxy/internal/worker/pool.go for the
// Start/Shutdown sync.Once skeleton and the single mutex owning the
// worker map and queue, generalized from a fixed-size pool of fire-and-
// forget HTTP forwarders into a dynamically-sized pool of subprocess
// workers with completion handles, per-task timeouts, and recycling.
// Backpressure is the bounded queue slice (MaxQueueSize) checked in Submit.
package workerpool

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ytsize/ytsize-core/internal/errs"
	"github.com/ytsize/ytsize-core/internal/metrics"
	"github.com/ytsize/ytsize-core/internal/subprocess"
	"github.com/ytsize/ytsize-core/pkg/logger"
)

// Executor is the subset of *subprocess.Executor the pool depends on,
// seamed out for testing.
type Executor interface {
	Execute(ctx context.Context, url string, timeoutMs int, maxOutputBytes int64, cookies string) subprocess.Result
}

// TaskInput is the caller-supplied description of one extraction request.
type TaskInput struct {
	URL            string
	TimeoutMs      int
	MaxOutputBytes int64
	Cookies        string
	Attempt        int // informational retry-attempt counter, spec §3
}

// TaskResult is delivered exactly once on a task's completion channel.
type TaskResult struct {
	Res subprocess.Result
	Err error // non-nil only for WP/LC-level rejections (*errs.CodedError)
}

// task is the pool's internal representation of one admitted Task.
type task struct {
	in       TaskInput
	ctx      context.Context
	resultCh chan TaskResult
}

func (t *task) deliver(res TaskResult) {
	select {
	case t.resultCh <- res:
	default:
	}
}

// Config bounds and tunes the pool, per spec §6 enumerated configuration.
type Config struct {
	MinWorkers       int
	MaxWorkers       int
	MaxQueueSize     int
	MaxTasksPerWorker int
	IdleTimeout      time.Duration
	TaskTimeout      time.Duration // YTDLP_TIMEOUT + TASK_BUFFER, spec §6
}

func (c *Config) setDefaults() {
	if c.MinWorkers <= 0 {
		c.MinWorkers = 2
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 100
	}
	if c.MaxTasksPerWorker <= 0 {
		c.MaxTasksPerWorker = 500
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 35 * time.Second
	}
}

// Stats is a point-in-time snapshot, returned by GetStats.
type Stats struct {
	ActiveWorkers  int
	QueueLength    int
	ActiveTasks    int
	TotalTasks     int64
	CompletedTasks int64
	FailedTasks    int64
	WorkersCreated int64
	WorkersDestroyed int64
	PeakWorkers    int
	Config         Config
}

// worker is one long-lived execution context owning at most one
// subprocess at a time (spec §3 Worker invariants).
type worker struct {
	id        int
	jobCh     chan *task
	quit      chan struct{}
	createdAt time.Time

	// owned exclusively by the pool's mutex
	busy         bool
	completed    int
	lastActive   time.Time
	idleDeadline time.Time
	current      *task
}

// Pool is the bounded, dynamically-sized worker pool.
type Pool struct {
	cfg      Config
	executor Executor

	mu       sync.Mutex
	workers  map[int]*worker
	queue    []*task
	nextID   int
	draining bool
	stopped  bool

	totalTasks       int64
	completedTasks   int64
	failedTasks      int64
	workersCreated   int64
	workersDestroyed int64
	peakWorkers      int

	idleTicker *time.Ticker
	idleDone   chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	log       logger.Logger
}

// New constructs a Pool. Workers are not started until Start is called.
func New(cfg Config, executor Executor) *Pool {
	cfg.setDefaults()
	return &Pool{
		cfg:      cfg,
		executor: executor,
		workers:  make(map[int]*worker),
		log:      logger.With("component", "workerpool"),
	}
}

// Start brings the pool up to MinWorkers and begins the idle-decay
// background check. Safe to call multiple times.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		p.mu.Lock()
		for i := 0; i < p.cfg.MinWorkers; i++ {
			p.spawnWorkerLocked()
		}
		p.mu.Unlock()

		p.idleTicker = time.NewTicker(p.cfg.IdleTimeout / 2)
		p.idleDone = make(chan struct{})
		go p.idleDecayLoop()

		p.log.Info("worker pool started: min=%d max=%d queue=%d", p.cfg.MinWorkers, p.cfg.MaxWorkers, p.cfg.MaxQueueSize)
	})
}

// WarmUp primes MinWorkers workers with a no-op task to avoid cold-start
// latency on the first real request. Uses errgroup to fan out concurrently
// and wait for all warm-up tasks to settle.
func (p *Pool) WarmUp(ctx context.Context) error {
	p.mu.Lock()
	ids := make([]int, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for range ids {
		g.Go(func() error {
			resultCh, err := p.Submit(gctx, TaskInput{URL: "", TimeoutMs: 1, MaxOutputBytes: 1})
			if err != nil {
				return nil
			}
			// A warm-up task is expected to fail fast (empty URL); we only
			// care that a worker picked it up and returned.
			select {
			case <-resultCh:
			case <-gctx.Done():
			}
			return nil
		})
	}
	return g.Wait()
}

// spawnWorkerLocked must be called with p.mu held.
func (p *Pool) spawnWorkerLocked() *worker {
	p.nextID++
	w := &worker{
		id:        p.nextID,
		jobCh:     make(chan *task, 1),
		quit:      make(chan struct{}),
		createdAt: time.Now(),
	}
	p.workers[w.id] = w
	p.workersCreated++
	if len(p.workers) > p.peakWorkers {
		p.peakWorkers = len(p.workers)
	}
	metrics.WorkerPoolActiveWorkers.Set(float64(len(p.workers)))
	go p.runWorker(w)
	return w
}

func (p *Pool) runWorker(w *worker) {
	for {
		select {
		case t, ok := <-w.jobCh:
			if !ok {
				return
			}
			p.runTaskRecovering(w, t)
		case <-w.quit:
			return
		}
	}
}

// runTaskRecovering isolates a panic inside task execution (spec §3
// Worker invariant (d): a worker that crashes is destroyed and replaced).
func (p *Pool) runTaskRecovering(w *worker, t *task) {
	defer func() {
		if r := recover(); r != nil {
			p.onWorkerCrash(w, r)
		}
	}()
	p.execute(w, t)
}

// execute runs one task on worker w and resolves with either the
// subprocess result or a WP-enforced timeout.
func (p *Pool) execute(w *worker, t *task) {
	resCh := make(chan subprocess.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("executor panicked: %v", r)
				resCh <- subprocess.Result{OK: false, Code: errs.WorkerError, Message: "executor panicked"}
			}
		}()
		resCh <- p.executor.Execute(t.ctx, t.in.URL, t.in.TimeoutMs, t.in.MaxOutputBytes, t.in.Cookies)
	}()

	timer := time.NewTimer(p.cfg.TaskTimeout)
	defer timer.Stop()

	select {
	case res := <-resCh:
		p.onTaskComplete(w, t, res)
	case <-timer.C:
		p.onTaskTimeout(w, t)
	}
}

func (p *Pool) onTaskComplete(w *worker, t *task, res subprocess.Result) {
	t.deliver(TaskResult{Res: res})

	p.mu.Lock()
	defer p.mu.Unlock()

	w.completed++
	w.current = nil
	metrics.WorkerPoolTasksCompleted.Inc()
	if res.OK {
		p.completedTasks++
	} else {
		p.failedTasks++
		metrics.WorkerPoolTasksFailed.Inc()
	}

	if w.completed >= p.cfg.MaxTasksPerWorker {
		p.log.Info("recycling worker %d after %d tasks", w.id, w.completed)
		metrics.WorkerPoolWorkersRecycled.Inc()
		p.destroyWorkerLocked(w)
		if len(p.workers) < p.cfg.MinWorkers {
			p.spawnWorkerLocked()
		}
		p.dispatchLocked()
		return
	}

	p.finishAndRedispatchLocked(w)
}

func (p *Pool) onTaskTimeout(w *worker, t *task) {
	t.deliver(TaskResult{Err: errs.New(errs.Timeout, "task exceeded worker-pool deadline")})

	p.mu.Lock()
	defer p.mu.Unlock()

	p.failedTasks++
	metrics.WorkerPoolTasksFailed.Inc()
	metrics.WorkerPoolWorkersRecycled.Inc()
	p.log.Warn("worker %d task timed out; destroying worker (subprocess may still hold resources)", w.id)
	p.destroyWorkerLocked(w)
	if len(p.workers) < p.cfg.MinWorkers {
		p.spawnWorkerLocked()
	}
	p.dispatchLocked()
}

// onWorkerCrash handles an unexpected panic recovered from a worker
// goroutine: the in-flight task (if any) is rejected with WORKER_ERROR,
// the worker destroyed, and replaced if below min.
func (p *Pool) onWorkerCrash(w *worker, cause any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if w.current != nil {
		w.current.deliver(TaskResult{Err: errs.New(errs.WorkerError, "worker crashed")})
		p.failedTasks++
		metrics.WorkerPoolTasksFailed.Inc()
	}
	metrics.WorkerPoolWorkersRecycled.Inc()
	p.log.Error("worker %d crashed: %v", w.id, cause)
	p.destroyWorkerLocked(w)
	if len(p.workers) < p.cfg.MinWorkers {
		p.spawnWorkerLocked()
	}
	p.dispatchLocked()
}

// finishAndRedispatchLocked must be called with p.mu held; it either
// hands the idle worker the next queued task or parks it idle.
func (p *Pool) finishAndRedispatchLocked(w *worker) {
	if len(p.queue) > 0 {
		next := p.queue[0]
		p.queue = p.queue[1:]
		metrics.WorkerPoolQueueDepth.Set(float64(len(p.queue)))
		p.dispatchToLocked(w, next)
		return
	}
	w.busy = false
	w.lastActive = time.Now()
	w.idleDeadline = w.lastActive.Add(p.cfg.IdleTimeout)
}

// dispatchLocked assigns queued tasks to any idle workers. Called after a
// worker is destroyed/replaced so a fresh worker can pick up backlog.
func (p *Pool) dispatchLocked() {
	for _, w := range p.workers {
		if len(p.queue) == 0 {
			return
		}
		if !w.busy && w.current == nil {
			next := p.queue[0]
			p.queue = p.queue[1:]
			p.dispatchToLocked(w, next)
		}
	}
}

func (p *Pool) dispatchToLocked(w *worker, t *task) {
	w.busy = true
	w.current = t
	w.lastActive = time.Now()
	w.jobCh <- t
}

// destroyWorkerLocked must be called with p.mu held.
func (p *Pool) destroyWorkerLocked(w *worker) {
	delete(p.workers, w.id)
	close(w.quit)
	p.workersDestroyed++
	metrics.WorkerPoolActiveWorkers.Set(float64(len(p.workers)))
}

// Submit admits a task per the admission rule in spec §4.2: bind to an
// idle worker immediately, else queue if capacity allows (creating a new
// worker when below max), else reject with QUEUE_FULL. Returns a channel
// that receives exactly one TaskResult.
func (p *Pool) Submit(ctx context.Context, in TaskInput) (<-chan TaskResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.draining {
		return nil, errs.New(errs.ShuttingDown, "worker pool is draining")
	}

	t := &task{in: in, ctx: ctx, resultCh: make(chan TaskResult, 1)}
	p.totalTasks++

	for _, w := range p.workers {
		if !w.busy && w.current == nil {
			p.dispatchToLocked(w, t)
			return t.resultCh, nil
		}
	}

	if len(p.queue) >= p.cfg.MaxQueueSize {
		p.totalTasks--
		return nil, errs.New(errs.QueueFull, "worker pool queue is full")
	}

	p.queue = append(p.queue, t)
	metrics.WorkerPoolQueueDepth.Set(float64(len(p.queue)))
	if len(p.workers) < p.cfg.MaxWorkers {
		p.spawnWorkerLocked()
		p.dispatchLocked()
	}
	return t.resultCh, nil
}

// GetStats returns a consistent snapshot of pool state.
func (p *Pool) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	activeTasks := 0
	for _, w := range p.workers {
		if w.busy {
			activeTasks++
		}
	}

	return Stats{
		ActiveWorkers:    len(p.workers),
		QueueLength:      len(p.queue),
		ActiveTasks:      activeTasks,
		TotalTasks:       p.totalTasks,
		CompletedTasks:   p.completedTasks,
		FailedTasks:      p.failedTasks,
		WorkersCreated:   p.workersCreated,
		WorkersDestroyed: p.workersDestroyed,
		PeakWorkers:      p.peakWorkers,
		Config:           p.cfg,
	}
}

func (p *Pool) idleDecayLoop() {
	for {
		select {
		case <-p.idleTicker.C:
			p.decayIdleWorkers()
		case <-p.idleDone:
			return
		}
	}
}

func (p *Pool) decayIdleWorkers() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for id, w := range p.workers {
		if len(p.workers) <= p.cfg.MinWorkers {
			return
		}
		if !w.busy && w.current == nil && !w.idleDeadline.IsZero() && now.After(w.idleDeadline) {
			p.log.Info("destroying idle worker %d (idle since %v)", id, w.lastActive)
			p.destroyWorkerLocked(w)
		}
	}
}

// Shutdown stops admitting new tasks, waits for in-flight tasks up to
// grace, then terminates all workers. Any still-queued tasks are
// rejected with SHUTTING_DOWN. Safe to call multiple times.
func (p *Pool) Shutdown(grace time.Duration) {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.draining = true
		for _, t := range p.queue {
			t.deliver(TaskResult{Err: errs.New(errs.ShuttingDown, "worker pool is shutting down")})
		}
		p.queue = nil
		p.mu.Unlock()

		if p.idleTicker != nil {
			p.idleTicker.Stop()
			close(p.idleDone)
		}

		deadline := time.After(grace)
		ticker := time.NewTicker(25 * time.Millisecond)
		defer ticker.Stop()

	waitLoop:
		for {
			select {
			case <-deadline:
				p.log.Warn("worker pool shutdown grace period exceeded; terminating remaining workers")
				break waitLoop
			case <-ticker.C:
				p.mu.Lock()
				active := 0
				for _, w := range p.workers {
					if w.busy {
						active++
					}
				}
				p.mu.Unlock()
				if active == 0 {
					break waitLoop
				}
			}
		}

		p.mu.Lock()
		for _, w := range p.workers {
			if w.current != nil {
				w.current.deliver(TaskResult{Err: errs.New(errs.ShuttingDown, "worker pool terminated during shutdown")})
			}
			p.destroyWorkerLocked(w)
		}
		p.stopped = true
		p.mu.Unlock()

		p.log.Info("worker pool stopped")
	})
}
