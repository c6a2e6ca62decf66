package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	rtsup "taskd/internal/runtime/supervisor"
	logx "taskd/pkg/logx"
)

// Pool runs Config.Workers workers. Start and Stop may be called repeatedly.
type Pool struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	limiter *rate.Limiter

	running    bool
	sup        *rtsup.Supervisor
	execCancel context.CancelFunc

	inFlight atomic.Int32
	backoff  atomic.Int32
	executed atomic.Uint64
	panics   atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger) *Pool {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "engine")),
		limiter: rate.NewLimiter(limitFor(cfg.RatePerSec), cfg.RateBurst),
	}
}

func limitFor(perSec float64) rate.Limit {
	if perSec <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSec)
}

// SetRate changes the executor-call rate limit of a running or stopped pool.
func (p *Pool) SetRate(perSec float64, burst int) {
	if burst <= 0 {
		burst = 1
	}
	p.mu.Lock()
	p.cfg.RatePerSec = max(perSec, 0)
	p.cfg.RateBurst = burst
	p.mu.Unlock()
	p.limiter.SetLimit(limitFor(perSec))
	p.limiter.SetBurst(burst)
}

// Start launches the workers. Each worker pops from src until src returns an
// error or Stop is called.
//
// Executor calls get a context detached from ctx's cancellation so that Stop
// can let them finish; it is cancelled only when Stop gives up waiting.
func (p *Pool) Start(ctx context.Context, src Source, host Host) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if src == nil || host == nil {
		return errors.New("engine: source and host are required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrRunning
	}
	cfg := p.cfg

	execCtx, execCancel := context.WithCancel(context.WithoutCancel(ctx))
	sup := rtsup.New(ctx,
		rtsup.WithLogger(p.log),
		// A failing worker loop must not take the other workers down.
		rtsup.WithCancelOnError(false),
	)
	p.sup = sup
	p.execCancel = execCancel
	p.running = true

	for i := 0; i < cfg.Workers; i++ {
		w := &worker{idx: i, pool: p, src: src, host: host, execCtx: execCtx}
		sup.GoRestart(fmt.Sprintf("worker.%d", i), w.loop, rtsup.WithPublishFirstError(true))
	}
	p.log.Info("worker pool started",
		logx.Int("workers", cfg.Workers),
		logx.Duration("task_timeout", cfg.TaskTimeout),
		logx.Float64("rate_per_sec", cfg.RatePerSec),
	)
	return nil
}

// Stop stops popping new work, aborts backoff sleeps and waits for in-flight
// executor calls. If ctx expires first, the executor context is cancelled
// and Stop returns an error wrapping ErrStopTimeout and ctx.Err().
func (p *Pool) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	sup := p.sup
	execCancel := p.execCancel
	p.running = false
	p.sup = nil
	p.execCancel = nil
	p.mu.Unlock()

	sup.Cancel()
	err := sup.Wait(ctx)
	execCancel()
	if ctx.Err() != nil && err != nil {
		p.log.Warn("worker pool stop timed out", logx.Int("in_flight", p.InFlight()), logx.Err(ctx.Err()))
		return errors.Join(ErrStopTimeout, ctx.Err())
	}
	if err != nil {
		p.log.Warn("worker pool stopped with worker errors", logx.Err(err))
	} else {
		p.log.Info("worker pool stopped")
	}
	return nil
}

func (p *Pool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Pool) Config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// InFlight is the number of executor calls currently running.
func (p *Pool) InFlight() int { return int(p.inFlight.Load()) }

func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	cfg := p.cfg
	running := p.running
	var loops []rtsup.Stats
	if p.sup != nil {
		loops = p.sup.Snapshot()
	}
	p.mu.Unlock()

	p.hmu.Lock()
	h := make([]HistoryItem, len(p.history))
	copy(h, p.history)
	p.hmu.Unlock()

	return Snapshot{
		Running:     running,
		Workers:     cfg.Workers,
		InFlight:    p.InFlight(),
		Backoff:     int(p.backoff.Load()),
		Executed:    p.executed.Load(),
		Panics:      p.panics.Load(),
		TaskTimeout: cfg.TaskTimeout,
		RatePerSec:  cfg.RatePerSec,
		History:     h,
		Loops:       loops,
	}
}

func (p *Pool) record(item HistoryItem) {
	p.mu.Lock()
	size := p.cfg.HistorySize
	p.mu.Unlock()

	p.hmu.Lock()
	p.history = append(p.history, item)
	if len(p.history) > size {
		p.history = p.history[len(p.history)-size:]
	}
	p.hmu.Unlock()
}
