package downloader

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jaennil/guide_helper/backend/tileloader/internal/fetcher"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/queue"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/tile"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/usecase"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/logger"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/metrics"
)

// unit is one queued piece of work. req and onLoaded are kept outside run so a
// panicking unit still finishes its request.
type unit struct {
	req      *tile.Request
	onLoaded LoadedFunc
	run      func(ctx context.Context) completion
	what     string
	fields   []any
}

// Pooled runs fetches on MaxWorkers goroutines. Results wait in a queue until
// the consumer calls Tick.
type Pooled struct {
	cfg    Config
	uc     *usecase.TileUseCase
	logger logger.Logger

	work    *queue.Queue[unit]
	results *queue.Queue[completion]

	deliverer
	stats  counters
	paused atomic.Bool
	closed atomic.Bool

	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup
}

var (
	_ Downloader = (*Pooled)(nil)
	_ Drainer    = (*Pooled)(nil)
)

// NewPooled starts the workers. The use case's client should not carry its own
// timeout; Pooled bounds every unit with cfg.Timeout.
func NewPooled(cfg Config, uc *usecase.TileUseCase, l logger.Logger) *Pooled {
	cfg = cfg.withDefaults()
	l = l.With("backend", BackendPooled)
	ctx, cancel := context.WithCancel(context.Background())

	p := &Pooled{
		cfg:     cfg,
		uc:      uc,
		logger:  l,
		work:    queue.New[unit](),
		results: queue.New[completion](),
		ctx:     ctx,
		cancel:  cancel,
	}
	p.deliverer = deliverer{backend: BackendPooled, logger: l, stats: &p.stats}

	for i := 0; i < cfg.MaxWorkers; i++ {
		p.workers.Add(1)
		go p.worker()
	}

	l.Info("pooled downloader started",
		"max_workers", cfg.MaxWorkers,
		"cap_time", cfg.CapTime,
		"timeout", cfg.Timeout,
	)
	return p
}

func (p *Pooled) Submit(req *tile.Request, onLoaded LoadedFunc) {
	if req == nil || onLoaded == nil {
		p.logger.Warn("ignoring submit without request or callback")
		return
	}
	if !req.Begin() {
		p.stats.deduplicated.Add(1)
		metrics.TilesDeduplicated.Inc()
		return
	}
	p.stats.submitted.Add(1)
	metrics.TilesSubmitted.Inc()

	p.enqueue(unit{
		req:      req,
		onLoaded: onLoaded,
		what:     "tile fetch failed",
		fields:   []any{"tile", req.Key.String()},
		run: func(ctx context.Context) completion {
			ctx, cancel := context.WithTimeoutCause(ctx, p.cfg.Timeout, fetcher.ErrTimeout)
			defer cancel()

			path, err := p.uc.LoadTile(ctx, req)
			return tileCompletion(req, onLoaded, path, err)
		},
	})
}

func (p *Pooled) Download(url string, onBody BodyFunc, opts ...DownloadOption) {
	if onBody == nil {
		p.logger.Warn("ignoring download without callback", "url", url)
		return
	}
	o := applyDownloadOptions(p.cfg.Timeout, opts)

	p.enqueue(unit{
		what:   "download failed",
		fields: []any{"url", url},
		run: func(ctx context.Context) completion {
			ctx, cancel := context.WithTimeoutCause(ctx, o.timeout, fetcher.ErrTimeout)
			defer cancel()

			body, err := p.uc.Download(ctx, url, fetcher.WithHeader(o.header))
			return completion{onBody: onBody, body: body, err: err}
		},
	})
}

func (p *Pooled) Execute(job Job) {
	if job == nil {
		return
	}

	p.enqueue(unit{
		what: "job failed",
		run: func(ctx context.Context) completion {
			deliver, err := job(ctx)
			return completion{deliver: deliver, err: err}
		},
	})
}

func (p *Pooled) enqueue(u unit) {
	if err := p.work.Push(u); err != nil {
		p.logger.Warn("downloader is shut down, dropping work", append(u.fields, "error", err)...)
		if u.req != nil {
			u.req.Finish(ErrShutdown)
		}
	}
}

func (p *Pooled) worker() {
	defer p.workers.Done()

	for {
		u, err := p.work.Pop(p.ctx)
		if err != nil {
			return
		}

		c := p.execute(u)
		if c.err != nil {
			p.fail(u.what, c.err, u.fields...)
		}
		// results is never closed
		_ = p.results.Push(c)
		metrics.PendingResults.WithLabelValues(BackendPooled).Set(float64(p.results.Len()))
	}
}

func (p *Pooled) execute(u unit) (c completion) {
	p.stats.inFlight.Add(1)
	metrics.InFlight.WithLabelValues(BackendPooled).Inc()
	defer func() {
		p.stats.inFlight.Add(-1)
		metrics.InFlight.WithLabelValues(BackendPooled).Dec()
	}()

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("fetch unit panicked",
				append(u.fields, "panic", r, "stack", string(debug.Stack()))...)
			c = tileCompletion(u.req, u.onLoaded, "", panicError(r))
		}
	}()

	return u.run(p.ctx)
}

// Tick applies ready results on the caller's goroutine until CapTime is spent.
// The budget is checked before each result, so one slow callback can overrun it.
func (p *Pooled) Tick() int {
	if p.paused.Load() {
		return 0
	}

	start := time.Now()
	applied := 0
	for time.Since(start) < p.cfg.CapTime {
		c, ok := p.results.TryPop()
		if !ok {
			break
		}
		p.apply(c)
		applied++
	}

	if applied > 0 {
		metrics.DrainDuration.Observe(time.Since(start).Seconds())
		metrics.PendingResults.WithLabelValues(BackendPooled).Set(float64(p.results.Len()))
	}
	return applied
}

func (p *Pooled) Pause() {
	p.paused.Store(true)
}

func (p *Pooled) Resume() {
	p.paused.Store(false)
}

func (p *Pooled) IsPaused() bool {
	return p.paused.Load()
}

func (p *Pooled) Stats() Stats {
	s := p.stats.snapshot(BackendPooled, p.paused.Load())
	s.Pending = int64(p.results.Len())
	return s
}

// Shutdown stops accepting work, drops queued units, cancels running ones and
// waits for the workers. Results nobody drained are discarded and their tiles
// end in the error state, so a later submit fetches them again.
func (p *Pooled) Shutdown(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	p.work.Close()
	for _, u := range p.work.Drain() {
		if u.req != nil {
			u.req.Finish(ErrShutdown)
		}
	}
	p.cancel()

	done := make(chan struct{})
	undelivered := 0
	go func() {
		p.workers.Wait()
		undelivered = p.discardResults()
		p.uc.Close()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("pooled downloader stopped", "undelivered", undelivered)
		return nil
	case <-ctx.Done():
		return errors.Join(ErrShutdown, ctx.Err())
	}
}

func (p *Pooled) discardResults() int {
	rest := p.results.Drain()
	for _, c := range rest {
		if c.req != nil {
			c.req.Finish(ErrShutdown)
		}
	}
	metrics.PendingResults.WithLabelValues(BackendPooled).Set(0)
	return len(rest)
}
