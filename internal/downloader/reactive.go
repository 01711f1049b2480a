package downloader

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jaennil/guide_helper/backend/tileloader/internal/fetcher"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/queue"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/tile"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/usecase"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/logger"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/metrics"
)

// Reactive runs every continuation on one loop goroutine. Network requests run
// on their own goroutines, capped by a semaphore, and post their results back
// to the loop. Callbacks are invoked on the loop goroutine.
type Reactive struct {
	cfg    Config
	uc     *usecase.TileUseCase
	logger logger.Logger

	mailbox *queue.Queue[func()]
	sem     *semaphore.Weighted

	deliverer
	stats  counters
	paused atomic.Bool
	closed atomic.Bool

	// held is owned by the loop goroutine.
	held []completion

	// ioMu orders io.Add against the shutdown cancel so Wait never races an Add.
	ioMu     sync.Mutex
	ioCtx    context.Context
	ioCancel context.CancelFunc
	io       sync.WaitGroup

	stop     chan struct{}
	loopDone chan struct{}
}

var _ Downloader = (*Reactive)(nil)

// NewReactive starts the loop. The use case's client should not carry its own
// timeout; Reactive arms a timer per request.
func NewReactive(cfg Config, uc *usecase.TileUseCase, l logger.Logger) *Reactive {
	cfg = cfg.withDefaults()
	l = l.With("backend", BackendReactive)
	ioCtx, ioCancel := context.WithCancel(context.Background())

	r := &Reactive{
		cfg:      cfg,
		uc:       uc,
		logger:   l,
		mailbox:  queue.New[func()](),
		sem:      semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		ioCtx:    ioCtx,
		ioCancel: ioCancel,
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	r.deliverer = deliverer{backend: BackendReactive, logger: l, stats: &r.stats}

	go r.loop()

	l.Info("reactive downloader started",
		"max_connections", cfg.MaxWorkers,
		"timeout", cfg.Timeout,
	)
	return r
}

func (r *Reactive) loop() {
	defer close(r.loopDone)

	for {
		select {
		case <-r.mailbox.Wait():
			r.runMailbox()
		case <-r.stop:
			r.mailbox.Close()
			r.runMailbox()
			r.discardHeld()
			return
		}
	}
}

// discardHeld runs on the loop once it stops. Held tiles end in the error state
// so a later submit fetches them again.
func (r *Reactive) discardHeld() {
	for _, c := range r.held {
		if c.req != nil {
			c.req.Finish(ErrShutdown)
		}
	}
	r.held = nil
	r.stats.pending.Store(0)
	metrics.PendingResults.WithLabelValues(BackendReactive).Set(0)
}

func (r *Reactive) runMailbox() {
	for {
		fn, ok := r.mailbox.TryPop()
		if !ok {
			return
		}
		r.run(fn)
	}
}

func (r *Reactive) run(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("continuation panicked", "panic", rec, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

// post schedules fn on the loop goroutine.
func (r *Reactive) post(fn func()) bool {
	if err := r.mailbox.Push(fn); err != nil {
		r.logger.Debug("loop is stopped, dropping continuation")
		return false
	}
	return true
}

func (r *Reactive) Submit(req *tile.Request, onLoaded LoadedFunc) {
	if req == nil || onLoaded == nil {
		r.logger.Warn("ignoring submit without request or callback")
		return
	}
	if !req.Begin() {
		r.stats.deduplicated.Add(1)
		metrics.TilesDeduplicated.Inc()
		return
	}
	if r.closed.Load() {
		req.Finish(ErrShutdown)
		return
	}
	r.stats.submitted.Add(1)
	metrics.TilesSubmitted.Inc()

	if !r.post(func() { r.loadTile(req, onLoaded) }) {
		req.Finish(ErrShutdown)
	}
}

// loadTile runs on the loop. The disk check is synchronous; only a miss goes
// to the network.
func (r *Reactive) loadTile(req *tile.Request, onLoaded LoadedFunc) {
	if path, ok := r.uc.CachedPath(req); ok {
		r.complete(tileCompletion(req, onLoaded, path, nil))
		return
	}

	fields := []any{"tile", req.Key.String()}
	fail := func(err error) {
		r.fail("tile fetch failed", err, fields...)
		r.complete(tileCompletion(req, onLoaded, "", err))
	}

	r.spawn(r.cfg.Timeout, fail, func(ctx context.Context) func() {
		data, origin, err := r.uc.Retrieve(ctx, req)
		if err != nil {
			return func() { fail(err) }
		}
		return func() {
			path, err := r.uc.Persist(req, data, origin)
			if err != nil {
				fail(err)
				return
			}
			r.complete(tileCompletion(req, onLoaded, path, nil))
		}
	})
}

func (r *Reactive) Download(url string, onBody BodyFunc, opts ...DownloadOption) {
	if onBody == nil {
		r.logger.Warn("ignoring download without callback", "url", url)
		return
	}
	o := applyDownloadOptions(r.cfg.Timeout, opts)

	fail := func(err error) {
		r.fail("download failed", err, "url", url)
	}

	r.post(func() {
		r.spawn(o.timeout, fail, func(ctx context.Context) func() {
			body, err := r.uc.Download(ctx, url, fetcher.WithHeader(o.header))
			if err != nil {
				return func() { fail(err) }
			}
			return func() { r.complete(completion{onBody: onBody, body: body}) }
		})
	})
}

func (r *Reactive) Execute(job Job) {
	if job == nil {
		return
	}

	fail := func(err error) {
		r.fail("job failed", err)
	}

	r.post(func() {
		r.spawn(r.cfg.Timeout, fail, func(ctx context.Context) func() {
			deliver, err := job(ctx)
			if err != nil {
				return func() { fail(err) }
			}
			return func() { r.complete(completion{deliver: deliver}) }
		})
	})
}

// spawn runs step off the loop and posts the continuation it returns. fail is
// posted instead when the step panics or never gets a connection slot.
func (r *Reactive) spawn(timeout time.Duration, fail func(error), step func(ctx context.Context) func()) {
	r.ioMu.Lock()
	if r.ioCtx.Err() != nil {
		r.ioMu.Unlock()
		fail(ErrShutdown)
		return
	}
	r.io.Add(1)
	r.ioMu.Unlock()

	r.stats.inFlight.Add(1)
	metrics.InFlight.WithLabelValues(BackendReactive).Inc()

	go func() {
		defer r.io.Done()
		next := r.issue(timeout, fail, step)
		r.stats.inFlight.Add(-1)
		metrics.InFlight.WithLabelValues(BackendReactive).Dec()
		r.post(next)
	}()
}

func (r *Reactive) issue(timeout time.Duration, fail func(error), step func(ctx context.Context) func()) (next func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("fetch panicked", "panic", rec, "stack", string(debug.Stack()))
			err := panicError(rec)
			next = func() { fail(err) }
		}
	}()

	if err := r.sem.Acquire(r.ioCtx, 1); err != nil {
		return func() { fail(ErrShutdown) }
	}
	defer r.sem.Release(1)

	ctx, cancel := context.WithCancelCause(r.ioCtx)
	defer cancel(nil)
	timer := time.AfterFunc(timeout, func() { cancel(fetcher.ErrTimeout) })
	defer timer.Stop()

	return step(ctx)
}

// complete runs on the loop. While paused, completions are held in order.
func (r *Reactive) complete(c completion) {
	r.held = append(r.held, c)
	r.flush()
}

func (r *Reactive) flush() {
	for len(r.held) > 0 && !r.paused.Load() {
		c := r.held[0]
		r.held[0] = completion{}
		r.held = r.held[1:]
		r.apply(c)
	}
	if len(r.held) == 0 {
		r.held = nil
	}

	r.stats.pending.Store(int64(len(r.held)))
	metrics.PendingResults.WithLabelValues(BackendReactive).Set(float64(len(r.held)))
}

func (r *Reactive) Pause() {
	r.paused.Store(true)
}

func (r *Reactive) Resume() {
	if r.paused.CompareAndSwap(true, false) {
		r.post(r.flush)
	}
}

func (r *Reactive) IsPaused() bool {
	return r.paused.Load()
}

func (r *Reactive) Stats() Stats {
	return r.stats.snapshot(BackendReactive, r.paused.Load())
}

// Shutdown cancels outstanding requests, runs their failure continuations and
// stops the loop. Held results are discarded and their tiles end in the error
// state.
func (r *Reactive) Shutdown(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	r.ioMu.Lock()
	r.ioCancel()
	r.ioMu.Unlock()

	undelivered := r.stats.pending.Load()
	done := make(chan struct{})
	go func() {
		r.io.Wait()
		close(r.stop)
		<-r.loopDone
		r.uc.Close()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("reactive downloader stopped", "undelivered", undelivered)
		return nil
	case <-ctx.Done():
		return errors.Join(ErrShutdown, ctx.Err())
	}
}
