package downloader

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/jaennil/guide_helper/backend/tileloader/internal/fetcher"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/tile"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/usecase"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/logger"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/metrics"
)

// completion is a finished unit of work waiting for delivery. Exactly one of
// req, onBody or deliver is meaningful.
type completion struct {
	req      *tile.Request
	onLoaded LoadedFunc
	path     string

	onBody BodyFunc
	body   []byte

	deliver func()

	err error
}

func tileCompletion(req *tile.Request, onLoaded LoadedFunc, path string, err error) completion {
	return completion{req: req, onLoaded: onLoaded, path: path, err: err}
}

// deliverer applies completions on the goroutine that owns delivery.
type deliverer struct {
	backend string
	logger  logger.Logger
	stats   *counters
}

// apply finishes the request and runs its callback. It reports whether a
// callback ran.
func (d *deliverer) apply(c completion) (delivered bool) {
	if c.req != nil {
		c.req.Finish(c.err)
	}
	if c.err != nil {
		return false
	}
	if c.req != nil && c.req.Evicted() {
		d.logger.Debug("dropping result for evicted tile", "tile", c.req.Key.String())
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("delivery callback panicked",
				"backend", d.backend,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			delivered = false
		}
	}()

	switch {
	case c.req != nil:
		if c.onLoaded != nil {
			c.onLoaded(c.path)
		}
	case c.onBody != nil:
		c.onBody(c.body)
	case c.deliver != nil:
		c.deliver()
	}

	d.stats.delivered.Add(1)
	metrics.Delivered.WithLabelValues(d.backend).Inc()
	return true
}

// fail records a failed unit. Failures are logged once, where they happen.
func (d *deliverer) fail(what string, err error, keysAndValues ...any) {
	d.stats.failed.Add(1)
	metrics.FetchFailures.WithLabelValues(failureReason(err)).Inc()
	d.logger.Warn(what, append(keysAndValues, "backend", d.backend, "error", err)...)
}

func failureReason(err error) string {
	var statusErr *fetcher.StatusError
	switch {
	case errors.Is(err, fetcher.ErrTimeout):
		return "timeout"
	case errors.As(err, &statusErr):
		return "status"
	case errors.Is(err, fetcher.ErrHTTPSProxyUnsupported):
		return "proxy"
	case errors.Is(err, fetcher.ErrEmptyBody), errors.Is(err, fetcher.ErrBodyTooLarge):
		return "body"
	case errors.Is(err, usecase.ErrCacheWrite):
		return "cache_write"
	case errors.Is(err, ErrPanic):
		return "panic"
	case errors.Is(err, ErrShutdown), errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "transport"
	}
}

func panicError(r any) error {
	return fmt.Errorf("%w: %v", ErrPanic, r)
}
