// Package downloader schedules tile fetches off the consumer's goroutine and
// hands results back at a rate the consumer can absorb.
//
// Two backends share one contract. Pooled runs fetches on a fixed set of worker
// goroutines and delivers results only when the consumer calls Tick. Reactive
// runs every continuation on a single loop goroutine and delivers results as
// soon as they are ready.
package downloader

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jaennil/guide_helper/backend/tileloader/internal/tile"
)

const (
	BackendPooled   = "pooled"
	BackendReactive = "reactive"
)

var (
	ErrShutdown = errors.New("downloader: shut down")
	ErrPanic    = errors.New("downloader: fetch panicked")
)

// LoadedFunc receives the cache path of a tile that is on disk.
type LoadedFunc func(path string)

// BodyFunc receives the body of a one-off download.
type BodyFunc func(body []byte)

// Job is arbitrary background work. It runs off the consumer's goroutine; the
// returned deliver func, if any, runs where tile callbacks run.
type Job func(ctx context.Context) (deliver func(), err error)

type Downloader interface {
	// Submit fetches req unless it is already fetching or done. onLoaded is
	// called at most once, with the cache path, after the tile is on disk.
	Submit(req *tile.Request, onLoaded LoadedFunc)

	// Download fetches url without touching the tile cache.
	Download(url string, onBody BodyFunc, opts ...DownloadOption)

	Execute(job Job)

	// Pause withholds delivery. Fetches keep running.
	Pause()
	Resume()
	IsPaused() bool

	Stats() Stats

	Shutdown(ctx context.Context) error
}

// Drainer is implemented by backends that deliver on the consumer's turn.
type Drainer interface {
	// Tick applies ready results until the backend's time budget is spent and
	// returns how many it applied.
	Tick() int
}

// Config holds the knobs shared by both backends.
type Config struct {
	// MaxWorkers caps concurrent fetches.
	// Default: 5
	MaxWorkers int

	// CapTime bounds a single Tick.
	// Default: 64ms
	CapTime time.Duration

	// Timeout bounds a single fetch.
	// Default: 5s
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxWorkers: 5,
		CapTime:    64 * time.Millisecond,
		Timeout:    5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = d.MaxWorkers
	}
	if c.CapTime <= 0 {
		c.CapTime = d.CapTime
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	return c
}

type downloadOptions struct {
	timeout time.Duration
	header  http.Header
}

type DownloadOption func(*downloadOptions)

// WithTimeout overrides the backend timeout for one download.
func WithTimeout(d time.Duration) DownloadOption {
	return func(o *downloadOptions) {
		o.timeout = d
	}
}

func WithHeader(key, value string) DownloadOption {
	return func(o *downloadOptions) {
		if o.header == nil {
			o.header = make(http.Header)
		}
		o.header.Add(key, value)
	}
}

func applyDownloadOptions(timeout time.Duration, opts []DownloadOption) downloadOptions {
	o := downloadOptions{timeout: timeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout <= 0 {
		o.timeout = timeout
	}
	return o
}

type Stats struct {
	Backend      string `json:"backend"`
	Paused       bool   `json:"paused"`
	InFlight     int64  `json:"in_flight"`
	Pending      int64  `json:"pending"`
	Submitted    uint64 `json:"submitted"`
	Deduplicated uint64 `json:"deduplicated"`
	Delivered    uint64 `json:"delivered"`
	Failed       uint64 `json:"failed"`
}

type counters struct {
	submitted    atomic.Uint64
	deduplicated atomic.Uint64
	delivered    atomic.Uint64
	failed       atomic.Uint64
	inFlight     atomic.Int64
	pending      atomic.Int64
}

func (c *counters) snapshot(backend string, paused bool) Stats {
	return Stats{
		Backend:      backend,
		Paused:       paused,
		InFlight:     c.inFlight.Load(),
		Pending:      c.pending.Load(),
		Submitted:    c.submitted.Load(),
		Deduplicated: c.deduplicated.Load(),
		Delivered:    c.delivered.Load(),
		Failed:       c.failed.Load(),
	}
}
