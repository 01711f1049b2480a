package downloader

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jaennil/guide_helper/backend/tileloader/internal/fetcher"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/repository/cache"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/usecase"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/logger"
)

var (
	ErrNotConfigured     = errors.New("downloader: no factory configured")
	ErrAlreadyConfigured = errors.New("downloader: instance already created")
	ErrUnknownBackend    = errors.New("downloader: unknown backend")
)

// Factory builds the process-wide downloader on first use.
type Factory func() (Downloader, error)

// Deps are the collaborators shared by both backends. Store may be nil.
type Deps struct {
	Disk      *cache.Disk
	Store     cache.TileStore
	Logger    logger.Logger
	UserAgent string
}

// New builds a downloader for the named backend.
func New(backend string, cfg Config, deps Deps) (Downloader, error) {
	cfg = cfg.withDefaults()
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	if deps.Disk == nil {
		return nil, errors.New("downloader: disk cache is required")
	}

	opts := fetcher.DefaultOptions()
	opts.MaxConns = cfg.MaxWorkers
	opts.Timeout = 0
	if deps.UserAgent != "" {
		opts.UserAgent = deps.UserAgent
	}

	switch backend {
	case BackendPooled:
		uc := usecase.NewTileUseCase(deps.Disk, deps.Store, fetcher.NewClient(opts), deps.Logger)
		return NewPooled(cfg, uc, deps.Logger), nil
	case BackendReactive:
		opts.RejectHTTPSProxy = true
		uc := usecase.NewTileUseCase(deps.Disk, deps.Store, fetcher.NewClient(opts), deps.Logger)
		return NewReactive(cfg, uc, deps.Logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

// NewFactory returns a Factory for the named backend.
func NewFactory(backend string, cfg Config, deps Deps) Factory {
	return func() (Downloader, error) {
		return New(backend, cfg, deps)
	}
}

var (
	mu       sync.Mutex
	factory  Factory
	instance Downloader
)

// Configure selects the backend for the process. It must be called before the
// first Instance call.
func Configure(f Factory) error {
	mu.Lock()
	defer mu.Unlock()

	if instance != nil {
		return ErrAlreadyConfigured
	}
	factory = f
	return nil
}

// Instance returns the process-wide downloader, building it on first call.
func Instance() (Downloader, error) {
	mu.Lock()
	defer mu.Unlock()

	if instance != nil {
		return instance, nil
	}
	if factory == nil {
		return nil, ErrNotConfigured
	}

	d, err := factory()
	if err != nil {
		return nil, fmt.Errorf("build downloader: %w", err)
	}
	instance = d
	return instance, nil
}

func MustInstance() Downloader {
	d, err := Instance()
	if err != nil {
		panic(err)
	}
	return d
}

// Shutdown stops the process-wide downloader if one was built. The factory is
// kept, so a later Instance call builds a fresh one.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	d := instance
	instance = nil
	mu.Unlock()

	if d == nil {
		return nil
	}
	return d.Shutdown(ctx)
}
