package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"

	"github.com/jaennil/guide_helper/backend/tileloader/internal/downloader"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/repository/cache"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/tile"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/config"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/logger"
)

const defaultTileSize = 256

// Components are the long-lived pieces shared by the serve and prefetch commands.
type Components struct {
	Logger     logger.Logger
	Sources    *tile.Registry
	Disk       *cache.Disk
	Store      cache.TileStore
	Downloader downloader.Downloader

	frameRate int
}

// NewComponents opens the tile store, configures the process-wide downloader
// and builds it.
func NewComponents(cfg *config.Config, l logger.Logger) (*Components, error) {
	registry, sources := Sources(cfg.Sources)

	disk, err := cache.NewDisk(cfg.Downloader.CacheDir, sources...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize disk cache: %w", err)
	}

	store, err := OpenStore(cfg, l)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tile store: %w", err)
	}

	err = downloader.Configure(downloader.NewFactory(cfg.Downloader.Backend, DownloaderConfig(cfg.Downloader), downloader.Deps{
		Disk:      disk,
		Store:     store,
		Logger:    l,
		UserAgent: cfg.Downloader.UserAgent,
	}))
	if err != nil {
		closeStore(store, l)
		return nil, err
	}

	d, err := downloader.Instance()
	if err != nil {
		closeStore(store, l)
		return nil, err
	}

	l.Info("components initialized",
		"backend", cfg.Downloader.Backend,
		"cache_dir", disk.Dir(),
		"store", cfg.Store.Kind,
		"sources", registry.IDs(),
	)

	return &Components{
		Logger:     l,
		Sources:    registry,
		Disk:       disk,
		Store:      store,
		Downloader: d,
		frameRate:  cfg.Downloader.FrameRate,
	}, nil
}

// Close shuts the downloader down before closing the store it writes to.
func (c *Components) Close(ctx context.Context) error {
	err := downloader.Shutdown(ctx)
	if c.Store != nil {
		err = errors.Join(err, c.Store.Close())
	}
	return err
}

func DownloaderConfig(cfg config.Downloader) downloader.Config {
	return downloader.Config{
		MaxWorkers: cfg.MaxWorkers,
		CapTime:    cfg.CapTime,
		Timeout:    cfg.Timeout,
	}
}

// Sources returns the built-in sources plus the configured ones. A configured
// source replaces a built-in one with the same id.
func Sources(specs config.Sources) (*tile.Registry, []*tile.Source) {
	all := []*tile.Source{tile.OpenStreetMap()}
	for _, spec := range specs {
		all = append(all, &tile.Source{
			ID:         spec.ID,
			URL:        spec.URL,
			Subdomains: spec.Subdomains,
			MinZoom:    spec.MinZoom,
			MaxZoom:    spec.MaxZoom,
			TileSize:   defaultTileSize,
			ImageExt:   spec.ImageExt,
			InvertY:    spec.InvertY,
		})
	}

	registry := tile.NewRegistry(all...)
	sources := lo.Map(registry.IDs(), func(id string, _ int) *tile.Source {
		src, _ := registry.Get(id)
		return src
	})
	return registry, sources
}

// OpenStore returns the shared tile store selected by STORE_KIND, or nil.
func OpenStore(cfg *config.Config, l logger.Logger) (cache.TileStore, error) {
	switch cfg.Store.Kind {
	case "memory":
		return cache.NewMapStore(), nil
	case "redis":
		store, err := cache.NewRedisStore(cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		})
		if err != nil {
			return nil, err
		}
		l.Info("redis tile store initialized", "addr", cfg.Redis.Addr)
		return store, nil
	case "sqlite":
		store, err := cache.NewSQLiteStore(cfg.Store.SQLitePath, l)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, nil
	}
}

func closeStore(store cache.TileStore, l logger.Logger) {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		l.Error("failed to close tile store", "error", err)
	}
}
