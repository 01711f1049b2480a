package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jaennil/guide_helper/backend/tileloader/internal/fetcher"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/repository/cache"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/tile"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/logger"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/metrics"
)

type Origin int

const (
	OriginDisk Origin = iota
	OriginStore
	OriginUpstream
)

func (o Origin) String() string {
	switch o {
	case OriginDisk:
		return "disk"
	case OriginStore:
		return "store"
	default:
		return "upstream"
	}
}

const storeTimeout = 2 * time.Second

// ErrCacheWrite marks a tile that was fetched but could not be written to disk.
var ErrCacheWrite = errors.New("cache write failed")

// TileUseCase is one tile's cache-check, fetch and persist chain. The steps
// are exposed separately so an event loop can run them as continuations.
type TileUseCase struct {
	disk   *cache.Disk
	store  cache.TileStore
	client *fetcher.Client
	logger logger.Logger

	storeWrites sync.WaitGroup
}

// NewTileUseCase wires the chain. store may be nil.
func NewTileUseCase(disk *cache.Disk, store cache.TileStore, client *fetcher.Client, l logger.Logger) *TileUseCase {
	return &TileUseCase{
		disk:   disk,
		store:  store,
		client: client,
		logger: l,
	}
}

func (uc *TileUseCase) Disk() *cache.Disk {
	return uc.disk
}

// cachePath is where req lives on disk. A request built without a path falls
// back to the disk's naming scheme.
func (uc *TileUseCase) cachePath(req *tile.Request) string {
	if req.CachePath != "" {
		return req.CachePath
	}
	return uc.disk.Path(req.Key)
}

// CachedPath reports the cache path when the tile is already on disk.
func (uc *TileUseCase) CachedPath(req *tile.Request) (string, bool) {
	path := uc.cachePath(req)
	if !uc.disk.ExistsAt(path) {
		return "", false
	}
	metrics.DiskHits.Inc()
	uc.logger.Debug("tile from disk", "tile", req.Key.String(), "path", path)
	return path, true
}

// Retrieve gets the tile bytes from the shared store or, failing that, upstream.
func (uc *TileUseCase) Retrieve(ctx context.Context, req *tile.Request) ([]byte, Origin, error) {
	if uc.store != nil {
		storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
		data, exists, err := uc.store.Get(storeCtx, req.Key)
		cancel()
		if err != nil {
			uc.logger.Warn("failed to check tile store, will fetch from upstream", "tile", req.Key.String(), "error", err)
		} else if exists && len(data) > 0 {
			metrics.StoreHits.Inc()
			uc.logger.Debug("tile from store", "tile", req.Key.String(), "size", len(data))
			return data, OriginStore, nil
		}
	}

	url := req.URL()
	start := time.Now()
	data, err := uc.client.Get(ctx, url)
	if err != nil {
		return nil, OriginUpstream, fmt.Errorf("fetch %s: %w", url, err)
	}

	uc.logger.Debug("fetched tile from upstream",
		"tile", req.Key.String(),
		"url", url,
		"size", len(data),
		"duration", time.Since(start),
	)
	return data, OriginUpstream, nil
}

// Persist writes data to disk and returns the cache path. Upstream bytes are
// also copied to the shared store in the background.
func (uc *TileUseCase) Persist(req *tile.Request, data []byte, origin Origin) (string, error) {
	path := uc.cachePath(req)
	if err := uc.disk.WriteAt(path, data); err != nil {
		return "", fmt.Errorf("%w for %s: %w", ErrCacheWrite, req.Key, err)
	}

	if origin == OriginUpstream && uc.store != nil {
		uc.storeWrites.Add(1)
		go func() {
			defer uc.storeWrites.Done()
			ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
			defer cancel()
			if err := uc.store.Set(ctx, req.Key, data); err != nil {
				uc.logger.Warn("failed to store tile", "tile", req.Key.String(), "error", err)
			}
		}()
	}

	return path, nil
}

// LoadTile runs the whole chain and returns the cache path.
func (uc *TileUseCase) LoadTile(ctx context.Context, req *tile.Request) (string, error) {
	if path, ok := uc.CachedPath(req); ok {
		return path, nil
	}

	data, origin, err := uc.Retrieve(ctx, req)
	if err != nil {
		return "", err
	}

	return uc.Persist(req, data, origin)
}

// Download fetches an arbitrary URL, bypassing the tile cache.
func (uc *TileUseCase) Download(ctx context.Context, url string, opts ...fetcher.RequestOption) ([]byte, error) {
	data, err := uc.client.Get(ctx, url, opts...)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", url, err)
	}
	return data, nil
}

// Close waits for background store writes.
func (uc *TileUseCase) Close() {
	uc.storeWrites.Wait()
}
