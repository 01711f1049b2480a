package cache

import (
	"context"

	"github.com/jaennil/guide_helper/backend/tileloader/internal/tile"
)

type TileCacheValue []byte

// TileStore is a shared tile store consulted after a disk miss and filled
// after a successful upstream fetch.
type TileStore interface {
	Get(ctx context.Context, k tile.Key) (TileCacheValue, bool, error)
	Set(ctx context.Context, k tile.Key, v TileCacheValue) error
	Close() error
}
