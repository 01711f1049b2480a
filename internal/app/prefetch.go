package app

import (
	"context"
	"fmt"

	"github.com/samber/lo"

	"github.com/jaennil/guide_helper/backend/tileloader/internal/tile"
)

type PrefetchResult struct {
	Total  int
	Loaded int
	Failed int
}

// Prefetch downloads keys of one source into the disk cache and waits until
// every tile is done or failed.
func (c *Components) Prefetch(ctx context.Context, sourceID string, keys []tile.Key) (PrefetchResult, error) {
	src, err := c.Sources.Get(sourceID)
	if err != nil {
		return PrefetchResult{}, err
	}

	keys = lo.Uniq(keys)
	for _, key := range keys {
		if err := src.Validate(key); err != nil {
			return PrefetchResult{}, fmt.Errorf("prefetch: %w", err)
		}
	}

	reqs := lo.Map(keys, func(key tile.Key, _ int) *tile.Request {
		return tile.NewRequest(src, key, c.Disk.Path(key))
	})

	c.Logger.Info("prefetch started", "source", src.ID, "tiles", len(reqs))
	for _, req := range reqs {
		c.Downloader.Submit(req, func(path string) {
			c.Logger.Debug("tile cached", "tile", req.Key.String(), "path", path)
		})
	}

	err = NewFrameLoop(c.Downloader, c.frameRate, c.Logger).Until(ctx, func() bool {
		return lo.EveryBy(reqs, settled)
	})

	res := PrefetchResult{
		Total:  len(reqs),
		Loaded: lo.CountBy(reqs, func(req *tile.Request) bool { return req.State() == tile.StateDone }),
		Failed: lo.CountBy(reqs, func(req *tile.Request) bool { return req.State() == tile.StateError }),
	}
	c.Logger.Info("prefetch finished", "source", src.ID, "total", res.Total, "loaded", res.Loaded, "failed", res.Failed)

	return res, err
}

func settled(req *tile.Request) bool {
	s := req.State()
	return s == tile.StateDone || s == tile.StateError
}
