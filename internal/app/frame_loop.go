package app

import (
	"context"
	"time"

	"github.com/jaennil/guide_helper/backend/tileloader/internal/downloader"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/logger"
)

// FrameLoop stands in for a render loop: every frame it gives a pooled
// downloader its delivery turn. With a reactive downloader frames only poll.
type FrameLoop struct {
	drainer  downloader.Drainer
	interval time.Duration
	logger   logger.Logger
}

func NewFrameLoop(d downloader.Downloader, rate int, l logger.Logger) *FrameLoop {
	if rate <= 0 {
		rate = 60
	}
	drainer, _ := d.(downloader.Drainer)

	return &FrameLoop{
		drainer:  drainer,
		interval: time.Second / time.Duration(rate),
		logger:   l,
	}
}

// Run ticks until ctx is done.
func (f *FrameLoop) Run(ctx context.Context) error {
	f.logger.Info("frame loop started", "interval", f.interval, "draining", f.drainer != nil)
	err := f.Until(ctx, nil)
	f.logger.Info("frame loop stopped")
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Until ticks until done reports true or ctx is done. done is checked after
// each frame's drain.
func (f *FrameLoop) Until(ctx context.Context, done func() bool) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		if f.drainer != nil {
			f.drainer.Tick()
		}
		if done != nil && done() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
