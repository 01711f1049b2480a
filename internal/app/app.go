package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	v1 "github.com/jaennil/guide_helper/backend/tileloader/internal/infrastructure/http/v1"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/infrastructure/http/v1/handler"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/config"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/http_server"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/logger"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/telemetry"
)

const shutdownTimeout = 30 * time.Second

// Run serves the ops API and drives the frame loop until ctx is canceled.
func Run(ctx context.Context, cfg *config.Config, l logger.Logger) error {
	l.Info("app config", "cfg", cfg)

	ctx = logger.WithLogger(ctx, l)

	// Initialize OpenTelemetry if enabled
	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.InitTracer(telemetry.Config{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: cfg.Telemetry.ServiceVersion,
			Environment:    cfg.Telemetry.Environment,
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		}, l)
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdownTelemetry(context.Background()); err != nil {
				l.Error("failed to shutdown telemetry", "error", err)
			}
		}()
		l.Info("telemetry initialized", "service", cfg.Telemetry.ServiceName)
	}

	comps, err := NewComponents(cfg, l)
	if err != nil {
		return err
	}

	h := handler.NewHandler(validator.New(), comps.Downloader, comps.Sources, comps.Disk)
	router := v1.NewRouter(h, l, cfg.Telemetry.Enabled)
	httpServer := http_server.NewServer(cfg.HTTP.Server, router)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return NewFrameLoop(comps.Downloader, cfg.Downloader.FrameRate, l).Run(gctx)
	})

	g.Go(func() error {
		l.Info("starting http server...", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		l.Info("http server stopped", "address", httpServer.Addr)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		l.Info("received shutdown signal")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		l.Info("shutting down http server...", "address", httpServer.Addr)
		return httpServer.Shutdown(shutdownCtx)
	})

	runErr := g.Wait()
	if runErr != nil {
		l.Error("http server failed", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := comps.Close(shutdownCtx); err != nil {
		l.Error("failed to stop components", "error", err)
		runErr = errors.Join(runErr, err)
	}

	l.Info("application shutdown completed")
	return runErr
}
