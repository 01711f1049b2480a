package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/spf13/cobra"

	"github.com/jaennil/guide_helper/backend/tileloader/internal/app"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/tile"
)

type prefetchOptions struct {
	source   string
	bbox     string
	zoom     string
	tiles    []string
	maxTiles int
}

func newPrefetchCommand() *cobra.Command {
	opts := prefetchOptions{}

	cmd := &cobra.Command{
		Use:   "prefetch",
		Short: "Download tiles into the disk cache",
		Long: "Download the tiles covering a bounding box at one or more zoom levels, " +
			"or individual z/x/y tiles, and wait until every tile is cached or failed",
		Example: "  tileloader prefetch --bbox 37.3,55.5,37.9,55.9 --zoom 10-12\n" +
			"  tileloader prefetch --tile 3/4/2 --tile 3/5/2",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrefetch(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.source, "source", "osm", "tile source id")
	cmd.Flags().StringVar(&opts.bbox, "bbox", "", "bounding box as minLon,minLat,maxLon,maxLat")
	cmd.Flags().StringVar(&opts.zoom, "zoom", "", "zoom level or range, e.g. 12 or 10-14")
	cmd.Flags().StringSliceVar(&opts.tiles, "tile", nil, "single tile as z/x/y, repeatable")
	cmd.Flags().IntVar(&opts.maxTiles, "max-tiles", 10000, "refuse to prefetch more tiles than this")

	return cmd
}

func runPrefetch(cmd *cobra.Command, opts prefetchOptions) error {
	cfg, l, err := loadConfig()
	if err != nil {
		return err
	}
	defer l.Sync()

	comps, err := app.NewComponents(cfg, l)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := comps.Close(ctx); err != nil {
			l.Error("failed to stop components", "error", err)
		}
	}()

	src, err := comps.Sources.Get(opts.source)
	if err != nil {
		return err
	}

	keys, err := collectKeys(src, opts)
	if err != nil {
		return err
	}

	res, err := comps.Prefetch(cmd.Context(), src.ID, keys)
	fmt.Fprintf(cmd.OutOrStdout(), "%d tiles: %d cached, %d failed\n", res.Total, res.Loaded, res.Failed)
	if err != nil {
		return err
	}
	if res.Failed > 0 {
		return fmt.Errorf("%d tiles failed", res.Failed)
	}
	return nil
}

func collectKeys(src *tile.Source, opts prefetchOptions) ([]tile.Key, error) {
	var keys []tile.Key

	for _, raw := range opts.tiles {
		key, err := parseTile(src.ID, raw)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	if opts.bbox != "" {
		bound, err := parseBBox(opts.bbox)
		if err != nil {
			return nil, err
		}
		minZoom, maxZoom, err := parseZoomRange(opts.zoom)
		if err != nil {
			return nil, err
		}
		for z := minZoom; z <= maxZoom; z++ {
			keys = append(keys, tile.Cover(src, bound, z)...)
			if opts.maxTiles > 0 && len(keys) > opts.maxTiles {
				return nil, fmt.Errorf("more than %d tiles requested, narrow the bbox or zoom range", opts.maxTiles)
			}
		}
	}

	if len(keys) == 0 {
		return nil, errors.New("nothing to prefetch: pass --bbox with --zoom, or --tile")
	}
	return keys, nil
}

func parseTile(source, raw string) (tile.Key, error) {
	parts := strings.Split(raw, "/")
	if len(parts) != 3 {
		return tile.Key{}, fmt.Errorf("tile %q: expected z/x/y", raw)
	}

	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return tile.Key{}, fmt.Errorf("tile %q: %q is not a non-negative integer", raw, p)
		}
		nums[i] = n
	}

	return tile.NewKey(source, nums[0], nums[1], nums[2]), nil
}

func parseBBox(raw string) (orb.Bound, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("bbox %q: expected minLon,minLat,maxLon,maxLat", raw)
	}

	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("bbox %q: %w", raw, err)
		}
		v[i] = f
	}

	if v[0] > v[2] || v[1] > v[3] {
		return orb.Bound{}, fmt.Errorf("bbox %q: min corner is greater than max corner", raw)
	}
	if v[0] < -180 || v[2] > 180 || v[1] < -90 || v[3] > 90 {
		return orb.Bound{}, fmt.Errorf("bbox %q: out of range", raw)
	}

	return orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}, nil
}

func parseZoomRange(raw string) (int, int, error) {
	if raw == "" {
		return 0, 0, errors.New("--zoom is required with --bbox")
	}

	lo, hi, found := strings.Cut(raw, "-")
	minZoom, err := strconv.Atoi(lo)
	if err != nil {
		return 0, 0, fmt.Errorf("zoom %q: %w", raw, err)
	}
	maxZoom := minZoom
	if found {
		maxZoom, err = strconv.Atoi(hi)
		if err != nil {
			return 0, 0, fmt.Errorf("zoom %q: %w", raw, err)
		}
	}

	if minZoom < 0 || maxZoom < minZoom {
		return 0, 0, fmt.Errorf("zoom %q: invalid range", raw)
	}
	return minZoom, maxZoom, nil
}
