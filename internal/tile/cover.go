package tile

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// Cover lists the keys of src covering bound at zoom, row by row.
func Cover(src *Source, bound orb.Bound, zoom int) []Key {
	z := maptile.Zoom(zoom)
	// top-left tile comes from the north-west corner
	minTile := maptile.At(orb.Point{bound.Min.X(), bound.Max.Y()}, z)
	maxTile := maptile.At(orb.Point{bound.Max.X(), bound.Min.Y()}, z)

	last := uint32(1)<<z - 1
	minTile.X, minTile.Y = min(minTile.X, last), min(minTile.Y, last)
	maxTile.X, maxTile.Y = min(maxTile.X, last), min(maxTile.Y, last)

	if minTile.X > maxTile.X || minTile.Y > maxTile.Y {
		return nil
	}

	keys := make([]Key, 0, int(maxTile.X-minTile.X+1)*int(maxTile.Y-minTile.Y+1))
	for y := minTile.Y; y <= maxTile.Y; y++ {
		for x := minTile.X; x <= maxTile.X; x++ {
			keys = append(keys, Key{Source: src.ID, Tile: maptile.New(x, y, z)})
		}
	}
	return keys
}
