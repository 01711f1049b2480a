// Package tile holds the value types the downloader schedules: tile keys,
// tile sources and per-tile requests.
package tile

import (
	"fmt"

	"github.com/paulmach/orb/maptile"
)

// Key identifies one tile of one source. It is comparable and safe to use as a map key.
type Key struct {
	Source string
	Tile   maptile.Tile
}

func NewKey(source string, z, x, y int) Key {
	return Key{
		Source: source,
		Tile:   maptile.New(uint32(x), uint32(y), maptile.Zoom(z)),
	}
}

func (k Key) Zoom() int { return int(k.Tile.Z) }
func (k Key) Col() int  { return int(k.Tile.X) }
func (k Key) Row() int  { return int(k.Tile.Y) }

// Valid reports whether the column and row fit the tile grid at the key's zoom.
func (k Key) Valid() bool {
	if k.Source == "" || k.Tile.Z > maxZoom {
		return false
	}
	n := uint64(1) << k.Tile.Z
	return uint64(k.Tile.X) < n && uint64(k.Tile.Y) < n
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%d/%d", k.Source, k.Tile.Z, k.Tile.X, k.Tile.Y)
}

const maxZoom = 30
