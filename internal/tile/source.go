package tile

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/samber/lo"
	"github.com/valyala/fasttemplate"
)

var ErrUnknownSource = errors.New("unknown tile source")

// Source is the minimal provider description the scheduler needs to build URLs.
type Source struct {
	ID         string
	URL        string // template with {z} {x} {y} and optional {s}
	Subdomains []string
	MinZoom    int
	MaxZoom    int
	TileSize   int
	ImageExt   string
	// InvertY sends RowCount(z)-1-y on the wire for providers counting rows from the bottom.
	InvertY bool
}

func OpenStreetMap() *Source {
	return &Source{
		ID:         "osm",
		URL:        "https://{s}.tile.openstreetmap.org/{z}/{x}/{y}.png",
		Subdomains: []string{"a", "b", "c"},
		MinZoom:    0,
		MaxZoom:    19,
		TileSize:   256,
		ImageExt:   "png",
	}
}

func (s *Source) ColumnCount(zoom int) int { return 1 << zoom }
func (s *Source) RowCount(zoom int) int    { return 1 << zoom }

// Validate checks that key belongs to this source and lies inside its zoom range.
func (s *Source) Validate(key Key) error {
	if key.Source != s.ID {
		return fmt.Errorf("tile %s does not belong to source %q", key, s.ID)
	}
	if !key.Valid() {
		return fmt.Errorf("tile %s is outside the tile grid", key)
	}
	if key.Zoom() < s.MinZoom || key.Zoom() > s.MaxZoom {
		return fmt.Errorf("tile %s: zoom outside [%d, %d]", key, s.MinZoom, s.MaxZoom)
	}
	return nil
}

// TileURL renders the URL template for key. Any subdomain may be picked.
func (s *Source) TileURL(key Key) string {
	row := key.Row()
	if s.InvertY {
		row = s.RowCount(key.Zoom()) - row - 1
	}

	return fasttemplate.ExecuteString(s.URL, "{", "}", map[string]interface{}{
		"z": strconv.Itoa(key.Zoom()),
		"x": strconv.Itoa(key.Col()),
		"y": strconv.Itoa(row),
		"s": lo.Sample(s.Subdomains),
	})
}

// Registry maps source ids to sources.
type Registry struct {
	sources map[string]*Source
}

func NewRegistry(sources ...*Source) *Registry {
	r := &Registry{sources: make(map[string]*Source, len(sources))}
	for _, s := range sources {
		r.sources[s.ID] = s
	}
	return r
}

func (r *Registry) Get(id string) (*Source, error) {
	s, ok := r.sources[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, id)
	}
	return s, nil
}

func (r *Registry) IDs() []string {
	ids := lo.Keys(r.sources)
	sort.Strings(ids)
	return ids
}
