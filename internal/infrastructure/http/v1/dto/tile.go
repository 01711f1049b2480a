package dto

type PrefetchRequest struct {
	Source string `uri:"source" validate:"required"`
	Z      int    `uri:"z" validate:"min=0,max=30"`
	X      int    `uri:"x" validate:"min=0"`
	Y      int    `uri:"y" validate:"min=0"`
}

type PrefetchResponse struct {
	Tile  string `json:"tile"`
	State string `json:"state"`
	Path  string `json:"path"`
}

type SourceResponse struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	MinZoom  int    `json:"min_zoom"`
	MaxZoom  int    `json:"max_zoom"`
	ImageExt string `json:"image_ext"`
}
