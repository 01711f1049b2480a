package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/infrastructure/http/v1/dto"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/tile"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/logger"
)

// Prefetch schedules one tile for download into the disk cache.
func (h *Handler) Prefetch(c *gin.Context) {
	log, _ := c.Get("logger")
	l := log.(logger.Logger)

	var params dto.PrefetchRequest
	if err := c.ShouldBindUri(&params); err != nil {
		l.Warn("invalid tile coordinates", "error", err)
		h.RespondWithJSON(c, http.StatusBadRequest, "z, x and y should be integers", nil)
		return
	}

	if err := h.validate.Struct(params); err != nil {
		l.Warn("invalid prefetch request", "error", err)
		h.RespondWithJSON(c, http.StatusBadRequest, err.Error(), nil)
		return
	}

	src, err := h.sources.Get(params.Source)
	if err != nil {
		if errors.Is(err, tile.ErrUnknownSource) {
			h.RespondWithJSON(c, http.StatusNotFound, err.Error(), nil)
			return
		}
		h.RespondWithInternalServerError(c)
		return
	}

	key := tile.NewKey(src.ID, params.Z, params.X, params.Y)
	if err := src.Validate(key); err != nil {
		h.RespondWithJSON(c, http.StatusBadRequest, err.Error(), nil)
		return
	}

	req := h.request(src, key)
	h.downloader.Submit(req, func(path string) {
		h.requests.CompareAndDelete(key, req)
		l.Info("prefetched tile", "tile", key.String(), "path", path)
	})

	resp := dto.PrefetchResponse{
		Tile:  key.String(),
		State: req.State().String(),
		Path:  req.CachePath,
	}

	h.RespondWithJSON(c, http.StatusAccepted, "tile scheduled", resp)
}

// request returns the tracked Request for key. Settled requests are dropped
// first, so the map only holds tiles still being fetched.
func (h *Handler) request(src *tile.Source, key tile.Key) *tile.Request {
	h.forgetSettled()
	v, _ := h.requests.LoadOrStore(key, tile.NewRequest(src, key, h.disk.Path(key)))
	return v.(*tile.Request)
}

func (h *Handler) forgetSettled() {
	h.requests.Range(func(k, v any) bool {
		switch v.(*tile.Request).State() {
		case tile.StateDone, tile.StateError:
			h.requests.CompareAndDelete(k, v)
		}
		return true
	})
}

// Tracked reports how many prefetched tiles are still in flight.
func (h *Handler) Tracked() int {
	n := 0
	h.requests.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (h *Handler) Sources(c *gin.Context) {
	ids := h.sources.IDs()
	out := make([]dto.SourceResponse, 0, len(ids))
	for _, id := range ids {
		src, err := h.sources.Get(id)
		if err != nil {
			continue
		}
		out = append(out, dto.SourceResponse{
			ID:       src.ID,
			URL:      src.URL,
			MinZoom:  src.MinZoom,
			MaxZoom:  src.MaxZoom,
			ImageExt: src.ImageExt,
		})
	}

	h.RespondWithJSON(c, http.StatusOK, "sources", out)
}
