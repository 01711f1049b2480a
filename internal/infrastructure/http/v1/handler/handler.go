package handler

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/downloader"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/repository/cache"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/tile"
)

const (
	internalServerErrorText = "the server encountered an error and could not process your request"
)

type response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type Handler struct {
	validate   *validator.Validate
	downloader downloader.Downloader
	sources    *tile.Registry
	disk       *cache.Disk

	// requests keeps one Request per tile so repeated prefetches dedup.
	requests sync.Map
}

func NewHandler(v *validator.Validate, d downloader.Downloader, sources *tile.Registry, disk *cache.Disk) *Handler {
	return &Handler{
		validate:   v,
		downloader: d,
		sources:    sources,
		disk:       disk,
	}
}

func (h *Handler) RespondWithInternalServerError(c *gin.Context) {
	h.RespondWithJSON(c, http.StatusInternalServerError, internalServerErrorText, nil)
}

func (h *Handler) RespondWithJSON(c *gin.Context, code int, message string, data any) {
	success := code < 400

	r := response{
		Success: success,
		Message: message,
		Data:    data,
	}

	c.JSON(code, r)
}
