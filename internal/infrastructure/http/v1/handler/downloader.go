package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (h *Handler) Stats(c *gin.Context) {
	h.RespondWithJSON(c, http.StatusOK, "downloader stats", h.downloader.Stats())
}

func (h *Handler) Pause(c *gin.Context) {
	h.downloader.Pause()
	h.RespondWithJSON(c, http.StatusOK, "delivery paused", h.downloader.Stats())
}

func (h *Handler) Resume(c *gin.Context) {
	h.downloader.Resume()
	h.RespondWithJSON(c, http.StatusOK, "delivery resumed", h.downloader.Stats())
}
