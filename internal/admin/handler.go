// Package admin exposes the read-only REST surface the UI polls: bus
// counters and per-ingestor connection state.
package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chatfuse/internal/bus"
	"chatfuse/internal/ingest"
	"chatfuse/internal/logger"
)

// IngestorInfo is the wire shape of one ingestor's connection state.
type IngestorInfo struct {
	Platform  string `json:"platform"`
	State     string `json:"state"`
	LastError string `json:"last_error,omitempty"`
}

type Handler struct {
	bus       *bus.Bus
	ingestors func() []ingest.Ingestor
	logger    logger.Logger
}

// NewHandler builds the admin handler. The ingestors func returns a
// snapshot of currently wired sources.
func NewHandler(b *bus.Bus, ingestors func() []ingest.Ingestor, log logger.Logger) *Handler {
	return &Handler{
		bus:       b,
		ingestors: ingestors,
		logger:    log,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		v1.GET("/stats", h.GetStats)
		v1.GET("/ingestors", h.ListIngestors)
	}
}

func (h *Handler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.bus.Stats())
}

func (h *Handler) ListIngestors(c *gin.Context) {
	sources := h.ingestors()
	infos := make([]IngestorInfo, 0, len(sources))
	for _, ing := range sources {
		info := IngestorInfo{
			Platform: ing.Platform().String(),
			State:    ing.State().String(),
		}
		if err := ing.LastError(); err != nil {
			info.LastError = err.Error()
		}
		infos = append(infos, info)
	}
	c.JSON(http.StatusOK, infos)
}
