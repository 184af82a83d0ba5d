package usage

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler serves usage reporting endpoints.
type Handler struct {
	store Store
}

// NewHandler creates a usage handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes mounts the usage endpoints on the given (authenticated) group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/usage", h.GetUsage)
}

// GetUsage handles GET /v1/usage. Reports the calling key's consumption over
// the requested window (days query param, default 30, max 365).
func (h *Handler) GetUsage(c *gin.Context) {
	keyID := c.GetString("key_id")
	if keyID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	days := 30
	if raw := c.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 365 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "days must be between 1 and 365"})
			return
		}
		days = n
	}
	since := time.Now().UTC().AddDate(0, 0, -days)

	sum, err := h.store.Summarize(c.Request.Context(), keyID, since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load usage"})
		return
	}
	c.JSON(http.StatusOK, sum)
}
