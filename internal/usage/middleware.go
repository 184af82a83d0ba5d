package usage

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kestrelhq/fraudscan/internal/idgen"
	"github.com/kestrelhq/fraudscan/internal/metrics"
)

// Middleware reports every authenticated call after the handler has run,
// whatever the outcome. Units are billed only on successful responses;
// rejected or failed requests land in the ledger with zero units.
func Middleware(recorder *Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		keyID := c.GetString("key_id")
		if keyID == "" {
			return
		}

		status := c.Writer.Status()
		units := 0
		if status >= 200 && status < 300 {
			units = BilledUnits(c)
		}

		endpoint := c.FullPath()
		if units > 0 {
			metrics.BilledUnitsTotal.WithLabelValues(endpoint).Add(float64(units))
		}
		recorder.Enqueue(&Record{
			ID:        idgen.WithPrefix("use_"),
			KeyID:     keyID,
			Endpoint:  endpoint,
			Method:    c.Request.Method,
			Status:    status,
			Units:     units,
			LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0,
			CreatedAt: time.Now().UTC(),
		})
	}
}
