// Package usage meters billable API consumption.
//
// Each authenticated request is billed in units: batch analysis costs one
// unit per started group of 10 transactions, a location verification costs
// one unit. Recording is asynchronous and best-effort so metering never
// blocks the request path.
package usage

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kestrelhq/fraudscan/internal/metrics"
)

const batchUnitSize = 10

// Record is a single metered API call. Every authenticated call is
// recorded, success or failure; Units is zero for calls that were not
// billed (rejected or failed requests).
type Record struct {
	ID        string    `json:"id"`
	KeyID     string    `json:"key_id"`
	Endpoint  string    `json:"endpoint"`
	Method    string    `json:"method"`
	Status    int       `json:"status"`
	Units     int       `json:"units"`
	LatencyMs float64   `json:"latency_ms"`
	CreatedAt time.Time `json:"created_at"`
}

// Summary aggregates usage for one API key.
type Summary struct {
	KeyID      string         `json:"key_id"`
	TotalUnits int            `json:"total_units"`
	TotalCalls int            `json:"total_calls"`
	ByEndpoint map[string]int `json:"by_endpoint"`
	Since      time.Time      `json:"since"`
}

// Store persists usage records.
type Store interface {
	Append(ctx context.Context, r *Record) error
	Summarize(ctx context.Context, keyID string, since time.Time) (*Summary, error)
}

// UnitsForBatch returns the billed units for a transaction batch:
// ceil(n/10), minimum 1.
func UnitsForBatch(n int) int {
	if n <= 0 {
		return 1
	}
	return int(math.Ceil(float64(n) / float64(batchUnitSize)))
}

const billedUnitsKey = "billed_units"

// SetBilledUnits marks the number of units the current request should bill.
// Handlers call this once validation has passed.
func SetBilledUnits(c *gin.Context, units int) {
	c.Set(billedUnitsKey, units)
}

// BilledUnits returns the units marked for the current request, or 0.
func BilledUnits(c *gin.Context) int {
	if v, ok := c.Get(billedUnitsKey); ok {
		if units, ok := v.(int); ok {
			return units
		}
	}
	return 0
}

// Recorder accepts usage records on a bounded queue and writes them to the
// store in the background. When the queue is full the record is dropped and
// a warning logged; billing is best-effort and must not add request latency.
type Recorder struct {
	store  Store
	queue  chan *Record
	logger *slog.Logger
	done   chan struct{}
}

// NewRecorder starts a background recorder draining into store.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	r := &Recorder{
		store:  store,
		queue:  make(chan *Record, 1024),
		logger: logger,
		done:   make(chan struct{}),
	}
	go r.drain()
	return r
}

// Enqueue submits a record without blocking. Drops when the queue is full.
func (r *Recorder) Enqueue(rec *Record) {
	select {
	case r.queue <- rec:
	default:
		metrics.UsageRecordsDroppedTotal.Inc()
		r.logger.Warn("usage record dropped, queue full",
			"key_id", rec.KeyID, "endpoint", rec.Endpoint, "units", rec.Units)
	}
}

// Close stops the recorder after flushing queued records.
func (r *Recorder) Close() {
	close(r.queue)
	<-r.done
}

func (r *Recorder) drain() {
	defer close(r.done)
	for rec := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.store.Append(ctx, rec); err != nil {
			r.logger.Warn("failed to append usage record",
				"key_id", rec.KeyID, "error", err)
		}
		cancel()
	}
}
