package fraud

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kestrelhq/fraudscan/internal/logging"
	"github.com/kestrelhq/fraudscan/internal/metrics"
	"github.com/kestrelhq/fraudscan/internal/traces"
	"github.com/kestrelhq/fraudscan/internal/usage"
)

// AnalyzeRequest is the wire payload for POST /v1/fraud/analyze.
type AnalyzeRequest struct {
	Transactions   []Transaction    `json:"transactions"`
	UserActivity   []ActivityRecord `json:"user_activity,omitempty"`
	TimeframeHours float64          `json:"timeframe_hours,omitempty"`
}

// VerifyLocationRequest is the wire payload for POST /v1/fraud/verify-location.
type VerifyLocationRequest struct {
	UserID    string         `json:"user_id"`
	LocationA *LocationPoint `json:"location_a"`
	LocationB *LocationPoint `json:"location_b"`
}

// LocationResolver resolves an IP address to coordinates. Optional.
type LocationResolver interface {
	Resolve(ip string) (lat, lng float64, ok bool)
}

// EventEmitter receives fraud events for realtime streaming and webhook
// delivery. Implementations must not block.
type EventEmitter interface {
	EmitFraudAlert(event map[string]any)
	EmitVerification(event map[string]any)
}

// Handler serves the fraud analysis endpoints.
type Handler struct {
	analyzer         *Analyzer
	verifier         *Verifier
	resolver         LocationResolver
	events           EventEmitter
	defaultTimeframe float64
}

// NewHandler creates a handler around the analyzer and verifier.
func NewHandler(analyzer *Analyzer, verifier *Verifier) *Handler {
	return &Handler{analyzer: analyzer, verifier: verifier}
}

// WithResolver enables GeoIP enrichment of transactions that carry an
// ip_address but no location.
func (h *Handler) WithResolver(r LocationResolver) *Handler {
	h.resolver = r
	return h
}

// WithEvents enables realtime event emission for high-risk results.
func (h *Handler) WithEvents(e EventEmitter) *Handler {
	h.events = e
	return h
}

// WithDefaultTimeframe overrides the analysis window used when a request
// omits timeframe_hours.
func (h *Handler) WithDefaultTimeframe(hours float64) *Handler {
	h.defaultTimeframe = hours
	return h
}

// RegisterRoutes mounts the fraud endpoints on the given (authenticated) group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/analyze", h.Analyze)
	rg.POST("/verify-location", h.VerifyLocation)
}

// Analyze handles POST /v1/fraud/analyze.
func (h *Handler) Analyze(c *gin.Context) {
	var req AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid request body: " + err.Error(),
		})
		return
	}
	if len(req.Transactions) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "transactions array is required and must not be empty",
		})
		return
	}
	for i, tx := range req.Transactions {
		if tx.ID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": fmt.Sprintf("transactions[%d].id is required", i),
			})
			return
		}
		if tx.Amount < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": fmt.Sprintf("transactions[%d].amount must be non-negative", i),
			})
			return
		}
		if tx.Timestamp.IsZero() {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": fmt.Sprintf("transactions[%d].timestamp is required", i),
			})
			return
		}
		if tx.Location != nil && !validLatLng(tx.Location.Lat, tx.Location.Lng) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": fmt.Sprintf("transactions[%d].location is out of range", i),
			})
			return
		}
	}

	// Billing scales with batch size; recorded by the usage middleware after
	// the response is written.
	usage.SetBilledUnits(c, usage.UnitsForBatch(len(req.Transactions)))

	txs := h.enrich(req.Transactions)

	ctx, span := traces.StartSpan(c.Request.Context(), "fraud.analyze",
		traces.BatchSize(len(txs)))
	defer span.End()

	timeframe := req.TimeframeHours
	if timeframe <= 0 {
		timeframe = h.defaultTimeframe
	}

	result, err := h.safeAnalyze(ctx, txs, timeframe)
	if err != nil {
		logging.L(ctx).Error("analysis failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	span.SetAttributes(traces.RiskScore(result.RiskScore))

	metrics.AnalysesTotal.WithLabelValues(string(result.RiskLevel)).Inc()
	metrics.TransactionsAnalyzedTotal.Add(float64(len(txs)))
	for _, alert := range result.Alerts {
		metrics.AlertsTotal.WithLabelValues(string(alert.Severity)).Inc()
	}

	h.emitFraudAlert(ctx, result)

	c.JSON(http.StatusOK, result)
}

// VerifyLocation handles POST /v1/fraud/verify-location.
func (h *Handler) VerifyLocation(c *gin.Context) {
	var req VerifyLocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid request body: " + err.Error(),
		})
		return
	}
	if req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	if msg, ok := checkPoint("location_a", req.LocationA); !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}
	if msg, ok := checkPoint("location_b", req.LocationB); !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}

	// A single pairwise check is always one billed unit.
	usage.SetBilledUnits(c, 1)

	ctx, span := traces.StartSpan(c.Request.Context(), "fraud.verify_location")
	defer span.End()

	result, err := h.safeVerify(ctx, req.UserID, *req.LocationA, *req.LocationB)
	if err != nil {
		logging.L(ctx).Error("verification failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	span.SetAttributes(traces.TravelMode(result.TravelModeEstimate))

	metrics.VerificationsTotal.WithLabelValues(result.TravelModeEstimate).Inc()
	h.emitVerification(ctx, result)

	c.JSON(http.StatusOK, result)
}

// safeAnalyze runs the analyzer, converting a panic into an error so the
// boundary can surface it as a 500 without leaking a stack trace.
func (h *Handler) safeAnalyze(ctx context.Context, txs []Transaction, timeframeHours float64) (result *AnalysisResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("analysis error: %v", r)
		}
	}()
	return h.analyzer.Analyze(ctx, txs, timeframeHours), nil
}

func (h *Handler) safeVerify(ctx context.Context, userID string, a, b LocationPoint) (result *VerificationResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("verification error: %v", r)
		}
	}()
	return h.verifier.Verify(ctx, userID, a, b), nil
}

// enrich fills in locations for transactions that carry an IP address but no
// coordinates. No-op when no resolver is configured.
func (h *Handler) enrich(txs []Transaction) []Transaction {
	if h.resolver == nil {
		return txs
	}
	out := make([]Transaction, len(txs))
	copy(out, txs)
	for i := range out {
		if out[i].Location != nil || out[i].IPAddress == "" {
			continue
		}
		if lat, lng, ok := h.resolver.Resolve(out[i].IPAddress); ok {
			out[i].Location = &Location{Lat: lat, Lng: lng}
		}
	}
	return out
}

// emitFraudAlert broadcasts results subscribers act on: high-risk analyses
// and any analysis carrying a critical alert, whatever its overall level.
func (h *Handler) emitFraudAlert(ctx context.Context, result *AnalysisResult) {
	if h.events == nil {
		return
	}
	if result.RiskLevel != RiskHigh && !hasCriticalAlert(result) {
		return
	}
	h.events.EmitFraudAlert(map[string]any{
		"risk_score": result.RiskScore,
		"risk_level": string(result.RiskLevel),
		"patterns":   result.PatternsDetected,
		"key_id":     KeyIDFromContext(ctx),
		"emitted_at": time.Now().UTC(),
	})
}

func hasCriticalAlert(result *AnalysisResult) bool {
	for _, a := range result.Alerts {
		if a.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// emitVerification broadcasts verification outcomes to subscribers. Clients
// and webhook filters decide which outcomes they care about.
func (h *Handler) emitVerification(ctx context.Context, result *VerificationResult) {
	if h.events == nil {
		return
	}
	h.events.EmitVerification(map[string]any{
		"user_id":     result.UserID,
		"is_possible": result.IsPossible,
		"travel_mode": result.TravelModeEstimate,
		"velocity":    result.ImpliedVelocityKmh,
		"key_id":      KeyIDFromContext(ctx),
		"emitted_at":  time.Now().UTC(),
	})
}

func validLatLng(lat, lng float64) bool {
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

func checkPoint(field string, p *LocationPoint) (string, bool) {
	if p == nil {
		return field + " is required", false
	}
	if p.Timestamp.IsZero() {
		return field + ".timestamp is required", false
	}
	if !validLatLng(p.Lat, p.Lng) {
		return field + " is out of range", false
	}
	return "", true
}
