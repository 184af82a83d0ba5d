// Package fraud implements the transaction risk and geospatial consistency engine.
//
// Two stateless operations are exposed:
//   - Analyzer: runs 4 weighted detection rules over a transaction batch and
//     aggregates them into a 0-100 risk score with severity-tagged alerts.
//   - Verifier: judges whether two geotagged events for one identity are
//     physically compatible, estimating travel mode and confidence.
//
// Every call is computed purely from its inputs; there is no cross-request
// state. The optional audit store only receives results, never feeds them back.
package fraud

import (
	"context"
	"time"
)

// Severity grades an alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// RiskLevel buckets a risk score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Pattern tags emitted by the detection rules.
const (
	PatternHighVelocity      = "high_transaction_velocity"
	PatternLargeAmounts      = "large_transaction_amounts"
	PatternImpossibleTravel  = "impossible_travel"
	PatternDiverseCategories = "diverse_merchant_categories"
)

// Default rule thresholds and point weights.
const (
	DefaultMaxRealisticSpeedKmh = 900.0 // commercial aircraft cruise speed
	DefaultLargeAmountThreshold = 5000.0
	DefaultVelocityCount        = 20
	DefaultCategoryDiversity    = 10

	pointsHighVelocity     = 25
	pointsLargeAmounts     = 30
	pointsImpossibleTravel = 50
	pointsDiverseCategory  = 10
)

// Config carries the tunable thresholds shared by the analyzer and verifier.
// Injected explicitly so boundary conditions can be exercised in tests.
type Config struct {
	MaxRealisticSpeedKmh float64
	LargeAmountThreshold float64
	VelocityCount        int
	CategoryDiversity    int
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		MaxRealisticSpeedKmh: DefaultMaxRealisticSpeedKmh,
		LargeAmountThreshold: DefaultLargeAmountThreshold,
		VelocityCount:        DefaultVelocityCount,
		CategoryDiversity:    DefaultCategoryDiversity,
	}
}

// Location is a point in decimal degrees.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Transaction is a single caller-supplied transaction. Not persisted.
type Transaction struct {
	ID               string    `json:"id"`
	Amount           float64   `json:"amount"`
	Timestamp        time.Time `json:"timestamp"`
	Location         *Location `json:"location,omitempty"`
	MerchantCategory string    `json:"merchant_category,omitempty"`
	IPAddress        string    `json:"ip_address,omitempty"` // optional, resolved to a location when GeoIP is enabled
}

// ActivityRecord is ancillary user activity. Accepted in the request schema
// but not consumed by any detection rule yet.
type ActivityRecord struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Alert is a single fired detection rule.
type Alert struct {
	Type           string   `json:"type"`
	Severity       Severity `json:"severity"`
	Description    string   `json:"description"`
	TransactionIDs []string `json:"transaction_ids"`
}

// AnalysisResult is the outcome of analyzing one batch.
type AnalysisResult struct {
	RiskScore            int       `json:"risk_score"`
	RiskLevel            RiskLevel `json:"risk_level"`
	Alerts               []Alert   `json:"alerts"`
	PatternsDetected     []string  `json:"patterns_detected"`
	TransactionsAnalyzed int       `json:"transactions_analyzed"`
	AnalysisTimestamp    time.Time `json:"analysis_timestamp"`
}

// LocationPoint is one geotagged event for the verifier.
type LocationPoint struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
}

// Travel mode estimates, keyed off implied velocity.
const (
	TravelGround        = "ground"
	TravelHighSpeedRail = "high_speed_rail"
	TravelAir           = "air"
	TravelImpossible    = "impossible"
)

// VerificationResult is the verifier's judgement on a location pair.
type VerificationResult struct {
	UserID              string  `json:"user_id"`
	IsPossible          bool    `json:"is_possible"`
	DistanceKm          float64 `json:"distance_km"`
	TimeDifferenceHours float64 `json:"time_difference_hours"`
	ImpliedVelocityKmh  float64 `json:"implied_velocity_kmh"`
	Confidence          float64 `json:"confidence"`
	TravelModeEstimate  string  `json:"travel_mode_estimate"`
}

// Assessment is the audit-trail record of one analysis or verification.
type Assessment struct {
	ID        string    `json:"id"`
	KeyID     string    `json:"keyId"`
	Kind      string    `json:"kind"` // "analyze" or "verify"
	RiskScore int       `json:"riskScore"`
	Patterns  []string  `json:"patterns,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists assessments for audit trail. Best-effort; never read back
// into scoring.
type Store interface {
	Record(ctx context.Context, a *Assessment) error
	ListByKey(ctx context.Context, keyID string, limit int) ([]*Assessment, error)
}

// LevelForScore maps a clamped risk score to its risk level.
// Deterministic step function: >=70 high, >=40 medium, else low.
func LevelForScore(score int) RiskLevel {
	switch {
	case score >= 70:
		return RiskHigh
	case score >= 40:
		return RiskMedium
	default:
		return RiskLow
	}
}
