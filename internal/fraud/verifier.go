package fraud

import (
	"context"
	"math"
	"time"

	"github.com/kestrelhq/fraudscan/internal/geo"
	"github.com/kestrelhq/fraudscan/internal/idgen"
)

// Velocity thresholds (km/h) separating travel mode estimates.
const (
	groundSpeedKmh = 100.0
	railSpeedKmh   = 500.0
)

// Verifier judges whether two geotagged events for one identity are
// physically compatible. Stateless; safe for concurrent use.
type Verifier struct {
	cfg   Config
	store Store
}

// NewVerifier creates a verifier. store may be nil to disable the audit trail.
func NewVerifier(cfg Config, store Store) *Verifier {
	return &Verifier{cfg: cfg, store: store}
}

// Verify computes the distance and implied velocity between two events and
// classifies plausibility. The time difference is absolute, so the result is
// independent of argument order.
func (v *Verifier) Verify(ctx context.Context, userID string, a, b LocationPoint) *VerificationResult {
	dist := geo.DistanceKm(a.Lat, a.Lng, b.Lat, b.Lng)
	hours := math.Abs(b.Timestamp.Sub(a.Timestamp).Hours())
	velocity := geo.ImpliedVelocityKmh(dist, hours)

	confidence, mode := v.classifyVelocity(velocity)

	result := &VerificationResult{
		UserID:              userID,
		IsPossible:          velocity <= v.cfg.MaxRealisticSpeedKmh,
		DistanceKm:          round2(dist),
		TimeDifferenceHours: round2(hours),
		ImpliedVelocityKmh:  round2(velocity),
		Confidence:          confidence,
		TravelModeEstimate:  mode,
	}

	v.audit(ctx, result)

	return result
}

// classifyVelocity maps implied velocity onto a confidence value and travel
// mode estimate using the 100/500 km/h steps and the configured plausibility
// bound.
func (v *Verifier) classifyVelocity(velocityKmh float64) (confidence float64, mode string) {
	switch {
	case velocityKmh < groundSpeedKmh:
		return 0.99, TravelGround
	case velocityKmh < railSpeedKmh:
		return 0.85, TravelHighSpeedRail
	case velocityKmh < v.cfg.MaxRealisticSpeedKmh:
		return 0.70, TravelAir
	default:
		return 0.10, TravelImpossible
	}
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

func (v *Verifier) audit(ctx context.Context, result *VerificationResult) {
	if v.store == nil {
		return
	}
	score := 0
	if !result.IsPossible {
		score = 100
	}
	assessment := &Assessment{
		ID:        idgen.WithPrefix("asm_"),
		KeyID:     KeyIDFromContext(ctx),
		Kind:      "verify",
		RiskScore: score,
		CreatedAt: time.Now(),
	}
	go func() {
		_ = v.store.Record(context.Background(), assessment)
	}()
}
