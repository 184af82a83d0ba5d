package fraud

import (
	"context"
	"fmt"
	"time"

	"github.com/kestrelhq/fraudscan/internal/geo"
	"github.com/kestrelhq/fraudscan/internal/idgen"
)

// Analyzer runs the batch detection rules. Safe for concurrent use; holds no
// per-request state.
type Analyzer struct {
	cfg   Config
	store Store
}

// NewAnalyzer creates an analyzer with the given thresholds. store may be nil
// to disable the audit trail.
func NewAnalyzer(cfg Config, store Store) *Analyzer {
	return &Analyzer{cfg: cfg, store: store}
}

// Analyze evaluates a transaction batch against the four detection rules.
// Each rule that fires contributes a fixed point value; the accumulated score
// is clamped to [0, 100] at the end. timeframeHours is informational only
// (used in alert messaging, not as a filter).
func (a *Analyzer) Analyze(ctx context.Context, txs []Transaction, timeframeHours float64) *AnalysisResult {
	if timeframeHours <= 0 {
		timeframeHours = 24
	}

	score := 0
	alerts := []Alert{}
	patterns := []string{}

	// Rule 1: transaction count. Raw batch size, not a time-normalized rate.
	if len(txs) > a.cfg.VelocityCount {
		score += pointsHighVelocity
		patterns = append(patterns, PatternHighVelocity)
		alerts = append(alerts, Alert{
			Type:     PatternHighVelocity,
			Severity: SeverityMedium,
			Description: fmt.Sprintf("%d transactions in %.0f hours exceeds the expected volume of %d",
				len(txs), timeframeHours, a.cfg.VelocityCount),
			TransactionIDs: nil,
		})
	}

	// Rule 2: large amounts.
	var largeIDs []string
	for _, tx := range txs {
		if tx.Amount > a.cfg.LargeAmountThreshold {
			largeIDs = append(largeIDs, tx.ID)
		}
	}
	if len(largeIDs) > 0 {
		score += pointsLargeAmounts
		patterns = append(patterns, PatternLargeAmounts)
		alerts = append(alerts, Alert{
			Type:     PatternLargeAmounts,
			Severity: SeverityHigh,
			Description: fmt.Sprintf("%d transaction(s) above the %.0f threshold",
				len(largeIDs), a.cfg.LargeAmountThreshold),
			TransactionIDs: largeIDs,
		})
	}

	// Rule 3: impossible travel. Located transactions are scanned in the
	// order given by the caller, not re-sorted by timestamp; a pair only
	// counts when the elapsed time is positive. Each firing pair adds its
	// points independently, so the raw score can exceed 100 before clamping.
	located := make([]Transaction, 0, len(txs))
	for _, tx := range txs {
		if tx.Location != nil {
			located = append(located, tx)
		}
	}
	travelFired := false
	for i := 1; i < len(located); i++ {
		prev, cur := located[i-1], located[i]
		hours := cur.Timestamp.Sub(prev.Timestamp).Hours()
		if hours <= 0 {
			continue
		}
		dist := geo.DistanceKm(prev.Location.Lat, prev.Location.Lng, cur.Location.Lat, cur.Location.Lng)
		velocity := geo.ImpliedVelocityKmh(dist, hours)
		if velocity > a.cfg.MaxRealisticSpeedKmh {
			score += pointsImpossibleTravel
			if !travelFired {
				patterns = append(patterns, PatternImpossibleTravel)
				travelFired = true
			}
			alerts = append(alerts, Alert{
				Type:     PatternImpossibleTravel,
				Severity: SeverityCritical,
				Description: fmt.Sprintf("%.0f km in %.2f hours implies %.0f km/h, above the %.0f km/h plausibility bound",
					dist, hours, velocity, a.cfg.MaxRealisticSpeedKmh),
				TransactionIDs: []string{prev.ID, cur.ID},
			})
		}
	}

	// Rule 4: merchant category diversity. Informational signal, no alert.
	categories := make(map[string]struct{})
	for _, tx := range txs {
		if tx.MerchantCategory != "" {
			categories[tx.MerchantCategory] = struct{}{}
		}
	}
	if len(categories) > a.cfg.CategoryDiversity {
		score += pointsDiverseCategory
		patterns = append(patterns, PatternDiverseCategories)
	}

	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}

	result := &AnalysisResult{
		RiskScore:            score,
		RiskLevel:            LevelForScore(score),
		Alerts:               alerts,
		PatternsDetected:     patterns,
		TransactionsAnalyzed: len(txs),
		AnalysisTimestamp:    time.Now().UTC(),
	}

	a.audit(ctx, "analyze", result.RiskScore, result.PatternsDetected)

	return result
}

// audit persists an assessment asynchronously, best-effort.
func (a *Analyzer) audit(ctx context.Context, kind string, score int, patterns []string) {
	if a.store == nil {
		return
	}
	assessment := &Assessment{
		ID:        idgen.WithPrefix("asm_"),
		KeyID:     KeyIDFromContext(ctx),
		Kind:      kind,
		RiskScore: score,
		Patterns:  patterns,
		CreatedAt: time.Now(),
	}
	go func() {
		_ = a.store.Record(context.Background(), assessment)
	}()
}

type contextKey string

const keyIDContextKey contextKey = "fraud_key_id"

// WithKeyID tags a context with the calling API key's ID so audit records can
// attribute assessments without threading auth types into the engine.
func WithKeyID(ctx context.Context, keyID string) context.Context {
	return context.WithValue(ctx, keyIDContextKey, keyID)
}

// KeyIDFromContext returns the tagged key ID, or "" when unauthenticated.
func KeyIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(keyIDContextKey).(string); ok {
		return id
	}
	return ""
}
