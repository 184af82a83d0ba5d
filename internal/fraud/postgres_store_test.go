package fraud

import (
	"context"
	"testing"
	"time"

	"github.com/kestrelhq/fraudscan/internal/idgen"
	"github.com/kestrelhq/fraudscan/internal/testutil"
)

func TestPostgresStoreRecordAndList(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	assessments := []*Assessment{
		{ID: idgen.WithPrefix("asm_"), KeyID: "key_fpg1", Kind: "analyze", RiskScore: 85, Patterns: []string{"high_velocity", "impossible_travel"}, CreatedAt: now.Add(-2 * time.Minute)},
		{ID: idgen.WithPrefix("asm_"), KeyID: "key_fpg1", Kind: "verify", RiskScore: 0, CreatedAt: now.Add(-time.Minute)},
		{ID: idgen.WithPrefix("asm_"), KeyID: "key_fpg2", Kind: "analyze", RiskScore: 30, Patterns: []string{"high_amount"}, CreatedAt: now},
	}
	for _, a := range assessments {
		if err := store.Record(ctx, a); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	got, err := store.ListByKey(ctx, "key_fpg1", 10)
	if err != nil {
		t.Fatalf("ListByKey failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 assessments, got %d", len(got))
	}
	// Newest first.
	if got[0].Kind != "verify" || got[1].Kind != "analyze" {
		t.Errorf("Expected newest-first ordering, got %s then %s", got[0].Kind, got[1].Kind)
	}
	if got[1].RiskScore != 85 {
		t.Errorf("Expected risk score 85, got %d", got[1].RiskScore)
	}
	if len(got[1].Patterns) != 2 || got[1].Patterns[0] != "high_velocity" {
		t.Errorf("Patterns not preserved: %v", got[1].Patterns)
	}
}

func TestPostgresStoreListByKeyLimit(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		a := &Assessment{
			ID:        idgen.WithPrefix("asm_"),
			KeyID:     "key_fpg3",
			Kind:      "analyze",
			RiskScore: i * 10,
			CreatedAt: time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
		}
		if err := store.Record(ctx, a); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	got, err := store.ListByKey(ctx, "key_fpg3", 3)
	if err != nil {
		t.Fatalf("ListByKey failed: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("Expected limit of 3, got %d", len(got))
	}
}
