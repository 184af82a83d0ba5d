package usage

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- UnitsForBatch ---

func TestUnitsForBatch(t *testing.T) {
	tests := []struct {
		n    int
		want int
	}{
		{0, 1},
		{-5, 1},
		{1, 1},
		{9, 1},
		{10, 1},
		{11, 2},
		{20, 2},
		{21, 3},
		{100, 10},
		{101, 11},
	}

	for _, tt := range tests {
		if got := UnitsForBatch(tt.n); got != tt.want {
			t.Errorf("UnitsForBatch(%d) = %d, want %d", tt.n, got, tt.want)
		}
	}
}

// --- Billed units context helpers ---

func TestBilledUnitsRoundTrip(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	if got := BilledUnits(c); got != 0 {
		t.Errorf("Expected 0 units before marking, got %d", got)
	}

	SetBilledUnits(c, 3)
	if got := BilledUnits(c); got != 3 {
		t.Errorf("Expected 3 units, got %d", got)
	}
}

// --- Recorder ---

func TestRecorderDrainsToStore(t *testing.T) {
	store := NewMemoryStore()
	rec := NewRecorder(store, testLogger())

	for i := 0; i < 5; i++ {
		rec.Enqueue(&Record{
			ID:        "use_" + strconv.Itoa(i),
			KeyID:     "key_a",
			Endpoint:  "/v1/fraud/analyze",
			Units:     2,
			CreatedAt: time.Now().UTC(),
		})
	}
	rec.Close()

	sum, err := store.Summarize(context.Background(), "key_a", time.Time{})
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if sum.TotalCalls != 5 {
		t.Errorf("Expected 5 calls recorded, got %d", sum.TotalCalls)
	}
	if sum.TotalUnits != 10 {
		t.Errorf("Expected 10 units recorded, got %d", sum.TotalUnits)
	}
}

// blockingStore blocks Append until released, to fill the recorder queue.
type blockingStore struct {
	release chan struct{}
}

func (s *blockingStore) Append(ctx context.Context, r *Record) error {
	<-s.release
	return nil
}

func (s *blockingStore) Summarize(ctx context.Context, keyID string, since time.Time) (*Summary, error) {
	return &Summary{KeyID: keyID}, nil
}

func TestRecorderDropsWhenQueueFull(t *testing.T) {
	store := &blockingStore{release: make(chan struct{})}
	rec := NewRecorder(store, testLogger())

	// The drain goroutine pulls one record and blocks; fill the queue past
	// capacity. Enqueue must never block the caller.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2000; i++ {
			rec.Enqueue(&Record{ID: "use_x", KeyID: "key_b", Units: 1})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Enqueue blocked with a full queue")
	}

	close(store.release)
	rec.Close()
}

// --- Middleware ---

func billingRouter(rec *Recorder, status int, units int, keyID string) *gin.Engine {
	r := gin.New()
	r.Use(Middleware(rec))
	r.POST("/v1/fraud/analyze", func(c *gin.Context) {
		if keyID != "" {
			c.Set("key_id", keyID)
		}
		if units > 0 {
			SetBilledUnits(c, units)
		}
		c.JSON(status, gin.H{"ok": status < 400})
	})
	return r
}

func TestMiddlewareBillsSuccessfulRequest(t *testing.T) {
	store := NewMemoryStore()
	rec := NewRecorder(store, testLogger())
	router := billingRouter(rec, http.StatusOK, 3, "key_c")

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/fraud/analyze", nil)
	router.ServeHTTP(w, req)

	rec.Close()

	sum, _ := store.Summarize(context.Background(), "key_c", time.Time{})
	if sum.TotalUnits != 3 {
		t.Errorf("Expected 3 units billed, got %d", sum.TotalUnits)
	}
	if sum.ByEndpoint["/v1/fraud/analyze"] != 3 {
		t.Errorf("Expected units attributed to the route, got %v", sum.ByEndpoint)
	}

	r := store.records[0]
	if r.Method != "POST" {
		t.Errorf("Expected method POST recorded, got %q", r.Method)
	}
	if r.Status != http.StatusOK {
		t.Errorf("Expected status 200 recorded, got %d", r.Status)
	}
	if r.LatencyMs < 0 {
		t.Errorf("Expected non-negative latency, got %f", r.LatencyMs)
	}
}

func TestMiddlewareRecordsFailedRequestUnbilled(t *testing.T) {
	store := NewMemoryStore()
	rec := NewRecorder(store, testLogger())
	router := billingRouter(rec, http.StatusBadRequest, 1, "key_d")

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/fraud/analyze", nil)
	router.ServeHTTP(w, req)

	rec.Close()

	sum, _ := store.Summarize(context.Background(), "key_d", time.Time{})
	if sum.TotalCalls != 1 {
		t.Fatalf("Failed requests must still be reported, got %d calls", sum.TotalCalls)
	}
	if sum.TotalUnits != 0 {
		t.Errorf("Failed requests must not bill units, got %d", sum.TotalUnits)
	}

	r := store.records[0]
	if r.Status != http.StatusBadRequest {
		t.Errorf("Expected status 400 recorded, got %d", r.Status)
	}
	if r.Units != 0 {
		t.Errorf("Expected 0 units on a failed request, got %d", r.Units)
	}
}

func TestMiddlewareSkipsAnonymousRequest(t *testing.T) {
	store := NewMemoryStore()
	rec := NewRecorder(store, testLogger())
	router := billingRouter(rec, http.StatusOK, 3, "")

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/fraud/analyze", nil)
	router.ServeHTTP(w, req)

	rec.Close()

	sum, _ := store.Summarize(context.Background(), "", time.Time{})
	if sum.TotalCalls != 0 {
		t.Errorf("Requests without a key must not bill, got %d calls", sum.TotalCalls)
	}
}

func TestMiddlewareRecordsUnmarkedRequestAtZeroUnits(t *testing.T) {
	store := NewMemoryStore()
	rec := NewRecorder(store, testLogger())
	router := billingRouter(rec, http.StatusOK, 0, "key_e")

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/fraud/analyze", nil)
	router.ServeHTTP(w, req)

	rec.Close()

	sum, _ := store.Summarize(context.Background(), "key_e", time.Time{})
	if sum.TotalCalls != 1 {
		t.Fatalf("Authenticated calls must be reported even unbilled, got %d calls", sum.TotalCalls)
	}
	if sum.TotalUnits != 0 {
		t.Errorf("Unmarked requests must not bill units, got %d", sum.TotalUnits)
	}
}

// --- Store ---

func TestMemoryStoreSummarizeWindow(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	_ = store.Append(ctx, &Record{ID: "use_1", KeyID: "key_f", Endpoint: "/a", Units: 1, CreatedAt: now.Add(-48 * time.Hour)})
	_ = store.Append(ctx, &Record{ID: "use_2", KeyID: "key_f", Endpoint: "/a", Units: 2, CreatedAt: now})
	_ = store.Append(ctx, &Record{ID: "use_3", KeyID: "other", Endpoint: "/a", Units: 4, CreatedAt: now})

	sum, err := store.Summarize(ctx, "key_f", now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if sum.TotalUnits != 2 {
		t.Errorf("Expected only in-window units for the key, got %d", sum.TotalUnits)
	}
	if sum.TotalCalls != 1 {
		t.Errorf("Expected 1 call in window, got %d", sum.TotalCalls)
	}
}
