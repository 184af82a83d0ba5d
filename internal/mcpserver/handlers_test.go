package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	cfg := Config{
		APIURL: ts.URL,
		APIKey: "sk_test_key",
	}
	client := NewFraudscanClient(cfg)
	h := NewHandlers(client)
	return h, ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

// ============================================================
// Client tests
// ============================================================

func TestClient_DoRequest_AuthHeader(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewFraudscanClient(Config{APIURL: ts.URL, APIKey: "sk_secret123"})
	_, err := client.GetUsage(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk_secret123", gotAuth)
}

func TestClient_DoRequest_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "missing required scope"})
	}))
	defer ts.Close()

	client := NewFraudscanClient(Config{APIURL: ts.URL, APIKey: "bad"})
	_, err := client.GetUsage(context.Background(), 30)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "missing required scope")
}

func TestClient_AnalyzeTransactions_RequestShape(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		_, _ = w.Write([]byte(`{"risk_score":0}`))
	}))
	defer ts.Close()

	client := NewFraudscanClient(Config{APIURL: ts.URL, APIKey: "sk_x"})
	txs := []any{map[string]any{"id": "tx_1", "amount": 50.0, "timestamp": "2026-01-15T10:00:00Z"}}
	_, err := client.AnalyzeTransactions(context.Background(), txs, 12)
	require.NoError(t, err)

	assert.Equal(t, "/v1/fraud/analyze", gotPath)
	assert.Len(t, gotBody["transactions"], 1)
	assert.Equal(t, 12.0, gotBody["timeframe_hours"])
}

func TestClient_AnalyzeTransactions_OmitsZeroTimeframe(t *testing.T) {
	var gotBody map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewFraudscanClient(Config{APIURL: ts.URL, APIKey: "sk_x"})
	_, err := client.AnalyzeTransactions(context.Background(), []any{map[string]any{"id": "t"}}, 0)
	require.NoError(t, err)

	_, present := gotBody["timeframe_hours"]
	assert.False(t, present, "zero timeframe should not be sent")
}

func TestClient_GetUsage_DaysQuery(t *testing.T) {
	var gotQuery string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewFraudscanClient(Config{APIURL: ts.URL, APIKey: "sk_x"})
	_, err := client.GetUsage(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "days=7", gotQuery)
}

// ============================================================
// analyze_transactions
// ============================================================

func TestHandleAnalyzeTransactions_Success(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"risk_score":            80,
			"risk_level":            "high",
			"transactions_analyzed": 3,
			"patterns_detected":     []string{"impossible_travel", "high_amount"},
			"alerts": []map[string]any{
				{
					"type":            "impossible_travel",
					"severity":        "critical",
					"description":     "Movement requires 4500.0 km/h",
					"transaction_ids": []string{"tx_1", "tx_2"},
				},
				{
					"type":            "high_amount",
					"severity":        "high",
					"description":     "Transaction of $7500.00 exceeds threshold",
					"transaction_ids": []string{"tx_3"},
				},
			},
		})
	}))
	defer cleanup()

	req := makeRequest(map[string]any{
		"transactions": []any{
			map[string]any{"id": "tx_1", "amount": 100.0, "timestamp": "2026-01-15T10:00:00Z"},
			map[string]any{"id": "tx_2", "amount": 200.0, "timestamp": "2026-01-15T11:00:00Z"},
			map[string]any{"id": "tx_3", "amount": 7500.0, "timestamp": "2026-01-15T12:00:00Z"},
		},
	})
	result, err := h.HandleAnalyzeTransactions(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Risk score: 80/100 (high)")
	assert.Contains(t, text, "impossible_travel")
	assert.Contains(t, text, "[CRITICAL]")
	assert.Contains(t, text, "tx_1, tx_2")
}

func TestHandleAnalyzeTransactions_NoAlerts(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"risk_score":            0,
			"risk_level":            "low",
			"transactions_analyzed": 1,
			"alerts":                []any{},
		})
	}))
	defer cleanup()

	req := makeRequest(map[string]any{
		"transactions": []any{map[string]any{"id": "tx_1", "amount": 10.0, "timestamp": "2026-01-15T10:00:00Z"}},
	})
	result, err := h.HandleAnalyzeTransactions(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "No fraud indicators detected")
}

func TestHandleAnalyzeTransactions_MissingTransactions(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("API should not be called")
	}))
	defer cleanup()

	result, err := h.HandleAnalyzeTransactions(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "non-empty array")
}

func TestHandleAnalyzeTransactions_APIError(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "transactions[0]: id is required"})
	}))
	defer cleanup()

	req := makeRequest(map[string]any{
		"transactions": []any{map[string]any{"amount": 10.0}},
	})
	result, err := h.HandleAnalyzeTransactions(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "id is required")
}

// ============================================================
// verify_location
// ============================================================

func TestHandleVerifyLocation_Success(t *testing.T) {
	var gotBody map[string]any
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"user_id":               "user_42",
			"is_possible":           false,
			"distance_km":           8760.13,
			"time_difference_hours": 1.0,
			"implied_velocity_kmh":  8760.13,
			"confidence":            0.1,
			"travel_mode_estimate":  "impossible",
		})
	}))
	defer cleanup()

	req := makeRequest(map[string]any{
		"user_id":     "user_42",
		"lat_a":       40.7128,
		"lng_a":       -74.0060,
		"timestamp_a": "2026-01-15T10:00:00Z",
		"lat_b":       51.5074,
		"lng_b":       -0.1278,
		"timestamp_b": "2026-01-15T11:00:00Z",
	})
	result, err := h.HandleVerifyLocation(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "user_42")
	assert.Contains(t, text, "IMPOSSIBLE")
	assert.Contains(t, text, "8760.13 km/h")

	locA, ok := gotBody["location_a"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 40.7128, locA["lat"])
	assert.Equal(t, "2026-01-15T10:00:00Z", locA["timestamp"])
}

func TestHandleVerifyLocation_MissingUserID(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("API should not be called")
	}))
	defer cleanup()

	result, err := h.HandleVerifyLocation(context.Background(), makeRequest(map[string]any{
		"lat_a": 1.0, "lng_a": 1.0, "timestamp_a": "2026-01-15T10:00:00Z",
		"lat_b": 2.0, "lng_b": 2.0, "timestamp_b": "2026-01-15T11:00:00Z",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "user_id is required")
}

func TestHandleVerifyLocation_BadTimestamp(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("API should not be called")
	}))
	defer cleanup()

	result, err := h.HandleVerifyLocation(context.Background(), makeRequest(map[string]any{
		"user_id": "user_1",
		"lat_a":   1.0, "lng_a": 1.0, "timestamp_a": "yesterday",
		"lat_b": 2.0, "lng_b": 2.0, "timestamp_b": "2026-01-15T11:00:00Z",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "RFC 3339")
}

func TestHandleVerifyLocation_Plausible(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"user_id":               "user_9",
			"is_possible":           true,
			"distance_km":           22.24,
			"time_difference_hours": 2.0,
			"implied_velocity_kmh":  11.12,
			"confidence":            0.99,
			"travel_mode_estimate":  "ground",
		})
	}))
	defer cleanup()

	result, err := h.HandleVerifyLocation(context.Background(), makeRequest(map[string]any{
		"user_id": "user_9",
		"lat_a":   40.0, "lng_a": -74.0, "timestamp_a": "2026-01-15T10:00:00Z",
		"lat_b": 40.2, "lng_b": -74.0, "timestamp_b": "2026-01-15T12:00:00Z",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "PLAUSIBLE")
	assert.Contains(t, text, "travel mode: ground")
	assert.Contains(t, text, "Confidence: 99%")
}

// ============================================================
// get_usage
// ============================================================

func TestHandleGetUsage_Success(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/usage", r.URL.Path)
		assert.Equal(t, "7", r.URL.Query().Get("days"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"key_id":      "key_abc123",
			"total_units": 42,
			"total_calls": 15,
			"by_endpoint": map[string]int{
				"/v1/fraud/analyze":         38,
				"/v1/fraud/verify-location": 4,
			},
		})
	}))
	defer cleanup()

	result, err := h.HandleGetUsage(context.Background(), makeRequest(map[string]any{"days": 7}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "key_abc123")
	assert.Contains(t, text, "42 unit(s) across 15 call(s)")
	assert.Contains(t, text, "/v1/fraud/analyze: 38 unit(s)")
}

func TestHandleGetUsage_DefaultsTo30Days(t *testing.T) {
	var gotDays string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotDays = r.URL.Query().Get("days")
		_ = json.NewEncoder(w).Encode(map[string]any{"key_id": "key_x"})
	}))
	defer cleanup()

	result, err := h.HandleGetUsage(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, "30", gotDays)
}

func TestHandleGetUsage_RejectsOutOfRangeDays(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("API should not be called")
	}))
	defer cleanup()

	result, err := h.HandleGetUsage(context.Background(), makeRequest(map[string]any{"days": 1000}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "between 1 and 365")
}

// ============================================================
// Formatting fallback
// ============================================================

func TestFormatJSON_Fallback(t *testing.T) {
	out := formatJSON(json.RawMessage(`{"a":1}`))
	assert.True(t, strings.Contains(out, "\"a\": 1"))

	// Invalid JSON comes back verbatim.
	assert.Equal(t, "not json", formatJSON(json.RawMessage("not json")))
}
