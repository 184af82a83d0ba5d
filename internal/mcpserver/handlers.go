package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *FraudscanClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *FraudscanClient) *Handlers {
	return &Handlers{client: client}
}

// HandleAnalyzeTransactions implements the analyze_transactions tool.
func (h *Handlers) HandleAnalyzeTransactions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	txs, ok := args["transactions"].([]any)
	if !ok || len(txs) == 0 {
		return mcp.NewToolResultError("transactions must be a non-empty array"), nil
	}
	timeframe := req.GetFloat("timeframe_hours", 0)

	raw, err := h.client.AnalyzeTransactions(ctx, txs, timeframe)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Analysis failed: %v", err)), nil
	}

	text, err := formatAnalysis(raw)
	if err != nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleVerifyLocation implements the verify_location tool.
func (h *Handlers) HandleVerifyLocation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	tsA := req.GetString("timestamp_a", "")
	tsB := req.GetString("timestamp_b", "")
	if tsA == "" || tsB == "" {
		return mcp.NewToolResultError("timestamp_a and timestamp_b are required"), nil
	}
	for name, ts := range map[string]string{"timestamp_a": tsA, "timestamp_b": tsB} {
		if _, err := time.Parse(time.RFC3339, ts); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("%s must be RFC 3339 (e.g. '2026-01-15T10:00:00Z')", name)), nil
		}
	}

	locA := map[string]any{
		"lat":       req.GetFloat("lat_a", 0),
		"lng":       req.GetFloat("lng_a", 0),
		"timestamp": tsA,
	}
	locB := map[string]any{
		"lat":       req.GetFloat("lat_b", 0),
		"lng":       req.GetFloat("lng_b", 0),
		"timestamp": tsB,
	}

	raw, err := h.client.VerifyLocation(ctx, userID, locA, locB)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Verification failed: %v", err)), nil
	}

	text, err := formatVerification(raw)
	if err != nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetUsage implements the get_usage tool.
func (h *Handlers) HandleGetUsage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	days := req.GetInt("days", 30)
	if days < 1 || days > 365 {
		return mcp.NewToolResultError("days must be between 1 and 365"), nil
	}

	raw, err := h.client.GetUsage(ctx, days)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch usage: %v", err)), nil
	}

	text, err := formatUsage(raw, days)
	if err != nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- Response formatting ---

type analysisResponse struct {
	RiskScore int    `json:"risk_score"`
	RiskLevel string `json:"risk_level"`
	Alerts    []struct {
		Type           string   `json:"type"`
		Severity       string   `json:"severity"`
		Description    string   `json:"description"`
		TransactionIDs []string `json:"transaction_ids"`
	} `json:"alerts"`
	PatternsDetected     []string `json:"patterns_detected"`
	TransactionsAnalyzed int      `json:"transactions_analyzed"`
}

func formatAnalysis(raw json.RawMessage) (string, error) {
	var res analysisResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Fraud analysis of %d transaction(s):\n\n", res.TransactionsAnalyzed)
	fmt.Fprintf(&b, "Risk score: %d/100 (%s)\n", res.RiskScore, res.RiskLevel)

	if len(res.Alerts) == 0 {
		b.WriteString("No fraud indicators detected.\n")
		return b.String(), nil
	}

	fmt.Fprintf(&b, "Patterns detected: %s\n\n", strings.Join(res.PatternsDetected, ", "))
	for i, a := range res.Alerts {
		fmt.Fprintf(&b, "%d. [%s] %s: %s\n", i+1, strings.ToUpper(a.Severity), a.Type, a.Description)
		if len(a.TransactionIDs) > 0 {
			fmt.Fprintf(&b, "   Transactions: %s\n", strings.Join(a.TransactionIDs, ", "))
		}
	}
	return b.String(), nil
}

type verificationResponse struct {
	UserID              string  `json:"user_id"`
	IsPossible          bool    `json:"is_possible"`
	DistanceKm          float64 `json:"distance_km"`
	TimeDifferenceHours float64 `json:"time_difference_hours"`
	ImpliedVelocityKmh  float64 `json:"implied_velocity_kmh"`
	Confidence          float64 `json:"confidence"`
	TravelModeEstimate  string  `json:"travel_mode_estimate"`
}

func formatVerification(raw json.RawMessage) (string, error) {
	var res verificationResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", err
	}

	verdict := "PLAUSIBLE"
	if !res.IsPossible {
		verdict = "IMPOSSIBLE"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Location verification for user %s: %s\n\n", res.UserID, verdict)
	fmt.Fprintf(&b, "Distance: %.2f km over %.2f hours\n", res.DistanceKm, res.TimeDifferenceHours)
	fmt.Fprintf(&b, "Implied velocity: %.2f km/h (travel mode: %s)\n", res.ImpliedVelocityKmh, res.TravelModeEstimate)
	fmt.Fprintf(&b, "Confidence: %.0f%%\n", res.Confidence*100)
	return b.String(), nil
}

type usageResponse struct {
	KeyID      string         `json:"key_id"`
	TotalUnits int            `json:"total_units"`
	TotalCalls int            `json:"total_calls"`
	ByEndpoint map[string]int `json:"by_endpoint"`
}

func formatUsage(raw json.RawMessage, days int) (string, error) {
	var res usageResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Usage for key %s over the last %d day(s):\n\n", res.KeyID, days)
	fmt.Fprintf(&b, "Total: %d unit(s) across %d call(s)\n", res.TotalUnits, res.TotalCalls)
	if len(res.ByEndpoint) > 0 {
		b.WriteString("\nBy endpoint:\n")
		for endpoint, units := range res.ByEndpoint {
			fmt.Fprintf(&b, "  %s: %d unit(s)\n", endpoint, units)
		}
	}
	return b.String(), nil
}

// formatJSON pretty-prints a raw response, used as a fallback when the
// structured formatters can't parse it.
func formatJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
