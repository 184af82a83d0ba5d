package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the Fraudscan API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // API key, e.g. "sk_..."
}

// FraudscanClient is a pure HTTP client for the Fraudscan API.
type FraudscanClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewFraudscanClient creates a new client for the Fraudscan API.
func NewFraudscanClient(cfg Config) *FraudscanClient {
	return &FraudscanClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *FraudscanClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil {
			if apiErr.Message != "" {
				return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
			}
			if apiErr.Error != "" {
				return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Error)
			}
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// AnalyzeTransactions submits a batch of transactions for fraud analysis.
// Transactions is passed through untouched so the LLM's JSON reaches the API
// as-is; the API does its own validation.
func (c *FraudscanClient) AnalyzeTransactions(ctx context.Context, transactions any, timeframeHours float64) (json.RawMessage, error) {
	body := map[string]any{
		"transactions": transactions,
	}
	if timeframeHours > 0 {
		body["timeframe_hours"] = timeframeHours
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/fraud/analyze", nil, body)
}

// VerifyLocation checks whether travel between two located points is
// physically plausible for the given user.
func (c *FraudscanClient) VerifyLocation(ctx context.Context, userID string, locationA, locationB map[string]any) (json.RawMessage, error) {
	body := map[string]any{
		"user_id":    userID,
		"location_a": locationA,
		"location_b": locationB,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/fraud/verify-location", nil, body)
}

// GetUsage returns the calling key's billed consumption over the last N days.
func (c *FraudscanClient) GetUsage(ctx context.Context, days int) (json.RawMessage, error) {
	q := url.Values{}
	if days > 0 {
		q.Set("days", strconv.Itoa(days))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/usage", q, nil)
}
