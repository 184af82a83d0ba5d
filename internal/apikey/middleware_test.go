package apikey

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/kestrelhq/fraudscan/internal/fraud"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupMiddlewareTest(t *testing.T) (*Manager, string, *APIKey) {
	t.Helper()
	mgr := NewManager(NewMemoryStore())
	rawKey, key, err := mgr.GenerateKey(context.Background(), "dev_mw", "test-key", TierStarter, nil)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	return mgr, rawKey, key
}

// --- Middleware() ---

func TestMiddlewareValidKeySetsContext(t *testing.T) {
	mgr, rawKey, issued := setupMiddlewareTest(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Request.Header.Set("Authorization", "Bearer "+rawKey)

	Middleware(mgr)(c)

	key, ok := Get(c)
	if !ok {
		t.Fatal("Expected API key to be set in context")
	}
	if key.ID != issued.ID {
		t.Errorf("Expected key ID %s, got %s", issued.ID, key.ID)
	}
	if got := c.GetString(ContextKeyID); got != issued.ID {
		t.Errorf("Expected key_id %s in gin context, got %s", issued.ID, got)
	}
	// The key ID must also flow into the request context for audit trails.
	if got := fraud.KeyIDFromContext(c.Request.Context()); got != issued.ID {
		t.Errorf("Expected key ID in request context, got %q", got)
	}
}

func TestMiddlewareValidKeyViaXAPIKey(t *testing.T) {
	mgr, rawKey, _ := setupMiddlewareTest(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Request.Header.Set("X-API-Key", rawKey)

	Middleware(mgr)(c)

	if !IsAuthenticated(c) {
		t.Error("Expected request to be authenticated via X-API-Key")
	}
}

func TestMiddlewareInvalidKeyPassesThroughUnauthenticated(t *testing.T) {
	mgr, _, _ := setupMiddlewareTest(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Request.Header.Set("Authorization", "Bearer sk_bogus")

	Middleware(mgr)(c)

	if IsAuthenticated(c) {
		t.Error("Expected invalid key to leave request unauthenticated")
	}
	if c.IsAborted() {
		t.Error("Soft middleware must not abort; scope checks reject later")
	}
}

func TestMiddlewareNoKeyPassesThrough(t *testing.T) {
	mgr, _, _ := setupMiddlewareTest(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)

	Middleware(mgr)(c)

	if IsAuthenticated(c) {
		t.Error("Expected anonymous request to stay unauthenticated")
	}
}

// --- RequireScope() ---

func TestRequireScopeRejectsUnauthenticated(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("POST", "/test", nil)

	RequireScope(ScopeFraudRead)(c)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestRequireScopeRejectsMissingScope(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("POST", "/test", nil)
	c.Set(ContextKeyAPIKey, &APIKey{ID: "key_x", Scopes: []string{ScopeUsageRead}})

	RequireScope(ScopeFraudRead)(c)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", w.Code)
	}
}

func TestRequireScopeSuspendedKeyForbidden(t *testing.T) {
	mgr, rawKey, issued := setupMiddlewareTest(t)
	ctx := context.Background()
	if err := mgr.SetSuspended(ctx, issued.ID, "dev_mw", true); err != nil {
		t.Fatalf("SetSuspended failed: %v", err)
	}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("POST", "/test", nil)
	c.Request.Header.Set("Authorization", "Bearer "+rawKey)

	Middleware(mgr)(c)
	if _, ok := Get(c); ok {
		t.Fatal("Suspended key must not authenticate")
	}

	RequireScope(ScopeFraudRead)(c)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for a suspended account, got %d", w.Code)
	}
}

func TestRequireScopeAllowsMatchingScope(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("POST", "/test", nil)
	c.Set(ContextKeyAPIKey, &APIKey{ID: "key_x", Scopes: []string{ScopeFraudRead}})

	RequireScope(ScopeFraudRead)(c)

	if c.IsAborted() {
		t.Error("Expected request with matching scope to pass")
	}
}

// --- RateLimitKey() ---

func TestRateLimitKeyAuthenticated(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Set(ContextKeyAPIKey, &APIKey{ID: "abc123", Tier: TierGrowth})

	key, rpm := RateLimitKey(c)
	if key != "key:abc123" {
		t.Errorf("Expected key:abc123, got %s", key)
	}
	if rpm != Tiers[TierGrowth].RateLimitRPM {
		t.Errorf("Expected growth tier rpm, got %d", rpm)
	}
}

func TestRateLimitKeyAnonymous(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)

	key, rpm := RateLimitKey(c)
	if key != "" || rpm != 0 {
		t.Errorf("Expected empty identity for anonymous request, got %q/%d", key, rpm)
	}
}
