package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: EventFraudAlert, Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventFraudAlert},
	}}

	alertEvent := &Event{Type: EventFraudAlert}
	verifyEvent := &Event{Type: EventVerification}

	if !h.shouldSend(client, alertEvent) {
		t.Error("Should receive fraud_alert events")
	}
	if h.shouldSend(client, verifyEvent) {
		t.Error("Should NOT receive verification events")
	}
}

func TestShouldSend_SeverityFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Severities: []string{"critical"},
	}}

	matching := &Event{
		Type: EventFraudAlert,
		Data: map[string]interface{}{"severity": "critical"},
	}
	notMatching := &Event{
		Type: EventFraudAlert,
		Data: map[string]interface{}{"severity": "medium"},
	}

	if !h.shouldSend(client, matching) {
		t.Error("Should match on severity")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match other severities")
	}
}

func TestShouldSend_MinRiskScoreFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		MinRiskScore: 70,
	}}

	high := &Event{
		Type: EventFraudAlert,
		Data: map[string]interface{}{"risk_score": 85},
	}
	low := &Event{
		Type: EventFraudAlert,
		Data: map[string]interface{}{"risk_score": 30},
	}
	// JSON round-trips land as float64
	highFloat := &Event{
		Type: EventFraudAlert,
		Data: map[string]interface{}{"risk_score": 85.0},
	}

	if !h.shouldSend(client, high) {
		t.Error("Should receive high-score alert")
	}
	if h.shouldSend(client, low) {
		t.Error("Should NOT receive low-score alert")
	}
	if !h.shouldSend(client, highFloat) {
		t.Error("Should handle float64 risk scores")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	event := &Event{Type: EventFraudAlert}
	if !h.shouldSend(client, event) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

func TestShouldSend_NonMapData(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Severities: []string{"critical"},
	}}

	// Event with non-map data should not crash
	event := &Event{
		Type: EventFraudAlert,
		Data: "string data not a map",
	}

	// Severity filter skips non-map data, so event passes through
	if !h.shouldSend(client, event) {
		t.Error("Non-map data should pass through when severity filter can't inspect it")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_BroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Broadcast an event
	h.Broadcast(&Event{Type: EventFraudAlert, Timestamp: time.Now()})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_BroadcastToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(&Event{
		Type:      EventFraudAlert,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"risk_score": 80},
	})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_EmitFraudAlert(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Should not panic
	h.EmitFraudAlert(map[string]interface{}{
		"risk_score": 85, "risk_level": "high",
	})
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants verification events
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []EventType{EventVerification}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Send a fraud alert (should be filtered out)
	h.Broadcast(&Event{Type: EventFraudAlert, Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive fraud_alert event")
	default:
		// Good - filtered out
	}

	// Send a verification event (should be received)
	h.Broadcast(&Event{Type: EventVerification, Timestamp: time.Now()})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive verification event")
	}
}
