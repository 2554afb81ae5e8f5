package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/bookit/internal/notify"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func TestShouldSend_OnlyOwnUser(t *testing.T) {
	h := testHub()
	client := &Client{userID: "user-1"}

	if !h.shouldSend(client, &Event{UserID: "user-1", Type: notify.PaymentHeld}) {
		t.Error("client should receive its own events")
	}
	if h.shouldSend(client, &Event{UserID: "user-2", Type: notify.PaymentHeld}) {
		t.Error("client should NOT receive another user's events")
	}
}

func TestShouldSend_TypeFilter(t *testing.T) {
	h := testHub()
	client := &Client{userID: "u", sub: Subscription{
		Types: []notify.Type{notify.PaymentHeld, notify.PaymentReleased},
	}}

	if !h.shouldSend(client, &Event{UserID: "u", Type: notify.PaymentReleased}) {
		t.Error("should receive subscribed type")
	}
	if h.shouldSend(client, &Event{UserID: "u", Type: notify.BookingCreated}) {
		t.Error("should NOT receive unsubscribed type")
	}
}

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

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	client := &Client{hub: h, userID: "u", send: make(chan []byte, 256)}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_DeliverRoutesToUser(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	vendor := &Client{hub: h, userID: "vendor-1", send: make(chan []byte, 8)}
	client := &Client{hub: h, userID: "client-1", send: make(chan []byte, 8)}
	h.register <- vendor
	h.register <- client

	err := h.Deliver(ctx, &notify.Notification{
		ID:        "ntf_1",
		UserID:    "vendor-1",
		Type:      notify.PaymentReleased,
		Payload:   map[string]any{"bookingId": "bk-1"},
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	select {
	case msg := <-vendor.send:
		var ev map[string]any
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("bad frame: %v", err)
		}
		if ev["type"] != string(notify.PaymentReleased) {
			t.Errorf("type = %v", ev["type"])
		}
		if _, leaked := ev["UserID"]; leaked {
			t.Error("user id should not be serialized")
		}
	case <-time.After(time.Second):
		t.Fatal("vendor did not receive event")
	}

	select {
	case <-client.send:
		t.Error("client should NOT receive vendor's event")
	case <-time.After(100 * time.Millisecond):
	}
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
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_ServeUserEndToEnd(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeUser(w, r, "user-9")
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for h.Stats()["connectedClients"].(int) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	h.Broadcast(&Event{UserID: "user-9", Type: notify.BookingAccepted, Timestamp: time.Now()})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(msg), string(notify.BookingAccepted)) {
		t.Errorf("unexpected frame %s", msg)
	}
}
