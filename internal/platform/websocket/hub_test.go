package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Hub tests
// ---------------------------------------------------------------------------

func TestHub_RegisterAndUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newClient()
	hub.register(c, []string{BatchTopic("b1"), ""})

	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}
	if hub.TopicCount("batch.b1") != 1 {
		t.Fatalf("expected 1 subscriber on batch.b1, got %d", hub.TopicCount("batch.b1"))
	}

	hub.unregister(c)
	if hub.ClientCount() != 0 || hub.TopicCount("batch.b1") != 0 {
		t.Fatal("expected client and topic to be removed")
	}
	if _, ok := <-c.send; ok {
		t.Error("expected send channel to be closed")
	}

	// second unregister is a no-op
	hub.unregister(c)
}

func TestHub_PublishOnlyToTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	a, b := newClient(), newClient()
	hub.register(a, []string{BatchTopic("b1")})
	hub.register(b, []string{TopicConnectivity})

	if err := hub.Publish(BatchTopic("b1"), "progress", map[string]int{"processed": 3}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case raw := <-a.send:
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			t.Fatalf("bad event: %v", err)
		}
		if ev.Type != "progress" || ev.Topic != "batch.b1" || string(ev.Data) != `{"processed":3}` {
			t.Errorf("unexpected event %+v", ev)
		}
	default:
		t.Fatal("expected subscriber to receive the event")
	}
	select {
	case <-b.send:
		t.Error("client on another topic should not receive the event")
	default:
	}
}

func TestHub_PublishDropsWhenBufferFull(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newClient()
	hub.register(c, []string{TopicConnectivity})

	for i := 0; i < sendBuffer+10; i++ {
		if err := hub.Publish(TopicConnectivity, "mode-change", i); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	if len(c.send) != sendBuffer {
		t.Errorf("expected buffer to hold %d events, got %d", sendBuffer, len(c.send))
	}
}

func TestHub_PublishUnmarshalable(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	if err := hub.Publish("x", "bad", make(chan int)); err == nil {
		t.Fatal("expected marshal error")
	}
}

func TestHub_SubscribeUnsubscribe(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newClient()
	hub.register(c, nil)

	hub.handle(c, ClientMessage{Action: "subscribe", Topics: []string{"batch.a", "batch.b"}})
	if hub.TopicCount("batch.a") != 1 || hub.TopicCount("batch.b") != 1 {
		t.Fatal("expected subscriptions to be added")
	}
	hub.handle(c, ClientMessage{Action: "unsubscribe", Topics: []string{"batch.a"}})
	if hub.TopicCount("batch.a") != 0 || hub.TopicCount("batch.b") != 1 {
		t.Fatal("expected only batch.a to be removed")
	}
	hub.handle(c, ClientMessage{Action: "unknown", Topics: []string{"batch.c"}})
	if hub.TopicCount("batch.c") != 0 {
		t.Error("unknown action should be ignored")
	}
}

func TestHub_ConcurrentPublishAndUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		c := newClient()
		hub.register(c, []string{TopicConnectivity})
		go func() {
			defer wg.Done()
			_ = hub.Publish(TopicConnectivity, "mode-change", "offline")
		}()
		go func() {
			defer wg.Done()
			hub.unregister(c)
		}()
	}
	wg.Wait()
	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}
}

// ---------------------------------------------------------------------------
// Handler tests
// ---------------------------------------------------------------------------

func TestHandler_RequiresUpgrade(t *testing.T) {
	e := echo.New()
	NewHandler(NewHub(zerolog.Nop())).RegisterRoutes(e.Group("/api"))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/ws", nil))
	if rec.Code == http.StatusSwitchingProtocols {
		t.Fatal("plain GET should not be upgraded")
	}
}

func TestHandler_StreamsSubscribedTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	e := echo.New()
	NewHandler(hub).RegisterRoutes(e.Group("/api"))

	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/ws?topics=batch.b1"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	// registration happens in the handler goroutine
	deadline := time.Now().Add(2 * time.Second)
	for hub.TopicCount("batch.b1") != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client was not registered on batch.b1")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := conn.WriteJSON(ClientMessage{Action: "subscribe", Topics: []string{TopicConnectivity}}); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}
	for hub.TopicCount(TopicConnectivity) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("subscribe message was not applied")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := hub.Publish(BatchTopic("b1"), "progress", map[string]string{"state": "completed"}); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	if ev.Type != "progress" || ev.Topic != "batch.b1" {
		t.Errorf("unexpected event %+v", ev)
	}
}
