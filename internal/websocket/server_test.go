package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/yegors/flightwatch/internal/tracker"
	"github.com/yegors/flightwatch/pkg/logger"
)

type received struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func startHub(t *testing.T) (*Server, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s := NewServer(logger.Nop())
	go s.Run(ctx)
	srv := httptest.NewServer(http.HandlerFunc(s.HandleConnection))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return s, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) received {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m received
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("read: %v", err)
	}
	return m
}

func waitClients(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("client count = %d, want %d", s.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func event(typ tracker.EventType, dev string) tracker.Event {
	return tracker.Event{ID: uuid.New(), Type: typ, DeviceID: dev, Time: time.Now().UTC()}
}

func TestBroadcastEvent(t *testing.T) {
	s, url := startHub(t)
	conn := dial(t, url)
	waitClients(t, s, 1)

	if err := s.Send(context.Background(), event(tracker.EventFlightLanded, "ABC123")); err != nil {
		t.Fatal(err)
	}

	m := read(t, conn)
	if m.Type != MessageTypeFlightEvent {
		t.Fatalf("type = %s", m.Type)
	}
	var ev tracker.Event
	if err := json.Unmarshal(m.Data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != tracker.EventFlightLanded || ev.DeviceID != "ABC123" {
		t.Errorf("event = %+v", ev)
	}
}

func TestClientFilters(t *testing.T) {
	s, url := startHub(t)
	conn := dial(t, url)
	waitClients(t, s, 1)

	err := conn.WriteJSON(map[string]any{
		"type": MessageTypeFilterUpdate,
		"data": map[string]any{"devices": []string{"WANTED"}, "event_types": []string{"flight_landed"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if m := read(t, conn); m.Type != MessageTypeFilterAck {
		t.Fatalf("type = %s, want ack", m.Type)
	}

	s.Send(context.Background(), event(tracker.EventFlightLanded, "OTHER"))
	s.Send(context.Background(), event(tracker.EventFlightCreated, "WANTED"))
	s.Send(context.Background(), event(tracker.EventFlightLanded, "WANTED"))

	m := read(t, conn)
	var ev tracker.Event
	json.Unmarshal(m.Data, &ev)
	if ev.DeviceID != "WANTED" || ev.Type != tracker.EventFlightLanded {
		t.Errorf("first delivered event = %s %s", ev.DeviceID, ev.Type)
	}
}

func TestInvalidMessageGetsError(t *testing.T) {
	s, url := startHub(t)
	conn := dial(t, url)
	waitClients(t, s, 1)

	conn.WriteMessage(websocket.TextMessage, []byte("not json"))
	if m := read(t, conn); m.Type != MessageTypeError {
		t.Errorf("type = %s, want error", m.Type)
	}
}

func TestMatches(t *testing.T) {
	c := &Client{}
	msg := &Message{DeviceID: "A", EventType: "flight_landed"}
	if !c.Matches(msg) {
		t.Error("no filters should match")
	}

	c.UpdateFilters(&ClientFilters{Devices: map[string]bool{"B": true}})
	if c.Matches(msg) {
		t.Error("device filter should reject A")
	}
	if !c.Matches(&Message{Type: MessageTypeError}) {
		t.Error("untargeted messages always pass")
	}

	c.UpdateFilters(&ClientFilters{EventTypes: map[string]bool{"flight_landed": true}})
	if !c.Matches(msg) {
		t.Error("event type filter should accept flight_landed")
	}
}
