package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dalejefferson/CodingIDE-sub002/internal/broadcast"
	"github.com/dalejefferson/CodingIDE-sub002/pkg/protocol"
)

func dialEvents(t *testing.T, srv *httptest.Server, query string, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitSubscribers(t *testing.T, hub *broadcast.Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() != n {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers = %d, want %d", hub.Subscribers(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEventsStream(t *testing.T) {
	hub := broadcast.NewHub(nil)
	api := NewServer(newMockBoard(), hub, Config{Key: "secret"}, nil, nil)
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	conn := dialEvents(t, srv, "", http.Header{"Authorization": {"Bearer secret"}})
	waitSubscribers(t, hub, 1)

	hub.Publish(protocol.Event{Type: protocol.EventTicketStatusChanged, TicketID: "t1",
		Ticket: &protocol.Ticket{ID: "t1", Status: protocol.StatusUpNext}})
	hub.Publish(protocol.Event{Type: protocol.EventRunStatusChanged, TicketID: "t2",
		Run: &protocol.RunStatus{TicketID: "t2", Alive: true, IterationCount: 3}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first, second protocol.Event
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("read: %v", err)
	}
	if first.Type != protocol.EventTicketStatusChanged || first.Ticket.Status != protocol.StatusUpNext {
		t.Errorf("first = %+v", first)
	}
	if second.Run == nil || second.Run.IterationCount != 3 {
		t.Errorf("second = %+v", second)
	}

	conn.Close()
	waitSubscribers(t, hub, 0)
}

func TestEventsTicketFilter(t *testing.T) {
	hub := broadcast.NewHub(nil)
	srv := httptest.NewServer(NewServer(newMockBoard(), hub, Config{}, nil, nil).Handler())
	defer srv.Close()

	conn := dialEvents(t, srv, "?ticket=t2", nil)
	waitSubscribers(t, hub, 1)

	hub.Publish(protocol.Event{Type: protocol.EventTicketUpdated, TicketID: "t1"})
	hub.Publish(protocol.Event{Type: protocol.EventTicketUpdated, TicketID: "t2"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var e protocol.Event
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatalf("read: %v", err)
	}
	if e.TicketID != "t2" {
		t.Errorf("got event for %s, want only t2", e.TicketID)
	}
}

func TestEventsRequiresAuth(t *testing.T) {
	hub := broadcast.NewHub(nil)
	srv := httptest.NewServer(NewServer(newMockBoard(), hub, Config{Key: "secret"}, nil, nil).Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("resp = %+v", resp)
	}

	// Browsers pass the key as a query parameter.
	dialEvents(t, srv, "?token=secret", nil)
	waitSubscribers(t, hub, 1)
}

func TestEventsShutdownClosesStream(t *testing.T) {
	hub := broadcast.NewHub(nil)
	api := NewServer(newMockBoard(), hub, Config{}, nil, nil)
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	conn := dialEvents(t, srv, "", nil)
	waitSubscribers(t, hub, 1)

	close(api.closing)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("expected going-away close, got %v", err)
	}
	waitSubscribers(t, hub, 0)
}

func TestEventsUnavailableWithoutSource(t *testing.T) {
	w := do(t, newTestServer(newMockBoard(), ""), "GET", "/api/events", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", w.Code)
	}
}
