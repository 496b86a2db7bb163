package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/fireside/internal/config"
	"github.com/antoniostano/fireside/internal/observability"
	"github.com/antoniostano/fireside/internal/protocol"
	"github.com/antoniostano/fireside/internal/store"
)

func testConfig() config.Config {
	return config.Config{
		AuthGracePeriod:   200 * time.Millisecond,
		HeartbeatInterval: time.Second,
		EventQueueCap:     16,
		EventQueueTTL:     time.Hour,
	}
}

func testMetrics(name string) *observability.Metrics {
	return observability.NewMetrics("test_gateway_" + name + "_" + time.Now().Format("150405000000000"))
}

// wsPair upgrades a loopback websocket and returns both ends.
func wsPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	upgraded := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{}
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		upgraded <- c
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	t.Cleanup(func() { client.Close() })

	select {
	case server = <-upgraded:
	case <-time.After(2 * time.Second):
		t.Fatalf("server side websocket never arrived")
	}
	return server, client
}

func saveToken(t *testing.T, st store.Store, token, userID string) {
	t.Helper()
	err := st.SaveToken(context.Background(), store.AuthToken{
		Token:     token,
		UserID:    userID,
		UserName:  "Player",
		ExpiresAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("save token error = %v", err)
	}
}

func TestAuthenticateReplaysQueuedEventsInOrder(t *testing.T) {
	st := store.NewInMemoryStore()
	gw := New(testConfig(), st, testMetrics("replay"))
	saveToken(t, st, "tok-1", "user-1")

	ctx := context.Background()
	for _, content := range []string{"first", "second", "third"} {
		payload, _ := json.Marshal(protocol.Event{
			Type:    protocol.EventMessage,
			Payload: protocol.EventPayload{Content: content},
		})
		if err := st.AppendEvent(ctx, "conn-1", payload, 16); err != nil {
			t.Fatalf("append event error = %v", err)
		}
	}

	server, client := wsPair(t)
	c := gw.Track(server)
	if err := gw.Authenticate(ctx, c, protocol.Auth{Token: "tok-1", ConnectionID: "conn-1"}); err != nil {
		t.Fatalf("authenticate error = %v", err)
	}

	for _, want := range []string{"first", "second", "third"} {
		client.SetReadDeadline(time.Now().Add(2 * time.Second))
		var ev protocol.Event
		if err := client.ReadJSON(&ev); err != nil {
			t.Fatalf("read replayed event: %v", err)
		}
		if ev.Payload.Content != want {
			t.Fatalf("replayed content = %q, want %q", ev.Payload.Content, want)
		}
	}

	queued, err := st.DrainEvents(ctx, "conn-1")
	if err != nil {
		t.Fatalf("drain error = %v", err)
	}
	if len(queued) != 0 {
		t.Fatalf("queue not emptied after replay, %d left", len(queued))
	}
}

func TestAuthenticateRejectsExpiredToken(t *testing.T) {
	st := store.NewInMemoryStore()
	gw := New(testConfig(), st, testMetrics("expired"))
	err := st.SaveToken(context.Background(), store.AuthToken{
		Token:     "tok-old",
		UserID:    "user-1",
		ExpiresAt: time.Now().Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("save token error = %v", err)
	}

	server, _ := wsPair(t)
	c := gw.Track(server)
	err = gw.Authenticate(context.Background(), c, protocol.Auth{Token: "tok-old", ConnectionID: "conn-1"})
	if err != ErrInvalidToken {
		t.Fatalf("authenticate error = %v, want ErrInvalidToken", err)
	}
	if c.Authenticated() {
		t.Fatalf("connection marked authenticated after rejected token")
	}
}

func TestSecondSessionPurgesFirst(t *testing.T) {
	st := store.NewInMemoryStore()
	gw := New(testConfig(), st, testMetrics("purge"))
	saveToken(t, st, "tok-1", "user-1")

	ctx := context.Background()
	serverA, clientA := wsPair(t)
	connA := gw.Track(serverA)
	if err := gw.Authenticate(ctx, connA, protocol.Auth{Token: "tok-1", ConnectionID: "conn-a"}); err != nil {
		t.Fatalf("authenticate A error = %v", err)
	}

	// Park an event for the first connection after it goes silent.
	gw.Detach(connA)
	if err := gw.Send(ctx, "conn-a", protocol.Event{Type: protocol.EventMessage}); err != nil {
		t.Fatalf("send to offline conn error = %v", err)
	}

	serverB, _ := wsPair(t)
	connB := gw.Track(serverB)
	if err := gw.Authenticate(ctx, connB, protocol.Auth{Token: "tok-1", ConnectionID: "conn-b"}); err != nil {
		t.Fatalf("authenticate B error = %v", err)
	}

	queued, err := st.DrainEvents(ctx, "conn-a")
	if err != nil {
		t.Fatalf("drain error = %v", err)
	}
	if len(queued) != 0 {
		t.Fatalf("stale queue survived new session, %d events left", len(queued))
	}
	conns, err := st.ConnectionsForUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("connections error = %v", err)
	}
	if len(conns) != 1 || conns[0] != "conn-b" {
		t.Fatalf("connections = %v, want [conn-b]", conns)
	}

	_ = clientA.Close()
}

func TestSecondSessionClosesFirstSocket(t *testing.T) {
	st := store.NewInMemoryStore()
	gw := New(testConfig(), st, testMetrics("close"))
	saveToken(t, st, "tok-1", "user-1")

	ctx := context.Background()
	serverA, clientA := wsPair(t)
	connA := gw.Track(serverA)
	if err := gw.Authenticate(ctx, connA, protocol.Auth{Token: "tok-1", ConnectionID: "conn-a"}); err != nil {
		t.Fatalf("authenticate A error = %v", err)
	}

	serverB, _ := wsPair(t)
	connB := gw.Track(serverB)
	if err := gw.Authenticate(ctx, connB, protocol.Auth{Token: "tok-1", ConnectionID: "conn-b"}); err != nil {
		t.Fatalf("authenticate B error = %v", err)
	}

	clientA.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := clientA.ReadMessage(); err == nil {
		t.Fatalf("first socket still readable after second session authenticated")
	}
	if gw.IsLive("conn-a") {
		t.Fatalf("first connection still registered as live")
	}
	if !gw.IsLive("conn-b") {
		t.Fatalf("second connection not registered as live")
	}
}

func TestSendDeliversLiveAndQueuesOffline(t *testing.T) {
	st := store.NewInMemoryStore()
	gw := New(testConfig(), st, testMetrics("send"))
	saveToken(t, st, "tok-1", "user-1")

	ctx := context.Background()
	server, client := wsPair(t)
	c := gw.Track(server)
	if err := gw.Authenticate(ctx, c, protocol.Auth{Token: "tok-1", ConnectionID: "conn-1"}); err != nil {
		t.Fatalf("authenticate error = %v", err)
	}

	if err := gw.Send(ctx, "conn-1", protocol.Event{
		Type:    protocol.EventMessage,
		Payload: protocol.EventPayload{Content: "live"},
	}); err != nil {
		t.Fatalf("send live error = %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev protocol.Event
	if err := client.ReadJSON(&ev); err != nil {
		t.Fatalf("read live event: %v", err)
	}
	if ev.Payload.Content != "live" {
		t.Fatalf("live content = %q, want %q", ev.Payload.Content, "live")
	}

	gw.Detach(c)
	if err := gw.Send(ctx, "conn-1", protocol.Event{
		Type:    protocol.EventMessage,
		Payload: protocol.EventPayload{Content: "parked"},
	}); err != nil {
		t.Fatalf("send offline error = %v", err)
	}

	queued, err := st.DrainEvents(ctx, "conn-1")
	if err != nil {
		t.Fatalf("drain error = %v", err)
	}
	if len(queued) != 1 {
		t.Fatalf("queued events = %d, want 1", len(queued))
	}
	var parked protocol.Event
	if err := json.Unmarshal(queued[0], &parked); err != nil {
		t.Fatalf("unmarshal queued event: %v", err)
	}
	if parked.Payload.Content != "parked" {
		t.Fatalf("queued content = %q, want %q", parked.Payload.Content, "parked")
	}
}

// drainRaceStore parks one extra event right after the first drain returns,
// standing in for a Send that slips in between replay and registration.
type drainRaceStore struct {
	store.Store
	mu       sync.Mutex
	injected bool
	late     []byte
}

func (s *drainRaceStore) DrainEvents(ctx context.Context, connectionID string) ([][]byte, error) {
	events, err := s.Store.DrainEvents(ctx, connectionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.injected {
		s.injected = true
		_ = s.Store.AppendEvent(ctx, connectionID, s.late, 16)
	}
	return events, err
}

func TestAuthenticateDeliversEventsQueuedDuringReplay(t *testing.T) {
	ctx := context.Background()
	inner := store.NewInMemoryStore()

	late, _ := json.Marshal(protocol.Event{
		Type:    protocol.EventMessage,
		Payload: protocol.EventPayload{Content: "late"},
	})
	st := &drainRaceStore{Store: inner, late: late}

	gw := New(testConfig(), st, testMetrics("drainrace"))
	saveToken(t, inner, "tok-1", "user-1")

	early, _ := json.Marshal(protocol.Event{
		Type:    protocol.EventMessage,
		Payload: protocol.EventPayload{Content: "early"},
	})
	if err := inner.AppendEvent(ctx, "conn-1", early, 16); err != nil {
		t.Fatalf("append event error = %v", err)
	}

	server, client := wsPair(t)
	c := gw.Track(server)
	if err := gw.Authenticate(ctx, c, protocol.Auth{Token: "tok-1", ConnectionID: "conn-1"}); err != nil {
		t.Fatalf("authenticate error = %v", err)
	}

	for _, want := range []string{"early", "late"} {
		client.SetReadDeadline(time.Now().Add(2 * time.Second))
		var ev protocol.Event
		if err := client.ReadJSON(&ev); err != nil {
			t.Fatalf("read %q event: %v", want, err)
		}
		if ev.Payload.Content != want {
			t.Fatalf("content = %q, want %q", ev.Payload.Content, want)
		}
	}

	queued, err := inner.DrainEvents(ctx, "conn-1")
	if err != nil {
		t.Fatalf("drain error = %v", err)
	}
	if len(queued) != 0 {
		t.Fatalf("%d events still parked on a live connection", len(queued))
	}
}

func TestUnauthenticatedConnectionClosedAfterGrace(t *testing.T) {
	st := store.NewInMemoryStore()
	gw := New(testConfig(), st, testMetrics("grace"))

	server, client := wsPair(t)
	_ = gw.Track(server)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := client.ReadMessage(); err == nil {
		t.Fatalf("socket still open past auth grace period")
	}
}
