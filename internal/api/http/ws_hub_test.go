package apihttp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"davstream/internal/engine"
)

// ---- helpers ----

// startTestHub creates a hub and runs it in a background goroutine.
// For unit tests with fake (nil-conn) clients, we do NOT auto-close since
// hub.Close() tries to write a close frame to each client's conn. Instead,
// each test that registers fake clients must unregister them before the hub
// is stopped, or simply let the goroutine leak (short-lived test process).
func startTestHub(t *testing.T) *wsHub {
	t.Helper()
	hub := newWSHub(testLogger())
	go hub.run()
	return hub
}

// unregisterAll sends unregister for each client and waits briefly.
func unregisterAll(hub *wsHub, clients ...*wsClient) {
	for _, c := range clients {
		hub.unregister <- c
	}
	time.Sleep(20 * time.Millisecond)
}

// dialWS upgrades an httptest.Server to a WebSocket connection.
func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	resp.Body.Close()
	return conn
}

// readWSMessage reads and decodes a single wsMessage from the connection
// with a timeout.
func readWSMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) wsMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read ws message: %v", err)
	}
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal ws message: %v (raw: %s)", err, data)
	}
	return msg
}

// makeWSServer creates a Server suitable for WebSocket testing. The
// origin target is never dialed by these tests.
func makeWSServer() *Server {
	target, _ := url.Parse("http://origin.invalid/webdav")
	eng := engine.New(engine.Config{Logger: testLogger()})
	return NewServer(eng, target, WithLogger(testLogger()))
}

// waitForClients polls the hub until the expected number of clients is
// registered, failing the test on timeout.
func waitForClients(t *testing.T, hub *wsHub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.clientCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("clients = %d, want %d", hub.clientCount(), want)
}

// ---- wsHub unit tests ----

func TestNewWSHub_Initialization(t *testing.T) {
	hub := newWSHub(testLogger())
	if hub == nil {
		t.Fatal("newWSHub returned nil")
	}
	if hub.clients == nil {
		t.Fatal("clients map is nil")
	}
	if len(hub.clients) != 0 {
		t.Fatalf("clients map should be empty, got %d", len(hub.clients))
	}
	if hub.broadcast == nil {
		t.Fatal("broadcast channel is nil")
	}
	if hub.register == nil {
		t.Fatal("register channel is nil")
	}
	if hub.unregister == nil {
		t.Fatal("unregister channel is nil")
	}
	if hub.done == nil {
		t.Fatal("done channel is nil")
	}
	if hub.logger == nil {
		t.Fatal("logger is nil")
	}
}

func TestWSHub_ClientCount_Empty(t *testing.T) {
	hub := newWSHub(testLogger())
	if hub.clientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.clientCount())
	}
}

func TestWSHub_RegisterClient(t *testing.T) {
	hub := startTestHub(t)

	client := &wsClient{
		hub:  hub,
		send: make(chan []byte, 256),
	}
	hub.register <- client

	waitForClients(t, hub, 1)
	unregisterAll(hub, client)
}

func TestWSHub_UnregisterClient(t *testing.T) {
	hub := startTestHub(t)

	client := &wsClient{
		hub:  hub,
		send: make(chan []byte, 256),
	}
	hub.register <- client
	waitForClients(t, hub, 1)

	hub.unregister <- client
	waitForClients(t, hub, 0)

	// The hub closes the send channel on unregister.
	select {
	case _, ok := <-client.send:
		if ok {
			t.Fatal("expected send channel to be closed, got message")
		}
	case <-time.After(time.Second):
		t.Fatal("send channel not closed after unregister")
	}
}

func TestWSHub_UnregisterUnknownClient(t *testing.T) {
	hub := startTestHub(t)

	unknown := &wsClient{
		hub:  hub,
		send: make(chan []byte, 256),
	}

	// Should not panic or break anything
	hub.unregister <- unknown
	time.Sleep(20 * time.Millisecond)

	if hub.clientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.clientCount())
	}
}

func TestWSHub_BroadcastToClients(t *testing.T) {
	hub := startTestHub(t)

	c1 := &wsClient{hub: hub, send: make(chan []byte, 256)}
	c2 := &wsClient{hub: hub, send: make(chan []byte, 256)}
	c3 := &wsClient{hub: hub, send: make(chan []byte, 256)}

	hub.register <- c1
	hub.register <- c2
	hub.register <- c3
	waitForClients(t, hub, 3)

	hub.Broadcast("stats", map[string]string{"hello": "world"})
	time.Sleep(20 * time.Millisecond)

	for i, c := range []*wsClient{c1, c2, c3} {
		select {
		case got := <-c.send:
			var m wsMessage
			if err := json.Unmarshal(got, &m); err != nil {
				t.Fatalf("client %d: unmarshal: %v", i, err)
			}
			if m.Type != "stats" {
				t.Fatalf("client %d: type = %q, want stats", i, m.Type)
			}
		default:
			t.Fatalf("client %d: no message received", i)
		}
	}
	unregisterAll(hub, c1, c2, c3)
}

func TestWSHub_BroadcastDropsSlowClient(t *testing.T) {
	hub := startTestHub(t)

	// Create a client with a tiny buffer that will fill up
	slow := &wsClient{hub: hub, send: make(chan []byte, 1)}
	hub.register <- slow
	waitForClients(t, hub, 1)

	// Fill the client's send buffer
	slow.send <- []byte("fill")

	// Now broadcast: the slow client's buffer is full, it should be dropped
	hub.Broadcast("stats", "x")
	waitForClients(t, hub, 0)
}

func TestWSHub_Broadcast_NoClients(t *testing.T) {
	hub := startTestHub(t)

	// Should not panic or block
	hub.Broadcast("stats", map[string]string{"status": "ok"})
}

func TestWSHub_Broadcast_MarshalFailure(t *testing.T) {
	hub := startTestHub(t)

	client := &wsClient{hub: hub, send: make(chan []byte, 256)}
	hub.register <- client
	waitForClients(t, hub, 1)

	// channels cannot be marshaled to JSON
	hub.Broadcast("bad", make(chan int))
	time.Sleep(20 * time.Millisecond)

	// Client should not receive anything since marshal failed
	select {
	case <-client.send:
		t.Fatal("should not receive message when marshal fails")
	default:
		// expected
	}
	unregisterAll(hub, client)
}

func TestWSHub_Close_DisconnectsClients(t *testing.T) {
	// Use real WebSocket connections so hub.Close() can write close frames.
	s := makeWSServer()
	srv := httptest.NewServer(s)
	defer srv.Close()

	c1 := dialWS(t, srv)
	c2 := dialWS(t, srv)
	waitForClients(t, s.wsHub, 2)

	s.Close()

	// Both clients should get a close/error on next read
	_ = c1.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := c1.ReadMessage(); err == nil {
		t.Fatal("c1: expected error after hub close")
	}

	_ = c2.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := c2.ReadMessage(); err == nil {
		t.Fatal("c2: expected error after hub close")
	}
	c1.Close()
	c2.Close()
}

func TestWSHub_MultipleRegisterUnregister(t *testing.T) {
	hub := startTestHub(t)

	clients := make([]*wsClient, 5)
	for i := range clients {
		clients[i] = &wsClient{hub: hub, send: make(chan []byte, 256)}
		hub.register <- clients[i]
	}
	waitForClients(t, hub, 5)

	// Unregister first 3
	for i := 0; i < 3; i++ {
		hub.unregister <- clients[i]
	}
	waitForClients(t, hub, 2)

	// Clean up remaining
	unregisterAll(hub, clients[3], clients[4])
}

// ---- WebSocket HTTP handler integration tests ----

func TestHandleWS_UpgradeSucceeds(t *testing.T) {
	srv := httptest.NewServer(makeWSServer())
	defer srv.Close()

	conn := dialWS(t, srv)
	defer conn.Close()

	// Connection should be open: send a message to verify
	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestHandleWS_StatsBroadcastReachesClient(t *testing.T) {
	s := makeWSServer()
	srv := httptest.NewServer(s)
	defer srv.Close()

	conn := dialWS(t, srv)
	defer conn.Close()
	waitForClients(t, s.wsHub, 1)

	s.BroadcastStats()

	msg := readWSMessage(t, conn, 2*time.Second)
	if msg.Type != "stats" {
		t.Fatalf("type = %q, want stats", msg.Type)
	}
	snap, ok := msg.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("data is not an object: %T", msg.Data)
	}
	if _, ok := snap["totalRequests"]; !ok {
		t.Fatal("snapshot missing totalRequests")
	}
	if _, ok := snap["cache"]; !ok {
		t.Fatal("snapshot missing cache counts")
	}
}

func TestHandleWS_MultipleConcurrentClients(t *testing.T) {
	s := makeWSServer()
	srv := httptest.NewServer(s)
	defer srv.Close()

	const numClients = 3
	conns := make([]*websocket.Conn, numClients)
	for i := range conns {
		conns[i] = dialWS(t, srv)
		defer conns[i].Close()
	}
	waitForClients(t, s.wsHub, numClients)

	s.BroadcastStats()

	// All clients should receive the message
	for i, conn := range conns {
		msg := readWSMessage(t, conn, 2*time.Second)
		if msg.Type != "stats" {
			t.Fatalf("client %d: type = %q, want stats", i, msg.Type)
		}
	}
}

func TestHandleWS_ClientDisconnect(t *testing.T) {
	s := makeWSServer()
	srv := httptest.NewServer(s)
	defer srv.Close()

	conn := dialWS(t, srv)
	waitForClients(t, s.wsHub, 1)

	// Close client, then wait for the readPump to unregister it
	conn.Close()
	waitForClients(t, s.wsHub, 0)

	// Server should still work: broadcasting must not panic
	s.BroadcastStats()
}

func TestHandleWS_NonWSRequest(t *testing.T) {
	s := makeWSServer()

	// Regular HTTP request to /ws should fail the upgrade
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	s.ServeHTTP(rec, req)

	// Gorilla websocket returns 400 for non-upgrade requests
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleWS_PingPong(t *testing.T) {
	srv := httptest.NewServer(makeWSServer())
	defer srv.Close()

	conn := dialWS(t, srv)
	defer conn.Close()

	// Set up pong handler to track receipt
	pongReceived := make(chan struct{}, 1)
	conn.SetPongHandler(func(string) error {
		select {
		case pongReceived <- struct{}{}:
		default:
		}
		return nil
	})

	// Send a ping; the server's default handler answers with a pong
	if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	// Read in a goroutine to process control frames
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pongReceived:
		// success
	case <-time.After(2 * time.Second):
		t.Fatal("pong not received within timeout")
	}
}

func TestServer_BroadcastStats_NilHub(t *testing.T) {
	// A zero Server has no hub; broadcasting must not panic.
	s := &Server{}
	s.BroadcastStats()
}

func TestServer_BroadcastStats_NoClients(t *testing.T) {
	s := makeWSServer()

	// No clients connected: the snapshot is skipped entirely.
	s.BroadcastStats()
}

func TestServer_Close_WithHub(t *testing.T) {
	s := makeWSServer()
	srv := httptest.NewServer(s)
	defer srv.Close()

	conn := dialWS(t, srv)
	waitForClients(t, s.wsHub, 1)

	s.Close()

	// Client should receive close or error on next read
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected error after server close")
	}
	conn.Close()
}

func TestHandleWS_ConcurrentBroadcasts(t *testing.T) {
	s := makeWSServer()
	srv := httptest.NewServer(s)
	defer srv.Close()

	conn := dialWS(t, srv)
	defer conn.Close()
	waitForClients(t, s.wsHub, 1)

	// Send multiple broadcasts concurrently
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.BroadcastStats()
		}()
	}
	wg.Wait()

	// Read all messages; some may be coalesced, but at least one arrives
	received := 0
	for {
		_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
		received++
	}

	if received == 0 {
		t.Fatal("expected at least one broadcast message")
	}
}
