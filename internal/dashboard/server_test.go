package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/jermoo/apis/apis-client/internal/engine"
)

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()

	srv := NewServer(0, zerolog.Nop())
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	_, port, err := net.SplitHostPort(srv.Addr())
	if err != nil {
		t.Fatalf("Failed to parse addr %q: %v", srv.Addr(), err)
	}
	return srv, "127.0.0.1:" + port
}

func TestHealthEndpoint(t *testing.T) {
	_, addr := startTestServer(t)

	resp, err := http.Get(fmt.Sprintf("http://%s/health", addr))
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Status  string `json:"status"`
		Clients int    `json:"clients"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode health body: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	if body.Clients != 0 {
		t.Errorf("clients = %d, want 0", body.Clients)
	}
}

func TestStatusEndpointServesLatestSnapshot(t *testing.T) {
	srv, addr := startTestServer(t)

	srv.PublishStatus(engine.Status{Pending: 3, IsOnline: true})

	resp, err := http.Get(fmt.Sprintf("http://%s/status", addr))
	if err != nil {
		t.Fatalf("GET /status failed: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Data engine.Status `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode status body: %v", err)
	}
	if body.Data.Pending != 3 || !body.Data.IsOnline {
		t.Errorf("status = %+v, want the published snapshot", body.Data)
	}
}

func TestWebSocketReceivesSnapshotAndBroadcasts(t *testing.T) {
	srv, addr := startTestServer(t)

	srv.PublishStatus(engine.Status{Pending: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://%s/ws", addr), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// New clients get the current snapshot immediately.
	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeStatus {
		t.Errorf("Type = %q, want status", msg.Type)
	}
	var status engine.Status
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if status.Pending != 1 {
		t.Errorf("Pending = %d, want 1", status.Pending)
	}

	// Updates are pushed as they happen.
	srv.PublishStatus(engine.Status{Pending: 0, Failed: 2})
	msg = readMessage(t, ctx, conn)
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if status.Failed != 2 {
		t.Errorf("Failed = %d, want 2", status.Failed)
	}
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to decode message: %v", err)
	}
	return msg
}
