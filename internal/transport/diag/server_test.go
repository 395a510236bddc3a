package diag

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/engine"
)

type fakeSource struct {
	mu sync.Mutex
	d  engine.Diagnostics
}

func (f *fakeSource) Snapshot() engine.Diagnostics {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.d
}

func (f *fakeSource) set(d engine.Diagnostics) {
	f.mu.Lock()
	f.d = d
	f.mu.Unlock()
}

func sample(tick uint64) engine.Diagnostics {
	return engine.Diagnostics{
		Tick:       tick,
		Jobs:       2,
		JobsDirect: 1,
		JobsDrift:  1,
		Nodes: map[string]engine.NodeStatus{
			"overworld@0,64,0": {QueueDepth: 3, LastFailure: "E_FULL", Moved: 70, Level: 1},
		},
	}
}

func get(t *testing.T, s *Server, target, remote string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	s.Register(mux)
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.RemoteAddr = remote
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func TestStatsOmitsNodesUnlessAsked(t *testing.T) {
	s := NewServer(&fakeSource{d: sample(5)}, nil)

	rr := get(t, s, "/v1/diag/stats", "127.0.0.1:40000")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	var d engine.Diagnostics
	if err := json.Unmarshal(rr.Body.Bytes(), &d); err != nil {
		t.Fatal(err)
	}
	if d.Tick != 5 || d.Jobs != 2 || len(d.Nodes) != 0 {
		t.Fatalf("stats=%+v", d)
	}

	rr = get(t, s, "/v1/diag/stats?nodes=1", "127.0.0.1:40000")
	d = engine.Diagnostics{}
	if err := json.Unmarshal(rr.Body.Bytes(), &d); err != nil {
		t.Fatal(err)
	}
	if len(d.Nodes) != 1 {
		t.Fatalf("nodes=%v", d.Nodes)
	}
}

func TestNodeLookup(t *testing.T) {
	s := NewServer(&fakeSource{d: sample(5)}, nil)

	rr := get(t, s, "/v1/diag/node?key=overworld@0,64,0", "[::1]:40000")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var got struct {
		Key         string `json:"key"`
		QueueDepth  int    `json:"queue_depth"`
		LastFailure string `json:"last_failure"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Key != "overworld@0,64,0" || got.QueueDepth != 3 || got.LastFailure != "E_FULL" {
		t.Fatalf("node=%+v", got)
	}

	if rr := get(t, s, "/v1/diag/node?key=overworld@9,64,0", "127.0.0.1:1"); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown node status=%d", rr.Code)
	}
	if rr := get(t, s, "/v1/diag/node?key=nonsense", "127.0.0.1:1"); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad key status=%d", rr.Code)
	}
}

func TestRejectsRemoteClients(t *testing.T) {
	s := NewServer(&fakeSource{}, nil)
	for _, target := range []string{"/v1/diag/stats", "/v1/diag/node?key=overworld@0,64,0", "/v1/diag/ws"} {
		if rr := get(t, s, target, "10.1.2.3:5000"); rr.Code != http.StatusForbidden {
			t.Fatalf("%s status=%d want 403", target, rr.Code)
		}
	}
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/diag/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read: %v", err)
	}
	return f
}

func TestWebsocketFeed(t *testing.T) {
	src := &fakeSource{d: sample(1)}
	s := NewServer(src, nil)
	mux := http.NewServeMux()
	s.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn := dial(t, srv)
	if err := conn.WriteJSON(SubscribeMsg{Type: "SUBSCRIBE", ProtocolVersion: Version, EveryTicks: 2}); err != nil {
		t.Fatal(err)
	}
	f := readFrame(t, conn)
	if f.Type != "DIAG" || f.Diag.Tick != 1 || f.Diag.Nodes != nil {
		t.Fatalf("first frame=%+v", f)
	}
	if s.Sessions() != 1 {
		t.Fatalf("sessions=%d", s.Sessions())
	}

	s.Publish(sample(3))
	s.Publish(sample(4))
	f = readFrame(t, conn)
	if f.Diag.Tick != 4 {
		t.Fatalf("tick=%d want 4 (odd ticks are thinned out)", f.Diag.Tick)
	}
}

func TestWebsocketLatestWins(t *testing.T) {
	s := NewServer(&fakeSource{d: sample(1)}, nil)
	mux := http.NewServeMux()
	s.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn := dial(t, srv)
	if err := conn.WriteJSON(SubscribeMsg{Type: "SUBSCRIBE", ProtocolVersion: Version, IncludeNodes: true}); err != nil {
		t.Fatal(err)
	}
	readFrame(t, conn)

	for tick := uint64(2); tick <= 50; tick++ {
		s.Publish(sample(tick))
	}
	var last Frame
	for last.Diag.Tick != 50 {
		last = readFrame(t, conn)
	}
	if len(last.Diag.Nodes) != 1 {
		t.Fatalf("nodes=%v", last.Diag.Nodes)
	}
}

func TestWebsocketRejectsBadHandshake(t *testing.T) {
	s := NewServer(&fakeSource{}, nil)
	mux := http.NewServeMux()
	s.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn := dial(t, srv)
	if err := conn.WriteJSON(map[string]string{"type": "HELLO"}); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("err=%v want policy violation close", err)
	}
}
