// Package diag serves read-only engine diagnostics over HTTP and a
// websocket feed. Every endpoint answers loopback clients only.
package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/engine"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/model"
)

const Version = "1.0"

// Source is anything that can hand out the latest diagnostics snapshot.
// It must be safe to call from any goroutine.
type Source interface {
	Snapshot() engine.Diagnostics
}

// SubscribeMsg is the first frame a websocket client sends; later frames may
// update the subscription.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	// EveryTicks thins the feed to one frame per N published ticks.
	EveryTicks   int  `json:"every_ticks,omitempty"`
	IncludeNodes bool `json:"include_nodes,omitempty"`
}

// Frame is one pushed snapshot.
type Frame struct {
	Type            string             `json:"type"`
	ProtocolVersion string             `json:"protocol_version"`
	Diag            engine.Diagnostics `json:"diag"`
}

type session struct {
	out chan []byte

	mu           sync.Mutex
	everyTicks   int
	includeNodes bool
}

func (s *session) settings() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.everyTicks, s.includeNodes
}

func (s *session) update(sub SubscribeMsg) {
	s.mu.Lock()
	s.everyTicks, s.includeNodes = sub.EveryTicks, sub.IncludeNodes
	s.mu.Unlock()
}

// offer replaces any frame the writer has not picked up yet.
func (s *session) offer(b []byte) {
	select {
	case s.out <- b:
		return
	default:
	}
	select {
	case <-s.out:
	default:
	}
	select {
	case s.out <- b:
	default:
	}
}

type Server struct {
	src Source
	log *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu       sync.Mutex
	sessions map[string]*session
}

func NewServer(src Source, logger *log.Logger) *Server {
	return &Server{
		src: src,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback only anyway
		},
		sessions: map[string]*session{},
	}
}

// Register mounts the diagnostics routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/diag/stats", s.StatsHandler())
	mux.HandleFunc("/v1/diag/node", s.NodeHandler())
	mux.HandleFunc("/v1/diag/ws", s.WSHandler())
}

// Sessions reports the number of connected websocket clients.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Publish pushes d to every subscriber whose cadence includes d.Tick. Slow
// clients only ever see the newest frame.
func (s *Server) Publish(d engine.Diagnostics) {
	s.mu.Lock()
	subs := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		subs = append(subs, sess)
	}
	s.mu.Unlock()
	if len(subs) == 0 {
		return
	}

	var full, slim []byte
	for _, sess := range subs {
		every, nodes := sess.settings()
		if every > 1 && d.Tick%uint64(every) != 0 {
			continue
		}
		var err error
		if nodes {
			if full == nil {
				full, err = encodeFrame(d)
			}
			if err == nil {
				sess.offer(full)
			}
		} else {
			if slim == nil {
				slim, err = encodeFrame(withoutNodes(d))
			}
			if err == nil {
				sess.offer(slim)
			}
		}
		if err != nil && s.log != nil {
			s.log.Printf("diag: encode frame: %v", err)
			return
		}
	}
}

func encodeFrame(d engine.Diagnostics) ([]byte, error) {
	return json.Marshal(Frame{Type: "DIAG", ProtocolVersion: Version, Diag: d})
}

func withoutNodes(d engine.Diagnostics) engine.Diagnostics {
	d.Nodes = nil
	return d
}

func (s *Server) StatsHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !s.allow(rw, r) {
			return
		}
		d := s.src.Snapshot()
		if r.URL.Query().Get("nodes") != "1" {
			d = withoutNodes(d)
		}
		writeJSON(rw, http.StatusOK, d)
	}
}

func (s *Server) NodeHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !s.allow(rw, r) {
			return
		}
		key, ok := model.ParseNodeKey(r.URL.Query().Get("key"))
		if !ok {
			http.Error(rw, "bad key", http.StatusBadRequest)
			return
		}
		st, ok := s.src.Snapshot().Node(key)
		if !ok {
			http.Error(rw, "unknown node", http.StatusNotFound)
			return
		}
		writeJSON(rw, http.StatusOK, struct {
			Key string `json:"key"`
			engine.NodeStatus
		}{Key: key.String(), NodeStatus: st})
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sub, ok := parseSubscribe(msg)
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		sid := fmt.Sprintf("D%d", s.nextID.Add(1))
		sess := &session{out: make(chan []byte, 1)}
		sess.update(sub)
		s.mu.Lock()
		s.sessions[sid] = sess
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.sessions, sid)
			s.mu.Unlock()
		}()

		// Send the current snapshot straight away so clients need not wait a tick.
		d := s.src.Snapshot()
		if !sub.IncludeNodes {
			d = withoutNodes(d)
		}
		if b, err := encodeFrame(d); err == nil {
			sess.offer(b)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-sess.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if sub, ok := parseSubscribe(msg); ok {
				sess.update(sub)
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func parseSubscribe(msg []byte) (SubscribeMsg, bool) {
	var sub SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, false
	}
	if sub.Type != "SUBSCRIBE" || sub.ProtocolVersion != Version {
		return sub, false
	}
	if sub.EveryTicks < 1 {
		sub.EveryTicks = 1
	}
	if sub.EveryTicks > 1200 {
		sub.EveryTicks = 1200
	}
	return sub, true
}

func (s *Server) allow(rw http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	if !isLoopbackRemote(r.RemoteAddr) {
		http.Error(rw, "forbidden", http.StatusForbidden)
		return false
	}
	return true
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
