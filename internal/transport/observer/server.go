package observer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"voxelstream.ai/internal/lod/nodestore"
	"voxelstream.ai/internal/lod/runtime"
	"voxelstream.ai/internal/observerproto"
)

// NodeSource exposes the committed GPU node buffer.
type NodeSource interface {
	Snapshot() ([]byte, uint64)
}

// Server streams tick summaries (and optionally the node buffer) to loopback observers. It is a
// runtime sink: WriteTick runs on the tick goroutine and never blocks on a slow client.
type Server struct {
	log   *zap.Logger
	info  func() observerproto.BootstrapResponse
	nodes NodeSource

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	last    atomic.Pointer[observerproto.TickMsg]
	dropped atomic.Uint64
}

type session struct {
	id   string
	out  chan []byte
	done chan struct{}

	mu  sync.Mutex
	sub observerproto.SubscribeMsg
}

func (s *session) settings() observerproto.SubscribeMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub
}

func NewServer(info func() observerproto.BootstrapResponse, nodes NodeSource, logger *zap.Logger) *Server {
	return &Server{
		log:   logger,
		info:  info,
		nodes: nodes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback only
		},
		sessions: map[string]*session{},
	}
}

// Sessions returns the number of subscribed observers.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Dropped counts messages skipped because an observer was behind.
func (s *Server) Dropped() uint64 { return s.dropped.Load() }

func tickMsg(st runtime.TickStats) observerproto.TickMsg {
	return observerproto.TickMsg{
		Type:            "TICK",
		ProtocolVersion: observerproto.Version,
		Tick:            st.Tick,
		DurationMicros:  st.DurationMicros,
		Results:         st.Results,
		ChildChanges:    st.ChildChanges,
		Requests:        st.Requests,
		Violations:      st.Violations,
		CapacityErrors:  st.CapacityErrors,
		FlushedNodes:    st.Flush.Nodes,
		Nodes:           st.Manager.Nodes,
		FreeNodes:       st.Manager.FreeNodes,
		Tracked:         st.Manager.Tracked,
		PendingSingles:  st.Manager.PendingSingles,
		PendingChildren: st.Manager.PendingChildren,
		Merges:          st.Manager.Merges,
		Collapses:       st.Manager.Collapses,
	}
}

func (s *Server) WriteTick(st runtime.TickStats) error {
	msg := tickMsg(st)
	s.last.Store(&msg)

	s.mu.Lock()
	targets := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		targets = append(targets, sess)
	}
	s.mu.Unlock()
	if len(targets) == 0 {
		return nil
	}

	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	var (
		snap []byte
		gen  uint64
	)
	for _, sess := range targets {
		sub := sess.settings()
		if st.Tick%uint64(sub.EveryTicks) == 0 {
			s.send(sess, b)
		}
		if !sub.IncludeNodes || s.nodes == nil || st.Tick%uint64(sub.NodesEveryTicks) != 0 {
			continue
		}
		if snap == nil {
			snap, gen = s.nodes.Snapshot()
		}
		nb, err := json.Marshal(nodesMsg(st.Tick, gen, snap, sub.MaxNodes))
		if err != nil {
			return err
		}
		s.send(sess, nb)
	}
	return nil
}

func nodesMsg(tick, gen uint64, snap []byte, maxNodes int) observerproto.NodesMsg {
	count := len(snap) / nodestore.RecordSize
	truncated := false
	if count > maxNodes {
		count = maxNodes
		truncated = true
	}
	return observerproto.NodesMsg{
		Type:            "NODES",
		ProtocolVersion: observerproto.Version,
		Tick:            tick,
		Generation:      gen,
		Encoding:        "NODE16_LE_B64",
		Count:           count,
		Truncated:       truncated,
		Data:            base64.StdEncoding.EncodeToString(snap[:count*nodestore.RecordSize]),
	}
}

func (s *Server) send(sess *session, b []byte) {
	select {
	case sess.out <- b:
	default:
		s.dropped.Add(1)
	}
}

// Close disconnects every observer.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for id, sess := range s.sessions {
		close(sess.done)
		delete(s.sessions, id)
	}
	return nil
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		var resp observerproto.BootstrapResponse
		if s.info != nil {
			resp = s.info()
		}
		resp.ProtocolVersion = observerproto.Version
		if last := s.last.Load(); last != nil {
			resp.Tick = last.Tick
			resp.Last = last
		}

		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
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

		sess := &session{
			id:   fmt.Sprintf("O%d", s.nextID.Add(1)),
			out:  make(chan []byte, 64),
			done: make(chan struct{}),
			sub:  sub,
		}
		if !s.register(sess) {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
			return
		}
		defer s.unregister(sess)
		s.log.Debug("observer subscribed", zap.String("session", sess.id), zap.Int("every_ticks", sub.EveryTicks), zap.Bool("nodes", sub.IncludeNodes))

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
				case <-sess.done:
					_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
					_ = conn.Close()
					writeErr <- nil
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
			sub, ok := parseSubscribe(msg)
			if !ok {
				continue
			}
			sess.mu.Lock()
			sess.sub = sub
			sess.mu.Unlock()
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

func (s *Server) register(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[sess.id] = sess
	return true
}

func (s *Server) unregister(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess.id)
}

func parseSubscribe(msg []byte) (observerproto.SubscribeMsg, bool) {
	var sub observerproto.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, false
	}
	if sub.Type != "SUBSCRIBE" || sub.ProtocolVersion != observerproto.Version {
		return sub, false
	}
	normalizeSubscribe(&sub)
	return sub, true
}

func normalizeSubscribe(sub *observerproto.SubscribeMsg) {
	if sub.EveryTicks <= 0 {
		sub.EveryTicks = 1
	}
	if sub.NodesEveryTicks <= 0 {
		sub.NodesEveryTicks = 20
	}
	if sub.MaxNodes <= 0 {
		sub.MaxNodes = 4096
	}
	if sub.MaxNodes > 1<<16 {
		sub.MaxNodes = 1 << 16
	}
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
