// Package relayserver implements the WebSocket relay that connected peers use
// to exchange signaling envelopes. The relay never inspects SDP or candidate
// payloads; it stamps the sender identity and forwards by target_id.
package relayserver

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/peercall/peercall/internal/metrics"
	"github.com/peercall/peercall/internal/ratelimit"
	"github.com/peercall/peercall/internal/signaling"
)

const wsWriteWait = 1 * time.Second

const (
	defaultMaxMessageBytes   = 64 * 1024
	defaultMessagesPerSecond = 50
)

// Config wires together the runtime dependencies for the relay.
type Config struct {
	// MaxMessageBytes caps inbound message size per connection. Zero means
	// 64 KiB.
	MaxMessageBytes int64

	// MessagesPerSecond is the per-connection inbound rate limit. Zero means
	// 50 messages/sec.
	MessagesPerSecond int

	// Clock drives the rate limiter; nil means the real clock.
	Clock ratelimit.Clock

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Server relays signaling envelopes between connected peers and broadcasts
// roster updates on membership changes.
type Server struct {
	maxMessageBytes   int64
	messagesPerSecond int
	clock             ratelimit.Clock

	metrics *metrics.Metrics
	logger  *slog.Logger

	mu    sync.Mutex
	peers map[string]*peerConn
}

func NewServer(cfg Config) *Server {
	maxBytes := cfg.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxMessageBytes
	}
	perSecond := cfg.MessagesPerSecond
	if perSecond <= 0 {
		perSecond = defaultMessagesPerSecond
	}
	clock := cfg.Clock
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		maxMessageBytes:   maxBytes,
		messagesPerSecond: perSecond,
		clock:             clock,
		metrics:           m,
		logger:            logger,
		peers:             make(map[string]*peerConn),
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/{id}", s.handleWS)
	mux.Handle("GET /metrics", metrics.PrometheusHandler(s.metrics))
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// OnlinePeers reports the IDs of currently connected peers.
func (s *Server) OnlinePeers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	return ids
}

// peerConn is one registered WebSocket connection.
type peerConn struct {
	id   string
	name string
	conn *websocket.Conn

	// writeMu serializes writes: forwards from other peers' read loops and
	// roster broadcasts race otherwise.
	writeMu sync.Mutex
}

func (p *peerConn) send(env signaling.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

func (p *peerConn) closeWith(code int, reason string) {
	p.writeMu.Lock()
	_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	p.writeMu.Unlock()
	_ = p.conn.Close()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" || id == "new" {
		id = uuid.NewString()
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		name = id
	}

	s.mu.Lock()
	if _, taken := s.peers[id]; taken {
		s.mu.Unlock()
		http.Error(w, "peer id already connected", http.StatusConflict)
		return
	}
	s.mu.Unlock()

	upgrader := websocket.Upgrader{
		// The relay has no browser origin of its own; access control is the
		// deployment's concern.
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	respHeader := http.Header{}
	respHeader.Set(signaling.PeerIDHeader, id)

	conn, err := upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		return
	}

	p := &peerConn{id: id, name: name, conn: conn}

	s.mu.Lock()
	if _, taken := s.peers[id]; taken {
		// Lost the race to another upgrade for the same ID.
		s.mu.Unlock()
		p.closeWith(websocket.ClosePolicyViolation, "peer id already connected")
		return
	}
	s.peers[id] = p
	s.mu.Unlock()

	s.metrics.Inc(metrics.EventConnected)
	s.logger.Info("peer connected", "peer_id", id, "name", name)
	s.broadcastRoster()

	s.readLoop(p)

	s.mu.Lock()
	delete(s.peers, id)
	s.mu.Unlock()

	s.metrics.Inc(metrics.EventDisconnected)
	s.logger.Info("peer disconnected", "peer_id", id)
	s.broadcastRoster()
}

func (s *Server) readLoop(p *peerConn) {
	defer p.conn.Close()

	p.conn.SetReadLimit(s.maxMessageBytes)
	limiter := ratelimit.NewTokenBucket(s.clock, int64(s.messagesPerSecond), int64(s.messagesPerSecond))

	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		// Apply the rate limit *after* reading the message so bytes already in
		// the TCP receive buffer are consumed. Closing before reading can make
		// the OS send an abortive close (RST), preventing the client from
		// reliably observing the close code.
		if !limiter.Allow(1) {
			s.metrics.Inc(metrics.DropReasonRateLimited)
			p.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			s.metrics.Inc(metrics.DropReasonInvalid)
			p.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		env, err := signaling.Parse(data)
		if err != nil {
			s.metrics.Inc(metrics.DropReasonInvalid)
			_ = p.send(signaling.NewError(fmt.Sprintf("invalid message: %v", err)))
			continue
		}

		s.forward(p, env)
	}
}

// forward stamps the sender identity and delivers the envelope to its target.
func (s *Server) forward(from *peerConn, env signaling.Envelope) {
	if env.TargetID == "" || env.Type == signaling.TypeRoster || env.Type == signaling.TypeError {
		// Peers may not broadcast or spoof relay-originated types.
		s.metrics.Inc(metrics.DropReasonInvalid)
		_ = from.send(signaling.NewError("message has no deliverable target"))
		return
	}

	env.SenderID = from.id
	env.FullName = from.name

	s.mu.Lock()
	target, ok := s.peers[env.TargetID]
	s.mu.Unlock()

	if !ok {
		s.metrics.Inc(metrics.DropReasonOffline)
		_ = from.send(signaling.NewError(fmt.Sprintf("User %s is not online.", env.TargetID)))
		return
	}

	if err := target.send(env); err != nil {
		s.logger.Warn("forward failed", "from", from.id, "to", target.id, "type", env.Type, "err", err)
		return
	}
	s.metrics.Inc(metrics.EventForwarded)
}

// broadcastRoster sends the full online roster to every connected peer. The
// roster is always sent wholesale; receivers replace their view.
func (s *Server) broadcastRoster() {
	s.mu.Lock()
	entries := make([]signaling.RosterEntry, 0, len(s.peers))
	conns := make([]*peerConn, 0, len(s.peers))
	for _, p := range s.peers {
		entries = append(entries, signaling.RosterEntry{
			ID:       p.id,
			FullName: p.name,
			IsOnline: true,
		})
		conns = append(conns, p)
	}
	s.mu.Unlock()

	env, err := signaling.NewRoster(entries)
	if err != nil {
		s.logger.Error("encode roster", "err", err)
		return
	}
	for _, p := range conns {
		if err := p.send(env); err != nil {
			s.logger.Warn("roster broadcast failed", "peer_id", p.id, "err", err)
		}
	}
}
