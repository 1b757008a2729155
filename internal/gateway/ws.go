package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"

	"smc-systemv1/internal/metrics"
	"smc-systemv1/internal/model"
)

const (
	pingInterval   = 20 * time.Second
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	clientBuffer   = 16
	closeNoSymbol  = 4400
	wsBackoffBase  = time.Second
	wsBackoffCap   = 60 * time.Second
)

// Conn opens pub/sub subscriptions; satisfied by the Redis store.
type Conn interface {
	Subscribe(ctx context.Context, channels ...string) *goredis.PubSub
}

// wsMessage is the frame sent to WebSocket clients.
type wsMessage struct {
	Type        string             `json:"type"` // snapshot | update
	Symbol      string             `json:"symbol"`
	ViewerState *model.ViewerState `json:"viewer_state"`
}

// Hub fans per-symbol viewer updates out to WebSocket clients. Clients that
// cannot keep up lose intermediate updates, never the connection.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[chan wsMessage]bool // upper symbol -> subscribers
	m       *metrics.Metrics
	log     *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{
		clients: make(map[string]map[chan wsMessage]bool),
		m:       m,
		log:     slog.Default().With("component", "gateway-ws"),
	}
}

// Run consumes the viewer channel and dispatches updates until ctx is
// cancelled, reconnecting with the usual backoff.
func (h *Hub) Run(ctx context.Context, conn Conn, channel string) {
	backoff := wsBackoffBase
	for {
		if ctx.Err() != nil {
			return
		}
		sub := conn.Subscribe(ctx, channel)
		err := h.consume(ctx, sub, &backoff)
		sub.Close()
		if ctx.Err() != nil {
			return
		}

		h.log.Warn("viewer subscription lost, reconnecting", "backoff", backoff, "err", err)
		if h.m != nil {
			h.m.Reconnects.WithLabelValues("gateway-ws").Inc()
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > wsBackoffCap {
			backoff = wsBackoffCap
		}
	}
}

func (h *Hub) consume(ctx context.Context, sub *goredis.PubSub, backoff *time.Duration) error {
	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			return err
		}
		*backoff = wsBackoffBase

		var update model.ViewerUpdate
		if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
			h.log.Error("viewer update rejected", "err", err)
			if h.m != nil {
				h.m.WSErrors.WithLabelValues("decode").Inc()
			}
			continue
		}
		h.Dispatch(update)
	}
}

// Dispatch delivers one update to every subscriber of its symbol.
func (h *Hub) Dispatch(update model.ViewerUpdate) {
	symbol := strings.ToUpper(update.Symbol)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.clients[symbol] {
		select {
		case ch <- wsMessage{Type: "update", Symbol: symbol, ViewerState: update.ViewerState}:
		default:
			// slow client; it keeps the connection and catches up later
		}
	}
}

func (h *Hub) subscribe(symbol string) chan wsMessage {
	ch := make(chan wsMessage, clientBuffer)
	h.mu.Lock()
	if h.clients[symbol] == nil {
		h.clients[symbol] = make(map[chan wsMessage]bool)
	}
	h.clients[symbol][ch] = true
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(symbol string, ch chan wsMessage) {
	h.mu.Lock()
	delete(h.clients[symbol], ch)
	if len(h.clients[symbol]) == 0 {
		delete(h.clients, symbol)
	}
	h.mu.Unlock()
}

// WSOptions configures the WebSocket listener.
type WSOptions struct {
	Addr string
}

// WSServer is the C11 surface: one symbol per connection, snapshot first,
// then live updates.
type WSServer struct {
	opts   WSOptions
	hub    *Hub
	states StateSource
	m      *metrics.Metrics
	log    *slog.Logger
	srv    *http.Server

	upgrader websocket.Upgrader
}

// NewWSServer builds the WebSocket server around a running hub.
func NewWSServer(opts WSOptions, hub *Hub, states StateSource, m *metrics.Metrics) *WSServer {
	s := &WSServer{
		opts:   opts,
		hub:    hub,
		states: states,
		m:      m,
		log:    slog.Default().With("component", "gateway-ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.HandleWS)
	s.srv = &http.Server{Addr: opts.Addr, Handler: mux}
	return s
}

// Start launches the listener in a goroutine.
func (s *WSServer) Start() {
	go func() {
		s.log.Info("ws gateway listening", "addr", s.opts.Addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			s.log.Error("ws gateway stopped", "err", err)
		}
	}()
}

// Stop shuts the listener down gracefully.
func (s *WSServer) Stop(ctx context.Context) error { return s.srv.Shutdown(ctx) }

// HandleWS upgrades one connection and streams its symbol.
func (s *WSServer) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.m != nil {
			s.m.WSErrors.WithLabelValues("upgrade").Inc()
		}
		return
	}
	defer conn.Close()

	symbol := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("symbol")))
	if symbol == "" {
		s.closeWith(conn, closeNoSymbol, "symbol query parameter required")
		return
	}

	if s.m != nil {
		s.m.WSConnections.Inc()
		defer s.m.WSConnections.Dec()
	}

	updates := s.hub.subscribe(symbol)
	defer s.hub.unsubscribe(symbol, updates)

	if !s.sendSnapshot(r.Context(), conn, symbol) {
		return
	}

	// Reader only consumes control frames; a read error ends the session.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case msg := <-updates:
			if !s.writeMessage(conn, &msg) {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.countError("ping", err)
				return
			}
			if s.m != nil {
				s.m.WSMessages.WithLabelValues("ping").Inc()
			}
		}
	}
}

// sendSnapshot pushes the snapshot frame. It is always the first frame; a
// symbol with no cached state yet carries a null viewer_state and still
// gets the live stream.
func (s *WSServer) sendSnapshot(ctx context.Context, conn *websocket.Conn, symbol string) bool {
	snap, err := s.states.Snapshot(ctx)
	if err != nil {
		s.countError("snapshot", err)
		s.closeWith(conn, websocket.CloseInternalServerErr, "snapshot unavailable")
		return false
	}
	var vs *model.ViewerState
	if snap != nil {
		vs = snap.BySymbol[symbol]
	}
	return s.writeMessage(conn, &wsMessage{Type: "snapshot", Symbol: symbol, ViewerState: vs})
}

func (s *WSServer) writeMessage(conn *websocket.Conn, msg *wsMessage) bool {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		s.countError("write", err)
		return false
	}
	if s.m != nil {
		s.m.WSMessages.WithLabelValues(msg.Type).Inc()
	}
	return true
}

func (s *WSServer) closeWith(conn *websocket.Conn, code int, reason string) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}

func (s *WSServer) countError(stage string, err error) {
	// Normal shutdown noise is not an error.
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return
	}
	if s.m != nil {
		s.m.WSErrors.WithLabelValues(stage).Inc()
	}
	s.log.Debug("ws session ended", "stage", stage, "err", err)
}
