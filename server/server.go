// Package server streams arena events to browser clients over WebSocket and
// serves the visualization UI's static files over HTTP.
//
// The server is a memviz.Sink: attach it with memviz.WithSink or
// (*memviz.Arena).SetSink and every aggregated batch is broadcast to all
// connected clients as one JSON message. New clients receive a full
// snapshot first, so the UI can render the current heap before applying
// incremental events. Text messages from clients are forwarded verbatim to
// the arena's command handler.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/memviz/memviz"
	"github.com/memviz/memviz/codec"
)

// Options configure a Server.
type Options struct {
	// Addr is the listen address. Defaults to ":8080".
	Addr string
	// WebRoot serves static files from this directory when non-empty.
	WebRoot string
	// Codec encodes outbound messages. Defaults to codec.Default.
	Codec codec.Codec
	// BroadcastLimit caps outbound batch messages per second per server.
	// 0 means unlimited.
	BroadcastLimit rate.Limit
	// Logger receives connection lifecycle logs. Defaults to the noop logger.
	Logger *memviz.Logger
}

// message is the envelope every client receives.
type message struct {
	Type     string           `json:"type"` // "events" or "snapshot"
	Events   []memviz.Event   `json:"events,omitempty"`
	Snapshot *memviz.Snapshot `json:"snapshot,omitempty"`
}

// Server broadcasts event batches to all connected WebSocket clients.
type Server struct {
	arena    *memviz.Arena
	codec    codec.Codec
	logger   *memviz.Logger
	limiter  *rate.Limiter
	upgrader websocket.Upgrader

	httpSrv  *http.Server
	listener net.Listener

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// New creates a server streaming events for arena. The server installs
// itself as the arena's sink.
func New(arena *memviz.Arena, optFns ...func(*Options)) (*Server, error) {
	opts := Options{
		Addr:  ":8080",
		Codec: codec.Default,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Codec == nil {
		opts.Codec = codec.Default
	}
	if opts.Logger == nil {
		opts.Logger = memviz.NoopLogger()
	}

	s := &Server{
		arena:   arena,
		codec:   opts.Codec,
		logger:  opts.Logger,
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The demo UI is served from anywhere.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if opts.BroadcastLimit > 0 {
		s.limiter = rate.NewLimiter(opts.BroadcastLimit, int(opts.BroadcastLimit))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	if opts.WebRoot != "" {
		mux.Handle("/", http.FileServer(http.Dir(opts.WebRoot)))
	}

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return nil, err
	}
	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("server stopped", "error", err)
		}
	}()

	arena.SetSink(s)
	return s, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Emit implements memviz.Sink: one aggregated batch becomes one broadcast
// message. Batches beyond the configured rate are dropped rather than
// blocking the aggregator.
func (s *Server) Emit(batch []memviz.Event) error {
	if s.limiter != nil && !s.limiter.Allow() {
		return nil
	}
	data, err := s.codec.Marshal(message{Type: "events", Events: batch})
	if err != nil {
		return err
	}
	s.broadcast(data)
	return nil
}

func (s *Server) broadcast(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			// Slow client: drop the message rather than stalling the rest.
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// New clients get the current heap state before incremental events.
	snap := s.arena.Snapshot()
	if data, err := s.codec.Marshal(message{Type: "snapshot", Snapshot: &snap}); err == nil {
		c.send <- data
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.logger.Debug("client connected", "remote", conn.RemoteAddr().String())

	go s.writeLoop(c)
	go s.readLoop(c)
}

func (s *Server) writeLoop(c *client) {
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.drop(c)
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.conn.Close()
}

func (s *Server) readLoop(c *client) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			s.drop(c)
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		// Commands are opaque: the arena forwards them to the installed
		// handler.
		s.arena.HandleCommand(string(data))
	}
}

func (s *Server) drop(c *client) {
	s.mu.Lock()
	_, ok := s.clients[c]
	if ok {
		delete(s.clients, c)
	}
	s.mu.Unlock()
	if ok {
		close(c.send)
		c.conn.Close()
		s.logger.Debug("client disconnected", "remote", c.conn.RemoteAddr().String())
	}
}

// Close detaches the sink, disconnects all clients and shuts the HTTP
// server down.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[*client]struct{})
	s.mu.Unlock()

	s.arena.SetSink(nil)
	for _, c := range clients {
		close(c.send)
		c.conn.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}
