package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/loopchat/server/internal/auth"
	"github.com/loopchat/server/internal/metrics"
	"github.com/loopchat/server/internal/protocol"
	"github.com/loopchat/server/internal/ratelimit"
	"github.com/loopchat/server/internal/realtime"
)

// closeAuthFailure is the close code sent when the bearer credential is
// missing or invalid, distinct from normal closure so clients can tell an
// auth problem from a network drop.
const closeAuthFailure = ws.StatusCode(4001)

// Config holds tunable parameters for the WebSocket server.
type Config struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	MaxConnections int           // hard cap on total connections
	MaxFrameBytes  int64         // largest accepted inbound data frame
	WriteTimeout   time.Duration // bound on each outbound frame write
	AuthTimeout    time.Duration // bound on token verification at connect
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     ":8080",
		MaxConnections: 100000,
		MaxFrameBytes:  64 * 1024,
		WriteTimeout:   5 * time.Second,
		AuthTimeout:    3 * time.Second,
	}
}

// Server upgrades HTTP requests to WebSocket connections, authenticates
// them, and runs one read-loop goroutine per connection. All shared state
// mutations go through the realtime hub; the server itself only owns
// sockets.
type Server struct {
	config     Config
	hub        *realtime.Hub
	verifier   auth.Verifier
	router     *Router
	limiter    *ratelimit.Limiter // nil disables throttling
	table      *connTable
	httpServer *http.Server
	done       chan struct{}
	startedAt  time.Time

	extraRoutes []func(*http.ServeMux)
}

// RegisterRoutes queues additional route registrations, applied to the mux
// when Start builds it. Must be called before Start.
func (s *Server) RegisterRoutes(fn func(*http.ServeMux)) {
	s.extraRoutes = append(s.extraRoutes, fn)
}

// NewServer creates a Server. limiter may be nil.
func NewServer(config Config, hub *realtime.Hub, verifier auth.Verifier, router *Router, limiter *ratelimit.Limiter) *Server {
	return &Server{
		config:   config,
		hub:      hub,
		verifier: verifier,
		router:   router,
		limiter:  limiter,
		table:    newConnTable(),
		done:     make(chan struct{}),
	}
}

// Start configures the HTTP server and begins accepting connections. It
// starts the heartbeat monitor in the background and blocks on
// ListenAndServe.
func (s *Server) Start() error {
	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	for _, register := range s.extraRoutes {
		register(mux)
	}

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: server listening on %s (max_conns=%d)",
		s.config.ListenAddr, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// Handler returns the upgrade handler, for callers composing their own mux.
func (s *Server) Handler() http.HandlerFunc {
	return s.handleUpgrade
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection, then
// authenticates the bearer token presented as a query parameter. A failed
// verification closes the socket with code 4001 before any state is
// created.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.table.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	if s.limiter != nil {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		allowed, _ := s.limiter.Allow(ctx, host, ratelimit.RuleConnect)
		cancel()
		if !allowed {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	token := r.URL.Query().Get("token")

	raw, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.AuthTimeout)
	userID, err := s.verifier.Verify(ctx, token)
	cancel()
	if err != nil {
		log.Printf("ws: authentication failed remote=%s: %v", raw.RemoteAddr(), err)
		closeWithReason(raw, closeAuthFailure, "authentication failed")
		return
	}

	conn := newConn(raw, s.config.WriteTimeout)
	conn.UserID = userID

	rtConn := s.hub.Connect(userID, conn)
	conn.ID = rtConn.ID
	s.table.Add(conn)

	established, err := protocol.NewServerMessage(protocol.TypeConnectionEstablished,
		protocol.ConnectionEstablishedData{UserID: userID, ConnectionID: conn.ID})
	if err != nil {
		log.Printf("ws: build connection_established conn=%s: %v", conn.ID, err)
	} else if err := conn.Send(established); err != nil {
		log.Printf("ws: send connection_established conn=%s: %v", conn.ID, err)
		s.teardown(conn)
		return
	}

	log.Printf("ws: new connection user=%s conn=%s (total=%d)", userID, conn.ID, s.table.Count())

	go s.readLoop(conn)
}

// readLoop reads frames until the connection dies. Control frames are
// handled in place: pings are answered under the write mutex and a close
// frame ends the loop. Data frames go to the router; router errors never end
// the loop — per-connection failures stay on that connection.
func (s *Server) readLoop(c *Conn) {
	defer s.teardown(c)

	for {
		header, reader, err := wsutil.NextReader(c.raw, ws.StateServerSide)
		if err != nil {
			if !errors.Is(err, io.EOF) && !isClosedError(err) {
				log.Printf("ws: read error conn=%s: %v", c.ID, err)
			}
			return
		}

		c.touch()

		if header.OpCode.IsControl() {
			payload := make([]byte, header.Length)
			if _, err := io.ReadFull(reader, payload); err != nil {
				return
			}
			switch header.OpCode {
			case ws.OpClose:
				return
			case ws.OpPing:
				if err := c.writePong(payload); err != nil {
					return
				}
			}
			// Pong: activity already recorded, nothing else to do.
			continue
		}

		if s.config.MaxFrameBytes > 0 && header.Length > s.config.MaxFrameBytes {
			if _, err := io.Copy(io.Discard, reader); err != nil {
				return
			}
			s.router.sendError(c, "frame_too_large", "frame exceeds size limit")
			continue
		}

		data := make([]byte, header.Length)
		if header.Length > 0 {
			if _, err := io.ReadFull(reader, data); err != nil {
				return
			}
		}
		if len(data) == 0 {
			continue
		}

		if s.limiter != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			allowed, _ := s.limiter.Allow(ctx, c.UserID, ratelimit.RuleFrame)
			cancel()
			if !allowed {
				s.router.sendError(c, "rate_limited", "too many frames, slow down")
				continue
			}
		}

		s.router.HandleFrame(c, data)
	}
}

// teardown releases a connection exactly once: it leaves the socket table,
// unregisters from the hub (which may broadcast the offline transition), and
// closes the socket. Safe to call from the read loop, the heartbeat, and
// shutdown concurrently, and safe when the connection never finished
// registration. Room membership is intentionally preserved.
func (s *Server) teardown(c *Conn) {
	c.teardownOnce.Do(func() {
		s.table.Remove(c.ID)
		s.hub.Disconnect(c.UserID, c.ID)
		_ = c.raw.Close()
		log.Printf("ws: connection closed user=%s conn=%s (total=%d)", c.UserID, c.ID, s.table.Count())
	})
}

// handleHealth responds with the server's health status as JSON, including
// current connection counts and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		OnlineUsers int    `json:"online_users"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.table.Count(),
		OnlineUsers: s.hub.Registry().OnlineCount(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// Shutdown performs a graceful shutdown: stop accepting new connections,
// stop the heartbeat, and tear down every open connection.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	close(s.done)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.table.All() {
		s.teardown(c)
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// closeWithReason writes a close frame with the given status and reason and
// closes the socket.
func closeWithReason(conn net.Conn, code ws.StatusCode, reason string) {
	_ = ws.WriteFrame(conn, ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
	_ = conn.Close()
}

// isClosedError reports whether the read error is an ordinary closure
// (peer sent a close frame or the socket was torn down locally).
func isClosedError(err error) bool {
	var closed wsutil.ClosedError
	if errors.As(err, &closed) {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}
