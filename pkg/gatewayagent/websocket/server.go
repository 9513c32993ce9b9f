// Package websocket binds a gatewayagent.Agent to a gorilla/websocket
// server, one of the pluggable transports spec §4.7 names explicitly.
// Grounded on C360Studio-semstreams's output/websocket.Output (upgrader
// setup, per-client goroutine, write-mutex-guarded Send, ping/pong
// liveness) and on the teacher's pkg/transport.Server's Start/Stop/
// listener-ownership shape, adapted from a one-way broadcast fan-out to
// a full-duplex request/response façade.
package websocket

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iotile/coretools/pkg/gatewayagent"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 1 << 20
)

// ServerConfig configures a Server.
type ServerConfig struct {
	// Address to listen on, e.g. ":8080".
	Address string

	// Path is the HTTP path the WebSocket endpoint is served on.
	Path string

	// CheckOrigin overrides the upgrader's origin check. Nil allows any
	// origin, matching the teacher example's development default.
	CheckOrigin func(r *http.Request) bool
}

// Server serves a gatewayagent.Agent over WebSocket connections.
type Server struct {
	cfg   ServerConfig
	agent *gatewayagent.Agent

	upgrader websocket.Upgrader
	http     *http.Server

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// NewServer builds a Server that dispatches every accepted connection to
// agent via gatewayagent.Agent.Serve.
func NewServer(cfg ServerConfig, agent *gatewayagent.Agent) *Server {
	if cfg.Path == "" {
		cfg.Path = "/gateway"
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Server{
		cfg:   cfg,
		agent: agent,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

// Start begins accepting WebSocket connections. It returns once the
// listener is bound; Serve runs in the background until Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("gatewayagent/websocket: server already running")
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, func(w http.ResponseWriter, r *http.Request) {
		s.handleUpgrade(ctx, w, r)
	})
	s.http = &http.Server{Addr: s.cfg.Address, Handler: mux}

	listenErr := make(chan error, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.http.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			select {
			case listenErr <- err:
			default:
			}
		}
	}()

	select {
	case err := <-listenErr:
		return err
	case <-time.After(50 * time.Millisecond):
	}

	s.running = true
	return nil
}

// Stop gracefully shuts the HTTP server down, waiting up to timeout for
// in-flight connections to finish.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	srv := s.http
	s.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.wg.Wait()
	return err
}

func (s *Server) handleUpgrade(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer conn.Close()
		_ = s.agent.Serve(ctx, newWSConn(conn))
	}()
}

// wsConn adapts a *websocket.Conn to gatewayagent.Conn, serializing
// writes behind a mutex since gorilla/websocket panics on concurrent
// writes to the same connection, exactly the constraint the teacher
// example's clientInfo.writeMutex documents.
type wsConn struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	pingStop chan struct{}
}

func newWSConn(conn *websocket.Conn) *wsConn {
	c := &wsConn{conn: conn, pingStop: make(chan struct{})}
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.pingLoop()
	return c
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.pingStop:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *wsConn) Recv() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	select {
	case <-c.pingStop:
	default:
		close(c.pingStop)
	}
	return c.conn.Close()
}
