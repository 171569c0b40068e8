// Package ws serves the bridge protocol over WebSocket connections. Each
// protocol message rides in its own text frame, so no additional framing
// layer is needed.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/godotai/bridge/protocol"
	"github.com/godotai/bridge/session"
)

const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The bridge is a local development tool; cross-origin pages on the
	// same host are legitimate callers.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server upgrades HTTP requests to WebSocket sessions.
type Server struct {
	addr     string
	manager  *session.Manager
	log      *zap.Logger
	httpSrv  *http.Server
	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewServer creates a WebSocket server feeding the given session manager.
func NewServer(addr string, manager *session.Manager, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		addr:    addr,
		manager: manager,
		log:     log,
	}
}

// Start begins serving. It blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen for websocket: %w", err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	s.httpSrv = &http.Server{Handler: mux}

	s.log.Info("websocket transport listening", zap.String("addr", listener.Addr().String()))
	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("websocket serve ended", zap.Error(err))
		}
	}()

	<-s.ctx.Done()
	return s.ctx.Err()
}

// Stop shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	conn.SetReadLimit(protocol.MaxMessageBytes)

	codec := NewCodec(conn)
	if _, err := s.manager.Attach(codec); err != nil {
		s.log.Warn("session rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
		env := &protocol.Envelope{
			Status:    protocol.StatusError,
			Type:      "session_rejected",
			Category:  "capacity",
			Message:   err.Error(),
			Timestamp: protocol.NowUnix(),
		}
		if raw, merr := json.Marshal(env); merr == nil {
			codec.WriteMessage(raw)
		}
		codec.Close()
	}
}

// Codec adapts a WebSocket connection to the protocol codec contract. One
// JSON document per text frame.
type Codec struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// NewCodec wraps an established WebSocket connection.
func NewCodec(conn *websocket.Conn) *Codec {
	return &Codec{conn: conn}
}

// ReadMessage returns the payload of the next text or binary frame.
func (c *Codec) ReadMessage() ([]byte, error) {
	for {
		kind, payload, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		if len(payload) > protocol.MaxMessageBytes {
			return nil, fmt.Errorf("message exceeds %d bytes", protocol.MaxMessageBytes)
		}
		return payload, nil
	}
}

// WriteMessage sends one JSON document as a single text frame.
func (c *Codec) WriteMessage(payload []byte) error {
	if len(payload) > protocol.MaxMessageBytes {
		return fmt.Errorf("message exceeds %d bytes", protocol.MaxMessageBytes)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Close closes the underlying connection.
func (c *Codec) Close() error {
	return c.conn.Close()
}
