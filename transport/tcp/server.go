// Package tcp serves the bridge protocol over TCP connections.
package tcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/godotai/bridge/protocol"
	"github.com/godotai/bridge/session"
)

// Server accepts TCP connections and hands each one to the session manager.
type Server struct {
	addr     string
	codec    string
	manager  *session.Manager
	log      *zap.Logger
	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer creates a TCP server feeding the given session manager.
func NewServer(addr, codecFormat string, manager *session.Manager, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		addr:    addr,
		codec:   codecFormat,
		manager: manager,
		log:     log,
	}
}

// Start begins listening. It blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on tcp: %w", err)
	}
	s.listener = listener
	s.log.Info("tcp transport listening", zap.String("addr", listener.Addr().String()))

	s.wg.Add(1)
	go s.acceptLoop()

	<-s.ctx.Done()
	return s.ctx.Err()
}

// Stop shuts down the listener and waits for the accept loop.
func (s *Server) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.log.Warn("accept failed", zap.Error(err))
				continue
			}
		}
		AttachConn(conn, s.codec, s.manager, s.log)
	}
}

// AttachConn wraps a connection in a codec and admits it as a session.
// Admission failures are answered with a single error envelope before the
// connection is closed.
func AttachConn(conn net.Conn, codecFormat string, manager *session.Manager, log *zap.Logger) {
	codec, err := protocol.NewCodec(codecFormat, conn)
	if err != nil {
		log.Warn("codec setup failed", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
		conn.Close()
		return
	}
	if _, err := manager.Attach(codec); err != nil {
		log.Warn("session rejected",
			zap.String("remote", conn.RemoteAddr().String()),
			zap.Error(err))
		rejectAndClose(codec, err)
	}
}

func rejectAndClose(codec protocol.Codec, err error) {
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
