// Package unix serves the bridge protocol over a unix domain socket. The
// socket is created owner-only so other local users cannot drive the
// editor.
package unix

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/godotai/bridge/session"
	"github.com/godotai/bridge/transport/tcp"
)

// Server accepts unix-socket connections and hands each one to the session
// manager.
type Server struct {
	path     string
	codec    string
	manager  *session.Manager
	log      *zap.Logger
	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer creates a unix-socket server feeding the given session manager.
func NewServer(path, codecFormat string, manager *session.Manager, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		path:    path,
		codec:   codecFormat,
		manager: manager,
		log:     log,
	}
}

// Start begins listening. A stale socket file from a previous run is
// removed first. Start blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	os.Remove(s.path)
	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("failed to listen on unix socket: %w", err)
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		listener.Close()
		os.Remove(s.path)
		return fmt.Errorf("failed to restrict socket permissions: %w", err)
	}
	s.listener = listener
	s.log.Info("unix transport listening", zap.String("path", s.path))

	s.wg.Add(1)
	go s.acceptLoop()

	<-s.ctx.Done()
	return s.ctx.Err()
}

// Stop shuts down the listener, removes the socket file, and waits for the
// accept loop.
func (s *Server) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	os.Remove(s.path)

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

// Addr returns the socket path.
func (s *Server) Addr() string { return s.path }

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
		tcp.AttachConn(conn, s.codec, s.manager, s.log)
	}
}
