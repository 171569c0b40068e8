// Package inprocess provides a channel-backed transport with no sockets or
// serialization framing. It exists for tests and embedded use, where the
// agent and the bridge live in one process.
package inprocess

import (
	"context"

	"github.com/godotai/bridge/protocol"
	"github.com/godotai/bridge/session"
)

// Server admits in-process codec pairs into the session manager.
type Server struct {
	manager *session.Manager
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewServer creates an in-process server feeding the given session manager.
func NewServer(manager *session.Manager) *Server {
	return &Server{manager: manager}
}

// Start blocks until ctx is cancelled. There is nothing to listen on;
// connections arrive through Dial.
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	<-s.ctx.Done()
	return s.ctx.Err()
}

// Stop cancels the server context.
func (s *Server) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// Addr returns the address (always "in-process" for this transport).
func (s *Server) Addr() string {
	return "in-process"
}

// Dial creates a connected codec pair, attaches the server half as a new
// session, and returns the client half.
func (s *Server) Dial() (protocol.Codec, error) {
	clientSide, serverSide := Pipe()
	if _, err := s.manager.Attach(serverSide); err != nil {
		clientSide.Close()
		serverSide.Close()
		return nil, err
	}
	return clientSide, nil
}
