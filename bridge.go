// Package bridge wires the protocol engine to a transport: parsing,
// security validation, dispatch, the retry ledger, and session management
// behind one Server facade. Editor-specific behavior enters through the
// ops collaborator interfaces.
package bridge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/godotai/bridge/dispatch"
	"github.com/godotai/bridge/ops"
	"github.com/godotai/bridge/protocol"
	"github.com/godotai/bridge/retry"
	"github.com/godotai/bridge/security"
	"github.com/godotai/bridge/session"
	"github.com/godotai/bridge/taxonomy"
	"github.com/godotai/bridge/transport/inprocess"
	"github.com/godotai/bridge/transport/tcp"
	"github.com/godotai/bridge/transport/unix"
	"github.com/godotai/bridge/transport/ws"
)

// Transport is the lifecycle contract every transport server satisfies.
type Transport interface {
	// Start begins accepting connections. It blocks until the context is
	// cancelled or an error occurs.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the transport within the context
	// deadline.
	Stop(ctx context.Context) error

	// Addr returns the address the transport is bound to. The format
	// depends on the transport type.
	Addr() string
}

// ServerConfig configures a bridge server.
type ServerConfig struct {
	// Transport specifies the transport type: "in-process", "unix",
	// "tcp", or "ws". Empty means in-process.
	Transport string

	// Addr is the address to bind to:
	//   - in-process: ignored
	//   - unix: socket file path (e.g. "/tmp/bridge.sock")
	//   - tcp, ws: host:port (e.g. "localhost:9080" or ":9080")
	Addr string

	// Codec specifies the message encoding for unix and tcp transports:
	// "json" or "msgpack". WebSocket always carries JSON text frames;
	// in-process needs no encoding.
	Codec string

	// MaxSessions caps concurrent sessions. Zero means the default.
	MaxSessions int

	// IdleTimeout is how long a session may stay silent before it is
	// closed. Zero means the default, negative disables.
	IdleTimeout time.Duration

	// AllowedRoots are the path prefixes commands may reference. Empty
	// means the built-in defaults.
	AllowedRoots []string

	// MaxRetries caps correction attempts per command lineage. Zero
	// means the default.
	MaxRetries int

	// RunTimeout bounds run_scene waits. Zero means the default.
	RunTimeout time.Duration

	// Scene, Runner, Sampler, and Snapshots are the editor-side
	// collaborators. Any left nil is backed by the shared in-memory
	// implementation.
	Scene     ops.SceneOps
	Runner    ops.Runner
	Sampler   ops.PerformanceSampler
	Snapshots ops.SnapshotProvider

	Logger *zap.Logger
}

// Server is a running bridge: one transport in front of one session
// manager and dispatcher.
type Server struct {
	transport  Transport
	manager    *session.Manager
	dispatcher *dispatch.Dispatcher
	inproc     *inprocess.Server
	log        *zap.Logger
}

// NewServer assembles a bridge server from the given configuration.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Codec == "" {
		config.Codec = "json"
	}
	log := config.Logger
	if log == nil {
		log = zap.NewNop()
	}

	if config.Scene == nil || config.Runner == nil || config.Sampler == nil || config.Snapshots == nil {
		mem := ops.NewInMemory()
		if config.Scene == nil {
			config.Scene = mem
		}
		if config.Runner == nil {
			config.Runner = mem
		}
		if config.Sampler == nil {
			config.Sampler = mem
		}
		if config.Snapshots == nil {
			config.Snapshots = mem
		}
	}

	validator := security.NewValidator(config.AllowedRoots...)
	history := taxonomy.NewHistory()
	maxRetries := config.MaxRetries
	if maxRetries == 0 {
		maxRetries = retry.DefaultMaxAttempts
	}
	retries := retry.NewController(maxRetries)

	// The dispatcher reports session state in get_status; the manager is
	// built after it, so the status hook binds late.
	var manager *session.Manager
	dispatcher := dispatch.New(dispatch.Config{
		Scene:      config.Scene,
		Runner:     config.Runner,
		Sampler:    config.Sampler,
		Snapshots:  config.Snapshots,
		History:    history,
		Retries:    retries,
		Validator:  validator,
		Logger:     log,
		RunTimeout: config.RunTimeout,
		StatusFunc: func() map[string]interface{} {
			if manager == nil {
				return nil
			}
			return manager.Status()
		},
	})

	manager = session.NewManager(session.Config{
		Dispatcher:  dispatcher,
		Validator:   validator,
		History:     history,
		Snapshots:   config.Snapshots,
		Logger:      log,
		MaxSessions: config.MaxSessions,
		IdleTimeout: config.IdleTimeout,
	})

	srv := &Server{
		manager:    manager,
		dispatcher: dispatcher,
		log:        log,
	}

	switch config.Transport {
	case "in-process", "":
		srv.inproc = inprocess.NewServer(manager)
		srv.transport = srv.inproc
	case "unix":
		if config.Addr == "" {
			return nil, fmt.Errorf("unix transport requires Addr")
		}
		srv.transport = unix.NewServer(config.Addr, config.Codec, manager, log)
	case "tcp":
		if config.Addr == "" {
			return nil, fmt.Errorf("tcp transport requires Addr")
		}
		srv.transport = tcp.NewServer(config.Addr, config.Codec, manager, log)
	case "ws":
		if config.Addr == "" {
			return nil, fmt.Errorf("ws transport requires Addr")
		}
		srv.transport = ws.NewServer(config.Addr, manager, log)
	default:
		return nil, fmt.Errorf("unknown transport: %s", config.Transport)
	}
	return srv, nil
}

// Start begins accepting connections. It blocks until the context is
// cancelled or the transport fails.
func (s *Server) Start(ctx context.Context) error {
	return s.transport.Start(ctx)
}

// Stop shuts down the transport, interrupts any in-flight scene run, and
// closes every session.
func (s *Server) Stop(ctx context.Context) error {
	err := s.transport.Stop(ctx)
	s.dispatcher.StopRun()
	s.manager.Close()
	return err
}

// Addr returns the transport's bound address.
func (s *Server) Addr() string { return s.transport.Addr() }

// Dial creates an in-process connection to this server. It fails for
// socket transports; use Connect with the server address instead.
func (s *Server) Dial() (protocol.Codec, error) {
	if s.inproc == nil {
		return nil, fmt.Errorf("dial requires the in-process transport")
	}
	return s.inproc.Dial()
}

// Manager exposes the session manager, for broadcast and inspection.
func (s *Server) Manager() *session.Manager { return s.manager }

// Dispatcher exposes the dispatcher, for embedded callers that bypass
// transports entirely.
func (s *Server) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }

// DialAddr connects to a bridge server at the given address, auto-detecting
// the transport from the address shape.
func DialAddr(ctx context.Context, addr, codecFormat string) (protocol.Codec, error) {
	transport, rest := detectTransport(addr)
	switch transport {
	case "unix":
		return unix.Dial(ctx, rest, codecFormat)
	case "tcp":
		return tcp.Dial(ctx, rest, codecFormat)
	case "ws":
		return ws.Dial(ctx, addr)
	default:
		return nil, fmt.Errorf("cannot dial transport %q", transport)
	}
}

// detectTransport detects the transport type from an address string and
// returns it with the scheme prefix stripped.
func detectTransport(addr string) (transport, rest string) {
	switch {
	case strings.HasPrefix(addr, "unix://"):
		return "unix", strings.TrimPrefix(addr, "unix://")
	case strings.HasPrefix(addr, "tcp://"):
		return "tcp", strings.TrimPrefix(addr, "tcp://")
	case strings.HasPrefix(addr, "ws://"), strings.HasPrefix(addr, "wss://"):
		return "ws", addr
	case addr == "" || addr == "in-process":
		return "in-process", ""
	case addr[0] == '/' || addr[0] == '.':
		return "unix", addr
	default:
		return "tcp", addr
	}
}
