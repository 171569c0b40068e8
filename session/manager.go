// Package session owns connection lifecycles: admission against the
// session cap, the welcome handshake, ordered per-connection message
// processing, broadcast, and idle sweeping. Transports hand the manager a
// codec and step out of the way.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/godotai/bridge/dispatch"
	"github.com/godotai/bridge/ops"
	"github.com/godotai/bridge/protocol"
	"github.com/godotai/bridge/security"
	"github.com/godotai/bridge/taxonomy"
)

const (
	// DefaultMaxSessions caps concurrent connections.
	DefaultMaxSessions = 4

	// DefaultIdleTimeout is how long a session may stay silent before the
	// sweeper closes it.
	DefaultIdleTimeout = 5 * time.Minute

	sweepInterval = 30 * time.Second
)

// ErrTooManySessions is returned when admission would exceed the cap.
var ErrTooManySessions = errors.New("session: too many concurrent sessions")

// Config wires a Manager.
type Config struct {
	Dispatcher *dispatch.Dispatcher
	Validator  *security.Validator
	History    *taxonomy.History
	Logger     *zap.Logger

	// Snapshots, when set, contributes the initial state snapshot sent
	// after the welcome envelope.
	Snapshots ops.SnapshotProvider

	// MaxSessions defaults to DefaultMaxSessions when zero. Negative
	// disables the cap.
	MaxSessions int

	// IdleTimeout defaults to DefaultIdleTimeout when zero. Negative
	// disables sweeping.
	IdleTimeout time.Duration
}

// Manager admits codecs as sessions and owns their lifecycles.
type Manager struct {
	dispatcher  *dispatch.Dispatcher
	validator   *security.Validator
	history     *taxonomy.History
	snapshots   ops.SnapshotProvider
	log         *zap.Logger
	maxSessions int
	idleTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[uint64]*Session
	nextID   uint64
	wg       sync.WaitGroup
}

// NewManager creates a manager and starts its idle sweeper.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Validator == nil {
		cfg.Validator = security.NewValidator()
	}
	if cfg.History == nil {
		cfg.History = taxonomy.NewHistory()
	}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = dispatch.New(dispatch.Config{
			History: cfg.History,
			Logger:  cfg.Logger,
		})
	}
	maxSessions := cfg.MaxSessions
	if maxSessions == 0 {
		maxSessions = DefaultMaxSessions
	}
	idle := cfg.IdleTimeout
	if idle == 0 {
		idle = DefaultIdleTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		dispatcher:  cfg.Dispatcher,
		validator:   cfg.Validator,
		history:     cfg.History,
		snapshots:   cfg.Snapshots,
		log:         cfg.Logger,
		maxSessions: maxSessions,
		idleTimeout: idle,
		ctx:         ctx,
		cancel:      cancel,
		sessions:    make(map[uint64]*Session),
	}
	if idle > 0 {
		m.wg.Add(1)
		go m.sweepLoop()
	}
	return m
}

// Attach admits a codec as a new session, sends the welcome handshake, and
// starts the session's reader and writer goroutines. Attach returns
// ErrTooManySessions without writing anything when the cap is reached.
func (m *Manager) Attach(codec protocol.Codec) (*Session, error) {
	m.mu.Lock()
	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		return nil, ErrTooManySessions
	}
	m.nextID++
	s := &Session{
		id:         m.nextID,
		codec:      codec,
		mgr:        m,
		log:        m.log,
		outbound:   make(chan []byte, outboundQueueSize),
		quit:       make(chan struct{}),
		state:      StateConnecting,
		lastActive: time.Now(),
	}
	m.sessions[s.id] = s
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		s.writeLoop()
	}()

	s.sendEnvelope(m.welcome(s))
	if m.snapshots != nil {
		if snap, err := m.snapshots.Snapshot(m.ctx, nil); err == nil {
			s.sendEnvelope(protocol.NewSuccess(protocol.ActionGetSnapshot, "", map[string]interface{}{
				"scene_tree": snap.SceneTree,
				"scripts":    snap.Scripts,
				"input_map":  snap.InputMap,
				"autoloads":  snap.Autoloads,
			}))
		} else {
			m.log.Warn("initial snapshot failed", zap.Uint64("session_id", s.id), zap.Error(err))
		}
	}
	s.setState(StateOpen)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		s.readLoop(m.ctx)
	}()

	m.log.Info("session attached", zap.Uint64("session_id", s.id), zap.Int("active", m.Count()))
	return s, nil
}

func (m *Manager) welcome(s *Session) *protocol.Envelope {
	return &protocol.Envelope{
		Status:    protocol.StatusSuccess,
		Type:      "welcome",
		Timestamp: protocol.NowUnix(),
		Data: map[string]interface{}{
			"protocol_version":  protocol.Version,
			"session_id":        s.id,
			"max_message_bytes": protocol.MaxMessageBytes,
			"supported_actions": protocol.SupportedActions(),
		},
	}
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.id)
	active := len(m.sessions)
	m.mu.Unlock()
	m.log.Info("session detached", zap.Uint64("session_id", s.id), zap.Int("active", active))
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Broadcast queues one envelope on every live session and returns the ids
// of sessions that could not accept it, sorted ascending.
func (m *Manager) Broadcast(env *protocol.Envelope) []uint64 {
	raw, err := json.Marshal(env)
	if err != nil {
		m.log.Error("broadcast marshal failed", zap.Error(err))
		return nil
	}
	m.mu.Lock()
	targets := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		targets = append(targets, s)
	}
	m.mu.Unlock()

	var failed []uint64
	for _, s := range targets {
		if !s.send(raw) {
			failed = append(failed, s.id)
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i] < failed[j] })
	return failed
}

// Status reports session-level fields for get_status responses.
func (m *Manager) Status() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	states := make(map[string]interface{}, len(m.sessions))
	for id, s := range m.sessions {
		states[strconv.FormatUint(id, 10)] = s.State().String()
	}
	return map[string]interface{}{
		"active_sessions": len(m.sessions),
		"max_sessions":    m.maxSessions,
		"sessions":        states,
	}
}

// sweepLoop closes sessions that have been idle past the timeout. The
// sweep cadence never exceeds the idle timeout itself.
func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	interval := sweepInterval
	if m.idleTimeout < interval {
		interval = m.idleTimeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-m.idleTimeout)
			m.mu.Lock()
			var stale []*Session
			for _, s := range m.sessions {
				if s.idleSince().Before(cutoff) {
					stale = append(stale, s)
				}
			}
			m.mu.Unlock()
			for _, s := range stale {
				m.log.Info("closing idle session", zap.Uint64("session_id", s.id))
				s.Close()
			}
		}
	}
}

// Close shuts down every session and the sweeper, blocking until all
// session goroutines exit.
func (m *Manager) Close() {
	m.cancel()
	m.mu.Lock()
	targets := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		targets = append(targets, s)
	}
	m.mu.Unlock()
	for _, s := range targets {
		s.Close()
	}
	m.wg.Wait()
}
