package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/godotai/bridge/parser"
	"github.com/godotai/bridge/protocol"
	"github.com/godotai/bridge/taxonomy"
)

// State is a session's lifecycle phase.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// outboundQueueSize bounds per-session buffered responses. A session that
// cannot drain its queue is counted as a failed broadcast target rather
// than blocking the sender.
const outboundQueueSize = 64

// Session is one protocol connection. Inbound messages are processed on a
// single reader goroutine so responses preserve arrival order; outbound
// writes go through a dedicated writer goroutine.
type Session struct {
	id    uint64
	codec protocol.Codec
	mgr   *Manager
	log   *zap.Logger

	outbound chan []byte
	quit     chan struct{}
	once     sync.Once

	mu         sync.Mutex
	state      State
	lastActive time.Time
}

// ID returns the session's manager-unique identifier.
func (s *Session) ID() uint64 { return s.id }

// State returns the session's current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Close begins a graceful shutdown: queued responses are flushed, then the
// underlying codec is closed. Safe to call multiple times.
func (s *Session) Close() {
	s.once.Do(func() {
		s.setState(StateClosing)
		close(s.quit)
		s.mgr.remove(s)
	})
}

// send queues one marshaled envelope. It reports false when the session is
// closing or its queue is full.
func (s *Session) send(raw []byte) bool {
	select {
	case <-s.quit:
		return false
	default:
	}
	select {
	case s.outbound <- raw:
		return true
	case <-s.quit:
		return false
	default:
		return false
	}
}

// sendEnvelope marshals and queues one envelope.
func (s *Session) sendEnvelope(env *protocol.Envelope) bool {
	raw, err := json.Marshal(env)
	if err != nil {
		s.log.Error("envelope marshal failed", zap.Error(err))
		return false
	}
	return s.send(raw)
}

// readLoop is the single inbound pipeline: raw security validation, parse,
// structural security validation, dispatch. Rejections short-circuit into
// an error envelope without ever reaching the dispatcher.
func (s *Session) readLoop(ctx context.Context) {
	defer s.Close()
	for {
		raw, err := s.codec.ReadMessage()
		if err != nil {
			if s.State() == StateOpen {
				s.log.Debug("session read ended", zap.Uint64("session_id", s.id), zap.Error(err))
			}
			return
		}
		s.touch()
		s.handleMessage(ctx, raw)

		select {
		case <-ctx.Done():
			return
		case <-s.quit:
			return
		default:
		}
	}
}

func (s *Session) handleMessage(ctx context.Context, raw []byte) {
	if res := s.mgr.validator.ValidateMessage(raw); !res.Valid {
		s.reject(taxonomy.KindSecurity, res.Reason, res.Details, "", "")
		return
	}

	cmd, perr := parser.Parse(raw)
	if perr != nil {
		s.reject(taxonomy.KindParse, perr.Reason, perr.Details, "", "")
		return
	}

	if res := s.mgr.validator.ValidateCommand(cmd); !res.Valid {
		s.reject(taxonomy.KindSecurity, res.Reason, res.Details, cmd.Action, cmd.RequestID)
		return
	}

	env := s.mgr.dispatcher.Execute(ctx, cmd)
	if !s.sendEnvelope(env) && s.State() == StateOpen {
		s.log.Warn("response dropped, outbound queue full",
			zap.Uint64("session_id", s.id),
			zap.String("action", string(cmd.Action)),
			zap.String("request_id", cmd.RequestID))
	}
}

// reject records a boundary rejection in the shared history and answers
// with a formatted error envelope. Boundary rejections never enter the
// retry ledger; there is no trusted command identity to key a lineage on.
func (s *Session) reject(kind taxonomy.Kind, reason string, details map[string]interface{}, action protocol.Action, requestID string) {
	raw := map[string]interface{}{"message": reason}
	if len(details) > 0 {
		raw["details"] = details
	}
	rec := taxonomy.Capture(raw, kind)
	s.mgr.history.Append(rec)
	s.log.Warn("message rejected",
		zap.Uint64("session_id", s.id),
		zap.String("kind", string(kind)),
		zap.String("reason", reason))
	s.sendEnvelope(taxonomy.FormatResponse(rec, action, requestID))
}

// writeLoop drains the outbound queue. On quit it flushes whatever is
// queued, then closes the codec, which also unblocks the reader.
func (s *Session) writeLoop() {
	defer func() {
		s.codec.Close()
		s.setState(StateClosed)
	}()
	for {
		select {
		case raw := <-s.outbound:
			if err := s.codec.WriteMessage(raw); err != nil {
				s.log.Debug("session write failed", zap.Uint64("session_id", s.id), zap.Error(err))
				s.Close()
				return
			}
		case <-s.quit:
			for {
				select {
				case raw := <-s.outbound:
					if err := s.codec.WriteMessage(raw); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}
