// Package client is the agent-side caller: it speaks the bridge protocol
// over any codec, correlates responses by request id, and wraps the retry
// handshake and batch building flows.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/godotai/bridge/parser"
	"github.com/godotai/bridge/protocol"
)

// Client is a synchronous protocol client over one connection. It is safe
// for concurrent use; requests are serialized.
type Client struct {
	mu    sync.Mutex
	codec protocol.Codec
	log   *zap.Logger

	welcome  *protocol.Envelope
	snapshot *protocol.Envelope
}

// New wraps an established codec. Handshake must be called before Do.
func New(codec protocol.Codec, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{codec: codec, log: log}
}

// Handshake consumes the server's welcome envelope and initial state
// snapshot, in that order.
func (c *Client) Handshake() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	welcome, err := c.read()
	if err != nil {
		return fmt.Errorf("failed to read welcome: %w", err)
	}
	if welcome.Type != "welcome" {
		return fmt.Errorf("expected welcome envelope, got type %q", welcome.Type)
	}
	c.welcome = welcome

	snapshot, err := c.read()
	if err != nil {
		return fmt.Errorf("failed to read initial snapshot: %w", err)
	}
	c.snapshot = snapshot

	if v, ok := welcome.Data["protocol_version"].(string); ok && v != protocol.Version {
		c.log.Warn("protocol version mismatch",
			zap.String("server", v),
			zap.String("client", protocol.Version))
	}
	return nil
}

// Welcome returns the server's welcome envelope, nil before Handshake.
func (c *Client) Welcome() *protocol.Envelope { return c.welcome }

// InitialSnapshot returns the state snapshot sent at connect time, nil
// before Handshake.
func (c *Client) InitialSnapshot() *protocol.Envelope { return c.snapshot }

// Command builds a validated command from an action and its fields.
func Command(action string, fields map[string]interface{}) (*protocol.Command, error) {
	obj := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		obj[k] = v
	}
	obj["action"] = action
	cmd, perr := parser.FromObject(obj)
	if perr != nil {
		return nil, fmt.Errorf("invalid command: %s", perr.Reason)
	}
	return cmd, nil
}

// Do sends one command and returns the envelope that answers it. The
// request id is generated when absent; unrelated envelopes such as
// broadcasts are skipped.
func (c *Client) Do(ctx context.Context, cmd *protocol.Command) (*protocol.Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cmd.RequestID == "" {
		cmd.RequestID = parser.NewRequestID()
	}
	raw, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}
	if err := c.codec.WriteMessage(raw); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	for {
		env, err := c.read()
		if err != nil {
			return nil, fmt.Errorf("failed to receive response: %w", err)
		}
		if env.RequestID == cmd.RequestID {
			return env, nil
		}
		c.log.Debug("skipping unrelated envelope",
			zap.String("want", cmd.RequestID),
			zap.String("got", env.RequestID),
			zap.String("type", env.Type))
	}
}

// Retry asks the server to re-run a previously failed command. The
// original command is embedded verbatim; the server replays it against its
// retry ledger.
func (c *Client) Retry(ctx context.Context, original *protocol.Command) (*protocol.Envelope, error) {
	cmd := &protocol.Command{
		Action: protocol.ActionRetry,
		Fields: map[string]protocol.Value{
			"original_command": originalValue(original),
		},
	}
	return c.Do(ctx, cmd)
}

func originalValue(original *protocol.Command) protocol.Value {
	fields := make(map[string]protocol.Value, len(original.Fields)+3)
	for k, v := range original.Fields {
		fields[k] = v.Clone()
	}
	fields["action"] = protocol.String(string(original.Action))
	if original.RequestID != "" {
		fields["request_id"] = protocol.String(original.RequestID)
	}
	if original.AutoRun {
		fields["auto_run"] = protocol.Bool(true)
	}
	return protocol.Map(fields)
}

// Batch runs commands in order and stops at the first error envelope. The
// returned slice holds every response received, including the failing one.
func (c *Client) Batch(ctx context.Context, cmds []*protocol.Command) ([]*protocol.Envelope, error) {
	results := make([]*protocol.Envelope, 0, len(cmds))
	for i, cmd := range cmds {
		env, err := c.Do(ctx, cmd)
		if err != nil {
			return results, fmt.Errorf("batch step %d (%s): %w", i, cmd.Action, err)
		}
		results = append(results, env)
		if env.IsError() {
			return results, nil
		}
	}
	return results, nil
}

func (c *Client) read() (*protocol.Envelope, error) {
	raw, err := c.codec.ReadMessage()
	if err != nil {
		return nil, err
	}
	env := &protocol.Envelope{}
	if err := json.Unmarshal(raw, env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	return env, nil
}

// Close closes the underlying codec.
func (c *Client) Close() error {
	return c.codec.Close()
}
