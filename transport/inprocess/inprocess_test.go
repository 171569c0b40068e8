package inprocess

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/godotai/bridge/client"
	"github.com/godotai/bridge/dispatch"
	"github.com/godotai/bridge/ops"
	"github.com/godotai/bridge/retry"
	"github.com/godotai/bridge/security"
	"github.com/godotai/bridge/session"
	"github.com/godotai/bridge/taxonomy"
)

func newTestManager(t *testing.T) *session.Manager {
	t.Helper()
	mem := ops.NewInMemory()
	m := session.NewManager(session.Config{
		Dispatcher: dispatch.New(dispatch.Config{
			Scene:     mem,
			Runner:    mem,
			Sampler:   mem,
			Snapshots: mem,
			History:   taxonomy.NewHistory(),
			Retries:   retry.NewController(5),
			Validator: security.NewValidator(),
			Logger:    zap.NewNop(),
		}),
		Validator: security.NewValidator(),
		Snapshots: mem,
		Logger:    zap.NewNop(),
	})
	t.Cleanup(m.Close)
	return m
}

func TestPipeRoundTrip(t *testing.T) {
	a, b := Pipe()
	defer a.Close()

	msg := []byte(`{"action":"get_status"}`)
	if err := a.WriteMessage(msg); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	got, err := b.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("expected %q, got %q", msg, got)
	}

	// Both directions work.
	if err := b.WriteMessage([]byte("reply")); err != nil {
		t.Fatalf("reverse write failed: %v", err)
	}
	got, err = a.ReadMessage()
	if err != nil || string(got) != "reply" {
		t.Errorf("reverse read: got %q, err %v", got, err)
	}
}

func TestPipeWriterBufferReuse(t *testing.T) {
	a, b := Pipe()
	defer a.Close()

	buf := []byte("first")
	if err := a.WriteMessage(buf); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	copy(buf, "xxxxx")
	got, err := b.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(got) != "first" {
		t.Errorf("payload aliased the caller's buffer: got %q", got)
	}
}

func TestPipeCloseSemantics(t *testing.T) {
	a, b := Pipe()

	// Messages queued before close still drain.
	if err := a.WriteMessage([]byte("queued")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	a.Close()

	got, err := b.ReadMessage()
	if err != nil || string(got) != "queued" {
		t.Fatalf("queued message lost: got %q, err %v", got, err)
	}
	if _, err := b.ReadMessage(); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF after drain, got %v", err)
	}
	if err := b.WriteMessage([]byte("late")); !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("expected io.ErrClosedPipe, got %v", err)
	}
	// Close is idempotent on either end.
	if err := b.Close(); err != nil {
		t.Errorf("second close failed: %v", err)
	}
}

func TestServerDialHandshake(t *testing.T) {
	manager := newTestManager(t)
	server := NewServer(manager)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = server.Start(ctx) }()

	codec, err := server.Dial()
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	c := client.New(codec, zap.NewNop())
	defer c.Close()

	if err := c.Handshake(); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	if c.Welcome() == nil || c.InitialSnapshot() == nil {
		t.Fatal("expected welcome and initial snapshot envelopes")
	}

	cmd, err := client.Command("create_scene", map[string]interface{}{
		"name":        "Arena",
		"parent_path": "res://",
	})
	if err != nil {
		t.Fatalf("command build failed: %v", err)
	}
	reqCtx, reqCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer reqCancel()
	env, err := c.Do(reqCtx, cmd)
	if err != nil {
		t.Fatalf("do failed: %v", err)
	}
	if !env.IsSuccess() {
		t.Fatalf("expected success, got %s: %s", env.Status, env.Message)
	}
	if env.Data["scene_path"] != "res://scenes/arena.tscn" {
		t.Errorf("unexpected scene_path: %v", env.Data["scene_path"])
	}

	if server.Addr() != "in-process" {
		t.Errorf("unexpected addr %q", server.Addr())
	}
}

func TestServerDialRespectsSessionCap(t *testing.T) {
	mem := ops.NewInMemory()
	manager := session.NewManager(session.Config{
		Dispatcher: dispatch.New(dispatch.Config{
			Scene: mem, Runner: mem, Sampler: mem, Snapshots: mem,
			Logger: zap.NewNop(),
		}),
		MaxSessions: 1,
		Logger:      zap.NewNop(),
	})
	defer manager.Close()
	server := NewServer(manager)

	first, err := server.Dial()
	if err != nil {
		t.Fatalf("first dial failed: %v", err)
	}
	defer first.Close()

	if _, err := server.Dial(); !errors.Is(err, session.ErrTooManySessions) {
		t.Errorf("expected ErrTooManySessions, got %v", err)
	}
}
