package ws

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/godotai/bridge/client"
	"github.com/godotai/bridge/dispatch"
	"github.com/godotai/bridge/ops"
	"github.com/godotai/bridge/protocol"
	"github.com/godotai/bridge/retry"
	"github.com/godotai/bridge/security"
	"github.com/godotai/bridge/session"
	"github.com/godotai/bridge/taxonomy"
)

func startTestServer(t *testing.T, maxSessions int) *Server {
	t.Helper()
	mem := ops.NewInMemory()
	manager := session.NewManager(session.Config{
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
		Validator:   security.NewValidator(),
		Snapshots:   mem,
		MaxSessions: maxSessions,
		Logger:      zap.NewNop(),
	})

	server := NewServer("127.0.0.1:0", manager, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = server.Start(ctx) }()
	time.Sleep(100 * time.Millisecond)

	t.Cleanup(func() {
		cancel()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		defer stopCancel()
		if err := server.Stop(stopCtx); err != nil {
			t.Errorf("server stop failed: %v", err)
		}
		manager.Close()
	})
	return server
}

func TestUpgradeAndCommandRoundTrip(t *testing.T) {
	server := startTestServer(t, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	codec, err := Dial(ctx, server.Addr())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	c := client.New(codec, zap.NewNop())
	defer c.Close()

	if err := c.Handshake(); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	if c.Welcome().Data["protocol_version"] != protocol.Version {
		t.Errorf("unexpected protocol version: %v", c.Welcome().Data["protocol_version"])
	}

	cmd, err := client.Command("create_scene", map[string]interface{}{
		"name":        "Hub",
		"parent_path": "res://",
	})
	if err != nil {
		t.Fatalf("command build failed: %v", err)
	}
	env, err := c.Do(ctx, cmd)
	if err != nil {
		t.Fatalf("do failed: %v", err)
	}
	if !env.IsSuccess() {
		t.Fatalf("expected success, got %s: %s", env.Status, env.Message)
	}
	if env.Data["scene_path"] != "res://scenes/hub.tscn" {
		t.Errorf("unexpected scene_path: %v", env.Data["scene_path"])
	}
}

func TestDialAcceptsURLAndHostPort(t *testing.T) {
	server := startTestServer(t, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for _, addr := range []string{server.Addr(), "ws://" + server.Addr()} {
		codec, err := Dial(ctx, addr)
		if err != nil {
			t.Fatalf("dial %q failed: %v", addr, err)
		}
		c := client.New(codec, zap.NewNop())
		if err := c.Handshake(); err != nil {
			t.Errorf("handshake over %q failed: %v", addr, err)
		}
		c.Close()
	}
}

func TestRejectsOverCapacity(t *testing.T) {
	server := startTestServer(t, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	first, err := Dial(ctx, server.Addr())
	if err != nil {
		t.Fatalf("first dial failed: %v", err)
	}
	defer first.Close()
	c := client.New(first, zap.NewNop())
	if err := c.Handshake(); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}

	second, err := Dial(ctx, server.Addr())
	if err != nil {
		t.Fatalf("second dial failed: %v", err)
	}
	defer second.Close()

	raw, err := second.ReadMessage()
	if err != nil {
		t.Fatalf("expected a rejection envelope, got read error: %v", err)
	}
	env := &protocol.Envelope{}
	if err := json.Unmarshal(raw, env); err != nil {
		t.Fatalf("rejection envelope did not parse: %v", err)
	}
	if env.Type != "session_rejected" || env.Category != "capacity" {
		t.Errorf("unexpected rejection envelope: type %q category %q", env.Type, env.Category)
	}
}
