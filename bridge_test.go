package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/godotai/bridge/client"
	"github.com/godotai/bridge/protocol"
)

func startInProcess(t *testing.T, config ServerConfig) *Server {
	t.Helper()
	srv, err := NewServer(config)
	if err != nil {
		t.Fatalf("server setup failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Start(ctx) }()

	t.Cleanup(func() {
		cancel()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		defer stopCancel()
		if err := srv.Stop(stopCtx); err != nil {
			t.Errorf("server stop failed: %v", err)
		}
	})
	return srv
}

func connect(t *testing.T, srv *Server) *client.Client {
	t.Helper()
	codec, err := srv.Dial()
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	c := client.New(codec, nil)
	t.Cleanup(func() { c.Close() })
	if err := c.Handshake(); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	return c
}

func TestServerDefaultsToInProcess(t *testing.T) {
	srv := startInProcess(t, ServerConfig{})
	if srv.Addr() != "in-process" {
		t.Errorf("unexpected addr %q", srv.Addr())
	}

	c := connect(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cmd, err := client.Command("create_scene", map[string]interface{}{
		"name":        "Main",
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
}

func TestServerRetryFlowEndToEnd(t *testing.T) {
	srv := startInProcess(t, ServerConfig{MaxRetries: 5})
	c := connect(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// An unbalanced script fails compilation and opens a retry lineage.
	broken, err := client.Command("create_script", map[string]interface{}{
		"path": "res://scripts/hero.gd",
		"name": "hero",
		"code": "func _ready():\n\tprint((",
	})
	if err != nil {
		t.Fatalf("command build failed: %v", err)
	}
	env, err := c.Do(ctx, broken)
	if err != nil {
		t.Fatalf("do failed: %v", err)
	}
	if !env.IsError() || env.Type != "compile_error_correction" {
		t.Fatalf("expected compile_error_correction, got %q: %s", env.Type, env.Message)
	}
	if env.RetryCount != 1 {
		t.Errorf("expected retry_count 1, got %d", env.RetryCount)
	}

	env, err = c.Retry(ctx, broken)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if env.RetryCount != 2 {
		t.Errorf("expected retry_count 2 after replay, got %d", env.RetryCount)
	}
}

func TestServerStatusIncludesSessions(t *testing.T) {
	srv := startInProcess(t, ServerConfig{})
	c := connect(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cmd, err := client.Command("get_status", nil)
	if err != nil {
		t.Fatalf("command build failed: %v", err)
	}
	env, err := c.Do(ctx, cmd)
	if err != nil {
		t.Fatalf("do failed: %v", err)
	}
	if !env.IsSuccess() {
		t.Fatalf("expected success, got %s", env.Status)
	}
	if env.Data["active_sessions"] != float64(1) {
		t.Errorf("expected active_sessions 1, got %v", env.Data["active_sessions"])
	}
	if env.Data["protocol_version"] != protocol.Version {
		t.Errorf("unexpected protocol_version: %v", env.Data["protocol_version"])
	}
}

func TestNewServerConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		config ServerConfig
	}{
		{"unix without addr", ServerConfig{Transport: "unix"}},
		{"tcp without addr", ServerConfig{Transport: "tcp"}},
		{"ws without addr", ServerConfig{Transport: "ws"}},
		{"unknown transport", ServerConfig{Transport: "carrier-pigeon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewServer(tt.config); err == nil {
				t.Error("expected a configuration error")
			}
		})
	}
}

func TestDetectTransport(t *testing.T) {
	tests := []struct {
		addr          string
		wantTransport string
		wantRest      string
	}{
		{"unix:///tmp/bridge.sock", "unix", "/tmp/bridge.sock"},
		{"tcp://localhost:9080", "tcp", "localhost:9080"},
		{"ws://localhost:9080", "ws", "ws://localhost:9080"},
		{"wss://example.test", "ws", "wss://example.test"},
		{"", "in-process", ""},
		{"in-process", "in-process", ""},
		{"/tmp/bridge.sock", "unix", "/tmp/bridge.sock"},
		{"./bridge.sock", "unix", "./bridge.sock"},
		{"localhost:9080", "tcp", "localhost:9080"},
		{"127.0.0.1:9080", "tcp", "127.0.0.1:9080"},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			transport, rest := detectTransport(tt.addr)
			if transport != tt.wantTransport || rest != tt.wantRest {
				t.Errorf("detectTransport(%q) = %q, %q; want %q, %q",
					tt.addr, transport, rest, tt.wantTransport, tt.wantRest)
			}
		})
	}
}
