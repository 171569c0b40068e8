package unix

import (
	"context"
	"os"
	"path/filepath"
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

func startTestServer(t *testing.T, path string) *Server {
	t.Helper()
	server := NewServer(path, "json", newTestManager(t), zap.NewNop())
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
	})
	return server
}

func TestSocketPermissionsAndRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.sock")
	server := startTestServer(t, path)

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("socket file missing: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("expected socket mode 0600, got %04o", perm)
	}
	if server.Addr() != path {
		t.Errorf("unexpected addr %q", server.Addr())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	codec, err := Dial(ctx, path, "json")
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	c := client.New(codec, zap.NewNop())
	defer c.Close()

	if err := c.Handshake(); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	cmd, err := client.Command("get_status", nil)
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

func TestStaleSocketRemovedOnStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.sock")
	if err := os.WriteFile(path, []byte("stale"), 0600); err != nil {
		t.Fatalf("failed to plant stale socket file: %v", err)
	}

	startTestServer(t, path)

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("socket file missing after start: %v", err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		t.Error("expected the stale file to be replaced by a socket")
	}
}

func TestStopRemovesSocketFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.sock")
	server := NewServer(path, "json", newTestManager(t), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = server.Start(ctx) }()
	time.Sleep(100 * time.Millisecond)

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := server.Stop(stopCtx); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("socket file still present after stop: %v", err)
	}
}
