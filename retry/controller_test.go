package retry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/godotai/bridge/parser"
	"github.com/godotai/bridge/protocol"
	"github.com/godotai/bridge/taxonomy"
)

func testCommand(t *testing.T, obj map[string]interface{}) *protocol.Command {
	t.Helper()
	cmd, perr := parser.FromObject(obj)
	require.Nil(t, perr)
	return cmd
}

func failRecord() *taxonomy.Record {
	return taxonomy.Capture(map[string]interface{}{"message": "Unexpected token ')'"}, taxonomy.KindCompile)
}

func TestKey_IgnoresRequestIdentity(t *testing.T) {
	a := testCommand(t, map[string]interface{}{
		"action":     "save_scene",
		"scene_path": "res://scenes/level1.tscn",
		"request_id": "req_00000001",
	})
	b := testCommand(t, map[string]interface{}{
		"action":     "save_scene",
		"scene_path": "res://scenes/level1.tscn",
		"request_id": "req_00000002",
	})
	assert.Equal(t, Key(a), Key(b))
}

func TestKey_DistinguishesFields(t *testing.T) {
	a := testCommand(t, map[string]interface{}{
		"action":     "save_scene",
		"scene_path": "res://scenes/level1.tscn",
	})
	b := testCommand(t, map[string]interface{}{
		"action":     "save_scene",
		"scene_path": "res://scenes/level2.tscn",
	})
	assert.NotEqual(t, Key(a), Key(b))
}

func TestOnFailure_CountsUpToCeiling(t *testing.T) {
	c := NewController(5)
	cmd := testCommand(t, map[string]interface{}{
		"action":     "run_scene",
		"scene_path": "res://scenes/level1.tscn",
	})

	for want := 1; want <= 4; want++ {
		dec := c.OnFailure(cmd, failRecord())
		assert.False(t, dec.Aborted, "attempt %d", want)
		assert.Equal(t, want, dec.Attempts)
		assert.Equal(t, 5, dec.Max)
	}

	// Fifth failure hits the ceiling: terminal abort, counter reset.
	dec := c.OnFailure(cmd, failRecord())
	assert.True(t, dec.Aborted)
	assert.Equal(t, 5, dec.Attempts)
	assert.Equal(t, 0, c.Attempts(cmd))

	// A fresh identical command starts a new lineage from zero.
	dec = c.OnFailure(cmd, failRecord())
	assert.False(t, dec.Aborted)
	assert.Equal(t, 1, dec.Attempts)
}

func TestOnSuccess_ClosesLineage(t *testing.T) {
	c := NewController(5)
	cmd := testCommand(t, map[string]interface{}{
		"action":     "save_scene",
		"scene_path": "res://scenes/level1.tscn",
	})

	rec := failRecord()
	c.OnFailure(cmd, rec)
	c.OnFailure(cmd, failRecord())
	assert.Equal(t, 2, c.Attempts(cmd))

	superseded := c.OnSuccess(cmd)
	require.NotNil(t, superseded)
	assert.Equal(t, 0, c.Attempts(cmd))
	assert.Equal(t, 0, c.InFlight())

	// Success on an unknown lineage is a no-op.
	assert.Nil(t, c.OnSuccess(cmd))
}

func TestInFlight(t *testing.T) {
	c := NewController(5)
	a := testCommand(t, map[string]interface{}{
		"action":     "save_scene",
		"scene_path": "res://scenes/a.tscn",
	})
	b := testCommand(t, map[string]interface{}{
		"action":     "save_scene",
		"scene_path": "res://scenes/b.tscn",
	})

	assert.Equal(t, 0, c.InFlight())
	c.OnFailure(a, failRecord())
	c.OnFailure(b, failRecord())
	assert.Equal(t, 2, c.InFlight())
	c.OnSuccess(a)
	assert.Equal(t, 1, c.InFlight())
}

func TestNewController_DefaultCeiling(t *testing.T) {
	c := NewController(0)
	cmd := testCommand(t, map[string]interface{}{
		"action":     "run_scene",
		"scene_path": "res://scenes/level1.tscn",
	})
	var dec Decision
	for i := 0; i < DefaultMaxAttempts; i++ {
		dec = c.OnFailure(cmd, failRecord())
	}
	assert.True(t, dec.Aborted)
	assert.Equal(t, DefaultMaxAttempts, dec.Max)
}
