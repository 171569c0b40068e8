// Package ops defines the external operation collaborators the dispatcher
// routes to: scene/script editing, scene execution, performance sampling,
// and snapshots. The protocol layer treats every implementation as a black
// box; the in-memory implementation in this package exists so the daemon is
// runnable and the contract testable without a live editor.
package ops

import (
	"context"
	"fmt"
)

// Error is the raw failure shape a collaborator surfaces. Raw carries the
// collaborator-native field names; the taxonomy layer normalizes them.
type Error struct {
	Kind string // "compile", "runtime", or "execution"
	Raw  map[string]interface{}
}

func (e *Error) Error() string {
	for _, key := range []string{"message", "msg", "error_message", "error"} {
		if s, ok := e.Raw[key].(string); ok && s != "" {
			return s
		}
	}
	return e.Kind + " error"
}

// RuntimeError builds a runtime-kind collaborator error.
func RuntimeError(message string, fields map[string]interface{}) *Error {
	return opError("runtime", message, fields)
}

// CompileError builds a compile-kind collaborator error.
func CompileError(message string, fields map[string]interface{}) *Error {
	return opError("compile", message, fields)
}

// ExecutionError builds an execution-kind collaborator error.
func ExecutionError(message string, fields map[string]interface{}) *Error {
	return opError("execution", message, fields)
}

func opError(kind, message string, fields map[string]interface{}) *Error {
	raw := map[string]interface{}{"message": message}
	for k, v := range fields {
		raw[k] = v
	}
	return &Error{Kind: kind, Raw: raw}
}

// Result is the success payload of an operation, merged into the response
// envelope's action-specific fields.
type Result map[string]interface{}

// CreateSceneParams are the inputs for creating a scene.
type CreateSceneParams struct {
	Name       string
	ParentPath string
	SceneType  string
	SavePath   string
	Metadata   map[string]interface{}
}

// AddNodeParams are the inputs for instantiating a node.
type AddNodeParams struct {
	NodeType   string
	ParentPath string
	Name       string
	Position   []float64
	Rotation   []float64
	Scale      []float64
}

// SetPropertyParams are the inputs for setting a node property.
type SetPropertyParams struct {
	NodePath     string
	PropertyName string
	Value        interface{}
}

// AttachScriptParams are the inputs for attaching an existing script.
type AttachScriptParams struct {
	NodePath   string
	ScriptPath string
}

// CreateScriptParams are the inputs for creating a script file.
type CreateScriptParams struct {
	Path string
	Name string
	Code string
}

// ModifyScriptParams are the inputs for modifying a script. Modifications
// may be a full replacement string or a mapping with an "append" entry.
type ModifyScriptParams struct {
	Path          string
	Modifications interface{}
}

// SceneOps is the scene/script editing collaborator.
type SceneOps interface {
	CreateScene(ctx context.Context, p CreateSceneParams) (Result, error)
	AddNode(ctx context.Context, p AddNodeParams) (Result, error)
	SetProperty(ctx context.Context, p SetPropertyParams) (Result, error)
	AttachScript(ctx context.Context, p AttachScriptParams) (Result, error)
	CreateScript(ctx context.Context, p CreateScriptParams) (Result, error)
	ModifyScript(ctx context.Context, p ModifyScriptParams) (Result, error)
	DeleteNode(ctx context.Context, nodePath string) (Result, error)
	SaveScene(ctx context.Context, scenePath string) (Result, error)
}

// Runner executes a scene. Run blocks until the execution context signals
// readiness or ctx expires; implementations must honor cancellation.
type Runner interface {
	Run(ctx context.Context, scenePath string) (Result, error)
	// Stop interrupts an in-flight run at its next yield point.
	Stop()
}

// Sample is one performance measurement.
type Sample struct {
	FPS           float64 `json:"fps"`
	DrawCalls     int     `json:"draw_calls"`
	NodeCount     int     `json:"node_count"`
	MemoryUsageMB float64 `json:"memory_usage_mb"`
	PhysicsTimeMS float64 `json:"physics_time_ms"`
}

// PerformanceSampler reports live performance metrics.
type PerformanceSampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// Snapshot is the introspection payload for get_snapshot.
type Snapshot struct {
	SceneTree map[string]interface{} `json:"scene_tree"`
	Scripts   []string               `json:"scripts"`
	InputMap  map[string]interface{} `json:"input_map"`
	Autoloads map[string]string      `json:"autoloads"`
}

// SnapshotProvider produces introspection snapshots.
type SnapshotProvider interface {
	Snapshot(ctx context.Context, options map[string]interface{}) (Snapshot, error)
}

// NotFound is a convenience for the common runtime failure shape.
func NotFound(what, path string) *Error {
	return RuntimeError(
		fmt.Sprintf("%s not found: %s", what, path),
		map[string]interface{}{"path": path},
	)
}
