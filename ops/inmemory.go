package ops

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// node is one entry in the in-memory scene tree.
type node struct {
	name     string
	nodeType string
	script   string
	props    map[string]interface{}
	children []string // ordered child paths
}

// InMemory is a reference implementation of all four collaborator
// interfaces backed by an in-memory scene tree. It exists for the daemon's
// standalone mode and for tests; it does not model a real editor.
type InMemory struct {
	mu      sync.Mutex
	nodes   map[string]*node  // node path -> node
	scenes  map[string]string // scene file path -> root node path
	scripts map[string]string // script file path -> code

	runDelay time.Duration
	stopCh   chan struct{}
}

// NewInMemory creates an empty in-memory editor with a "/root" node.
func NewInMemory() *InMemory {
	m := &InMemory{
		nodes:   make(map[string]*node),
		scenes:  make(map[string]string),
		scripts: make(map[string]string),
		stopCh:  make(chan struct{}),
	}
	m.nodes["/root"] = &node{name: "root", nodeType: "Node", props: map[string]interface{}{}}
	return m
}

// SetRunDelay makes Run take the given duration, for timeout and
// cancellation tests.
func (m *InMemory) SetRunDelay(d time.Duration) { m.runDelay = d }

// CreateScene creates a scene rooted at a new node under /root and records
// a scene file path for it.
func (m *InMemory) CreateScene(ctx context.Context, p CreateSceneParams) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sceneType := p.SceneType
	if sceneType == "" {
		sceneType = "Node2D"
	}
	savePath := p.SavePath
	if savePath == "" {
		savePath = "res://scenes/" + strings.ToLower(p.Name) + ".tscn"
	}
	if _, exists := m.scenes[savePath]; exists {
		return nil, RuntimeError("scene already exists: "+savePath, map[string]interface{}{"path": savePath})
	}
	rootPath := "/root/" + p.Name
	if _, exists := m.nodes[rootPath]; exists {
		return nil, RuntimeError("node already exists: "+rootPath, map[string]interface{}{"path": rootPath})
	}

	m.nodes[rootPath] = &node{name: p.Name, nodeType: sceneType, props: map[string]interface{}{}}
	m.nodes["/root"].children = append(m.nodes["/root"].children, rootPath)
	m.scenes[savePath] = rootPath

	return Result{
		"scene_path": savePath,
		"root_path":  rootPath,
		"scene_type": sceneType,
	}, nil
}

// AddNode instantiates a node under an existing parent.
func (m *InMemory) AddNode(ctx context.Context, p AddNodeParams) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	parent, ok := m.nodes[p.ParentPath]
	if !ok {
		return nil, NotFound("parent node", p.ParentPath)
	}
	path := p.ParentPath + "/" + p.Name
	if _, exists := m.nodes[path]; exists {
		return nil, RuntimeError("node already exists: "+path, map[string]interface{}{"path": path})
	}

	props := map[string]interface{}{}
	if p.Position != nil {
		props["position"] = p.Position
	}
	if p.Rotation != nil {
		props["rotation"] = p.Rotation
	}
	if p.Scale != nil {
		props["scale"] = p.Scale
	}
	m.nodes[path] = &node{name: p.Name, nodeType: p.NodeType, props: props}
	parent.children = append(parent.children, path)

	return Result{
		"node_path": path,
		"node_type": p.NodeType,
	}, nil
}

// SetProperty sets a property on an existing node. When the property
// already exists its runtime type wins: numbers coerce onto numbers,
// anything else must match kinds or the call fails with a runtime error.
func (m *InMemory) SetProperty(ctx context.Context, p SetPropertyParams) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[p.NodePath]
	if !ok {
		return nil, NotFound("node", p.NodePath)
	}
	existing, had := n.props[p.PropertyName]
	if had {
		coerced, err := coerce(existing, p.Value)
		if err != nil {
			return nil, RuntimeError(
				fmt.Sprintf("type mismatch for property %q: %v", p.PropertyName, err),
				map[string]interface{}{"property": p.PropertyName},
			)
		}
		n.props[p.PropertyName] = coerced
	} else {
		n.props[p.PropertyName] = p.Value
	}

	return Result{
		"node_path": p.NodePath,
		"property":  p.PropertyName,
	}, nil
}

// coerce converts value to the runtime type of existing.
func coerce(existing, value interface{}) (interface{}, error) {
	switch existing.(type) {
	case float64, int:
		switch v := value.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case bool:
			if v {
				return float64(1), nil
			}
			return float64(0), nil
		default:
			return nil, fmt.Errorf("cannot convert %T to number", value)
		}
	case string:
		if s, ok := value.(string); ok {
			return s, nil
		}
		return fmt.Sprintf("%v", value), nil
	case bool:
		if b, ok := value.(bool); ok {
			return b, nil
		}
		return nil, fmt.Errorf("cannot convert %T to bool", value)
	default:
		return value, nil
	}
}

// AttachScript attaches a previously created script to a node.
func (m *InMemory) AttachScript(ctx context.Context, p AttachScriptParams) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[p.NodePath]
	if !ok {
		return nil, NotFound("node", p.NodePath)
	}
	if _, ok := m.scripts[p.ScriptPath]; !ok {
		return nil, RuntimeError("failed to load script: "+p.ScriptPath, map[string]interface{}{"path": p.ScriptPath})
	}
	n.script = p.ScriptPath

	return Result{
		"node_path":   p.NodePath,
		"script_path": p.ScriptPath,
	}, nil
}

// CreateScript stores a script after a structural check. Unbalanced
// brackets fail with a compile-kind error so the self-correction loop has
// something real to chew on.
func (m *InMemory) CreateScript(ctx context.Context, p CreateScriptParams) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if line, col, ok := findUnbalanced(p.Code); !ok {
		return nil, CompileError(
			"unexpected token: unbalanced bracket",
			map[string]interface{}{"file_path": p.Path, "line_number": line, "col": col},
		)
	}
	m.scripts[p.Path] = p.Code

	return Result{
		"script_path": p.Path,
		"script_name": p.Name,
	}, nil
}

// ModifyScript replaces or appends to an existing script.
func (m *InMemory) ModifyScript(ctx context.Context, p ModifyScriptParams) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	code, ok := m.scripts[p.Path]
	if !ok {
		return nil, RuntimeError("failed to load script: "+p.Path, map[string]interface{}{"path": p.Path})
	}

	var next string
	switch mod := p.Modifications.(type) {
	case string:
		next = mod
	case map[string]interface{}:
		appendCode, ok := mod["append"].(string)
		if !ok {
			return nil, ExecutionError("modifications mapping requires an 'append' string", nil)
		}
		next = code + "\n" + appendCode
	default:
		return nil, ExecutionError(
			fmt.Sprintf("unsupported modifications type %T", p.Modifications), nil)
	}
	if line, col, ok := findUnbalanced(next); !ok {
		return nil, CompileError(
			"unexpected token: unbalanced bracket",
			map[string]interface{}{"file_path": p.Path, "line_number": line, "col": col},
		)
	}
	m.scripts[p.Path] = next

	return Result{"script_path": p.Path}, nil
}

// DeleteNode removes a node and its subtree. The scene root is protected.
func (m *InMemory) DeleteNode(ctx context.Context, nodePath string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if nodePath == "/root" {
		return nil, RuntimeError("cannot delete the scene root", nil)
	}
	if _, ok := m.nodes[nodePath]; !ok {
		return nil, NotFound("node", nodePath)
	}

	removed := 0
	prefix := nodePath + "/"
	for path := range m.nodes {
		if path == nodePath || strings.HasPrefix(path, prefix) {
			delete(m.nodes, path)
			removed++
		}
	}
	for _, n := range m.nodes {
		kept := n.children[:0]
		for _, child := range n.children {
			if child != nodePath && !strings.HasPrefix(child, prefix) {
				kept = append(kept, child)
			}
		}
		n.children = kept
	}

	return Result{
		"node_path":     nodePath,
		"removed_count": removed,
	}, nil
}

// SaveScene marks a known scene as saved.
func (m *InMemory) SaveScene(ctx context.Context, scenePath string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.scenes[scenePath]; !ok {
		return nil, NotFound("scene", scenePath)
	}
	return Result{
		"scene_path": scenePath,
		"saved":      true,
	}, nil
}

// Run simulates scene execution: it waits for the configured delay, then
// reports an execution time. Cancellation and deadlines are honored at
// every yield point.
func (m *InMemory) Run(ctx context.Context, scenePath string) (Result, error) {
	m.mu.Lock()
	_, ok := m.scenes[scenePath]
	delay := m.runDelay
	stop := m.stopCh
	m.mu.Unlock()
	if !ok {
		return nil, NotFound("scene", scenePath)
	}

	started := time.Now()
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-stop:
			return nil, RuntimeError("run interrupted", map[string]interface{}{"scene": scenePath})
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return Result{
		"scene_path":     scenePath,
		"execution_time": time.Since(started).Seconds(),
	}, nil
}

// Stop interrupts any in-flight Run. Subsequent runs proceed normally.
func (m *InMemory) Stop() {
	m.mu.Lock()
	close(m.stopCh)
	m.stopCh = make(chan struct{})
	m.mu.Unlock()
}

// Sample reports deterministic metrics derived from the store size.
func (m *InMemory) Sample(ctx context.Context) (Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Sample{
		FPS:           60.0,
		DrawCalls:     len(m.nodes) * 2,
		NodeCount:     len(m.nodes),
		MemoryUsageMB: 64.0,
		PhysicsTimeMS: 1.5,
	}, nil
}

// Snapshot builds the introspection payload from the live tree.
func (m *InMemory) Snapshot(ctx context.Context, options map[string]interface{}) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	scripts := make([]string, 0, len(m.scripts))
	for path := range m.scripts {
		scripts = append(scripts, path)
	}
	sort.Strings(scripts)

	return Snapshot{
		SceneTree: m.treeMap("/root"),
		Scripts:   scripts,
		InputMap:  map[string]interface{}{},
		Autoloads: map[string]string{},
	}, nil
}

// treeMap renders a node and its children as the compact wire shape.
// Caller holds the lock.
func (m *InMemory) treeMap(path string) map[string]interface{} {
	n, ok := m.nodes[path]
	if !ok {
		return nil
	}
	out := map[string]interface{}{
		"path":        path,
		"name":        n.name,
		"type":        n.nodeType,
		"child_count": len(n.children),
	}
	if n.script != "" {
		out["script"] = n.script
	}
	if len(n.children) > 0 {
		children := make([]interface{}, 0, len(n.children))
		for _, child := range n.children {
			if cm := m.treeMap(child); cm != nil {
				children = append(children, cm)
			}
		}
		out["children"] = children
	}
	return out
}

// findUnbalanced scans code for bracket balance. It returns ok=false with
// the 1-based line and column of the first offending character.
func findUnbalanced(code string) (line, col int, ok bool) {
	type open struct{ ch byte; line, col int }
	var stack []open
	pairs := map[byte]byte{')': '(', ']': '[', '}': '{'}

	line, col = 1, 0
	for i := 0; i < len(code); i++ {
		ch := code[i]
		if ch == '\n' {
			line++
			col = 0
			continue
		}
		col++
		switch ch {
		case '(', '[', '{':
			stack = append(stack, open{ch, line, col})
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1].ch != pairs[ch] {
				return line, col, false
			}
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) > 0 {
		last := stack[len(stack)-1]
		return last.line, last.col, false
	}
	return 0, 0, true
}
