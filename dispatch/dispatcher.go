// Package dispatch routes validated commands to the external operation
// collaborators and assembles response envelopes. The dispatcher performs
// no scene or script mutation itself; side effects are strictly delegated.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/godotai/bridge/ops"
	"github.com/godotai/bridge/parser"
	"github.com/godotai/bridge/perf"
	"github.com/godotai/bridge/protocol"
	"github.com/godotai/bridge/retry"
	"github.com/godotai/bridge/security"
	"github.com/godotai/bridge/taxonomy"
)

// DefaultRunTimeout bounds run_scene waits unless the request overrides it
// via settings.timeout_sec.
const DefaultRunTimeout = 300 * time.Second

// commandHistoryCap bounds the executed-command log.
const commandHistoryCap = 1000

// Config wires the dispatcher's collaborators and shared state.
type Config struct {
	Scene     ops.SceneOps
	Runner    ops.Runner
	Sampler   ops.PerformanceSampler
	Snapshots ops.SnapshotProvider

	History   *taxonomy.History
	Retries   *retry.Controller
	Validator *security.Validator
	Logger    *zap.Logger

	// RunTimeout overrides DefaultRunTimeout when positive.
	RunTimeout time.Duration

	// StatusFunc, when set, contributes session-level fields to
	// get_status responses.
	StatusFunc func() map[string]interface{}
}

type historyEntry struct {
	action    protocol.Action
	requestID string
	status    protocol.Status
	when      time.Time
}

// Dispatcher routes commands strictly by action.
type Dispatcher struct {
	cfg        Config
	runTimeout time.Duration
	startedAt  time.Time
	log        *zap.Logger

	mu         sync.Mutex
	cmdHistory []historyEntry
}

// New creates a dispatcher. Missing collaborators are substituted with
// working defaults; nil editor-side collaborators share one in-memory
// implementation.
func New(cfg Config) *Dispatcher {
	if cfg.Scene == nil || cfg.Runner == nil || cfg.Sampler == nil || cfg.Snapshots == nil {
		mem := ops.NewInMemory()
		if cfg.Scene == nil {
			cfg.Scene = mem
		}
		if cfg.Runner == nil {
			cfg.Runner = mem
		}
		if cfg.Sampler == nil {
			cfg.Sampler = mem
		}
		if cfg.Snapshots == nil {
			cfg.Snapshots = mem
		}
	}
	if cfg.History == nil {
		cfg.History = taxonomy.NewHistory()
	}
	if cfg.Retries == nil {
		cfg.Retries = retry.NewController(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	timeout := cfg.RunTimeout
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}
	return &Dispatcher{
		cfg:        cfg,
		runTimeout: timeout,
		startedAt:  time.Now(),
		log:        cfg.Logger,
	}
}

// History returns the shared error history.
func (d *Dispatcher) History() *taxonomy.History { return d.cfg.History }

// Retries returns the shared retry controller.
func (d *Dispatcher) Retries() *retry.Controller { return d.cfg.Retries }

// StopRun interrupts an in-flight scene run at its next yield point.
func (d *Dispatcher) StopRun() {
	if d.cfg.Runner != nil {
		d.cfg.Runner.Stop()
	}
}

// Execute routes one command and returns its response envelope. Failures
// from collaborators pass through the error taxonomy and the retry
// controller; success closes the command's retry lineage.
func (d *Dispatcher) Execute(ctx context.Context, cmd *protocol.Command) *protocol.Envelope {
	var env *protocol.Envelope
	switch cmd.Action {
	case protocol.ActionCreateScene:
		env = d.createScene(ctx, cmd)
	case protocol.ActionAddNode:
		env = d.addNode(ctx, cmd)
	case protocol.ActionSetProperty:
		env = d.setProperty(ctx, cmd)
	case protocol.ActionAttachScript:
		env = d.attachScript(ctx, cmd)
	case protocol.ActionCreateScript:
		env = d.createScript(ctx, cmd)
	case protocol.ActionModifyScript:
		env = d.modifyScript(ctx, cmd)
	case protocol.ActionDeleteNode:
		env = d.deleteNode(ctx, cmd)
	case protocol.ActionRunScene:
		env = d.runScene(ctx, cmd)
	case protocol.ActionSaveScene:
		env = d.saveScene(ctx, cmd)
	case protocol.ActionGetSnapshot:
		env = d.getSnapshot(ctx, cmd)
	case protocol.ActionGetPerformance:
		env = d.getPerformance(ctx, cmd)
	case protocol.ActionRetry:
		env = d.handleRetry(ctx, cmd)
	case protocol.ActionGetStatus:
		env = d.getStatus(cmd)
	case protocol.ActionGetProtocol:
		env = d.getProtocol(cmd)
	default:
		// Unreachable behind the parser, but still handled.
		rec := taxonomy.Capture(map[string]interface{}{
			"message": fmt.Sprintf("unknown action: %q", cmd.Action),
		}, taxonomy.KindUnknownAction)
		d.cfg.History.Append(rec)
		env = taxonomy.FormatResponse(rec, cmd.Action, cmd.RequestID)
	}

	d.logCommand(cmd, env)
	if env.IsSuccess() {
		if cmd.AutoRun && cmd.Action != protocol.ActionRunScene {
			d.autoRun(cmd, env)
		}
	}
	return env
}

// success closes the retry lineage and builds the success envelope.
func (d *Dispatcher) success(cmd *protocol.Command, data map[string]interface{}) *protocol.Envelope {
	if rec := d.cfg.Retries.OnSuccess(cmd); rec != nil {
		d.cfg.History.Resolve(rec)
	}
	return protocol.NewSuccess(cmd.Action, cmd.RequestID, data)
}

// failure captures the raw error, records the lineage failure, and renders
// either a correction request or a terminal abort.
func (d *Dispatcher) failure(cmd *protocol.Command, kind taxonomy.Kind, raw map[string]interface{}) *protocol.Envelope {
	rec := taxonomy.Capture(raw, kind)
	d.cfg.History.Append(rec)
	dec := d.cfg.Retries.OnFailure(cmd, rec)

	env := taxonomy.FormatResponse(rec, cmd.Action, cmd.RequestID)
	env.RetryCount = dec.Attempts
	env.MaxRetries = dec.Max
	if dec.Aborted {
		env.Type = string(kind) + "_aborted"
		env.Message = fmt.Sprintf("retry ceiling of %d attempts exceeded: %s", dec.Max, rec.Message)
	} else {
		env.Type = string(kind) + "_error_correction"
	}
	d.log.Warn("command failed",
		zap.String("action", string(cmd.Action)),
		zap.String("request_id", cmd.RequestID),
		zap.String("kind", string(kind)),
		zap.Int("retry_count", dec.Attempts),
		zap.Bool("aborted", dec.Aborted))
	return env
}

// opFailure converts a collaborator error into the failure path.
func (d *Dispatcher) opFailure(cmd *protocol.Command, err error) *protocol.Envelope {
	var opErr *ops.Error
	if errors.As(err, &opErr) {
		return d.failure(cmd, kindOf(opErr.Kind), opErr.Raw)
	}
	return d.failure(cmd, taxonomy.KindExecution, map[string]interface{}{
		"message": err.Error(),
	})
}

func kindOf(kind string) taxonomy.Kind {
	switch kind {
	case "compile":
		return taxonomy.KindCompile
	case "runtime":
		return taxonomy.KindRuntime
	default:
		return taxonomy.KindExecution
	}
}

// fieldError is the rejection for a present-but-mistyped field. Presence
// is the parser's job; types are checked here at the point of use.
func (d *Dispatcher) fieldError(cmd *protocol.Command, field, want string) *protocol.Envelope {
	return d.failure(cmd, taxonomy.KindRuntime, map[string]interface{}{
		"message": fmt.Sprintf("invalid type for field %q: expected %s", field, want),
		"details": map[string]interface{}{"field": field},
	})
}

func (d *Dispatcher) createScene(ctx context.Context, cmd *protocol.Command) *protocol.Envelope {
	name, ok := cmd.StringField("name")
	if !ok {
		return d.fieldError(cmd, "name", "string")
	}
	parentPath, ok := cmd.StringField("parent_path")
	if !ok {
		return d.fieldError(cmd, "parent_path", "string")
	}
	p := ops.CreateSceneParams{Name: name, ParentPath: parentPath}
	if meta, ok := cmd.MapField("metadata"); ok {
		p.Metadata = valueMapToInterface(meta)
		if st, ok := p.Metadata["scene_type"].(string); ok {
			p.SceneType = st
		}
		if sp, ok := p.Metadata["save_path"].(string); ok {
			p.SavePath = sp
		}
	}
	result, err := d.cfg.Scene.CreateScene(ctx, p)
	if err != nil {
		return d.opFailure(cmd, err)
	}
	return d.success(cmd, result)
}

func (d *Dispatcher) addNode(ctx context.Context, cmd *protocol.Command) *protocol.Envelope {
	nodeType, ok := cmd.StringField("node_type")
	if !ok {
		return d.fieldError(cmd, "node_type", "string")
	}
	parentPath, ok := cmd.StringField("parent_path")
	if !ok {
		return d.fieldError(cmd, "parent_path", "string")
	}
	name, ok := cmd.StringField("name")
	if !ok {
		return d.fieldError(cmd, "name", "string")
	}
	p := ops.AddNodeParams{NodeType: nodeType, ParentPath: parentPath, Name: name}
	p.Position = vectorField(cmd, "position")
	p.Rotation = vectorField(cmd, "rotation")
	p.Scale = vectorField(cmd, "scale")

	result, err := d.cfg.Scene.AddNode(ctx, p)
	if err != nil {
		return d.opFailure(cmd, err)
	}
	return d.success(cmd, result)
}

func (d *Dispatcher) setProperty(ctx context.Context, cmd *protocol.Command) *protocol.Envelope {
	nodePath, ok := cmd.StringField("node_path")
	if !ok {
		return d.fieldError(cmd, "node_path", "string")
	}
	propertyName, ok := cmd.StringField("property_name")
	if !ok {
		return d.fieldError(cmd, "property_name", "string")
	}
	value, ok := cmd.Fields["value"]
	if !ok {
		return d.fieldError(cmd, "value", "any")
	}
	result, err := d.cfg.Scene.SetProperty(ctx, ops.SetPropertyParams{
		NodePath:     nodePath,
		PropertyName: propertyName,
		Value:        value.Interface(),
	})
	if err != nil {
		return d.opFailure(cmd, err)
	}
	return d.success(cmd, result)
}

func (d *Dispatcher) attachScript(ctx context.Context, cmd *protocol.Command) *protocol.Envelope {
	nodePath, ok := cmd.StringField("node_path")
	if !ok {
		return d.fieldError(cmd, "node_path", "string")
	}
	scriptPath, ok := cmd.StringField("script_path")
	if !ok {
		return d.fieldError(cmd, "script_path", "string")
	}
	result, err := d.cfg.Scene.AttachScript(ctx, ops.AttachScriptParams{
		NodePath:   nodePath,
		ScriptPath: scriptPath,
	})
	if err != nil {
		return d.opFailure(cmd, err)
	}
	return d.success(cmd, result)
}

func (d *Dispatcher) createScript(ctx context.Context, cmd *protocol.Command) *protocol.Envelope {
	path, ok := cmd.StringField("path")
	if !ok {
		return d.fieldError(cmd, "path", "string")
	}
	name, ok := cmd.StringField("name")
	if !ok {
		return d.fieldError(cmd, "name", "string")
	}
	code, ok := cmd.StringField("code")
	if !ok {
		return d.fieldError(cmd, "code", "string")
	}
	result, err := d.cfg.Scene.CreateScript(ctx, ops.CreateScriptParams{
		Path: path,
		Name: name,
		Code: code,
	})
	if err != nil {
		return d.opFailure(cmd, err)
	}
	return d.success(cmd, result)
}

func (d *Dispatcher) modifyScript(ctx context.Context, cmd *protocol.Command) *protocol.Envelope {
	path, ok := cmd.StringField("path")
	if !ok {
		return d.fieldError(cmd, "path", "string")
	}
	mods, ok := cmd.Fields["modifications"]
	if !ok {
		return d.fieldError(cmd, "modifications", "string or mapping")
	}
	result, err := d.cfg.Scene.ModifyScript(ctx, ops.ModifyScriptParams{
		Path:          path,
		Modifications: mods.Interface(),
	})
	if err != nil {
		return d.opFailure(cmd, err)
	}
	return d.success(cmd, result)
}

func (d *Dispatcher) deleteNode(ctx context.Context, cmd *protocol.Command) *protocol.Envelope {
	nodePath, ok := cmd.StringField("node_path")
	if !ok {
		return d.fieldError(cmd, "node_path", "string")
	}
	result, err := d.cfg.Scene.DeleteNode(ctx, nodePath)
	if err != nil {
		return d.opFailure(cmd, err)
	}
	return d.success(cmd, result)
}

func (d *Dispatcher) saveScene(ctx context.Context, cmd *protocol.Command) *protocol.Envelope {
	scenePath, ok := cmd.StringField("scene_path")
	if !ok {
		return d.fieldError(cmd, "scene_path", "string")
	}
	result, err := d.cfg.Scene.SaveScene(ctx, scenePath)
	if err != nil {
		return d.opFailure(cmd, err)
	}
	return d.success(cmd, result)
}

// runScene blocks until the run completes, the per-request timeout
// expires, or the caller cancels. A timeout is a runtime-kind error; the
// session manager is never blocked because each session processes inbound
// messages on its own goroutine.
func (d *Dispatcher) runScene(ctx context.Context, cmd *protocol.Command) *protocol.Envelope {
	scenePath, ok := cmd.StringField("scene_path")
	if !ok {
		return d.fieldError(cmd, "scene_path", "string")
	}
	timeout := d.runTimeout
	if v, ok := cmd.Setting("timeout_sec"); ok {
		if secs, isNum := v.Num(); isNum && secs > 0 {
			timeout = time.Duration(secs * float64(time.Second))
		}
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := d.cfg.Runner.Run(runCtx, scenePath)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return d.failure(cmd, taxonomy.KindRuntime, map[string]interface{}{
				"message": fmt.Sprintf("run wait timed out after %s", timeout),
				"details": map[string]interface{}{"scene_path": scenePath},
			})
		}
		return d.opFailure(cmd, err)
	}
	return d.success(cmd, result)
}

func (d *Dispatcher) getSnapshot(ctx context.Context, cmd *protocol.Command) *protocol.Envelope {
	var options map[string]interface{}
	if m, ok := cmd.MapField("settings"); ok {
		options = valueMapToInterface(m)
	}
	snap, err := d.cfg.Snapshots.Snapshot(ctx, options)
	if err != nil {
		return d.opFailure(cmd, err)
	}
	return d.success(cmd, map[string]interface{}{
		"scene_tree": snap.SceneTree,
		"scripts":    snap.Scripts,
		"input_map":  snap.InputMap,
		"autoloads":  snap.Autoloads,
	})
}

func (d *Dispatcher) getPerformance(ctx context.Context, cmd *protocol.Command) *protocol.Envelope {
	sample, err := d.cfg.Sampler.Sample(ctx)
	if err != nil {
		return d.opFailure(cmd, err)
	}
	return d.success(cmd, map[string]interface{}{
		"fps":             sample.FPS,
		"draw_calls":      sample.DrawCalls,
		"node_count":      sample.NodeCount,
		"memory_usage_mb": sample.MemoryUsageMB,
		"physics_time_ms": sample.PhysicsTimeMS,
		"analysis":        perf.Analyze(sample).Map(),
	})
}

// handleRetry re-invokes the dispatcher with the embedded original command
// verbatim. A retry without a well-formed original_command is rejected
// immediately as malformed, which is distinct from exhausting the ceiling.
func (d *Dispatcher) handleRetry(ctx context.Context, cmd *protocol.Command) *protocol.Envelope {
	original, ok := cmd.MapField("original_command")
	if !ok {
		return d.malformedRetry(cmd, "original_command must be a command object", nil)
	}
	obj := valueMapToInterface(original)
	originalCmd, perr := parser.FromObject(obj)
	if perr != nil {
		return d.malformedRetry(cmd, "invalid original_command: "+perr.Reason, perr.Details)
	}
	if d.cfg.Validator != nil {
		if res := d.cfg.Validator.ValidateCommand(originalCmd); !res.Valid {
			return d.malformedRetry(cmd, "original_command failed security validation: "+res.Reason, res.Details)
		}
	}
	d.log.Info("retrying command",
		zap.String("action", string(originalCmd.Action)),
		zap.String("request_id", cmd.RequestID),
		zap.Int("attempts_so_far", d.cfg.Retries.Attempts(originalCmd)))
	env := d.Execute(ctx, originalCmd)
	// The envelope answers the retry request, not the embedded original.
	env.RequestID = cmd.RequestID
	return env
}

func (d *Dispatcher) malformedRetry(cmd *protocol.Command, reason string, details map[string]interface{}) *protocol.Envelope {
	rec := taxonomy.Capture(map[string]interface{}{
		"message": "malformed retry request: " + reason,
		"details": details,
	}, taxonomy.KindParse)
	d.cfg.History.Append(rec)
	return taxonomy.FormatResponse(rec, cmd.Action, cmd.RequestID)
}

func (d *Dispatcher) getStatus(cmd *protocol.Command) *protocol.Envelope {
	stats := d.cfg.History.Stats()
	byKind := make(map[string]interface{}, len(stats.ByKind))
	for k, n := range stats.ByKind {
		byKind[string(k)] = n
	}
	byCategory := make(map[string]interface{}, len(stats.ByCategory))
	for c, n := range stats.ByCategory {
		byCategory[string(c)] = n
	}
	data := map[string]interface{}{
		"protocol_version":  protocol.Version,
		"uptime_sec":        time.Since(d.startedAt).Seconds(),
		"commands_executed": d.commandCount(),
		"retries_in_flight": d.cfg.Retries.InFlight(),
		"errors": map[string]interface{}{
			"total":       stats.Total,
			"recent":      stats.RecentCount,
			"by_kind":     byKind,
			"by_category": byCategory,
		},
	}
	if d.cfg.StatusFunc != nil {
		for k, v := range d.cfg.StatusFunc() {
			data[k] = v
		}
	}
	return d.success(cmd, data)
}

func (d *Dispatcher) getProtocol(cmd *protocol.Command) *protocol.Envelope {
	return d.success(cmd, map[string]interface{}{
		"protocol_version": protocol.Version,
		"actions":          actionTableMap(),
		"optional_fields":  protocol.OptionalFields(),
		"limits": map[string]interface{}{
			"max_message_bytes": protocol.MaxMessageBytes,
			"max_field_bytes":   protocol.MaxFieldBytes,
			"max_nesting_depth": protocol.MaxNestingDepth,
			"max_retries":       retry.DefaultMaxAttempts,
		},
	})
}

func actionTableMap() map[string]interface{} {
	table := protocol.ActionTable()
	out := make(map[string]interface{}, len(table))
	for action, fields := range table {
		out[action] = map[string]interface{}{"required_fields": fields}
	}
	return out
}

// autoRun fires a follow-up run for the affected scene. It is
// fire-and-forget relative to the original response.
func (d *Dispatcher) autoRun(cmd *protocol.Command, env *protocol.Envelope) {
	scenePath, ok := env.Data["scene_path"].(string)
	if !ok {
		scenePath, ok = cmd.StringField("scene_path")
	}
	if !ok || scenePath == "" {
		d.log.Debug("auto_run skipped: no scene path in result",
			zap.String("action", string(cmd.Action)))
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.runTimeout)
		defer cancel()
		if _, err := d.cfg.Runner.Run(ctx, scenePath); err != nil {
			d.log.Warn("auto_run failed",
				zap.String("scene_path", scenePath),
				zap.Error(err))
			return
		}
		d.log.Info("auto_run completed", zap.String("scene_path", scenePath))
	}()
}

func (d *Dispatcher) logCommand(cmd *protocol.Command, env *protocol.Envelope) {
	d.mu.Lock()
	d.cmdHistory = append(d.cmdHistory, historyEntry{
		action:    cmd.Action,
		requestID: cmd.RequestID,
		status:    env.Status,
		when:      time.Now(),
	})
	if len(d.cmdHistory) > commandHistoryCap {
		d.cmdHistory = d.cmdHistory[len(d.cmdHistory)-commandHistoryCap:]
	}
	d.mu.Unlock()

	if env.IsSuccess() {
		d.log.Info("command succeeded",
			zap.String("action", string(cmd.Action)),
			zap.String("request_id", cmd.RequestID))
	}
}

func (d *Dispatcher) commandCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.cmdHistory)
}

func valueMapToInterface(m map[string]protocol.Value) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v.Interface()
	}
	return out
}

func vectorField(cmd *protocol.Command, name string) []float64 {
	v, ok := cmd.Fields[name]
	if !ok {
		return nil
	}
	items, ok := v.Items()
	if !ok {
		return nil
	}
	out := make([]float64, 0, len(items))
	for _, item := range items {
		f, ok := item.Num()
		if !ok {
			return nil
		}
		out = append(out, f)
	}
	return out
}
