package protocol

import (
	"encoding/json"
	"sort"
	"time"
)

// Version is the protocol version reported in welcome envelopes and
// get_protocol responses.
const Version = "1.0"

// Wire limits. Messages over MaxMessageBytes are rejected before decoding;
// individual string fields are capped at MaxFieldBytes; nested mappings and
// sequences are capped at MaxNestingDepth levels.
const (
	MaxMessageBytes = 1 << 20
	MaxFieldBytes   = 64 << 10
	MaxNestingDepth = 10
)

// Action identifies one protocol operation.
type Action string

const (
	ActionCreateScene    Action = "create_scene"
	ActionAddNode        Action = "add_node"
	ActionSetProperty    Action = "set_property"
	ActionAttachScript   Action = "attach_script"
	ActionCreateScript   Action = "create_script"
	ActionModifyScript   Action = "modify_script"
	ActionDeleteNode     Action = "delete_node"
	ActionRunScene       Action = "run_scene"
	ActionSaveScene      Action = "save_scene"
	ActionGetSnapshot    Action = "get_snapshot"
	ActionGetPerformance Action = "get_performance"
	ActionRetry          Action = "retry"
	ActionGetStatus      Action = "get_status"
	ActionGetProtocol    Action = "get_protocol"
)

// requiredFields is the closed schema table: every supported action and the
// field names a command must carry for it.
var requiredFields = map[Action][]string{
	ActionCreateScene:    {"name", "parent_path"},
	ActionAddNode:        {"node_type", "parent_path", "name"},
	ActionSetProperty:    {"node_path", "property_name", "value"},
	ActionAttachScript:   {"node_path", "script_path"},
	ActionCreateScript:   {"path", "name", "code"},
	ActionModifyScript:   {"path", "modifications"},
	ActionDeleteNode:     {"node_path"},
	ActionRunScene:       {"scene_path"},
	ActionSaveScene:      {"scene_path"},
	ActionGetSnapshot:    {},
	ActionGetPerformance: {},
	ActionRetry:          {"original_command"},
	ActionGetStatus:      {},
	ActionGetProtocol:    {},
}

// optionalFields is the cross-action allowlist. Any field outside an
// action's required set and this list makes the command invalid.
var optionalFields = map[string]bool{
	"auto_run":    true,
	"description": true,
	"position":    true,
	"rotation":    true,
	"scale":       true,
	"metadata":    true,
	"settings":    true,
	"retry_count": true,
}

// Supported reports whether the action is a member of the closed action set.
func (a Action) Supported() bool {
	_, ok := requiredFields[a]
	return ok
}

// RequiredFields returns the fields a command with this action must carry.
func (a Action) RequiredFields() []string {
	fields := requiredFields[a]
	out := make([]string, len(fields))
	copy(out, fields)
	return out
}

// OptionalField reports whether the name is in the cross-action allowlist.
func OptionalField(name string) bool { return optionalFields[name] }

// OptionalFields returns the sorted cross-action optional allowlist.
func OptionalFields() []string {
	out := make([]string, 0, len(optionalFields))
	for name := range optionalFields {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// SupportedActions returns the sorted list of all supported action names.
func SupportedActions() []string {
	out := make([]string, 0, len(requiredFields))
	for a := range requiredFields {
		out = append(out, string(a))
	}
	sort.Strings(out)
	return out
}

// ActionTable returns the full action → required-fields table, used by
// get_protocol to describe the schema to callers.
func ActionTable() map[string][]string {
	out := make(map[string][]string, len(requiredFields))
	for a, fields := range requiredFields {
		cp := make([]string, len(fields))
		copy(cp, fields)
		out[string(a)] = cp
	}
	return out
}

// Command is one validated unit of protocol work. Once returned by the
// parser a Command is never mutated; retries carry a deep copy.
type Command struct {
	Action    Action
	Fields    map[string]Value
	AutoRun   bool
	RequestID string
	Timestamp time.Time
}

// StringField returns the named field as a string. The bool is false if the
// field is absent or not a string.
func (c *Command) StringField(name string) (string, bool) {
	v, ok := c.Fields[name]
	if !ok {
		return "", false
	}
	return v.Str()
}

// NumberField returns the named field as a number.
func (c *Command) NumberField(name string) (float64, bool) {
	v, ok := c.Fields[name]
	if !ok {
		return 0, false
	}
	return v.Num()
}

// MapField returns the named field as a mapping.
func (c *Command) MapField(name string) (map[string]Value, bool) {
	v, ok := c.Fields[name]
	if !ok {
		return nil, false
	}
	return v.Fields()
}

// Setting looks up a key inside the optional "settings" mapping.
func (c *Command) Setting(key string) (Value, bool) {
	settings, ok := c.MapField("settings")
	if !ok {
		return Value{}, false
	}
	v, ok := settings[key]
	return v, ok
}

// Clone returns a deep copy of the command.
func (c *Command) Clone() *Command {
	fields := make(map[string]Value, len(c.Fields))
	for k, v := range c.Fields {
		fields[k] = v.Clone()
	}
	return &Command{
		Action:    c.Action,
		Fields:    fields,
		AutoRun:   c.AutoRun,
		RequestID: c.RequestID,
		Timestamp: c.Timestamp,
	}
}

// WireMap flattens the command back to its wire shape: action and the
// protocol-level keys alongside the action-specific fields.
func (c *Command) WireMap() map[string]interface{} {
	out := make(map[string]interface{}, len(c.Fields)+3)
	for k, v := range c.Fields {
		out[k] = v.Interface()
	}
	out["action"] = string(c.Action)
	if c.AutoRun {
		out["auto_run"] = true
	}
	if c.RequestID != "" {
		out["request_id"] = c.RequestID
	}
	if !c.Timestamp.IsZero() {
		out["timestamp"] = float64(c.Timestamp.UnixNano()) / float64(time.Second)
	}
	return out
}

// MarshalJSON encodes the command in its flat wire shape.
func (c *Command) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.WireMap())
}
