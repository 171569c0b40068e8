// Package parser turns raw wire messages into validated, normalized
// Commands. It enforces the closed-world schema: a fixed action set,
// per-action required fields, and a cross-action optional allowlist.
// Nothing partially parsed ever escapes; a failure yields an Error and no
// Command.
package parser

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/godotai/bridge/protocol"
)

// Error describes a rejected message. Reason is user-facing; Details
// carries the machine-actionable diagnostic payload (missing field names,
// the supported action list, and so on).
type Error struct {
	Reason  string
	Details map[string]interface{}
}

func (e *Error) Error() string { return e.Reason }

func newError(reason string, details map[string]interface{}) *Error {
	if details == nil {
		details = map[string]interface{}{}
	}
	return &Error{Reason: reason, Details: details}
}

// Parse validates and normalizes one raw wire message. On success the
// returned Command has passed field-presence validation for its action and
// contains no fields outside the action's required set and the optional
// allowlist. The error result is nil iff the command is non-nil.
func Parse(raw []byte) (*protocol.Command, *Error) {
	if len(raw) == 0 {
		return nil, newError("empty message", nil)
	}
	// Cheap pre-decode rejection so oversized payloads never hit the
	// JSON decoder.
	if len(raw) > protocol.MaxMessageBytes {
		return nil, newError(
			fmt.Sprintf("message exceeds maximum size of %d bytes", protocol.MaxMessageBytes),
			map[string]interface{}{"size": len(raw), "max_size": protocol.MaxMessageBytes},
		)
	}

	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, newError("malformed JSON message", map[string]interface{}{
			"decode_error": err.Error(),
		})
	}
	obj, ok := decoded.(map[string]interface{})
	if !ok {
		return nil, newError("message must be a JSON object", map[string]interface{}{
			"got": jsonTypeName(decoded),
		})
	}
	return FromObject(obj)
}

// FromObject validates a decoded wire object. It is the second half of
// Parse, exposed separately so retry resubmissions (whose original_command
// arrives as an already-decoded mapping) run through identical validation.
func FromObject(obj map[string]interface{}) (*protocol.Command, *Error) {
	rawAction, present := obj["action"]
	if !present {
		return nil, newError("missing required field: action", nil)
	}
	name, ok := rawAction.(string)
	if !ok {
		return nil, newError("field 'action' must be a string", map[string]interface{}{
			"got": jsonTypeName(rawAction),
		})
	}
	if name == "" {
		return nil, newError("field 'action' must not be empty", nil)
	}
	action := protocol.Action(name)
	if !action.Supported() {
		return nil, newError(fmt.Sprintf("unsupported action: %q", name), map[string]interface{}{
			"supported_actions": protocol.SupportedActions(),
		})
	}

	// Protocol-level keys are carried on the Command itself, not in Fields,
	// and are exempt from the closed-world field check.
	cmd := &protocol.Command{Action: action, Fields: map[string]protocol.Value{}}
	if v, ok := obj["auto_run"]; ok {
		b, isBool := v.(bool)
		if !isBool {
			return nil, newError("field 'auto_run' must be a boolean", map[string]interface{}{
				"got": jsonTypeName(v),
			})
		}
		cmd.AutoRun = b
	}
	if v, ok := obj["request_id"]; ok {
		s, isStr := v.(string)
		if !isStr {
			return nil, newError("field 'request_id' must be a string", map[string]interface{}{
				"got": jsonTypeName(v),
			})
		}
		cmd.RequestID = s
	}
	if v, ok := obj["timestamp"]; ok {
		f, isNum := v.(float64)
		if !isNum {
			return nil, newError("field 'timestamp' must be a number", map[string]interface{}{
				"got": jsonTypeName(v),
			})
		}
		cmd.Timestamp = time.Unix(0, int64(f*float64(time.Second)))
	}

	required := action.RequiredFields()
	requiredSet := make(map[string]bool, len(required))
	for _, f := range required {
		requiredSet[f] = true
	}

	var missing, unknown []string
	for _, f := range required {
		if _, ok := obj[f]; !ok {
			missing = append(missing, f)
		}
	}
	for key, raw := range obj {
		switch key {
		case "action", "auto_run", "request_id", "timestamp":
			continue
		}
		if !requiredSet[key] && !protocol.OptionalField(key) {
			unknown = append(unknown, key)
			continue
		}
		v, err := protocol.FromInterface(raw)
		if err != nil {
			return nil, newError(fmt.Sprintf("field %q has an unsupported value", key), map[string]interface{}{
				"field": key,
				"error": err.Error(),
			})
		}
		cmd.Fields[key] = v
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, newError(
			fmt.Sprintf("action %q is missing required fields: %s", name, strings.Join(missing, ", ")),
			map[string]interface{}{"missing_fields": missing},
		)
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, newError(
			fmt.Sprintf("action %q does not accept fields: %s", name, strings.Join(unknown, ", ")),
			map[string]interface{}{"unknown_fields": unknown},
		)
	}

	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = time.Now()
	}
	if cmd.RequestID == "" {
		cmd.RequestID = NewRequestID()
	}
	return cmd, nil
}

// NewRequestID generates a collision-resistant request identifier in the
// wire format "req_" plus 8 hex characters.
func NewRequestID() string {
	id := uuid.New()
	return "req_" + strings.ReplaceAll(id.String(), "-", "")[:8]
}

func jsonTypeName(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
