// Package taxonomy classifies raw failures into a fixed set of kinds and
// categories, attaches deterministic correction hints, and renders the
// standard error response shape. It accepts heterogeneous raw error maps
// (compiler, runtime, and filesystem collaborators all name their fields
// differently) and normalizes them through a synonym table.
package taxonomy

import (
	"strings"
	"time"

	"github.com/godotai/bridge/protocol"
)

// Kind is the closed set of failure origins.
type Kind string

const (
	KindCompile       Kind = "compile"
	KindRuntime       Kind = "runtime"
	KindParse         Kind = "parse"
	KindSecurity      Kind = "security"
	KindExecution     Kind = "execution"
	KindUnknownAction Kind = "unknown_action"
)

// Category is the finer-grained classification derived from
// message-pattern matching over the raw failure text.
type Category string

const (
	CategorySyntax        Category = "syntax"
	CategoryType          Category = "type"
	CategoryReference     Category = "reference"
	CategoryNullPointer   Category = "null_pointer"
	CategoryIndexOOB      Category = "index_out_of_bounds"
	CategoryInvalidCast   Category = "invalid_cast"
	CategoryStackOverflow Category = "stack_overflow"
	CategoryPermission    Category = "permission"
	CategoryResource      Category = "resource"
	CategoryMath          Category = "math"
	CategoryUnknown       Category = "unknown"
)

// Record is the standardized failure representation.
type Record struct {
	Kind            Kind
	Category        Category
	File            string
	Line            int
	Column          int
	Message         string
	Stack           string
	Suggestion      string
	CorrectionHints []string
	Details         map[string]interface{}
	Timestamp       time.Time
	Resolved        bool
	ResolvedAt      time.Time
}

// fieldSynonyms maps each canonical field to the raw key names that may
// carry it, in priority order. First present synonym wins.
var fieldSynonyms = map[string][]string{
	"message": {"message", "msg", "error_message", "error"},
	"file":    {"file", "file_path", "script", "source"},
	"line":    {"line", "line_number", "ln"},
	"column":  {"column", "col", "column_number"},
	"stack":   {"stack", "stack_trace", "traceback", "backtrace"},
}

// defaultMessages guarantee a record is never missing human-readable text.
var defaultMessages = map[Kind]string{
	KindCompile:       "Compilation failed",
	KindRuntime:       "Runtime error",
	KindParse:         "Malformed message",
	KindSecurity:      "Security validation failed",
	KindExecution:     "Execution failed",
	KindUnknownAction: "Unknown action",
}

// Capture normalizes a raw error map into a Record: synonym resolution,
// category classification, suggestion, and correction hints. The result is
// deterministic for a given input.
func Capture(raw map[string]interface{}, kind Kind) *Record {
	rec := &Record{
		Kind:      kind,
		Timestamp: time.Now(),
	}
	rec.Message = stringField(raw, "message")
	if rec.Message == "" {
		rec.Message = defaultMessages[kind]
	}
	rec.File = stringField(raw, "file")
	rec.Line = intField(raw, "line")
	rec.Column = intField(raw, "column")
	rec.Stack = stringField(raw, "stack")
	if d, ok := raw["details"].(map[string]interface{}); ok {
		rec.Details = d
	}

	rec.Category, rec.Suggestion = categorize(rec.Message)
	rec.CorrectionHints = correctionHints(kind, rec.Message)
	return rec
}

func stringField(raw map[string]interface{}, canonical string) string {
	for _, key := range fieldSynonyms[canonical] {
		if v, ok := raw[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func intField(raw map[string]interface{}, canonical string) int {
	for _, key := range fieldSynonyms[canonical] {
		switch v := raw[key].(type) {
		case float64:
			return int(v)
		case int:
			return v
		}
	}
	return 0
}

// categoryRule pairs message keywords with a category and its canned
// suggestion. Rules are tested in order; first match wins.
type categoryRule struct {
	keywords   []string
	category   Category
	suggestion string
}

var categoryRules = []categoryRule{
	{[]string{"unexpected token", "syntax error", "expected"},
		CategorySyntax, "Check punctuation and bracket balance near the reported location"},
	{[]string{"type mismatch", "invalid type", "incompatible type"},
		CategoryType, "Verify the value types match what the property or argument expects"},
	{[]string{"null instance", "nil value", "null"},
		CategoryNullPointer, "Initialize the instance or guard the access with a null check"},
	{[]string{"out of bounds", "out of range"},
		CategoryIndexOOB, "Clamp the index to the container size before accessing"},
	{[]string{"invalid cast", "cannot convert", "cast"},
		CategoryInvalidCast, "Check the source type before converting"},
	{[]string{"stack overflow", "recursion"},
		CategoryStackOverflow, "Look for unbounded recursion or self-referencing calls"},
	{[]string{"permission", "access denied", "read-only"},
		CategoryPermission, "Write only inside the allowed project roots"},
	{[]string{"not found", "does not exist", "undefined", "nonexistent"},
		CategoryReference, "Verify the referenced node, property, or resource exists"},
	{[]string{"failed to load", "no such file", "resource"},
		CategoryResource, "Confirm the resource path and that the file has been saved"},
	{[]string{"division by zero", "divide by zero", "nan"},
		CategoryMath, "Validate denominators and numeric ranges before computing"},
}

func categorize(message string) (Category, string) {
	lower := strings.ToLower(message)
	for _, rule := range categoryRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.category, rule.suggestion
			}
		}
	}
	return CategoryUnknown, ""
}

// hintRule pairs a (kind, message keyword) key with the short actionable
// strings an automated caller uses to adjust its next attempt.
type hintRule struct {
	kind    Kind
	keyword string
	hints   []string
}

var hintRules = []hintRule{
	{KindCompile, "unexpected token", []string{
		"Check for a missing or extra punctuation character near the token",
		"Balance parentheses, brackets, and braces",
		"Make sure the previous statement is terminated",
	}},
	{KindCompile, "expected", []string{
		"Add the token named in the message",
		"Check the line above the reported location for an unfinished statement",
	}},
	{KindCompile, "identifier", []string{
		"Declare the identifier before using it",
		"Check the spelling against the declaration",
	}},
	{KindRuntime, "null", []string{
		"Initialize the object before accessing it",
		"Add a null guard before the failing call",
	}},
	{KindRuntime, "out of bounds", []string{
		"Check the container size before indexing",
	}},
	{KindRuntime, "division by zero", []string{
		"Guard the division with a zero check",
	}},
	{KindRuntime, "timed out", []string{
		"Raise settings.timeout_sec on the request",
		"Check that the scene can reach its ready state",
	}},
	{KindParse, "json", []string{
		"Send exactly one JSON object per message",
		"Check for trailing commas or unquoted keys",
	}},
	{KindParse, "missing required", []string{
		"Include every required field for the action",
		"Call get_protocol for the full action and field table",
	}},
	{KindParse, "unsupported action", []string{
		"Use one of the supported actions listed in the response details",
	}},
	{KindSecurity, "path", []string{
		"Use paths inside the allowed roots",
		"Remove directory traversal segments from the path",
	}},
	{KindSecurity, "pattern", []string{
		"Remove shell metacharacters and interpreter tokens from string fields",
	}},
	{KindExecution, "timed out", []string{
		"Raise settings.timeout_sec on the request",
	}},
	{KindUnknownAction, "", []string{
		"Use one of the supported actions from get_protocol",
	}},
}

func correctionHints(kind Kind, message string) []string {
	lower := strings.ToLower(message)
	for _, rule := range hintRules {
		if rule.kind != kind {
			continue
		}
		if rule.keyword == "" || strings.Contains(lower, rule.keyword) {
			out := make([]string, len(rule.hints))
			copy(out, rule.hints)
			return out
		}
	}
	return nil
}

// FormatResponse renders a record as the standard error envelope.
func FormatResponse(rec *Record, action protocol.Action, requestID string) *protocol.Envelope {
	var data map[string]interface{}
	if len(rec.Details) > 0 {
		data = map[string]interface{}{"details": rec.Details}
	}
	return &protocol.Envelope{
		Status:          protocol.StatusError,
		Action:          action,
		Type:            string(rec.Kind),
		Category:        string(rec.Category),
		File:            rec.File,
		Line:            rec.Line,
		Column:          rec.Column,
		Message:         rec.Message,
		Stack:           rec.Stack,
		Suggestion:      rec.Suggestion,
		CorrectionHints: rec.CorrectionHints,
		RequestID:       requestID,
		Timestamp:       protocol.NowUnix(),
		Data:            data,
	}
}
