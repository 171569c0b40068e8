// Package security sanitizes raw input and structured commands before they
// reach the dispatcher. It applies a fixed, ordered denylist of dangerous
// text patterns to every string-valued field and confines filesystem-like
// paths to a configured set of allowed roots.
//
// The pattern list is a denylist and is kept that way deliberately; matches
// are surfaced by name in the result details, never silently stripped.
package security

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/godotai/bridge/protocol"
)

// Result is the outcome of validating a message or command.
type Result struct {
	Valid   bool
	Reason  string
	Details map[string]interface{}
}

func invalid(reason string, details map[string]interface{}) Result {
	if details == nil {
		details = map[string]interface{}{}
	}
	return Result{Valid: false, Reason: reason, Details: details}
}

var valid = Result{Valid: true}

// PathResult is the outcome of validating and normalizing a path.
type PathResult struct {
	Valid         bool
	SanitizedPath string
	Reason        string
}

// virtualSchemes are the host application's virtual filesystem roots. They
// look like URL schemes but are legitimate path prefixes, so the scheme
// check must not fire on them.
var virtualSchemes = map[string]bool{
	"res":  true,
	"user": true,
	"uid":  true,
}

// pattern is one entry in the ordered denylist.
type pattern struct {
	name string
	re   *regexp.Regexp
}

// dangerousPatterns is applied in order to every string-valued field and to
// raw path strings. First match wins and its name is reported.
var dangerousPatterns = []pattern{
	{"path_traversal", regexp.MustCompile(`\.\.`)},
	{"unc_path", regexp.MustCompile(`\\\\`)},
	{"shell_metacharacter", regexp.MustCompile("[;|`$]")},
	{"interpreter_invocation", regexp.MustCompile(`(?i)(cmd\.exe|powershell|\bbash\b|\beval\(|\bexec\(|\bsystem\(|\bpopen\()`)},
}

// schemePattern matches anything that looks like a URL scheme; virtual
// filesystem schemes are exempted before it runs.
var schemePattern = regexp.MustCompile(`(?i)\b[a-z][a-z0-9+.-]*://`)

// Validator checks messages, commands, and paths. Its only state is the
// configured root set, so a single Validator is safe for concurrent use
// across sessions.
type Validator struct {
	allowedRoots []string
}

// NewValidator creates a validator that confines paths to the given roots.
// With no arguments the default roots are used: the host's virtual
// filesystem roots plus the scene-tree root.
func NewValidator(allowedRoots ...string) *Validator {
	if len(allowedRoots) == 0 {
		allowedRoots = []string{"res://", "user://", "/root"}
	}
	roots := make([]string, 0, len(allowedRoots))
	for _, r := range allowedRoots {
		roots = append(roots, strings.TrimSuffix(r, "/")+"/")
	}
	return &Validator{allowedRoots: roots}
}

// ValidateMessage checks a raw wire message before decoding: emptiness, the
// message size cap, and C0 control characters other than tab, newline and
// carriage return. It is a pure function of its input.
func (v *Validator) ValidateMessage(raw []byte) Result {
	if len(raw) == 0 {
		return invalid("empty message", nil)
	}
	if len(raw) > protocol.MaxMessageBytes {
		return invalid("message exceeds maximum size", map[string]interface{}{
			"size":     len(raw),
			"max_size": protocol.MaxMessageBytes,
		})
	}
	for i, b := range raw {
		if b < 0x20 && b != '\t' && b != '\n' && b != '\r' {
			return invalid("message contains control characters", map[string]interface{}{
				"offset": i,
				"byte":   int(b),
			})
		}
	}
	return valid
}

// ValidateCommand walks every string-valued field of the command
// recursively, applying the field size cap and the dangerous-pattern
// denylist. Nesting beyond protocol.MaxNestingDepth is a distinct error
// rather than unbounded recursion; retry commands legitimately nest a full
// previous command under original_command.
func (v *Validator) ValidateCommand(cmd *protocol.Command) Result {
	for name, value := range cmd.Fields {
		if res := v.checkValue(name, value, 1); !res.Valid {
			return res
		}
	}
	return valid
}

// pathFields are the top-level field names that carry filesystem-like paths
// and must additionally pass root confinement.
var pathFields = map[string]bool{
	"parent_path": true,
	"node_path":   true,
	"script_path": true,
	"scene_path":  true,
	"save_path":   true,
	"path":        true,
}

func (v *Validator) checkValue(field string, value protocol.Value, depth int) Result {
	if depth > protocol.MaxNestingDepth {
		return invalid("field nesting exceeds maximum depth", map[string]interface{}{
			"field":     field,
			"max_depth": protocol.MaxNestingDepth,
		})
	}
	switch value.Kind() {
	case protocol.KindString:
		s, _ := value.Str()
		// Path fields get the stricter path check first so the
		// rejection names the offending path, not just a pattern.
		if depth == 1 && pathFields[field] {
			if res := v.ValidatePath(s); !res.Valid {
				return invalid("path validation failed", map[string]interface{}{
					"field":        field,
					"path_blocked": res.Reason,
				})
			}
		}
		return v.checkString(field, s)
	case protocol.KindSeq:
		items, _ := value.Items()
		for i, item := range items {
			if res := v.checkValue(fmt.Sprintf("%s[%d]", field, i), item, depth+1); !res.Valid {
				return res
			}
		}
	case protocol.KindMap:
		fields, _ := value.Fields()
		for k, item := range fields {
			if res := v.checkValue(field+"."+k, item, depth+1); !res.Valid {
				return res
			}
		}
	}
	return valid
}

func (v *Validator) checkString(field, s string) Result {
	if len(s) > protocol.MaxFieldBytes {
		return invalid("string field exceeds maximum size", map[string]interface{}{
			"field":    field,
			"size":     len(s),
			"max_size": protocol.MaxFieldBytes,
		})
	}
	if name, matched := matchDangerous(s); matched {
		return invalid("field contains a blocked pattern", map[string]interface{}{
			"field":   field,
			"pattern": name,
		})
	}
	return valid
}

// matchDangerous runs the ordered denylist over s and returns the name of
// the first matching pattern.
func matchDangerous(s string) (string, bool) {
	stripped := stripVirtualSchemes(s)
	for _, p := range dangerousPatterns {
		if p.re.MatchString(stripped) {
			return p.name, true
		}
	}
	if loc := schemePattern.FindString(stripped); loc != "" {
		return "url_scheme", true
	}
	return "", false
}

// stripVirtualSchemes removes the host's virtual-root prefixes so the
// scheme pattern does not reject legitimate paths like "res://scenes".
func stripVirtualSchemes(s string) string {
	for scheme := range virtualSchemes {
		s = strings.ReplaceAll(s, scheme+"://", "")
	}
	return s
}

// ValidatePath normalizes a path and confines it to the allowed roots.
// Backslashes become forward slashes, repeated slashes collapse, and "."
// and ".." components are resolved by popping; a path that would escape its
// root is rejected. A path with no separators at all is treated as a bare
// relative name and implicitly allowed.
func (v *Validator) ValidatePath(path string) PathResult {
	if path == "" {
		return PathResult{Valid: false, Reason: "empty path"}
	}
	if len(path) > protocol.MaxFieldBytes {
		return PathResult{Valid: false, Reason: "path exceeds maximum size"}
	}
	if strings.Contains(path, "..") {
		return PathResult{Valid: false, Reason: "path_blocked: directory traversal"}
	}
	if name, matched := matchDangerous(path); matched {
		return PathResult{Valid: false, Reason: "path_blocked: " + name}
	}

	normalized := strings.ReplaceAll(path, "\\", "/")

	// Split off a virtual-root prefix before segment processing so it is
	// not mangled by slash collapsing.
	var root string
	if idx := strings.Index(normalized, "://"); idx > 0 {
		scheme := normalized[:idx]
		if !virtualSchemes[strings.ToLower(scheme)] {
			return PathResult{Valid: false, Reason: "path_blocked: url_scheme"}
		}
		root = strings.ToLower(scheme) + "://"
		normalized = normalized[idx+3:]
	} else if strings.HasPrefix(normalized, "/") {
		root = "/"
		normalized = strings.TrimPrefix(normalized, "/")
	}

	var resolved []string
	for _, seg := range strings.Split(normalized, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(resolved) == 0 {
				return PathResult{Valid: false, Reason: "path_blocked: escapes root"}
			}
			resolved = resolved[:len(resolved)-1]
		default:
			resolved = append(resolved, seg)
		}
	}
	sanitized := root + strings.Join(resolved, "/")

	// Bare relative names are implicitly allowed; anything carrying a
	// separator must resolve under an allowed root.
	if root == "" && !strings.ContainsAny(path, `/\`) {
		return PathResult{Valid: true, SanitizedPath: sanitized}
	}
	for _, allowed := range v.allowedRoots {
		if sanitized+"/" == allowed || strings.HasPrefix(sanitized, allowed) {
			return PathResult{Valid: true, SanitizedPath: sanitized}
		}
	}
	return PathResult{
		Valid:  false,
		Reason: fmt.Sprintf("path_blocked: %q is outside the allowed roots", sanitized),
	}
}

// AllowedRoots returns the configured root set.
func (v *Validator) AllowedRoots() []string {
	out := make([]string, len(v.allowedRoots))
	copy(out, v.allowedRoots)
	return out
}
