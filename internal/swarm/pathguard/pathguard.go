// Package pathguard implements DataAccessGuard (spec.md §4.5): scoped
// path allow/deny with wildcard segments, recursive sensitive-field
// redaction, and a data-size ceiling.
package pathguard

import (
	"strings"
)

// sensitiveFieldNames are redacted wherever they appear as a map key,
// case-insensitively, at any depth.
var sensitiveFieldNames = map[string]bool{
	"password":      true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"apikey":        true,
	"private_key":   true,
	"swarm_secret":  true,
	"authorization": true,
	"hmac":          true,
}

// maxRedactDepth bounds recursive redaction against pathologically nested
// input.
const maxRedactDepth = 20

// skippedKeys are never descended into, regardless of redaction rules —
// guards against prototype-pollution-style keys leaking through from
// JSON-decoded input.
var skippedKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// Guard enforces path scopes and data-size ceilings for one delegation.
type Guard struct {
	allow       []string
	deny        []string
	maxBytes    int
}

// NewGuard builds a guard from allow/deny path patterns (each segment may be
// "*" as a single-segment wildcard) and a max payload size in bytes (0 =
// unbounded).
func NewGuard(allow, deny []string, maxBytes int) *Guard {
	return &Guard{allow: allow, deny: deny, maxBytes: maxBytes}
}

// Allowed reports whether path is permitted. Deny wins over allow; an empty
// allow list means "allow everything not denied".
func (g *Guard) Allowed(path string) bool {
	for _, pattern := range g.deny {
		if matchPath(pattern, path) {
			return false
		}
	}
	if len(g.allow) == 0 {
		return true
	}
	for _, pattern := range g.allow {
		if matchPath(pattern, path) {
			return true
		}
	}
	return false
}

// matchPath supports "*" as a single path-segment wildcard, e.g.
// "/data/*/readme.md" matches "/data/project-a/readme.md".
func matchPath(pattern, path string) bool {
	pSegs := strings.Split(strings.Trim(pattern, "/"), "/")
	tSegs := strings.Split(strings.Trim(path, "/"), "/")
	if len(pSegs) != len(tSegs) {
		return false
	}
	for i, seg := range pSegs {
		if seg == "*" {
			continue
		}
		if seg != tSegs[i] {
			return false
		}
	}
	return true
}

// WithinSize reports whether size (bytes) is under the ceiling. A zero
// ceiling means unbounded.
func (g *Guard) WithinSize(size int) bool {
	if g.maxBytes <= 0 {
		return true
	}
	return size <= g.maxBytes
}

// Redact walks v recursively (maps, slices, scalars) and replaces the value
// of any sensitive-named map key with the string "[REDACTED]". Bounded to
// maxRedactDepth; deeper structures are returned unredacted below that
// depth rather than recursed into further.
func Redact(v any) any {
	return redact(v, 0)
}

func redact(v any, depth int) any {
	if depth >= maxRedactDepth {
		return v
	}
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if skippedKeys[strings.ToLower(k)] {
				continue
			}
			if sensitiveFieldNames[strings.ToLower(k)] {
				out[k] = "[REDACTED]"
				continue
			}
			out[k] = redact(val, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = redact(e, depth+1)
		}
		return out
	default:
		return v
	}
}
