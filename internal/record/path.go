package record

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SplitPath separates "section/key/key" into the section name and the key chain.
func SplitPath(path string) (string, []string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", nil, ErrInvalidPath
	}
	parts := strings.Split(path, "/")
	for _, p := range parts {
		if p == "" {
			return "", nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return parts[0], parts[1:], nil
}

// Descend walks keys into nested map values.
func Descend(v any, keys []string) (any, bool) {
	for _, k := range keys {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok = m[k]
		if !ok {
			return nil, false
		}
	}
	return v, true
}

// TopLevel returns the first dotted segment of a section name ("risk.summary" -> "risk").
func TopLevel(section string) string {
	if i := strings.IndexByte(section, '.'); i >= 0 {
		return section[:i]
	}
	return section
}

// Covers reports whether a written section satisfies a requirement for want:
// either an exact match or a dotted child ("financial" is covered by "financial.ratios").
func Covers(written, want string) bool {
	return written == want || strings.HasPrefix(written, want+".")
}

// Satisfied applies the readiness rule to the written flags of every known
// section. A section known by its exact name must itself be written. A bare
// parent ("financial") is satisfied only when it has dotted children and all
// of them are written.
func Satisfied(want string, written map[string]bool) bool {
	if w, ok := written[want]; ok {
		return w
	}
	children := 0
	for name, w := range written {
		if !Covers(name, want) {
			continue
		}
		if !w {
			return false
		}
		children++
	}
	return children > 0
}

// Clone deep-copies the JSON-shaped parts of a value. Other types are returned as-is.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = Clone(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Clone(val)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// sizeOf returns the encoded JSON size of v, or 0 if it cannot be encoded.
func sizeOf(v any) int {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(b)
}
