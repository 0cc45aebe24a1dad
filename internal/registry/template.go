package registry

import (
	"fmt"
	"strings"
)

type segmentKind int

const (
	segLiteral segmentKind = iota
	segParam
	segWildcard
)

type segment struct {
	kind segmentKind
	// literal text, or the parameter/wildcard name
	value string
}

// Template is a parsed path template. Templates are parsed once at
// registration and cached in the routing table, so matching is an
// ordered segment comparison with no per-request parsing.
type Template struct {
	raw      string
	segments []segment
	statics  int
	wildcard bool
}

// ParseTemplate parses a path template such as
// "/repos/:owner/:repo/contents/*path". Named segments start with ':';
// a single trailing wildcard starts with '*' and absorbs the remainder
// of the request path (including slashes).
func ParseTemplate(path string) (*Template, error) {
	if path == "" || path[0] != '/' {
		return nil, fmt.Errorf("path template must start with '/': %q", path)
	}

	t := &Template{raw: path}
	seen := make(map[string]bool)

	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return t, nil
	}

	parts := strings.Split(trimmed, "/")
	for i, p := range parts {
		switch {
		case p == "":
			return nil, fmt.Errorf("empty segment in path template %q", path)
		case p[0] == ':':
			name := p[1:]
			if name == "" {
				return nil, fmt.Errorf("unnamed parameter in path template %q", path)
			}
			if seen[name] {
				return nil, fmt.Errorf("duplicate placeholder %q in path template %q", name, path)
			}
			seen[name] = true
			t.segments = append(t.segments, segment{kind: segParam, value: name})
		case p[0] == '*':
			name := p[1:]
			if name == "" {
				return nil, fmt.Errorf("unnamed wildcard in path template %q", path)
			}
			if i != len(parts)-1 {
				return nil, fmt.Errorf("wildcard must be the final segment in %q", path)
			}
			if seen[name] {
				return nil, fmt.Errorf("duplicate placeholder %q in path template %q", name, path)
			}
			seen[name] = true
			t.wildcard = true
			t.segments = append(t.segments, segment{kind: segWildcard, value: name})
		default:
			t.statics++
			t.segments = append(t.segments, segment{kind: segLiteral, value: p})
		}
	}
	return t, nil
}

// Match tests request path parts against the template. On success it
// returns the captured parameters; the wildcard value keeps its
// internal slashes.
func (t *Template) Match(parts []string) (map[string]string, bool) {
	n := len(t.segments)
	if t.wildcard {
		// The wildcard needs at least one part to absorb.
		if len(parts) < n {
			return nil, false
		}
	} else if len(parts) != n {
		return nil, false
	}

	var params map[string]string
	for i, seg := range t.segments {
		switch seg.kind {
		case segLiteral:
			if parts[i] != seg.value {
				return nil, false
			}
		case segParam:
			if parts[i] == "" {
				return nil, false
			}
			if params == nil {
				params = make(map[string]string, 4)
			}
			params[seg.value] = parts[i]
		case segWildcard:
			if params == nil {
				params = make(map[string]string, 1)
			}
			params[seg.value] = strings.Join(parts[i:], "/")
		}
	}
	if params == nil {
		params = map[string]string{}
	}
	return params, true
}

// Expand substitutes params into the template, producing a concrete
// upstream path.
func (t *Template) Expand(params map[string]string) string {
	var sb strings.Builder
	for _, seg := range t.segments {
		sb.WriteByte('/')
		switch seg.kind {
		case segLiteral:
			sb.WriteString(seg.value)
		default:
			sb.WriteString(params[seg.value])
		}
	}
	if sb.Len() == 0 {
		return "/"
	}
	return sb.String()
}

// ParamNames returns the set of placeholder names.
func (t *Template) ParamNames() map[string]bool {
	out := make(map[string]bool)
	for _, seg := range t.segments {
		if seg.kind != segLiteral {
			out[seg.value] = true
		}
	}
	return out
}

// StaticCount is the number of literal segments; resolution prefers the
// longest static match.
func (t *Template) StaticCount() int { return t.statics }

// HasWildcard reports whether the template ends in a wildcard.
func (t *Template) HasWildcard() bool { return t.wildcard }

// String returns the original template text.
func (t *Template) String() string { return t.raw }
