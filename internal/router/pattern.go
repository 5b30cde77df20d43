package router

import (
	"fmt"
	"strings"
)

type segmentKind uint8

const (
	segLiteral segmentKind = iota
	segParam
	segWildcard
)

type segment struct {
	kind  segmentKind
	value string
}

// compile splits a pattern such as "/users/:id/*" into segments. The
// wildcard is only allowed last.
func compile(pattern string) ([]segment, error) {
	parts := split(pattern)
	segs := make([]segment, 0, len(parts))
	for i, p := range parts {
		switch {
		case p == "*":
			if i != len(parts)-1 {
				return nil, fmt.Errorf("router: wildcard must be the last segment in %q", pattern)
			}
			segs = append(segs, segment{kind: segWildcard})
		case strings.HasPrefix(p, ":"):
			if len(p) == 1 {
				return nil, fmt.Errorf("router: unnamed parameter in %q", pattern)
			}
			segs = append(segs, segment{kind: segParam, value: p[1:]})
		default:
			segs = append(segs, segment{kind: segLiteral, value: p})
		}
	}
	return segs, nil
}

func split(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func hasTrailingSlash(path string) bool {
	return len(path) > 1 && strings.HasSuffix(path, "/")
}

// match tests path against rt and returns captured parameters. The wildcard
// is captured under "*" and may be empty.
func (r *Router) match(rt *route, path string) (map[string]string, bool) {
	if r.strict && rt.trailing != hasTrailingSlash(path) {
		return nil, false
	}
	parts := split(path)
	segs := rt.segments
	wild := len(segs) > 0 && segs[len(segs)-1].kind == segWildcard
	if wild {
		if len(parts) < len(segs)-1 {
			return nil, false
		}
	} else if len(parts) != len(segs) {
		return nil, false
	}

	params := make(map[string]string)
	for i, s := range segs {
		switch s.kind {
		case segLiteral:
			if !r.equal(s.value, parts[i]) {
				return nil, false
			}
		case segParam:
			if parts[i] == "" {
				return nil, false
			}
			params[s.value] = parts[i]
		case segWildcard:
			params["*"] = strings.Join(parts[i:], "/")
		}
	}
	return params, true
}

func (r *Router) equal(a, b string) bool {
	if r.strict {
		return a == b
	}
	return strings.EqualFold(a, b)
}
