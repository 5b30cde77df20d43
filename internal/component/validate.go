package component

import "fmt"

// TypeChecker decides whether a component type is allowed and whether a
// node's properties are acceptable for it. *Registry implements it.
type TypeChecker interface {
	Allows(typ string) bool
	CheckProperties(typ string, props *Props) error
}

// Options bound a tree. A zero MaxDepth means DefaultMaxDepth; a nil Types
// accepts every type.
type Options struct {
	MaxDepth int
	Types    TypeChecker
}

func (o Options) maxDepth() int {
	if o.MaxDepth <= 0 {
		return DefaultMaxDepth
	}
	return o.MaxDepth
}

// Violation codes reported by Validate.
const (
	ViolationDuplicateID     = "duplicate_id"
	ViolationEmptyID         = "empty_id"
	ViolationDepthExceeded   = "depth_exceeded"
	ViolationUnknownType     = "unknown_type"
	ViolationInvalidProperty = "invalid_properties"
)

// Violation is one structural problem found in a tree.
type Violation struct {
	Code    string `json:"code"`
	ID      string `json:"id,omitempty"`
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (v Violation) Error() string { return v.Path + ": " + v.Message }

// Validate walks the tree once and reports every violation it finds.
// Paths are JSON-pointer-like, e.g. "children/0/children/2".
func Validate(root *Component, opts Options) []Violation {
	if root == nil {
		return nil
	}
	maxDepth := opts.maxDepth()
	var out []Violation
	firstSeen := make(map[string]string)

	type item struct {
		node  *Component
		depth int
		path  string
	}
	stack := []item{{root, 1, ""}}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := it.node
		if n == nil {
			continue
		}
		at := it.path
		if at == "" {
			at = "/"
		}

		switch prev, dup := firstSeen[n.ID]; {
		case n.ID == "":
			out = append(out, Violation{Code: ViolationEmptyID, Path: at, Message: "component id is empty"})
		case dup:
			out = append(out, Violation{
				Code:    ViolationDuplicateID,
				ID:      n.ID,
				Path:    at,
				Message: fmt.Sprintf("id %q already used at %s", n.ID, prev),
			})
		default:
			firstSeen[n.ID] = at
		}
		if it.depth > maxDepth {
			out = append(out, Violation{
				Code:    ViolationDepthExceeded,
				ID:      n.ID,
				Path:    at,
				Message: fmt.Sprintf("depth %d exceeds max %d", it.depth, maxDepth),
			})
		}
		if opts.Types != nil {
			if !opts.Types.Allows(n.Type) {
				out = append(out, Violation{
					Code:    ViolationUnknownType,
					ID:      n.ID,
					Path:    at,
					Message: fmt.Sprintf("type %q is not allowed", n.Type),
				})
			} else if err := opts.Types.CheckProperties(n.Type, n.Properties); err != nil {
				out = append(out, Violation{
					Code:    ViolationInvalidProperty,
					ID:      n.ID,
					Path:    at,
					Message: err.Error(),
				})
			}
		}

		for i := len(n.Children) - 1; i >= 0; i-- {
			stack = append(stack, item{n.Children[i], it.depth + 1, fmt.Sprintf("%s/children/%d", it.path, i)})
		}
	}
	return out
}
