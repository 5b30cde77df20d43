// Package component models the UI description tree exchanged over MUP.
//
// Trees are persistent: the mutation functions in this package never edit a
// node that is reachable from an existing root. They copy the path from the
// root to the changed node and share every untouched subtree, so a root
// obtained earlier stays a consistent snapshot. Tree wraps a root in an
// atomic pointer for callers that need a shared, mutable handle.
package component

import (
	"errors"
	"sort"
)

const DefaultMaxDepth = 20

var (
	ErrNotFound        = errors.New("component: not found")
	ErrDuplicateID     = errors.New("component: duplicate id")
	ErrDepthExceeded   = errors.New("component: max depth exceeded")
	ErrEmptyID         = errors.New("component: empty id")
	ErrRootImmutable   = errors.New("component: root cannot be removed or moved")
	ErrCycle           = errors.New("component: cannot move a node under itself")
	ErrUnknownType     = errors.New("component: type not allowed")
	ErrInvalidProperty = errors.New("component: invalid properties")
)

// EventBinding declares one event a component emits and the router action
// the client should trigger for it.
type EventBinding struct {
	Event          string `json:"event"`
	Action         string `json:"action,omitempty"`
	PreventDefault bool   `json:"prevent_default,omitempty"`
}

// Component is one node of a UI tree. Nodes reachable from a published root
// are shared; use Clone before editing one in place.
type Component struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Version    string         `json:"version,omitempty"`
	Properties *Props         `json:"properties,omitempty"`
	Style      *Props         `json:"style,omitempty"`
	Events     []EventBinding `json:"events,omitempty"`
	Children   []*Component   `json:"children,omitempty"`
}

// New returns a node with empty property and style maps.
func New(id, typ string, children ...*Component) *Component {
	return &Component{
		ID:         id,
		Type:       typ,
		Properties: NewProps(),
		Style:      NewProps(),
		Children:   children,
	}
}

// WithProp sets a property on a node that has not been published yet.
func (c *Component) WithProp(key string, v Value) *Component {
	if c.Properties == nil {
		c.Properties = NewProps()
	}
	c.Properties.Set(key, v)
	return c
}

// WithStyle sets a style hint on a node that has not been published yet.
func (c *Component) WithStyle(key string, v Value) *Component {
	if c.Style == nil {
		c.Style = NewProps()
	}
	c.Style.Set(key, v)
	return c
}

// On appends an event binding on a node that has not been published yet.
func (c *Component) On(event, action string) *Component {
	c.Events = append(c.Events, EventBinding{Event: event, Action: action})
	return c
}

// Clone deep-copies the subtree rooted at c.
func (c *Component) Clone() *Component {
	if c == nil {
		return nil
	}
	out := c.shallow()
	out.Properties = c.Properties.Clone()
	out.Style = c.Style.Clone()
	for i, child := range c.Children {
		out.Children[i] = child.Clone()
	}
	return out
}

// shallow copies the node itself and its slices, sharing children and maps.
func (c *Component) shallow() *Component {
	out := *c
	if c.Events != nil {
		out.Events = append([]EventBinding(nil), c.Events...)
	}
	if c.Children != nil {
		out.Children = append([]*Component(nil), c.Children...)
	}
	return &out
}

// Equal compares two subtrees structurally.
func (c *Component) Equal(o *Component) bool {
	if c == nil || o == nil {
		return c == o
	}
	if c.ID != o.ID || c.Type != o.Type || c.Version != o.Version {
		return false
	}
	if !c.Properties.Equal(o.Properties) || !c.Style.Equal(o.Style) {
		return false
	}
	if len(c.Events) != len(o.Events) || len(c.Children) != len(o.Children) {
		return false
	}
	for i := range c.Events {
		if c.Events[i] != o.Events[i] {
			return false
		}
	}
	for i := range c.Children {
		if !c.Children[i].Equal(o.Children[i]) {
			return false
		}
	}
	return true
}

// Find returns the first node with id in depth-first pre-order.
func Find(root *Component, id string) (*Component, bool) {
	var found *Component
	walk(root, func(n *Component, _ int) bool {
		if n.ID == id {
			found = n
			return false
		}
		return true
	})
	return found, found != nil
}

// FindAllByType returns every node of typ in depth-first pre-order.
func FindAllByType(root *Component, typ string) []*Component {
	var out []*Component
	walk(root, func(n *Component, _ int) bool {
		if n.Type == typ {
			out = append(out, n)
		}
		return true
	})
	return out
}

// PathTo returns the ids from root to the node with id, inclusive.
func PathTo(root *Component, id string) ([]string, bool) {
	nodes := pathNodes(root, id)
	if nodes == nil {
		return nil, false
	}
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids, true
}

// ParentOf returns the parent of id. The root has no parent.
func ParentOf(root *Component, id string) (*Component, bool) {
	nodes := pathNodes(root, id)
	if len(nodes) < 2 {
		return nil, false
	}
	return nodes[len(nodes)-2], true
}

// Depth counts levels; a single node has depth 1 and nil has depth 0.
func Depth(root *Component) int {
	deepest := 0
	walk(root, func(_ *Component, depth int) bool {
		if depth > deepest {
			deepest = depth
		}
		return true
	})
	return deepest
}

func Count(root *Component) int {
	n := 0
	walk(root, func(*Component, int) bool {
		n++
		return true
	})
	return n
}

// IDs returns every id in the subtree in pre-order.
func IDs(root *Component) []string {
	var out []string
	walk(root, func(n *Component, _ int) bool {
		out = append(out, n.ID)
		return true
	})
	return out
}

type frame struct {
	node  *Component
	depth int
}

// walk visits nodes in depth-first pre-order with an explicit stack so deep
// or hostile trees cannot exhaust the goroutine stack. fn returning false
// stops the walk.
func walk(root *Component, fn func(n *Component, depth int) bool) {
	if root == nil {
		return
	}
	stack := []frame{{root, 1}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if f.node == nil {
			continue
		}
		if !fn(f.node, f.depth) {
			return
		}
		for i := len(f.node.Children) - 1; i >= 0; i-- {
			stack = append(stack, frame{f.node.Children[i], f.depth + 1})
		}
	}
}

// pathNodes returns the nodes from root to id, or nil.
func pathNodes(root *Component, id string) []*Component {
	if root == nil {
		return nil
	}
	if root.ID == id {
		return []*Component{root}
	}
	for _, child := range root.Children {
		if p := pathNodes(child, id); p != nil {
			return append([]*Component{root}, p...)
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
