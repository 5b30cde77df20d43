package component

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// ValidationError carries every violation that made a tree unacceptable.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 0 {
		return "component: invalid tree"
	}
	if len(e.Violations) == 1 {
		return "component: " + e.Violations[0].Error()
	}
	return fmt.Sprintf("component: %s (and %d more)", e.Violations[0].Error(), len(e.Violations)-1)
}

// Unwrap exposes the sentinel for each violation code so errors.Is works.
func (e *ValidationError) Unwrap() []error {
	seen := make(map[error]bool)
	var out []error
	for _, v := range e.Violations {
		var err error
		switch v.Code {
		case ViolationDuplicateID:
			err = ErrDuplicateID
		case ViolationEmptyID:
			err = ErrEmptyID
		case ViolationDepthExceeded:
			err = ErrDepthExceeded
		case ViolationUnknownType:
			err = ErrUnknownType
		case ViolationInvalidProperty:
			err = ErrInvalidProperty
		}
		if err != nil && !seen[err] {
			seen[err] = true
			out = append(out, err)
		}
	}
	return out
}

// Tree is a shared handle on a component tree. Readers call Root and get an
// immutable snapshot; writers are serialised and each successful mutation is
// published with a single pointer swap. A failed mutation publishes nothing.
type Tree struct {
	mu   sync.Mutex
	root atomic.Pointer[Component]
	opts Options
}

func NewTree(opts Options) *Tree {
	return &Tree{opts: opts}
}

// Root returns the current snapshot. Callers must not edit it.
func (t *Tree) Root() *Component {
	return t.root.Load()
}

func (t *Tree) Options() Options { return t.opts }

// Replace validates root and installs a copy of it. A nil root clears the tree.
func (t *Tree) Replace(root *Component) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if root == nil {
		t.root.Store(nil)
		return nil
	}
	next := root.Clone()
	if violations := Validate(next, t.opts); len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	t.root.Store(next)
	return nil
}

func (t *Tree) AddChild(parentID string, child *Component, index int) error {
	return t.mutate(func(root *Component) (*Component, error) {
		return addChild(root, parentID, child, index, t.opts.maxDepth())
	})
}

// Remove detaches id and returns the removed subtree.
func (t *Tree) Remove(id string) (*Component, error) {
	var removed *Component
	err := t.mutate(func(root *Component) (*Component, error) {
		next, sub, err := remove(root, id)
		removed = sub
		return next, err
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func (t *Tree) Update(id string, patch Patch) error {
	return t.mutate(func(root *Component) (*Component, error) {
		return update(root, id, patch, t.opts.maxDepth())
	})
}

func (t *Tree) Move(id, newParentID string, index int) error {
	return t.mutate(func(root *Component) (*Component, error) {
		return move(root, id, newParentID, index, t.opts.maxDepth())
	})
}

func (t *Tree) ReplaceNode(node *Component) error {
	return t.mutate(func(root *Component) (*Component, error) {
		return replaceNode(root, node, t.opts.maxDepth())
	})
}

// Apply installs the content of a component-update. A full update replaces
// the root. A partial update replaces the node with the same id if present,
// otherwise attaches node under parentID.
func (t *Tree) Apply(node *Component, partial bool, parentID string) error {
	if !partial {
		return t.Replace(node)
	}
	if node == nil || node.ID == "" {
		return ErrEmptyID
	}
	return t.mutate(func(root *Component) (*Component, error) {
		maxDepth := t.opts.maxDepth()
		switch _, exists := Find(root, node.ID); {
		case exists:
			return replaceNode(root, node, maxDepth)
		case parentID != "":
			return addChild(root, parentID, node, -1, maxDepth)
		case root == nil:
			next := node.Clone()
			if err := checkInsert(nil, next, 0, maxDepth); err != nil {
				return nil, err
			}
			return next, nil
		default:
			return nil, fmt.Errorf("%w: %q and no parent given", ErrNotFound, node.ID)
		}
	})
}

// mutate runs fn against the current root under the writer lock. Type and
// property checks only run when a type checker is configured.
func (t *Tree) mutate(fn func(root *Component) (*Component, error)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	next, err := fn(t.root.Load())
	if err != nil {
		return err
	}
	if t.opts.Types != nil {
		if violations := Validate(next, t.opts); len(violations) > 0 {
			return &ValidationError{Violations: violations}
		}
	}
	t.root.Store(next)
	return nil
}
