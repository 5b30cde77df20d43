package component

import "fmt"

// Patch is a partial Component merged by Update. Nil fields are left alone;
// a non-nil slice replaces the node's slice, an empty one clears it. The id
// of the patched node never changes.
type Patch struct {
	Type       *string
	Version    *string
	Properties *Props
	Style      *Props
	Events     []EventBinding
	Children   []*Component
}

// AddChild returns a new root with a copy of child inserted under parentID at
// index. An index outside [0, len(children)] appends. The original root is
// not modified.
func AddChild(root *Component, parentID string, child *Component, index int) (*Component, error) {
	return addChild(root, parentID, child, index, DefaultMaxDepth)
}

// Remove returns a new root without the subtree at id, and that subtree.
func Remove(root *Component, id string) (*Component, *Component, error) {
	return remove(root, id)
}

// Update returns a new root with patch merged onto the node at id.
func Update(root *Component, id string, patch Patch) (*Component, error) {
	return update(root, id, patch, DefaultMaxDepth)
}

// Move detaches the subtree at id and attaches it under newParentID.
func Move(root *Component, id, newParentID string, index int) (*Component, error) {
	return move(root, id, newParentID, index, DefaultMaxDepth)
}

// ReplaceNode returns a new root where the node with node.ID is replaced by a
// copy of node, children included.
func ReplaceNode(root *Component, node *Component) (*Component, error) {
	return replaceNode(root, node, DefaultMaxDepth)
}

func addChild(root *Component, parentID string, child *Component, index, maxDepth int) (*Component, error) {
	if child == nil || child.ID == "" {
		return nil, ErrEmptyID
	}
	path := pathNodes(root, parentID)
	if path == nil {
		return nil, fmt.Errorf("%w: parent %q", ErrNotFound, parentID)
	}
	if err := checkInsert(IDs(root), child, len(path), maxDepth); err != nil {
		return nil, err
	}
	parent := path[len(path)-1].shallow()
	if index < 0 || index > len(parent.Children) {
		index = len(parent.Children)
	}
	children := make([]*Component, 0, len(parent.Children)+1)
	children = append(children, parent.Children[:index]...)
	children = append(children, child.Clone())
	children = append(children, parent.Children[index:]...)
	parent.Children = children
	return rebuild(path, parent), nil
}

func remove(root *Component, id string) (*Component, *Component, error) {
	path := pathNodes(root, id)
	if path == nil {
		return nil, nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if len(path) == 1 {
		return nil, nil, ErrRootImmutable
	}
	target := path[len(path)-1]
	parent := path[len(path)-2].shallow()
	for i, c := range parent.Children {
		if c == target {
			parent.Children = append(parent.Children[:i:i], parent.Children[i+1:]...)
			break
		}
	}
	return rebuild(path[:len(path)-1], parent), target.Clone(), nil
}

func update(root *Component, id string, patch Patch, maxDepth int) (*Component, error) {
	path := pathNodes(root, id)
	if path == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	old := path[len(path)-1]
	next := old.shallow()
	if patch.Type != nil {
		next.Type = *patch.Type
	}
	if patch.Version != nil {
		next.Version = *patch.Version
	}
	if patch.Properties != nil {
		next.Properties = old.Properties.Merge(patch.Properties)
	}
	if patch.Style != nil {
		next.Style = old.Style.Merge(patch.Style)
	}
	if patch.Events != nil {
		next.Events = append([]EventBinding{}, patch.Events...)
	}
	if patch.Children != nil {
		existing := idsExcludingSubtree(root, old)
		existing = append(existing, old.ID)
		next.Children = make([]*Component, 0, len(patch.Children))
		for _, child := range patch.Children {
			if err := checkInsert(existing, child, len(path), maxDepth); err != nil {
				return nil, err
			}
			existing = append(existing, IDs(child)...)
			next.Children = append(next.Children, child.Clone())
		}
	}
	return rebuild(path, next), nil
}

func move(root *Component, id, newParentID string, index, maxDepth int) (*Component, error) {
	path := pathNodes(root, id)
	if path == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if len(path) == 1 {
		return nil, ErrRootImmutable
	}
	if _, inside := Find(path[len(path)-1], newParentID); inside {
		return nil, fmt.Errorf("%w: %q under %q", ErrCycle, id, newParentID)
	}
	if _, ok := Find(root, newParentID); !ok {
		return nil, fmt.Errorf("%w: parent %q", ErrNotFound, newParentID)
	}
	detached, subtree, err := remove(root, id)
	if err != nil {
		return nil, err
	}
	return addChild(detached, newParentID, subtree, index, maxDepth)
}

func replaceNode(root *Component, node *Component, maxDepth int) (*Component, error) {
	if node == nil || node.ID == "" {
		return nil, ErrEmptyID
	}
	path := pathNodes(root, node.ID)
	if path == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, node.ID)
	}
	existing := idsExcludingSubtree(root, path[len(path)-1])
	if err := checkInsert(existing, node, len(path)-1, maxDepth); err != nil {
		return nil, err
	}
	return rebuild(path, node.Clone()), nil
}

// checkInsert verifies that subtree can hang at depth parentDepth+1 without
// repeating any id of existing or of itself.
func checkInsert(existing []string, subtree *Component, parentDepth, maxDepth int) error {
	seen := make(map[string]struct{}, len(existing))
	for _, id := range existing {
		seen[id] = struct{}{}
	}
	var err error
	walk(subtree, func(n *Component, _ int) bool {
		if n.ID == "" {
			err = ErrEmptyID
			return false
		}
		if _, dup := seen[n.ID]; dup {
			err = fmt.Errorf("%w: %q", ErrDuplicateID, n.ID)
			return false
		}
		seen[n.ID] = struct{}{}
		return true
	})
	if err != nil {
		return err
	}
	if maxDepth > 0 && parentDepth+Depth(subtree) > maxDepth {
		return fmt.Errorf("%w: %d > %d", ErrDepthExceeded, parentDepth+Depth(subtree), maxDepth)
	}
	return nil
}

// idsExcludingSubtree lists every id in root except skip and its descendants.
func idsExcludingSubtree(root, skip *Component) []string {
	var out []string
	stack := []*Component{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == nil || n == skip {
			continue
		}
		out = append(out, n.ID)
		stack = append(stack, n.Children...)
	}
	return out
}

// rebuild copies every ancestor on path so that the last element is replaced
// by leaf, and returns the new root. path[len(path)-1] is the node replaced.
func rebuild(path []*Component, leaf *Component) *Component {
	current := leaf
	for i := len(path) - 2; i >= 0; i-- {
		parent := path[i].shallow()
		for j, c := range parent.Children {
			if c == path[i+1] {
				parent.Children[j] = current
				break
			}
		}
		current = parent
	}
	return current
}
