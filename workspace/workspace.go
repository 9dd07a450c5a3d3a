package workspace

import (
	"bytes"
	"encoding/json"
	"sort"
)

// Node is a block in tree form. Each node owns its input children and the
// statement that follows it, so every non-root node has exactly one parent.
type Node struct {
	ID         string
	Type       string
	Fields     map[string]string
	Inputs     map[string]*Node
	Next       *Node
	X, Y       int
	ExtraState []byte
}

// Field returns the value of the named field, or "" when it is unset.
func (n *Node) Field(name string) string {
	if n == nil {
		return ""
	}
	return n.Fields[name]
}

// Input returns the child attached to the named input, or nil.
func (n *Node) Input(name string) *Node {
	if n == nil {
		return nil
	}
	return n.Inputs[name]
}

// Workspace is the tree form of a snapshot. Roots are kept in stable order
// (top to bottom, left to right, then by id).
type Workspace struct {
	Roots     []*Node
	Variables []Variable
}

// Variable looks up a variable declaration by id.
func (w *Workspace) Variable(id string) (Variable, bool) {
	for _, v := range w.Variables {
		if v.ID == id {
			return v, true
		}
	}
	return Variable{}, false
}

// Walk calls fn for every node in depth-first order: a node, its inputs in
// input-name order, then its next chain.
func (w *Workspace) Walk(fn func(*Node)) {
	var visit func(n *Node)
	visit = func(n *Node) {
		for ; n != nil; n = n.Next {
			fn(n)
			for _, name := range InputNames(n) {
				visit(n.Inputs[name])
			}
		}
	}
	for _, r := range w.Roots {
		visit(r)
	}
}

// InputNames returns the names of n's connected inputs, sorted.
func InputNames(n *Node) []string {
	names := make([]string, 0, len(n.Inputs))
	for name, child := range n.Inputs {
		if child != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// SortRoots orders root trees by position, then id.
func SortRoots(roots []*Node) {
	sort.SliceStable(roots, func(i, j int) bool {
		a, b := roots[i], roots[j]
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		if a.X != b.X {
			return a.X < b.X
		}
		return a.ID < b.ID
	})
}

// Serialize flattens w into a canonical Snapshot.
func Serialize(w *Workspace) *Snapshot {
	s := &Snapshot{Blocks: []Block{}}
	if w == nil {
		return s
	}
	w.Walk(func(n *Node) {
		b := Block{
			ID:     n.ID,
			Type:   n.Type,
			Fields: copyFields(n.Fields),
			X:      n.X,
			Y:      n.Y,
		}
		if len(n.ExtraState) > 0 {
			b.ExtraState = append([]byte(nil), n.ExtraState...)
		}
		for name, child := range n.Inputs {
			if child == nil {
				continue
			}
			if b.Inputs == nil {
				b.Inputs = make(map[string]string)
			}
			b.Inputs[name] = child.ID
		}
		if n.Next != nil {
			b.Next = n.Next.ID
		}
		s.Blocks = append(s.Blocks, b)
	})
	if len(w.Variables) > 0 {
		s.Variables = append([]Variable(nil), w.Variables...)
	}
	return s.Canonical()
}

// Deserialize rebuilds the tree form of s. It fails with a *MalformedError
// when an id is missing or duplicated, a reference points at an absent
// block, a block has more than one parent, or the graph contains a cycle.
func Deserialize(s *Snapshot) (*Workspace, error) {
	w := &Workspace{}
	if s == nil {
		return w, nil
	}

	seenVars := make(map[string]bool, len(s.Variables))
	for _, v := range s.Variables {
		if v.ID == "" {
			return nil, malformed("", "variable %q has no id", v.Name)
		}
		if seenVars[v.ID] {
			return nil, malformed("", "duplicate variable id %q", v.ID)
		}
		seenVars[v.ID] = true
	}
	if len(s.Variables) > 0 {
		w.Variables = append([]Variable(nil), s.Variables...)
	}

	byID := make(map[string]*Block, len(s.Blocks))
	for i := range s.Blocks {
		b := &s.Blocks[i]
		if b.ID == "" {
			return nil, malformed("", "block at index %d has no id", i)
		}
		if b.Type == "" {
			return nil, malformed(b.ID, "missing type")
		}
		if _, dup := byID[b.ID]; dup {
			return nil, malformed(b.ID, "duplicate id")
		}
		if len(b.ExtraState) > 0 && !json.Valid(b.ExtraState) {
			return nil, malformed(b.ID, "extra state is not JSON")
		}
		byID[b.ID] = b
	}

	parent := make(map[string]string, len(s.Blocks))
	link := func(from *Block, childID, via string) error {
		if childID == "" {
			return nil
		}
		if childID == from.ID {
			return malformed(from.ID, "%s refers to itself", via)
		}
		if _, ok := byID[childID]; !ok {
			return malformed(from.ID, "%s refers to missing block %q", via, childID)
		}
		if p, ok := parent[childID]; ok {
			return malformed(childID, "has two parents (%q and %q)", p, from.ID)
		}
		parent[childID] = from.ID
		return nil
	}
	for i := range s.Blocks {
		b := &s.Blocks[i]
		names := make([]string, 0, len(b.Inputs))
		for name := range b.Inputs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := link(b, b.Inputs[name], "input "+name); err != nil {
				return nil, err
			}
		}
		if err := link(b, b.Next, "next"); err != nil {
			return nil, err
		}
	}

	visited := make(map[string]bool, len(s.Blocks))
	var build func(id string) (*Node, error)
	build = func(id string) (*Node, error) {
		if visited[id] {
			return nil, malformed(id, "cycle detected")
		}
		visited[id] = true
		b := byID[id]
		n := &Node{
			ID:     b.ID,
			Type:   b.Type,
			Fields: copyFields(b.Fields),
			X:      b.X,
			Y:      b.Y,
		}
		if len(b.ExtraState) > 0 {
			n.ExtraState = append([]byte(nil), b.ExtraState...)
		}
		for name, childID := range b.Inputs {
			if childID == "" {
				continue
			}
			child, err := build(childID)
			if err != nil {
				return nil, err
			}
			if n.Inputs == nil {
				n.Inputs = make(map[string]*Node)
			}
			n.Inputs[name] = child
		}
		if b.Next != "" {
			next, err := build(b.Next)
			if err != nil {
				return nil, err
			}
			n.Next = next
		}
		return n, nil
	}

	for i := range s.Blocks {
		id := s.Blocks[i].ID
		if _, hasParent := parent[id]; hasParent {
			continue
		}
		root, err := build(id)
		if err != nil {
			return nil, err
		}
		w.Roots = append(w.Roots, root)
	}
	// Blocks that every root walk missed can only sit on a parent loop.
	for i := range s.Blocks {
		if id := s.Blocks[i].ID; !visited[id] {
			return nil, malformed(id, "cycle detected")
		}
	}

	SortRoots(w.Roots)
	return w, nil
}

// Equal reports whether a and b describe the same graph. Roots and variables
// compare in order; a nil workspace equals an empty one.
func Equal(a, b *Workspace) bool {
	if a == nil {
		a = &Workspace{}
	}
	if b == nil {
		b = &Workspace{}
	}
	if len(a.Roots) != len(b.Roots) || len(a.Variables) != len(b.Variables) {
		return false
	}
	for i := range a.Variables {
		if a.Variables[i] != b.Variables[i] {
			return false
		}
	}
	for i := range a.Roots {
		if !equalNode(a.Roots[i], b.Roots[i]) {
			return false
		}
	}
	return true
}

func equalNode(a, b *Node) bool {
	for a != nil && b != nil {
		if a.ID != b.ID || a.Type != b.Type || a.X != b.X || a.Y != b.Y {
			return false
		}
		if !bytes.Equal(a.ExtraState, b.ExtraState) {
			return false
		}
		if len(a.Fields) != len(b.Fields) {
			return false
		}
		for k, v := range a.Fields {
			if bv, ok := b.Fields[k]; !ok || bv != v {
				return false
			}
		}
		an, bn := InputNames(a), InputNames(b)
		if len(an) != len(bn) {
			return false
		}
		for i, name := range an {
			if bn[i] != name || !equalNode(a.Inputs[name], b.Inputs[name]) {
				return false
			}
		}
		a, b = a.Next, b.Next
	}
	return a == nil && b == nil
}

func copyFields(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
