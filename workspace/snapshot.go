// Package workspace holds the serializable model of a visual-program
// workspace: a graph of blocks joined by input and next references.
//
// Two shapes exist. A Snapshot is the flat, keyed wire form that travels
// between editors; a Workspace is the tree form that editors and the code
// generator walk. Serialize and Deserialize convert between them and are
// inverses up to canonical ordering.
//
// Snapshots arrive from untrusted peers, so Deserialize checks every
// reference and walks the graph with a visited set before trusting it.
package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Block is one node of a Snapshot. Child blocks are referenced by id, never
// embedded.
type Block struct {
	ID     string            `json:"id"`
	Type   string            `json:"type"`
	Fields map[string]string `json:"fields,omitempty"` // field name -> value (variable fields hold the variable id)
	Inputs map[string]string `json:"inputs,omitempty"` // input name -> child block id
	Next   string            `json:"next,omitempty"`   // block id of the following statement
	X      int               `json:"x,omitempty"`
	Y      int               `json:"y,omitempty"`

	// ExtraState is editor mutation state (e.g. else-if counts). It is
	// carried through untouched.
	ExtraState json.RawMessage `json:"extra_state,omitempty"`
}

// Variable is a workspace-level variable declaration.
type Variable struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// Snapshot is an immutable copy of a workspace at one instant. Every local
// edit produces a new Snapshot; nothing patches one in place.
type Snapshot struct {
	Blocks    []Block    `json:"blocks"`
	Variables []Variable `json:"variables,omitempty"`
}

// Canonical returns a copy of s with blocks sorted by id. Two snapshots that
// describe the same graph have byte-identical canonical JSON.
func (s *Snapshot) Canonical() *Snapshot {
	if s == nil {
		return &Snapshot{Blocks: []Block{}}
	}
	c := &Snapshot{
		Blocks:    make([]Block, len(s.Blocks)),
		Variables: append([]Variable(nil), s.Variables...),
	}
	copy(c.Blocks, s.Blocks)
	sort.Slice(c.Blocks, func(i, j int) bool { return c.Blocks[i].ID < c.Blocks[j].ID })
	return c
}

// Fingerprint returns a hex sha256 of the canonical JSON encoding of s.
func (s *Snapshot) Fingerprint() string {
	buf, err := json.Marshal(s.Canonical())
	if err != nil {
		// Only strings, ints and valid raw JSON live in a Snapshot.
		panic("workspace: marshal snapshot: " + err.Error())
	}
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

// Validate reports whether s is a well-formed graph without building the
// tree form. It performs the same checks as Deserialize.
func (s *Snapshot) Validate() error {
	_, err := Deserialize(s)
	return err
}

// Len returns the number of blocks in s.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Blocks)
}
