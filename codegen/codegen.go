// Package codegen derives JavaScript source from a workspace snapshot.
//
// Generation is a pure function: the same snapshot always yields the same
// text. Root trees are visited in the workspace's stable root order and each
// block type maps to one emission rule in a dispatch table. A block whose
// type has no rule is replaced by a marker and reported as a Diagnostic;
// the rest of the program is still generated.
package codegen

import (
	"strings"

	"blockcollab/workspace"
)

// Language tags the syntax of an Artifact's source.
type Language string

// JavaScript is the only target language.
const JavaScript Language = "javascript"

// Artifact is generated source plus the per-block problems met while
// producing it.
type Artifact struct {
	Source      string       `json:"source"`
	Language    Language     `json:"language"`
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
}

// ErrorCount returns the number of blocks that could not be generated.
func (a *Artifact) ErrorCount() int { return len(a.Diagnostics) }

// Diagnostic ties a generation error to the block that caused it.
type Diagnostic struct {
	BlockID   string `json:"block_id"`
	BlockType string `json:"block_type"`
	Err       error  `json:"-"`
	Message   string `json:"message"`
}

// Generate validates s and renders it as JavaScript. It fails only when the
// snapshot itself is malformed; bad blocks become diagnostics.
func Generate(s *workspace.Snapshot) (*Artifact, error) {
	w, err := workspace.Deserialize(s)
	if err != nil {
		return nil, err
	}
	return GenerateWorkspace(w), nil
}

// GenerateWorkspace renders an already validated workspace.
func GenerateWorkspace(w *workspace.Workspace) *Artifact {
	if w == nil {
		w = &workspace.Workspace{}
	}
	g := newGenerator(w)

	parts := make([]string, 0, len(w.Roots))
	for _, root := range w.Roots {
		parts = append(parts, g.chain(root))
	}
	code := strings.Join(parts, "\n")

	if decls := g.names.declarations(); len(decls) > 0 {
		code = "var " + strings.Join(decls, ", ") + ";\n\n\n" + code
	}
	return &Artifact{
		Source:      tidy(code),
		Language:    JavaScript,
		Diagnostics: g.diags,
	}
}

// tidy strips leading blank lines, trailing whitespace on every line and
// collapses trailing blank lines to a single newline.
func tidy(code string) string {
	lines := strings.Split(code, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	for len(lines) > 0 && lines[0] == "" {
		lines = lines[1:]
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}
