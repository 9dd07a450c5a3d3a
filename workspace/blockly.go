package workspace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Blockly's workspace JSON (serialization.workspaces.save) nests child
// blocks inside their parents. DecodeBlockly flattens it into a Snapshot and
// runs the same checks as Deserialize; EncodeBlockly goes the other way.

type blocklyDoc struct {
	Blocks    *blocklyBlocks    `json:"blocks,omitempty"`
	Variables []blocklyVariable `json:"variables,omitempty"`
}

type blocklyBlocks struct {
	LanguageVersion int             `json:"languageVersion"`
	Blocks          []*blocklyBlock `json:"blocks"`
}

type blocklyVariable struct {
	Name string `json:"name"`
	ID   string `json:"id"`
	Type string `json:"type,omitempty"`
}

type blocklyBlock struct {
	Type       string                     `json:"type"`
	ID         string                     `json:"id"`
	X          *float64                   `json:"x,omitempty"`
	Y          *float64                   `json:"y,omitempty"`
	ExtraState json.RawMessage            `json:"extraState,omitempty"`
	Fields     map[string]json.RawMessage `json:"fields,omitempty"`
	Inputs     map[string]*blocklyInput   `json:"inputs,omitempty"`
	Next       *blocklyInput              `json:"next,omitempty"`
}

type blocklyInput struct {
	Block  *blocklyBlock `json:"block,omitempty"`
	Shadow *blocklyBlock `json:"shadow,omitempty"`
}

// Fields whose value is a variable reference ({"id": ...}) and fields whose
// value Blockly writes as a JSON number.
var (
	variableFields = map[string]bool{"VAR": true}
	numberFields   = map[string]bool{"NUM": true}
)

// DecodeBlockly parses Blockly workspace JSON into a Snapshot. Shadow blocks
// are kept only when no real block occupies the input.
func DecodeBlockly(data []byte) (*Snapshot, error) {
	var doc blocklyDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, malformed("", "decode blockly json: %v", err)
	}
	s := &Snapshot{Blocks: []Block{}}
	for _, v := range doc.Variables {
		s.Variables = append(s.Variables, Variable{ID: v.ID, Name: v.Name, Type: v.Type})
	}

	var flatten func(bb *blocklyBlock, top bool) (string, error)
	flatten = func(bb *blocklyBlock, top bool) (string, error) {
		b := Block{ID: bb.ID, Type: bb.Type}
		if top {
			b.X, b.Y = coord(bb.X), coord(bb.Y)
		}
		if len(bb.ExtraState) > 0 && !bytes.Equal(bb.ExtraState, []byte("null")) {
			b.ExtraState = append(json.RawMessage(nil), bb.ExtraState...)
		}
		for name, raw := range bb.Fields {
			val, err := fieldValue(raw)
			if err != nil {
				return "", malformed(bb.ID, "field %s: %v", name, err)
			}
			if b.Fields == nil {
				b.Fields = make(map[string]string)
			}
			b.Fields[name] = val
		}
		for name, in := range bb.Inputs {
			child := in.child()
			if child == nil {
				continue
			}
			id, err := flatten(child, false)
			if err != nil {
				return "", err
			}
			if b.Inputs == nil {
				b.Inputs = make(map[string]string)
			}
			b.Inputs[name] = id
		}
		if child := bb.Next.child(); child != nil {
			id, err := flatten(child, false)
			if err != nil {
				return "", err
			}
			b.Next = id
		}
		s.Blocks = append(s.Blocks, b)
		return b.ID, nil
	}
	if doc.Blocks != nil {
		for _, bb := range doc.Blocks.Blocks {
			if bb == nil {
				continue
			}
			if _, err := flatten(bb, true); err != nil {
				return nil, err
			}
		}
	}

	s = s.Canonical()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// EncodeBlockly renders w as Blockly workspace JSON that
// serialization.workspaces.load accepts.
func EncodeBlockly(w *Workspace) ([]byte, error) {
	doc := blocklyDoc{Blocks: &blocklyBlocks{Blocks: []*blocklyBlock{}}}
	if w != nil {
		for _, v := range w.Variables {
			doc.Variables = append(doc.Variables, blocklyVariable{Name: v.Name, ID: v.ID, Type: v.Type})
		}
		for _, r := range w.Roots {
			bb, err := encodeNode(r)
			if err != nil {
				return nil, err
			}
			x, y := float64(r.X), float64(r.Y)
			bb.X, bb.Y = &x, &y
			doc.Blocks.Blocks = append(doc.Blocks.Blocks, bb)
		}
	}
	return json.Marshal(doc)
}

func encodeNode(n *Node) (*blocklyBlock, error) {
	bb := &blocklyBlock{Type: n.Type, ID: n.ID}
	if len(n.ExtraState) > 0 {
		bb.ExtraState = append(json.RawMessage(nil), n.ExtraState...)
	}
	for name, val := range n.Fields {
		raw, err := encodeField(name, val)
		if err != nil {
			return nil, fmt.Errorf("workspace: block %q field %s: %w", n.ID, name, err)
		}
		if bb.Fields == nil {
			bb.Fields = make(map[string]json.RawMessage)
		}
		bb.Fields[name] = raw
	}
	for _, name := range InputNames(n) {
		child, err := encodeNode(n.Inputs[name])
		if err != nil {
			return nil, err
		}
		if bb.Inputs == nil {
			bb.Inputs = make(map[string]*blocklyInput)
		}
		bb.Inputs[name] = &blocklyInput{Block: child}
	}
	if n.Next != nil {
		next, err := encodeNode(n.Next)
		if err != nil {
			return nil, err
		}
		bb.Next = &blocklyInput{Block: next}
	}
	return bb, nil
}

func (in *blocklyInput) child() *blocklyBlock {
	if in == nil {
		return nil
	}
	if in.Block != nil {
		return in.Block
	}
	return in.Shadow
}

func coord(f *float64) int {
	if f == nil {
		return 0
	}
	return int(math.Round(*f))
}

func fieldValue(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", nil
	}
	switch raw[0] {
	case '"':
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	case '{':
		var ref struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &ref); err != nil {
			return "", err
		}
		if ref.ID == "" {
			return "", fmt.Errorf("reference without id")
		}
		return ref.ID, nil
	default:
		// numbers, booleans and null keep their literal text
		if bytes.Equal(raw, []byte("null")) {
			return "", nil
		}
		return string(raw), nil
	}
}

func encodeField(name, val string) (json.RawMessage, error) {
	switch {
	case variableFields[name]:
		return json.Marshal(map[string]string{"id": val})
	case numberFields[name]:
		if _, err := strconv.ParseFloat(val, 64); err == nil && json.Valid([]byte(val)) {
			return json.RawMessage(val), nil
		}
	}
	return json.Marshal(val)
}
