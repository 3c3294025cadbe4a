// Package frontend - Concrete parse tree
// Design: Nested captures keyed by name, the raw output of the grammar.
package frontend

import (
	"sort"
	"strconv"
	"strings"
)

// Capture names produced by the grammar.
const (
	capNum     = "num"
	capIdent   = "ident"
	capOp      = "op"
	capRight   = "right"
	capLeft    = "left"
	capRights  = "rights"
	capTest    = "test"
	capThenVal = "then_val"
	capElseVal = "else_val"
	capArgs    = "args"
	capParams  = "params"
	capBody    = "body"
)

type treeKind int

const (
	leafTree treeKind = iota
	mapTree
	seqTree
)

// Tree is a concrete parse tree node. A leaf holds a slice of the source
// text; a map holds named captures; a sequence holds repeated captures.
// Leaf text aliases the input buffer and must not escape into the AST.
type Tree struct {
	kind   treeKind
	Text   string
	Pos    int
	Fields map[string]*Tree
	Items  []*Tree
}

func leaf(src string, start, end int) *Tree {
	return &Tree{kind: leafTree, Text: src[start:end], Pos: start}
}

func fields(kv ...any) *Tree {
	t := &Tree{kind: mapTree, Fields: make(map[string]*Tree, len(kv)/2)}
	for i := 0; i+1 < len(kv); i += 2 {
		t.Fields[kv[i].(string)] = kv[i+1].(*Tree)
	}
	return t
}

func seq(items []*Tree) *Tree {
	return &Tree{kind: seqTree, Items: items}
}

func (t *Tree) IsLeaf() bool { return t.kind == leafTree }
func (t *Tree) IsMap() bool  { return t.kind == mapTree }
func (t *Tree) IsSeq() bool  { return t.kind == seqTree }

// shape returns the sorted, comma-joined capture names of a map node.
func (t *Tree) shape() string {
	keys := make([]string, 0, len(t.Fields))
	for k := range t.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func (t *Tree) String() string {
	var b strings.Builder
	t.write(&b)
	return b.String()
}

func (t *Tree) write(b *strings.Builder) {
	switch t.kind {
	case leafTree:
		b.WriteString(strconv.Quote(t.Text))
		b.WriteString("@")
		b.WriteString(strconv.Itoa(t.Pos))
	case seqTree:
		b.WriteString("[")
		for i, it := range t.Items {
			if i > 0 {
				b.WriteString(", ")
			}
			it.write(b)
		}
		b.WriteString("]")
	case mapTree:
		keys := strings.Split(t.shape(), ",")
		b.WriteString("{")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(k)
			b.WriteString(": ")
			t.Fields[k].write(b)
		}
		b.WriteString("}")
	}
}
