// Package frontend - Parse tree to AST transform
// Design: One case per capture shape, mirroring the grammar productions.
// Every string is copied out of the source buffer.
package frontend

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Transform folds the parse tree of the top rule into a Program.
func Transform(t *Tree) (*Program, error) {
	if t == nil || !t.IsSeq() {
		return nil, fmt.Errorf("transform: top-level tree must be a sequence, got %v", t)
	}
	prog := &Program{Items: make([]Item, 0, len(t.Items))}
	for _, it := range t.Items {
		item, err := transformItem(it)
		if err != nil {
			return nil, err
		}
		prog.Items = append(prog.Items, item)
	}
	return prog, nil
}

func transformItem(t *Tree) (Item, error) {
	if t.IsMap() && t.shape() == "body,ident,params" {
		name, err := ownedText(t.Fields[capIdent])
		if err != nil {
			return nil, err
		}
		params := make([]string, 0, len(t.Fields[capParams].Items))
		for _, p := range t.Fields[capParams].Items {
			param, err := ownedText(p.Fields[capIdent])
			if err != nil {
				return nil, err
			}
			params = append(params, param)
		}
		body, err := transformExpr(t.Fields[capBody])
		if err != nil {
			return nil, err
		}
		return &FuncDef{Name: name, Params: params, Body: body}, nil
	}
	return transformExpr(t)
}

func transformExpr(t *Tree) (Expr, error) {
	if t == nil || !t.IsMap() {
		return nil, fmt.Errorf("transform: expected expression capture, got %v", t)
	}
	switch shape := t.shape(); shape {
	case capNum:
		text := t.Fields[capNum].Text
		val, err := strconv.ParseFloat(text, 64)
		// Out of range numerals round to ±Inf or 0, like any float literal.
		if err != nil && !errors.Is(err, strconv.ErrRange) {
			return nil, fmt.Errorf("transform: bad numeral %q: %w", text, err)
		}
		return &NumLiteral{Value: val}, nil

	case capIdent:
		name, err := ownedText(t.Fields[capIdent])
		if err != nil {
			return nil, err
		}
		return &Identifier{Name: name}, nil

	case "left,rights":
		left, err := transformExpr(t.Fields[capLeft])
		if err != nil {
			return nil, err
		}
		rights := t.Fields[capRights].Items
		if len(rights) == 0 {
			return nil, fmt.Errorf("transform: operator sequence without operators")
		}
		seq := &OpSequence{Left: left, Rights: make([]OpRight, 0, len(rights))}
		for _, r := range rights {
			right, err := transformOpRight(r)
			if err != nil {
				return nil, err
			}
			seq.Rights = append(seq.Rights, right)
		}
		return seq, nil

	case "else_val,test,then_val":
		test, err := transformExpr(t.Fields[capTest])
		if err != nil {
			return nil, err
		}
		then, err := transformExpr(t.Fields[capThenVal])
		if err != nil {
			return nil, err
		}
		els, err := transformExpr(t.Fields[capElseVal])
		if err != nil {
			return nil, err
		}
		return &Cond{Test: test, Then: then, Else: els}, nil

	case "args,ident":
		name, err := ownedText(t.Fields[capIdent])
		if err != nil {
			return nil, err
		}
		args := make([]Expr, 0, len(t.Fields[capArgs].Items))
		for _, a := range t.Fields[capArgs].Items {
			arg, err := transformExpr(a)
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
		}
		return &FuncCall{Name: name, Args: args}, nil

	default:
		return nil, fmt.Errorf("transform: unexpected capture shape {%s}", shape)
	}
}

func transformOpRight(t *Tree) (OpRight, error) {
	if !t.IsMap() || t.shape() != "op,right" {
		return OpRight{}, fmt.Errorf("transform: expected operator capture, got %v", t)
	}
	op, ok := parseOperator(t.Fields[capOp].Text)
	if !ok {
		return OpRight{}, fmt.Errorf("transform: unknown operator %q", t.Fields[capOp].Text)
	}
	right, err := transformExpr(t.Fields[capRight])
	if err != nil {
		return OpRight{}, err
	}
	return OpRight{Op: op, Right: right}, nil
}

// ownedText detaches a leaf's text from the source buffer.
func ownedText(t *Tree) (string, error) {
	if t == nil || !t.IsLeaf() {
		return "", fmt.Errorf("transform: expected text capture, got %v", t)
	}
	return strings.Clone(t.Text), nil
}
