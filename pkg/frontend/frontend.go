// Package frontend implements Kaleidoscope parsing and AST construction.
//
// Design: Scannerless PEG parser producing a concrete parse tree, then a
// pure transform into a closed set of AST node types. No validation here;
// semantic checks belong to code generation.
package frontend

import (
	"strconv"
	"strings"
)

// AST node types - a sealed union, switched over by the code generator
type Node interface {
	node()
	String() string
}

// Item is a top-level program item: a function definition or an expression.
type Item interface {
	Node
	item()
}

// Expr is a value-producing expression. Every expression is also a valid
// top-level item.
type Expr interface {
	Item
	expr()
}

// Program is the ordered sequence of top-level items.
type Program struct {
	Items []Item
}

func (*Program) node() {}

func (p *Program) String() string {
	parts := make([]string, len(p.Items))
	for i, it := range p.Items {
		parts[i] = it.String()
	}
	return strings.Join(parts, "\n")
}

// Definitions
type FuncDef struct {
	Name   string
	Params []string
	Body   Expr
}

func (*FuncDef) node() {}
func (*FuncDef) item() {}

func (f *FuncDef) String() string {
	return "def " + f.Name + "(" + strings.Join(f.Params, ", ") + ") " + f.Body.String()
}

// Expressions
type NumLiteral struct {
	Value float64
}

func (*NumLiteral) node() {}
func (*NumLiteral) item() {}
func (*NumLiteral) expr() {}

func (n *NumLiteral) String() string {
	return strconv.FormatFloat(n.Value, 'g', -1, 64)
}

type Identifier struct {
	Name string
}

func (*Identifier) node() {}
func (*Identifier) item() {}
func (*Identifier) expr() {}

func (id *Identifier) String() string { return id.Name }

// OpSequence is a flat, left-associative chain of operators that all
// belong to the same precedence tier. Rights is never empty.
type OpSequence struct {
	Left   Expr
	Rights []OpRight
}

func (*OpSequence) node() {}
func (*OpSequence) item() {}
func (*OpSequence) expr() {}

func (s *OpSequence) String() string {
	var b strings.Builder
	b.WriteString("(")
	b.WriteString(s.Left.String())
	for _, r := range s.Rights {
		b.WriteString(" ")
		b.WriteString(r.Op.String())
		b.WriteString(" ")
		b.WriteString(r.Right.String())
	}
	b.WriteString(")")
	return b.String()
}

// OpRight pairs an operator with its right-hand operand.
type OpRight struct {
	Op    Operator
	Right Expr
}

type Cond struct {
	Test Expr
	Then Expr
	Else Expr
}

func (*Cond) node() {}
func (*Cond) item() {}
func (*Cond) expr() {}

func (c *Cond) String() string {
	return "(if " + c.Test.String() + " then " + c.Then.String() + " else " + c.Else.String() + ")"
}

type FuncCall struct {
	Name string
	Args []Expr
}

func (*FuncCall) node() {}
func (*FuncCall) item() {}
func (*FuncCall) expr() {}

func (c *FuncCall) String() string {
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		args[i] = a.String()
	}
	return c.Name + "(" + strings.Join(args, ", ") + ")"
}

// Supporting types
type Operator byte

const (
	Add  Operator = '+'
	Sub  Operator = '-'
	Mul  Operator = '*'
	Div  Operator = '/'
	Less Operator = '<'
	More Operator = '>'
)

func (op Operator) String() string { return string(rune(op)) }

// Tier is an operator precedence tier, tightest binding last.
type Tier int

const (
	TierCompare Tier = iota
	TierAdditive
	TierMultiplicative
)

func (op Operator) Tier() Tier {
	switch op {
	case Mul, Div:
		return TierMultiplicative
	case Add, Sub:
		return TierAdditive
	default:
		return TierCompare
	}
}

func parseOperator(s string) (Operator, bool) {
	if len(s) != 1 {
		return 0, false
	}
	switch op := Operator(s[0]); op {
	case Add, Sub, Mul, Div, Less, More:
		return op, true
	}
	return 0, false
}
