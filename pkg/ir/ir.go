// Package ir implements the intermediate representation.
//
// Design: SSA form with explicit control flow, strongly typed. Parameters
// live in stack slots (alloca/store/load) and conditionals merge through
// phi nodes, so every temporary is assigned exactly once.
package ir

import (
	"fmt"
	"math"
)

// EntryName is the synthesized function holding the top-level expressions.
// It is not a valid identifier, so it can never collide with a user
// definition.
const EntryName = "__main"

// Module is the top-level IR container
type Module struct {
	Name      string
	Functions []*Function
}

// Func returns the function called name, or nil.
func (m *Module) Func(name string) *Function {
	for _, fn := range m.Functions {
		if fn.Name == name {
			return fn
		}
	}
	return nil
}

// Entry returns the synthesized entry function, or nil.
func (m *Module) Entry() *Function {
	return m.Func(EntryName)
}

// Function represents a compiled function. Every function returns a double.
type Function struct {
	Name   string
	Params []*Param
	Blocks []*Block

	nextTemp  int
	nextLabel int
}

// NewFunction creates a function with one double parameter per name.
func NewFunction(name string, params ...string) *Function {
	fn := &Function{Name: name}
	for i, p := range params {
		fn.Params = append(fn.Params, &Param{Name: p, Index: i})
	}
	return fn
}

// Entry returns the first block, or nil for a function without a body.
func (f *Function) Entry() *Block {
	if len(f.Blocks) == 0 {
		return nil
	}
	return f.Blocks[0]
}

// NewTemp allocates the next temporary of the given type.
func (f *Function) NewTemp(typ Type) *Temp {
	t := &Temp{ID: f.nextTemp, Typ: typ}
	f.nextTemp++
	return t
}

// NewBlock creates a block labelled name_N, unique within the function.
// The block is not attached; see AddBlock.
func (f *Function) NewBlock(name string) *Block {
	label := fmt.Sprintf("%s_%d", name, f.nextLabel)
	f.nextLabel++
	return &Block{Label: label, Parent: f}
}

// AddBlock appends b to the function's layout.
func (f *Function) AddBlock(b *Block) {
	b.Parent = f
	f.Blocks = append(f.Blocks, b)
}

// Block is a basic block: phis, straight-line code, then one terminator
type Block struct {
	Label  string
	Phis   []*Phi
	Insts  []Inst
	Term   Terminator
	Parent *Function
}

// Succs returns the successor blocks named by the terminator.
func (b *Block) Succs() []*Block {
	if b.Term == nil {
		return nil
	}
	return b.Term.Succs()
}

// Predecessors maps every block of fn to the blocks branching to it, in
// layout order. A block reached through both arms of a CondBranch is
// listed once.
func Predecessors(fn *Function) map[*Block][]*Block {
	preds := make(map[*Block][]*Block, len(fn.Blocks))
	for _, b := range fn.Blocks {
		seen := make(map[*Block]bool, 2)
		for _, s := range b.Succs() {
			if seen[s] {
				continue
			}
			seen[s] = true
			preds[s] = append(preds[s], b)
		}
	}
	return preds
}

// Inst is a single SSA instruction
type Inst interface {
	inst()
	// Result is the temporary the instruction defines, nil for Store.
	Result() *Temp
	Operands() []Value
	// MapOperands replaces every operand v with f(v).
	MapOperands(f func(Value) Value)
	String() string
}

// Terminator ends a basic block (branch, return)
type Terminator interface {
	term()
	Succs() []*Block
	Operands() []Value
	MapOperands(f func(Value) Value)
	String() string
}

// Instructions

// Alloca reserves a stack slot holding one double.
type Alloca struct {
	Dest *Temp
}

type Store struct {
	Src Value
	Ptr Value
}

type Load struct {
	Dest *Temp
	Ptr  Value
}

type BinOp struct {
	Dest *Temp
	Op   Op
	L    Value
	R    Value
}

// FCmp compares two doubles and yields an i1.
type FCmp struct {
	Dest *Temp
	Pred Pred
	L    Value
	R    Value
}

// UIToFP widens an i1 into 0.0 or 1.0.
type UIToFP struct {
	Dest *Temp
	Src  Value
}

type Call struct {
	Dest   *Temp
	Callee *Function
	Args   []Value
}

// Phi selects the incoming value of whichever predecessor control came from.
type Phi struct {
	Dest     *Temp
	Incoming []Incoming
}

type Incoming struct {
	Value Value
	Block *Block
}

func (*Alloca) inst() {}
func (*Store) inst()  {}
func (*Load) inst()   {}
func (*BinOp) inst()  {}
func (*FCmp) inst()   {}
func (*UIToFP) inst() {}
func (*Call) inst()   {}
func (*Phi) inst()    {}

func (i *Alloca) Result() *Temp { return i.Dest }
func (*Store) Result() *Temp    { return nil }
func (i *Load) Result() *Temp   { return i.Dest }
func (i *BinOp) Result() *Temp  { return i.Dest }
func (i *FCmp) Result() *Temp   { return i.Dest }
func (i *UIToFP) Result() *Temp { return i.Dest }
func (i *Call) Result() *Temp   { return i.Dest }
func (i *Phi) Result() *Temp    { return i.Dest }

func (*Alloca) Operands() []Value  { return nil }
func (i *Store) Operands() []Value { return []Value{i.Src, i.Ptr} }
func (i *Load) Operands() []Value  { return []Value{i.Ptr} }
func (i *BinOp) Operands() []Value { return []Value{i.L, i.R} }
func (i *FCmp) Operands() []Value  { return []Value{i.L, i.R} }
func (i *UIToFP) Operands() []Value {
	return []Value{i.Src}
}
func (i *Call) Operands() []Value { return append([]Value(nil), i.Args...) }
func (i *Phi) Operands() []Value {
	vals := make([]Value, len(i.Incoming))
	for k, in := range i.Incoming {
		vals[k] = in.Value
	}
	return vals
}

func (*Alloca) MapOperands(func(Value) Value) {}
func (i *Store) MapOperands(f func(Value) Value) {
	i.Src, i.Ptr = f(i.Src), f(i.Ptr)
}
func (i *Load) MapOperands(f func(Value) Value) { i.Ptr = f(i.Ptr) }
func (i *BinOp) MapOperands(f func(Value) Value) {
	i.L, i.R = f(i.L), f(i.R)
}
func (i *FCmp) MapOperands(f func(Value) Value) {
	i.L, i.R = f(i.L), f(i.R)
}
func (i *UIToFP) MapOperands(f func(Value) Value) { i.Src = f(i.Src) }
func (i *Call) MapOperands(f func(Value) Value) {
	for k := range i.Args {
		i.Args[k] = f(i.Args[k])
	}
}
func (i *Phi) MapOperands(f func(Value) Value) {
	for k := range i.Incoming {
		i.Incoming[k].Value = f(i.Incoming[k].Value)
	}
}

// Terminators
type Return struct {
	Value Value
}

type Branch struct {
	Target *Block
}

type CondBranch struct {
	Cond  Value
	True  *Block
	False *Block
}

func (*Return) term()     {}
func (*Branch) term()     {}
func (*CondBranch) term() {}

func (*Return) Succs() []*Block       { return nil }
func (t *Branch) Succs() []*Block     { return []*Block{t.Target} }
func (t *CondBranch) Succs() []*Block { return []*Block{t.True, t.False} }

func (t *Return) Operands() []Value     { return []Value{t.Value} }
func (*Branch) Operands() []Value       { return nil }
func (t *CondBranch) Operands() []Value { return []Value{t.Cond} }

func (t *Return) MapOperands(f func(Value) Value)     { t.Value = f(t.Value) }
func (*Branch) MapOperands(func(Value) Value)         {}
func (t *CondBranch) MapOperands(f func(Value) Value) { t.Cond = f(t.Cond) }

// Values and types
type Value interface {
	value()
	Type() Type
	String() string
}

// Temp is the result of exactly one instruction.
type Temp struct {
	ID  int
	Typ Type
}

func (*Temp) value()       {}
func (t *Temp) Type() Type {
	if t == nil {
		return nil
	}
	return t.Typ
}

type Const struct {
	Val float64
}

func (*Const) value()     {}
func (*Const) Type() Type { return FloatType{} }

// Param is a function parameter, read once into its stack slot.
type Param struct {
	Name  string
	Index int
}

func (*Param) value()     {}
func (*Param) Type() Type { return FloatType{} }

type Type interface {
	typ()
	String() string
}

// FloatType is an IEEE-754 double, the only user-visible type.
type FloatType struct{}

// BoolType is the i1 produced by comparisons.
type BoolType struct{}

type PtrType struct {
	Elem Type
}

func (FloatType) typ() {}
func (BoolType) typ()  {}
func (PtrType) typ()   {}

func (FloatType) String() string { return "double" }
func (BoolType) String() string  { return "i1" }
func (PtrType) String() string   { return "ptr" }

// Operations
type Op int

const (
	OpAdd Op = iota
	OpSub
	OpMul
	OpDiv
)

func (op Op) String() string {
	switch op {
	case OpAdd:
		return "fadd"
	case OpSub:
		return "fsub"
	case OpMul:
		return "fmul"
	case OpDiv:
		return "fdiv"
	default:
		return fmt.Sprintf("op(%d)", int(op))
	}
}

// Pred is an unordered floating-point predicate: true when either operand
// is NaN.
type Pred int

const (
	PredULT Pred = iota
	PredUGT
	PredUNE
)

func (p Pred) String() string {
	switch p {
	case PredULT:
		return "ult"
	case PredUGT:
		return "ugt"
	case PredUNE:
		return "une"
	default:
		return fmt.Sprintf("pred(%d)", int(p))
	}
}

// Eval applies the predicate to two doubles.
func (p Pred) Eval(l, r float64) bool {
	unordered := math.IsNaN(l) || math.IsNaN(r)
	switch p {
	case PredULT:
		return unordered || l < r
	case PredUGT:
		return unordered || l > r
	case PredUNE:
		return unordered || l != r
	default:
		return false
	}
}

// Eval applies the arithmetic operation under IEEE-754.
func (op Op) Eval(l, r float64) float64 {
	switch op {
	case OpAdd:
		return l + r
	case OpSub:
		return l - r
	case OpMul:
		return l * r
	default:
		return l / r
	}
}
