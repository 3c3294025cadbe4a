// Package ir - Structural validation
package ir

import (
	"fmt"
	"strings"
)

// ValidationError represents one structural defect in a module
type ValidationError struct {
	Func    string
	Block   string
	Message string
}

func (e *ValidationError) Error() string {
	switch {
	case e.Block != "":
		return fmt.Sprintf("@%s %%%s: %s", e.Func, e.Block, e.Message)
	case e.Func != "":
		return fmt.Sprintf("@%s: %s", e.Func, e.Message)
	default:
		return e.Message
	}
}

// ValidationErrors is every defect found in one pass.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "invalid IR: %d error(s)", len(errs))
	for _, e := range errs {
		sb.WriteString("\n  ")
		sb.WriteString(e.Error())
	}
	return sb.String()
}

// Validator checks modules for well-formedness
type Validator struct {
	mod    *Module
	errors ValidationErrors
}

// Validate checks m and returns ValidationErrors if anything is wrong.
// Dominance of definitions over uses is checked separately by the ssa
// package.
func Validate(m *Module) error {
	v := &Validator{mod: m}
	v.validateModule()
	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

func (v *Validator) addError(fn *Function, b *Block, format string, args ...any) {
	e := ValidationError{Message: fmt.Sprintf(format, args...)}
	if fn != nil {
		e.Func = fn.Name
	}
	if b != nil {
		e.Block = b.Label
	}
	v.errors = append(v.errors, e)
}

func (v *Validator) validateModule() {
	names := make(map[string]bool, len(v.mod.Functions))
	for _, fn := range v.mod.Functions {
		if names[fn.Name] {
			v.addError(fn, nil, "function defined twice")
		}
		names[fn.Name] = true
	}
	entry := v.mod.Entry()
	switch {
	case entry == nil:
		v.addError(nil, nil, "missing entry function @%s", EntryName)
	case len(entry.Params) != 0:
		v.addError(entry, nil, "entry function takes parameters")
	}
	for _, fn := range v.mod.Functions {
		v.validateFunction(fn)
	}
}

func (v *Validator) validateFunction(fn *Function) {
	if len(fn.Blocks) == 0 {
		v.addError(fn, nil, "function has no blocks")
		return
	}

	blocks := make(map[*Block]bool, len(fn.Blocks))
	labels := make(map[string]bool, len(fn.Blocks))
	for _, b := range fn.Blocks {
		if labels[b.Label] {
			v.addError(fn, b, "duplicate block label")
		}
		labels[b.Label] = true
		blocks[b] = true
		if b.Parent != fn {
			v.addError(fn, b, "block parent is not the enclosing function")
		}
	}

	params := make(map[*Param]bool, len(fn.Params))
	for _, p := range fn.Params {
		params[p] = true
	}
	defs := make(map[*Temp]bool)
	for _, b := range fn.Blocks {
		for _, phi := range b.Phis {
			v.define(fn, b, defs, phi)
		}
		for _, inst := range b.Insts {
			if _, ok := inst.(*Phi); ok {
				v.addError(fn, b, "phi outside the block header: %s", inst)
			}
			v.define(fn, b, defs, inst)
		}
	}

	preds := Predecessors(fn)
	if len(preds[fn.Blocks[0]]) > 0 {
		v.addError(fn, fn.Blocks[0], "entry block has predecessors")
	}

	for _, b := range fn.Blocks {
		for _, phi := range b.Phis {
			v.validateOperands(fn, b, phi.String(), phi.Operands(), params, defs)
			v.validatePhi(fn, b, phi, preds[b], blocks)
		}
		for _, inst := range b.Insts {
			v.validateOperands(fn, b, inst.String(), inst.Operands(), params, defs)
			v.validateTypes(fn, b, inst)
		}
		if b.Term == nil {
			v.addError(fn, b, "block has no terminator")
			continue
		}
		v.validateOperands(fn, b, b.Term.String(), b.Term.Operands(), params, defs)
		v.validateTerm(fn, b, blocks)
	}
}

func (v *Validator) define(fn *Function, b *Block, defs map[*Temp]bool, inst Inst) {
	dest := inst.Result()
	if dest == nil {
		return
	}
	if defs[dest] {
		v.addError(fn, b, "%s assigned more than once", dest)
	}
	defs[dest] = true
}

func (v *Validator) validateOperands(fn *Function, b *Block, code string, ops []Value, params map[*Param]bool, defs map[*Temp]bool) {
	for _, op := range ops {
		switch o := op.(type) {
		case nil:
			v.addError(fn, b, "missing operand in %s", code)
		case *Temp:
			if !defs[o] {
				v.addError(fn, b, "%s used but not defined in this function: %s", o, code)
			}
		case *Param:
			if !params[o] {
				v.addError(fn, b, "parameter %s belongs to another function: %s", o, code)
			}
		}
	}
}

func (v *Validator) validatePhi(fn *Function, b *Block, phi *Phi, preds []*Block, blocks map[*Block]bool) {
	if !isFloat(phi.Dest) {
		v.addError(fn, b, "phi result must be double: %s", phi)
	}
	seen := make(map[*Block]bool, len(phi.Incoming))
	for _, in := range phi.Incoming {
		if !blocks[in.Block] {
			v.addError(fn, b, "phi incoming block outside the function: %s", phi)
			continue
		}
		if seen[in.Block] {
			v.addError(fn, b, "phi lists %%%s twice: %s", in.Block.Label, phi)
		}
		seen[in.Block] = true
		if !isFloat(in.Value) {
			v.addError(fn, b, "phi operand must be double: %s", phi)
		}
	}
	for _, p := range preds {
		if !seen[p] {
			v.addError(fn, b, "phi has no value for predecessor %%%s: %s", p.Label, phi)
		}
		delete(seen, p)
	}
	for extra := range seen {
		v.addError(fn, b, "phi names %%%s, which is not a predecessor: %s", extra.Label, phi)
	}
}

func (v *Validator) validateTypes(fn *Function, b *Block, inst Inst) {
	bad := func(what string) { v.addError(fn, b, "%s: %s", what, inst) }

	switch i := inst.(type) {
	case *Alloca:
		if !isPtr(i.Dest) {
			bad("alloca result must be a pointer")
		}
	case *Store:
		if !isFloat(i.Src) || !isPtr(i.Ptr) {
			bad("store needs a double and a pointer")
		}
	case *Load:
		if !isFloat(i.Dest) || !isPtr(i.Ptr) {
			bad("load needs a pointer and yields a double")
		}
	case *BinOp:
		if !isFloat(i.Dest) || !isFloat(i.L) || !isFloat(i.R) {
			bad("arithmetic operands must be double")
		}
	case *FCmp:
		if !isBool(i.Dest) || !isFloat(i.L) || !isFloat(i.R) {
			bad("fcmp compares doubles into an i1")
		}
	case *UIToFP:
		if !isBool(i.Src) || !isFloat(i.Dest) {
			bad("uitofp widens an i1 into a double")
		}
	case *Call:
		switch {
		case i.Callee == nil || v.mod.Func(i.Callee.Name) != i.Callee:
			bad("call to a function outside the module")
		case len(i.Args) != len(i.Callee.Params):
			bad(fmt.Sprintf("call passes %d argument(s) to a function taking %d", len(i.Args), len(i.Callee.Params)))
		}
		if !isFloat(i.Dest) {
			bad("call result must be double")
		}
		for _, a := range i.Args {
			if !isFloat(a) {
				bad("call arguments must be double")
				break
			}
		}
	}
}

func (v *Validator) validateTerm(fn *Function, b *Block, blocks map[*Block]bool) {
	for _, s := range b.Term.Succs() {
		if !blocks[s] {
			v.addError(fn, b, "branch to a block outside the function: %s", b.Term)
		}
	}
	switch t := b.Term.(type) {
	case *Return:
		if !isFloat(t.Value) {
			v.addError(fn, b, "return value must be double: %s", t)
		}
	case *CondBranch:
		if !isBool(t.Cond) {
			v.addError(fn, b, "branch condition must be i1: %s", t)
		}
	}
}

func isFloat(v Value) bool { return v != nil && v.Type() == Type(FloatType{}) }
func isBool(v Value) bool  { return v != nil && v.Type() == Type(BoolType{}) }

func isPtr(v Value) bool {
	if v == nil {
		return false
	}
	_, ok := v.Type().(PtrType)
	return ok
}
