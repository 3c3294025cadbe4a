// Package ir - AST to IR conversion
// Design: Two passes. The first registers every function signature so
// calls may name functions defined later; the second lowers bodies in
// source order with an explicit active block.
package ir

import (
	"fmt"

	"github.com/GriffinCanCode/kaleidoscope/pkg/frontend"
	"github.com/GriffinCanCode/kaleidoscope/pkg/logger"
	"github.com/GriffinCanCode/kaleidoscope/pkg/scope"
)

type Builder struct {
	mod    *Module
	fn     *Function
	active *Block
	scope  *scope.Scope[*Temp]
}

// Option configures a Builder.
type Option func(*Builder)

// WithModuleName names the produced module.
func WithModuleName(name string) Option {
	return func(b *Builder) { b.mod.Name = name }
}

func NewBuilder(opts ...Option) *Builder {
	b := &Builder{
		mod:   &Module{},
		scope: scope.New[*Temp](),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build lowers prog into a fresh module. A Builder is single use.
func (b *Builder) Build(prog *frontend.Program) (*Module, error) {
	logger.Debug("Building IR from AST", "items", len(prog.Items))

	if err := b.declare(prog); err != nil {
		return nil, err
	}

	main := NewFunction(EntryName)
	b.mod.Functions = append(b.mod.Functions, main)
	b.fn = main
	b.enter(main.NewBlock("entry"))

	var last Value
	for _, item := range prog.Items {
		switch it := item.(type) {
		case *frontend.FuncDef:
			if err := b.lowerFuncDef(it); err != nil {
				logger.Debug("Failed to build function", "name", it.Name, "error", err)
				return nil, err
			}
		case frontend.Expr:
			val, err := b.lowerExpr(it)
			if err != nil {
				return nil, err
			}
			last = val
		default:
			return nil, fmt.Errorf("ir: unsupported item %T", item)
		}
	}
	if last == nil {
		return nil, &CodegenError{Kind: ErrEmptyProgram}
	}
	b.active.Term = &Return{Value: last}
	logger.LogSSAGeneration(main.Name, len(main.Blocks))

	logger.Debug("IR build complete", "functions", len(b.mod.Functions))
	return b.mod, nil
}

// declare registers every signature in source order.
func (b *Builder) declare(prog *frontend.Program) error {
	for _, item := range prog.Items {
		def, ok := item.(*frontend.FuncDef)
		if !ok {
			continue
		}
		if b.mod.Func(def.Name) != nil {
			return &CodegenError{Kind: ErrDuplicateFunction, Name: def.Name}
		}
		seen := make(map[string]bool, len(def.Params))
		for _, p := range def.Params {
			if seen[p] {
				return &CodegenError{Kind: ErrDuplicateParameter, Name: p, Func: def.Name}
			}
			seen[p] = true
		}
		b.mod.Functions = append(b.mod.Functions, NewFunction(def.Name, def.Params...))
	}
	return nil
}

func (b *Builder) lowerFuncDef(def *frontend.FuncDef) error {
	fn := b.mod.Func(def.Name)

	savedFn, savedActive := b.fn, b.active
	defer func() { b.fn, b.active = savedFn, savedActive }()

	release := b.scope.Enter()
	defer release()

	b.fn = fn
	b.enter(fn.NewBlock("entry"))
	for _, p := range fn.Params {
		slot := fn.NewTemp(PtrType{Elem: FloatType{}})
		b.emit(&Alloca{Dest: slot})
		b.emit(&Store{Src: p, Ptr: slot})
		b.scope.Set(p.Name, slot)
	}

	body, err := b.lowerExpr(def.Body)
	if err != nil {
		return err
	}
	b.active.Term = &Return{Value: body}

	logger.LogSSAGeneration(fn.Name, len(fn.Blocks))
	return nil
}

func (b *Builder) lowerExpr(expr frontend.Expr) (Value, error) {
	switch e := expr.(type) {
	case *frontend.NumLiteral:
		return &Const{Val: e.Value}, nil

	case *frontend.Identifier:
		slot, ok := b.scope.Get(e.Name)
		if !ok {
			return nil, b.errorf(ErrUnknownIdentifier, e.Name)
		}
		dest := b.fn.NewTemp(FloatType{})
		b.emit(&Load{Dest: dest, Ptr: slot})
		return dest, nil

	case *frontend.OpSequence:
		acc, err := b.lowerExpr(e.Left)
		if err != nil {
			return nil, err
		}
		for _, r := range e.Rights {
			right, err := b.lowerExpr(r.Right)
			if err != nil {
				return nil, err
			}
			acc, err = b.lowerOp(r.Op, acc, right)
			if err != nil {
				return nil, err
			}
		}
		return acc, nil

	case *frontend.Cond:
		return b.lowerCond(e)

	case *frontend.FuncCall:
		callee := b.mod.Func(e.Name)
		if callee == nil {
			return nil, b.errorf(ErrUnknownFunction, e.Name)
		}
		if len(e.Args) != len(callee.Params) {
			return nil, &CodegenError{
				Kind: ErrArityMismatch,
				Name: e.Name,
				Func: b.fn.Name,
				Want: len(callee.Params),
				Got:  len(e.Args),
			}
		}
		args := make([]Value, 0, len(e.Args))
		for _, a := range e.Args {
			v, err := b.lowerExpr(a)
			if err != nil {
				return nil, err
			}
			args = append(args, v)
		}
		dest := b.fn.NewTemp(FloatType{})
		b.emit(&Call{Dest: dest, Callee: callee, Args: args})
		return dest, nil

	default:
		return nil, fmt.Errorf("ir: unsupported expression %T", expr)
	}
}

func (b *Builder) lowerOp(op frontend.Operator, l, r Value) (Value, error) {
	switch op {
	case frontend.Add, frontend.Sub, frontend.Mul, frontend.Div:
		dest := b.fn.NewTemp(FloatType{})
		b.emit(&BinOp{Dest: dest, Op: opFromFrontend(op), L: l, R: r})
		return dest, nil
	case frontend.Less, frontend.More:
		pred := PredULT
		if op == frontend.More {
			pred = PredUGT
		}
		flag := b.fn.NewTemp(BoolType{})
		b.emit(&FCmp{Dest: flag, Pred: pred, L: l, R: r})
		dest := b.fn.NewTemp(FloatType{})
		b.emit(&UIToFP{Dest: dest, Src: flag})
		return dest, nil
	default:
		return nil, fmt.Errorf("ir: unsupported operator %q", op)
	}
}

func (b *Builder) emit(inst Inst) {
	b.active.Insts = append(b.active.Insts, inst)
}

// enter attaches bl to the current function and makes it the active block.
func (b *Builder) enter(bl *Block) {
	b.fn.AddBlock(bl)
	b.active = bl
}

func (b *Builder) errorf(kind error, name string) error {
	return &CodegenError{Kind: kind, Name: name, Func: b.fn.Name}
}

func opFromFrontend(op frontend.Operator) Op {
	switch op {
	case frontend.Sub:
		return OpSub
	case frontend.Mul:
		return OpMul
	case frontend.Div:
		return OpDiv
	default:
		return OpAdd
	}
}
