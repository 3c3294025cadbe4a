// Package llvm lowers IR modules to LLVM IR.
//
// Design: A structural translation through llir/llvm, which builds and
// prints LLVM IR in pure Go. Blocks are translated in reverse post-order
// so every operand, phi inputs included, exists before it is referenced.
// Functions are declared before any body so calls can point forward.
package llvm

import (
	"fmt"
	"io"

	llvmir "github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"

	"github.com/GriffinCanCode/kaleidoscope/pkg/ir"
	"github.com/GriffinCanCode/kaleidoscope/pkg/logger"
	"github.com/GriffinCanCode/kaleidoscope/pkg/ssa"
)

var fpreds = map[ir.Pred]enum.FPred{
	ir.PredULT: enum.FPredULT,
	ir.PredUGT: enum.FPredUGT,
	ir.PredUNE: enum.FPredUNE,
}

// Generate translates mod into an llir module.
func Generate(mod *ir.Module) (*llvmir.Module, error) {
	m := llvmir.NewModule()
	if mod.Name != "" {
		m.SourceFilename = mod.Name
	}

	funcs := make(map[*ir.Function]*llvmir.Func, len(mod.Functions))
	for _, fn := range mod.Functions {
		params := make([]*llvmir.Param, len(fn.Params))
		for i, p := range fn.Params {
			params[i] = llvmir.NewParam(p.Name, types.Double)
		}
		funcs[fn] = m.NewFunc(fn.Name, types.Double, params...)
	}

	for _, fn := range mod.Functions {
		t := &translator{
			src:    fn,
			dst:    funcs[fn],
			funcs:  funcs,
			values: make(map[ir.Value]value.Value),
			blocks: make(map[*ir.Block]*llvmir.Block),
		}
		if err := t.translate(); err != nil {
			return nil, fmt.Errorf("llvm: @%s: %w", fn.Name, err)
		}
		logger.LogCodeGen("llvm", fn.Name, t.insts)
	}
	return m, nil
}

// Emit writes mod as textual LLVM IR.
func Emit(w io.Writer, mod *ir.Module) error {
	m, err := Generate(mod)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, m.String())
	return err
}

type translator struct {
	src    *ir.Function
	dst    *llvmir.Func
	funcs  map[*ir.Function]*llvmir.Func
	values map[ir.Value]value.Value
	blocks map[*ir.Block]*llvmir.Block
	insts  int
}

func (t *translator) translate() error {
	for i, p := range t.src.Params {
		t.values[p] = t.dst.Params[i]
	}

	order := ssa.Analyze(t.src).RPO
	if len(order) == 0 {
		return fmt.Errorf("function has no blocks")
	}
	for _, b := range order {
		t.blocks[b] = t.dst.NewBlock(b.Label)
	}

	for _, b := range order {
		if err := t.block(b); err != nil {
			return err
		}
	}
	return nil
}

func (t *translator) block(b *ir.Block) error {
	bb := t.blocks[b]

	for _, phi := range b.Phis {
		var incs []*llvmir.Incoming
		for _, in := range phi.Incoming {
			pred, ok := t.blocks[in.Block]
			if !ok {
				continue // unreachable predecessor
			}
			v, err := t.value(in.Value)
			if err != nil {
				return err
			}
			incs = append(incs, llvmir.NewIncoming(v, pred))
		}
		t.values[phi.Dest] = bb.NewPhi(incs...)
		t.insts++
	}

	for _, inst := range b.Insts {
		if err := t.inst(bb, inst); err != nil {
			return err
		}
		t.insts++
	}

	switch term := b.Term.(type) {
	case *ir.Return:
		v, err := t.value(term.Value)
		if err != nil {
			return err
		}
		bb.NewRet(v)
	case *ir.Branch:
		bb.NewBr(t.blocks[term.Target])
	case *ir.CondBranch:
		cond, err := t.value(term.Cond)
		if err != nil {
			return err
		}
		bb.NewCondBr(cond, t.blocks[term.True], t.blocks[term.False])
	default:
		return fmt.Errorf("block %s has no terminator", b.Label)
	}
	t.insts++
	return nil
}

func (t *translator) inst(bb *llvmir.Block, inst ir.Inst) error {
	ops := make([]value.Value, 0, 2)
	for _, op := range inst.Operands() {
		v, err := t.value(op)
		if err != nil {
			return err
		}
		ops = append(ops, v)
	}

	var result value.Value
	switch i := inst.(type) {
	case *ir.Alloca:
		result = bb.NewAlloca(types.Double)
	case *ir.Store:
		bb.NewStore(ops[0], ops[1])
	case *ir.Load:
		result = bb.NewLoad(types.Double, ops[0])
	case *ir.BinOp:
		switch i.Op {
		case ir.OpAdd:
			result = bb.NewFAdd(ops[0], ops[1])
		case ir.OpSub:
			result = bb.NewFSub(ops[0], ops[1])
		case ir.OpMul:
			result = bb.NewFMul(ops[0], ops[1])
		case ir.OpDiv:
			result = bb.NewFDiv(ops[0], ops[1])
		default:
			return fmt.Errorf("unsupported operation %v", i.Op)
		}
	case *ir.FCmp:
		pred, ok := fpreds[i.Pred]
		if !ok {
			return fmt.Errorf("unsupported predicate %v", i.Pred)
		}
		result = bb.NewFCmp(pred, ops[0], ops[1])
	case *ir.UIToFP:
		result = bb.NewUIToFP(ops[0], types.Double)
	case *ir.Call:
		callee, ok := t.funcs[i.Callee]
		if !ok {
			return fmt.Errorf("call to a function outside the module")
		}
		result = bb.NewCall(callee, ops...)
	default:
		return fmt.Errorf("unsupported instruction %T", inst)
	}

	if dest := inst.Result(); dest != nil {
		t.values[dest] = result
	}
	return nil
}

func (t *translator) value(v ir.Value) (value.Value, error) {
	if c, ok := v.(*ir.Const); ok {
		return constant.NewFloat(types.Double, c.Val), nil
	}
	if lv, ok := t.values[v]; ok {
		return lv, nil
	}
	return nil, fmt.Errorf("%s is used before it is defined", v)
}
