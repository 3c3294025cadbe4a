// Package optimizer - IR-level optimizations
// Design: Simple, effective passes for fast compilation. Every pass keeps
// IEEE-754 semantics exactly: NaN propagates, signed zeros survive and
// comparisons stay unordered.
package optimizer

import (
	"math"

	"github.com/GriffinCanCode/kaleidoscope/pkg/ir"
	"github.com/GriffinCanCode/kaleidoscope/pkg/logger"
	"github.com/GriffinCanCode/kaleidoscope/pkg/ssa"
)

// maxRounds bounds the fixpoint loop; the passes converge long before.
const maxRounds = 8

// Optimize applies all optimization passes in place and returns mod.
func Optimize(mod *ir.Module, level int) *ir.Module {
	logger.Debug("Running optimization passes", "level", level)

	if level <= 0 {
		return mod
	}

	for _, fn := range mod.Functions {
		for round := 0; round < maxRounds; round++ {
			changes := 0
			if level >= 2 {
				// Level 2: forward parameter slots first so folding sees through them
				changes += peephole(fn)
			}
			changes += constantFold(fn)
			changes += deadCodeElimination(fn)
			changes += simplifyPhis(fn)
			changes += mergeBlocks(fn)
			if changes == 0 {
				break
			}
		}
	}

	logger.Debug("Optimization complete", "level", level)
	return mod
}

// ConstantFold folds arithmetic and comparisons on constant operands and
// turns conditional branches on constant conditions into plain branches.
func ConstantFold(mod *ir.Module) *ir.Module {
	logger.Debug("Running constant folding")
	changes := 0
	for _, fn := range mod.Functions {
		changes += constantFold(fn)
	}
	logger.LogOptimization("constant-fold", changes)
	return mod
}

func constantFold(fn *ir.Function) int {
	if fn.Entry() == nil {
		return 0
	}
	changes := 0
	subst := make(map[*ir.Temp]ir.Value)
	flags := make(map[*ir.Temp]bool)

	for _, block := range ssa.ReversePostOrder(fn.Entry()) {
		for _, phi := range block.Phis {
			phi.MapOperands(resolver(subst))
		}

		newInsts := make([]ir.Inst, 0, len(block.Insts))
		for _, inst := range block.Insts {
			inst.MapOperands(resolver(subst))

			switch i := inst.(type) {
			case *ir.BinOp:
				if l, r, ok := constPair(i.L, i.R); ok {
					subst[i.Dest] = &ir.Const{Val: i.Op.Eval(l, r)}
					changes++
					continue
				}
			case *ir.FCmp:
				if l, r, ok := constPair(i.L, i.R); ok {
					flags[i.Dest] = i.Pred.Eval(l, r)
				}
			case *ir.UIToFP:
				if src, ok := i.Src.(*ir.Temp); ok {
					if v, known := flags[src]; known {
						subst[i.Dest] = &ir.Const{Val: boolToFloat(v)}
						changes++
						continue
					}
				}
			}
			newInsts = append(newInsts, inst)
		}
		block.Insts = newInsts

		if block.Term == nil {
			continue
		}
		block.Term.MapOperands(resolver(subst))
		if br, ok := block.Term.(*ir.CondBranch); ok {
			if cond, ok := br.Cond.(*ir.Temp); ok {
				if v, known := flags[cond]; known {
					target := br.False
					if v {
						target = br.True
					}
					block.Term = &ir.Branch{Target: target}
					changes++
				}
			}
		}
	}

	// Uses in blocks outside the RPO walk (unreachable ones) still need
	// the substitutions; DCE drops those blocks next anyway.
	replaceUses(fn, subst)
	changes += sweepDeadValues(fn)
	return changes
}

// DeadCodeElimination removes unreachable blocks and the phi operands
// that flowed in from them.
func DeadCodeElimination(mod *ir.Module) *ir.Module {
	logger.Debug("Running dead code elimination")
	changes := 0
	for _, fn := range mod.Functions {
		changes += deadCodeElimination(fn)
	}
	logger.LogOptimization("dead-code", changes)
	return mod
}

func deadCodeElimination(fn *ir.Function) int {
	if fn.Entry() == nil {
		return 0
	}
	changes := 0

	reachable := make(map[*ir.Block]bool)
	for _, b := range ssa.ReversePostOrder(fn.Entry()) {
		reachable[b] = true
	}
	newBlocks := make([]*ir.Block, 0, len(fn.Blocks))
	for _, block := range fn.Blocks {
		if reachable[block] {
			newBlocks = append(newBlocks, block)
		} else {
			changes++
		}
	}
	fn.Blocks = newBlocks

	preds := ir.Predecessors(fn)
	for _, block := range fn.Blocks {
		isPred := make(map[*ir.Block]bool, len(preds[block]))
		for _, p := range preds[block] {
			isPred[p] = true
		}
		for _, phi := range block.Phis {
			kept := phi.Incoming[:0]
			for _, in := range phi.Incoming {
				if isPred[in.Block] {
					kept = append(kept, in)
				} else {
					changes++
				}
			}
			phi.Incoming = kept
		}
	}

	return changes + sweepDeadValues(fn)
}

// SimplifyPhis replaces phis whose incoming values are all the same value
// (including the single-incoming case) with that value.
func SimplifyPhis(mod *ir.Module) *ir.Module {
	logger.Debug("Running phi simplification")
	changes := 0
	for _, fn := range mod.Functions {
		changes += simplifyPhis(fn)
	}
	logger.LogOptimization("simplify-phis", changes)
	return mod
}

func simplifyPhis(fn *ir.Function) int {
	changes := 0
	subst := make(map[*ir.Temp]ir.Value)
	for _, block := range fn.Blocks {
		kept := block.Phis[:0]
		for _, phi := range block.Phis {
			if v, ok := uniqueIncoming(phi); ok {
				subst[phi.Dest] = v
				changes++
				continue
			}
			kept = append(kept, phi)
		}
		block.Phis = kept
	}
	replaceUses(fn, subst)
	return changes
}

// MergeBlocks folds a block into its predecessor when that predecessor
// branches unconditionally to it and nothing else reaches it.
func MergeBlocks(mod *ir.Module) *ir.Module {
	logger.Debug("Running block merging")
	changes := 0
	for _, fn := range mod.Functions {
		changes += mergeBlocks(fn)
	}
	logger.LogOptimization("merge-blocks", changes)
	return mod
}

func mergeBlocks(fn *ir.Function) int {
	changes := 0
	for merged := true; merged; {
		merged = false
		preds := ir.Predecessors(fn)
		for _, b := range fn.Blocks {
			br, ok := b.Term.(*ir.Branch)
			if !ok {
				continue
			}
			next := br.Target
			if next == b || next == fn.Entry() || len(preds[next]) != 1 {
				continue
			}

			// A sole predecessor leaves every phi with one incoming value.
			subst := make(map[*ir.Temp]ir.Value, len(next.Phis))
			for _, phi := range next.Phis {
				if len(phi.Incoming) != 1 {
					subst = nil
					break
				}
				subst[phi.Dest] = phi.Incoming[0].Value
			}
			if subst == nil {
				continue
			}

			b.Insts = append(b.Insts, next.Insts...)
			b.Term = next.Term
			for _, succ := range next.Succs() {
				for _, phi := range succ.Phis {
					for k := range phi.Incoming {
						if phi.Incoming[k].Block == next {
							phi.Incoming[k].Block = b
						}
					}
				}
			}
			removeBlock(fn, next)
			replaceUses(fn, subst)
			changes++
			merged = true
			break
		}
	}
	return changes
}

func removeBlock(fn *ir.Function, dead *ir.Block) {
	blocks := fn.Blocks[:0]
	for _, b := range fn.Blocks {
		if b != dead {
			blocks = append(blocks, b)
		}
	}
	fn.Blocks = blocks
}

func uniqueIncoming(phi *ir.Phi) (ir.Value, bool) {
	if len(phi.Incoming) == 0 {
		return nil, false
	}
	first := phi.Incoming[0].Value
	for _, in := range phi.Incoming[1:] {
		if !sameValue(first, in.Value) {
			return nil, false
		}
	}
	return first, true
}

func sameValue(a, b ir.Value) bool {
	if a == b {
		return true
	}
	ca, ok1 := a.(*ir.Const)
	cb, ok2 := b.(*ir.Const)
	return ok1 && ok2 && math.Float64bits(ca.Val) == math.Float64bits(cb.Val)
}

// sweepDeadValues drops side-effect free instructions and phis whose
// results are never used. Calls stay: removing one could hide a runtime
// failure such as unbounded recursion.
func sweepDeadValues(fn *ir.Function) int {
	removed := 0
	for {
		used := make(map[*ir.Temp]bool)
		mark := func(v ir.Value) ir.Value {
			if t, ok := v.(*ir.Temp); ok {
				used[t] = true
			}
			return v
		}
		for _, block := range fn.Blocks {
			for _, phi := range block.Phis {
				phi.MapOperands(mark)
			}
			for _, inst := range block.Insts {
				inst.MapOperands(mark)
			}
			if block.Term != nil {
				block.Term.MapOperands(mark)
			}
		}

		before := removed
		for _, block := range fn.Blocks {
			phis := block.Phis[:0]
			for _, phi := range block.Phis {
				if used[phi.Dest] {
					phis = append(phis, phi)
				} else {
					removed++
				}
			}
			block.Phis = phis

			insts := block.Insts[:0]
			for _, inst := range block.Insts {
				if isPure(inst) && !used[inst.Result()] {
					removed++
					continue
				}
				insts = append(insts, inst)
			}
			block.Insts = insts
		}
		if removed == before {
			return removed
		}
	}
}

func isPure(inst ir.Inst) bool {
	switch inst.(type) {
	case *ir.BinOp, *ir.FCmp, *ir.UIToFP, *ir.Load:
		return true
	default:
		return false
	}
}

// replaceUses rewrites every operand of fn through subst.
func replaceUses(fn *ir.Function, subst map[*ir.Temp]ir.Value) {
	if len(subst) == 0 {
		return
	}
	resolve := resolver(subst)
	for _, block := range fn.Blocks {
		for _, phi := range block.Phis {
			phi.MapOperands(resolve)
		}
		for _, inst := range block.Insts {
			inst.MapOperands(resolve)
		}
		if block.Term != nil {
			block.Term.MapOperands(resolve)
		}
	}
}

// resolver follows substitution chains to their final value.
func resolver(subst map[*ir.Temp]ir.Value) func(ir.Value) ir.Value {
	return func(v ir.Value) ir.Value {
		for {
			t, ok := v.(*ir.Temp)
			if !ok {
				return v
			}
			next, ok := subst[t]
			if !ok {
				return v
			}
			v = next
		}
	}
}

func constPair(l, r ir.Value) (float64, float64, bool) {
	lc, ok := l.(*ir.Const)
	if !ok {
		return 0, 0, false
	}
	rc, ok := r.(*ir.Const)
	if !ok {
		return 0, 0, false
	}
	return lc.Val, rc.Val, true
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
