// Package optimizer - Peephole optimization pass
// Recognizes and optimizes common instruction patterns
package optimizer

import (
	"math"

	"github.com/GriffinCanCode/kaleidoscope/pkg/ir"
	"github.com/GriffinCanCode/kaleidoscope/pkg/logger"
)

// PeepholeOptimize forwards parameter slots and removes arithmetic
// identities that are exact under IEEE-754.
func PeepholeOptimize(mod *ir.Module) *ir.Module {
	logger.Debug("Running peephole optimizer")

	changes := 0
	for _, fn := range mod.Functions {
		changes += peephole(fn)
	}

	logger.LogOptimization("peephole", changes)
	return mod
}

func peephole(fn *ir.Function) int {
	changes := forwardSlots(fn)

	subst := make(map[*ir.Temp]ir.Value)
	for _, block := range fn.Blocks {
		insts := block.Insts[:0]
		for _, inst := range block.Insts {
			inst.MapOperands(resolver(subst))
			if binop, ok := inst.(*ir.BinOp); ok {
				if v, ok := identity(binop); ok {
					subst[binop.Dest] = v
					changes++
					continue
				}
			}
			insts = append(insts, inst)
		}
		block.Insts = insts
	}
	replaceUses(fn, subst)
	return changes
}

// identity recognizes the patterns below. a + 0 and 0 + a are not among
// them: with a = -0 the sum is +0.
//
//	a * 1, 1 * a, a / 1, a - 0, a + -0, -0 + a  =>  a
func identity(b *ir.BinOp) (ir.Value, bool) {
	switch b.Op {
	case ir.OpMul:
		if isConst(b.R, 1) {
			return b.L, true
		}
		if isConst(b.L, 1) {
			return b.R, true
		}
	case ir.OpDiv:
		if isConst(b.R, 1) {
			return b.L, true
		}
	case ir.OpSub:
		if isConst(b.R, 0) {
			return b.L, true
		}
	case ir.OpAdd:
		if isConst(b.R, math.Copysign(0, -1)) {
			return b.L, true
		}
		if isConst(b.L, math.Copysign(0, -1)) {
			return b.R, true
		}
	}
	return nil, false
}

// isConst compares bit patterns so that +0 and -0 stay distinct.
func isConst(v ir.Value, want float64) bool {
	c, ok := v.(*ir.Const)
	return ok && math.Float64bits(c.Val) == math.Float64bits(want)
}

// forwardSlots replaces loads from a stack slot written by exactly one
// store in the entry block with the stored value, then drops the slot.
// Parameter slots always have this shape.
func forwardSlots(fn *ir.Function) int {
	entry := fn.Entry()
	if entry == nil {
		return 0
	}

	slots := make(map[*ir.Temp]*slotInfo)
	for _, inst := range entry.Insts {
		if a, ok := inst.(*ir.Alloca); ok {
			slots[a.Dest] = &slotInfo{storeIdx: -1}
		}
	}
	if len(slots) == 0 {
		return 0
	}

	for _, block := range fn.Blocks {
		for i, inst := range block.Insts {
			switch in := inst.(type) {
			case *ir.Store:
				if s := slotOf(slots, in.Ptr); s != nil {
					s.stores++
					s.value = in.Src
					if block == entry {
						s.storeIdx = i
					} else {
						s.escapes = true
					}
				}
				if s := slotOf(slots, in.Src); s != nil {
					s.escapes = true
				}
			case *ir.Load:
				if s := slotOf(slots, in.Ptr); s != nil && block == entry && s.storeIdx < 0 {
					// Load before the store.
					s.escapes = true
				}
			case *ir.Alloca:
			default:
				for _, op := range inst.Operands() {
					if s := slotOf(slots, op); s != nil {
						s.escapes = true
					}
				}
			}
		}
		for _, phi := range block.Phis {
			for _, op := range phi.Operands() {
				if s := slotOf(slots, op); s != nil {
					s.escapes = true
				}
			}
		}
		if block.Term != nil {
			for _, op := range block.Term.Operands() {
				if s := slotOf(slots, op); s != nil {
					s.escapes = true
				}
			}
		}
	}

	subst := make(map[*ir.Temp]ir.Value)
	forwarded := make(map[*ir.Temp]bool)
	for slot, s := range slots {
		if s.stores == 1 && !s.escapes {
			forwarded[slot] = true
		}
	}
	if len(forwarded) == 0 {
		return 0
	}

	changes := 0
	for _, block := range fn.Blocks {
		insts := block.Insts[:0]
		for _, inst := range block.Insts {
			switch in := inst.(type) {
			case *ir.Alloca:
				if forwarded[in.Dest] {
					changes++
					continue
				}
			case *ir.Store:
				if t, ok := in.Ptr.(*ir.Temp); ok && forwarded[t] {
					changes++
					continue
				}
			case *ir.Load:
				if t, ok := in.Ptr.(*ir.Temp); ok && forwarded[t] {
					subst[in.Dest] = slots[t].value
					changes++
					continue
				}
			}
			insts = append(insts, inst)
		}
		block.Insts = insts
	}
	replaceUses(fn, subst)

	if changes > 0 {
		logger.Debug("Peephole: forwarded stack slots", "function", fn.Name, "slots", len(forwarded))
	}
	return changes
}

type slotInfo struct {
	stores   int
	value    ir.Value
	storeIdx int
	escapes  bool
}

func slotOf(slots map[*ir.Temp]*slotInfo, v ir.Value) *slotInfo {
	t, ok := v.(*ir.Temp)
	if !ok {
		return nil
	}
	return slots[t]
}
