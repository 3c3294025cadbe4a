// Package regalloc implements linear scan register allocation with liveness intervals.
//
// Design: Poletto & Sarkar's linear scan over blocks laid out in reverse
// post-order. Functions have no loops, so every point where a value is
// live lies between its definition and its last use in that layout, and
// the plain interval is a sound cover. Phi results are written by moves at
// the end of each predecessor, so their intervals start at the earliest
// incoming edge.
package regalloc

import (
	"fmt"
	"sort"

	"github.com/GriffinCanCode/kaleidoscope/pkg/ir"
	"github.com/GriffinCanCode/kaleidoscope/pkg/logger"
	"github.com/GriffinCanCode/kaleidoscope/pkg/ssa"
)

// Interval represents the live range of a value
type Interval struct {
	Value ir.Value
	Start int // Position of the definition
	End   int // Position of the last use
	Reg   string
	Spill int // Stack offset if spilled (-1 if not spilled)
}

// Allocator performs linear scan register allocation
type Allocator struct {
	fn            *ir.Function
	cfg           *Config
	layout        []*ir.Block
	intervals     []*Interval
	active        []*Interval
	free          []string
	regMap        map[ir.Value]string
	spillMap      map[ir.Value]int
	nextSpillSlot int
	calls         []int
	termPos       map[*ir.Block]int
}

// Config holds register allocation configuration for an architecture
type Config struct {
	Available []string // Registers handed out to values
	// CallClobbers is set when every available register is caller-saved;
	// values live across a call then go straight to the stack.
	CallClobbers bool
	// FirstSlot is the frame offset of the first spill slot.
	FirstSlot int
}

// NewAllocator creates a new register allocator
func NewAllocator(fn *ir.Function, cfg *Config) *Allocator {
	return &Allocator{
		fn:            fn,
		cfg:           cfg,
		free:          append([]string{}, cfg.Available...),
		regMap:        make(map[ir.Value]string),
		spillMap:      make(map[ir.Value]int),
		nextSpillSlot: cfg.FirstSlot,
		termPos:       make(map[*ir.Block]int),
	}
}

// Layout returns the block order positions were computed in. Code must be
// emitted in this order for the intervals to hold.
func (a *Allocator) Layout() []*ir.Block {
	return a.layout
}

// Allocate performs register allocation
func (a *Allocator) Allocate() error {
	logger.Debug("Starting register allocation", "function", a.fn.Name)

	a.layout = ssa.Analyze(a.fn).RPO
	if err := a.computeLiveness(); err != nil {
		return err
	}

	sort.SliceStable(a.intervals, func(i, j int) bool {
		return a.intervals[i].Start < a.intervals[j].Start
	})

	logger.Debug("Computed liveness intervals", "count", len(a.intervals))

	for _, interval := range a.intervals {
		if a.cfg.CallClobbers && a.crossesCall(interval) {
			a.spill(interval)
			continue
		}
		a.allocateInterval(interval)
	}

	logger.Debug("Register allocation complete",
		"allocated", len(a.regMap),
		"spilled", len(a.spillMap))

	return nil
}

// computeLiveness numbers every phi, instruction and terminator and
// builds one interval per floating-point value. Pointers from alloca
// name frame slots, not registers, and are left out.
func (a *Allocator) computeLiveness() error {
	defs := make(map[ir.Value]int)
	var order []ir.Value
	define := func(v ir.Value, pos int) {
		if _, ok := defs[v]; !ok {
			order = append(order, v)
		}
		defs[v] = pos
	}
	uses := make(map[ir.Value]int)
	use := func(v ir.Value, pos int) {
		switch v.(type) {
		case *ir.Temp, *ir.Param:
			if pos > uses[v] {
				uses[v] = pos
			}
		}
	}

	for _, param := range a.fn.Params {
		define(param, 0)
	}

	pos := 0
	for _, block := range a.layout {
		pos += 2
		for _, inst := range block.Insts {
			pos += 2
			for _, v := range inst.Operands() {
				if _, isPtr := v.Type().(ir.PtrType); !isPtr {
					use(v, pos)
				}
			}
			if _, isCall := inst.(*ir.Call); isCall {
				a.calls = append(a.calls, pos)
			}
			if dest := inst.Result(); dest != nil {
				if _, isPtr := dest.Typ.(ir.PtrType); !isPtr {
					define(dest, pos)
				}
			}
		}
		pos += 2
		if block.Term == nil {
			return fmt.Errorf("block %s has no terminator", block.Label)
		}
		a.termPos[block] = pos
		for _, v := range block.Term.Operands() {
			use(v, pos)
		}
	}

	for _, block := range a.layout {
		for _, phi := range block.Phis {
			start := -1
			for _, in := range phi.Incoming {
				p, ok := a.termPos[in.Block]
				if !ok {
					continue // edge from an unreachable block
				}
				use(in.Value, p)
				if start < 0 || p < start {
					start = p
				}
			}
			if start < 0 {
				return fmt.Errorf("phi %s in %s has no reachable incoming edge", phi.Dest, block.Label)
			}
			define(phi.Dest, start)
		}
	}

	for _, val := range order {
		defPos := defs[val]
		end := defPos
		if u, ok := uses[val]; ok && u > end {
			end = u
		}
		a.intervals = append(a.intervals, &Interval{
			Value: val,
			Start: defPos,
			End:   end,
			Spill: -1,
		})
	}
	return nil
}

// crossesCall reports whether a call sits strictly inside the interval.
func (a *Allocator) crossesCall(interval *Interval) bool {
	for _, c := range a.calls {
		if c > interval.Start && c < interval.End {
			return true
		}
	}
	return false
}

// allocateInterval allocates a register or spills an interval
func (a *Allocator) allocateInterval(interval *Interval) {
	a.expireOldIntervals(interval)

	if len(a.free) > 0 {
		reg := a.free[0]
		a.free = a.free[1:]
		interval.Reg = reg
		a.regMap[interval.Value] = reg
		a.active = append(a.active, interval)
		a.sortActiveByEnd()
		return
	}

	a.spillAtInterval(interval)
}

// expireOldIntervals removes intervals that are no longer active
func (a *Allocator) expireOldIntervals(interval *Interval) {
	newActive := make([]*Interval, 0, len(a.active))
	for _, active := range a.active {
		if active.End >= interval.Start {
			newActive = append(newActive, active)
		} else {
			a.free = append(a.free, active.Reg)
		}
	}
	a.active = newActive
}

// spillAtInterval spills either the current interval or an active one
func (a *Allocator) spillAtInterval(interval *Interval) {
	last := a.active[len(a.active)-1]

	if last.End > interval.End {
		// Steal the register of the interval that lives longest.
		interval.Reg = last.Reg
		a.regMap[interval.Value] = last.Reg
		delete(a.regMap, last.Value)
		last.Reg = ""
		a.spill(last)

		a.active[len(a.active)-1] = interval
		a.sortActiveByEnd()
	} else {
		a.spill(interval)
	}
}

func (a *Allocator) spill(interval *Interval) {
	a.nextSpillSlot += 8
	interval.Spill = a.nextSpillSlot
	a.spillMap[interval.Value] = a.nextSpillSlot
	logger.Debug("Spilled interval", "value", valStr(interval.Value), "slot", interval.Spill)
}

// sortActiveByEnd sorts active intervals by end position
func (a *Allocator) sortActiveByEnd() {
	sort.SliceStable(a.active, func(i, j int) bool {
		return a.active[i].End < a.active[j].End
	})
}

// GetRegister returns the register assigned to a value
func (a *Allocator) GetRegister(val ir.Value) (string, bool) {
	reg, ok := a.regMap[val]
	return reg, ok
}

// GetSpillSlot returns the frame offset below the frame pointer of a
// spilled value.
func (a *Allocator) GetSpillSlot(val ir.Value) (int, bool) {
	slot, ok := a.spillMap[val]
	return slot, ok
}

// GetStackSize returns the frame bytes used up to the last spill slot
func (a *Allocator) GetStackSize() int {
	return a.nextSpillSlot
}

// GetFunction returns the function being allocated
func (a *Allocator) GetFunction() *ir.Function {
	return a.fn
}

func valStr(val ir.Value) string {
	switch v := val.(type) {
	case *ir.Temp:
		return fmt.Sprintf("t%d", v.ID)
	case *ir.Param:
		return v.Name
	default:
		return fmt.Sprintf("%T", val)
	}
}
