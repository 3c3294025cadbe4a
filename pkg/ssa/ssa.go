// Package ssa implements control-flow analysis over SSA form.
//
// Design: Dominators by the iterative algorithm of Cooper, Harvey and
// Kennedy over reverse post-order. The functions here are small enough
// that its simplicity beats Lengauer-Tarjan.
package ssa

import (
	"fmt"

	"github.com/GriffinCanCode/kaleidoscope/pkg/ir"
)

// Graph is the analyzed control-flow graph of one function
type Graph struct {
	Fn    *ir.Function
	Preds map[*ir.Block][]*ir.Block
	// RPO lists the blocks reachable from the entry in reverse post-order.
	RPO []*ir.Block

	index map[*ir.Block]int
	idom  map[*ir.Block]*ir.Block
}

// Analyze computes predecessors, reverse post-order and the dominator
// tree of fn.
func Analyze(fn *ir.Function) *Graph {
	g := &Graph{
		Fn:    fn,
		Preds: ir.Predecessors(fn),
		index: make(map[*ir.Block]int, len(fn.Blocks)),
		idom:  make(map[*ir.Block]*ir.Block, len(fn.Blocks)),
	}
	if entry := fn.Entry(); entry != nil {
		g.RPO = ReversePostOrder(entry)
	}
	for i, b := range g.RPO {
		g.index[b] = i
	}
	g.dominators()
	return g
}

// ReversePostOrder lists the blocks reachable from entry so that every
// block comes before its successors, back edges aside.
func ReversePostOrder(entry *ir.Block) []*ir.Block {
	var post []*ir.Block
	visited := map[*ir.Block]bool{}
	var visit func(b *ir.Block)
	visit = func(b *ir.Block) {
		visited[b] = true
		for _, s := range b.Succs() {
			if s != nil && !visited[s] {
				visit(s)
			}
		}
		post = append(post, b)
	}
	visit(entry)

	for i, j := 0, len(post)-1; i < j; i, j = i+1, j-1 {
		post[i], post[j] = post[j], post[i]
	}
	return post
}

func (g *Graph) dominators() {
	if len(g.RPO) == 0 {
		return
	}
	entry := g.RPO[0]
	g.idom[entry] = entry

	for changed := true; changed; {
		changed = false
		for _, b := range g.RPO[1:] {
			var newIdom *ir.Block
			for _, p := range g.Preds[b] {
				if g.idom[p] == nil {
					continue
				}
				if newIdom == nil {
					newIdom = p
				} else {
					newIdom = g.intersect(p, newIdom)
				}
			}
			if newIdom != nil && g.idom[b] != newIdom {
				g.idom[b] = newIdom
				changed = true
			}
		}
	}
}

func (g *Graph) intersect(a, b *ir.Block) *ir.Block {
	for a != b {
		for g.index[a] > g.index[b] {
			a = g.idom[a]
		}
		for g.index[b] > g.index[a] {
			b = g.idom[b]
		}
	}
	return a
}

// Reachable reports whether b can be reached from the entry block.
func (g *Graph) Reachable(b *ir.Block) bool {
	_, ok := g.index[b]
	return ok
}

// immediateDominator returns the immediate dominator of b, nil for the
// entry block and for unreachable blocks.
func (g *Graph) immediateDominator(b *ir.Block) *ir.Block {
	d := g.idom[b]
	if d == b {
		return nil
	}
	return d
}

// Dominates reports whether every path from the entry to b passes
// through a. A block dominates itself.
func (g *Graph) Dominates(a, b *ir.Block) bool {
	if !g.Reachable(a) || !g.Reachable(b) {
		return false
	}
	for ; b != nil; b = g.immediateDominator(b) {
		if a == b {
			return true
		}
	}
	return false
}

// dominanceFrontiers maps each block to the blocks where its dominance
// ends: the merge points a phi for a value defined there would need.
func (g *Graph) dominanceFrontiers() map[*ir.Block][]*ir.Block {
	df := make(map[*ir.Block][]*ir.Block)
	for _, b := range g.RPO {
		var preds []*ir.Block
		for _, p := range g.Preds[b] {
			if g.Reachable(p) {
				preds = append(preds, p)
			}
		}
		if len(preds) < 2 {
			continue
		}
		for _, p := range preds {
			for runner := p; runner != g.idom[b]; runner = g.idom[runner] {
				if !contains(df[runner], b) {
					df[runner] = append(df[runner], b)
				}
				if runner == g.idom[runner] {
					break
				}
			}
		}
	}
	return df
}

func contains(list []*ir.Block, b *ir.Block) bool {
	for _, x := range list {
		if x == b {
			return true
		}
	}
	return false
}

// DominanceError reports a use that is not dominated by its definition
type DominanceError struct {
	Func  string
	Block string
	Value string
	Use   string
}

func (e *DominanceError) Error() string {
	return fmt.Sprintf("@%s %%%s: %s does not dominate its use in %q", e.Func, e.Block, e.Value, e.Use)
}

type site struct {
	block *ir.Block
	pos   int
}

// VerifyDominance checks that every definition dominates all of its uses
// in reachable code. A phi operand is used at the end of its incoming
// block rather than in the phi's own block.
func VerifyDominance(m *ir.Module) error {
	for _, fn := range m.Functions {
		if err := verifyFunction(fn); err != nil {
			return err
		}
	}
	return nil
}

func verifyFunction(fn *ir.Function) error {
	g := Analyze(fn)

	// Phis sit at position 0, instructions from 1, the terminator last.
	defs := make(map[*ir.Temp]site)
	for _, b := range g.RPO {
		for _, phi := range b.Phis {
			defs[phi.Dest] = site{b, 0}
		}
		for i, inst := range b.Insts {
			if dest := inst.Result(); dest != nil {
				defs[dest] = site{b, i + 1}
			}
		}
	}

	check := func(v ir.Value, use site, code string) error {
		t, ok := v.(*ir.Temp)
		if !ok {
			return nil
		}
		def, ok := defs[t]
		if !ok || !g.Dominates(def.block, use.block) || (def.block == use.block && def.pos >= use.pos) {
			return &DominanceError{Func: fn.Name, Block: use.block.Label, Value: t.String(), Use: code}
		}
		return nil
	}

	for _, b := range g.RPO {
		end := len(b.Insts) + 1
		for _, phi := range b.Phis {
			for _, in := range phi.Incoming {
				if !g.Reachable(in.Block) {
					continue
				}
				if err := check(in.Value, site{in.Block, len(in.Block.Insts) + 2}, phi.String()); err != nil {
					return err
				}
			}
		}
		for i, inst := range b.Insts {
			for _, op := range inst.Operands() {
				if err := check(op, site{b, i + 1}, inst.String()); err != nil {
					return err
				}
			}
		}
		if b.Term != nil {
			for _, op := range b.Term.Operands() {
				if err := check(op, site{b, end}, b.Term.String()); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
