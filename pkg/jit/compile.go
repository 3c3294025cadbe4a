package jit

import (
	"fmt"

	"github.com/GriffinCanCode/kaleidoscope/pkg/ir"
)

// ref reads an operand: a frame slot, or a constant when slot < 0.
type ref struct {
	slot int
	k    float64
}

func (r ref) get(fr []float64) float64 {
	if r.slot < 0 {
		return r.k
	}
	return fr[r.slot]
}

type step func(fr []float64, th *thread) error

type termKind int

const (
	termReturn termKind = iota
	termBranch
	termCondBranch
)

// move is one phi assignment performed on a CFG edge.
type move struct {
	dst int
	src ref
}

type edge struct {
	target *block
	moves  []move
}

// take performs the edge's phi moves as a parallel copy.
func (e *edge) take(fr []float64, scratch []float64) *block {
	switch len(e.moves) {
	case 0:
	case 1:
		fr[e.moves[0].dst] = e.moves[0].src.get(fr)
	default:
		for i, m := range e.moves {
			scratch[i] = m.src.get(fr)
		}
		for i, m := range e.moves {
			fr[m.dst] = scratch[i]
		}
	}
	return e.target
}

type block struct {
	label string
	steps []step
	kind  termKind
	ret   ref
	cond  ref
	edges [2]edge
}

type function struct {
	name      string
	params    int
	frameSize int
	maxMoves  int
	blocks    []*block
}

// run executes fn in frame fr, whose first slots hold the arguments.
func (fn *function) run(fr []float64, th *thread) (float64, error) {
	if err := th.enter(fn); err != nil {
		return 0, err
	}
	var scratch []float64
	if fn.maxMoves > 1 {
		scratch = make([]float64, fn.maxMoves)
	}

	b := fn.blocks[0]
	for {
		for _, s := range b.steps {
			if err := s(fr, th); err != nil {
				th.depth--
				return 0, err
			}
		}
		switch b.kind {
		case termReturn:
			th.depth--
			return b.ret.get(fr), nil
		case termBranch:
			b = b.edges[0].take(fr, scratch)
		default:
			if b.cond.get(fr) != 0 {
				b = b.edges[0].take(fr, scratch)
			} else {
				b = b.edges[1].take(fr, scratch)
			}
		}
	}
}

// compileModule declares every function before compiling any body, so
// calls can bind to callees that are compiled later.
func compileModule(mod *ir.Module) (map[*ir.Function]*function, error) {
	funcs := make(map[*ir.Function]*function, len(mod.Functions))
	for _, fn := range mod.Functions {
		funcs[fn] = &function{name: fn.Name, params: len(fn.Params)}
	}
	for _, fn := range mod.Functions {
		c := &fnCompiler{
			src:    fn,
			dst:    funcs[fn],
			funcs:  funcs,
			slots:  make(map[*ir.Temp]int),
			blocks: make(map[*ir.Block]*block, len(fn.Blocks)),
		}
		if err := c.compile(); err != nil {
			return nil, err
		}
	}
	return funcs, nil
}

type fnCompiler struct {
	src    *ir.Function
	dst    *function
	funcs  map[*ir.Function]*function
	slots  map[*ir.Temp]int
	blocks map[*ir.Block]*block
	next   int
}

func (c *fnCompiler) errorf(format string, args ...any) error {
	return &RuntimeError{Func: c.src.Name, Msg: fmt.Sprintf(format, args...)}
}

func (c *fnCompiler) compile() error {
	if len(c.src.Blocks) == 0 {
		return c.errorf("function has no body")
	}

	// Parameters occupy the first slots, then one slot per result.
	c.next = len(c.src.Params)
	for _, b := range c.src.Blocks {
		for _, phi := range b.Phis {
			c.alloc(phi.Dest)
		}
		for _, inst := range b.Insts {
			if dest := inst.Result(); dest != nil {
				c.alloc(dest)
			}
		}
		cb := &block{label: b.Label}
		c.blocks[b] = cb
		c.dst.blocks = append(c.dst.blocks, cb)
	}
	c.dst.frameSize = c.next

	for _, b := range c.src.Blocks {
		if err := c.compileBlock(b); err != nil {
			return err
		}
	}
	return nil
}

func (c *fnCompiler) alloc(t *ir.Temp) {
	if _, ok := c.slots[t]; ok {
		return
	}
	c.slots[t] = c.next
	c.next++
}

func (c *fnCompiler) ref(v ir.Value) (ref, error) {
	switch v := v.(type) {
	case *ir.Const:
		return ref{slot: -1, k: v.Val}, nil
	case *ir.Param:
		if v.Index < 0 || v.Index >= len(c.src.Params) || c.src.Params[v.Index] != v {
			return ref{}, c.errorf("parameter %s does not belong to this function", v)
		}
		return ref{slot: v.Index}, nil
	case *ir.Temp:
		slot, ok := c.slots[v]
		if !ok {
			return ref{}, c.errorf("%s is never defined", v)
		}
		return ref{slot: slot}, nil
	default:
		return ref{}, c.errorf("unsupported operand %v", v)
	}
}

func (c *fnCompiler) slotOf(v ir.Value) (int, error) {
	r, err := c.ref(v)
	if err != nil {
		return 0, err
	}
	if r.slot < 0 {
		return 0, c.errorf("constant used as a pointer")
	}
	return r.slot, nil
}

func (c *fnCompiler) compileBlock(b *ir.Block) error {
	cb := c.blocks[b]
	for _, inst := range b.Insts {
		s, err := c.compileInst(inst)
		if err != nil {
			return err
		}
		if s != nil {
			cb.steps = append(cb.steps, s)
		}
	}

	switch t := b.Term.(type) {
	case *ir.Return:
		r, err := c.ref(t.Value)
		if err != nil {
			return err
		}
		cb.kind, cb.ret = termReturn, r
	case *ir.Branch:
		e, err := c.edge(b, t.Target)
		if err != nil {
			return err
		}
		cb.kind, cb.edges[0] = termBranch, e
	case *ir.CondBranch:
		r, err := c.ref(t.Cond)
		if err != nil {
			return err
		}
		te, err := c.edge(b, t.True)
		if err != nil {
			return err
		}
		fe, err := c.edge(b, t.False)
		if err != nil {
			return err
		}
		cb.kind, cb.cond, cb.edges = termCondBranch, r, [2]edge{te, fe}
	default:
		return c.errorf("block %s has no terminator", b.Label)
	}
	return nil
}

// edge resolves the phi moves for control passing from 'from' to 'to'.
func (c *fnCompiler) edge(from, to *ir.Block) (edge, error) {
	target, ok := c.blocks[to]
	if !ok {
		return edge{}, c.errorf("branch from %s leaves the function", from.Label)
	}
	e := edge{target: target}
	for _, phi := range to.Phis {
		found := false
		for _, in := range phi.Incoming {
			if in.Block != from {
				continue
			}
			src, err := c.ref(in.Value)
			if err != nil {
				return edge{}, err
			}
			e.moves = append(e.moves, move{dst: c.slots[phi.Dest], src: src})
			found = true
			break
		}
		if !found {
			return edge{}, c.errorf("%s has no value for the edge from %s", phi.Dest, from.Label)
		}
	}
	if len(e.moves) > c.dst.maxMoves {
		c.dst.maxMoves = len(e.moves)
	}
	return e, nil
}

func (c *fnCompiler) compileInst(inst ir.Inst) (step, error) {
	switch i := inst.(type) {
	case *ir.Alloca:
		// The slot itself is the storage; frames start zeroed.
		return nil, nil

	case *ir.Store:
		src, err := c.ref(i.Src)
		if err != nil {
			return nil, err
		}
		ptr, err := c.slotOf(i.Ptr)
		if err != nil {
			return nil, err
		}
		return func(fr []float64, _ *thread) error {
			fr[ptr] = src.get(fr)
			return nil
		}, nil

	case *ir.Load:
		ptr, err := c.slotOf(i.Ptr)
		if err != nil {
			return nil, err
		}
		dst := c.slots[i.Dest]
		return func(fr []float64, _ *thread) error {
			fr[dst] = fr[ptr]
			return nil
		}, nil

	case *ir.BinOp:
		if int(i.Op) < 0 || int(i.Op) >= len(binops) {
			return nil, c.errorf("unknown operation %s", i.Op)
		}
		l, r, dst, err := c.binary(i.L, i.R, i.Dest)
		if err != nil {
			return nil, err
		}
		op := binops[i.Op]
		return func(fr []float64, _ *thread) error {
			fr[dst] = op(l.get(fr), r.get(fr))
			return nil
		}, nil

	case *ir.FCmp:
		if int(i.Pred) < 0 || int(i.Pred) >= len(preds) {
			return nil, c.errorf("unknown predicate %s", i.Pred)
		}
		l, r, dst, err := c.binary(i.L, i.R, i.Dest)
		if err != nil {
			return nil, err
		}
		pred := preds[i.Pred]
		return func(fr []float64, _ *thread) error {
			fr[dst] = boolToFloat(pred(l.get(fr), r.get(fr)))
			return nil
		}, nil

	case *ir.UIToFP:
		// Flags are already stored as 0.0 or 1.0.
		src, err := c.ref(i.Src)
		if err != nil {
			return nil, err
		}
		dst := c.slots[i.Dest]
		return func(fr []float64, _ *thread) error {
			fr[dst] = src.get(fr)
			return nil
		}, nil

	case *ir.Call:
		callee, ok := c.funcs[i.Callee]
		if !ok {
			return nil, c.errorf("call to a function outside the module")
		}
		if len(i.Args) != callee.params {
			return nil, c.errorf("call to @%s passes %d argument(s), want %d", callee.name, len(i.Args), callee.params)
		}
		args := make([]ref, len(i.Args))
		for k, a := range i.Args {
			r, err := c.ref(a)
			if err != nil {
				return nil, err
			}
			args[k] = r
		}
		dst := c.slots[i.Dest]
		return func(fr []float64, th *thread) error {
			// frameSize is read at run time: the callee may compile after us.
			callFr := make([]float64, callee.frameSize)
			for k, a := range args {
				callFr[k] = a.get(fr)
			}
			v, err := callee.run(callFr, th)
			if err != nil {
				return err
			}
			fr[dst] = v
			return nil
		}, nil

	case *ir.Phi:
		return nil, c.errorf("phi outside a block header")

	default:
		return nil, c.errorf("unsupported instruction %T", inst)
	}
}

func (c *fnCompiler) binary(l, r ir.Value, dest *ir.Temp) (ref, ref, int, error) {
	lr, err := c.ref(l)
	if err != nil {
		return ref{}, ref{}, 0, err
	}
	rr, err := c.ref(r)
	if err != nil {
		return ref{}, ref{}, 0, err
	}
	return lr, rr, c.slots[dest], nil
}
