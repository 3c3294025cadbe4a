package regalloc

import (
	"testing"

	"github.com/GriffinCanCode/kaleidoscope/pkg/frontend"
	"github.com/GriffinCanCode/kaleidoscope/pkg/ir"
	"github.com/GriffinCanCode/kaleidoscope/pkg/optimizer"
)

func allocate(t *testing.T, src, fn string, cfg *Config) (*Allocator, *ir.Function) {
	t.Helper()
	prog, err := frontend.Parse(src)
	if err != nil {
		t.Fatal(err)
	}
	mod, err := ir.NewBuilder().Build(prog)
	if err != nil {
		t.Fatal(err)
	}
	optimizer.Optimize(mod, 2)
	f := mod.Func(fn)
	a := NewAllocator(f, cfg)
	if err := a.Allocate(); err != nil {
		t.Fatal(err)
	}
	return a, f
}

// values lists every parameter and non-pointer result of f.
func values(f *ir.Function) []ir.Value {
	var vs []ir.Value
	for _, p := range f.Params {
		vs = append(vs, p)
	}
	for _, b := range f.Blocks {
		for _, phi := range b.Phis {
			vs = append(vs, phi.Dest)
		}
		for _, inst := range b.Insts {
			if d := inst.Result(); d != nil {
				if _, ptr := d.Typ.(ir.PtrType); !ptr {
					vs = append(vs, d)
				}
			}
		}
	}
	return vs
}

func TestEveryValueHasOneLocation(t *testing.T) {
	src := "def f(a, b, c) if a < b then a * c + b else (if b < c then c - a else a / b)\nf(1, 2, 3)"
	a, f := allocate(t, src, "f", &Config{Available: []string{"r0", "r1"}})

	for _, v := range values(f) {
		_, inReg := a.GetRegister(v)
		_, spilled := a.GetSpillSlot(v)
		if inReg == spilled {
			t.Errorf("%s: register=%v spilled=%v", v, inReg, spilled)
		}
	}
}

func TestOverlappingIntervalsGetDistinctRegisters(t *testing.T) {
	src := "def f(a, b, c, d) (a + b) * (c + d) + a * d\nf(1, 2, 3, 4)"
	a, _ := allocate(t, src, "f", &Config{Available: []string{"r0", "r1", "r2", "r3", "r4", "r5"}})

	for i, x := range a.intervals {
		for _, y := range a.intervals[i+1:] {
			overlap := x.Start <= y.End && y.Start <= x.End
			if overlap && x.Reg != "" && x.Reg == y.Reg {
				t.Errorf("%s [%d,%d] and %s [%d,%d] share %s",
					valStr(x.Value), x.Start, x.End, valStr(y.Value), y.Start, y.End, x.Reg)
			}
		}
	}
}

func TestSpillsWhenOutOfRegisters(t *testing.T) {
	src := "def f(a, b, c, d) a + b + c + d\nf(1, 2, 3, 4)"
	a, _ := allocate(t, src, "f", &Config{Available: []string{"r0"}})

	if len(a.spillMap) == 0 {
		t.Fatal("nothing spilled with a single register")
	}
	if a.GetStackSize() != 8*len(a.spillMap) {
		t.Errorf("stack size %d for %d spills", a.GetStackSize(), len(a.spillMap))
	}
}

func TestCallClobbers(t *testing.T) {
	src := "def g(x) x\ndef f(x) x + g(x)\nf(1)"
	regs := []string{"r0", "r1", "r2", "r3"}

	a, f := allocate(t, src, "f", &Config{Available: regs, CallClobbers: true})
	if _, ok := a.GetSpillSlot(f.Params[0]); !ok {
		t.Error("x lives across the call but was not spilled")
	}

	a, f = allocate(t, src, "f", &Config{Available: regs})
	if _, ok := a.GetRegister(f.Params[0]); !ok {
		t.Error("x spilled although registers survive calls")
	}
}

func TestPhiIntervalStartsAtFirstEdge(t *testing.T) {
	src := "def f(x) if x < 1 then x + 1 else x * 2\nf(3)"
	a, f := allocate(t, src, "f", &Config{Available: []string{"r0", "r1", "r2", "r3"}})

	var phi *ir.Phi
	for _, b := range f.Blocks {
		if len(b.Phis) > 0 {
			phi = b.Phis[0]
		}
	}
	if phi == nil {
		t.Fatal("no phi left after optimization")
	}
	for _, iv := range a.intervals {
		if iv.Value != ir.Value(phi.Dest) {
			continue
		}
		for _, in := range phi.Incoming {
			if p := a.termPos[in.Block]; iv.Start > p {
				t.Errorf("phi interval starts at %d, after the edge from %s at %d", iv.Start, in.Block.Label, p)
			}
		}
		return
	}
	t.Fatal("phi has no interval")
}

func TestLayoutIsReversePostOrder(t *testing.T) {
	a, f := allocate(t, "def f(x) if x then 1 else 2\nf(1)", "f", &Config{Available: []string{"r0"}})
	layout := a.Layout()
	if len(layout) != len(f.Blocks) || layout[0] != f.Entry() {
		t.Fatalf("layout %v", layout)
	}
	seen := map[*ir.Block]bool{}
	for _, b := range layout {
		seen[b] = true
		for _, s := range b.Succs() {
			if seen[s] {
				t.Errorf("%s branches back to %s", b.Label, s.Label)
			}
		}
	}
}
