package optimizer

import (
	"math"
	"strings"
	"testing"

	"github.com/GriffinCanCode/kaleidoscope/pkg/frontend"
	"github.com/GriffinCanCode/kaleidoscope/pkg/ir"
	"github.com/GriffinCanCode/kaleidoscope/pkg/ssa"
)

func lower(t *testing.T, src string) *ir.Module {
	t.Helper()
	prog, err := frontend.Parse(src)
	if err != nil {
		t.Fatalf("Parse(%q) failed: %v", src, err)
	}
	mod, err := ir.NewBuilder().Build(prog)
	if err != nil {
		t.Fatalf("Build(%q) failed: %v", src, err)
	}
	return mod
}

func optimize(t *testing.T, src string, level int) *ir.Module {
	t.Helper()
	mod := Optimize(lower(t, src), level)
	if err := ir.Validate(mod); err != nil {
		t.Fatalf("optimized %q is invalid: %v\n%s", src, err, mod)
	}
	if err := ssa.VerifyDominance(mod); err != nil {
		t.Fatalf("optimized %q breaks dominance: %v\n%s", src, err, mod)
	}
	return mod
}

// returnedConst expects fn to be a single block returning a constant.
func returnedConst(t *testing.T, fn *ir.Function) float64 {
	t.Helper()
	if len(fn.Blocks) != 1 {
		t.Fatalf("%s has %d blocks, want 1:\n%s", fn.Name, len(fn.Blocks), fn)
	}
	ret, ok := fn.Blocks[0].Term.(*ir.Return)
	if !ok {
		t.Fatalf("%s does not end in a return:\n%s", fn.Name, fn)
	}
	c, ok := ret.Value.(*ir.Const)
	if !ok {
		t.Fatalf("%s returns %s, not a constant:\n%s", fn.Name, ret.Value, fn)
	}
	return c.Val
}

func TestLevelZeroIsIdentity(t *testing.T) {
	src := "def f(x) x * 1\nif 1 < 2 then f(3) else 4 + 5"
	want := lower(t, src).String()
	if got := optimize(t, src, 0).String(); got != want {
		t.Errorf("level 0 changed the module:\n%s\nwant\n%s", got, want)
	}
}

func TestConstantFolding(t *testing.T) {
	tests := []struct {
		src  string
		want float64
	}{
		{"1 + 2 * 3", 7},
		{"8 / 4 / 2", 1},
		{"-1 * -2", 2},
		{"1 < 2", 1},
		{"2 < 1", 0},
		{"1 > 2", 0},
		{"(1 < 2) + (3 > 2)", 2},
		{"if 1 < 2 then 3 else 4", 3},
		{"if 0 then 3 else 4", 4},
		{"if 1 then (if 0 then 5 else 6) else 7", 6},
		{"if (if 1 then 0 else 1) then 5 else 6", 6},
	}

	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			mod := optimize(t, tt.src, 1)
			if got := returnedConst(t, mod.Entry()); got != tt.want {
				t.Errorf("folded to %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFoldingKeepsIEEESemantics(t *testing.T) {
	if got := returnedConst(t, optimize(t, "1 / 0", 1).Entry()); !math.IsInf(got, 1) {
		t.Errorf("1/0 folded to %v", got)
	}
	if got := returnedConst(t, optimize(t, "0 / 0", 1).Entry()); !math.IsNaN(got) {
		t.Errorf("0/0 folded to %v", got)
	}
	// Unordered predicates: a NaN test takes the then branch.
	if got := returnedConst(t, optimize(t, "if 0 / 0 then 1 else 2", 1).Entry()); got != 1 {
		t.Errorf("NaN test folded to %v, want 1", got)
	}
	if got := returnedConst(t, optimize(t, "(0/0) < 1", 1).Entry()); got != 1 {
		t.Errorf("NaN < 1 folded to %v, want 1", got)
	}
}

func TestCallsSurviveFolding(t *testing.T) {
	mod := optimize(t, "def f(x) x\nf(1)\n2", 1)
	if !strings.Contains(mod.Entry().String(), "call double @f") {
		t.Errorf("call with unused result was removed:\n%s", mod.Entry())
	}
}

func TestDeadCodeElimination(t *testing.T) {
	mod := lower(t, "def f(x) if 1 then x else x + 1\nf(1)")
	fn := mod.Func("f")
	ConstantFold(mod)
	if len(fn.Blocks) != 4 {
		t.Fatalf("constant folding alone removed blocks:\n%s", fn)
	}
	DeadCodeElimination(mod)
	if len(fn.Blocks) != 3 {
		t.Fatalf("got %d blocks after DCE, want entry, then, merge:\n%s", len(fn.Blocks), fn)
	}
	merge := fn.Blocks[2]
	if len(merge.Phis) != 1 || len(merge.Phis[0].Incoming) != 1 {
		t.Fatalf("phi not pruned:\n%s", fn)
	}
	SimplifyPhis(mod)
	if len(merge.Phis) != 0 {
		t.Errorf("single-incoming phi kept:\n%s", fn)
	}
	if err := ir.Validate(mod); err != nil {
		t.Error(err)
	}
}

func TestSimplifyEqualIncoming(t *testing.T) {
	mod := optimize(t, "def f(x) if x then 3 else 3\nf(1)", 1)
	fn := mod.Func("f")
	for _, b := range fn.Blocks {
		if len(b.Phis) != 0 {
			t.Errorf("phi with equal incoming values kept:\n%s", fn)
		}
	}
}

func TestSignedZeroIsNotFolded(t *testing.T) {
	mod := optimize(t, "def f(x) x + 0\nf(-0)", 2)
	if !strings.Contains(mod.Func("f").String(), "fadd") {
		t.Errorf("x + 0 was simplified, which breaks -0:\n%s", mod.Func("f"))
	}
}

func TestPeephole(t *testing.T) {
	mod := optimize(t, "def f(x) x * 1 / 1 - 0\nf(2)", 2)
	fn := mod.Func("f")
	listing := fn.String()
	for _, gone := range []string{"alloca", "load", "store", "fmul", "fdiv", "fsub"} {
		if strings.Contains(listing, gone) {
			t.Errorf("%s survived level 2:\n%s", gone, listing)
		}
	}
	ret := fn.Blocks[0].Term.(*ir.Return)
	if ret.Value != fn.Params[0] {
		t.Errorf("f returns %s, want %%x", ret.Value)
	}
}

func TestPeepholeFeedsFolding(t *testing.T) {
	mod := optimize(t, "def f(x) if x then 1 else 2\nf(0)", 2)
	if n := len(mod.Func("f").Blocks); n != 4 {
		t.Errorf("f has %d blocks; the parameter is unknown so nothing folds", n)
	}
	if strings.Contains(mod.Func("f").String(), "load") {
		t.Errorf("parameter slot survived:\n%s", mod.Func("f"))
	}
}
