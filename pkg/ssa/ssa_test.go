package ssa

import (
	"errors"
	"testing"

	"github.com/GriffinCanCode/kaleidoscope/pkg/frontend"
	"github.com/GriffinCanCode/kaleidoscope/pkg/ir"
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

func TestDiamond(t *testing.T) {
	fn := lower(t, "if 1 then 2 else 3").Entry()
	entry, thenBl, elseBl, merge := fn.Blocks[0], fn.Blocks[1], fn.Blocks[2], fn.Blocks[3]
	g := Analyze(fn)

	if len(g.RPO) != 4 || g.RPO[0] != entry || g.RPO[3] != merge {
		t.Errorf("RPO = %v", labels(g.RPO))
	}
	for _, b := range []*ir.Block{thenBl, elseBl, merge} {
		if g.immediateDominator(b) != entry {
			t.Errorf("idom(%s) = %v, want entry", b.Label, g.immediateDominator(b))
		}
	}
	if g.immediateDominator(entry) != nil {
		t.Errorf("entry has an immediate dominator")
	}

	tests := []struct {
		a, b *ir.Block
		want bool
	}{
		{entry, merge, true},
		{merge, merge, true},
		{thenBl, merge, false},
		{elseBl, merge, false},
		{merge, entry, false},
	}
	for _, tt := range tests {
		if got := g.Dominates(tt.a, tt.b); got != tt.want {
			t.Errorf("Dominates(%s, %s) = %v, want %v", tt.a.Label, tt.b.Label, got, tt.want)
		}
	}

	df := g.dominanceFrontiers()
	for _, b := range []*ir.Block{thenBl, elseBl} {
		if len(df[b]) != 1 || df[b][0] != merge {
			t.Errorf("DF(%s) = %v, want [merge]", b.Label, labels(df[b]))
		}
	}
	if len(df[entry]) != 0 {
		t.Errorf("DF(entry) = %v, want empty", labels(df[entry]))
	}
}

func TestNestedDominators(t *testing.T) {
	fn := lower(t, "if 1 then (if 0 then 5 else 6) else 7").Entry()
	g := Analyze(fn)

	byLabel := map[string]*ir.Block{}
	for _, b := range fn.Blocks {
		byLabel[b.Label] = b
	}
	outerThen, innerMerge, outerMerge := byLabel["then_1"], byLabel["merge_6"], byLabel["merge_3"]
	if outerThen == nil || innerMerge == nil || outerMerge == nil {
		t.Fatalf("unexpected labels %v", labels(fn.Blocks))
	}
	if !g.Dominates(outerThen, innerMerge) {
		t.Error("outer then does not dominate the inner merge")
	}
	if g.Dominates(innerMerge, outerMerge) {
		t.Error("inner merge dominates the outer merge")
	}
	if g.immediateDominator(outerMerge) != fn.Blocks[0] {
		t.Errorf("idom(outer merge) = %s", g.immediateDominator(outerMerge).Label)
	}
}

func TestVerifyGeneratedCode(t *testing.T) {
	srcs := []string{
		"1 + 2 * 3",
		"if 1 then 2 else 3",
		"if 1 then (if 0 then 5 else 6) else 7",
		"if (if 1 then 0 else 1) then 5 else 6",
		"def fib(n) if n < 2 then n else fib(n-1) + fib(n-2)\nfib(10)",
		"def f(a, b) if a < b then (if b < 10 then b else 10) else (if a > 0 then a else 0)\nf(1, 2) + f(3, 2)",
	}
	for _, src := range srcs {
		t.Run(src, func(t *testing.T) {
			if err := VerifyDominance(lower(t, src)); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestVerifyRejectsUseOutsideDominance(t *testing.T) {
	fn := lower(t, "if 1 then 2 + 3 else 4").Entry()
	thenVal := fn.Blocks[1].Insts[0].Result()
	merge := fn.Blocks[3]
	merge.Term = &ir.Return{Value: thenVal}

	err := VerifyDominance(&ir.Module{Functions: []*ir.Function{fn}})
	var derr *DominanceError
	if !errors.As(err, &derr) {
		t.Fatalf("got %v, want *DominanceError", err)
	}
	if derr.Block != merge.Label {
		t.Errorf("reported block %s, want %s", derr.Block, merge.Label)
	}
}

func TestVerifyRejectsUseBeforeDef(t *testing.T) {
	mod := lower(t, "1 + 2 * 3")
	entry := mod.Entry().Blocks[0]
	entry.Insts[0], entry.Insts[1] = entry.Insts[1], entry.Insts[0]

	if err := VerifyDominance(mod); err == nil {
		t.Error("use before definition accepted")
	}
}

func TestVerifyRejectsPhiOperandFromWrongArm(t *testing.T) {
	fn := lower(t, "if 1 then 2 + 3 else 4").Entry()
	thenVal := fn.Blocks[1].Insts[0].Result()
	phi := fn.Blocks[3].Phis[0]
	phi.Incoming[1].Value = thenVal

	if err := VerifyDominance(&ir.Module{Functions: []*ir.Function{fn}}); err == nil {
		t.Error("phi operand defined in the other arm accepted")
	}
	phi.Incoming[1].Value = &ir.Const{Val: 4}
	phi.Incoming[0].Value = thenVal
	if err := VerifyDominance(&ir.Module{Functions: []*ir.Function{fn}}); err != nil {
		t.Errorf("phi operand from its own arm rejected: %v", err)
	}
}

func TestUnreachableBlocksIgnored(t *testing.T) {
	mod := lower(t, "1")
	fn := mod.Entry()
	orphan := fn.NewBlock("orphan")
	fn.AddBlock(orphan)
	orphan.Term = &ir.Return{Value: &ir.Temp{ID: 42, Typ: ir.FloatType{}}}

	g := Analyze(fn)
	if g.Reachable(orphan) || len(g.RPO) != 1 {
		t.Errorf("orphan block treated as reachable")
	}
	if g.Dominates(fn.Blocks[0], orphan) {
		t.Error("entry dominates an unreachable block")
	}
	if err := VerifyDominance(mod); err != nil {
		t.Errorf("unreachable block checked: %v", err)
	}
}

func labels(blocks []*ir.Block) []string {
	out := make([]string, len(blocks))
	for i, b := range blocks {
		out[i] = b.Label
	}
	return out
}
