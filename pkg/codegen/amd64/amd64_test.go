// Package amd64 - Unit tests for x86-64 code generation
package amd64

import (
	"bytes"
	"strings"
	"testing"

	"github.com/GriffinCanCode/kaleidoscope/pkg/frontend"
	"github.com/GriffinCanCode/kaleidoscope/pkg/ir"
	"github.com/GriffinCanCode/kaleidoscope/pkg/optimizer"
)

func build(t testing.TB, src string, level int) *ir.Module {
	t.Helper()
	prog, err := frontend.Parse(src)
	if err != nil {
		t.Fatalf("Parse(%q): %v", src, err)
	}
	mod, err := ir.NewBuilder().Build(prog)
	if err != nil {
		t.Fatalf("Build(%q): %v", src, err)
	}
	optimizer.Optimize(mod, level)
	return mod
}

func generate(t testing.TB, src string, level int, target Target) string {
	t.Helper()
	asm, err := NewGenerator(nil, target).GenerateWithValidation(build(t, src, level))
	if err != nil {
		t.Fatalf("generating %q: %v\n%s", src, err, asm)
	}
	return asm
}

// TestArithmeticOperations tests all arithmetic operations
func TestArithmeticOperations(t *testing.T) {
	tests := []struct {
		name     string
		src      string
		wantInst []string
	}{
		{"addition", "def f(a, b) a + b\nf(1, 2)", []string{"addsd"}},
		{"subtraction", "def f(a, b) a - b\nf(1, 2)", []string{"subsd"}},
		{"multiplication", "def f(a, b) a * b\nf(1, 2)", []string{"mulsd"}},
		{"division", "def f(a, b) a / b\nf(1, 2)", []string{"divsd"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			asm := generate(t, tt.src, 0, Linux)
			for _, inst := range tt.wantInst {
				if !strings.Contains(asm, inst) {
					t.Errorf("expected instruction %q not found in:\n%s", inst, asm)
				}
			}
		})
	}
}

// TestComparisonOperations checks the unordered predicates
func TestComparisonOperations(t *testing.T) {
	tests := []struct {
		name     string
		src      string
		wantInst []string
	}{
		{"less_than", "def f(a, b) a < b\nf(1, 2)", []string{"ucomisd %xmm", "setb %al", "cvtsi2sdl %eax, %xmm0"}},
		{"greater_than", "def f(a, b) a > b\nf(1, 2)", []string{"ucomisd %xmm", "setb %al"}},
		{"condition", "def f(a) if a then 1 else 2\nf(1)", []string{"setne %al", "setp %cl", "orb %cl, %al", "xorpd %xmm1, %xmm1", "jne .Lf_then_1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			asm := generate(t, tt.src, 0, Linux)
			for _, inst := range tt.wantInst {
				if !strings.Contains(asm, inst) {
					t.Errorf("expected %q not found in:\n%s", inst, asm)
				}
			}
		})
	}
}

func TestGreaterThanSwapsOperands(t *testing.T) {
	asm := generate(t, "def f(a, b) a > b\nf(1, 2)", 2, Linux)
	// a arrives in xmm0, b in xmm1; ugt compares b against a.
	lines := strings.Split(asm, "\n")
	for i, l := range lines {
		if strings.Contains(l, "ucomisd") {
			if i == 0 || !strings.Contains(lines[i-1], "movsd") {
				t.Fatalf("ucomisd not preceded by a load:\n%s", asm)
			}
			return
		}
	}
	t.Fatalf("no comparison emitted:\n%s", asm)
}

// TestFunctionCall tests call emission and symbol naming
func TestFunctionCall(t *testing.T) {
	src := "def sq(x) x * x\nsq(3)"

	asm := generate(t, src, 0, Linux)
	for _, want := range []string{"\t.globl sq\n", "sq:\n", "\t.globl __main\n", "callq sq", "leave", "retq"} {
		if !strings.Contains(asm, want) {
			t.Errorf("linux output missing %q:\n%s", want, asm)
		}
	}

	asm = generate(t, src, 0, Darwin)
	for _, want := range []string{"_sq:\n", "callq _sq", "__TEXT,__literal8"} {
		if !strings.Contains(asm, want) {
			t.Errorf("darwin output missing %q:\n%s", want, asm)
		}
	}
}

// TestCallingConvention checks that arguments past the eighth go on the stack
func TestCallingConvention(t *testing.T) {
	src := "def f(a,b,c,d,e,f,g,h,i,j) a+b+c+d+e+f+g+h+i+j\nf(1,2,3,4,5,6,7,8,9,10)"
	asm := generate(t, src, 0, Linux)

	for _, want := range []string{
		"subq $16, %rsp",
		"movsd %xmm0, 0(%rsp)",
		"movsd %xmm0, 8(%rsp)",
		"addq $16, %rsp",
		"movsd 16(%rbp), %xmm0",
		"movsd 24(%rbp), %xmm0",
	} {
		if !strings.Contains(asm, want) {
			t.Errorf("missing %q:\n%s", want, asm)
		}
	}
	for i, reg := range ArgRegs {
		if !strings.Contains(asm, ", "+reg+"\n") {
			t.Errorf("argument %d never loaded into %s", i, reg)
		}
	}
}

// TestMemoryOperations checks alloca slots at -O0 and their removal at -O2
func TestMemoryOperations(t *testing.T) {
	src := "def f(x) x + 1\nf(2)"

	asm := generate(t, src, 0, Linux)
	if !strings.Contains(asm, "(%rbp)") {
		t.Errorf("-O0 code does not use the parameter slot:\n%s", asm)
	}

	asm = generate(t, src, 2, Linux)
	fn := asm[strings.Index(asm, "f:\n"):strings.Index(asm, "__main:")]
	if strings.Contains(fn, "subq") {
		t.Errorf("-O2 code for f still allocates a frame:\n%s", fn)
	}
}

// TestRegisterAllocation checks that values live across calls are spilled
func TestRegisterAllocation(t *testing.T) {
	src := "def g(x) x\ndef f(x) x + g(x)\nf(1)"
	asm := generate(t, src, 2, Linux)

	fn := asm[strings.Index(asm, "f:\n"):strings.Index(asm, "__main:")]
	// x is needed after the call to g, so it cannot stay in an XMM register.
	if !strings.Contains(fn, "movsd %xmm0, -8(%rbp)") {
		t.Errorf("x not spilled across the call:\n%s", fn)
	}
	if !strings.Contains(fn, "addsd -8(%rbp), %xmm0") && !strings.Contains(fn, "movsd -8(%rbp), %xmm0") {
		t.Errorf("x not reloaded after the call:\n%s", fn)
	}
}

// TestPhiResolution checks that phi results are written on each edge
func TestPhiResolution(t *testing.T) {
	src := "def f(x) if x < 1 then x + 1 else x * 2\nf(3)"
	asm := generate(t, src, 2, Linux)

	if strings.Count(asm, ".Lf_merge_3:") != 1 {
		t.Fatalf("merge block missing:\n%s", asm)
	}
	for _, label := range []string{".Lf_then_1:", ".Lf_else_2:"} {
		if !strings.Contains(asm, label) {
			t.Errorf("missing %s:\n%s", label, asm)
		}
	}
}

func TestConditionalEdgeToPhi(t *testing.T) {
	// Point the condition straight at the merge so the true edge carries
	// a phi move and needs an edge block of its own.
	mod := build(t, "if 1 then 2 else 3", 0)
	fn := mod.Entry()
	entry, merge := fn.Blocks[0], fn.Blocks[3]
	entry.Term.(*ir.CondBranch).True = merge
	merge.Phis[0].Incoming[0].Block = entry
	fn.Blocks = []*ir.Block{entry, fn.Blocks[2], merge}
	if err := ir.Validate(mod); err != nil {
		t.Fatal(err)
	}

	asm, err := NewGenerator(nil, Linux).GenerateWithValidation(mod)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"jne .L__main_entry_0_t\n",
		".L__main_entry_0_t:\n",
		"jmp .L__main_merge_3\n",
	} {
		if !strings.Contains(asm, want) {
			t.Errorf("missing %q:\n%s", want, asm)
		}
	}
}

func TestConstantPool(t *testing.T) {
	asm := generate(t, "1 + 2 + 1", 0, Linux)
	if got := strings.Count(asm, ".quad 0x3ff0000000000000"); got != 1 {
		t.Errorf("1.0 pooled %d times:\n%s", got, asm)
	}
	if !strings.Contains(asm, ".quad 0x4000000000000000 # 2.0") {
		t.Errorf("2.0 missing from the pool:\n%s", asm)
	}

	asm = generate(t, "def f(x) x\nf(-0)", 0, Linux)
	if !strings.Contains(asm, ".quad 0x8000000000000000") && !strings.Contains(asm, ".quad 0x0000000000000000") {
		t.Errorf("zero constant missing:\n%s", asm)
	}
}

func TestGenerateWritesToWriter(t *testing.T) {
	var buf bytes.Buffer
	if err := NewGenerator(&buf, HostTarget()).Generate(build(t, "42", 1)); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(buf.String(), "\t.text\n") {
		t.Errorf("unexpected output:\n%s", buf.String())
	}
}

func BenchmarkCodeGeneration(b *testing.B) {
	mod := build(b, "def fib(n) if n < 2 then n else fib(n-1) + fib(n-2)\nfib(20)", 1)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var buf bytes.Buffer
		if err := NewGenerator(&buf, Linux).Generate(mod); err != nil {
			b.Fatal(err)
		}
	}
}
