package jit

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
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

func runAt(t *testing.T, src string, level int) float64 {
	t.Helper()
	cfg := DefaultConfig()
	cfg.OptLevel = level
	v, err := New(cfg).Run(lower(t, src))
	if err != nil {
		t.Fatalf("Run(%q) at -O%d failed: %v", src, level, err)
	}
	return v
}

var evalTests = []struct {
	src  string
	want float64
}{
	{"1", 1},
	{"-1+1", 0},
	{"-1*-2", 2},
	{"2+3*2", 8},
	{"(2+3)*2", 10},
	{"8/4/2", 1},
	{"1-2-3", -4},
	{"0<1", 1},
	{"1<1", 0},
	{"1>1", 0},
	{"2>1", 1},
	{"1 < 2 < 3", 1},
	{"3 > 2 > 1", 0},
	{"if 1 then 2 else 3", 2},
	{"if 0 then 2 else 3", 3},
	{"if 0 < 1 then 10 else 20", 10},
	{"if 1 then (if 0 then 5 else 6) else 7", 6},
	{"if 0 then 7 else if 1 then 8 else 9", 8},
	{"if (if 0 then 1 else 0) then 5 else 6", 6},
	{"(if 1 then 2 else 3) + (if 0 then 4 else 5)", 7},
	{"def f(x) x \n f(2)", 2},
	{"def f(x,y) x+y \n f(2,3)", 5},
	{"def f(x,y) x-y \n f(2,3)", -1},
	{"def f() 42\nf()", 42},
	{"def g(x) x*2\ndef f(x) x+1\nf(g(1))", 3},
	{"def g(x) x*2\ndef f(x) x+1\nf(1)>g(1)", 0},
	{"def g(x) x*2\ndef f(x) x+1\nf(1)<g(1)", 1},
	{"def fac(n) if n>1 then n*fac(n-1) else 1 \n fac(4)", 24},
	{"def fib(n) if n < 2 then n else fib(n-1) + fib(n-2)\nfib(15)", 610},
	{"def f(x) g(x) * 2\ndef g(y) y + 1\nf(3)", 8},
	{"def even(n) if n < 1 then 1 else odd(n - 1)\ndef odd(n) if n < 1 then 0 else even(n - 1)\neven(10) + odd(7)", 2},
	{"def clamp(x, lo, hi) if x < lo then lo else if x > hi then hi else x\nclamp(5, 0, 3) + clamp(-2, 0, 3) + clamp(2, 0, 3)", 5},
	{"def max(a, b) if a > b then a else b\nmax(max(1, 7), max(3, 2))", 7},
	{"1\n2\n3", 3},
	{"# leading comment\ndef sq(x) x * x\n# between\nsq(12)", 144},
}

func TestEvaluate(t *testing.T) {
	for _, tt := range evalTests {
		t.Run(tt.src, func(t *testing.T) {
			if got := runAt(t, tt.src, 0); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOptimizationPreservesResults(t *testing.T) {
	for _, tt := range evalTests {
		for _, level := range []int{1, 2} {
			if got := runAt(t, tt.src, level); got != tt.want {
				t.Errorf("%q at -O%d = %v, want %v", tt.src, level, got, tt.want)
			}
		}
	}
}

func TestIEEEDivision(t *testing.T) {
	for _, level := range []int{0, 2} {
		if v := runAt(t, "1/0", level); !math.IsInf(v, 1) {
			t.Errorf("-O%d: 1/0 = %v, want +Inf", level, v)
		}
		if v := runAt(t, "-1/0", level); !math.IsInf(v, -1) {
			t.Errorf("-O%d: -1/0 = %v, want -Inf", level, v)
		}
		if v := runAt(t, "0/0", level); !math.IsNaN(v) {
			t.Errorf("-O%d: 0/0 = %v, want NaN", level, v)
		}
		if v := runAt(t, "def f(x) x + 0\nf(-0)", level); v != 0 || math.Signbit(v) {
			t.Errorf("-O%d: -0 + 0 = %v, want +0", level, v)
		}
		if v := runAt(t, "def f(x) x * 1\nf(-0)", level); !math.Signbit(v) {
			t.Errorf("-O%d: -0 * 1 lost its sign", level)
		}
	}
}

func TestUnorderedComparisons(t *testing.T) {
	tests := []struct {
		src  string
		want float64
	}{
		{"def nan() 0/0\nif nan() then 1 else 2", 1},
		{"def nan() 0/0\nnan() < 1", 1},
		{"def nan() 0/0\nnan() > 1", 1},
		{"def nan() 0/0\n1 < nan()", 1},
	}
	for _, tt := range tests {
		for _, level := range []int{0, 1} {
			if got := runAt(t, tt.src, level); got != tt.want {
				t.Errorf("%q at -O%d = %v, want %v", tt.src, level, got, tt.want)
			}
		}
	}
}

func TestUnboundedRecursion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCallDepth = 500
	_, err := New(cfg).Run(lower(t, "def f(x) f(x + 1)\nf(0)"))
	if !errors.Is(err, ErrRuntime) {
		t.Fatalf("got %v, want ErrRuntime", err)
	}
	var rerr *RuntimeError
	if !errors.As(err, &rerr) || rerr.Func != "f" {
		t.Errorf("got %#v", err)
	}
	if !strings.Contains(err.Error(), "call depth exceeds 500") {
		t.Errorf("message %q", err)
	}
}

func TestDeepButBoundedRecursion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCallDepth = 5000
	v, err := New(cfg).Run(lower(t, "def sum(n) if n < 1 then 0 else n + sum(n - 1)\nsum(4000)"))
	if err != nil {
		t.Fatal(err)
	}
	if v != 4000*4001/2 {
		t.Errorf("sum(4000) = %v", v)
	}
}

func TestDepthRestoredAfterFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCallDepth = 50
	prog, err := New(cfg).Compile(lower(t, "def f(x) if x < 100 then f(x + 1) else x\nf(0)"))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := prog.Run(); !errors.Is(err, ErrRuntime) {
			t.Fatalf("run %d: got %v", i, err)
		}
	}
}

func TestRunContextCancelled(t *testing.T) {
	prog, err := New(DefaultConfig()).Compile(lower(t, "def fib(n) if n < 2 then n else fib(n-1) + fib(n-2)\nfib(40)"))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = prog.RunContext(ctx)
	if !errors.Is(err, context.Canceled) || !errors.Is(err, ErrRuntime) {
		t.Errorf("got %v, want a cancelled runtime failure", err)
	}
}

func TestCompileRejectsMalformedModules(t *testing.T) {
	mod := lower(t, "if 1 then 2 + 3 else 4")
	fn := mod.Entry()
	// Return a value from the then arm at the merge: not dominated.
	fn.Blocks[3].Term = &ir.Return{Value: fn.Blocks[1].Insts[0].Result()}

	_, err := New(DefaultConfig()).Compile(mod)
	if !errors.Is(err, ErrRuntime) {
		t.Errorf("got %v, want ErrRuntime", err)
	}

	broken := lower(t, "1")
	broken.Entry().Blocks[0].Term = nil
	if _, err := New(DefaultConfig()).Compile(broken); !errors.Is(err, ErrRuntime) {
		t.Errorf("missing terminator: got %v", err)
	}

	var verrs ir.ValidationErrors
	if _, err := New(DefaultConfig()).Compile(broken); !errors.As(err, &verrs) {
		t.Errorf("validation details not wrapped: %v", err)
	}

	if _, err := New(DefaultConfig()).Compile(nil); !errors.Is(err, ErrRuntime) {
		t.Errorf("nil module: got %v", err)
	}
}

func TestInitOnce(t *testing.T) {
	// Earlier tests may already have initialized the backend lazily, so
	// the first call here may or may not succeed; the second must fail.
	_ = Init()
	if err := Init(); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("second Init = %v, want ErrAlreadyInitialized", err)
	}
}

func TestConcurrentRuns(t *testing.T) {
	prog, err := New(DefaultConfig()).Compile(lower(t, "def fib(n) if n < 2 then n else fib(n-1) + fib(n-2)\nfib(18)"))
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := prog.Run()
			if err == nil && v != 2584 {
				err = errors.New("wrong result")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Error(err)
		}
	}
}

func TestNewDefaultsCallDepth(t *testing.T) {
	if got := New(Config{}).Config().MaxCallDepth; got != DefaultConfig().MaxCallDepth {
		t.Errorf("MaxCallDepth = %d", got)
	}
}
