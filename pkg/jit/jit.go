// Package jit executes IR modules.
//
// Design: Each function is compiled once into Go closures over a flat
// frame of float64 slots, then run by a small block-dispatch loop. The
// process-wide operator tables are built exactly once and read-only
// afterwards, so compiled programs may run concurrently.
package jit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/GriffinCanCode/kaleidoscope/pkg/ir"
	"github.com/GriffinCanCode/kaleidoscope/pkg/logger"
	"github.com/GriffinCanCode/kaleidoscope/pkg/optimizer"
	"github.com/GriffinCanCode/kaleidoscope/pkg/ssa"
)

var (
	// ErrRuntime is wrapped by every execution failure.
	ErrRuntime = errors.New("runtime failure")
	// ErrAlreadyInitialized is returned by a second call to Init.
	ErrAlreadyInitialized = errors.New("jit: backend already initialized")
)

// RuntimeError reports a module that cannot be executed or an execution
// that could not finish.
type RuntimeError struct {
	Func string
	Msg  string
	Err  error
}

func (e *RuntimeError) Error() string {
	msg := "runtime failure"
	if e.Func != "" {
		msg += " in @" + e.Func
	}
	msg += ": " + e.Msg
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RuntimeError) Unwrap() error { return e.Err }

func (e *RuntimeError) Is(target error) bool { return target == ErrRuntime }

// Backend state, built once per process.
var (
	initOnce sync.Once
	binops   [4]func(l, r float64) float64
	preds    [3]func(l, r float64) bool
)

func setup() {
	binops = [...]func(l, r float64) float64{
		ir.OpAdd: func(l, r float64) float64 { return l + r },
		ir.OpSub: func(l, r float64) float64 { return l - r },
		ir.OpMul: func(l, r float64) float64 { return l * r },
		ir.OpDiv: func(l, r float64) float64 { return l / r },
	}
	preds = [...]func(l, r float64) bool{
		ir.PredULT: ir.PredULT.Eval,
		ir.PredUGT: ir.PredUGT.Eval,
		ir.PredUNE: ir.PredUNE.Eval,
	}
	logger.Debug("JIT backend initialized")
}

// Init builds the backend tables. It may run once per process; later
// calls, including calls after New initialized the backend lazily,
// return ErrAlreadyInitialized.
func Init() error {
	err := ErrAlreadyInitialized
	initOnce.Do(func() {
		setup()
		err = nil
	})
	return err
}

// Config controls compilation and execution
type Config struct {
	// OptLevel selects optimizer passes; 0 runs the IR as built.
	OptLevel int
	// MaxCallDepth bounds nested calls so that unbounded recursion fails
	// with a RuntimeError instead of exhausting the stack.
	MaxCallDepth int
	// Verify checks structure and dominance before compiling.
	Verify bool
}

// DefaultConfig returns the configuration the runner uses.
func DefaultConfig() Config {
	return Config{
		OptLevel:     1,
		MaxCallDepth: 100000,
		Verify:       true,
	}
}

// Engine compiles and runs modules
type Engine struct {
	cfg Config
}

// New returns an engine, initializing the backend if needed.
func New(cfg Config) *Engine {
	initOnce.Do(setup)
	if cfg.MaxCallDepth <= 0 {
		cfg.MaxCallDepth = DefaultConfig().MaxCallDepth
	}
	return &Engine{cfg: cfg}
}

// Config returns the engine's effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Compile verifies, optimizes and compiles mod. Optimization rewrites mod
// in place.
func (e *Engine) Compile(mod *ir.Module) (*Program, error) {
	if mod == nil {
		return nil, &RuntimeError{Msg: "nil module"}
	}
	if e.cfg.Verify {
		if err := ir.Validate(mod); err != nil {
			return nil, &RuntimeError{Msg: "module failed verification", Err: err}
		}
		if err := ssa.VerifyDominance(mod); err != nil {
			return nil, &RuntimeError{Msg: "module failed verification", Err: err}
		}
	}
	if mod.Entry() == nil {
		return nil, &RuntimeError{Msg: fmt.Sprintf("module has no @%s", ir.EntryName)}
	}
	if e.cfg.OptLevel > 0 {
		optimizer.Optimize(mod, e.cfg.OptLevel)
	}

	funcs, err := compileModule(mod)
	if err != nil {
		return nil, err
	}
	return &Program{
		entry:    funcs[mod.Entry()],
		maxDepth: e.cfg.MaxCallDepth,
	}, nil
}

// Run compiles mod and runs its entry function.
func (e *Engine) Run(mod *ir.Module) (float64, error) {
	prog, err := e.Compile(mod)
	if err != nil {
		return 0, err
	}
	return prog.Run()
}

// Program is a compiled module, safe for concurrent use.
type Program struct {
	entry    *function
	maxDepth int
}

// Run invokes the entry function.
func (p *Program) Run() (float64, error) {
	return p.RunContext(context.Background())
}

// RunContext invokes the entry function, giving up with the context's
// error once ctx is done. Cancellation is noticed at function calls.
func (p *Program) RunContext(ctx context.Context) (float64, error) {
	start := time.Now()
	th := &thread{ctx: ctx, maxDepth: p.maxDepth}
	fr := make([]float64, p.entry.frameSize)
	v, err := p.entry.run(fr, th)
	if err != nil {
		return 0, err
	}
	logger.LogExecution(v, time.Since(start))
	return v, nil
}

// thread is the per-run execution state.
type thread struct {
	ctx      context.Context
	depth    int
	maxDepth int
	calls    uint64
}

// ctxCheckInterval is how many calls pass between cancellation checks.
const ctxCheckInterval = 1 << 10

func (th *thread) enter(fn *function) error {
	th.depth++
	if th.depth > th.maxDepth {
		th.depth--
		return &RuntimeError{Func: fn.name, Msg: fmt.Sprintf("call depth exceeds %d (unbounded recursion?)", th.maxDepth)}
	}
	th.calls++
	if th.calls%ctxCheckInterval == 0 {
		if err := th.ctx.Err(); err != nil {
			th.depth--
			return &RuntimeError{Func: fn.name, Msg: "interrupted", Err: err}
		}
	}
	return nil
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
