// Package compiler is the single entry point of the Kaleidoscope core:
// source text in, one float64 or an error out.
//
// Design: Each call owns its parse tree, module and compiled program. The
// only shared state is the JIT's operator tables, so concurrent calls are
// safe. Nothing here writes to stdout or stderr; phases are logged through
// pkg/logger, which stays silent until initialized.
package compiler

import (
	"fmt"
	"time"

	"github.com/GriffinCanCode/kaleidoscope/pkg/frontend"
	"github.com/GriffinCanCode/kaleidoscope/pkg/ir"
	"github.com/GriffinCanCode/kaleidoscope/pkg/jit"
	"github.com/GriffinCanCode/kaleidoscope/pkg/logger"
)

// Options control a single compile-and-run.
type Options struct {
	// OptLevel selects optimizer passes run before execution.
	OptLevel int
	// MaxCallDepth bounds recursion at run time.
	MaxCallDepth int
	// ModuleName names the generated module in IR listings.
	ModuleName string
}

// DefaultOptions returns the options CompileRun uses.
func DefaultOptions() Options {
	jc := jit.DefaultConfig()
	return Options{
		OptLevel:     jc.OptLevel,
		MaxCallDepth: jc.MaxCallDepth,
	}
}

// Parse parses source text into a program.
func Parse(src string) (*frontend.Program, error) {
	return frontend.Parse(src)
}

// Compile parses src and generates its IR module.
func Compile(src string) (*ir.Module, error) {
	return CompileWith(src, DefaultOptions())
}

// CompileWith is Compile with explicit options.
func CompileWith(src string, opts Options) (*ir.Module, error) {
	logger.LogPhase("parse")
	start := time.Now()
	prog, err := frontend.Parse(src)
	if err != nil {
		return nil, err
	}
	logger.LogParsing(len(src), len(prog.Items))
	logger.LogPhaseComplete("parse", time.Since(start))

	logger.LogPhase("codegen")
	start = time.Now()
	var bopts []ir.Option
	if opts.ModuleName != "" {
		bopts = append(bopts, ir.WithModuleName(opts.ModuleName))
	}
	mod, err := ir.NewBuilder(bopts...).Build(prog)
	if err != nil {
		return nil, err
	}
	logger.LogPhaseComplete("codegen", time.Since(start))
	return mod, nil
}

// CompileRun parses, generates, compiles and runs src with default
// options, returning the value of the last top-level expression.
func CompileRun(src string) (float64, error) {
	return CompileRunWith(src, DefaultOptions())
}

// CompileRunWith is CompileRun with explicit options.
func CompileRunWith(src string, opts Options) (float64, error) {
	mod, err := CompileWith(src, opts)
	if err != nil {
		return 0, err
	}

	logger.LogPhase("execute")
	start := time.Now()
	v, err := jit.New(opts.jitConfig()).Run(mod)
	if err != nil {
		return 0, fmt.Errorf("execute: %w", err)
	}
	logger.LogPhaseComplete("execute", time.Since(start))
	return v, nil
}

func (o Options) jitConfig() jit.Config {
	cfg := jit.DefaultConfig()
	cfg.OptLevel = o.OptLevel
	cfg.MaxCallDepth = o.MaxCallDepth
	return cfg
}
