// Package main implements the kal runner: it compiles a Kaleidoscope source
// file, runs it and prints the value of the last top-level expression.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/kr/pretty"

	"github.com/GriffinCanCode/kaleidoscope/pkg/codegen/amd64"
	"github.com/GriffinCanCode/kaleidoscope/pkg/codegen/llvm"
	"github.com/GriffinCanCode/kaleidoscope/pkg/compiler"
	"github.com/GriffinCanCode/kaleidoscope/pkg/config"
	"github.com/GriffinCanCode/kaleidoscope/pkg/linker"
	"github.com/GriffinCanCode/kaleidoscope/pkg/logger"
	"github.com/GriffinCanCode/kaleidoscope/pkg/optimizer"
	"github.com/GriffinCanCode/kaleidoscope/pkg/watch"
)

const version = "0.1.0"

const usageText = `kal - run Kaleidoscope programs

Usage:
    kal [options] <file.kal>   Compile and run a program, print its result
    kal -repl                  Start an interactive session
    kal -version               Show version

Options:
    -O <level>     Optimization level (0-2, default from KAL_OPT_LEVEL or 1)
    -emit-ir       Print the IR module instead of running
    -emit-llvm     Print LLVM assembly instead of running
    -S             Print x86-64 assembly for the host instead of running
    -o <file>      Write a native executable instead of running (amd64, needs cc)
    -dump-ast      Pretty-print the AST to stderr before running
    -watch         Rerun whenever the file changes
    -repl          Interactive loop; definitions stay visible to later lines
    -v             Verbose (debug) logging

Environment:
    KAL_LOG_LEVEL, KAL_LOG_FORMAT, KAL_LOG_FILE, KAL_OPT_LEVEL,
    KAL_MAX_CALL_DEPTH, KAL_HISTORY_FILE, KAL_NO_HISTORY
`

// errUsage marks bad invocations, which exit with status 2.
var errUsage = errors.New("usage")

type options struct {
	emitIR   bool
	emitLLVM bool
	asm      bool
	dumpAST  bool
	watch    bool
	repl     bool
	verbose  bool
	version  bool
	optLevel int
	output   string
	path     string
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run is main without the process: it returns the exit status.
func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		// The flag package has already reported its own errors.
		if errors.Is(err, errUsage) {
			fmt.Fprintln(stderr, "kal:", err)
			fmt.Fprint(stderr, usageText)
		}
		return 2
	}
	if opts.version {
		fmt.Fprintf(stdout, "kal version %s\n", version)
		return 0
	}

	// FromEnv only fails validation; flags may still fix the setting, so
	// validate once they are applied.
	cfg, _ := config.FromEnv()
	if opts.optLevel >= 0 {
		cfg.OptLevel = opts.optLevel
	}
	if opts.verbose {
		cfg.LogLevel = logger.LevelDebug.String()
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(stderr, "kal:", err)
		return 1
	}

	lc := cfg.LoggerConfig()
	lc.Output = stderr
	if err := logger.Init(lc); err != nil {
		fmt.Fprintln(stderr, "kal: logger:", err)
		return 1
	}
	defer logger.Reset()

	if opts.repl {
		if err := runREPL(cfg, stdout, stderr); err != nil {
			fmt.Fprintln(stderr, "kal:", err)
			return 1
		}
		return 0
	}

	if opts.watch {
		return runWatch(opts, cfg, stdout, stderr)
	}

	src, err := os.ReadFile(opts.path)
	if err != nil {
		fmt.Fprintln(stderr, "kal:", err)
		return 1
	}
	if err := runFile(opts, cfg, string(src), stdout, stderr); err != nil {
		logger.LogError("run", opts.path, err)
		fmt.Fprintf(stderr, "%s: %v\n", opts.path, err)
		return 1
	}
	return 0
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("kal", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usageText) }

	fs.BoolVar(&opts.emitIR, "emit-ir", false, "print the IR module")
	fs.BoolVar(&opts.emitLLVM, "emit-llvm", false, "print LLVM assembly")
	fs.BoolVar(&opts.asm, "S", false, "print x86-64 assembly")
	fs.BoolVar(&opts.dumpAST, "dump-ast", false, "pretty-print the AST to stderr")
	fs.BoolVar(&opts.watch, "watch", false, "rerun on file change")
	fs.BoolVar(&opts.repl, "repl", false, "interactive loop")
	fs.BoolVar(&opts.verbose, "v", false, "verbose logging")
	fs.BoolVar(&opts.version, "version", false, "show version")
	fs.IntVar(&opts.optLevel, "O", -1, "optimization level (0-2)")
	fs.StringVar(&opts.output, "o", "", "write a native executable")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if opts.version || opts.repl {
		return opts, nil
	}

	switch fs.NArg() {
	case 0:
		return opts, fmt.Errorf("%w: no input file", errUsage)
	case 1:
		opts.path = fs.Arg(0)
	default:
		return opts, fmt.Errorf("%w: expected one input file, got %d", errUsage, fs.NArg())
	}

	emits := 0
	for _, set := range []bool{opts.emitIR, opts.emitLLVM, opts.asm, opts.output != ""} {
		if set {
			emits++
		}
	}
	if emits > 1 {
		return opts, fmt.Errorf("%w: -emit-ir, -emit-llvm, -S and -o are exclusive", errUsage)
	}
	return opts, nil
}

func compileOptions(cfg config.Config, name string) compiler.Options {
	return compiler.Options{
		OptLevel:     cfg.OptLevel,
		MaxCallDepth: cfg.MaxCallDepth,
		ModuleName:   name,
	}
}

// runFile compiles src once and either prints an artifact or the result.
func runFile(opts options, cfg config.Config, src string, stdout, stderr io.Writer) error {
	copts := compileOptions(cfg, opts.path)

	if opts.dumpAST {
		prog, err := compiler.Parse(src)
		if err != nil {
			return err
		}
		pretty.Fprintf(stderr, "%# v\n", prog)
	}

	if !opts.emitIR && !opts.emitLLVM && !opts.asm && opts.output == "" {
		v, err := compiler.CompileRunWith(src, copts)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, formatResult(v))
		return nil
	}

	mod, err := compiler.CompileWith(src, copts)
	if err != nil {
		return err
	}
	mod = optimizer.Optimize(mod, cfg.OptLevel)

	switch {
	case opts.emitIR:
		_, err = io.WriteString(stdout, mod.String())
	case opts.emitLLVM:
		err = llvm.Emit(stdout, mod)
	case opts.asm:
		err = amd64.NewGenerator(stdout, amd64.HostTarget()).Generate(mod)
	case opts.output != "":
		err = linker.Build(context.Background(), mod, opts.output)
	}
	return err
}

// rerunner returns the watch callback: it runs the file once more and
// reports failures without stopping.
func rerunner(opts options, cfg config.Config, stdout, stderr io.Writer) func(path string) {
	return func(path string) {
		logger.LogFileProcessing(path)
		src, err := os.ReadFile(path)
		if err == nil {
			err = runFile(opts, cfg, string(src), stdout, stderr)
		}
		if err != nil {
			fmt.Fprintf(stderr, "%s: %v\n", opts.path, err)
		}
	}
}

// runWatch reruns the file on every change until interrupted.
func runWatch(opts options, cfg config.Config, stdout, stderr io.Writer) int {
	rerun := rerunner(opts, cfg, stdout, stderr)
	w, err := watch.New(opts.path, rerun)
	if err != nil {
		fmt.Fprintln(stderr, "kal:", err)
		return 1
	}
	rerun(w.Path())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := w.Run(ctx); err != nil {
		fmt.Fprintln(stderr, "kal:", err)
		return 1
	}
	return 0
}

// formatResult prints v in fixed notation that always shows a decimal
// point, e.g. 24.0 or -0.5.
func formatResult(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	case math.IsNaN(v):
		return "NaN"
	}
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
