package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/peterh/liner"

	"github.com/GriffinCanCode/kaleidoscope/pkg/config"
	"github.com/GriffinCanCode/kaleidoscope/pkg/frontend"
	"github.com/GriffinCanCode/kaleidoscope/pkg/ir"
	"github.com/GriffinCanCode/kaleidoscope/pkg/jit"
	"github.com/GriffinCanCode/kaleidoscope/pkg/logger"
)

const (
	promptMain = "kal> "
	promptCont = "...> "
)

const replHelp = `Enter definitions or expressions. Definitions stay visible to later lines;
redefining a function replaces it.
    :defs    list current definitions
    :reset   forget all definitions
    :quit    leave (Ctrl-D also works)
`

// session holds the definitions entered so far. Each input is compiled
// together with them into a fresh module.
type session struct {
	engine *jit.Engine
	order  []string
	defs   map[string]*frontend.FuncDef
}

func newSession(cfg config.Config) *session {
	return &session{
		engine: jit.New(cfg.JITConfig()),
		defs:   make(map[string]*frontend.FuncDef),
	}
}

// eval runs one input. It returns the printable result, or "" when the
// input only defined functions.
func (s *session) eval(src string) (string, error) {
	prog, err := frontend.Parse(src)
	if err != nil {
		return "", err
	}

	defs := make(map[string]*frontend.FuncDef, len(s.defs))
	for name, def := range s.defs {
		defs[name] = def
	}
	order := append([]string(nil), s.order...)

	var exprs []frontend.Item
	// Redefinition replaces an earlier input's function, never one from
	// the same input.
	here := make(map[string]bool)
	for _, item := range prog.Items {
		def, ok := item.(*frontend.FuncDef)
		if !ok {
			exprs = append(exprs, item)
			continue
		}
		if here[def.Name] {
			return "", &ir.CodegenError{Kind: ir.ErrDuplicateFunction, Name: def.Name}
		}
		here[def.Name] = true
		if _, seen := defs[def.Name]; !seen {
			order = append(order, def.Name)
		}
		defs[def.Name] = def
	}

	items := make([]frontend.Item, 0, len(order)+len(exprs)+1)
	for _, name := range order {
		items = append(items, defs[name])
	}
	items = append(items, exprs...)
	if len(exprs) == 0 {
		// Still compile so a bad definition is rejected before it is kept.
		items = append(items, &frontend.NumLiteral{Value: 0})
	}

	mod, err := ir.NewBuilder(ir.WithModuleName("repl")).Build(&frontend.Program{Items: items})
	if err != nil {
		return "", err
	}

	var result string
	if len(exprs) > 0 {
		v, err := s.engine.Run(mod)
		if err != nil {
			return "", err
		}
		result = formatResult(v)
	}

	s.defs, s.order = defs, order
	return result, nil
}

func (s *session) listing() string {
	var b strings.Builder
	for _, name := range s.order {
		b.WriteString(s.defs[name].String())
		b.WriteByte('\n')
	}
	return b.String()
}

func (s *session) reset() {
	s.order = nil
	s.defs = make(map[string]*frontend.FuncDef)
}

// command handles a ':' line and reports whether the loop should end.
func (s *session) command(line string, out io.Writer) (quit bool) {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case ":quit", ":q":
		return true
	case ":defs":
		fmt.Fprint(out, s.listing())
	case ":reset":
		s.reset()
	case ":help":
		fmt.Fprint(out, replHelp)
	default:
		fmt.Fprintln(out, "unknown command; type :help")
	}
	return false
}

// incomplete reports whether src obviously continues on the next line:
// open parentheses, a trailing operator or a dangling keyword.
func incomplete(src string) bool {
	lines := strings.Split(src, "\n")
	for i, line := range lines {
		if j := strings.Index(line, "#"); j >= 0 {
			lines[i] = line[:j]
		}
	}
	code := strings.TrimSpace(strings.Join(lines, "\n"))
	if code == "" {
		return false
	}
	if strings.Count(code, "(") > strings.Count(code, ")") {
		return true
	}
	if strings.ContainsAny(code[len(code)-1:], "+-*/<>,") {
		return true
	}
	fields := strings.Fields(code)
	switch fields[len(fields)-1] {
	case "def", "if", "then", "else":
		return true
	}
	// A bare header such as "def f(x)" still needs its body.
	return fields[0] == "def" && strings.HasSuffix(code, ")") && strings.Count(code, "(") == 1
}

// readInput collects lines until they form a complete input.
func readInput(ln *liner.State) (string, error) {
	var b strings.Builder
	for {
		prompt := promptMain
		if b.Len() > 0 {
			prompt = promptCont
		}
		line, err := ln.Prompt(prompt)
		if err != nil {
			return "", err
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
		if !incomplete(b.String()) {
			return b.String(), nil
		}
	}
}

func runREPL(cfg config.Config, stdout, stderr io.Writer) error {
	ln := liner.NewLiner()
	defer ln.Close()
	ln.SetCtrlCAborts(true)

	if cfg.HistoryFile != "" {
		if f, err := os.Open(cfg.HistoryFile); err == nil {
			_, _ = ln.ReadHistory(f)
			_ = f.Close()
		}
		defer func() {
			f, err := os.Create(cfg.HistoryFile)
			if err != nil {
				logger.Warn("Cannot save REPL history", "file", cfg.HistoryFile, "error", err)
				return
			}
			_, _ = ln.WriteHistory(f)
			_ = f.Close()
		}()
	}

	fmt.Fprintf(stdout, "kal %s, type :help for commands\n", version)
	s := newSession(cfg)
	for {
		src, err := readInput(ln)
		if errors.Is(err, liner.ErrPromptAborted) {
			continue
		}
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(stdout)
			return nil
		}
		if err != nil {
			return err
		}

		if strings.TrimSpace(src) == "" {
			continue
		}
		ln.AppendHistory(strings.ReplaceAll(src, "\n", " "))

		if strings.HasPrefix(strings.TrimSpace(src), ":") {
			if s.command(src, stdout) {
				return nil
			}
			continue
		}

		result, err := s.eval(src)
		if err != nil {
			fmt.Fprintln(stderr, "error:", err)
			continue
		}
		if result != "" {
			fmt.Fprintln(stdout, result)
		}
	}
}
