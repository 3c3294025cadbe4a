// Package linker turns generated x86-64 assembly into a native executable.
//
// Design: The system C compiler driver assembles and links. A small C
// runtime supplies main, calls __main and prints its result in the same
// format as the kal runner.
package linker

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/GriffinCanCode/kaleidoscope/pkg/codegen/amd64"
	"github.com/GriffinCanCode/kaleidoscope/pkg/ir"
	"github.com/GriffinCanCode/kaleidoscope/pkg/logger"
)

//go:embed crt/main.c
var runtimeSource []byte

// ErrUnsupportedHost is returned when the host cannot run amd64 code.
var ErrUnsupportedHost = errors.New("native executables need an amd64 host")

// Linker links object files into executables
type Linker struct {
	cc      string
	objects []string
	output  string
}

// New returns a linker writing to output. The C compiler comes from $CC,
// falling back to cc.
func New(output string) *Linker {
	cc := os.Getenv("CC")
	if cc == "" {
		cc = "cc"
	}
	return &Linker{cc: cc, output: output}
}

// Available reports whether the C compiler can be found.
func (l *Linker) Available() error {
	_, err := exec.LookPath(l.cc)
	return err
}

func (l *Linker) AddObject(path string) {
	l.objects = append(l.objects, path)
}

// Link produces the final executable from the added objects and the
// runtime.
func (l *Linker) Link(ctx context.Context) error {
	if len(l.objects) == 0 {
		return errors.New("linker: no objects")
	}
	dir, err := os.MkdirTemp("", "kal-link-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	rt := filepath.Join(dir, "runtime.c")
	if err := os.WriteFile(rt, runtimeSource, 0o644); err != nil {
		return err
	}

	args := []string{"-o", l.output, rt}
	args = append(args, l.objects...)
	logger.Debug("Linking", "cc", l.cc, "output", l.output, "objects", len(l.objects))
	return l.exec(ctx, args...)
}

// EmitObject assembles asmPath into objPath.
func (l *Linker) EmitObject(ctx context.Context, asmPath, objPath string) error {
	return l.exec(ctx, "-c", "-o", objPath, asmPath)
}

func (l *Linker) exec(ctx context.Context, args ...string) error {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, l.cc, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("linker: %s failed: %w\n%s", l.cc, err, bytes.TrimSpace(out.Bytes()))
	}
	return nil
}

// Build generates assembly for mod and links it into an executable at
// output.
func Build(ctx context.Context, mod *ir.Module, output string) error {
	if runtime.GOARCH != "amd64" {
		return fmt.Errorf("%w, have %s", ErrUnsupportedHost, runtime.GOARCH)
	}
	l := New(output)
	if err := l.Available(); err != nil {
		return fmt.Errorf("linker: %w", err)
	}

	dir, err := os.MkdirTemp("", "kal-build-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	asmPath := filepath.Join(dir, "prog.s")
	f, err := os.Create(asmPath)
	if err != nil {
		return err
	}
	genErr := amd64.NewGenerator(f, amd64.HostTarget()).Generate(mod)
	if err := f.Close(); genErr == nil {
		genErr = err
	}
	if genErr != nil {
		return genErr
	}

	objPath := filepath.Join(dir, "prog.o")
	if err := l.EmitObject(ctx, asmPath, objPath); err != nil {
		return err
	}
	l.AddObject(objPath)
	return l.Link(ctx)
}
