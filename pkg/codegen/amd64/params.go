// Package amd64 - Parameter handling for function calls
package amd64

import (
	"fmt"

	"github.com/GriffinCanCode/kaleidoscope/pkg/ir"
)

// saveParameters moves parameters from the calling convention's locations
// to the ones the allocator chose, before anything can clobber them.
func (g *Generator) saveParameters(fn *ir.Function) {
	for i, param := range fn.Params {
		dest := g.location(param)
		src := paramLocation(i)
		switch {
		case src == dest:
		case isRegister(src) || isRegister(dest):
			g.emit("movsd %s, %s", src, dest)
		default:
			g.emit("movsd %s, %%xmm0", src)
			g.emit("movsd %%xmm0, %s", dest)
		}
	}
}

// paramLocation returns where the caller leaves parameter index.
// Stack layout: ... [arg9] [arg8] [ret addr] [saved rbp] <- rbp
func paramLocation(index int) string {
	if index < len(ArgRegs) {
		return ArgRegs[index]
	}
	return fmt.Sprintf("%d(%%rbp)", 16+(index-len(ArgRegs))*8)
}
