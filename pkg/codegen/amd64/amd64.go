// Package amd64 implements x86-64 code generation.
//
// Design: Direct assembly generation, no LLVM dependencies. Every value is
// a double, so arithmetic runs on SSE2 scalar instructions and booleans
// are materialized as 0.0 or 1.0. System V calling convention; there are
// no callee-saved XMM registers, so values live across a call are kept
// in the frame.
package amd64

import (
	"fmt"
	"io"
	"math"
	"runtime"
	"strings"

	"github.com/GriffinCanCode/kaleidoscope/pkg/codegen/regalloc"
	"github.com/GriffinCanCode/kaleidoscope/pkg/ir"
	"github.com/GriffinCanCode/kaleidoscope/pkg/logger"
)

// Target describes the object format conventions of the assembler.
type Target struct {
	SymbolPrefix string
	ConstSection string
	// Trailer is emitted after everything else, if set.
	Trailer string
}

var (
	Linux = Target{
		SymbolPrefix: "",
		ConstSection: ".section .rodata",
		Trailer:      `.section .note.GNU-stack,"",@progbits`,
	}
	Darwin = Target{SymbolPrefix: "_", ConstSection: ".section __TEXT,__literal8,8byte_literals"}
)

// HostTarget returns the target matching the running system.
func HostTarget() Target {
	if runtime.GOOS == "darwin" {
		return Darwin
	}
	return Linux
}

// Generator generates x86-64 assembly
type Generator struct {
	w         io.Writer
	target    Target
	alloc     *regalloc.Allocator
	fn        *ir.Function
	slots     map[*ir.Temp]int
	stackSize int
	next      map[*ir.Block]*ir.Block
	consts    map[uint64]int
	constList []uint64
	insts     int
}

func NewGenerator(w io.Writer, target Target) *Generator {
	return &Generator{
		w:      w,
		target: target,
		consts: make(map[uint64]int),
	}
}

// Generate emits assembly for a module
func (g *Generator) Generate(mod *ir.Module) error {
	logger.Debug("Generating amd64 assembly", "functions", len(mod.Functions))

	fmt.Fprintf(g.w, "\t.text\n")

	for _, fn := range mod.Functions {
		logger.Debug("Generating function assembly", "arch", "amd64", "name", fn.Name)
		if err := g.generateFunction(fn); err != nil {
			logger.Error("Failed to generate function", "arch", "amd64", "name", fn.Name, "error", err)
			return fmt.Errorf("amd64: @%s: %w", fn.Name, err)
		}
	}
	g.emitConstants()
	if g.target.Trailer != "" {
		fmt.Fprintf(g.w, "\t%s\n", g.target.Trailer)
	}

	logger.Info("amd64 code generation complete", "functions", len(mod.Functions))
	return nil
}

// GenerateWithValidation generates and validates assembly
func (g *Generator) GenerateWithValidation(mod *ir.Module) (string, error) {
	var buf strings.Builder
	g.w = &buf

	if err := g.Generate(mod); err != nil {
		return "", fmt.Errorf("generation failed: %w", err)
	}

	assembly := buf.String()

	if err := ValidateProgram(assembly); err != nil {
		logger.Error("Assembly validation failed", "error", err)
		return assembly, fmt.Errorf("validation failed: %w", err)
	}

	logger.Debug("Assembly generated and validated successfully")
	return assembly, nil
}

// generateFunction emits assembly for a single function
func (g *Generator) generateFunction(fn *ir.Function) error {
	if fn.Entry() == nil {
		return fmt.Errorf("function has no blocks")
	}
	g.fn = fn
	g.insts = 0

	g.alloc = regalloc.NewAllocator(fn, &regalloc.Config{
		Available:    AllocRegs,
		CallClobbers: true,
	})
	if err := g.alloc.Allocate(); err != nil {
		return fmt.Errorf("register allocation failed: %w", err)
	}
	layout := g.alloc.Layout()

	// Alloca slots sit below the spill area.
	g.slots = make(map[*ir.Temp]int)
	g.stackSize = g.alloc.GetStackSize()
	for _, block := range layout {
		for _, inst := range block.Insts {
			if a, ok := inst.(*ir.Alloca); ok {
				g.stackSize += 8
				g.slots[a.Dest] = g.stackSize
			}
		}
	}
	// Align to 16 bytes (required by System V ABI)
	g.stackSize = (g.stackSize + 15) &^ 15

	g.next = make(map[*ir.Block]*ir.Block, len(layout))
	for i := 0; i+1 < len(layout); i++ {
		g.next[layout[i]] = layout[i+1]
	}

	// Prologue
	sym := g.symbol(fn.Name)
	fmt.Fprintf(g.w, "\t.globl %s\n", sym)
	fmt.Fprintf(g.w, "%s:\n", sym)
	g.emit("pushq %%rbp")
	g.emit("movq %%rsp, %%rbp")
	if g.stackSize > 0 {
		g.emit("subq $%d, %%rsp", g.stackSize)
	}

	g.saveParameters(fn)

	for _, block := range layout {
		if err := g.generateBlock(block); err != nil {
			return err
		}
	}

	logger.LogCodeGen("amd64", fn.Name, g.insts)
	return nil
}

func (g *Generator) emit(format string, args ...any) {
	fmt.Fprintf(g.w, "\t"+format+"\n", args...)
	g.insts++
}

func (g *Generator) symbol(name string) string {
	return g.target.SymbolPrefix + name
}

func (g *Generator) blockLabel(b *ir.Block) string {
	return ".L" + g.fn.Name + "_" + b.Label
}

// generateBlock emits assembly for a basic block
func (g *Generator) generateBlock(block *ir.Block) error {
	fmt.Fprintf(g.w, "%s:\n", g.blockLabel(block))

	for _, inst := range block.Insts {
		if err := g.generateInst(inst); err != nil {
			return err
		}
	}

	return g.generateTerm(block)
}

// generateInst emits assembly for an instruction
func (g *Generator) generateInst(inst ir.Inst) error {
	switch i := inst.(type) {
	case *ir.Alloca:
		// Frame slot assigned in the prologue.
		return nil
	case *ir.Store:
		off, ok := g.slotOf(i.Ptr)
		if !ok {
			return fmt.Errorf("store through %s, which is not a stack slot", i.Ptr)
		}
		g.load(i.Src, "%xmm0")
		g.emit("movsd %%xmm0, -%d(%%rbp)", off)
	case *ir.Load:
		off, ok := g.slotOf(i.Ptr)
		if !ok {
			return fmt.Errorf("load through %s, which is not a stack slot", i.Ptr)
		}
		dest := g.location(i.Dest)
		if isRegister(dest) {
			g.emit("movsd -%d(%%rbp), %s", off, dest)
		} else {
			g.emit("movsd -%d(%%rbp), %%xmm0", off)
			g.store("%xmm0", i.Dest)
		}
	case *ir.BinOp:
		return g.generateBinOp(i)
	case *ir.FCmp:
		return g.generateFCmp(i)
	case *ir.UIToFP:
		// Flags are already 0.0 or 1.0.
		g.load(i.Src, "%xmm0")
		g.store("%xmm0", i.Dest)
	case *ir.Call:
		return g.generateCall(i)
	default:
		return fmt.Errorf("unsupported instruction: %T", inst)
	}
	return nil
}

var sseOps = map[ir.Op]string{
	ir.OpAdd: "addsd",
	ir.OpSub: "subsd",
	ir.OpMul: "mulsd",
	ir.OpDiv: "divsd",
}

// generateBinOp emits assembly for binary operations
func (g *Generator) generateBinOp(binop *ir.BinOp) error {
	mnemonic, ok := sseOps[binop.Op]
	if !ok {
		return fmt.Errorf("unsupported operation: %v", binop.Op)
	}
	g.load(binop.L, "%xmm0")
	g.emit("%s %s, %%xmm0", mnemonic, g.location(binop.R))
	g.store("%xmm0", binop.Dest)
	return nil
}

// generateFCmp emits an unordered comparison. ucomisd sets CF when its
// destination is below the source or either is NaN, which is exactly ult.
func (g *Generator) generateFCmp(cmp *ir.FCmp) error {
	switch cmp.Pred {
	case ir.PredULT:
		g.load(cmp.L, "%xmm0")
		g.emit("ucomisd %s, %%xmm0", g.location(cmp.R))
		g.emit("setb %%al")
	case ir.PredUGT:
		g.load(cmp.R, "%xmm0")
		g.emit("ucomisd %s, %%xmm0", g.location(cmp.L))
		g.emit("setb %%al")
	case ir.PredUNE:
		g.load(cmp.L, "%xmm0")
		g.emit("ucomisd %s, %%xmm0", g.location(cmp.R))
		g.emit("setne %%al")
		g.emit("setp %%cl")
		g.emit("orb %%cl, %%al")
	default:
		return fmt.Errorf("unsupported predicate: %v", cmp.Pred)
	}
	g.emit("movzbl %%al, %%eax")
	g.emit("cvtsi2sdl %%eax, %%xmm0")
	g.store("%xmm0", cmp.Dest)
	return nil
}

// generateCall emits assembly for function calls
func (g *Generator) generateCall(call *ir.Call) error {
	if call.Callee == nil {
		return fmt.Errorf("call without a callee")
	}

	// System V ABI: up to 8 doubles in XMM registers, the rest on the
	// stack with the first one lowest.
	stackArgs := 0
	if len(call.Args) > len(ArgRegs) {
		stackArgs = len(call.Args) - len(ArgRegs)
	}
	stackBytes := (stackArgs*8 + 15) &^ 15
	if stackBytes > 0 {
		g.emit("subq $%d, %%rsp", stackBytes)
		for i := len(ArgRegs); i < len(call.Args); i++ {
			g.load(call.Args[i], "%xmm0")
			g.emit("movsd %%xmm0, %d(%%rsp)", (i-len(ArgRegs))*8)
		}
	}

	for i := 0; i < len(call.Args) && i < len(ArgRegs); i++ {
		g.load(call.Args[i], ArgRegs[i])
	}

	g.emit("callq %s", g.symbol(call.Callee.Name))

	if stackBytes > 0 {
		g.emit("addq $%d, %%rsp", stackBytes)
	}

	g.store(RetReg, call.Dest)
	return nil
}

// generateTerm emits assembly for a block's terminator
func (g *Generator) generateTerm(block *ir.Block) error {
	switch t := block.Term.(type) {
	case *ir.Return:
		g.load(t.Value, RetReg)
		g.emit("leave")
		g.emit("retq")

	case *ir.Branch:
		g.phiMoves(block, t.Target)
		if g.next[block] != t.Target {
			g.emit("jmp %s", g.blockLabel(t.Target))
		}

	case *ir.CondBranch:
		g.load(t.Cond, "%xmm0")
		g.emit("xorpd %%xmm1, %%xmm1")
		g.emit("ucomisd %%xmm1, %%xmm0")

		trueLabel, trueMoves := g.edgeLabel(block, t.True, "t")
		falseLabel, falseMoves := g.edgeLabel(block, t.False, "f")
		g.emit("jne %s", trueLabel)
		g.emit("jmp %s", falseLabel)

		// Edges that carry phi moves get a block of their own.
		if trueMoves {
			fmt.Fprintf(g.w, "%s:\n", trueLabel)
			g.phiMoves(block, t.True)
			g.emit("jmp %s", g.blockLabel(t.True))
		}
		if falseMoves {
			fmt.Fprintf(g.w, "%s:\n", falseLabel)
			g.phiMoves(block, t.False)
			g.emit("jmp %s", g.blockLabel(t.False))
		}

	default:
		return fmt.Errorf("unsupported terminator: %T", block.Term)
	}
	return nil
}

func (g *Generator) edgeLabel(from, to *ir.Block, side string) (string, bool) {
	if len(to.Phis) == 0 {
		return g.blockLabel(to), false
	}
	return g.blockLabel(from) + "_" + side, true
}

// phiMoves copies each phi's incoming value for the edge from -> to. A
// phi result never shares a location with a value live on the edge, so
// the copies can run in sequence.
func (g *Generator) phiMoves(from, to *ir.Block) {
	for _, phi := range to.Phis {
		for _, in := range phi.Incoming {
			if in.Block != from {
				continue
			}
			src, dest := g.location(in.Value), g.location(phi.Dest)
			if src == dest {
				break
			}
			if isRegister(dest) {
				g.emit("movsd %s, %s", src, dest)
			} else {
				g.load(in.Value, "%xmm0")
				g.store("%xmm0", phi.Dest)
			}
			break
		}
	}
}

// load moves a value into an XMM register.
func (g *Generator) load(v ir.Value, reg string) {
	if loc := g.location(v); loc != reg {
		g.emit("movsd %s, %s", loc, reg)
	}
}

// store moves an XMM register into a value's location.
func (g *Generator) store(reg string, dest *ir.Temp) {
	if loc := g.location(dest); loc != reg {
		g.emit("movsd %s, %s", reg, loc)
	}
}

func (g *Generator) slotOf(v ir.Value) (int, bool) {
	t, ok := v.(*ir.Temp)
	if !ok {
		return 0, false
	}
	off, ok := g.slots[t]
	return off, ok
}

// location returns the register or memory operand holding a value
func (g *Generator) location(val ir.Value) string {
	switch v := val.(type) {
	case *ir.Const:
		return g.constant(v.Val)
	case *ir.Temp, *ir.Param:
		if reg, ok := g.alloc.GetRegister(val); ok {
			return reg
		}
		if slot, ok := g.alloc.GetSpillSlot(val); ok {
			return fmt.Sprintf("-%d(%%rbp)", slot)
		}
		// Only dead values can lack a location.
		panic(fmt.Sprintf("no location for value: %s", val))
	default:
		panic(fmt.Sprintf("unsupported value type: %T", val))
	}
}

// constant interns v in the literal pool. Pool entries are keyed by bit
// pattern so -0.0 and NaN payloads survive.
func (g *Generator) constant(v float64) string {
	bits := math.Float64bits(v)
	n, ok := g.consts[bits]
	if !ok {
		n = len(g.constList)
		g.consts[bits] = n
		g.constList = append(g.constList, bits)
	}
	return fmt.Sprintf(".LCPI%d(%%rip)", n)
}

func (g *Generator) emitConstants() {
	if len(g.constList) == 0 {
		return
	}
	fmt.Fprintf(g.w, "\t%s\n", g.target.ConstSection)
	fmt.Fprintf(g.w, "\t.p2align 3\n")
	for n, bits := range g.constList {
		fmt.Fprintf(g.w, ".LCPI%d:\n", n)
		fmt.Fprintf(g.w, "\t.quad 0x%016x # %s\n", bits, ir.FormatFloat(math.Float64frombits(bits)))
	}
}

func isRegister(loc string) bool {
	return strings.HasPrefix(loc, "%")
}

// System V calling convention
var (
	// Argument registers for doubles (order matters)
	ArgRegs = []string{"%xmm0", "%xmm1", "%xmm2", "%xmm3", "%xmm4", "%xmm5", "%xmm6", "%xmm7"}
	// Return register
	RetReg = "%xmm0"
	// AllocRegs are handed to the register allocator; xmm0 and xmm1 stay
	// free as scratch.
	AllocRegs = []string{"%xmm8", "%xmm9", "%xmm10", "%xmm11", "%xmm12", "%xmm13", "%xmm14", "%xmm15"}
	// Every XMM register is caller-saved.
	CallerSaved = []string{
		"%xmm0", "%xmm1", "%xmm2", "%xmm3", "%xmm4", "%xmm5", "%xmm6", "%xmm7",
		"%xmm8", "%xmm9", "%xmm10", "%xmm11", "%xmm12", "%xmm13", "%xmm14", "%xmm15",
		"%rax", "%rcx", "%rdx", "%rsi", "%rdi", "%r8", "%r9", "%r10", "%r11",
	}
	// Callee-saved
	CalleeSaved = []string{"%rbx", "%r12", "%r13", "%r14", "%r15"}
)
