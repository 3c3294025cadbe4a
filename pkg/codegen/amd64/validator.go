// Package amd64 - Assembly validation and correctness verification
package amd64

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/GriffinCanCode/kaleidoscope/pkg/logger"
)

// ValidationError represents an assembly validation error
type ValidationError struct {
	Line    int
	Message string
	Code    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("line %d: %s\n  %s", e.Line, e.Message, e.Code)
}

// Validator validates generated x86-64 assembly
type Validator struct {
	errors []ValidationError
	warns  []ValidationError
}

// NewValidator creates a new assembly validator
func NewValidator() *Validator {
	return &Validator{}
}

// line is one instruction with its mnemonic split off.
type line struct {
	num      int
	text     string
	mnemonic string
	operands []string
}

// Validate performs comprehensive validation on assembly code
func (v *Validator) Validate(assembly string) error {
	lines := strings.Split(assembly, "\n")

	v.validateSyntax(lines)
	v.validateRegisters(lines)
	insts := parseInstructions(lines)
	v.validateCallingConvention(lines, insts)
	v.validateStackBalance(insts)
	v.validateInstructionValidity(insts)
	v.validateMemoryAddressing(lines)

	if len(v.errors) > 0 {
		return v.formatErrors()
	}

	if len(v.warns) > 0 {
		v.logWarnings()
	}

	return nil
}

// parseInstructions splits indented, non-directive lines into mnemonic
// and operands. Comments after # are dropped.
func parseInstructions(lines []string) []line {
	var insts []line
	for i, raw := range lines {
		if !strings.HasPrefix(raw, "\t") {
			continue
		}
		text := strings.TrimSpace(stripComment(raw))
		if text == "" || strings.HasPrefix(text, ".") {
			continue
		}
		mnemonic, rest, _ := strings.Cut(text, " ")
		var ops []string
		for _, op := range splitOperands(rest) {
			ops = append(ops, strings.TrimSpace(op))
		}
		insts = append(insts, line{num: i + 1, text: text, mnemonic: mnemonic, operands: ops})
	}
	return insts
}

// splitOperands splits on commas outside parentheses.
func splitOperands(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var ops []string
	depth, start := 0, 0
	for i, c := range s {
		switch c {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				ops = append(ops, s[start:i])
				start = i + 1
			}
		}
	}
	return append(ops, s[start:])
}

func stripComment(s string) string {
	if i := strings.Index(s, "#"); i >= 0 {
		return s[:i]
	}
	return s
}

func isLabel(text string) bool {
	return strings.HasSuffix(text, ":")
}

func isFunctionLabel(text string) bool {
	return isLabel(text) && !strings.HasPrefix(text, ".L")
}

// validateSyntax checks for basic syntax errors
func (v *Validator) validateSyntax(lines []string) {
	for i, raw := range lines {
		text := strings.TrimSpace(stripComment(raw))
		if text == "" {
			continue
		}

		if isLabel(text) {
			if strings.ContainsAny(text, " \t") {
				v.addError(i+1, "invalid label format (contains spaces)", text)
			}
			continue
		}

		if !strings.HasPrefix(raw, "\t") {
			v.addError(i+1, "instruction outside indentation", text)
			continue
		}
		if !isValidInstruction(text) {
			v.addError(i+1, "malformed instruction", text)
		}
	}
}

// validateRegisters checks register usage correctness
func (v *Validator) validateRegisters(lines []string) {
	validRegs := map[string]bool{
		// 64-bit registers
		"%rax": true, "%rbx": true, "%rcx": true, "%rdx": true,
		"%rsi": true, "%rdi": true, "%rbp": true, "%rsp": true,
		"%r8": true, "%r9": true, "%r10": true, "%r11": true,
		"%r12": true, "%r13": true, "%r14": true, "%r15": true,
		"%rip": true,
		// 32-bit registers
		"%eax": true, "%ebx": true, "%ecx": true, "%edx": true,
		"%esi": true, "%edi": true, "%ebp": true, "%esp": true,
		// 8-bit registers
		"%al": true, "%bl": true, "%cl": true, "%dl": true,
	}
	for n := 0; n < 16; n++ {
		validRegs["%xmm"+strconv.Itoa(n)] = true
	}

	regPattern := regexp.MustCompile(`%[a-z0-9]+`)

	for i, raw := range lines {
		for _, reg := range regPattern.FindAllString(stripComment(raw), -1) {
			if !validRegs[reg] {
				v.addError(i+1, fmt.Sprintf("invalid register: %s", reg), raw)
			}
		}
	}
}

// validateCallingConvention checks System V ABI compliance: callee-saved
// registers pushed in a function are popped before it returns.
func (v *Validator) validateCallingConvention(lines []string, insts []line) {
	starts := functionStarts(lines)
	savedRegs := make(map[string]bool)
	functionName := ""

	for _, in := range insts {
		if name, ok := starts.before(in.num); ok && name != functionName {
			functionName = name
			savedRegs = make(map[string]bool)
		}
		if functionName == "" {
			continue
		}

		switch in.mnemonic {
		case "pushq":
			if len(in.operands) == 1 && isCalleeSaved(in.operands[0]) {
				savedRegs[in.operands[0]] = true
			}
		case "popq":
			if len(in.operands) == 1 {
				delete(savedRegs, in.operands[0])
			}
		case "leave":
			// leave restores rbp automatically
			delete(savedRegs, "%rbp")
		case "ret", "retq":
			if len(savedRegs) > 0 {
				v.addError(in.num, fmt.Sprintf("callee-saved registers not restored in %s: %v", functionName, savedRegs), in.text)
			}
		}

		// The SSE code never touches callee-saved general registers, so a
		// write without a save is reported.
		if len(in.operands) > 0 && in.mnemonic != "pushq" && in.mnemonic != "popq" {
			dest := in.operands[len(in.operands)-1]
			if isCalleeSaved(dest) && dest != "%rbp" && dest != "%rsp" && !savedRegs[dest] {
				v.addError(in.num, fmt.Sprintf("%s clobbers callee-saved %s without saving it", functionName, dest), in.text)
			}
		}
	}
}

type starts []struct {
	line int
	name string
}

func functionStarts(lines []string) starts {
	var s starts
	for i, raw := range lines {
		text := strings.TrimSpace(stripComment(raw))
		if isFunctionLabel(text) {
			s = append(s, struct {
				line int
				name string
			}{i + 1, strings.TrimSuffix(text, ":")})
		}
	}
	return s
}

// before returns the function whose label is the last one above lineNum.
func (s starts) before(lineNum int) (string, bool) {
	name, ok := "", false
	for _, st := range s {
		if st.line > lineNum {
			break
		}
		name, ok = st.name, true
	}
	return name, ok
}

// validateStackBalance tracks the bytes below the frame pointer and checks
// that every return leaves the stack as the function found it.
func (v *Validator) validateStackBalance(insts []line) {
	depth := 0
	for _, in := range insts {
		switch in.mnemonic {
		case "pushq":
			depth += 8
		case "popq":
			depth -= 8
		case "subq", "addq":
			if len(in.operands) != 2 || in.operands[1] != "%rsp" {
				break
			}
			n, err := strconv.Atoi(strings.TrimPrefix(in.operands[0], "$"))
			if err != nil {
				v.addError(in.num, "stack adjustment by a non-constant", in.text)
				break
			}
			if n%8 != 0 {
				v.addWarn(in.num, fmt.Sprintf("stack adjustment of %d bytes breaks alignment", n), in.text)
			}
			if in.mnemonic == "subq" {
				depth += n
			} else {
				depth -= n
			}
		case "leave":
			// movq %rbp, %rsp; popq %rbp
			depth = 0
		case "ret", "retq":
			if depth < 0 {
				v.addError(in.num, "stack underflow detected", in.text)
			} else if depth > 0 {
				v.addError(in.num, fmt.Sprintf("stack imbalance at return: %d bytes", depth), in.text)
			}
			depth = 0
		}
		if depth < 0 {
			v.addError(in.num, "stack underflow detected", in.text)
			depth = 0
		}
	}
}

// validateInstructionValidity checks for invalid instruction combinations
func (v *Validator) validateInstructionValidity(insts []line) {
	for _, in := range insts {
		if len(in.operands) < 2 {
			continue
		}
		src, dest := in.operands[0], in.operands[len(in.operands)-1]

		if strings.HasPrefix(dest, "$") {
			v.addError(in.num, "immediate value cannot be destination", in.text)
		}

		if isMemoryOperand(src) && isMemoryOperand(dest) {
			v.addError(in.num, "x86-64 doesn't support memory-to-memory operands", in.text)
		}

		// Scalar SSE arithmetic and compares need an XMM destination.
		if isScalarSSE(in.mnemonic) && !strings.HasPrefix(dest, "%xmm") {
			v.addError(in.num, fmt.Sprintf("%s needs an XMM destination", in.mnemonic), in.text)
		}
		if strings.HasPrefix(src, "$") && strings.HasSuffix(in.mnemonic, "sd") {
			v.addError(in.num, "SSE instructions take no immediates", in.text)
		}
	}
}

// validateMemoryAddressing checks memory addressing mode correctness
func (v *Validator) validateMemoryAddressing(lines []string) {
	// Pattern for memory operands with explicit scale: (%base,%index,scale)
	scaledPattern := regexp.MustCompile(`\(%[a-z0-9]+,%[a-z0-9]+,(\d+)\)`)

	for i, raw := range lines {
		for _, match := range scaledPattern.FindAllStringSubmatch(raw, -1) {
			scale := match[1]
			if scale != "1" && scale != "2" && scale != "4" && scale != "8" {
				v.addError(i+1, fmt.Sprintf("invalid scale factor: %s (must be 1, 2, 4, or 8)", scale), raw)
			}
		}
		if strings.Contains(raw, "(%rip)") && !strings.Contains(raw, ".LCPI") {
			v.addWarn(i+1, "rip-relative operand outside the literal pool", raw)
		}
	}
}

// Helper functions

func (v *Validator) addError(line int, msg, code string) {
	v.errors = append(v.errors, ValidationError{Line: line, Message: msg, Code: code})
}

func (v *Validator) addWarn(line int, msg, code string) {
	v.warns = append(v.warns, ValidationError{Line: line, Message: msg, Code: code})
}

func (v *Validator) formatErrors() error {
	var sb strings.Builder
	sb.WriteString("Assembly validation failed:\n")
	for _, err := range v.errors {
		sb.WriteString("  " + err.Error() + "\n")
	}
	return fmt.Errorf("%s", sb.String())
}

func (v *Validator) logWarnings() {
	for _, warn := range v.warns {
		logger.Warn("Assembly validation warning", "line", warn.Line, "msg", warn.Message)
	}
}

func isValidInstruction(text string) bool {
	validInsts := []string{
		"mov", "push", "pop", "add", "sub", "mul", "div",
		"ucomis", "cvtsi2sd", "xorp", "set", "or",
		"jmp", "jne", "je", "jp", "jnp",
		"call", "ret", "leave",
	}

	for _, inst := range validInsts {
		if strings.HasPrefix(text, inst) {
			return true
		}
	}

	// Also check for directives
	return strings.HasPrefix(text, ".")
}

func isScalarSSE(mnemonic string) bool {
	switch mnemonic {
	case "addsd", "subsd", "mulsd", "divsd", "ucomisd", "cvtsi2sdl":
		return true
	}
	return false
}

func isCalleeSaved(reg string) bool {
	for _, r := range CalleeSaved {
		if r == reg {
			return true
		}
	}
	return reg == "%rbp" || reg == "%rsp"
}

func isMemoryOperand(operand string) bool {
	return strings.Contains(operand, "(") && strings.Contains(operand, ")")
}

// ValidateProgram validates an entire generated program
func ValidateProgram(assembly string) error {
	return NewValidator().Validate(assembly)
}

// QuickValidate performs fast basic validation for development
func QuickValidate(assembly string) bool {
	validator := NewValidator()
	lines := strings.Split(assembly, "\n")

	// Just check syntax and registers for quick feedback
	validator.validateSyntax(lines)
	validator.validateRegisters(lines)

	return len(validator.errors) == 0
}

// ValidateAndReport validates assembly and returns a detailed report
func ValidateAndReport(assembly string) (bool, string) {
	validator := NewValidator()
	err := validator.Validate(assembly)

	var report strings.Builder
	report.WriteString("=== Assembly Validation Report ===\n\n")

	if err != nil {
		fmt.Fprintf(&report, "Status: FAILED\n\nErrors:\n%s\n", err.Error())
		return false, report.String()
	}

	report.WriteString("Status: PASSED\n\n")

	if len(validator.warns) > 0 {
		report.WriteString("Warnings:\n")
		for _, warn := range validator.warns {
			fmt.Fprintf(&report, "  Line %d: %s\n", warn.Line, warn.Message)
		}
	} else {
		report.WriteString("No warnings.\n")
	}

	lineCount := len(strings.Split(assembly, "\n"))
	instCount := 0
	scanner := bufio.NewScanner(strings.NewReader(assembly))
	for scanner.Scan() {
		raw := scanner.Text()
		if strings.HasPrefix(raw, "\t") && !strings.HasPrefix(raw, "\t.") {
			instCount++
		}
	}

	report.WriteString("\nStatistics:\n")
	fmt.Fprintf(&report, "  Total lines: %d\n", lineCount)
	fmt.Fprintf(&report, "  Instructions: %d\n", instCount)

	logger.Debug("Assembly validation passed", "instructions", instCount, "warnings", len(validator.warns))

	return true, report.String()
}
