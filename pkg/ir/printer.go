// Package ir - Textual listing
// Design: LLVM-flavoured syntax so the -emit-ir output reads like the
// -emit-llvm output, but printed straight from our own structures.
package ir

import (
	"fmt"
	"strconv"
	"strings"
)

func (t *Temp) String() string {
	if t == nil {
		return "<nil>"
	}
	return "%" + strconv.Itoa(t.ID)
}
func (p *Param) String() string { return "%" + p.Name }
func (c *Const) String() string { return FormatFloat(c.Val) }

func label(b *Block) string {
	if b == nil {
		return "%<nil>"
	}
	return "%" + b.Label
}

// FormatFloat renders a double the way listings show constants: always
// with a decimal point or exponent, so 1 prints as 1.0.
func FormatFloat(v float64) string {
	s := strconv.FormatFloat(v, 'g', -1, 64)
	if strings.ContainsAny(s, ".eIN") {
		return s
	}
	return s + ".0"
}

func typed(v Value) string {
	if v == nil {
		return "<nil>"
	}
	return v.Type().String() + " " + v.String()
}

func (i *Alloca) String() string {
	return fmt.Sprintf("%s = alloca double", i.Dest)
}

func (i *Store) String() string {
	return fmt.Sprintf("store %s, %s", typed(i.Src), typed(i.Ptr))
}

func (i *Load) String() string {
	return fmt.Sprintf("%s = load double, %s", i.Dest, typed(i.Ptr))
}

func (i *BinOp) String() string {
	return fmt.Sprintf("%s = %s double %s, %s", i.Dest, i.Op, i.L, i.R)
}

func (i *FCmp) String() string {
	return fmt.Sprintf("%s = fcmp %s double %s, %s", i.Dest, i.Pred, i.L, i.R)
}

func (i *UIToFP) String() string {
	return fmt.Sprintf("%s = uitofp %s to double", i.Dest, typed(i.Src))
}

func (i *Call) String() string {
	args := make([]string, len(i.Args))
	for k, a := range i.Args {
		args[k] = typed(a)
	}
	name := "<nil>"
	if i.Callee != nil {
		name = i.Callee.Name
	}
	return fmt.Sprintf("%s = call double @%s(%s)", i.Dest, name, strings.Join(args, ", "))
}

func (i *Phi) String() string {
	in := make([]string, len(i.Incoming))
	for k, e := range i.Incoming {
		in[k] = fmt.Sprintf("[ %s, %s ]", e.Value, label(e.Block))
	}
	return fmt.Sprintf("%s = phi double %s", i.Dest, strings.Join(in, ", "))
}

func (t *Return) String() string { return "ret " + typed(t.Value) }

func (t *Branch) String() string { return "br label " + label(t.Target) }

func (t *CondBranch) String() string {
	return fmt.Sprintf("br %s, label %s, label %s", typed(t.Cond), label(t.True), label(t.False))
}

func (b *Block) String() string {
	var sb strings.Builder
	sb.WriteString(b.Label)
	sb.WriteString(":\n")
	for _, phi := range b.Phis {
		sb.WriteString("  " + phi.String() + "\n")
	}
	for _, inst := range b.Insts {
		sb.WriteString("  " + inst.String() + "\n")
	}
	if b.Term != nil {
		sb.WriteString("  " + b.Term.String() + "\n")
	}
	return sb.String()
}

func (f *Function) String() string {
	params := make([]string, len(f.Params))
	for i, p := range f.Params {
		params[i] = typed(p)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "define double @%s(%s) {\n", f.Name, strings.Join(params, ", "))
	for i, b := range f.Blocks {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(b.String())
	}
	sb.WriteString("}\n")
	return sb.String()
}

func (m *Module) String() string {
	var sb strings.Builder
	if m.Name != "" {
		fmt.Fprintf(&sb, "; module %s\n", m.Name)
	}
	for i, fn := range m.Functions {
		if i > 0 || m.Name != "" {
			sb.WriteString("\n")
		}
		sb.WriteString(fn.String())
	}
	return sb.String()
}
