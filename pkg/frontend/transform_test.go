package frontend

import (
	"strings"
	"testing"
	"unsafe"
)

func TestParseTreeShape(t *testing.T) {
	tests := []struct {
		src  string
		want string
	}{
		{"1", `[{num: "1"@0}]`},
		{"x", `[{ident: "x"@0}]`},
		{"f(1, x)", `[{args: [{num: "1"@2}, {ident: "x"@5}], ident: "f"@0}]`},
		{"1+2", `[{left: {num: "1"@0}, rights: [{op: "+"@1, right: {num: "2"@2}}]}]`},
		{"if a then b else c", `[{else_val: {ident: "c"@17}, test: {ident: "a"@3}, then_val: {ident: "b"@10}}]`},
		{"def f(a) a", `[{body: {ident: "a"@9}, ident: "f"@4, params: [{ident: "a"@6}]}]`},
		{"# note\n2", `[{num: "2"@7}]`},
	}

	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			tree, err := ParseTree(tt.src)
			if err != nil {
				t.Fatalf("ParseTree(%q) failed: %v", tt.src, err)
			}
			if got := tree.String(); got != tt.want {
				t.Errorf("ParseTree(%q) =\n  %s\nwant\n  %s", tt.src, got, tt.want)
			}
		})
	}
}

func TestTransformOwnsStrings(t *testing.T) {
	src := "def area(width, height) width * height\narea(3, 4)"
	prog, err := Parse(src)
	if err != nil {
		t.Fatal(err)
	}

	start := uintptr(unsafe.Pointer(unsafe.StringData(src)))
	end := start + uintptr(len(src))
	aliases := func(s string) bool {
		if len(s) == 0 {
			return false
		}
		p := uintptr(unsafe.Pointer(unsafe.StringData(s)))
		return p >= start && p < end
	}

	def := prog.Items[0].(*FuncDef)
	if aliases(def.Name) {
		t.Errorf("function name %q aliases the source buffer", def.Name)
	}
	for _, p := range def.Params {
		if aliases(p) {
			t.Errorf("parameter %q aliases the source buffer", p)
		}
	}
	body := def.Body.(*OpSequence)
	if id := body.Left.(*Identifier); aliases(id.Name) {
		t.Errorf("identifier %q aliases the source buffer", id.Name)
	}
	if call := prog.Items[1].(*FuncCall); aliases(call.Name) {
		t.Errorf("call name %q aliases the source buffer", call.Name)
	}
}

func TestTransformRejectsMalformedTrees(t *testing.T) {
	bad := []*Tree{
		nil,
		fields(capNum, leaf("1", 0, 1)),
		seq([]*Tree{fields("bogus", leaf("x", 0, 1))}),
		seq([]*Tree{fields(capLeft, fields(capNum, leaf("1", 0, 1)), capRights, seq(nil))}),
		seq([]*Tree{fields(capNum, leaf("1x", 0, 2))}),
	}

	for i, tree := range bad {
		if _, err := Transform(tree); err == nil {
			t.Errorf("case %d: Transform accepted malformed tree %v", i, tree)
		}
	}
}

func TestOperatorTiers(t *testing.T) {
	tests := []struct {
		op   Operator
		tier Tier
	}{
		{Mul, TierMultiplicative},
		{Div, TierMultiplicative},
		{Add, TierAdditive},
		{Sub, TierAdditive},
		{Less, TierCompare},
		{More, TierCompare},
	}
	for _, tt := range tests {
		if got := tt.op.Tier(); got != tt.tier {
			t.Errorf("%s.Tier() = %d, want %d", tt.op, got, tt.tier)
		}
	}

	prog, err := Parse("1 < 2 + 3 * 4")
	if err != nil {
		t.Fatal(err)
	}
	var walk func(e Expr, outer Tier)
	walk = func(e Expr, outer Tier) {
		seq, ok := e.(*OpSequence)
		if !ok {
			return
		}
		tier := seq.Rights[0].Op.Tier()
		if tier < outer {
			t.Errorf("%s nests a looser tier inside a tighter one", seq)
		}
		for _, r := range seq.Rights {
			if r.Op.Tier() != tier {
				t.Errorf("%s mixes tiers", seq)
			}
			walk(r.Right, tier+1)
		}
		walk(seq.Left, tier+1)
	}
	walk(prog.Items[0].(Expr), TierCompare)
	if got := prog.String(); !strings.Contains(got, "(3 * 4)") {
		t.Errorf("unexpected structure %s", got)
	}
}
