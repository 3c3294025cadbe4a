// Package frontend - PEG parser for Kaleidoscope
// Design: Ordered choice with backtracking, no left recursion, scannerless.
// Whitespace is consumed after every token, never before.
package frontend

import (
	"sort"
	"strconv"

	"github.com/GriffinCanCode/kaleidoscope/pkg/logger"
)

var keywords = []string{"def", "if", "then", "else"}

// Parse parses source text into a Program.
func Parse(src string) (*Program, error) {
	tree, err := ParseTree(src)
	if err != nil {
		return nil, err
	}
	prog, err := Transform(tree)
	if err != nil {
		return nil, err
	}
	logger.LogParsing(len(src), len(prog.Items))
	return prog, nil
}

// ParseTree runs the grammar and returns the concrete parse tree of the
// top rule: a sequence of item captures. Comments produce no capture.
func ParseTree(src string) (*Tree, error) {
	p := &Parser{src: src}
	tree, ok := p.top()
	if !ok {
		return nil, newSyntaxError(src, p.farthest, p.expectation())
	}
	return tree, nil
}

// Parser holds the cursor and the farthest-failure diagnostics.
type Parser struct {
	src      string
	pos      int
	farthest int
	expected map[string]bool
}

// top <- (sp? (comment / func_def / expr) sp?)+ EOF
func (p *Parser) top() (*Tree, bool) {
	var items []*Tree
	count := 0
	for {
		save := p.pos
		p.space()
		item, ok := p.topItem()
		if !ok {
			p.pos = save
			break
		}
		p.space()
		count++
		if item != nil {
			items = append(items, item)
		}
	}
	if count == 0 {
		return nil, false
	}
	if p.pos != len(p.src) {
		p.fail("end of input")
		return nil, false
	}
	return seq(items), true
}

func (p *Parser) topItem() (*Tree, bool) {
	save := p.pos
	if p.comment() {
		return nil, true
	}
	p.pos = save
	if t, ok := p.funcDef(); ok {
		return t, true
	}
	p.pos = save
	return p.expr()
}

// comment <- '#' (!eol .)*
func (p *Parser) comment() bool {
	if !p.lit("#") {
		return false
	}
	for p.pos < len(p.src) && p.src[p.pos] != '\n' {
		p.pos++
	}
	return true
}

// func_def <- 'def' ident '(' (ident (',' ident)*)? ')' expr
func (p *Parser) funcDef() (*Tree, bool) {
	if !p.keyword("def") {
		return nil, false
	}
	name, ok := p.identLeaf()
	if !ok {
		return nil, false
	}
	if !p.token("(") {
		return nil, false
	}
	params := []*Tree{}
	if param, ok := p.identLeaf(); ok {
		params = append(params, fields(capIdent, param))
		for p.token(",") {
			param, ok := p.identLeaf()
			if !ok {
				return nil, false
			}
			params = append(params, fields(capIdent, param))
		}
	}
	if !p.token(")") {
		return nil, false
	}
	body, ok := p.expr()
	if !ok {
		return nil, false
	}
	return fields(capIdent, name, capParams, seq(params), capBody, body), true
}

// expr <- e0
func (p *Parser) expr() (*Tree, bool) {
	return p.compare()
}

// e0 <- e1 (comp_op e1)+ / e1
func (p *Parser) compare() (*Tree, bool) {
	return p.tier(p.additive, "<>", "comparison operator")
}

// e1 <- e2 (add_op e2)+ / e2
func (p *Parser) additive() (*Tree, bool) {
	return p.tier(p.multiplicative, "+-", "additive operator")
}

// e2 <- e3 (mul_op e3)+ / e3
func (p *Parser) multiplicative() (*Tree, bool) {
	return p.tier(p.primary, "*/", "multiplicative operator")
}

// tier parses one left-associative precedence level. Without any operator
// pairs it degrades to the operand's own tree.
func (p *Parser) tier(operand func() (*Tree, bool), ops, what string) (*Tree, bool) {
	left, ok := operand()
	if !ok {
		return nil, false
	}
	var rights []*Tree
	for {
		mark := p.pos
		if p.pos >= len(p.src) || !containsByte(ops, p.src[p.pos]) {
			p.fail(what)
			break
		}
		op := leaf(p.src, p.pos, p.pos+1)
		p.pos++
		p.space()
		right, ok := operand()
		if !ok {
			p.pos = mark
			break
		}
		rights = append(rights, fields(capOp, op, capRight, right))
	}
	if len(rights) == 0 {
		return left, true
	}
	return fields(capLeft, left, capRights, seq(rights)), true
}

// e3 <- '(' expr ')' / cond / func_call / num / ident
func (p *Parser) primary() (*Tree, bool) {
	save := p.pos
	if p.token("(") {
		if t, ok := p.expr(); ok && p.token(")") {
			return t, true
		}
	}
	p.pos = save
	if t, ok := p.cond(); ok {
		return t, true
	}
	p.pos = save
	if t, ok := p.funcCall(); ok {
		return t, true
	}
	p.pos = save
	if t, ok := p.num(); ok {
		return t, true
	}
	p.pos = save
	if name, ok := p.identLeaf(); ok {
		return fields(capIdent, name), true
	}
	p.pos = save
	return nil, false
}

// cond <- 'if' expr 'then' expr 'else' expr
func (p *Parser) cond() (*Tree, bool) {
	if !p.keyword("if") {
		return nil, false
	}
	test, ok := p.expr()
	if !ok || !p.keyword("then") {
		return nil, false
	}
	then, ok := p.expr()
	if !ok || !p.keyword("else") {
		return nil, false
	}
	els, ok := p.expr()
	if !ok {
		return nil, false
	}
	return fields(capTest, test, capThenVal, then, capElseVal, els), true
}

// func_call <- ident '(' (expr (',' expr)*)? ')'
func (p *Parser) funcCall() (*Tree, bool) {
	name, ok := p.identLeaf()
	if !ok || !p.token("(") {
		return nil, false
	}
	args := []*Tree{}
	if arg, ok := p.exprAt(); ok {
		args = append(args, arg)
		for p.token(",") {
			arg, ok := p.expr()
			if !ok {
				return nil, false
			}
			args = append(args, arg)
		}
	}
	if !p.token(")") {
		return nil, false
	}
	return fields(capIdent, name, capArgs, seq(args)), true
}

// exprAt tries an optional expression, restoring the cursor on failure.
func (p *Parser) exprAt() (*Tree, bool) {
	save := p.pos
	t, ok := p.expr()
	if !ok {
		p.pos = save
	}
	return t, ok
}

// num <- [+-]? (digits ('.' digits)? / '.' digits)
func (p *Parser) num() (*Tree, bool) {
	start := p.pos
	if c := p.peek(); c == '+' || c == '-' {
		p.pos++
	}
	if p.digits() {
		if p.peek() == '.' {
			mark := p.pos
			p.pos++
			if !p.digits() {
				p.pos = mark
			}
		}
	} else if p.peek() == '.' {
		p.pos++
		if !p.digits() {
			p.pos = start
			return nil, false
		}
	} else {
		p.pos = start
		p.fail("number")
		return nil, false
	}
	t := fields(capNum, leaf(p.src, start, p.pos))
	p.space()
	return t, true
}

func (p *Parser) digits() bool {
	start := p.pos
	for p.pos < len(p.src) && isDigit(p.src[p.pos]) {
		p.pos++
	}
	if p.pos == start {
		p.fail("digit")
		return false
	}
	return true
}

// ident <- !keyword alpha alnum*
func (p *Parser) identLeaf() (*Tree, bool) {
	start := p.pos
	if p.pos >= len(p.src) || !isAlpha(p.src[p.pos]) {
		p.fail("identifier")
		return nil, false
	}
	end := p.pos + 1
	for end < len(p.src) && isAlnum(p.src[end]) {
		end++
	}
	if isKeyword(p.src[start:end]) {
		p.fail("identifier")
		return nil, false
	}
	p.pos = end
	t := leaf(p.src, start, end)
	p.space()
	return t, true
}

// keyword matches a reserved word as a whole token, plus trailing space.
func (p *Parser) keyword(kw string) bool {
	end := p.pos + len(kw)
	if end > len(p.src) || p.src[p.pos:end] != kw || (end < len(p.src) && isAlnum(p.src[end])) {
		p.fail(strconv.Quote(kw))
		return false
	}
	p.pos = end
	p.space()
	return true
}

// token matches punctuation plus trailing space.
func (p *Parser) token(s string) bool {
	if !p.lit(s) {
		return false
	}
	p.space()
	return true
}

func (p *Parser) lit(s string) bool {
	end := p.pos + len(s)
	if end > len(p.src) || p.src[p.pos:end] != s {
		p.fail(strconv.Quote(s))
		return false
	}
	p.pos = end
	return true
}

// space <- sp?
func (p *Parser) space() {
	for p.pos < len(p.src) && isSpace(p.src[p.pos]) {
		p.pos++
	}
}

func (p *Parser) peek() byte {
	if p.pos < len(p.src) {
		return p.src[p.pos]
	}
	return 0
}

// fail records what was expected at the current position if it is the
// farthest position reached so far. It always reports failure.
func (p *Parser) fail(what string) bool {
	switch {
	case p.expected == nil || p.pos > p.farthest:
		p.farthest = p.pos
		p.expected = map[string]bool{what: true}
	case p.pos == p.farthest:
		p.expected[what] = true
	}
	return false
}

func (p *Parser) expectation() []string {
	out := make([]string, 0, len(p.expected))
	for what := range p.expected {
		out = append(out, what)
	}
	sort.Strings(out)
	return out
}

func isKeyword(word string) bool {
	for _, kw := range keywords {
		if word == kw {
			return true
		}
	}
	return false
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\f', '\v':
		return true
	}
	return false
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isAlpha(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }

func isAlnum(c byte) bool { return isAlpha(c) || isDigit(c) }

func containsByte(s string, c byte) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return true
		}
	}
	return false
}
