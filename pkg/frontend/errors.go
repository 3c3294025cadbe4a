package frontend

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrSyntax is matched by every parse failure.
var ErrSyntax = errors.New("syntax error")

// SyntaxError reports the farthest position the grammar reached and what
// it expected to find there.
type SyntaxError struct {
	Pos      int
	Line     int
	Col      int
	Expected []string
	Found    string
}

func (e *SyntaxError) Error() string {
	msg := fmt.Sprintf("syntax error at line %d, col %d: unexpected %s", e.Line, e.Col, e.Found)
	if len(e.Expected) > 0 {
		msg += ", expected " + strings.Join(e.Expected, " or ")
	}
	return msg
}

func (e *SyntaxError) Unwrap() error { return ErrSyntax }

func newSyntaxError(src string, pos int, expected []string) *SyntaxError {
	line, col := 1, 1
	for _, r := range src[:pos] {
		if r == '\n' {
			line++
			col = 1
		} else {
			col++
		}
	}
	found := "end of input"
	if pos < len(src) {
		r, _ := utf8.DecodeRuneInString(src[pos:])
		found = fmt.Sprintf("%q", r)
	}
	return &SyntaxError{
		Pos:      pos,
		Line:     line,
		Col:      col,
		Expected: expected,
		Found:    found,
	}
}
