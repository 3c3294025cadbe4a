// Package scope implements the compile-time symbol table.
//
// Design: An explicit stack of frames, each mapping a name to its storage
// location. Lookup walks from the innermost frame outward, so inner
// bindings shadow outer ones. Nesting depth is unbounded even though code
// generation only ever opens one function frame above the root.
package scope

// Scope is a stack of name -> location frames. The zero value is not
// usable; call New.
type Scope[L any] struct {
	frames []map[string]L
}

// New returns a scope holding only the root frame.
func New[L any]() *Scope[L] {
	return &Scope[L]{frames: []map[string]L{{}}}
}

// Push opens a new, empty innermost frame.
func (s *Scope[L]) Push() {
	s.frames = append(s.frames, map[string]L{})
}

// Pop discards the innermost frame. Popping the root frame is a
// programming error and panics.
func (s *Scope[L]) Pop() {
	if len(s.frames) <= 1 {
		panic("scope: pop of root frame")
	}
	s.frames[len(s.frames)-1] = nil
	s.frames = s.frames[:len(s.frames)-1]
}

// Enter pushes a frame and returns a release func that pops it. Release
// is idempotent, so it can be deferred and also called early.
func (s *Scope[L]) Enter() (release func()) {
	s.Push()
	depth := len(s.frames)
	done := false
	return func() {
		if done {
			return
		}
		done = true
		if len(s.frames) != depth {
			panic("scope: unbalanced frame release")
		}
		s.Pop()
	}
}

// Get returns the location bound to name in the innermost frame that
// binds it.
func (s *Scope[L]) Get(name string) (L, bool) {
	for i := len(s.frames) - 1; i >= 0; i-- {
		if loc, ok := s.frames[i][name]; ok {
			return loc, true
		}
	}
	var zero L
	return zero, false
}

// Set binds name in the innermost frame, overwriting an existing binding
// in that frame. Outer frames are untouched.
func (s *Scope[L]) Set(name string, loc L) {
	s.frames[len(s.frames)-1][name] = loc
}

// Has reports whether the innermost frame itself binds name.
func (s *Scope[L]) Has(name string) bool {
	_, ok := s.frames[len(s.frames)-1][name]
	return ok
}

// Depth returns the number of frames, counting the root.
func (s *Scope[L]) Depth() int {
	return len(s.frames)
}
