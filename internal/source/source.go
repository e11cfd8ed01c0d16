// Package source keeps track of where execution currently is inside the
// traced scripts, for presentation. It maintains a stack of entered
// scripts driven by the caller frames each event reports, and can render
// a window of source lines around the current statement.
package source

import (
	"fmt"
	"os"
	"strings"

	"github.com/shtrace/shtrace/internal/wire"
)

// Script is one source file execution has entered.
type Script struct {
	Name    string
	Lines   []string
	Line    int    // current line, 1-based
	Command string // statement about to execute
	Depth   int    // context depth of the last event seen here
	nesting int    // frame count that created this entry
}

// load reads the script text once; a script that cannot be read still
// tracks position, it just has no lines to show.
func (s *Script) load() {
	data, err := os.ReadFile(s.Name)
	if err != nil {
		return
	}
	text := strings.ReplaceAll(string(data), "\t", "    ")
	s.Lines = strings.Split(text, "\n")
}

// Window returns up to n lines centered on the current one, with a marker
// on the statement line.
func (s *Script) Window(n int) []string {
	if len(s.Lines) == 0 || s.Line < 1 {
		return nil
	}
	first := s.Line - n/2
	if first < 1 {
		first = 1
	}
	last := first + n - 1
	if last > len(s.Lines) {
		last = len(s.Lines)
	}
	out := make([]string, 0, last-first+1)
	for i := first; i <= last; i++ {
		marker := "  "
		if i == s.Line {
			marker = "=>"
		}
		out = append(out, fmt.Sprintf("%s %4d  %s", marker, i, s.Lines[i-1]))
	}
	return out
}

// Stack is the set of scripts execution has entered, innermost last.
type Stack struct {
	scripts []*Script
}

// Top returns the script the last observed event executed in.
func (st *Stack) Top() *Script {
	if len(st.scripts) == 0 {
		return nil
	}
	return st.scripts[len(st.scripts)-1]
}

// Len returns the number of entered scripts.
func (st *Stack) Len() int { return len(st.scripts) }

// Observe folds one event into the stack: a deeper frame count pushes a
// new script, a shallower one pops back, and the top entry always carries
// the current line and statement.
func (st *Stack) Observe(ev wire.LineEvent) *Script {
	loc := ev.Location()
	nesting := len(ev.Frames)

	top := st.Top()
	switch {
	case top == nil || nesting > top.nesting:
		top = &Script{Name: loc.File, nesting: nesting}
		top.load()
		st.scripts = append(st.scripts, top)
	case nesting < top.nesting:
		for len(st.scripts) > 1 && st.scripts[len(st.scripts)-1].nesting > nesting {
			st.scripts = st.scripts[:len(st.scripts)-1]
		}
		top = st.Top()
	}

	// A pop can land on a different file when the frame count matches but
	// control moved, e.g. exec into another script. Reload then.
	if top.Name != loc.File {
		top.Name = loc.File
		top.Lines = nil
		top.load()
	}

	top.Line = loc.Line
	top.Command = ev.Statement
	top.Depth = ev.Depth
	return top
}
