// Package shim implements the traced-process half of the execution-control
// protocol: a hook invoked at every statement boundary that reports a
// LineEvent and blocks until the controller sends a terminal resume
// instruction.
//
// The bash rendition of this hook lives in internal/spawn (shim.sh); this
// package is the in-process form used when the traced interpreter is
// embedded in a Go program, and it is the reference implementation the
// session tests drive their fake interpreters with.
package shim

import (
	"bufio"
	"io"

	"github.com/shtrace/shtrace/internal/wire"
)

// Evaluator is the traced interpreter's native "evaluate this text in the
// current scope" entry point. Errors raised by the evaluated code are the
// interpreter's own domain; the hook does not interpret them.
type Evaluator interface {
	Eval(code string) error
}

// EvalFunc adapts a plain function to the Evaluator interface.
type EvalFunc func(code string) error

func (f EvalFunc) Eval(code string) error { return f(code) }

// Hook holds the channel handles for one execution context. It is not safe
// for concurrent use: the protocol guarantees at most one statement
// boundary is live at a time, so no locking is needed.
type Hook struct {
	events   io.Writer
	commands *bufio.Reader
	eval     Evaluator

	// broken flips when either channel fails; from then on the hook
	// resumes every statement normally without blocking, so a vanished
	// controller never freezes the traced workload.
	broken bool

	// evaluating guards against statement boundaries reached while an
	// injected snippet is itself executing. Those are suppressed and
	// auto-resumed rather than reported.
	evaluating bool
}

// New registers a hook over the inherited channel pair.
func New(events io.Writer, commands io.Reader, eval Evaluator) *Hook {
	return &Hook{
		events:   events,
		commands: bufio.NewReader(commands),
		eval:     eval,
	}
}

// Broken reports whether the hook has detached after a channel failure.
func (h *Hook) Broken() bool { return h.broken }

// OnStatement is invoked by the interpreter immediately before each
// executable statement. It reports ev on the event channel and blocks
// reading the command channel, applying any number of Evaluate
// instructions before the terminal Resume. The returned code tells the
// interpreter how to dispose of the statement.
//
// OnStatement never fails: any channel error or protocol violation
// degrades to ResumeNormal so the traced process keeps running.
func (h *Hook) OnStatement(ev wire.LineEvent) wire.ResumeCode {
	if h.broken || h.evaluating {
		return wire.ResumeNormal
	}

	if _, err := io.WriteString(h.events, wire.EncodeEvent(ev)+"\n"); err != nil {
		h.broken = true
		return wire.ResumeNormal
	}

	for {
		line, err := h.commands.ReadString('\n')
		if err != nil {
			h.broken = true
			return wire.ResumeNormal
		}
		in, err := wire.ParseInstruction(line)
		if err != nil {
			// A corrupt control code must never reach the
			// interpreter; treat the channel as gone.
			h.broken = true
			return wire.ResumeNormal
		}

		switch in.Kind {
		case wire.KindEvaluate:
			h.evaluating = true
			// Evaluation errors propagate through the interpreter's
			// usual error handling; the protocol just waits for the
			// next instruction.
			_ = h.eval.Eval(in.Expr)
			h.evaluating = false
		case wire.KindResume:
			return in.Code
		}
	}
}
