package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// evalPrefix selects an Evaluate instruction on the command channel.
const evalPrefix = "EVAL "

// ResumeCode tells the interpreter's execution hook how to dispose of the
// statement the shim is currently blocked on. The numeric values are the
// wire representation; everywhere else the named constants are used.
type ResumeCode int

const (
	// ResumeNormal executes the statement normally.
	ResumeNormal ResumeCode = 0
	// ResumeSkip skips the statement.
	ResumeSkip ResumeCode = 1
	// ResumeReturn behaves as if the enclosing unit returned.
	ResumeReturn ResumeCode = 2
)

func (c ResumeCode) String() string {
	switch c {
	case ResumeNormal:
		return "normal"
	case ResumeSkip:
		return "skip"
	case ResumeReturn:
		return "return"
	}
	return strconv.Itoa(int(c))
}

// InstructionKind discriminates the two instruction shapes.
type InstructionKind int

const (
	// KindResume is terminal for the event: the shim unblocks.
	KindResume InstructionKind = iota
	// KindEvaluate runs code in the current scope; the shim blocks again.
	KindEvaluate
)

// Instruction is the controller's reply to one LineEvent. Any number of
// Evaluate instructions may answer the same event, followed by exactly
// one terminal Resume.
type Instruction struct {
	Kind InstructionKind
	Code ResumeCode // KindResume only
	Expr string     // KindEvaluate only
}

// Resume builds a terminal instruction.
func Resume(code ResumeCode) Instruction {
	return Instruction{Kind: KindResume, Code: code}
}

// Evaluate builds an instruction that runs expr in the current scope.
func Evaluate(expr string) Instruction {
	return Instruction{Kind: KindEvaluate, Expr: expr}
}

// Encode renders the instruction as one command-channel line, without a
// trailing newline: a bare integer for Resume, "EVAL <code>" for Evaluate.
func (in Instruction) Encode() string {
	if in.Kind == KindEvaluate {
		return evalPrefix + in.Expr
	}
	return strconv.Itoa(int(in.Code))
}

// ParseInstruction decodes one command-channel line. Resume codes outside
// {0,1,2} are a protocol violation.
func ParseInstruction(line string) (Instruction, error) {
	line = strings.TrimRight(line, "\r\n")
	if expr, ok := strings.CutPrefix(line, evalPrefix); ok {
		return Evaluate(expr), nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return Instruction{}, fmt.Errorf("%w: %q", ErrBadInstruction, line)
	}
	code := ResumeCode(n)
	if code < ResumeNormal || code > ResumeReturn {
		return Instruction{}, fmt.Errorf("%w: resume code %d", ErrBadInstruction, n)
	}
	return Resume(code), nil
}
