// Package session implements the controller side of the execution-control
// protocol: the single reader of the event channel and single writer of the
// command channel. One LineEvent is processed fully before the next is
// read, which is what keeps the protocol free of interleaving hazards even
// when the traced process forks nested execution contexts.
package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shtrace/shtrace/internal/wire"
)

const (
	intentBufferSize = 32
	// maxEventSize bounds a single event record; statement text is one
	// script line, so this is generous.
	maxEventSize = 1 << 20
)

// Mode is the session's run mode.
type Mode int32

const (
	// Running auto-resumes every statement, paced by the step delay.
	Running Mode = iota
	// Paused holds the current event until the operator decides.
	Paused
	// SteppingOne resumes exactly one statement, then pauses on the very
	// next event at whatever depth it reports.
	SteppingOne
	// SteppingOverContext auto-resumes while events come from a deeper
	// execution context than the one the step was issued in.
	SteppingOverContext
)

func (m Mode) String() string {
	switch m {
	case Running:
		return "running"
	case Paused:
		return "paused"
	case SteppingOne:
		return "stepping"
	case SteppingOverContext:
		return "stepping-over"
	}
	return fmt.Sprintf("mode(%d)", int32(m))
}

// IntentKind enumerates operator decisions.
type IntentKind int

const (
	IntentStep IntentKind = iota
	IntentStepOver
	IntentContinue
	IntentPause
	IntentSkip
	IntentReturn
	IntentEvaluate
	IntentDetach
)

func (k IntentKind) String() string {
	switch k {
	case IntentStep:
		return "step"
	case IntentStepOver:
		return "stepOver"
	case IntentContinue:
		return "continue"
	case IntentPause:
		return "pause"
	case IntentSkip:
		return "skip"
	case IntentReturn:
		return "return"
	case IntentEvaluate:
		return "eval"
	case IntentDetach:
		return "detach"
	}
	return fmt.Sprintf("intent(%d)", int(k))
}

// Intent is one operator decision. Expr is set for IntentEvaluate only.
type Intent struct {
	Kind IntentKind
	Expr string
}

// Breakpoint arms a one-shot pause condition checked while running.
// An empty Script matches any script; a zero Line matches the first
// statement reached (at or past line 1).
type Breakpoint struct {
	Script string
	Line   int
}

// EventSink is the presentation-layer boundary. Implementations receive
// every decoded event, mode changes, and exactly one SessionEnded call.
// Calls are made from the session's Run goroutine and must not block on
// the session itself.
type EventSink interface {
	LineEvent(ev wire.LineEvent)
	StateChanged(mode Mode)
	SessionEnded(err error)
}

// NopSink discards everything. Useful for headless runs.
type NopSink struct{}

func (NopSink) LineEvent(wire.LineEvent) {}
func (NopSink) StateChanged(Mode)        {}
func (NopSink) SessionEnded(error)       {}

// Options configures a new session.
type Options struct {
	// StepDelay paces auto-advanced statements while running.
	StepDelay time.Duration
	// Breakpoint, if set, pauses the first time it matches.
	Breakpoint *Breakpoint
	// StartPaused holds the very first event instead of auto-resuming.
	StartPaused bool
}

// Session owns both channel ends on the controller side. A session is
// single-use: it is created before the traced process emits its first
// event and is done when Run returns.
type Session struct {
	events   *bufio.Scanner
	commands io.Writer
	sink     EventSink
	intents  chan Intent

	mode        atomic.Int32
	pendingEval []string
	lastDepth   atomic.Int64
	fenceDepth  int
	stepDelay   time.Duration
	breakpoint  *Breakpoint
	detaching   bool
}

// New attaches a session to a freshly spawned traced process. events and
// commands are the controller ends of the channel pair.
func New(events io.Reader, commands io.Writer, sink EventSink, opts Options) *Session {
	if sink == nil {
		sink = NopSink{}
	}
	sc := bufio.NewScanner(events)
	sc.Buffer(make([]byte, 0, 64*1024), maxEventSize)

	s := &Session{
		events:      sc,
		commands:    commands,
		sink:        sink,
		intents:     make(chan Intent, intentBufferSize),
		stepDelay:   opts.StepDelay,
		breakpoint:  opts.Breakpoint,
		pendingEval: nil,
	}
	if opts.StartPaused {
		s.mode.Store(int32(Paused))
	} else {
		s.mode.Store(int32(Running))
	}
	return s
}

// Mode returns the current run mode.
func (s *Session) Mode() Mode { return Mode(s.mode.Load()) }

// LastDepth returns the most recent context depth observed.
func (s *Session) LastDepth() int { return int(s.lastDepth.Load()) }

// Submit queues an operator intent. It never blocks; if the queue is full
// the intent is dropped with a diagnostic, mirroring how a detached
// presentation layer must not stall the protocol.
func (s *Session) Submit(in Intent) {
	select {
	case s.intents <- in:
	default:
		log.Printf("[Session] Intent queue full, dropping %s", in.Kind)
	}
}

func (s *Session) Step()                { s.Submit(Intent{Kind: IntentStep}) }
func (s *Session) StepOver()            { s.Submit(Intent{Kind: IntentStepOver}) }
func (s *Session) Continue()            { s.Submit(Intent{Kind: IntentContinue}) }
func (s *Session) Pause()               { s.Submit(Intent{Kind: IntentPause}) }
func (s *Session) Skip()                { s.Submit(Intent{Kind: IntentSkip}) }
func (s *Session) Return()              { s.Submit(Intent{Kind: IntentReturn}) }
func (s *Session) Detach()              { s.Submit(Intent{Kind: IntentDetach}) }
func (s *Session) Evaluate(code string) { s.Submit(Intent{Kind: IntentEvaluate, Expr: code}) }

// Run drives the session until the event channel closes (normal
// termination), a protocol violation is detected, or ctx is done. The
// sink's SessionEnded is called exactly once in all cases.
func (s *Session) Run(ctx context.Context) error {
	for s.events.Scan() {
		line := s.events.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		ev, err := wire.ParseEvent(line)
		if err != nil {
			// No silent corruption of control codes: a malformed
			// event makes the session unrecoverable.
			err = fmt.Errorf("session: %w", err)
			s.sink.SessionEnded(err)
			return err
		}
		s.lastDepth.Store(int64(ev.Depth))
		s.sink.LineEvent(ev)

		if err := s.respond(ctx, ev); err != nil {
			s.sink.SessionEnded(err)
			return err
		}
		if s.detaching {
			s.sink.SessionEnded(nil)
			return nil
		}
	}

	err := s.events.Err()
	if err != nil {
		err = fmt.Errorf("session: event channel: %w", err)
	}
	// EOF without a final event is normal termination.
	s.sink.SessionEnded(err)
	return err
}

func (s *Session) setMode(m Mode) {
	if Mode(s.mode.Swap(int32(m))) != m {
		s.sink.StateChanged(m)
	}
}

// respond issues the instructions for one event: zero or more Evaluate
// instructions followed by exactly one terminal Resume.
func (s *Session) respond(ctx context.Context, ev wire.LineEvent) error {
	switch s.Mode() {
	case Paused:
		// A session that started paused is holding its very first event;
		// report it so sinks know to prompt.
		s.sink.StateChanged(Paused)

	case SteppingOne:
		s.setMode(Paused)

	case SteppingOverContext:
		if ev.Depth > s.fenceDepth {
			return s.autoAdvance(ctx)
		}
		s.setMode(Paused)

	case Running:
		s.drainIntents()
		if s.Mode() == Running && s.breakpointHit(ev) {
			s.setMode(Paused)
		}
		if s.Mode() == Running {
			return s.autoAdvance(ctx)
		}
	}
	return s.awaitIntent(ctx, ev)
}

// autoAdvance resumes the held statement normally, honoring the pacing
// delay and any evaluations queued since the last boundary.
func (s *Session) autoAdvance(ctx context.Context) error {
	if err := s.flushEvals(); err != nil {
		return err
	}
	if s.stepDelay > 0 {
		t := time.NewTimer(s.stepDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return s.send(wire.Resume(wire.ResumeNormal))
}

// awaitIntent holds the current event while Paused, answering Evaluate
// intents in place until a terminal intent arrives.
func (s *Session) awaitIntent(ctx context.Context, ev wire.LineEvent) error {
	for {
		var in Intent
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in = <-s.intents:
		}

		switch in.Kind {
		case IntentEvaluate:
			if err := s.send(wire.Evaluate(in.Expr)); err != nil {
				return err
			}
		case IntentPause:
			// Already paused.
		case IntentStep:
			s.setMode(SteppingOne)
			return s.terminalResume(wire.ResumeNormal)
		case IntentSkip:
			s.setMode(SteppingOne)
			return s.terminalResume(wire.ResumeSkip)
		case IntentReturn:
			s.setMode(SteppingOne)
			return s.terminalResume(wire.ResumeReturn)
		case IntentStepOver:
			s.fenceDepth = ev.Depth
			s.setMode(SteppingOverContext)
			return s.terminalResume(wire.ResumeNormal)
		case IntentContinue:
			s.setMode(Running)
			return s.terminalResume(wire.ResumeNormal)
		case IntentDetach:
			s.detaching = true
			return s.terminalResume(wire.ResumeNormal)
		}
	}
}

// drainIntents absorbs intents that arrived while running without
// blocking. Pause takes effect on the current event; evaluations queue up
// for dispatch before the next terminal resume.
func (s *Session) drainIntents() {
	for {
		select {
		case in := <-s.intents:
			switch in.Kind {
			case IntentPause:
				s.setMode(Paused)
			case IntentEvaluate:
				s.pendingEval = append(s.pendingEval, in.Expr)
			case IntentDetach:
				s.detaching = true
			default:
				log.Printf("[Session] Ignoring %s intent while %s", in.Kind, s.Mode())
			}
		default:
			return
		}
	}
}

// terminalResume drains queued evaluations, then sends the one terminal
// instruction for the current event.
func (s *Session) terminalResume(code wire.ResumeCode) error {
	if err := s.flushEvals(); err != nil {
		return err
	}
	return s.send(wire.Resume(code))
}

func (s *Session) flushEvals() error {
	for _, expr := range s.pendingEval {
		if err := s.send(wire.Evaluate(expr)); err != nil {
			return err
		}
	}
	s.pendingEval = s.pendingEval[:0]
	return nil
}

func (s *Session) send(in wire.Instruction) error {
	if _, err := io.WriteString(s.commands, in.Encode()+"\n"); err != nil {
		return fmt.Errorf("session: command channel: %w", err)
	}
	return nil
}

func (s *Session) breakpointHit(ev wire.LineEvent) bool {
	if s.breakpoint == nil {
		return false
	}
	loc := ev.Location()
	if s.breakpoint.Script != "" && !scriptMatches(loc.File, s.breakpoint.Script) {
		return false
	}
	if s.breakpoint.Line > 0 && loc.Line < s.breakpoint.Line {
		return false
	}
	s.breakpoint = nil
	return true
}

func scriptMatches(file, want string) bool {
	return file == want || strings.HasSuffix(file, "/"+want)
}
