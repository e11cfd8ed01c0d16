package ws

import (
	"encoding/json"

	"github.com/shtrace/shtrace/internal/wire"
)

type Message struct {
	Type string          `json:"type"` // EventType or CommandType
	Data json.RawMessage `json:"data,omitempty"`
}

type State string

const (
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateEnded   State = "ended"
)

// Event messages (server -> client)
type EventType string

const (
	EventSessionStarted EventType = "sessionStarted"
	EventStateUpdate    EventType = "stateUpdate"
	EventLine           EventType = "lineEvent"
	EventScriptOutput   EventType = "scriptOutput"
	EventSessionEnded   EventType = "sessionEnded"
)

type SessionStartedEvent struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	Script    string    `json:"script,omitempty"`
	PID       int       `json:"pid,omitempty"`
}

type StateUpdateEvent struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	NewState  State     `json:"newState"`
}

// LineEventMsg relays one statement boundary to the clients. Frames are
// outermost first, so the last entry is the current location.
type LineEventMsg struct {
	Type       EventType    `json:"type"`
	SessionID  string       `json:"sessionId"`
	Frames     []wire.Frame `json:"frames"`
	Statement  string       `json:"statement"`
	LocalCount int          `json:"localCount"`
	Depth      int          `json:"depth"`
}

type ScriptOutputEvent struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	Stream    string    `json:"stream"` // "stdout" or "stderr"
	Data      string    `json:"data"`
}

type SessionEndedEvent struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	Error     string    `json:"error,omitempty"`
	ExitCode  int       `json:"exitCode"`
}

// Command messages (client -> server)
type CommandType string

const (
	CmdStartTrace CommandType = "startTrace"
	CmdStep       CommandType = "step"
	CmdStepOver   CommandType = "stepOver"
	CmdContinue   CommandType = "continue"
	CmdPause      CommandType = "pause"
	CmdSkip       CommandType = "skip"
	CmdReturn     CommandType = "return"
	CmdEval       CommandType = "eval"
	CmdInput      CommandType = "input"
	CmdExit       CommandType = "exit"
)

// SimpleCmd covers the commands that carry no payload beyond the session:
// startTrace, step, stepOver, continue, pause, skip, return, exit.
type SimpleCmd struct {
	Type      CommandType `json:"type"`
	SessionID string      `json:"sessionId"`
}

type EvalCmd struct {
	Type      CommandType `json:"type"`
	SessionID string      `json:"sessionId"`
	Code      string      `json:"code"`
}

// InputCmd feeds the traced script's stdin. Data is written verbatim;
// Eof closes stdin instead, so a pending read sees end of input.
type InputCmd struct {
	Type      CommandType `json:"type"`
	SessionID string      `json:"sessionId"`
	Data      string      `json:"data,omitempty"`
	Eof       bool        `json:"eof,omitempty"`
}
