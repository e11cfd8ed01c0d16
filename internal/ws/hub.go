package ws

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"time"

	"github.com/shtrace/shtrace/internal/session"
	"github.com/shtrace/shtrace/internal/spawn"
	"github.com/shtrace/shtrace/internal/wire"
)

const (
	clientSendBufferSize = 256
	eventBufferSize      = 256
	commandBufferSize    = 32
	hubTickerInterval    = 1 * time.Minute
	outputChunkSize      = 4096
)

// LaunchFunc starts a traced process and attaches a session whose sink is
// the hub, so every protocol event reaches the connected clients. The
// server decides what gets traced; clients only say when.
type LaunchFunc func(sink session.EventSink) (*session.Session, *spawn.Target, error)

// Hub fans one trace session out to any number of websocket clients and
// funnels their commands into session intents.
type Hub struct {
	sessionID   string
	connections map[*Connection]struct{}

	// Channels for register/unregister clients and broadcast msgs
	register   chan *Connection
	unregister chan *Connection
	events     chan Message
	commands   chan Message

	onShutdown func(sessionID string) // callback for cleanup on server

	// idle detection
	idleTimeout  time.Duration
	lastActivity time.Time

	launch LaunchFunc

	// Trace state, touched only from the Run goroutine (commands) and
	// set once in startTrace.
	started bool
	sess    *session.Session
	target  *spawn.Target
	cancel  context.CancelFunc
}

func NewHub(sessionID string, idleTimeout time.Duration, launch LaunchFunc) *Hub {
	return &Hub{
		sessionID:    sessionID,
		connections:  make(map[*Connection]struct{}),
		register:     make(chan *Connection),
		unregister:   make(chan *Connection),
		events:       make(chan Message, eventBufferSize),
		commands:     make(chan Message, commandBufferSize),
		idleTimeout:  idleTimeout,
		lastActivity: time.Now(),
		launch:       launch,
	}
}

func (h *Hub) Run() {
	ticker := time.NewTicker(hubTickerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if h.idleTimeout > 0 && len(h.connections) == 0 {
				if time.Since(h.lastActivity) > h.idleTimeout {
					log.Printf("[Hub] Session %s idle for %v, shutting down", h.sessionID, h.idleTimeout)
					h.shutdown()
					return
				}
			}

		case client := <-h.register:
			h.connections[client] = struct{}{}
			h.lastActivity = time.Now()
			log.Printf("[Hub] Client %s connected to hub %s (%d total)", client.id, h.sessionID, len(h.connections))

		case client := <-h.unregister:
			if _, ok := h.connections[client]; ok {
				delete(h.connections, client)
				client.CloseSend()
				log.Printf("[Hub] Client %s disconnected from hub %s (%d remaining)", client.id, h.sessionID, len(h.connections))

				// When the last client leaves, detach and shut down.
				if len(h.connections) == 0 {
					log.Printf("[Hub] Session %s has no clients, shutting down hub", h.sessionID)
					h.shutdown()
					return
				}
			}

		case event := <-h.events:
			h.lastActivity = time.Now()
			var slowConnections []*Connection
			for connection := range h.connections {
				select {
				case connection.send <- event:
				default: // a send that would block means the client stopped consuming, drop it
					slowConnections = append(slowConnections, connection)
				}
			}
			for _, connection := range slowConnections {
				log.Printf("[Hub] Connection %s is slow; unregistering from hub %s", connection.id, h.sessionID)
				delete(h.connections, connection)
				connection.CloseSend()
			}

		case cmd := <-h.commands:
			log.Printf("[Hub] Hub %s command: %s", h.sessionID, cmd.Type)
			h.handleCommand(cmd)
		}
	}
}

// Public APIs
func (h *Hub) Register(connection *Connection) {
	h.register <- connection
}

func (h *Hub) Unregister(connection *Connection) {
	h.unregister <- connection
}

// Broadcast never blocks: a hub that has shut down no longer drains its
// event channel, and a stalled hub must not stall the trace.
func (h *Hub) Broadcast(event Message) {
	select {
	case h.events <- event:
	default:
		log.Printf("[Hub] Dropping %s event for session %s", event.Type, h.sessionID)
	}
}

func (h *Hub) SendCommand(cmd Message) {
	select {
	case h.commands <- cmd:
	default:
		log.Printf("[Hub] Dropping %s command for session %s", cmd.Type, h.sessionID)
	}
}

// shutdown detaches rather than kills: closing the command channel makes
// the shim fail open, so the traced script runs on without its operator.
func (h *Hub) shutdown() {
	if h.cancel != nil {
		h.cancel()
	}
	if h.target != nil {
		if err := h.target.Close(); err != nil {
			log.Printf("[Hub] Detach close error for session %s: %v", h.sessionID, err)
		}
	}
	if h.onShutdown != nil {
		h.onShutdown(h.sessionID)
	}
}

// session.EventSink implementation; called from the session's Run
// goroutine, delivered through the hub's event channel.

func (h *Hub) LineEvent(ev wire.LineEvent) {
	h.broadcastJSON(EventLine, LineEventMsg{
		Type:       EventLine,
		SessionID:  h.sessionID,
		Frames:     ev.Frames,
		Statement:  ev.Statement,
		LocalCount: ev.LocalCount,
		Depth:      ev.Depth,
	})
}

func (h *Hub) StateChanged(m session.Mode) {
	h.broadcastJSON(EventStateUpdate, StateUpdateEvent{
		Type:      EventStateUpdate,
		SessionID: h.sessionID,
		NewState:  stateFor(m),
	})
}

func (h *Hub) SessionEnded(err error) {
	if err != nil {
		log.Printf("[Hub] Session %s trace ended with error: %v", h.sessionID, err)
		// The controller stopped answering; fail the shim open so the
		// script is not left blocked on the command channel.
		if h.target != nil {
			_ = h.target.Close()
		}
	}
	h.broadcastJSON(EventStateUpdate, StateUpdateEvent{
		Type:      EventStateUpdate,
		SessionID: h.sessionID,
		NewState:  StateEnded,
	})
}

func stateFor(m session.Mode) State {
	if m == session.Paused {
		return StatePaused
	}
	return StateRunning
}

func (h *Hub) broadcastJSON(t EventType, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[Hub] Failed to marshal %s event: %v", t, err)
		return
	}
	h.Broadcast(Message{Type: string(t), Data: data})
}

// handleCommand turns client commands into session intents.
func (h *Hub) handleCommand(cmd Message) {
	switch CommandType(cmd.Type) {
	case CmdStartTrace:
		h.startTrace()
		return
	case CmdEval:
		var evalCmd EvalCmd
		if err := json.Unmarshal(cmd.Data, &evalCmd); err != nil {
			log.Printf("[Hub] Failed to unmarshal eval command: %v", err)
			return
		}
		if h.sess == nil {
			log.Printf("[Hub] Eval before trace start (session: %s)", h.sessionID)
			return
		}
		h.sess.Evaluate(evalCmd.Code)
		return
	case CmdInput:
		var inputCmd InputCmd
		if err := json.Unmarshal(cmd.Data, &inputCmd); err != nil {
			log.Printf("[Hub] Failed to unmarshal input command: %v", err)
			return
		}
		h.feedStdin(inputCmd)
		return
	}

	if h.sess == nil {
		log.Printf("[Hub] Command %s before trace start (session: %s)", cmd.Type, h.sessionID)
		return
	}

	switch CommandType(cmd.Type) {
	case CmdStep:
		h.sess.Step()
	case CmdStepOver:
		h.sess.StepOver()
	case CmdContinue:
		h.sess.Continue()
	case CmdPause:
		h.sess.Pause()
	case CmdSkip:
		h.sess.Skip()
	case CmdReturn:
		h.sess.Return()
	case CmdExit:
		log.Printf("[Hub] [Command] Exit received (session: %s)", h.sessionID)
		if err := h.target.Terminate(); err != nil {
			log.Printf("[Hub] Failed to terminate target: %v", err)
		}
	default:
		log.Printf("[Hub] [Error] Unknown command type: %s", cmd.Type)
	}
}

// feedStdin forwards operator input to the traced script, so a script
// blocked on read is never stuck without recourse.
func (h *Hub) feedStdin(cmd InputCmd) {
	if h.target == nil || h.target.Stdin == nil {
		log.Printf("[Hub] Input with no script stdin (session: %s)", h.sessionID)
		return
	}
	if cmd.Eof {
		if err := h.target.Stdin.Close(); err != nil {
			log.Printf("[Hub] Failed to close script stdin: %v", err)
		}
		return
	}
	if _, err := io.WriteString(h.target.Stdin, cmd.Data); err != nil {
		log.Printf("[Hub] Failed to write script stdin: %v", err)
	}
}

func (h *Hub) startTrace() {
	if h.launch == nil {
		log.Printf("[Hub] No launcher configured (session: %s)", h.sessionID)
		return
	}
	if h.started {
		log.Printf("[Hub] Trace already started (session: %s)", h.sessionID)
		return
	}

	sess, target, err := h.launch(h)
	if err != nil {
		log.Printf("[Hub] Failed to start trace (session: %s): %v", h.sessionID, err)
		h.broadcastJSON(EventSessionEnded, SessionEndedEvent{
			Type:      EventSessionEnded,
			SessionID: h.sessionID,
			Error:     err.Error(),
			ExitCode:  -1,
		})
		return
	}

	h.started = true
	h.sess = sess
	h.target = target

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	go func() {
		if err := sess.Run(ctx); err != nil {
			log.Printf("[Hub] Session %s controller error: %v", h.sessionID, err)
		}
	}()
	if target.Stdout != nil {
		go h.relayOutput("stdout", target.Stdout)
	}
	if target.Stderr != nil {
		go h.relayOutput("stderr", target.Stderr)
	}
	go func() {
		code, err := target.Wait()
		ended := SessionEndedEvent{
			Type:      EventSessionEnded,
			SessionID: h.sessionID,
			ExitCode:  code,
		}
		if err != nil {
			ended.Error = err.Error()
		}
		h.broadcastJSON(EventSessionEnded, ended)
	}()

	h.broadcastJSON(EventSessionStarted, SessionStartedEvent{
		Type:      EventSessionStarted,
		SessionID: h.sessionID,
		Script:    target.Script,
		PID:       target.PID(),
	})
	log.Printf("[Hub] Tracing %s (PID %d, session: %s)", target.Script, target.PID(), h.sessionID)
}

func (h *Hub) relayOutput(stream string, r io.Reader) {
	buf := make([]byte, outputChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.broadcastJSON(EventScriptOutput, ScriptOutputEvent{
				Type:      EventScriptOutput,
				SessionID: h.sessionID,
				Stream:    stream,
				Data:      string(buf[:n]),
			})
		}
		if err != nil {
			return
		}
	}
}
