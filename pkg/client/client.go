// Package client is the Go API for driving a remote trace session over
// its websocket control surface.
package client

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/shtrace/shtrace/internal/ws"
)

// Handler receives decoded server events. Any field may be nil; unhandled
// event types are dropped. The callbacks run on the client's read
// goroutine and must not block on client methods.
type Handler struct {
	OnSessionStarted func(ws.SessionStartedEvent)
	OnLine           func(ws.LineEventMsg)
	OnOutput         func(ws.ScriptOutputEvent)
	OnEnded          func(ws.SessionEndedEvent)
	OnStateChange    func(ws.State)
}

type Client struct {
	serverURL string
	sessionID atomic.Value // string, set from the server's acknowledgment
	conn      *websocket.Conn
	send      chan ws.Message
	done      chan struct{}
	state     atomic.Value // ws.State
	handler   Handler
}

// New prepares a client for serverURL (host:port). sessionID may be empty
// to create a fresh session on connect.
func New(serverURL, sessionID string, handler Handler) *Client {
	c := &Client{
		serverURL: serverURL,
		send:      make(chan ws.Message, 256),
		done:      make(chan struct{}),
		handler:   handler,
	}
	c.sessionID.Store(sessionID)
	c.state.Store(ws.StateRunning)
	return c
}

func (c *Client) Connect() error {
	u := url.URL{
		Scheme: "ws",
		Host:   c.serverURL,
		Path:   "/session",
	}
	if id := c.SessionID(); id != "" {
		u.RawQuery = "sessionId=" + id
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial error: %w", err)
	}
	c.conn = conn
	return nil
}

// Run starts the read and write pumps. It returns immediately; Done
// reports when the server side goes away.
func (c *Client) Run() error {
	if c.conn == nil {
		return fmt.Errorf("connection not established")
	}
	go c.readPump()
	go c.writePump()
	return nil
}

// Done closes when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) SessionID() string {
	id, _ := c.sessionID.Load().(string)
	return id
}

func (c *Client) State() ws.State {
	return c.state.Load().(ws.State)
}

func (c *Client) readPump() {
	defer func() {
		close(c.done)
		if err := c.conn.Close(); err != nil {
			log.Printf("Close error: %v", err)
		}
	}()

	for {
		var msg ws.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}
		c.handleMessage(msg)
	}
}

func (c *Client) writePump() {
	for message := range c.send {
		if err := c.conn.WriteJSON(message); err != nil {
			log.Printf("Write error: %v", err)
			return
		}
	}
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
		log.Printf("Failed to close websocket: %v", err)
	}
}

func (c *Client) handleMessage(msg ws.Message) {
	switch ws.EventType(msg.Type) {
	case ws.EventSessionStarted:
		var started ws.SessionStartedEvent
		if err := unmarshalData(msg.Data, &started); err != nil {
			log.Printf("Error parsing sessionStarted: %v", err)
			return
		}
		if started.SessionID != "" {
			c.sessionID.Store(started.SessionID)
		}
		if c.handler.OnSessionStarted != nil {
			c.handler.OnSessionStarted(started)
		}

	case ws.EventStateUpdate:
		var update ws.StateUpdateEvent
		if err := unmarshalData(msg.Data, &update); err != nil {
			log.Printf("Error parsing stateUpdate: %v", err)
			return
		}
		c.state.Store(update.NewState)
		if c.handler.OnStateChange != nil {
			c.handler.OnStateChange(update.NewState)
		}

	case ws.EventLine:
		var line ws.LineEventMsg
		if err := unmarshalData(msg.Data, &line); err != nil {
			log.Printf("Error parsing lineEvent: %v", err)
			return
		}
		if c.handler.OnLine != nil {
			c.handler.OnLine(line)
		}

	case ws.EventScriptOutput:
		var out ws.ScriptOutputEvent
		if err := unmarshalData(msg.Data, &out); err != nil {
			log.Printf("Error parsing scriptOutput: %v", err)
			return
		}
		if c.handler.OnOutput != nil {
			c.handler.OnOutput(out)
		}

	case ws.EventSessionEnded:
		var ended ws.SessionEndedEvent
		if err := unmarshalData(msg.Data, &ended); err != nil {
			log.Printf("Error parsing sessionEnded: %v", err)
			return
		}
		c.state.Store(ws.StateEnded)
		if c.handler.OnEnded != nil {
			c.handler.OnEnded(ended)
		}

	default:
		log.Printf("Unknown message type: %s", msg.Type)
	}
}

func unmarshalData(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func (c *Client) sendCommand(cmdType ws.CommandType, payload []byte) error {
	msg := ws.Message{Type: string(cmdType), Data: payload}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed")
	}
}

func (c *Client) sendSimple(cmdType ws.CommandType) error {
	payload, err := json.Marshal(ws.SimpleCmd{Type: cmdType, SessionID: c.SessionID()})
	if err != nil {
		return err
	}
	return c.sendCommand(cmdType, payload)
}

// StartTrace launches the server-configured script under the tracer.
func (c *Client) StartTrace() error { return c.sendSimple(ws.CmdStartTrace) }

// Step resumes one statement, pausing on the next boundary.
func (c *Client) Step() error { return c.sendSimple(ws.CmdStep) }

// StepOver resumes until control returns to the current execution context.
func (c *Client) StepOver() error { return c.sendSimple(ws.CmdStepOver) }

// Continue resumes free running.
func (c *Client) Continue() error { return c.sendSimple(ws.CmdContinue) }

// Pause holds the next statement boundary.
func (c *Client) Pause() error { return c.sendSimple(ws.CmdPause) }

// Skip resumes without executing the held statement.
func (c *Client) Skip() error { return c.sendSimple(ws.CmdSkip) }

// Return resumes and forces an early return from the current function or
// sourced script.
func (c *Client) Return() error { return c.sendSimple(ws.CmdReturn) }

// Exit asks the server to terminate the traced script.
func (c *Client) Exit() error { return c.sendSimple(ws.CmdExit) }

// Eval runs code in the scope of the held statement.
func (c *Client) Eval(code string) error {
	payload, err := json.Marshal(ws.EvalCmd{Type: ws.CmdEval, SessionID: c.SessionID(), Code: code})
	if err != nil {
		return err
	}
	return c.sendCommand(ws.CmdEval, payload)
}

// Input writes data verbatim to the traced script's stdin.
func (c *Client) Input(data string) error {
	payload, err := json.Marshal(ws.InputCmd{Type: ws.CmdInput, SessionID: c.SessionID(), Data: data})
	if err != nil {
		return err
	}
	return c.sendCommand(ws.CmdInput, payload)
}

// CloseInput closes the traced script's stdin, delivering EOF to any
// pending read.
func (c *Client) CloseInput() error {
	payload, err := json.Marshal(ws.InputCmd{Type: ws.CmdInput, SessionID: c.SessionID(), Eof: true})
	if err != nil {
		return err
	}
	return c.sendCommand(ws.CmdInput, payload)
}

func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
