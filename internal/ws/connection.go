package ws

import (
	"log"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// maxCommandBytes bounds an inbound command frame. Commands are tiny
	// (an eval snippet or a stdin line at most); anything bigger is a
	// misbehaving client.
	maxCommandBytes = 1 << 16
	// writeTimeout bounds one outbound event frame; the hub already
	// evicts clients whose send buffer backs up.
	writeTimeout = 10 * time.Second
)

type Connection struct {
	id   string
	conn *websocket.Conn
	hub  *Hub
	send chan Message
}

func NewConnection(conn *websocket.Conn, hub *Hub, id string) *Connection {
	return &Connection{
		id:   id,
		conn: conn,
		hub:  hub,
		send: make(chan Message, clientSendBufferSize),
	}
}

// ReadPump forwards client commands to the hub until the socket dies.
func (c *Connection) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		if err := c.conn.Close(); err != nil {
			log.Printf("Connection %s close error: %v", c.id, err)
		}
	}()

	c.conn.SetReadLimit(maxCommandBytes)

	for {
		var msg Message
		err := c.conn.ReadJSON(&msg)
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
			log.Printf("Connection %s unexpected close: %v", c.id, err)
			break
		}
		if err != nil {
			break
		}
		c.hub.SendCommand(msg)
	}
}

// WritePump relays hub events to the client until the send channel closes.
func (c *Connection) WritePump() {
	defer func() {
		if err := c.conn.Close(); err != nil {
			log.Printf("Connection %s close error: %v", c.id, err)
		}
	}()

	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(message); err != nil {
			log.Printf("Connection %s write error: %v", c.id, err)
			return
		}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
		log.Printf("Failed to close websocket: %v", err)
		return
	}
}

// CloseSend stops the write pump; the deferred close in WritePump tears
// the socket down.
func (c *Connection) CloseSend() {
	close(c.send)
}

func (c *Connection) Close() {
	if err := c.conn.Close(); err != nil {
		log.Printf("Connection %s close error: %v", c.id, err)
	}
}
