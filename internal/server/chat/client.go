package chat

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"dmchat/internal/realtime"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // must be less than pongWait
	maxMessageSize = 4096
)

// Client is the middleman between one websocket session and the hub. It is
// registered with the hub only once the session announces itself with a
// join frame; frames arriving before that are rejected.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// UserID comes from the validated token, never from the join payload.
	UserID   int64
	Username string

	joined bool
}

func NewClient(hub *Hub, conn *websocket.Conn, userID int64, username string) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, 256),
		UserID:   userID,
		Username: username,
	}
}

// ReadPump pumps frames from the websocket connection to the hub.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("ws: read: %v", err)
			}
			return
		}

		var frame realtime.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			log.Printf("ws: bad frame from user %d: %v", c.UserID, err)
			continue
		}

		switch frame.Event {
		case realtime.EventJoin:
			c.handleJoin(frame.Data)
		case realtime.EventSendMessage:
			c.handleSend(frame.Data)
		default:
			// Unknown events are ignored so the protocol can grow.
		}
	}
}

func (c *Client) handleJoin(data json.RawMessage) {
	if c.joined {
		return
	}

	var payload realtime.JoinPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		log.Printf("ws: bad join payload from user %d: %v", c.UserID, err)
		return
	}

	// The session may only join as the user it authenticated as.
	id, err := payload.UserID.Int64()
	if err != nil || id != c.UserID {
		log.Printf("ws: user %d attempted to join as %q", c.UserID, payload.UserID)
		c.conn.Close()
		return
	}

	c.joined = true
	c.hub.Register <- c
}

func (c *Client) handleSend(data json.RawMessage) {
	if !c.joined {
		return
	}

	var msg realtime.OutboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("ws: bad message payload from user %d: %v", c.UserID, err)
		return
	}

	sender, err := msg.Sender.Int64()
	if err != nil || sender != c.UserID {
		log.Printf("ws: user %d attempted to send as %q", c.UserID, msg.Sender)
		return
	}
	receiver, err := msg.Receiver.Int64()
	if err != nil {
		log.Printf("ws: bad receiver id %q from user %d", msg.Receiver, c.UserID)
		return
	}

	c.hub.Publish <- &Outbound{
		SenderID:     sender,
		ReceiverID:   receiver,
		SenderHandle: c.Username,
		Text:         msg.Text,
	}
}

// WritePump pumps frames from the hub to the websocket connection. Each
// payload goes out as its own websocket message so the peer can decode
// frames one at a time.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
