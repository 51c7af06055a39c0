package chat

import "time"

// Message is the persisted form. Message ids are server-generated UUIDs;
// the client treats them as opaque.
type Message struct {
	ID         string    `json:"id"`
	SenderID   int64     `json:"sender"`
	ReceiverID int64     `json:"receiver"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"createdAt"`
}

// WireMessage is the receive_message payload fanned out to sessions. The
// history endpoint intentionally omits sender_handle; only live events
// carry it.
type WireMessage struct {
	ID           string `json:"id"`
	Text         string `json:"text"`
	Sender       int64  `json:"sender"`
	Receiver     int64  `json:"receiver"`
	SenderHandle string `json:"sender_handle"`
}

// Outbound is a message a connected session asked the hub to deliver.
type Outbound struct {
	SenderID     int64
	ReceiverID   int64
	SenderHandle string
	Text         string
}
