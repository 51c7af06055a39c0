package realtime

import (
	"encoding/json"
	"fmt"

	"dmchat/internal/identity"
)

// Wire events. The channel carries JSON frames of the shape
// {"event": "...", "data": {...}}.
const (
	EventJoin           = "join"
	EventSendMessage    = "send_message"
	EventReceiveMessage = "receive_message"
)

// Frame is the envelope for every frame in either direction.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// JoinPayload announces which user this session receives messages for. It
// is sent exactly once, immediately after the channel opens.
type JoinPayload struct {
	UserID identity.ID `json:"user_id"`
}

// OutboundMessage is a message the operator submits. The server assigns
// the id and timestamp; the client never invents either.
type OutboundMessage struct {
	Sender   identity.ID `json:"sender"`
	Receiver identity.ID `json:"receiver"`
	Text     string      `json:"text"`
}

// InboundMessage is a server-echoed message, delivered to every session
// joined as its sender or receiver.
type InboundMessage struct {
	ID           identity.ID `json:"id"`
	Text         string      `json:"text"`
	Sender       identity.ID `json:"sender"`
	Receiver     identity.ID `json:"receiver"`
	SenderHandle string      `json:"sender_handle"`
}

func encodeFrame(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("realtime: marshal %s payload: %w", event, err)
	}
	return json.Marshal(Frame{Event: event, Data: data})
}
