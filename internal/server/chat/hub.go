package chat

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"dmchat/internal/realtime"
)

// redisChannel is the pub/sub channel every server instance shares, so a
// message sent through one instance reaches sessions on another.
const redisChannel = "dm-messages"

// Hub routes messages between connected sessions. All state lives inside
// Run's goroutine; the channels are the only way in.
type Hub struct {
	clients map[*Client]bool

	Register   chan *Client
	Unregister chan *Client
	Publish    chan *Outbound
	broadcast  chan []byte

	redis *redis.Client
	repo  *Repository
}

func NewHub(redisClient *redis.Client, repo *Repository) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Publish:    make(chan *Outbound),
		broadcast:  make(chan []byte),
		redis:      redisClient,
		repo:       repo,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			h.clients[client] = true

		case client := <-h.Unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}

		case out := <-h.Publish:
			h.persistAndPublish(out)

		case payload := <-h.broadcast:
			h.fanOut(payload)
		}
	}
}

// persistAndPublish is the echo path: assign the id, save, then publish so
// every instance (this one included) fans the message out. The sender sees
// its own message only through this round trip.
func (h *Hub) persistAndPublish(out *Outbound) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg := &Message{
		ID:         uuid.NewString(),
		SenderID:   out.SenderID,
		ReceiverID: out.ReceiverID,
		Text:       out.Text,
		CreatedAt:  time.Now().UTC(),
	}
	if err := h.repo.SaveMessage(ctx, msg); err != nil {
		log.Printf("hub: save message: %v", err)
		return
	}

	payload, err := json.Marshal(WireMessage{
		ID:           msg.ID,
		Text:         msg.Text,
		Sender:       msg.SenderID,
		Receiver:     msg.ReceiverID,
		SenderHandle: out.SenderHandle,
	})
	if err != nil {
		log.Printf("hub: marshal wire message: %v", err)
		return
	}
	if err := h.redis.Publish(ctx, redisChannel, payload).Err(); err != nil {
		log.Printf("hub: redis publish: %v", err)
	}
}

// fanOut delivers a wire message to every joined session whose user is the
// sender or the receiver. No filtering by conversation happens here; that
// is the client's concern.
func (h *Hub) fanOut(payload []byte) {
	var wire WireMessage
	if err := json.Unmarshal(payload, &wire); err != nil {
		log.Printf("hub: bad wire message: %v", err)
		return
	}

	data, err := json.Marshal(realtime.Frame{Event: realtime.EventReceiveMessage, Data: payload})
	if err != nil {
		log.Printf("hub: marshal frame: %v", err)
		return
	}

	for client := range h.clients {
		if !client.joined {
			continue
		}
		if client.UserID != wire.Sender && client.UserID != wire.Receiver {
			continue
		}
		select {
		case client.send <- data:
		default:
			close(client.send)
			delete(h.clients, client)
		}
	}
}

// SubscribeToRedis pipes messages published by any server instance into
// this instance's fan-out loop.
func (h *Hub) SubscribeToRedis() {
	pubsub := h.redis.Subscribe(context.Background(), redisChannel)
	defer pubsub.Close()

	for msg := range pubsub.Channel() {
		h.broadcast <- []byte(msg.Payload)
	}
}
