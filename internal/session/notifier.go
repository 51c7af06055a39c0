package session

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"dmchat/internal/kv"
)

const keyLastLogin = "last_login"

// Notice is the advisory record one instance leaves for the others after
// a successful login. Delivery is eventual and unordered; nothing
// synchronizes authenticated state across instances.
type Notice struct {
	Handle    string    `json:"handle"`
	Timestamp time.Time `json:"timestamp"`
}

// Broadcaster carries fire-and-forget payloads between client instances.
// kv.RedisBus is the real implementation; tests use an in-process one.
type Broadcaster interface {
	Publish(ctx context.Context, payload []byte) error
	Subscribe(ctx context.Context) (<-chan []byte, func())
}

// Notifier writes the last-login notice to the cross-instance kv scope and
// broadcasts it to currently running instances.
type Notifier struct {
	shared kv.Store
	bus    Broadcaster
}

func NewNotifier(shared kv.Store, bus Broadcaster) *Notifier {
	return &Notifier{shared: shared, bus: bus}
}

// Announce publishes "a login occurred" for handle. Best effort: failures
// are logged and swallowed, never surfaced to the login flow.
func (n *Notifier) Announce(ctx context.Context, handle string) {
	notice := Notice{Handle: handle, Timestamp: nowFunc().UTC()}
	payload, err := json.Marshal(notice)
	if err != nil {
		log.Printf("session: marshal login notice: %v", err)
		return
	}
	if n.shared != nil {
		if err := n.shared.Set(ctx, keyLastLogin, payload); err != nil {
			log.Printf("session: store login notice: %v", err)
		}
	}
	if n.bus != nil {
		if err := n.bus.Publish(ctx, payload); err != nil {
			log.Printf("session: broadcast login notice: %v", err)
		}
	}
}

// Watch invokes fn for every notice broadcast while the watch is active.
// The returned stop func releases the subscription.
func (n *Notifier) Watch(ctx context.Context, fn func(Notice)) func() {
	if n.bus == nil {
		return func() {}
	}
	ch, stop := n.bus.Subscribe(ctx)
	go func() {
		for payload := range ch {
			var notice Notice
			if err := json.Unmarshal(payload, &notice); err != nil {
				log.Printf("session: bad login notice: %v", err)
				continue
			}
			fn(notice)
		}
	}()
	return stop
}

// LastLogin reads the most recently stored notice, for instances that were
// not running when it was broadcast.
func (n *Notifier) LastLogin(ctx context.Context) (Notice, bool) {
	if n.shared == nil {
		return Notice{}, false
	}
	data, err := n.shared.Get(ctx, keyLastLogin)
	if err != nil {
		return Notice{}, false
	}
	var notice Notice
	if err := json.Unmarshal(data, &notice); err != nil {
		return Notice{}, false
	}
	return notice, true
}
