// Package chatclient composes the synchronization core into one client:
// session restore and login, debounced handle resolution, the realtime
// channel, and the conversation store. The terminal UI on top of it only
// renders state and forwards input.
package chatclient

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"dmchat/internal/api"
	"dmchat/internal/conversation"
	"dmchat/internal/identity"
	"dmchat/internal/realtime"
	"dmchat/internal/resolver"
	"dmchat/internal/session"
)

var (
	// ErrNoCorrespondent means the operator tried to send before a handle
	// resolved.
	ErrNoCorrespondent = errors.New("chatclient: no resolved correspondent")
	// ErrBlankMessage means there was nothing to send.
	ErrBlankMessage = errors.New("chatclient: blank message")
)

// Config wires a Client.
type Config struct {
	API      *api.Client
	Session  *session.Store
	Notifier *session.Notifier // optional
	// SocketURL is the realtime channel endpoint (ws:// or wss://).
	SocketURL string
	// Scheduler and Debounce are passed to the resolver; both optional.
	Scheduler resolver.Scheduler
	Debounce  time.Duration
	// Reconnect enables background redial after transport failures.
	Reconnect bool
	// OnChange is invoked after any observable state change: resolution,
	// connection state, or store contents. Optional.
	OnChange func()
}

// Client is one authenticated chat session end to end.
type Client struct {
	cfg      Config
	onChange func()

	mu      sync.Mutex
	self    identity.Identity
	store   *conversation.Store
	res     *resolver.Resolver
	manager *realtime.Manager
}

func New(cfg Config) (*Client, error) {
	if cfg.API == nil || cfg.Session == nil {
		return nil, errors.New("chatclient: api and session are required")
	}
	if cfg.SocketURL == "" {
		return nil, errors.New("chatclient: socket url is required")
	}
	c := &Client{cfg: cfg, onChange: cfg.OnChange}
	if c.onChange == nil {
		c.onChange = func() {}
	}
	return c, nil
}

// Restore tries to resume a persisted session. It reports false with no
// error when there is nothing (or nothing trustworthy) to resume.
func (c *Client) Restore(ctx context.Context) (bool, error) {
	rec, ok := c.cfg.Session.Restore(ctx)
	if !ok {
		return false, nil
	}
	c.cfg.API.SetToken(rec.Token)
	if err := c.start(ctx, rec); err != nil {
		return false, err
	}
	return true, nil
}

// Login authenticates, persists the session, announces the login to other
// instances, and brings the realtime channel up.
func (c *Client) Login(ctx context.Context, email, password string) error {
	sess, err := c.cfg.API.Login(ctx, email, password)
	if err != nil {
		return err
	}
	rec := session.Record{Token: sess.Token, Identity: sess.Identity}
	if err := c.cfg.Session.Set(ctx, rec); err != nil {
		return fmt.Errorf("chatclient: persist session: %w", err)
	}
	if c.cfg.Notifier != nil {
		c.cfg.Notifier.Announce(ctx, rec.Identity.Handle)
	}
	return c.start(ctx, rec)
}

// Register creates an account; the operator then logs in normally.
func (c *Client) Register(ctx context.Context, handle, email, password string) error {
	return c.cfg.API.Register(ctx, handle, email, password)
}

// start builds the per-session components and opens the channel.
func (c *Client) start(ctx context.Context, rec session.Record) error {
	store := conversation.NewStore(rec.Identity.ID)
	res := resolver.New(resolver.Config{
		Self:      rec.Identity,
		Directory: c.cfg.API,
		History:   c.cfg.API,
		Store:     store,
		Scheduler: c.cfg.Scheduler,
		Debounce:  c.cfg.Debounce,
		OnChange:  func(resolver.Resolution) { c.onChange() },
	})
	header := http.Header{}
	header.Set("Authorization", "Bearer "+rec.Token)
	manager := realtime.NewManager(realtime.Config{
		URL:       c.cfg.SocketURL,
		Header:    header,
		Reconnect: c.cfg.Reconnect,
		OnMessage: c.handleInbound,
		OnState:   func(bool) { c.onChange() },
	})

	c.mu.Lock()
	c.self = rec.Identity
	c.store = store
	c.res = res
	c.manager = manager
	c.mu.Unlock()

	if err := manager.Open(ctx, rec.Identity); err != nil {
		if c.cfg.Reconnect {
			// Still authenticated; the manager keeps redialing and the
			// UI shows offline until it lands.
			log.Printf("chatclient: channel open failed, retrying in background: %v", err)
			c.onChange()
			return nil
		}
		return err
	}
	return nil
}

// handleInbound converts a live event and offers it to the store. The
// store decides whether it belongs to the selected conversation and
// whether it is a redelivery.
func (c *Client) handleInbound(msg realtime.InboundMessage) {
	c.mu.Lock()
	store := c.store
	c.mu.Unlock()
	if store == nil {
		return
	}
	appended := store.Append(conversation.Message{
		ID:           msg.ID,
		SenderID:     msg.Sender,
		ReceiverID:   msg.Receiver,
		Text:         msg.Text,
		SenderHandle: msg.SenderHandle,
	})
	if appended {
		c.onChange()
	}
}

// SetHandle forwards an operator edit to the resolver and remembers the
// last non-blank value for the next start.
func (c *Client) SetHandle(ctx context.Context, handle string) error {
	c.mu.Lock()
	res := c.res
	c.mu.Unlock()
	if res == nil {
		return session.ErrNoSession
	}
	res.HandleChanged(handle)
	if err := c.cfg.Session.SetLastCorrespondent(ctx, handle); err != nil {
		log.Printf("chatclient: remember correspondent: %v", err)
	}
	return nil
}

// SendText submits one message to the resolved correspondent. Nothing is
// inserted locally; the conversation shows the message when the server
// echoes it back.
func (c *Client) SendText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrBlankMessage
	}
	c.mu.Lock()
	self := c.self
	res := c.res
	manager := c.manager
	c.mu.Unlock()
	if res == nil || manager == nil {
		return session.ErrNoSession
	}
	r := res.State()
	if r.State != resolver.StateResolved {
		return ErrNoCorrespondent
	}
	return manager.Send(realtime.OutboundMessage{
		Sender:   self.ID,
		Receiver: r.Identity.ID,
		Text:     text,
	})
}

// Logout releases the channel, forgets the session, and clears all
// conversation state.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	manager := c.manager
	res := c.res
	store := c.store
	c.self = identity.Identity{}
	c.manager = nil
	c.res = nil
	c.store = nil
	c.mu.Unlock()

	if manager != nil {
		manager.Close()
	}
	if res != nil {
		res.Reset()
	}
	if store != nil {
		store.SetCorrespondent("")
	}
	c.cfg.API.SetToken("")
	err := c.cfg.Session.Clear(ctx)
	c.onChange()
	return err
}

// Self returns the authenticated identity, if any.
func (c *Client) Self() (identity.Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self, !c.self.IsZero()
}

// Messages returns the selected conversation in arrival order.
func (c *Client) Messages() []conversation.Message {
	c.mu.Lock()
	store := c.store
	c.mu.Unlock()
	if store == nil {
		return nil
	}
	return store.All()
}

// Resolution returns the current handle-resolution state.
func (c *Client) Resolution() resolver.Resolution {
	c.mu.Lock()
	res := c.res
	c.mu.Unlock()
	if res == nil {
		return resolver.Resolution{State: resolver.StateIdle}
	}
	return res.State()
}

// Connected reports whether the realtime channel is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	manager := c.manager
	c.mu.Unlock()
	return manager != nil && manager.IsConnected()
}

// LastCorrespondent returns the handle remembered from the previous run.
func (c *Client) LastCorrespondent(ctx context.Context) string {
	return c.cfg.Session.LastCorrespondent(ctx)
}
