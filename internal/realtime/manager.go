// Package realtime owns the lifecycle of the bidirectional message
// channel: dial, announce presence, pump inbound events, tear down. It
// deliberately does not filter inbound traffic by the conversation on
// screen; that is the conversation store's call.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dmchat/internal/identity"
)

const (
	writeWait = 10 * time.Second

	initialRedialDelay = time.Second
	maxRedialDelay     = 30 * time.Second
)

// ErrNotConnected is returned by Send when the channel is down or was
// never opened. Nothing is queued for later delivery.
var ErrNotConnected = errors.New("realtime: not connected")

// Config wires a Manager.
type Config struct {
	// URL is the ws:// or wss:// endpoint.
	URL string
	// Header is sent with the dial request (bearer token).
	Header http.Header
	// Dialer overrides websocket.DefaultDialer, mainly for tests.
	Dialer *websocket.Dialer
	// OnMessage receives every inbound message for the life of the
	// session, regardless of which correspondent is selected.
	OnMessage func(InboundMessage)
	// OnState is called with true after the channel is established and
	// with false when the transport fails or the manager is closed.
	OnState func(connected bool)
	// Reconnect enables automatic redial with capped backoff after a
	// transport failure. Close always stops it.
	Reconnect bool
}

// Manager is the connection manager for one authenticated session.
type Manager struct {
	url       string
	header    http.Header
	dialer    *websocket.Dialer
	onMessage func(InboundMessage)
	onState   func(bool)
	reconnect bool

	// wmu serializes writes; gorilla allows one concurrent writer.
	wmu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	opened    bool
	closed    bool
	self      identity.ID
	done      chan struct{}
}

func NewManager(cfg Config) *Manager {
	m := &Manager{
		url:       cfg.URL,
		header:    cfg.Header,
		dialer:    cfg.Dialer,
		onMessage: cfg.OnMessage,
		onState:   cfg.OnState,
		reconnect: cfg.Reconnect,
		done:      make(chan struct{}),
	}
	if m.dialer == nil {
		m.dialer = websocket.DefaultDialer
	}
	if m.onMessage == nil {
		m.onMessage = func(InboundMessage) {}
	}
	if m.onState == nil {
		m.onState = func(bool) {}
	}
	return m
}

// Open establishes the channel and announces presence by transmitting the
// identity's id, so the server routes this user's messages to the session.
// The manager reports connected only after both steps succeed.
func (m *Manager) Open(ctx context.Context, ident identity.Identity) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("realtime: manager closed")
	}
	if m.opened {
		m.mu.Unlock()
		return errors.New("realtime: already open")
	}
	m.opened = true
	m.self = ident.ID
	m.mu.Unlock()

	conn, err := m.dialAndJoin(ctx)
	if err != nil {
		if m.reconnect {
			// The session keeps its manager; redial in the background
			// and report the failed first attempt.
			go m.redial()
			return err
		}
		m.mu.Lock()
		m.opened = false
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return errors.New("realtime: manager closed")
	}
	m.conn = conn
	m.connected = true
	m.mu.Unlock()
	m.onState(true)

	go m.readLoop(conn)
	return nil
}

func (m *Manager) dialAndJoin(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := m.dialer.DialContext(ctx, m.url, m.header)
	if err != nil {
		return nil, fmt.Errorf("realtime: dial %s: %w", m.url, err)
	}

	frame, err := encodeFrame(EventJoin, JoinPayload{UserID: m.self})
	if err != nil {
		conn.Close()
		return nil, err
	}
	m.wmu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteMessage(websocket.TextMessage, frame)
	m.wmu.Unlock()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("realtime: announce presence: %w", err)
	}
	return conn, nil
}

// IsConnected reports whether the channel is currently established.
// Absence of connected means not-ready; there is no intermediate state.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Send transmits one outbound message. It fails synchronously with
// ErrNotConnected while the channel is down; the message the operator sees
// is the server's echo, never a local copy.
func (m *Manager) Send(out OutboundMessage) error {
	m.mu.Lock()
	conn := m.conn
	if !m.connected || conn == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	m.mu.Unlock()

	frame, err := encodeFrame(EventSendMessage, out)
	if err != nil {
		return err
	}

	m.wmu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteMessage(websocket.TextMessage, frame)
	m.wmu.Unlock()
	if err != nil {
		// A failed write means the transport is gone. Flip to
		// disconnected right away; the read loop handles the rest.
		m.mu.Lock()
		m.connected = false
		m.mu.Unlock()
		conn.Close()
		return fmt.Errorf("realtime: send: %w", err)
	}
	return nil
}

// Close releases the channel and the server-side subscription. It is
// idempotent and safe after the transport already failed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conn := m.conn
	m.conn = nil
	was := m.connected
	m.connected = false
	close(m.done)
	m.mu.Unlock()

	if conn != nil {
		m.wmu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		m.wmu.Unlock()
		conn.Close()
	}
	if was {
		m.onState(false)
	}
	return nil
}

// readLoop pumps inbound frames until the transport fails or the manager
// closes.
func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		m.handleFrame(data)
	}
	conn.Close()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	was := m.connected
	m.connected = false
	m.conn = nil
	m.mu.Unlock()

	if was {
		m.onState(false)
	}
	if m.reconnect {
		go m.redial()
	}
}

func (m *Manager) handleFrame(data []byte) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		log.Printf("realtime: bad frame: %v", err)
		return
	}
	switch frame.Event {
	case EventReceiveMessage:
		var msg InboundMessage
		if err := json.Unmarshal(frame.Data, &msg); err != nil {
			log.Printf("realtime: bad %s payload: %v", frame.Event, err)
			return
		}
		m.onMessage(msg)
	default:
		// Future events are ignored rather than fatal.
	}
}

// redial re-establishes the channel after a transport failure, doubling
// the delay up to a cap. Close stops it between attempts.
func (m *Manager) redial() {
	delay := initialRedialDelay
	for {
		select {
		case <-m.done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		conn, err := m.dialAndJoin(ctx)
		cancel()
		if err == nil {
			m.mu.Lock()
			if m.closed {
				m.mu.Unlock()
				conn.Close()
				return
			}
			m.conn = conn
			m.connected = true
			m.mu.Unlock()
			m.onState(true)
			go m.readLoop(conn)
			return
		}

		delay *= 2
		if delay > maxRedialDelay {
			delay = maxRedialDelay
		}
	}
}
