package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"dmchat/internal/api"
	"dmchat/internal/identity"
	"dmchat/internal/kv"
	"dmchat/internal/realtime"
	"dmchat/internal/resolver"
	"dmchat/internal/session"
)

// manualScheduler mirrors the resolver test double so debounce firing is
// deterministic here too.
type manualScheduler struct {
	mu      sync.Mutex
	pending []*manualTimer
}

type manualTimer struct {
	fn        func()
	cancelled bool
}

func (t *manualTimer) Cancel() { t.cancelled = true }

func (s *manualScheduler) Schedule(_ time.Duration, fn func()) resolver.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTimer{fn: fn}
	s.pending = append(s.pending, t)
	return t
}

func (s *manualScheduler) fireLast(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		t.Fatal("nothing scheduled")
	}
	timer := s.pending[len(s.pending)-1]
	s.mu.Unlock()
	if timer.cancelled {
		t.Fatal("last timer was cancelled")
	}
	timer.fn()
}

// collaborators is a complete in-process stand-in for the auth, lookup,
// history, and realtime servers.
type collaborators struct {
	t   *testing.T
	srv *httptest.Server

	mu    sync.Mutex
	seq   int
	conns map[identity.ID][]*websocket.Conn
}

type fakeUser struct {
	id     identity.ID
	handle string
	email  string
}

var fakeUsers = []fakeUser{
	{id: "1", handle: "alice", email: "alice@example.com"},
	{id: "42", handle: "bob", email: "bob@example.com"},
	{id: "99", handle: "carol", email: "carol@example.com"},
}

func newCollaborators(t *testing.T) *collaborators {
	t.Helper()
	co := &collaborators{t: t, conns: make(map[identity.ID][]*websocket.Conn)}

	r := chi.NewRouter()
	r.Post("/api/auth/login", co.handleLogin)
	r.Post("/api/auth/register", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	r.Get("/api/user/username/{username}", co.handleLookup)
	r.Get("/api/messages/{self}/{other}", co.handleHistory)
	r.Get("/ws", co.handleWS)

	co.srv = httptest.NewServer(r)
	t.Cleanup(co.srv.Close)
	return co
}

func (co *collaborators) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	json.NewDecoder(r.Body).Decode(&creds)
	for _, u := range fakeUsers {
		if u.email == creds.Email && creds.Password == "pw" {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"token":"tok-%s","user":{"id":%s,"username":"%s"}}`, u.handle, u.id, u.handle)
			return
		}
	}
	http.Error(w, "invalid credentials", http.StatusUnauthorized)
}

func (co *collaborators) handleLookup(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "username")
	for _, u := range fakeUsers {
		if u.handle == name {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"id":%s,"username":"%s"}`, u.id, u.handle)
			return
		}
	}
	http.Error(w, "user not found", http.StatusNotFound)
}

func (co *collaborators) handleHistory(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if chi.URLParam(r, "self") == "1" && chi.URLParam(r, "other") == "42" {
		w.Write([]byte(`[
			{"id":"h1","sender":1,"receiver":42,"text":"hi bob","createdAt":"2026-08-01T10:00:00Z"},
			{"id":"h2","sender":42,"receiver":1,"text":"hi alice","createdAt":"2026-08-01T10:01:00Z"}
		]`))
		return
	}
	w.Write([]byte(`[]`))
}

func (co *collaborators) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	var joined identity.ID
	defer func() {
		if !joined.IsZero() {
			co.mu.Lock()
			conns := co.conns[joined]
			for i, c := range conns {
				if c == conn {
					co.conns[joined] = append(conns[:i], conns[i+1:]...)
					break
				}
			}
			co.mu.Unlock()
		}
		conn.Close()
	}()

	for {
		var frame realtime.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Event {
		case realtime.EventJoin:
			var join realtime.JoinPayload
			if err := json.Unmarshal(frame.Data, &join); err != nil {
				return
			}
			joined = join.UserID
			co.mu.Lock()
			co.conns[joined] = append(co.conns[joined], conn)
			co.mu.Unlock()
		case realtime.EventSendMessage:
			var out realtime.OutboundMessage
			if err := json.Unmarshal(frame.Data, &out); err != nil {
				return
			}
			co.echo(out)
		}
	}
}

// echo assigns the server-side id and fans the message out to every
// session joined as sender or receiver, like the real fan-out does.
func (co *collaborators) echo(out realtime.OutboundMessage) {
	co.mu.Lock()
	defer co.mu.Unlock()
	co.seq++
	senderHandle := ""
	for _, u := range fakeUsers {
		if u.id == out.Sender {
			senderHandle = u.handle
		}
	}
	payload, _ := json.Marshal(realtime.InboundMessage{
		ID:           identity.ID(fmt.Sprintf("srv-%d", co.seq)),
		Text:         out.Text,
		Sender:       out.Sender,
		Receiver:     out.Receiver,
		SenderHandle: senderHandle,
	})
	data, _ := json.Marshal(realtime.Frame{Event: realtime.EventReceiveMessage, Data: payload})

	targets := co.conns[out.Sender]
	if !out.Receiver.Equal(out.Sender) {
		targets = append(targets, co.conns[out.Receiver]...)
	}
	for _, conn := range targets {
		conn.WriteMessage(websocket.TextMessage, data)
	}
}

func (co *collaborators) socketURL() string {
	return "ws" + strings.TrimPrefix(co.srv.URL, "http") + "/ws"
}

type harness struct {
	client *Client
	sched  *manualScheduler
	sess   *session.Store
	kv     *kv.Memory
}

func newHarness(t *testing.T, co *collaborators) *harness {
	t.Helper()
	mem := kv.NewMemory()
	sess := session.NewStore(mem)
	sched := &manualScheduler{}
	client, err := New(Config{
		API:       api.NewClient(co.srv.URL),
		Session:   sess,
		SocketURL: co.socketURL(),
		Scheduler: sched,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { client.Logout(context.Background()) })
	return &harness{client: client, sched: sched, sess: sess, kv: mem}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestLoginOpensChannel(t *testing.T) {
	co := newCollaborators(t)
	h := newHarness(t, co)

	if err := h.client.Login(context.Background(), "alice@example.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	self, ok := h.client.Self()
	if !ok || self.ID != "1" || self.Handle != "alice" {
		t.Fatalf("self = %+v, ok=%v", self, ok)
	}
	waitFor(t, h.client.Connected)

	if _, ok := h.sess.Current(); !ok {
		t.Error("session not persisted")
	}
}

func TestLoginRejectedLeavesNoSession(t *testing.T) {
	co := newCollaborators(t)
	h := newHarness(t, co)

	err := h.client.Login(context.Background(), "alice@example.com", "wrong")
	if !errors.Is(err, api.ErrInvalidCredentials) {
		t.Fatalf("got %v, want ErrInvalidCredentials", err)
	}
	if _, ok := h.client.Self(); ok {
		t.Error("client authenticated after rejected login")
	}
}

// TestResolveThenChat is the full flow: type a handle in a burst, debounce
// fires once, history loads, a sent message comes back as the server echo.
func TestResolveThenChat(t *testing.T) {
	co := newCollaborators(t)
	h := newHarness(t, co)
	ctx := context.Background()

	if err := h.client.Login(ctx, "alice@example.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	waitFor(t, h.client.Connected)

	for _, partial := range []string{"b", "bo", "bob"} {
		h.client.SetHandle(ctx, partial)
	}
	h.sched.fireLast(t)

	res := h.client.Resolution()
	if res.State != resolver.StateResolved || res.Identity.ID != "42" {
		t.Fatalf("resolution = %+v", res)
	}

	msgs := h.client.Messages()
	if len(msgs) != 2 {
		t.Fatalf("history = %d messages, want 2", len(msgs))
	}
	if !msgs[0].FromSelf || msgs[0].Text != "hi bob" {
		t.Errorf("msg 0 = %+v", msgs[0])
	}
	if msgs[1].FromSelf || msgs[1].SenderHandle != "bob" {
		t.Errorf("msg 1 = %+v", msgs[1])
	}

	// No optimistic insert: the message appears only via the echo.
	if err := h.client.SendText("see you at 5"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	waitFor(t, func() bool { return len(h.client.Messages()) == 3 })
	last := h.client.Messages()[2]
	if !last.FromSelf || last.Text != "see you at 5" {
		t.Errorf("echo = %+v", last)
	}
	if last.ID.IsZero() {
		t.Error("echoed message must carry the server-assigned id")
	}
	if !strings.HasPrefix(last.ID.String(), "srv-") {
		t.Errorf("echo id = %s, want server-assigned", last.ID)
	}
}

func TestUnknownHandleIsNotFound(t *testing.T) {
	co := newCollaborators(t)
	h := newHarness(t, co)
	ctx := context.Background()

	if err := h.client.Login(ctx, "alice@example.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	h.client.SetHandle(ctx, "nobody")
	h.sched.fireLast(t)

	if got := h.client.Resolution().State; got != resolver.StateNotFound {
		t.Errorf("state = %v, want not-found", got)
	}
	if len(h.client.Messages()) != 0 {
		t.Error("messages present for unknown handle")
	}
}

func TestSendBeforeResolution(t *testing.T) {
	co := newCollaborators(t)
	h := newHarness(t, co)
	ctx := context.Background()

	if err := h.client.Login(ctx, "alice@example.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := h.client.SendText("hello?"); !errors.Is(err, ErrNoCorrespondent) {
		t.Errorf("got %v, want ErrNoCorrespondent", err)
	}
	if err := h.client.SendText("   "); !errors.Is(err, ErrBlankMessage) {
		t.Errorf("got %v, want ErrBlankMessage", err)
	}
}

func TestThirdPartyTrafficDoesNotLeakIn(t *testing.T) {
	co := newCollaborators(t)
	h := newHarness(t, co)
	ctx := context.Background()

	if err := h.client.Login(ctx, "alice@example.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	waitFor(t, h.client.Connected)
	h.client.SetHandle(ctx, "bob")
	h.sched.fireLast(t)
	if len(h.client.Messages()) != 2 {
		t.Fatal("setup: history not loaded")
	}

	// Carol messages alice while alice is viewing the bob conversation.
	// The event reaches the session (the channel does not filter) but the
	// store must not show it under bob's name.
	co.echo(realtime.OutboundMessage{Sender: "99", Receiver: "1", Text: "psst"})

	time.Sleep(100 * time.Millisecond)
	for _, m := range h.client.Messages() {
		if m.Text == "psst" {
			t.Fatal("third-party message shown in the wrong conversation")
		}
	}
}

func TestLogoutTearsEverythingDown(t *testing.T) {
	co := newCollaborators(t)
	h := newHarness(t, co)
	ctx := context.Background()

	if err := h.client.Login(ctx, "alice@example.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	waitFor(t, h.client.Connected)
	h.client.SetHandle(ctx, "bob")
	h.sched.fireLast(t)

	if err := h.client.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if h.client.Connected() {
		t.Error("still connected after logout")
	}
	if _, ok := h.client.Self(); ok {
		t.Error("still authenticated after logout")
	}
	if len(h.client.Messages()) != 0 {
		t.Error("messages survived logout")
	}
	if _, ok := h.sess.Restore(ctx); ok {
		t.Error("session record survived logout")
	}
	// The channel was released server side as well.
	waitFor(t, func() bool {
		co.mu.Lock()
		defer co.mu.Unlock()
		return len(co.conns["1"]) == 0
	})
}

func TestRestoreResumesSession(t *testing.T) {
	co := newCollaborators(t)
	h := newHarness(t, co)
	ctx := context.Background()

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	rec := session.Record{
		Token:    signed,
		Identity: identity.Identity{ID: "1", Handle: "alice"},
	}
	if err := h.sess.Set(ctx, rec); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	ok, err := h.client.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !ok {
		t.Fatal("Restore found nothing")
	}
	self, _ := h.client.Self()
	if self.Handle != "alice" {
		t.Errorf("self = %+v", self)
	}
	waitFor(t, h.client.Connected)
}

func TestRestoreWithCorruptedRecord(t *testing.T) {
	co := newCollaborators(t)
	h := newHarness(t, co)
	ctx := context.Background()

	h.kv.Set(ctx, "session", []byte(`{"token":"tok`))

	ok, err := h.client.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if ok {
		t.Fatal("corrupted record resumed")
	}
	if _, ok := h.client.Self(); ok {
		t.Error("client authenticated from corrupted record")
	}
}

func TestLastCorrespondentRemembered(t *testing.T) {
	co := newCollaborators(t)
	h := newHarness(t, co)
	ctx := context.Background()

	if err := h.client.Login(ctx, "alice@example.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	h.client.SetHandle(ctx, "bob")
	if got := h.client.LastCorrespondent(ctx); got != "bob" {
		t.Errorf("remembered %q, want bob", got)
	}
	h.client.SetHandle(ctx, "")
	if got := h.client.LastCorrespondent(ctx); got != "" {
		t.Errorf("blank edit kept %q", got)
	}
}
