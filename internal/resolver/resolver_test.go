package resolver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dmchat/internal/conversation"
	"dmchat/internal/identity"
)

var selfIdent = identity.Identity{ID: "1", Handle: "alice"}

// manualScheduler collects scheduled actions and fires them on demand.
type manualScheduler struct {
	mu      sync.Mutex
	pending []*manualTimer
}

type manualTimer struct {
	fn        func()
	cancelled bool
}

func (t *manualTimer) Cancel() { t.cancelled = true }

func (s *manualScheduler) Schedule(_ time.Duration, fn func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTimer{fn: fn}
	s.pending = append(s.pending, t)
	return t
}

// fireLast runs the most recently scheduled action unless it was cancelled.
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

func (s *manualScheduler) scheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *manualScheduler) live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, timer := range s.pending {
		if !timer.cancelled {
			n++
		}
	}
	return n
}

// fakeDirectory resolves from a fixed table and records every lookup.
type fakeDirectory struct {
	mu      sync.Mutex
	users   map[string]identity.Identity
	lookups []string
	// block, when set, is closed by the test to release in-flight lookups.
	block map[string]chan struct{}
	err   error
}

func (d *fakeDirectory) LookupHandle(_ context.Context, handle string) (identity.Identity, error) {
	d.mu.Lock()
	d.lookups = append(d.lookups, handle)
	gate := d.block[handle]
	d.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if d.err != nil {
		return identity.Identity{}, d.err
	}
	u, ok := d.users[handle]
	if !ok {
		return identity.Identity{}, errors.New("user not found")
	}
	return u, nil
}

type fakeHistory struct {
	mu    sync.Mutex
	calls int
	msgs  map[identity.ID][]conversation.Message
	err   error
}

func (h *fakeHistory) History(_ context.Context, _, other identity.ID) ([]conversation.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.err != nil {
		return nil, h.err
	}
	return h.msgs[other], nil
}

type fixture struct {
	resolver *Resolver
	store    *conversation.Store
	sched    *manualScheduler
	dir      *fakeDirectory
	hist     *fakeHistory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: conversation.NewStore(selfIdent.ID),
		sched: &manualScheduler{},
		dir: &fakeDirectory{
			users: map[string]identity.Identity{
				"bob":   {ID: "42", Handle: "bob"},
				"carol": {ID: "99", Handle: "carol"},
			},
			block: map[string]chan struct{}{},
		},
		hist: &fakeHistory{msgs: map[identity.ID][]conversation.Message{}},
	}
	f.resolver = New(Config{
		Self:      selfIdent,
		Directory: f.dir,
		History:   f.hist,
		Store:     f.store,
		Scheduler: f.sched,
	})
	return f
}

func TestBurstOfEditsIssuesOneLookup(t *testing.T) {
	f := newFixture(t)
	for _, h := range []string{"b", "bo", "bob"} {
		f.resolver.HandleChanged(h)
	}
	if live := f.sched.live(); live != 1 {
		t.Fatalf("%d live timers after burst, want 1", live)
	}

	f.sched.fireLast(t)

	f.dir.mu.Lock()
	defer f.dir.mu.Unlock()
	if len(f.dir.lookups) != 1 || f.dir.lookups[0] != "bob" {
		t.Fatalf("lookups = %v, want exactly [bob]", f.dir.lookups)
	}
}

func TestResolveLoadsHistoryWholesale(t *testing.T) {
	f := newFixture(t)
	f.hist.msgs["42"] = []conversation.Message{
		{ID: "m1", SenderID: "1", ReceiverID: "42", Text: "hi", CreatedAt: time.Unix(100, 0)},
		{ID: "m2", SenderID: "42", ReceiverID: "1", Text: "hey", CreatedAt: time.Unix(101, 0)},
	}

	f.resolver.HandleChanged("bob")
	f.sched.fireLast(t)

	res := f.resolver.State()
	if res.State != StateResolved {
		t.Fatalf("state = %v, want resolved", res.State)
	}
	if res.Identity.ID != "42" || res.Identity.Handle != "bob" {
		t.Fatalf("identity = %+v", res.Identity)
	}

	all := f.store.All()
	if len(all) != 2 {
		t.Fatalf("store has %d messages, want 2", len(all))
	}
	if !all[0].FromSelf || all[0].SenderHandle != "" {
		t.Errorf("self history message tagged wrong: %+v", all[0])
	}
	if all[1].FromSelf || all[1].SenderHandle != "bob" {
		t.Errorf("correspondent history message tagged wrong: %+v", all[1])
	}
	if f.hist.calls != 1 {
		t.Errorf("history fetched %d times, want once", f.hist.calls)
	}
}

func TestBlankHandleIsImmediate(t *testing.T) {
	f := newFixture(t)
	f.hist.msgs["42"] = []conversation.Message{{ID: "m1", SenderID: "42", ReceiverID: "1"}}
	f.resolver.HandleChanged("bob")
	f.sched.fireLast(t)
	if f.store.Len() != 1 {
		t.Fatal("setup: history not loaded")
	}

	f.resolver.HandleChanged("   ")

	if got := f.resolver.State().State; got != StateIdle {
		t.Errorf("state = %v, want idle", got)
	}
	if f.store.Len() != 0 {
		t.Error("blank handle must clear the store synchronously")
	}
	if f.sched.live() != 0 {
		t.Error("blank handle must not schedule a lookup")
	}
	f.dir.mu.Lock()
	defer f.dir.mu.Unlock()
	if len(f.dir.lookups) != 1 {
		t.Errorf("blank handle issued a lookup: %v", f.dir.lookups)
	}
}

func TestEditClearsStoreBeforeResolution(t *testing.T) {
	f := newFixture(t)
	f.hist.msgs["42"] = []conversation.Message{{ID: "m1", SenderID: "42", ReceiverID: "1", Text: "old"}}
	f.resolver.HandleChanged("bob")
	f.sched.fireLast(t)
	if f.store.Len() != 1 {
		t.Fatal("setup: history not loaded")
	}

	// The edit itself clears; the new lookup has not even been scheduled
	// to fire yet.
	f.resolver.HandleChanged("carol")
	if f.store.Len() != 0 {
		t.Fatal("store must be empty the moment the handle changes")
	}
}

func TestLookupFailureIsNotFound(t *testing.T) {
	f := newFixture(t)
	f.resolver.HandleChanged("nobody")
	f.sched.fireLast(t)

	res := f.resolver.State()
	if res.State != StateNotFound {
		t.Fatalf("state = %v, want not-found", res.State)
	}
	if !res.Identity.IsZero() {
		t.Error("failed resolution must not keep a prior identity")
	}
	if f.store.Len() != 0 {
		t.Error("store must be empty after failed resolution")
	}
}

func TestHistoryFailureIsNotFound(t *testing.T) {
	f := newFixture(t)
	f.hist.err = errors.New("boom")
	f.resolver.HandleChanged("bob")
	f.sched.fireLast(t)

	if got := f.resolver.State().State; got != StateNotFound {
		t.Errorf("state = %v, want not-found after history failure", got)
	}
	if f.store.Len() != 0 {
		t.Error("store must be empty after history failure")
	}
}

func TestSlowStaleLookupIsDiscarded(t *testing.T) {
	f := newFixture(t)
	f.hist.msgs["99"] = []conversation.Message{{ID: "c1", SenderID: "99", ReceiverID: "1", Text: "from carol"}}

	gate := make(chan struct{})
	f.dir.block["bob"] = gate

	// First edit; its debounce expires and the lookup for "bob" hangs on
	// the wire.
	f.resolver.HandleChanged("bob")
	done := make(chan struct{})
	go func() {
		f.sched.fireLast(t)
		close(done)
	}()
	waitFor(t, func() bool {
		f.dir.mu.Lock()
		defer f.dir.mu.Unlock()
		return len(f.dir.lookups) == 1
	})

	// Second edit after the quiet window; "carol" resolves immediately.
	f.resolver.HandleChanged("carol")
	f.sched.fireLast(t)
	if got := f.resolver.State(); got.State != StateResolved || got.Identity.Handle != "carol" {
		t.Fatalf("resolution = %+v, want carol resolved", got)
	}

	// Now the slow "bob" response lands. It is stale and must change
	// nothing.
	close(gate)
	<-done

	if got := f.resolver.State(); got.State != StateResolved || got.Identity.Handle != "carol" {
		t.Errorf("stale response overwrote resolution: %+v", got)
	}
	all := f.store.All()
	if len(all) != 1 || all[0].Text != "from carol" {
		t.Errorf("stale response disturbed the store: %v", all)
	}
}

func TestResetInvalidatesInFlightWork(t *testing.T) {
	f := newFixture(t)
	gate := make(chan struct{})
	f.dir.block["bob"] = gate

	f.resolver.HandleChanged("bob")
	done := make(chan struct{})
	go func() {
		f.sched.fireLast(t)
		close(done)
	}()
	waitFor(t, func() bool {
		f.dir.mu.Lock()
		defer f.dir.mu.Unlock()
		return len(f.dir.lookups) == 1
	})

	f.resolver.Reset()
	close(gate)
	<-done

	if got := f.resolver.State().State; got != StateIdle {
		t.Errorf("state = %v, want idle after reset", got)
	}
	if f.hist.calls != 0 {
		t.Error("invalidated lookup still fetched history")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
