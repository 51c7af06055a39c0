// Package resolver turns a typed correspondent handle into a stable
// identity. Edits are debounced so that a burst of keystrokes issues one
// lookup for the final value; a successful lookup triggers a one-shot
// history fetch that replaces the conversation store wholesale.
package resolver

import (
	"context"
	"strings"
	"sync"
	"time"

	"dmchat/internal/conversation"
	"dmchat/internal/identity"
)

const (
	// DefaultDebounce is the quiet period after the last edit before a
	// lookup is issued.
	DefaultDebounce = 500 * time.Millisecond

	defaultLookupTimeout = 10 * time.Second
)

// State is the handle-resolution lifecycle.
type State int

const (
	// StateIdle means the handle input is empty.
	StateIdle State = iota
	// StateSearching means a lookup for the current handle is underway.
	StateSearching
	// StateResolved means the handle maps to a known identity.
	StateResolved
	// StateNotFound means the lookup failed or the handle is unknown.
	StateNotFound
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSearching:
		return "searching"
	case StateResolved:
		return "resolved"
	case StateNotFound:
		return "not-found"
	default:
		return "unknown"
	}
}

// Resolution is the observable resolver state. Identity is set only when
// State is StateResolved.
type Resolution struct {
	State    State
	Identity identity.Identity
}

// Directory looks a handle up with the identity collaborator.
type Directory interface {
	LookupHandle(ctx context.Context, handle string) (identity.Identity, error)
}

// HistorySource fetches the full message history between two identities.
type HistorySource interface {
	History(ctx context.Context, self, correspondent identity.ID) ([]conversation.Message, error)
}

// Config wires a Resolver.
type Config struct {
	Self      identity.Identity
	Directory Directory
	History   HistorySource
	Store     *conversation.Store
	Scheduler Scheduler     // nil means wall clock
	Debounce  time.Duration // zero means DefaultDebounce
	Timeout   time.Duration // per network call, zero means 10s
	OnChange  func(Resolution)
}

// Resolver debounces handle edits and resolves them to identities.
//
// Only the debounce timer is cancellable. A lookup already on the wire when
// the operator keeps typing is not cancelled; instead every issued attempt
// carries a generation number, and a completion whose generation is no
// longer current is discarded without touching any state. A slow response
// for an abandoned handle can therefore never overwrite a faster response
// for the current one.
type Resolver struct {
	self     identity.Identity
	dir      Directory
	hist     HistorySource
	store    *conversation.Store
	sched    Scheduler
	debounce time.Duration
	timeout  time.Duration
	onChange func(Resolution)

	mu      sync.Mutex
	pending Timer
	gen     uint64
	res     Resolution
}

func New(cfg Config) *Resolver {
	r := &Resolver{
		self:     cfg.Self,
		dir:      cfg.Directory,
		hist:     cfg.History,
		store:    cfg.Store,
		sched:    cfg.Scheduler,
		debounce: cfg.Debounce,
		timeout:  cfg.Timeout,
		onChange: cfg.OnChange,
		res:      Resolution{State: StateIdle},
	}
	if r.sched == nil {
		r.sched = NewScheduler()
	}
	if r.debounce <= 0 {
		r.debounce = DefaultDebounce
	}
	if r.timeout <= 0 {
		r.timeout = defaultLookupTimeout
	}
	if r.onChange == nil {
		r.onChange = func(Resolution) {}
	}
	return r
}

// State returns the current resolution.
func (r *Resolver) State() Resolution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.res
}

// HandleChanged is called on every operator edit. It cancels any pending
// debounce, invalidates every in-flight attempt, and clears the
// conversation store synchronously so a stale conversation is never
// attributed to the new handle. A blank handle resolves immediately to
// Idle with no network call; anything else schedules a lookup after the
// quiet period.
func (r *Resolver) HandleChanged(handle string) {
	r.mu.Lock()
	if r.pending != nil {
		r.pending.Cancel()
		r.pending = nil
	}
	r.gen++
	gen := r.gen
	r.store.SetCorrespondent("")

	h := strings.TrimSpace(handle)
	if h == "" {
		r.res = Resolution{State: StateIdle}
		res := r.res
		r.mu.Unlock()
		r.onChange(res)
		return
	}

	r.pending = r.sched.Schedule(r.debounce, func() {
		r.resolve(h, gen)
	})
	r.mu.Unlock()
}

// Reset returns the resolver to Idle and invalidates all pending and
// in-flight work. Used on logout.
func (r *Resolver) Reset() {
	r.mu.Lock()
	if r.pending != nil {
		r.pending.Cancel()
		r.pending = nil
	}
	r.gen++
	r.res = Resolution{State: StateIdle}
	r.mu.Unlock()
}

// resolve runs on the scheduler goroutine after the quiet period.
func (r *Resolver) resolve(handle string, gen uint64) {
	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return
	}
	r.pending = nil
	r.res = Resolution{State: StateSearching}
	res := r.res
	r.mu.Unlock()
	r.onChange(res)

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	ident, err := r.dir.LookupHandle(ctx, handle)
	cancel()

	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return
	}
	if err != nil {
		r.res = Resolution{State: StateNotFound}
		r.store.Clear()
		res = r.res
		r.mu.Unlock()
		r.onChange(res)
		return
	}
	r.res = Resolution{State: StateResolved, Identity: ident}
	r.store.SetCorrespondent(ident.ID)
	res = r.res
	r.mu.Unlock()
	r.onChange(res)

	r.loadHistory(ident, gen)
}

// loadHistory fetches and installs the conversation history for a freshly
// resolved identity. The history collaborator does not return display
// names, so the resolved handle is backfilled onto every message; the
// store blanks it again on self-originated ones.
func (r *Resolver) loadHistory(ident identity.Identity, gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	msgs, err := r.hist.History(ctx, r.self.ID, ident.ID)
	cancel()

	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return
	}
	if err != nil {
		r.res = Resolution{State: StateNotFound}
		r.store.Clear()
		res := r.res
		r.mu.Unlock()
		r.onChange(res)
		return
	}
	for i := range msgs {
		msgs[i].SenderHandle = ident.Handle
	}
	r.store.Replace(msgs)
	res := r.res
	r.mu.Unlock()
	r.onChange(res)
}
