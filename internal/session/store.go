// Package session persists the authenticated identity and credential for
// one client instance, and broadcasts best-effort login notices to other
// instances of the same operator profile.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"dmchat/internal/identity"
	"dmchat/internal/kv"
)

const (
	keySession           = "session"
	keyLastCorrespondent = "last_correspondent"
)

// ErrNoSession is returned when an operation needs an authenticated
// session and there is none.
var ErrNoSession = errors.New("session: not authenticated")

// nowFunc is stubbed in tests that need a token to look expired.
var nowFunc = time.Now

// Record is the persisted session: the bearer token and the identity it
// was issued for.
type Record struct {
	Token    string            `json:"token"`
	Identity identity.Identity `json:"identity"`
}

func (r Record) valid() bool {
	return r.Token != "" && !r.Identity.ID.IsZero() && r.Identity.Handle != ""
}

// Store holds the session for the lifetime of one client instance, backed
// by the per-instance kv scope so it survives a restart.
type Store struct {
	kv kv.Store

	mu      sync.Mutex
	current *Record
}

func NewStore(store kv.Store) *Store {
	return &Store{kv: store}
}

// Restore rehydrates the persisted session at startup. A corrupted,
// partially written, or expired record is deleted outright and the store
// ends unauthenticated; a record is never partially trusted.
func (s *Store) Restore(ctx context.Context) (Record, bool) {
	data, err := s.kv.Get(ctx, keySession)
	if errors.Is(err, kv.ErrNotFound) {
		return Record{}, false
	}
	if err != nil {
		return Record{}, false
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil || !rec.valid() || tokenExpired(rec.Token) {
		s.kv.Delete(ctx, keySession)
		return Record{}, false
	}

	s.mu.Lock()
	s.current = &rec
	s.mu.Unlock()
	return rec, true
}

// tokenExpired checks the credential's own expiry claim. The signature is
// the server's business; a token past its expiry is dead weight either way
// and the record holding it is treated as corrupted.
func tokenExpired(token string) bool {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return true
	}
	if exp == nil {
		return false
	}
	return exp.Before(nowFunc())
}

// Set installs and persists a fresh session after login.
func (s *Store) Set(ctx context.Context, rec Record) error {
	if !rec.valid() {
		return errors.New("session: refusing to persist incomplete record")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, keySession, data); err != nil {
		return err
	}
	s.mu.Lock()
	s.current = &rec
	s.mu.Unlock()
	return nil
}

// Clear forgets the session and every key tied to it.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
	err := s.kv.Delete(ctx, keySession)
	if err2 := s.kv.Delete(ctx, keyLastCorrespondent); err == nil {
		err = err2
	}
	return err
}

// Current returns the live session, if any.
func (s *Store) Current() (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Record{}, false
	}
	return *s.current, true
}

// SetLastCorrespondent remembers the handle the operator last typed, so
// the next start can preselect it. A blank handle removes the memory.
func (s *Store) SetLastCorrespondent(ctx context.Context, handle string) error {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return s.kv.Delete(ctx, keyLastCorrespondent)
	}
	return s.kv.Set(ctx, keyLastCorrespondent, []byte(handle))
}

// LastCorrespondent returns the remembered handle, empty when none.
func (s *Store) LastCorrespondent(ctx context.Context) string {
	data, err := s.kv.Get(ctx, keyLastCorrespondent)
	if err != nil {
		return ""
	}
	return string(data)
}
