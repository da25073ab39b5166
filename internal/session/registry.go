package session

import (
	"errors"
	"sort"
	"sync"
)

var ErrDuplicateSession = errors.New("session: duplicate session key")

// Registry is the single source of truth for live sessions. Every
// operation is serialized under one mutex; Locked exposes that mutex as
// the critical section for chat pairing, so "read state, decide, mutate
// two sessions" is atomic with respect to every other connection.
type Registry struct {
	mu       sync.Mutex
	sessions map[Key]*Session
	byCall   map[string]map[Key]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[Key]*Session),
		byCall:   make(map[string]map[Key]struct{}),
	}
}

// Add registers a new session in state New. A live entry under the same
// key is rejected with ErrDuplicateSession, never overwritten; silently
// replacing it would orphan the previous transport handle.
func (r *Registry) Add(key Key, kind TransportKind, sender Sender) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[key]; ok {
		return nil, ErrDuplicateSession
	}
	s := newSession(key, kind, sender)
	r.sessions[key] = s
	keys, ok := r.byCall[key.RemoteCall]
	if !ok {
		keys = make(map[Key]struct{})
		r.byCall[key.RemoteCall] = keys
	}
	keys[key] = struct{}{}
	return s, nil
}

// Remove drops a session if present and reports whether it was found.
func (r *Registry) Remove(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[key]; !ok {
		return false
	}
	delete(r.sessions, key)
	if keys, ok := r.byCall[key.RemoteCall]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(r.byCall, key.RemoteCall)
		}
	}
	return true
}

func (r *Registry) Get(key Key) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	return s, ok
}

// ListActive snapshots all sessions still accepting sends, sorted by key.
func (r *Registry) ListActive() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return View{r}.Active()
}

// ListByRemoteCall returns all sessions, active or not, whose identity's
// remote call matches. The remote-call index keeps this off the O(n) scan.
func (r *Registry) ListByRemoteCall(call string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return View{r}.ByRemoteCall(call)
}

// Locked runs fn while holding the registry mutex. fn receives a View
// with unlocked lookups; it must not call the registry's own methods.
func (r *Registry) Locked(fn func(v View)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(View{r})
}

// View provides registry lookups inside a Locked critical section.
type View struct {
	r *Registry
}

func (v View) Get(key Key) (*Session, bool) {
	s, ok := v.r.sessions[key]
	return s, ok
}

func (v View) Active() []*Session {
	out := make([]*Session, 0, len(v.r.sessions))
	for _, s := range v.r.sessions {
		if s.Active() {
			out = append(out, s)
		}
	}
	sortSessions(out)
	return out
}

func (v View) ByRemoteCall(call string) []*Session {
	keys, ok := v.r.byCall[call]
	if !ok {
		return nil
	}
	out := make([]*Session, 0, len(keys))
	for key := range keys {
		if s, ok := v.r.sessions[key]; ok {
			out = append(out, s)
		}
	}
	sortSessions(out)
	return out
}

func sortSessions(list []*Session) {
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i].key, list[j].key
		if a.RemoteCall != b.RemoteCall {
			return a.RemoteCall < b.RemoteCall
		}
		if a.StationCall != b.StationCall {
			return a.StationCall < b.StationCall
		}
		return a.Port < b.Port
	})
}
