// Package session owns live connection state shared by every transport.
//
// Ownership boundary:
// - session identity and conversational state
// - the registry of live sessions and its remote-call index
// - the critical section for multi-session chat mutations
package session

import (
	"fmt"
	"sync/atomic"
)

// TransportKind identifies which transport delivers a session's bytes.
type TransportKind string

const (
	KindLink TransportKind = "link"
	KindTerm TransportKind = "term"
)

// Key is the immutable identity of one logical conversation: the remote
// station, the station callsign it connected to, and the link index the
// connection arrived on.
type Key struct {
	RemoteCall  string
	StationCall string
	Port        int
}

func (k Key) String() string {
	return fmt.Sprintf("%s->%s/%d", k.RemoteCall, k.StationCall, k.Port)
}

// State is the conversational state driven by the command dispatcher.
type State int

const (
	StateNew State = iota
	StateChatRequest
	StateChat
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateChatRequest:
		return "chat-request"
	case StateChat:
		return "chat"
	default:
		return "unknown"
	}
}

// Sender is the per-session delivery capability a transport supplies.
// Send reports false, and never panics, when the underlying channel is
// gone; delivery is best-effort.
type Sender interface {
	Send(p []byte) bool
	CloseUnderlying()
}

// Session is the live conversational context for one registry key.
// State and ChatTarget are guarded by the owning registry's mutex and
// must only be touched inside Registry.Locked or by registry methods.
type Session struct {
	key    Key
	kind   TransportKind
	sender Sender
	active atomic.Bool

	State      State
	ChatTarget string
}

func newSession(key Key, kind TransportKind, sender Sender) *Session {
	s := &Session{key: key, kind: kind, sender: sender}
	s.active.Store(true)
	return s
}

func (s *Session) Key() Key            { return s.key }
func (s *Session) Kind() TransportKind { return s.kind }

// Active reports whether the session still accepts sends.
func (s *Session) Active() bool { return s.active.Load() }

// Deactivate marks the session closed for further sends. Removal from
// the registry stays with the transport's disconnect path.
func (s *Session) Deactivate() { s.active.Store(false) }

// Send delivers bytes through the transport. A false return means the
// session is inactive or the channel is gone; callers continue.
func (s *Session) Send(p []byte) bool {
	if !s.active.Load() {
		return false
	}
	return s.sender.Send(p)
}

// SendString is Send for text replies.
func (s *Session) SendString(text string) bool {
	return s.Send([]byte(text))
}

// Close asks the transport to tear down the physical connection.
func (s *Session) Close() {
	s.sender.CloseUnderlying()
}
