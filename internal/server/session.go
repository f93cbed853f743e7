// Package server implements the license-gated session server: the per-connection
// state machine, the session authority that owns users and live sessions, and
// the command layer answering COMMAND messages.
package server

import (
	"sync"
	"sync/atomic"
	"time"

	"depot-go/internal/depot"
	"depot-go/internal/protocol"
)

// State is a Session's position in its lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateAuthPending
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthPending:
		return "auth_pending"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// disconnectWriteTimeout bounds the best-effort DISCONNECT written during teardown.
const disconnectWriteTimeout = 2 * time.Second

// Session is one accepted connection. Writes are serialized by the underlying
// protocol.Conn; closing is idempotent.
type Session struct {
	id         string
	conn       *protocol.Conn
	remoteAddr string
	clock      depot.Clock
	state      atomic.Int32

	mu         sync.Mutex
	username   string
	licenseKey string

	closeOnce sync.Once
}

func newSession(id string, conn *protocol.Conn, clock depot.Clock) *Session {
	s := &Session{
		id:    id,
		conn:  conn,
		clock: clock,
	}
	if addr := conn.RemoteAddr(); addr != nil {
		s.remoteAddr = addr.String()
	}
	s.state.Store(int32(StateConnecting))
	return s
}

func (s *Session) ID() string         { return s.id }
func (s *Session) RemoteAddr() string { return s.remoteAddr }
func (s *Session) State() State       { return State(s.state.Load()) }

func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

func (s *Session) LicenseKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.licenseKey
}

// Info returns the identity the command layer sees.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:         s.id,
		Username:   s.username,
		LicenseKey: s.licenseKey,
		RemoteAddr: s.remoteAddr,
	}
}

// transition moves from one state to another; it fails if the session has
// already left from.
func (s *Session) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

func (s *Session) bind(username, licenseKey string) bool {
	s.mu.Lock()
	s.username = username
	s.licenseKey = licenseKey
	s.mu.Unlock()
	return s.transition(StateAuthPending, StateAuthenticated)
}

// Send writes one server message to the peer.
func (s *Session) Send(t protocol.Type, content string) error {
	return s.conn.WriteMessage(protocol.New(t, content, protocol.ServerSender, s.clock.Now()))
}

// SendMessage writes a prepared message to the peer.
func (s *Session) SendMessage(m protocol.Message) error {
	return s.conn.WriteMessage(m)
}

// sendDisconnect writes a DISCONNECT without letting a stalled peer block teardown.
func (s *Session) sendDisconnect(reason string) error {
	m := protocol.New(protocol.TypeDisconnect, reason, protocol.ServerSender, s.clock.Now())
	return s.conn.WriteMessageTimeout(m, disconnectWriteTimeout)
}

// close releases the socket and marks the session Closed. Safe to call from
// any number of racing teardown paths.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.conn.Close()
	})
}

// SessionInfo is a read-only view of an authenticated session.
type SessionInfo struct {
	ID         string
	Username   string
	LicenseKey string
	RemoteAddr string
}
