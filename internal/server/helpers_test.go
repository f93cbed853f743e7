package server

import (
	"net"
	"testing"
	"time"

	"depot-go/internal/database"
	"depot-go/internal/depot"
	"depot-go/internal/protocol"
	"depot-go/internal/testutil"
)

const waitTimeout = 2 * time.Second

// peer is the client end of a piped session; everything the server writes
// lands on msgs, which is closed when the pipe closes.
type peer struct {
	conn *protocol.Conn
	msgs chan protocol.Message
}

func newTestAuthority(t *testing.T, store depot.UserStore, clock depot.Clock) *Authority {
	t.Helper()
	if store == nil {
		store = database.NewMemoryUserStore()
	}
	if clock == nil {
		clock = testutil.FixedClock()
	}
	a, err := NewAuthority(store, AuthorityOptions{}, depot.NewNopLogger(), clock)
	if err != nil {
		t.Fatalf("NewAuthority() error = %v", err)
	}
	return a
}

// attachPeer registers a pending session on a and returns it with its peer.
func attachPeer(t *testing.T, a *Authority, id string) (*Session, *peer) {
	t.Helper()
	serverEnd, clientEnd := net.Pipe()

	sess := newSession(id, protocol.NewConn(serverEnd), a.clock)
	a.attach(sess)

	p := &peer{conn: protocol.NewConn(clientEnd), msgs: make(chan protocol.Message, 16)}
	go func() {
		defer close(p.msgs)
		for {
			m, err := p.conn.ReadMessage()
			if err != nil {
				return
			}
			p.msgs <- m
		}
	}()

	t.Cleanup(func() {
		p.conn.Close()
		sess.close()
	})
	return sess, p
}

// loginPeer attaches and authenticates a session for username/key.
func loginPeer(t *testing.T, a *Authority, id, username, key string) (*Session, *peer) {
	t.Helper()
	sess, p := attachPeer(t, a, id)
	if ok, reason := a.Authenticate(sess.ID(), username, key, "10.0.0.1"); !ok {
		t.Fatalf("Authenticate(%s) rejected: %s", username, reason)
	}
	return sess, p
}

func (p *peer) expect(t *testing.T, want protocol.Type) protocol.Message {
	t.Helper()
	select {
	case m, ok := <-p.msgs:
		if !ok {
			t.Fatalf("connection closed while waiting for %s", want)
		}
		if m.Type != want {
			t.Fatalf("got %s %q, want %s", m.Type, m.Content, want)
		}
		return m
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", want)
	}
	return protocol.Message{}
}

func (p *peer) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case m, ok := <-p.msgs:
		if ok {
			t.Fatalf("unexpected %s %q", m.Type, m.Content)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
