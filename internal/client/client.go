// Package client drives the depot protocol from the consuming side: it logs
// in, correlates COMMAND requests with their responses and downloads chunked
// files described by DOWNLOAD_INFO replies.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"depot-go/internal/depot"
	"depot-go/internal/protocol"
)

// DefaultAuthTimeout bounds the wait for the server's reply to AUTH.
const DefaultAuthTimeout = 10 * time.Second

// StatusKind classifies a StatusEvent.
type StatusKind string

const (
	StatusConnected    StatusKind = "connected"
	StatusDisconnected StatusKind = "disconnected"
	StatusError        StatusKind = "error"
)

// StatusEvent reports a change in the connection. Reason carries the server's
// DISCONNECT text when there is one.
type StatusEvent struct {
	Kind   StatusKind
	Reason string
	Err    error
}

// Options configures a Client.
type Options struct {
	AuthTimeout time.Duration
}

// waiter receives the response to one request. The channel is buffered so the
// receive loop never blocks on a caller that gave up.
type waiter struct {
	ch chan protocol.Message
}

// Client is one logged-in connection to a depot server. Responses are matched
// to requests in FIFO order, which the server guarantees by answering the
// commands of a session one at a time.
type Client struct {
	opts   Options
	logger depot.Logger
	clock  depot.Clock

	sendMu sync.Mutex // orders waiter registration with the COMMAND write

	mu         sync.Mutex
	conn       *protocol.Conn
	username   string
	pending    []*waiter
	done       chan struct{}
	lastReason string

	handlersMu sync.RWMutex
	onMessage  []func(protocol.Message)
	onStatus   []func(StatusEvent)
}

func New(opts Options, logger depot.Logger, clock depot.Clock) *Client {
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = DefaultAuthTimeout
	}
	return &Client{opts: opts, logger: logger, clock: clock}
}

// OnMessage registers fn to be called with every message the server sends
// after login. Callbacks run on the receive goroutine in arrival order.
func (c *Client) OnMessage(fn func(protocol.Message)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onMessage = append(c.onMessage, fn)
}

// OnStatus registers fn to be called on connection changes.
func (c *Client) OnStatus(fn func(StatusEvent)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onStatus = append(c.onStatus, fn)
}

// Connect dials addr and logs in. It fails with depot.ErrAuth carrying the
// server's reason when the login is refused.
func (c *Client) Connect(ctx context.Context, addr, username, licenseKey string) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: already connected", depot.ErrTransport)
	}
	c.mu.Unlock()

	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: dialing %s: %w", depot.ErrTransport, addr, err)
	}
	conn := protocol.NewConn(nc)

	if err := c.login(ctx, conn, username, licenseKey); err != nil {
		conn.Close()
		return err
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.username = username
	c.done = done
	c.lastReason = ""
	c.mu.Unlock()

	c.logger.Info("connected", "addr", addr, "username", username)
	c.emitStatus(StatusEvent{Kind: StatusConnected})
	go c.receive(conn, done)
	return nil
}

func (c *Client) login(ctx context.Context, conn *protocol.Conn, username, licenseKey string) error {
	auth, err := protocol.NewPayload(protocol.TypeAuth, protocol.AuthRequest{Username: username, LicenseKey: licenseKey}, username, c.clock.Now())
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(auth); err != nil {
		return err
	}

	deadline := time.Now().Add(c.opts.AuthTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	// Unblock the read if ctx is cancelled before the deadline.
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		m, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: server closed the connection during login", depot.ErrTransport)
			}
			return fmt.Errorf("waiting for AUTH reply: %w", err)
		}

		switch m.Type {
		case protocol.TypeAuth:
			return nil
		case protocol.TypeDisconnect:
			return fmt.Errorf("%w: %s", depot.ErrAuth, m.Content)
		case protocol.TypeNotification:
			// A broadcast can overtake the AUTH reply.
			continue
		default:
			return fmt.Errorf("%w: unexpected %s reply to AUTH", depot.ErrProtocol, m.Type)
		}
	}
}

// Connected reports whether a login is live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Done is closed when the current connection ends. It returns nil before Connect.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// LastReason returns the reason given by the server's last DISCONNECT.
func (c *Client) LastReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReason
}

// SendCommand sends a COMMAND without waiting for its response.
func (c *Client) SendCommand(text string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.writeCommand(text)
}

func (c *Client) writeCommand(text string) error {
	c.mu.Lock()
	conn, username := c.conn, c.username
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: not connected", depot.ErrTransport)
	}
	return conn.WriteMessage(protocol.New(protocol.TypeCommand, text, username, c.clock.Now()))
}

// Request sends a COMMAND and waits for its response. An expired ctx deadline
// yields depot.ErrTimeout; an ERROR reply is returned as a message, not an error.
func (c *Client) Request(ctx context.Context, text string) (protocol.Message, error) {
	w := &waiter{ch: make(chan protocol.Message, 1)}

	c.sendMu.Lock()
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		c.sendMu.Unlock()
		return protocol.Message{}, fmt.Errorf("%w: not connected", depot.ErrTransport)
	}
	c.pending = append(c.pending, w)
	c.mu.Unlock()
	err := c.writeCommand(text)
	c.sendMu.Unlock()
	if err != nil {
		return protocol.Message{}, err
	}

	select {
	case m, ok := <-w.ch:
		if !ok {
			reason := c.LastReason()
			if reason == "" {
				reason = "connection closed"
			}
			return protocol.Message{}, fmt.Errorf("%w: %s", depot.ErrTransport, reason)
		}
		return m, nil
	case <-ctx.Done():
		// The waiter stays queued so the late response is consumed in order.
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return protocol.Message{}, fmt.Errorf("%w: no response to %q", depot.ErrTimeout, text)
		}
		return protocol.Message{}, ctx.Err()
	}
}

// Disconnect tells the server goodbye and closes the connection. It waits for
// the receive goroutine to finish and is a no-op when not connected.
func (c *Client) Disconnect(reason string) error {
	c.mu.Lock()
	conn, done, username := c.conn, c.done, c.username
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	m := protocol.New(protocol.TypeDisconnect, reason, username, c.clock.Now())
	if err := conn.WriteMessageTimeout(m, 2*time.Second); err != nil {
		c.logger.Debug("disconnect notice not delivered", "error", err)
	}
	conn.Close()
	<-done
	return nil
}

func (c *Client) receive(conn *protocol.Conn, done chan struct{}) {
	event := StatusEvent{Kind: StatusDisconnected}

	for {
		m, err := conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, depot.ErrTransport) {
				event = StatusEvent{Kind: StatusError, Err: err}
				c.logger.Warn("receive failed", "error", err)
			}
			break
		}

		if m.Type.IsResponse() {
			c.deliver(m)
		}
		c.emitMessage(m)

		if m.Type == protocol.TypeDisconnect {
			event.Reason = m.Content
			c.mu.Lock()
			c.lastReason = m.Content
			c.mu.Unlock()
			c.logger.Info("server disconnected", "reason", m.Content)
			break
		}
	}

	conn.Close()

	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.conn = nil
	c.mu.Unlock()
	for _, w := range pending {
		close(w.ch)
	}

	c.emitStatus(event)
	close(done)
}

func (c *Client) deliver(m protocol.Message) {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		c.logger.Warn("response without a pending request", "type", string(m.Type))
		return
	}
	w := c.pending[0]
	c.pending = c.pending[1:]
	c.mu.Unlock()

	w.ch <- m
}

func (c *Client) emitMessage(m protocol.Message) {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()
	for _, fn := range c.onMessage {
		fn(m)
	}
}

func (c *Client) emitStatus(e StatusEvent) {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()
	for _, fn := range c.onStatus {
		fn(e)
	}
}
