package server

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

// DefaultAuthTimeout bounds the wait for the first message of a connection.
const DefaultAuthTimeout = 10 * time.Second

// Options configures the TCP listener.
type Options struct {
	ListenAddr    string
	AuthTimeout   time.Duration
	SweepInterval time.Duration
}

// Server accepts TCP connections, runs the per-connection state machine and
// hands authenticated COMMAND messages to the command layer.
type Server struct {
	opts      Options
	authority *Authority
	handler   CommandHandler
	logger    depot.Logger
	clock     depot.Clock
	idgen     depot.IDGenerator

	mu       sync.Mutex
	listener net.Listener
	conns    sync.WaitGroup
}

// New creates a Server. handler may be nil, in which case every COMMAND is
// answered with ERROR.
func New(opts Options, authority *Authority, handler CommandHandler, logger depot.Logger, clock depot.Clock, idgen depot.IDGenerator) *Server {
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = DefaultAuthTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Hour
	}
	if handler == nil {
		handler = unsupportedHandler{}
	}
	return &Server{
		opts:      opts,
		authority: authority,
		handler:   handler,
		logger:    logger,
		clock:     clock,
		idgen:     idgen,
	}
}

// Authority returns the session authority behind the server.
func (s *Server) Authority() *Authority { return s.authority }

// Listen binds the configured address. It is separate from Serve so callers
// can learn the bound address (":0" in tests) before serving.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.opts.ListenAddr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe binds and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve runs the accept loop and the license sweeper until ctx is done, then
// disconnects every session and waits for connection goroutines to finish.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("server is not listening")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var background sync.WaitGroup
	background.Add(2)
	go func() {
		defer background.Done()
		s.authority.RunSweeper(ctx, s.opts.SweepInterval)
	}()
	go func() {
		defer background.Done()
		<-ctx.Done()
		ln.Close()
	}()

	var acceptErr error
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				acceptErr = fmt.Errorf("accepting connection: %w", err)
				s.logger.Error("accept failed", "error", err)
			}
			break
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConn(ctx, conn)
		}()
	}

	cancel()
	background.Wait()

	n := s.authority.DisconnectAll(ReasonServerShutdown)
	s.conns.Wait()
	s.logger.Info("server stopped", "disconnected", n)
	return acceptErr
}

func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	sess := newSession(s.idgen.New(), protocol.NewConn(nc), s.clock)
	s.authority.attach(sess)

	if !s.authenticate(sess) {
		return
	}
	s.readLoop(ctx, sess)
}

// authenticate runs the AuthPending state: exactly one message, which must be
// an AUTH, within the auth timeout.
func (s *Server) authenticate(sess *Session) bool {
	_ = sess.conn.SetReadDeadline(time.Now().Add(s.opts.AuthTimeout))
	m, err := sess.conn.ReadMessage()
	_ = sess.conn.SetReadDeadline(time.Time{})

	if err != nil {
		reason := ReasonConnectionLost
		switch {
		case errors.Is(err, depot.ErrTimeout):
			reason = ReasonAuthTimeout
		case errors.Is(err, depot.ErrProtocol):
			reason = ReasonProtocolFailure
		case errors.Is(err, io.EOF):
			reason = ReasonPeerDisconnect
		}
		s.logger.Debug("no AUTH received", "session", sess.ID(), "error", err)
		s.authority.terminate(sess, reason, EventRejected)
		return false
	}

	if m.Type != protocol.TypeAuth {
		s.authority.terminate(sess, ReasonExpectedAuth, EventRejected)
		return false
	}

	req, err := protocol.DecodeAs[protocol.AuthRequest](m)
	if err != nil {
		s.logger.Debug("bad AUTH payload", "session", sess.ID(), "error", err)
		s.authority.terminate(sess, ReasonMalformedAuth, EventRejected)
		return false
	}

	ok, reason := s.authority.Authenticate(sess.ID(), req.Username, req.LicenseKey, sess.RemoteAddr())
	if !ok {
		s.authority.terminate(sess, reason, EventRejected)
		return false
	}

	if err := sess.Send(protocol.TypeAuth, reason); err != nil {
		s.logger.Warn("AUTH reply not delivered", "session", sess.ID(), "error", err)
		s.authority.release(sess, ReasonConnectionLost, EventDisconnected)
		return false
	}
	return true
}

// readLoop runs the Authenticated state until the peer leaves, the session is
// closed from elsewhere, or a frame cannot be decoded.
func (s *Server) readLoop(ctx context.Context, sess *Session) {
	for {
		m, err := sess.conn.ReadMessage()
		if err != nil {
			switch {
			case sess.State() == StateClosed:
				// Closed by eviction, sweep, kick or shutdown; the closer owns the teardown.
			case errors.Is(err, io.EOF):
				s.authority.release(sess, ReasonPeerDisconnect, EventDisconnected)
			case errors.Is(err, depot.ErrProtocol):
				s.logger.Warn("protocol error", "session", sess.ID(), "error", err)
				s.authority.terminate(sess, ReasonProtocolFailure, EventDisconnected)
			default:
				s.logger.Debug("connection lost", "session", sess.ID(), "error", err)
				s.authority.release(sess, ReasonConnectionLost, EventDisconnected)
			}
			return
		}

		switch m.Type {
		case protocol.TypeCommand:
			reply := s.handler.Handle(ctx, sess.Info(), m.Content)
			if err := sess.SendMessage(reply); err != nil {
				s.logger.Debug("reply not delivered", "session", sess.ID(), "error", err)
				s.authority.release(sess, ReasonConnectionLost, EventDisconnected)
				return
			}
		case protocol.TypeDisconnect:
			reason := m.Content
			if reason == "" {
				reason = ReasonPeerDisconnect
			}
			s.authority.release(sess, reason, EventDisconnected)
			return
		default:
			s.logger.Warn("unexpected message", "session", sess.ID(), "type", string(m.Type))
			s.authority.terminate(sess, fmt.Sprintf("unexpected %s message", m.Type), EventDisconnected)
			return
		}
	}
}
