package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"depot-go/internal/depot"
)

// MaxLineSize bounds a single frame. DOWNLOAD_INFO for very large files is the
// biggest message; 4 MiB leaves room for tens of thousands of chunk references.
const MaxLineSize = 4 * 1024 * 1024

// Conn frames Messages over a net.Conn. A Conn has a single reader (the
// goroutine that owns the session) and any number of writers; writes are
// serialized so a peer never observes interleaved lines.
type Conn struct {
	conn    net.Conn
	scanner *bufio.Scanner

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps an established connection.
func NewConn(c net.Conn) *Conn {
	scanner := bufio.NewScanner(c)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	return &Conn{conn: c, scanner: scanner}
}

// ReadMessage blocks until the next non-blank line arrives and decodes it.
// It returns io.EOF when the peer closed the stream cleanly, an error wrapping
// depot.ErrTimeout when the read deadline passed, depot.ErrProtocol for a
// malformed frame, and depot.ErrTransport for any other I/O failure.
func (c *Conn) ReadMessage() (Message, error) {
	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		if len(trimFrame(line)) == 0 {
			continue
		}
		return Decode(line)
	}

	err := c.scanner.Err()
	switch {
	case err == nil:
		return Message{}, io.EOF
	case errors.Is(err, bufio.ErrTooLong):
		return Message{}, fmt.Errorf("%w: frame exceeds %d bytes", depot.ErrProtocol, MaxLineSize)
	case errors.Is(err, os.ErrDeadlineExceeded):
		return Message{}, fmt.Errorf("reading message: %w: %w", depot.ErrTimeout, err)
	default:
		return Message{}, fmt.Errorf("reading message: %w: %w", depot.ErrTransport, err)
	}
}

// WriteMessage encodes m and writes it as one line.
func (c *Conn) WriteMessage(m Message) error {
	return c.write(m, 0)
}

// WriteMessageTimeout is WriteMessage with a write deadline, used for best-effort
// DISCONNECT notices to peers that may have stopped reading.
func (c *Conn) WriteMessageTimeout(m Message, timeout time.Duration) error {
	return c.write(m, timeout)
}

func (c *Conn) write(m Message, timeout time.Duration) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}

	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("writing %s message: %w: %w", m.Type, depot.ErrTransport, err)
	}
	return nil
}

// SetReadDeadline bounds the next ReadMessage. A zero value clears the deadline.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the underlying connection. It is safe to call more than once;
// later calls return the result of the first.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func trimFrame(line []byte) []byte {
	return bytes.TrimLeft(bytes.TrimSpace(line), "?")
}
