package depot

import "errors"

// Error taxonomy shared by every layer. Errors are wrapped with context using
// fmt.Errorf("...: %w", err), so callers classify them with errors.Is.
var (
	// ErrProtocol marks a malformed frame, bad JSON, or a message type that is
	// not allowed in the current session state. The connection is closed.
	ErrProtocol = errors.New("protocol error")

	// ErrAuth marks a rejected AUTH: bad license format or expired license.
	ErrAuth = errors.New("authentication failed")

	// ErrTransport marks socket I/O failures and use of a closed connection.
	ErrTransport = errors.New("transport error")

	// ErrIntegrity marks a chunk hash or total size mismatch.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrNotFound marks a missing chunk, manifest entry, or catalog item.
	ErrNotFound = errors.New("not found")

	// ErrTimeout marks a bounded wait that expired without an answer.
	ErrTimeout = errors.New("timed out")
)
