package depot

// UserStore is the durable collection of license records. The registry is
// small, so it is loaded wholesale at startup and rewritten wholesale after
// every mutation; implementations must make SaveUsers atomic.
type UserStore interface {
	// LoadUsers returns every stored record. Implementations do not alter
	// IsOnline; the caller forces records offline because no session survives a restart.
	LoadUsers() ([]*User, error)

	// SaveUsers replaces the stored collection with users.
	SaveUsers(users []*User) error

	// Close releases the underlying connection or file handles.
	Close() error
}
