package testutil

import (
	"testing"

	"depot-go/internal/database"
)

// NewTestUserStore creates an in-memory SQLite user store with the schema applied.
// The store is closed when the test completes.
func NewTestUserStore(t *testing.T) *database.SQLUserStore {
	t.Helper()

	s, err := database.NewSQLiteUserStore(":memory:")
	if err != nil {
		t.Fatalf("failed to open user store: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})
	return s
}
