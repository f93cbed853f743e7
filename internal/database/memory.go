package database

import (
	"sort"
	"sync"

	"depot-go/internal/depot"
)

// MemoryUserStore keeps the registry in memory. Useful for tests and throwaway servers.
type MemoryUserStore struct {
	mu    sync.Mutex
	users []*depot.User
	saves int
}

func NewMemoryUserStore(initial ...*depot.User) *MemoryUserStore {
	s := &MemoryUserStore{}
	s.users = cloneUsers(initial)
	return s
}

func (s *MemoryUserStore) LoadUsers() ([]*depot.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneUsers(s.users), nil
}

func (s *MemoryUserStore) SaveUsers(users []*depot.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = cloneUsers(users)
	s.saves++
	return nil
}

// Saves returns how many times SaveUsers has been called.
func (s *MemoryUserStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *MemoryUserStore) Close() error { return nil }

func cloneUsers(users []*depot.User) []*depot.User {
	out := make([]*depot.User, 0, len(users))
	for _, u := range users {
		out = append(out, u.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LicenseKey < out[j].LicenseKey })
	return out
}

var _ depot.UserStore = (*MemoryUserStore)(nil)
