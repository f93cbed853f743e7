package encryption_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"depot-go/internal/database"
	"depot-go/internal/depot"
	"depot-go/internal/encryption"
)

func sealedRegistry(t *testing.T, e *encryption.TestEncryptor) (path string, users []*depot.User) {
	t.Helper()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	users = []*depot.User{
		depot.NewUser("alice", "LICS-000000000000001", "10.0.0.1", now, 30),
		depot.NewUser("bob", "LICS-000000000000002", "10.0.0.2", now, 7),
	}
	path = filepath.Join(t.TempDir(), "users.sealed")
	if err := database.NewEncryptedFileUserStore(path, e, nil).SaveUsers(users); err != nil {
		t.Fatalf("SaveUsers() error = %v", err)
	}
	return path, users
}

func TestTestEncryptor_SealsUserRegistry(t *testing.T) {
	e := encryption.NewTestEncryptor()
	path, users := sealedRegistry(t, e)

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(raw, []byte("DEPOT-TEST\n")) {
		t.Errorf("sealed file starts with %q", raw[:min(len(raw), 12)])
	}
	for _, u := range users {
		if bytes.Contains(raw, []byte(u.LicenseKey)) || bytes.Contains(raw, []byte(u.Username)) {
			t.Errorf("sealed file exposes %s / %s", u.Username, u.LicenseKey)
		}
	}

	dec, err := e.Unlock("")
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	got, err := database.NewEncryptedFileUserStore(path, e, dec).LoadUsers()
	if err != nil {
		t.Fatalf("LoadUsers() error = %v", err)
	}
	if len(got) != 2 || got[0].LicenseKey != users[0].LicenseKey || got[1].Username != "bob" {
		t.Errorf("LoadUsers() = %+v", got)
	}
}

func TestTestEncryptor_Passphrase(t *testing.T) {
	tests := []struct {
		name    string
		setup   string
		unlock  string
		wantErr error
	}{
		{name: "no key yet accepts anything", unlock: "whatever"},
		{name: "matching passphrase", setup: "s3cret", unlock: "s3cret"},
		{name: "wrong passphrase", setup: "s3cret", unlock: "guess", wantErr: encryption.ErrWrongPassphrase},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := encryption.NewTestEncryptor()
			if tt.setup != "" {
				if err := e.Setup(tt.setup); err != nil {
					t.Fatalf("Setup() error = %v", err)
				}
			}
			_, err := e.Unlock(tt.unlock)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Unlock() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if err := encryption.NewTestEncryptor().Setup(""); err == nil {
		t.Error("Setup(\"\") succeeded, want error")
	}
}

func TestTestDecryptionContext_RejectsForeignFiles(t *testing.T) {
	e := encryption.NewTestEncryptor()
	path, _ := sealedRegistry(t, e)
	dec, _ := e.Unlock("")

	tests := map[string]func([]byte) []byte{
		"plain json":       func([]byte) []byte { return []byte(`{"users":[]}`) },
		"truncated header": func(raw []byte) []byte { return raw[:4] },
		"empty":            func([]byte) []byte { return nil },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			raw, err := os.ReadFile(path)
			if err != nil {
				t.Fatal(err)
			}
			bad := filepath.Join(t.TempDir(), "users.sealed")
			if err := os.WriteFile(bad, mutate(raw), 0o600); err != nil {
				t.Fatal(err)
			}
			if _, err := database.NewEncryptedFileUserStore(bad, e, dec).LoadUsers(); err == nil {
				t.Error("LoadUsers() accepted a file the encryptor did not seal")
			}
		})
	}
}
