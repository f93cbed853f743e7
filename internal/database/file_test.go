package database

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"depot-go/internal/depot"
	"depot-go/internal/encryption"
)

func TestFileUserStore_MissingFileIsEmpty(t *testing.T) {
	s := NewFileUserStore(filepath.Join(t.TempDir(), "users.json"))

	got, err := s.LoadUsers()
	if err != nil {
		t.Fatalf("LoadUsers() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("LoadUsers() = %d users, want 0", len(got))
	}
}

func TestFileUserStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "users.json")
	s := NewFileUserStore(path)
	now := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	users := []*depot.User{
		testUser("LICS-AAAA-BBBB-CCCCD", "alice", now),
		testUser("LICS-ZZZZ-YYYY-XXXXW", "bob", now),
	}
	if err := s.SaveUsers(users); err != nil {
		t.Fatalf("SaveUsers() error = %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.Contains(raw, []byte(`"licenseKey": "LICS-AAAA-BBBB-CCCCD"`)) {
		t.Errorf("stored document does not use the licenseKey field:\n%s", raw)
	}

	got, err := s.LoadUsers()
	if err != nil {
		t.Fatalf("LoadUsers() error = %v", err)
	}
	if len(got) != 2 || got[1].Username != "bob" {
		t.Fatalf("LoadUsers() = %+v", got)
	}
	if !got[0].LicenseExpiration.Equal(now.AddDate(0, 0, 30)) {
		t.Errorf("LicenseExpiration = %v", got[0].LicenseExpiration)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("store directory has %d entries, want only users.json", len(entries))
	}
}

func TestFileUserStore_Encrypted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json.age")
	enc := encryption.NewTestEncryptor()
	dec, err := enc.Unlock("")
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	now := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	s := NewEncryptedFileUserStore(path, enc, dec)
	if err := s.SaveUsers([]*depot.User{testUser("LICS-AAAA-BBBB-CCCCD", "alice", now)}); err != nil {
		t.Fatalf("SaveUsers() error = %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.HasPrefix(raw, []byte("DEPOT-TEST\n")) {
		t.Error("stored file was not passed through the encryptor")
	}

	got, err := s.LoadUsers()
	if err != nil {
		t.Fatalf("LoadUsers() error = %v", err)
	}
	if len(got) != 1 || got[0].Username != "alice" {
		t.Errorf("LoadUsers() = %+v", got)
	}

	locked := NewEncryptedFileUserStore(path, enc, nil)
	if _, err := locked.LoadUsers(); err == nil {
		t.Error("LoadUsers() without unlocked key expected error")
	}
}

func TestFileUserStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if _, err := NewFileUserStore(path).LoadUsers(); err == nil {
		t.Error("LoadUsers() expected decode error")
	}
}
