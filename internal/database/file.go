package database

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"depot-go/internal/depot"
)

// FileUserStore keeps the registry as a single JSON document, optionally
// age-encrypted. Every save rewrites the whole file through a temp file and rename.
type FileUserStore struct {
	path string
	enc  depot.Encryptor
	dec  depot.DecryptionContext
	mu   sync.Mutex
}

// NewFileUserStore creates a plaintext JSON store at path.
func NewFileUserStore(path string) *FileUserStore {
	return &FileUserStore{path: path}
}

// NewEncryptedFileUserStore creates a store whose file is encrypted with enc.
// dec may be nil when the caller only writes; LoadUsers then fails on an existing file.
func NewEncryptedFileUserStore(path string, enc depot.Encryptor, dec depot.DecryptionContext) *FileUserStore {
	return &FileUserStore{path: path, enc: enc, dec: dec}
}

type userDocument struct {
	Users []*depot.User `json:"users"`
}

// LoadUsers reads the document. A missing file is an empty registry.
func (s *FileUserStore) LoadUsers() ([]*depot.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading user store: %w", err)
	}

	if s.enc != nil {
		if s.dec == nil {
			return nil, fmt.Errorf("user store %s is encrypted and no key was unlocked", s.path)
		}
		var plain bytes.Buffer
		if err := s.dec.Decrypt(bytes.NewReader(data), &plain); err != nil {
			return nil, fmt.Errorf("decrypting user store: %w", err)
		}
		data = plain.Bytes()
	}

	var doc userDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding user store: %w", err)
	}
	return doc.Users, nil
}

// SaveUsers rewrites the document atomically.
func (s *FileUserStore) SaveUsers(users []*depot.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(userDocument{Users: users}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding user store: %w", err)
	}

	if s.enc != nil {
		var sealed bytes.Buffer
		if err := s.enc.Encrypt(bytes.NewReader(data), &sealed); err != nil {
			return fmt.Errorf("encrypting user store: %w", err)
		}
		data = sealed.Bytes()
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating user store directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".users-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing user store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing user store: %w", err)
	}
	return nil
}

func (s *FileUserStore) Close() error { return nil }

var _ depot.UserStore = (*FileUserStore)(nil)
