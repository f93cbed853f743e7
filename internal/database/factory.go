package database

import (
	"fmt"
	"path/filepath"

	"depot-go/internal/config"
	"depot-go/internal/depot"
)

// NewUserStoreFromConfig creates a UserStore implementation based on the store config type.
// enc and dec are only used by an encrypted file store and may be nil otherwise.
func NewUserStoreFromConfig(cfg config.StoreConfig, enc depot.Encryptor, dec depot.DecryptionContext) (depot.UserStore, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite user store")
		}
		s, err := NewSQLiteUserStore(filepath.Join(cfg.DataDir, "users.db"))
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("dsn required for postgres user store")
		}
		s, err := NewPostgresUserStore(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "file":
		if cfg.Path == "" {
			return nil, fmt.Errorf("path required for file user store")
		}
		if cfg.Encrypt {
			if enc == nil {
				return nil, fmt.Errorf("encrypted file user store requires an encryptor")
			}
			return NewEncryptedFileUserStore(cfg.Path, enc, dec), nil
		}
		return NewFileUserStore(cfg.Path), nil
	case "memory":
		return NewMemoryUserStore(), nil
	default:
		return nil, fmt.Errorf("unknown user store type: %s", cfg.Type)
	}
}
