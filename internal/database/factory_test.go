package database

import (
	"path/filepath"
	"testing"

	"depot-go/internal/config"
	"depot-go/internal/encryption"
)

func TestNewUserStoreFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.StoreConfig
		withEnc bool
		wantErr bool
	}{
		{name: "sqlite", cfg: config.StoreConfig{Type: "sqlite", DataDir: t.TempDir()}},
		{name: "sqlite without data dir", cfg: config.StoreConfig{Type: "sqlite"}, wantErr: true},
		{name: "postgres without dsn", cfg: config.StoreConfig{Type: "postgres"}, wantErr: true},
		{name: "file", cfg: config.StoreConfig{Type: "file", Path: filepath.Join(t.TempDir(), "users.json")}},
		{name: "file without path", cfg: config.StoreConfig{Type: "file"}, wantErr: true},
		{name: "encrypted file", cfg: config.StoreConfig{Type: "file", Path: filepath.Join(t.TempDir(), "u.age"), Encrypt: true}, withEnc: true},
		{name: "encrypted file without encryptor", cfg: config.StoreConfig{Type: "file", Path: "u.age", Encrypt: true}, wantErr: true},
		{name: "memory", cfg: config.StoreConfig{Type: "memory"}},
		{name: "unknown", cfg: config.StoreConfig{Type: "redis"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var enc *encryption.TestEncryptor
			if tt.withEnc {
				enc = encryption.NewTestEncryptor()
			}

			var got interface{ Close() error }
			var err error
			if enc != nil {
				dec, _ := enc.Unlock("")
				got, err = NewUserStoreFromConfig(tt.cfg, enc, dec)
			} else {
				got, err = NewUserStoreFromConfig(tt.cfg, nil, nil)
			}

			if (err != nil) != tt.wantErr {
				t.Fatalf("NewUserStoreFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				got.Close()
			}
		})
	}
}
