package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestManager_ReadWrite_RoundTrip(t *testing.T) {
	original := NewConfig("/home/user/.local/share/depot")
	original.Server.AdminToken = "s3cret"
	original.Server.AuthTimeout = Duration{5 * time.Second}
	original.Vault = VaultConfig{
		Type:       "s3",
		Name:       "remote",
		S3Bucket:   "depot-chunks",
		S3Prefix:   "prod",
		S3Region:   "eu-west-1",
		S3Endpoint: "http://localhost:9000",
		PresignTTL: Duration{15 * time.Minute},
	}
	original.Store = StoreConfig{Type: "file", Path: "/data/users.json", Encrypt: true}
	original.Chunking = ChunkingConfig{ChunkSize: 4000000, Integrity: "strict"}

	var buf bytes.Buffer
	m := &Manager{}

	if err := m.Write(&buf, original); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := m.Read(&buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if got.BaseDir != original.BaseDir {
		t.Errorf("BaseDir = %q, want %q", got.BaseDir, original.BaseDir)
	}
	if got.Server.AdminToken != "s3cret" {
		t.Errorf("Server.AdminToken = %q, want %q", got.Server.AdminToken, "s3cret")
	}
	if got.Server.AuthTimeout.Duration != 5*time.Second {
		t.Errorf("Server.AuthTimeout = %v, want 5s", got.Server.AuthTimeout)
	}
	if got.Server.SweepInterval.Duration != time.Hour {
		t.Errorf("Server.SweepInterval = %v, want 1h", got.Server.SweepInterval)
	}
	if got.Vault.Type != "s3" || got.Vault.S3Bucket != "depot-chunks" || got.Vault.S3Endpoint != "http://localhost:9000" {
		t.Errorf("Vault = %+v", got.Vault)
	}
	if got.Vault.PresignTTL.Duration != 15*time.Minute {
		t.Errorf("Vault.PresignTTL = %v, want 15m", got.Vault.PresignTTL)
	}
	if got.Store.Type != "file" || !got.Store.Encrypt {
		t.Errorf("Store = %+v", got.Store)
	}
	if got.Chunking.ChunkSize != 4000000 || got.Chunking.Integrity != "strict" {
		t.Errorf("Chunking = %+v", got.Chunking)
	}
	if got.Client.RequestTimeout.Duration != 15*time.Second {
		t.Errorf("Client.RequestTimeout = %v, want 15s", got.Client.RequestTimeout)
	}
}

func TestRead_Durations(t *testing.T) {
	input := `
[server]
auth_timeout = "2s"
sweep_interval = "30m"
`
	m := &Manager{}
	cfg, err := m.Read(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if cfg.Server.AuthTimeout.Duration != 2*time.Second {
		t.Errorf("AuthTimeout = %v, want 2s", cfg.Server.AuthTimeout)
	}
	if cfg.Server.SweepInterval.Duration != 30*time.Minute {
		t.Errorf("SweepInterval = %v, want 30m", cfg.Server.SweepInterval)
	}

	_, err = m.Read(strings.NewReader("[server]\nauth_timeout = \"soon\"\n"))
	if err == nil {
		t.Fatal("Read() expected error for invalid duration")
	}
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig("/data/depot")

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"LogDir", cfg.LogDir, "/data/depot/log"},
		{"ListenAddr", cfg.Server.ListenAddr, ":5000"},
		{"AuthTimeout", cfg.Server.AuthTimeout.Duration, 10 * time.Second},
		{"SweepInterval", cfg.Server.SweepInterval.Duration, time.Hour},
		{"LicenseDays", cfg.Server.LicenseDays, 30},
		{"RateLimit", cfg.Server.RateLimit, 100},
		{"RequestTimeout", cfg.Client.RequestTimeout.Duration, 15 * time.Second},
		{"ChunkSize", cfg.Chunking.ChunkSize, int64(8 * 1024 * 1024)},
		{"Integrity", cfg.Chunking.Integrity, "warn"},
		{"FSVaultRoot", cfg.Vault.FSVaultRoot, "/data/depot/vault"},
		{"StoreDataDir", cfg.Store.DataDir, "/data/depot/db"},
		{"PublicKeyPath", cfg.Encryption.PublicKeyPath, "/data/depot/keys/depot.pub"},
		{"PrivateKeyPath", cfg.Encryption.PrivateKeyPath, "/data/depot/keys/depot.key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestInit(t *testing.T) {
	t.Run("creates config file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "depot.toml")

		if err := Init(path, NewConfig(dir)); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("config file not created: %v", err)
		}
		if info.Mode().Perm() != 0600 {
			t.Errorf("config file mode = %v, want 0600", info.Mode().Perm())
		}
	})

	t.Run("fails if file already exists", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "depot.toml")
		cfg := NewConfig(dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("first Init() error = %v", err)
		}
		if err := Init(path, cfg); err == nil {
			t.Fatal("second Init() expected error")
		}
	})
}

func TestReadFromFile(t *testing.T) {
	t.Run("reads valid config", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "depot.toml")
		cfg := NewConfig(dir)
		cfg.Client.Username = "alice"

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		got, err := ReadFromFile(path)
		if err != nil {
			t.Fatalf("ReadFromFile() error = %v", err)
		}
		if got.Client.Username != "alice" {
			t.Errorf("Client.Username = %q, want %q", got.Client.Username, "alice")
		}
	})

	t.Run("returns error for missing file", func(t *testing.T) {
		_, err := ReadFromFile("/nonexistent/path/depot.toml")
		if err == nil {
			t.Fatal("ReadFromFile() expected error for missing file")
		}
	})
}
