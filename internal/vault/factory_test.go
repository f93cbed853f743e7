package vault

import (
	"path/filepath"
	"testing"

	"depot-go/internal/config"
)

func TestNewVaultFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.VaultConfig
		wantErr bool
	}{
		{
			name: "memory vault",
			cfg:  config.VaultConfig{Type: "memory", Name: "test-memory"},
		},
		{
			name: "filesystem vault",
			cfg: config.VaultConfig{
				Type:        "filesystem",
				Name:        "test-fs",
				FSVaultRoot: filepath.Join(t.TempDir(), "vault"),
			},
		},
		{
			name:    "filesystem vault without root",
			cfg:     config.VaultConfig{Type: "filesystem", Name: "test-fs"},
			wantErr: true,
		},
		{
			name:    "s3 vault without bucket",
			cfg:     config.VaultConfig{Type: "s3", Name: "test-s3", S3Region: "us-east-1"},
			wantErr: true,
		},
		{
			name:    "unknown vault type",
			cfg:     config.VaultConfig{Type: "unknown", Name: "test-unknown"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewVaultFromConfig(tt.cfg, "")

			if (err != nil) != tt.wantErr {
				t.Fatalf("NewVaultFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if got != nil {
					t.Errorf("NewVaultFromConfig() = %v, want nil on error", got)
				}
				return
			}
			if err := got.ValidateSetup(); err != nil {
				t.Errorf("ValidateSetup() error = %v", err)
			}
		})
	}
}

func TestBaseRef(t *testing.T) {
	tests := []struct {
		cfg  config.VaultConfig
		want string
	}{
		{config.VaultConfig{Type: "s3", S3Bucket: "b"}, "s3://b"},
		{config.VaultConfig{Type: "s3", S3Bucket: "b", S3Prefix: "p"}, "s3://b/p"},
		{config.VaultConfig{Type: "filesystem", FSVaultRoot: "/srv/vault"}, "file:///srv/vault"},
		{config.VaultConfig{Type: "memory", Name: "m"}, "memory://m"},
	}

	for _, tt := range tests {
		if got := BaseRef(tt.cfg); got != tt.want {
			t.Errorf("BaseRef(%+v) = %q, want %q", tt.cfg, got, tt.want)
		}
	}
}
