package vault

import (
	"context"
	"fmt"

	"depot-go/internal/config"
	"depot-go/internal/depot"
)

// NewVaultFromConfig creates a Vault implementation based on the vault config type.
// publicURL is the base URL of the depot HTTP endpoint used to build chunk URLs;
// it may be empty.
func NewVaultFromConfig(cfg config.VaultConfig, publicURL string) (depot.Vault, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryVault(cfg.Name, publicURL), nil
	case "s3":
		v, err := NewS3Vault(context.Background(), cfg.Name, S3Options{
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			PresignTTL:      cfg.PresignTTL.Duration,
		})
		if err != nil {
			return nil, err
		}
		return v, nil
	case "filesystem":
		if cfg.FSVaultRoot == "" {
			return nil, fmt.Errorf("filesystem vault requires fs_vault_root to be set")
		}
		v, err := NewFileSystemVault(cfg.Name, cfg.FSVaultRoot, publicURL)
		if err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown vault type: %s", cfg.Type)
	}
}

// BaseRef describes where a vault keeps its blobs, recorded in manifests.
func BaseRef(cfg config.VaultConfig) string {
	switch cfg.Type {
	case "s3":
		if cfg.S3Prefix == "" {
			return "s3://" + cfg.S3Bucket
		}
		return "s3://" + cfg.S3Bucket + "/" + cfg.S3Prefix
	case "filesystem":
		return "file://" + cfg.FSVaultRoot
	default:
		return cfg.Type + "://" + cfg.Name
	}
}
