package encryption

import (
	"fmt"

	"depot-go/internal/config"
	"depot-go/internal/depot"
)

// NewEncryptorFromConfig creates an Encryptor based on the configuration type.
// The age type needs both key paths.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (depot.Encryptor, error) {
	switch cfg.Type {
	case "age", "":
		if cfg.PublicKeyPath == "" || cfg.PrivateKeyPath == "" {
			return nil, fmt.Errorf("age encryption requires public_key_path and private_key_path")
		}
		return NewAgeEncryptor(cfg), nil
	case "test":
		return NewTestEncryptor(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}

// PassphraseFunc supplies the key passphrase, typically by prompting.
type PassphraseFunc func(prompt string) (string, error)

// ForUserStore returns the encryptor and unlocked decryption context an
// encrypted file user store needs. Stores kept in a database or unencrypted
// get nil for both, and passphrase is never asked.
func ForUserStore(store config.StoreConfig, cfg config.EncryptionConfig, passphrase PassphraseFunc) (depot.Encryptor, depot.DecryptionContext, error) {
	if store.Type != "file" || !store.Encrypt {
		return nil, nil, nil
	}

	enc, err := NewEncryptorFromConfig(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("creating encryptor: %w", err)
	}
	if !enc.IsConfigured() {
		return nil, nil, fmt.Errorf("user store encryption is enabled but no keys exist: run `depot keygen`")
	}

	p, err := passphrase("Key passphrase: ")
	if err != nil {
		return nil, nil, fmt.Errorf("reading passphrase: %w", err)
	}
	dec, err := enc.Unlock(p)
	if err != nil {
		return nil, nil, fmt.Errorf("unlocking user store key: %w", err)
	}
	return enc, dec, nil
}
