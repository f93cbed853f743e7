package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for depot. The server and the
// client read the same file; each uses the sections it needs.
type Config struct {
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	LogLevel   string           `toml:"log_level"` // "debug", "info" (default), "warn", "error"
	Server     ServerConfig     `toml:"server"`
	Client     ClientConfig     `toml:"client"`
	Chunking   ChunkingConfig   `toml:"chunking"`
	Vault      VaultConfig      `toml:"vault"`
	Store      StoreConfig      `toml:"store"`
	Encryption EncryptionConfig `toml:"encryption"`
}

// Duration is a time.Duration stored in TOML as a string such as "10s" or "1h".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// ServerConfig holds the session server settings.
type ServerConfig struct {
	ListenAddr    string   `toml:"listen_addr"`
	HTTPAddr      string   `toml:"http_addr"`  // chunk + admin HTTP endpoint; empty disables it
	PublicURL     string   `toml:"public_url"` // base of chunk URLs handed to clients
	AuthTimeout   Duration `toml:"auth_timeout"`
	SweepInterval Duration `toml:"sweep_interval"`
	AdminToken    string   `toml:"admin_token"`
	LicenseDays   int      `toml:"license_days"`
	RateLimit     int      `toml:"rate_limit"`
}

// ClientConfig holds the settings used by connect/download and the admin commands.
type ClientConfig struct {
	ServerAddr     string   `toml:"server_addr"`
	Username       string   `toml:"username"`
	LicenseKey     string   `toml:"license_key"`
	DownloadDir    string   `toml:"download_dir"`
	AuthTimeout    Duration `toml:"auth_timeout"`
	RequestTimeout Duration `toml:"request_timeout"`
	KeepChunks     bool     `toml:"keep_chunks"`
	AdminURL       string   `toml:"admin_url"`
	AdminToken     string   `toml:"admin_token"`
}

// ChunkingConfig controls how files are split and verified.
type ChunkingConfig struct {
	ChunkSize int64  `toml:"chunk_size"`
	Integrity string `toml:"integrity"` // "warn" (default) or "strict"
}

// VaultConfig represents configuration for the chunk blob store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type VaultConfig struct {
	Type string `toml:"type"` // "memory", "s3", or "filesystem"
	Name string `toml:"name"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket          string   `toml:"s3_bucket,omitempty"`
	S3Prefix          string   `toml:"s3_prefix,omitempty"`
	S3Region          string   `toml:"s3_region,omitempty"`
	S3Endpoint        string   `toml:"s3_endpoint,omitempty"` // S3-compatible services (MinIO etc.)
	S3AccessKeyID     string   `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string   `toml:"s3_secret_access_key,omitempty"`
	PresignTTL        Duration `toml:"presign_ttl,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSVaultRoot string `toml:"fs_vault_root,omitempty"`
}

// StoreConfig represents configuration for the persisted user registry.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type StoreConfig struct {
	Type    string `toml:"type"`               // "sqlite", "postgres", "file" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
	DSN     string `toml:"dsn,omitempty"`      // only used for type=postgres
	Path    string `toml:"path,omitempty"`     // only used for type=file
	Encrypt bool   `toml:"encrypt,omitempty"`  // only used for type=file
}

// EncryptionConfig holds paths to the age key pair used to encrypt the user store at rest.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default) or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// NewConfig creates a new Config rooted at baseDir with default values.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir:  baseDir,
		LogDir:   filepath.Join(baseDir, "log"),
		LogLevel: "info",
		Server: ServerConfig{
			ListenAddr:    ":5000",
			HTTPAddr:      ":5080",
			PublicURL:     "http://localhost:5080",
			AuthTimeout:   Duration{10 * time.Second},
			SweepInterval: Duration{time.Hour},
			LicenseDays:   30,
			RateLimit:     100,
		},
		Client: ClientConfig{
			ServerAddr:     "localhost:5000",
			DownloadDir:    filepath.Join(baseDir, "downloads"),
			AuthTimeout:    Duration{10 * time.Second},
			RequestTimeout: Duration{15 * time.Second},
			AdminURL:       "http://localhost:5080",
		},
		Chunking: ChunkingConfig{
			ChunkSize: 8 * 1024 * 1024,
			Integrity: "warn",
		},
		Vault: VaultConfig{
			Type:        "filesystem",
			Name:        "local",
			FSVaultRoot: filepath.Join(baseDir, "vault"),
		},
		Store: StoreConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "db"),
		},
		Encryption: EncryptionConfig{
			PublicKeyPath:  filepath.Join(baseDir, "keys", "depot.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "depot.key"),
		},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// The file may hold an admin token and license key.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
