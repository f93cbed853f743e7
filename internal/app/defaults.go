package app

import (
	"fmt"
	"os"
	"path/filepath"

	"depot-go/internal/config"
)

// Environment variables read by depot. The secrets can stay out of the
// config file: when set they override it.
const (
	EnvConfigPath = "DEPOT_CONFIG_PATH" // config file (default ~/.config/depot.toml)
	EnvHome       = "DEPOT_HOME"        // data directory (default ~/.local/share/depot)
	EnvServerAddr = "DEPOT_SERVER"      // client.server_addr
	EnvLicenseKey = "DEPOT_LICENSE_KEY" // client.license_key
	EnvAdminToken = "DEPOT_ADMIN_TOKEN" // server.admin_token and client.admin_token
)

// Defaults are the locations used when no config says otherwise.
type Defaults struct {
	ConfigPath string
	BaseDir    string
}

// GetDefaults resolves the config path and data directory, checking the
// environment first.
func GetDefaults() (Defaults, error) {
	home := ""
	lookup := func(env string, rel ...string) (string, error) {
		if v := os.Getenv(env); v != "" {
			return v, nil
		}
		if home == "" {
			h, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("cannot determine home directory: %w", err)
			}
			home = h
		}
		return filepath.Join(append([]string{home}, rel...)...), nil
	}

	configPath, err := lookup(EnvConfigPath, ".config", "depot.toml")
	if err != nil {
		return Defaults{}, err
	}
	baseDir, err := lookup(EnvHome, ".local", "share", "depot")
	if err != nil {
		return Defaults{}, err
	}
	return Defaults{ConfigPath: configPath, BaseDir: baseDir}, nil
}

// LoadConfig reads the config file at path and applies environment overrides.
func LoadConfig(path string) (*config.Config, error) {
	cfg, err := config.ReadFromFile(path)
	if err != nil {
		return nil, err
	}
	return applyEnv(cfg), nil
}

func applyEnv(cfg *config.Config) *config.Config {
	if v := os.Getenv(EnvServerAddr); v != "" {
		cfg.Client.ServerAddr = v
	}
	if v := os.Getenv(EnvLicenseKey); v != "" {
		cfg.Client.LicenseKey = v
	}
	if v := os.Getenv(EnvAdminToken); v != "" {
		cfg.Server.AdminToken = v
		cfg.Client.AdminToken = v
	}
	return cfg
}
