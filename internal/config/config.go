package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath   = "CONFIG_PATH"
	EnvDBConnection = "DB_CONNECTION"
	EnvJWTSecret    = "JWT_SECRET"
	EnvJWTExpiry    = "JWT_EXPIRY"
)

// defaultConfigFile is resolved against the working directory.
const defaultConfigFile = "./config.yaml"

// AppConfig holds the process-level settings resolved before the config file
// is read.
type AppConfig struct {
	ConfigPath string
}

// LoadFromEnv resolves the config file location from CONFIG_PATH.
func LoadFromEnv() (AppConfig, error) {
	return AppConfig{ConfigPath: ResolveConfigPath(os.Getenv(EnvConfigPath))}, nil
}

// ResolveConfigPath returns an absolute config path, defaulting to
// ./config.yaml.
func ResolveConfigPath(p string) string {
	path := strings.TrimSpace(p)
	if path == "" {
		path = defaultConfigFile
	}
	abs, errAbs := filepath.Abs(path)
	if errAbs != nil {
		return path
	}
	return abs
}

// readConfigFile returns the file contents, or nil when the file does not
// exist. A missing file is not an error: every setting has a default or an
// env override.
func readConfigFile(configPath string) ([]byte, error) {
	data, errRead := os.ReadFile(configPath)
	if errRead != nil {
		if errors.Is(errRead, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read config file: %w", errRead)
	}
	return data, nil
}

// ErrMissingDatabaseDSN indicates that neither DB_CONNECTION nor the config
// file names a database.
var ErrMissingDatabaseDSN = errors.New("missing database dsn (set DB_CONNECTION or `database.dsn` in config file)")

// LoadDatabaseDSN returns the webhook audit database DSN. DB_CONNECTION wins
// over the file's `database.dsn` (or legacy top-level `database-dsn`).
func LoadDatabaseDSN(configPath string) (string, error) {
	if dsn := strings.TrimSpace(os.Getenv(EnvDBConnection)); dsn != "" {
		return dsn, nil
	}

	data, errRead := readConfigFile(configPath)
	if errRead != nil {
		return "", errRead
	}
	if data == nil {
		return "", ErrMissingDatabaseDSN
	}

	var cfg struct {
		DatabaseDSN string `yaml:"database-dsn"`
		Database    struct {
			DSN string `yaml:"dsn"`
		} `yaml:"database"`
	}
	if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
		return "", fmt.Errorf("parse config file: %w", errUnmarshal)
	}
	if dsn := strings.TrimSpace(cfg.Database.DSN); dsn != "" {
		return dsn, nil
	}
	if dsn := strings.TrimSpace(cfg.DatabaseDSN); dsn != "" {
		return dsn, nil
	}
	return "", ErrMissingDatabaseDSN
}

// JWTConfig holds the shared secret of the chat service's user tokens. Expiry
// only applies to tokens minted locally with `chatgate -issue-token`.
type JWTConfig struct {
	Secret string        `yaml:"secret"`
	Expiry time.Duration `yaml:"expiry"`
}

// defaultJWTExpiry applies when neither the file nor JWT_EXPIRY sets one.
const defaultJWTExpiry = 24 * time.Hour

// LoadJWTConfig reads the `jwt` section and applies JWT_SECRET and JWT_EXPIRY.
// An unreadable section is ignored so the gate can still serve anonymous
// callers.
func LoadJWTConfig(configPath string) (JWTConfig, error) {
	var cfg struct {
		JWT JWTConfig `yaml:"jwt"`
	}
	data, errRead := readConfigFile(configPath)
	if errRead != nil {
		return JWTConfig{Expiry: defaultJWTExpiry}, errRead
	}
	if data != nil {
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
			return JWTConfig{Expiry: defaultJWTExpiry}, fmt.Errorf("parse config file: %w", errUnmarshal)
		}
	}
	result := cfg.JWT

	if secret := strings.TrimSpace(os.Getenv(EnvJWTSecret)); secret != "" {
		result.Secret = secret
	}
	if raw := strings.TrimSpace(os.Getenv(EnvJWTExpiry)); raw != "" {
		expiry, errParse := time.ParseDuration(raw)
		if errParse != nil || expiry <= 0 {
			return result, fmt.Errorf("invalid %s %q", EnvJWTExpiry, raw)
		}
		result.Expiry = expiry
	}
	if result.Expiry <= 0 {
		result.Expiry = defaultJWTExpiry
	}
	return result, nil
}
