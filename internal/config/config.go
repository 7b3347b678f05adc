package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultAPIEndpoint = "https://api.openstreetmap.org"
	DefaultAuthBaseURL = "https://www.openstreetmap.org"
	DefaultBaseURL     = "http://127.0.0.1:7380"
	DefaultDBFileName  = "revertui.db"
	DefaultLockName    = "revertui.lock"
	DefaultCreatedBy   = "RevertUI 2.0"
	DefaultLogLevel    = "info"

	DefaultMaxChangesets = 20
	DefaultMaxDiffs      = 200
	DefaultMaxHistory    = 100
	DefaultStuckAfter    = 6 * time.Hour

	configDirEnvKey = "REVERTUI_CONFIG_DIR"
	configFileName  = ".revertui.toml"
)

// OAuthConfig holds the OSM OAuth2 application credentials.
type OAuthConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
}

// Config defines runtime configuration for revertui.
type Config struct {
	BaseURL       string      `toml:"base_url"`
	DBPath        string      `toml:"db_path"`
	LockPath      string      `toml:"lock_path"`
	APIEndpoint   string      `toml:"api_endpoint"`
	AuthBaseURL   string      `toml:"auth_base_url"`
	CreatedBy     string      `toml:"created_by"`
	MaxChangesets int         `toml:"max_changesets"`
	MaxDiffs      int         `toml:"max_diffs"`
	MaxHistory    int         `toml:"max_history"`
	StuckAfter    duration    `toml:"stuck_after"`
	SessionSecret string      `toml:"session_secret"`
	LogLevel      string      `toml:"log_level"`
	OAuth         OAuthConfig `toml:"oauth"`
}

// duration lets TOML carry values like "6h" or "90m".
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// StuckAfterDuration returns the stuck-task threshold as a time.Duration.
func (c *Config) StuckAfterDuration() time.Duration {
	return time.Duration(c.StuckAfter)
}

// Default returns default configuration values.
func Default() Config {
	return Config{
		BaseURL:       DefaultBaseURL,
		DBPath:        "",
		LockPath:      "",
		APIEndpoint:   DefaultAPIEndpoint,
		AuthBaseURL:   DefaultAuthBaseURL,
		CreatedBy:     DefaultCreatedBy,
		MaxChangesets: DefaultMaxChangesets,
		MaxDiffs:      DefaultMaxDiffs,
		MaxHistory:    DefaultMaxHistory,
		StuckAfter:    duration(DefaultStuckAfter),
		LogLevel:      DefaultLogLevel,
	}
}

func loadFileIfExists(path string, cfg *Config) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if info.IsDir() {
		return false, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return false, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return true, nil
}

func overrideConfigPath() (string, bool) {
	dir := strings.TrimSpace(os.Getenv(configDirEnvKey))
	if dir == "" {
		return "", false
	}
	return filepath.Join(dir, configFileName), true
}

// Path returns the config file path in effect.
func Path() (string, error) {
	if path, ok := overrideConfigPath(); ok {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, configFileName), nil
}

// Load reads the config file and applies env overrides.
func Load() (*Config, error) {
	cfg := Default()

	path, err := Path()
	if err == nil {
		if _, loadErr := loadFileIfExists(path, &cfg); loadErr != nil {
			return nil, loadErr
		}
	}

	if cfg.DBPath == "" {
		if cwd, err := os.Getwd(); err == nil {
			cfg.DBPath = filepath.Join(cwd, DefaultDBFileName)
		}
	}
	if cfg.LockPath == "" {
		cfg.LockPath = filepath.Join(filepath.Dir(cfg.DBPath), DefaultLockName)
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REVERTUI_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("REVERTUI_LOCK"); v != "" {
		cfg.LockPath = v
	}
	if v := os.Getenv("REVERTUI_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("REVERTUI_API_ENDPOINT"); v != "" {
		cfg.APIEndpoint = v
	}
	if v := os.Getenv("REVERTUI_OAUTH_CLIENT_ID"); v != "" {
		cfg.OAuth.ClientID = v
	}
	if v := os.Getenv("REVERTUI_OAUTH_CLIENT_SECRET"); v != "" {
		cfg.OAuth.ClientSecret = v
	}
	if v := os.Getenv("REVERTUI_SESSION_SECRET"); v != "" {
		cfg.SessionSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("REVERTUI_MAX_CHANGESETS")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			cfg.MaxChangesets = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("REVERTUI_MAX_DIFFS")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			cfg.MaxDiffs = parsed
		}
	}
}

var allowedKeys = []string{
	"base_url",
	"db_path",
	"lock_path",
	"api_endpoint",
	"auth_base_url",
	"created_by",
	"max_changesets",
	"max_diffs",
	"max_history",
	"stuck_after",
	"log_level",
	"oauth.client_id",
	"oauth.client_secret",
}

// AllowedKeys returns the set of valid config keys.
func AllowedKeys() []string {
	return allowedKeys
}

// IsAllowedKey checks if a key is a valid config key.
func IsAllowedKey(key string) bool {
	for _, k := range allowedKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Get returns the value of a config key.
func (c *Config) Get(key string) (string, error) {
	switch key {
	case "base_url":
		return c.BaseURL, nil
	case "db_path":
		return c.DBPath, nil
	case "lock_path":
		return c.LockPath, nil
	case "api_endpoint":
		return c.APIEndpoint, nil
	case "auth_base_url":
		return c.AuthBaseURL, nil
	case "created_by":
		return c.CreatedBy, nil
	case "max_changesets":
		return strconv.Itoa(c.MaxChangesets), nil
	case "max_diffs":
		return strconv.Itoa(c.MaxDiffs), nil
	case "max_history":
		return strconv.Itoa(c.MaxHistory), nil
	case "stuck_after":
		return c.StuckAfterDuration().String(), nil
	case "log_level":
		return c.LogLevel, nil
	case "oauth.client_id":
		return c.OAuth.ClientID, nil
	case "oauth.client_secret":
		return c.OAuth.ClientSecret, nil
	default:
		return "", fmt.Errorf("unknown key: %s", key)
	}
}

// SetKey reads the TOML file at path, sets key=value, and writes it back.
func SetKey(path, key, value string) error {
	if !IsAllowedKey(key) {
		return fmt.Errorf("unknown key: %s", key)
	}

	data := make(map[string]any)
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &data); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}

	parsedValue, err := parseSetValue(key, value)
	if err != nil {
		return err
	}
	if err := setNestedKey(data, strings.Split(key, "."), parsedValue); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(data)
}

func parseSetValue(key, value string) (any, error) {
	value = strings.TrimSpace(value)
	switch key {
	case "max_changesets", "max_diffs", "max_history":
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("%s must be a positive integer", key)
		}
		return parsed, nil
	case "stuck_after":
		if _, err := time.ParseDuration(value); err != nil {
			return nil, fmt.Errorf("%s must be a duration like 6h", key)
		}
		return value, nil
	default:
		return value, nil
	}
}

func setNestedKey(data map[string]any, parts []string, value any) error {
	if len(parts) == 1 {
		data[parts[0]] = value
		return nil
	}

	child, ok := data[parts[0]]
	if !ok {
		next := make(map[string]any)
		data[parts[0]] = next
		return setNestedKey(next, parts[1:], value)
	}
	next, ok := child.(map[string]any)
	if !ok {
		return fmt.Errorf("config key %s conflicts with an existing value", strings.Join(parts, "."))
	}
	return setNestedKey(next, parts[1:], value)
}

// Validate checks the invariants a running server or worker relies on.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.MaxChangesets <= 0 {
		return fmt.Errorf("max_changesets must be positive")
	}
	if c.MaxDiffs <= 0 {
		return fmt.Errorf("max_diffs must be positive")
	}
	return nil
}
