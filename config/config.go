package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "skinparty"
	// DataDirEnv overrides the data directory.
	DataDirEnv = "SKINPARTY_DATA_DIR"

	DefaultChunkSize              = 64 * 1024
	// MaxChunkSize keeps a base64 file-chunk frame well under the 4 MiB frame limit.
	MaxChunkSize                  = 1024 * 1024
	DefaultMaxFileSize            = 500 * 1024 * 1024
	DefaultResponseTimeoutSeconds = 30
	DefaultReceiveTimeoutSeconds  = 300
	DefaultJoinTimeoutSeconds     = 15
	DefaultChunkDelayMillis       = 5
	DefaultLogLevel               = "info"

	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// AppConfig contains persistent local settings.
type AppConfig struct {
	DeviceID               string `json:"device_id"`
	DisplayName            string `json:"display_name"`
	ListenHost             string `json:"listen_host"`
	AssetsDir              string `json:"assets_dir"`
	TempDir                string `json:"temp_dir"`
	ChunkSize              int    `json:"chunk_size"`
	MaxFileSize            int64  `json:"max_file_size"`
	ResponseTimeoutSeconds int    `json:"response_timeout_seconds"`
	ReceiveTimeoutSeconds  int    `json:"receive_timeout_seconds"`
	JoinTimeoutSeconds     int    `json:"join_timeout_seconds"`
	ChunkDelayMillis       int    `json:"chunk_delay_millis"`
	AutoAcceptTransfers    bool   `json:"auto_accept_transfers"`
	LogLevel               string `json:"log_level"`
}

// ResponseTimeout bounds the wait for file-accept or a local consent decision.
func (c *AppConfig) ResponseTimeout() time.Duration {
	return time.Duration(c.ResponseTimeoutSeconds) * time.Second
}

// ReceiveTimeout bounds a whole inbound transfer.
func (c *AppConfig) ReceiveTimeout() time.Duration {
	return time.Duration(c.ReceiveTimeoutSeconds) * time.Second
}

// JoinTimeout bounds the wait for room-info after connecting to a host.
func (c *AppConfig) JoinTimeout() time.Duration {
	return time.Duration(c.JoinTimeoutSeconds) * time.Second
}

// ChunkDelay is the pause between outgoing chunks.
func (c *AppConfig) ChunkDelay() time.Duration {
	return time.Duration(c.ChunkDelayMillis) * time.Millisecond
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If SKINPARTY_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "assets"),
		filepath.Join(dataDir, "tmp"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*AppConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *AppConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns the config, its path and the
// data directory.
func LoadOrCreate() (*AppConfig, string, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", "", err
		}

		cfg = &AppConfig{ChunkDelayMillis: DefaultChunkDelayMillis}
		normalizeDefaults(cfg, dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}

		return cfg, cfgPath, dataDir, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
	}

	return cfg, cfgPath, dataDir, nil
}

// RandomDisplayName returns a placeholder name for users who never picked one.
func RandomDisplayName() string {
	return "Summoner-" + strings.ToUpper(uuid.NewString()[:4])
}

func normalizeDefaults(cfg *AppConfig, dataDir string) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}
	if strings.TrimSpace(cfg.DisplayName) == "" {
		cfg.DisplayName = RandomDisplayName()
		updated = true
	}
	if cfg.AssetsDir == "" {
		cfg.AssetsDir = filepath.Join(dataDir, "assets")
		updated = true
	}
	if cfg.TempDir == "" {
		cfg.TempDir = filepath.Join(dataDir, "tmp")
		updated = true
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
		updated = true
	}
	if cfg.ChunkSize > MaxChunkSize {
		cfg.ChunkSize = MaxChunkSize
		updated = true
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
		updated = true
	}
	if cfg.ResponseTimeoutSeconds <= 0 {
		cfg.ResponseTimeoutSeconds = DefaultResponseTimeoutSeconds
		updated = true
	}
	if cfg.ReceiveTimeoutSeconds <= 0 {
		cfg.ReceiveTimeoutSeconds = DefaultReceiveTimeoutSeconds
		updated = true
	}
	if cfg.JoinTimeoutSeconds <= 0 {
		cfg.JoinTimeoutSeconds = DefaultJoinTimeoutSeconds
		updated = true
	}
	if cfg.ChunkDelayMillis < 0 {
		cfg.ChunkDelayMillis = DefaultChunkDelayMillis
		updated = true
	}

	level := normalizeLogLevel(cfg.LogLevel)
	if cfg.LogLevel != level {
		cfg.LogLevel = level
		updated = true
	}

	return updated
}

func normalizeLogLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return "debug"
	case "info":
		return "info"
	case "warn", "warning":
		return "warn"
	case "error":
		return "error"
	default:
		return DefaultLogLevel
	}
}
