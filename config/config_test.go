package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	firstCfg, firstPath, dataDir, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if dataDir != tempDir {
		t.Fatalf("expected data dir %q, got %q", tempDir, dataDir)
	}
	if firstCfg.DeviceID == "" {
		t.Fatalf("expected non-empty device ID")
	}
	if !strings.HasPrefix(firstCfg.DisplayName, "Summoner-") {
		t.Fatalf("expected generated display name, got %q", firstCfg.DisplayName)
	}
	if firstCfg.ChunkSize != DefaultChunkSize || firstCfg.MaxFileSize != DefaultMaxFileSize {
		t.Fatalf("unexpected size defaults: %d / %d", firstCfg.ChunkSize, firstCfg.MaxFileSize)
	}
	if firstCfg.ResponseTimeout() != 30*time.Second || firstCfg.ReceiveTimeout() != 5*time.Minute {
		t.Fatalf("unexpected timeout defaults: %s / %s", firstCfg.ResponseTimeout(), firstCfg.ReceiveTimeout())
	}
	if firstCfg.JoinTimeout() != 15*time.Second || firstCfg.ChunkDelay() != 5*time.Millisecond {
		t.Fatalf("unexpected join/chunk defaults: %s / %s", firstCfg.JoinTimeout(), firstCfg.ChunkDelay())
	}
	if firstCfg.AssetsDir != filepath.Join(tempDir, "assets") {
		t.Fatalf("unexpected assets dir %q", firstCfg.AssetsDir)
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}

	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.DeviceID != firstCfg.DeviceID {
		t.Fatalf("expected stable device ID, got %q then %q", firstCfg.DeviceID, secondCfg.DeviceID)
	}
	if secondCfg.DisplayName != firstCfg.DisplayName {
		t.Fatalf("expected stable display name, got %q then %q", firstCfg.DisplayName, secondCfg.DisplayName)
	}
}

func TestLoadOrCreateNormalizesPartialConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	cfgPath := filepath.Join(tempDir, "config.json")
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	partial := &AppConfig{
		DeviceID:         "legacy-device",
		DisplayName:      "Faker",
		ChunkSize:        32 * 1024,
		ChunkDelayMillis: -3,
		LogLevel:         "WARNING",
	}
	if err := Save(cfgPath, partial); err != nil {
		t.Fatalf("Save partial config failed: %v", err)
	}

	cfg, _, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.DeviceID != "legacy-device" || cfg.DisplayName != "Faker" {
		t.Fatalf("expected identity to be retained, got %+v", cfg)
	}
	if cfg.ChunkSize != 32*1024 {
		t.Fatalf("expected custom chunk size to be retained, got %d", cfg.ChunkSize)
	}
	if cfg.ChunkDelayMillis != DefaultChunkDelayMillis {
		t.Fatalf("expected negative chunk delay to normalize, got %d", cfg.ChunkDelayMillis)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("expected log level warn, got %q", cfg.LogLevel)
	}

	reloaded, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reloaded.TempDir != filepath.Join(tempDir, "tmp") {
		t.Fatalf("expected normalized config to be persisted, got temp dir %q", reloaded.TempDir)
	}
}

func TestLoadOrCreateClampsChunkSize(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}
	if err := Save(filepath.Join(tempDir, "config.json"), &AppConfig{ChunkSize: 8 * 1024 * 1024}); err != nil {
		t.Fatalf("Save config failed: %v", err)
	}

	cfg, _, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.ChunkSize != MaxChunkSize {
		t.Fatalf("expected chunk size to be clamped to %d, got %d", MaxChunkSize, cfg.ChunkSize)
	}
}
