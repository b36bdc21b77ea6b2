package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("PEERLINK_DATA_DIR", tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.DeviceID == "" {
		t.Fatalf("expected non-empty device ID")
	}
	if firstCfg.PortMode != PortModeAutomatic {
		t.Fatalf("expected default port mode %q, got %q", PortModeAutomatic, firstCfg.PortMode)
	}
	if firstCfg.ListeningPort != 0 {
		t.Fatalf("expected automatic mode listening port 0, got %d", firstCfg.ListeningPort)
	}
	if firstCfg.WindowSize != DefaultWindowSize || firstCfg.ChunkSize != DefaultChunkSize {
		t.Fatalf("expected default transfer tuning, got window=%d chunk=%d",
			firstCfg.WindowSize, firstCfg.ChunkSize)
	}
	if firstCfg.IdentityKeyPath == "" {
		t.Fatalf("expected identity key path to be set")
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}

	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.DeviceID != firstCfg.DeviceID {
		t.Fatalf("expected stable device ID, got %q then %q", firstCfg.DeviceID, secondCfg.DeviceID)
	}
	if secondCfg.IdentityKeyPath != firstCfg.IdentityKeyPath {
		t.Fatalf("expected stable key path, got %q then %q", firstCfg.IdentityKeyPath, secondCfg.IdentityKeyPath)
	}
	if secondCfg.PortMode != firstCfg.PortMode {
		t.Fatalf("expected stable port mode, got %q then %q", firstCfg.PortMode, secondCfg.PortMode)
	}
}

func TestLoadOrCreateNormalizesLegacyConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("PEERLINK_DATA_DIR", tempDir)

	cfgPath := filepath.Join(tempDir, "config.json")
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	// An older file with no port mode and no tuning fields.
	legacy := &DeviceConfig{
		DeviceID:      "legacy-device",
		DeviceName:    "Legacy",
		ListeningPort: 9999,
	}
	if err := Save(cfgPath, legacy); err != nil {
		t.Fatalf("Save legacy config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.PortMode != PortModeFixed {
		t.Fatalf("expected legacy config to normalize to fixed mode, got %q", cfg.PortMode)
	}
	if cfg.ListeningPort != 9999 {
		t.Fatalf("expected legacy fixed listening port to be retained, got %d", cfg.ListeningPort)
	}
	if cfg.MaxRetries != DefaultMaxRetries || cfg.AckTimeoutSeconds != DefaultAckTimeoutSeconds {
		t.Fatalf("expected tuning defaults filled in, got retries=%d timeout=%d",
			cfg.MaxRetries, cfg.AckTimeoutSeconds)
	}
	if cfg.IdentityKeyPath != filepath.Join(tempDir, "keys", "identity_ed25519.pem") {
		t.Fatalf("unexpected identity key path %q", cfg.IdentityKeyPath)
	}
}

func TestResolveDataDirHonorsOverride(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("PEERLINK_DATA_DIR", tempDir)

	dataDir, err := ResolveDataDir()
	if err != nil {
		t.Fatalf("ResolveDataDir failed: %v", err)
	}
	if dataDir != tempDir {
		t.Fatalf("expected override %q, got %q", tempDir, dataDir)
	}

	if err := os.Unsetenv("PEERLINK_DATA_DIR"); err != nil {
		t.Fatalf("unset env: %v", err)
	}
	dataDir, err = ResolveDataDir()
	if err != nil {
		t.Fatalf("ResolveDataDir without override failed: %v", err)
	}
	if dataDir == tempDir || dataDir == "" {
		t.Fatalf("expected OS default directory, got %q", dataDir)
	}
}
