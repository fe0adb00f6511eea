package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
version: "1.0"
system:
  name: "Test Campus"
  campus_id: 7
  data_path: "/data"
  database:
    type: "sqlite"
    path: "/data/test.db"
relay:
  handshake_timeout: 3s
  backoff_initial: 1s
  backoff_max: 8s
resolver:
  envelope_type: "envelope"
bridge:
  source: jsonl
  jsonl_path: /tmp/feed.jsonl
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.System.Name != "Test Campus" {
		t.Errorf("Expected name 'Test Campus', got '%s'", cfg.System.Name)
	}
	if cfg.System.CampusID != 7 {
		t.Errorf("Expected campus_id 7, got %d", cfg.System.CampusID)
	}
	if cfg.Relay.HandshakeTimeout != 3*time.Second {
		t.Errorf("Expected handshake_timeout 3s, got %s", cfg.Relay.HandshakeTimeout)
	}
	if cfg.Relay.BackoffMax != 8*time.Second {
		t.Errorf("Expected backoff_max 8s, got %s", cfg.Relay.BackoffMax)
	}
	if cfg.Resolver.EnvelopeType != "envelope" {
		t.Errorf("Expected envelope_type 'envelope', got '%s'", cfg.Resolver.EnvelopeType)
	}
	if cfg.Bridge.Source != "jsonl" {
		t.Errorf("Expected bridge source jsonl, got %s", cfg.Bridge.Source)
	}
}

func TestLoadNonExistent(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Expected error when loading non-existent file")
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"backoff ceiling below start", "relay:\n  backoff_initial: 10s\n  backoff_max: 5s\n", "backoff_max"},
		{"negative handshake", "relay:\n  handshake_timeout: -1s\n", "handshake_timeout"},
		{"unknown source", "bridge:\n  source: serial\n", "bridge.source"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
			_, err := Load(path)
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	cfg := Default()

	if cfg.Relay.HandshakeTimeout != 5*time.Second {
		t.Errorf("Expected handshake timeout 5s, got %s", cfg.Relay.HandshakeTimeout)
	}
	if cfg.Relay.HeartbeatTimeout != 30*time.Second {
		t.Errorf("Expected heartbeat timeout 30s, got %s", cfg.Relay.HeartbeatTimeout)
	}
	if cfg.Relay.BackoffInitial != 5*time.Second || cfg.Relay.BackoffMax != 60*time.Second {
		t.Errorf("Unexpected backoff bounds %s..%s", cfg.Relay.BackoffInitial, cfg.Relay.BackoffMax)
	}
	if cfg.Resolver.QueryTimeout != 2*time.Second {
		t.Errorf("Expected query timeout 2s, got %s", cfg.Resolver.QueryTimeout)
	}
	if cfg.Resolver.EnvelopeType != "building-envelope" {
		t.Errorf("Expected building-envelope, got %s", cfg.Resolver.EnvelopeType)
	}
	if cfg.Rules.EventRetention != 7*24*time.Hour {
		t.Errorf("Expected event retention 168h, got %s", cfg.Rules.EventRetention)
	}
	if cfg.System.Database.Path != filepath.Join("/data", "rtls.db") {
		t.Errorf("Unexpected database path %s", cfg.System.Database.Path)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Defaults should validate: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("RTLS_CONTROL_URL", "ws://control:9000/ws")

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("system:\n  logging:\n    level: warn\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LogLevel() != "debug" {
		t.Errorf("Expected LOG_LEVEL override, got %s", cfg.LogLevel())
	}
	if cfg.Relay.ControlURL != "ws://control:9000/ws" {
		t.Errorf("Expected control url override, got %s", cfg.Relay.ControlURL)
	}
}

func TestSave(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	cfg := Default()
	cfg.System.Name = "Saved Campus"
	cfg.Relay.HeartbeatInterval = 7 * time.Second
	cfg.Bridge.MQTT.Password = "secret"
	cfg.SetPath(configPath)

	if err := cfg.Save(); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	raw, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("Failed to read saved config: %v", err)
	}
	if strings.Contains(string(raw), "password: secret") {
		t.Error("Password should be stored encrypted")
	}
	if !strings.Contains(string(raw), encryptedPrefix) {
		t.Error("Expected encrypted password marker")
	}

	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load saved config: %v", err)
	}
	if loaded.System.Name != "Saved Campus" {
		t.Errorf("Expected name 'Saved Campus', got '%s'", loaded.System.Name)
	}
	if loaded.Relay.HeartbeatInterval != 7*time.Second {
		t.Errorf("Expected heartbeat interval 7s, got %s", loaded.Relay.HeartbeatInterval)
	}
	if loaded.Bridge.MQTT.Password != "secret" {
		t.Errorf("Expected decrypted password, got %q", loaded.Bridge.MQTT.Password)
	}
	if cfg.Bridge.MQTT.Password != "secret" {
		t.Error("Save must not mutate the in-memory password")
	}
}

func TestEncryptDecrypt(t *testing.T) {
	key := getEncryptionKey()

	encrypted, err := encrypt(key, "hello")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	decrypted, err := decrypt(key, encrypted)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if decrypted != "hello" {
		t.Errorf("Expected 'hello', got %q", decrypted)
	}

	if _, err := decrypt(key, "c2hvcnQ="); err == nil {
		t.Error("Expected error for short ciphertext")
	}
}

func TestFindPath(t *testing.T) {
	if got := FindPath("/explicit/config.yaml"); got != "/explicit/config.yaml" {
		t.Errorf("Explicit path should win, got %s", got)
	}

	path := filepath.Join(t.TempDir(), "rtls.yaml")
	if err := os.WriteFile(path, []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_PATH", path)
	if got := FindPath(""); got != path {
		t.Errorf("Expected CONFIG_PATH %s, got %s", path, got)
	}
}

func TestOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("system:\n  logging:\n    level: info\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LOG_LEVEL", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	var seen string
	cfg.OnChange(func(c *Config) { seen = c.LogLevel() })

	if err := os.WriteFile(path, []byte("system:\n  logging:\n    level: debug\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg.reload()

	if seen != "debug" {
		t.Errorf("Expected watcher to observe debug, got %q", seen)
	}
}
