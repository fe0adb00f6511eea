// Package config provides configuration management for the RTLS services
package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const encryptedPrefix = "encrypted:"

// Config represents the main RTLS configuration
type Config struct {
	Version  string         `yaml:"version"`
	System   SystemConfig   `yaml:"system"`
	Listen   ListenConfig   `yaml:"listen"`
	Bus      BusConfig      `yaml:"bus"`
	Relay    RelayConfig    `yaml:"relay"`
	Resolver ResolverConfig `yaml:"resolver"`
	Rules    RulesConfig    `yaml:"rules"`
	Bridge   BridgeConfig   `yaml:"bridge"`

	// Internal fields
	mu       sync.RWMutex    `yaml:"-"`
	path     string          `yaml:"-"`
	watchers []func(*Config) `yaml:"-"`
	encKey   []byte          `yaml:"-"`
}

// SystemConfig holds system-wide settings
type SystemConfig struct {
	Name     string         `yaml:"name"`
	CampusID int64          `yaml:"campus_id"`
	DataPath string         `yaml:"data_path"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig holds the collaborator store settings
type DatabaseConfig struct {
	Type         string `yaml:"type"` // sqlite
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

// ListenConfig holds the listen addresses of each role
type ListenConfig struct {
	Control  string `yaml:"control"`
	RealTime string `yaml:"realtime"`
}

// BusConfig configures the NATS bus. An empty URL starts an embedded server.
type BusConfig struct {
	URL  string `yaml:"url,omitempty"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// RelayConfig holds stream relay protocol timings
type RelayConfig struct {
	ControlURL        string        `yaml:"control_url"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	SendBuffer        int           `yaml:"send_buffer"`
}

// ResolverConfig holds zone resolution settings
type ResolverConfig struct {
	QueryTimeout time.Duration `yaml:"query_timeout"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	EnvelopeType string        `yaml:"envelope_type"`
}

// RulesConfig holds temporal rule engine settings
type RulesConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	HistoryLimit  int           `yaml:"history_limit"`
	QueueSize     int           `yaml:"queue_size"`
	// EventRetention bounds how long event log records are kept
	EventRetention time.Duration `yaml:"event_retention"`
}

// BridgeConfig selects and configures the vendor feed of the ingestion bridge
type BridgeConfig struct {
	Source    string     `yaml:"source"` // mqtt or jsonl
	JSONLPath string     `yaml:"jsonl_path,omitempty"`
	MQTT      MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig holds vendor gateway MQTT settings
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	QoS      byte   `yaml:"qos"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{encKey: getEncryptionKey()}
	cfg.setDefaults()
	cfg.applyEnv()
	return cfg
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.path = path
	cfg.encKey = getEncryptionKey()

	if err := cfg.decryptSecrets(); err != nil {
		return nil, fmt.Errorf("failed to decrypt secrets: %w", err)
	}

	cfg.setDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// FindPath returns the first existing config file among the known locations.
// An explicit path always wins, even if it does not exist yet.
func FindPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	candidates := []string{os.Getenv("CONFIG_PATH")}
	if dataPath := os.Getenv("RTLS_DATA_PATH"); dataPath != "" {
		candidates = append(candidates, filepath.Join(dataPath, "config.yaml"))
	}
	candidates = append(candidates, "./config/config.yaml", "/config/config.yaml")

	for _, p := range candidates {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Validate checks timing and sizing constraints
func (c *Config) Validate() error {
	var errs []error
	r := c.Relay
	if r.HandshakeTimeout <= 0 {
		errs = append(errs, errors.New("relay.handshake_timeout must be positive"))
	}
	if r.HeartbeatTimeout <= 0 || r.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("relay heartbeat interval and timeout must be positive"))
	}
	if r.BackoffMax < r.BackoffInitial {
		errs = append(errs, fmt.Errorf("relay.backoff_max (%s) is below backoff_initial (%s)", r.BackoffMax, r.BackoffInitial))
	}
	if c.Resolver.QueryTimeout <= 0 {
		errs = append(errs, errors.New("resolver.query_timeout must be positive"))
	}
	switch c.Bridge.Source {
	case "mqtt", "jsonl":
	default:
		errs = append(errs, fmt.Errorf("unknown bridge.source %q", c.Bridge.Source))
	}
	return errors.Join(errs...)
}

// Save saves the configuration to a YAML file
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveUnlocked()
}

// saveUnlocked saves without acquiring lock (caller must hold lock)
func (c *Config) saveUnlocked() error {
	cfgCopy := &Config{
		Version:  c.Version,
		System:   c.System,
		Listen:   c.Listen,
		Bus:      c.Bus,
		Relay:    c.Relay,
		Resolver: c.Resolver,
		Rules:    c.Rules,
		Bridge:   c.Bridge,
		path:     c.path,
		encKey:   c.encKey,
	}
	if err := cfgCopy.encryptSecrets(); err != nil {
		return fmt.Errorf("failed to encrypt secrets: %w", err)
	}

	data, err := yaml.Marshal(cfgCopy)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := "# RTLS Configuration\n# Auto-generated - manual edits are preserved\n\n"
	data = append([]byte(header), data...)

	// Atomic write
	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return os.Rename(tmpPath, c.path)
}

// Watch starts watching for configuration file changes
func (c *Config) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	go func() {
		defer watcher.Close()

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					time.Sleep(100 * time.Millisecond) // Debounce
					c.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config watch error", "error", err)
			}
		}
	}()

	return watcher.Add(c.GetPath())
}

// OnChange registers a callback for config changes
func (c *Config) OnChange(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

// reload reloads the configuration from disk
func (c *Config) reload() {
	newCfg, err := Load(c.GetPath())
	if err != nil {
		slog.Error("Failed to reload config", "error", err)
		return
	}

	c.mu.Lock()
	c.Version = newCfg.Version
	c.System = newCfg.System
	c.Listen = newCfg.Listen
	c.Bus = newCfg.Bus
	c.Relay = newCfg.Relay
	c.Resolver = newCfg.Resolver
	c.Rules = newCfg.Rules
	c.Bridge = newCfg.Bridge
	c.encKey = newCfg.encKey
	watchers := c.watchers
	c.mu.Unlock()

	slog.Info("Configuration reloaded")

	for _, fn := range watchers {
		fn(c)
	}
}

// LogLevel returns the configured log level under the read lock
func (c *Config) LogLevel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.System.Logging.Level
}

// SetPath sets the path for the config file (used for saving)
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

// GetPath returns the current config file path
func (c *Config) GetPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// setDefaults sets default values for unset fields
func (c *Config) setDefaults() {
	if c.Version == "" {
		c.Version = "1.0"
	}
	if c.System.Name == "" {
		c.System.Name = "rtls"
	}
	if c.System.CampusID == 0 {
		c.System.CampusID = 1
	}
	if c.System.DataPath == "" {
		c.System.DataPath = "/data"
	}
	if c.System.Database.Type == "" {
		c.System.Database.Type = "sqlite"
	}
	if c.System.Database.Path == "" {
		c.System.Database.Path = filepath.Join(c.System.DataPath, "rtls.db")
	}
	if c.System.Database.MaxOpenConns == 0 {
		c.System.Database.MaxOpenConns = 10
	}
	if c.System.Database.MaxIdleConns == 0 {
		c.System.Database.MaxIdleConns = 2
	}
	if c.System.Logging.Level == "" {
		c.System.Logging.Level = "info"
	}
	if c.System.Logging.Format == "" {
		c.System.Logging.Format = "json"
	}

	if c.Listen.Control == "" {
		c.Listen.Control = ":8600"
	}
	if c.Listen.RealTime == "" {
		c.Listen.RealTime = ":8700"
	}
	if c.Bus.Host == "" {
		c.Bus.Host = "127.0.0.1"
	}
	if c.Bus.Port == 0 {
		c.Bus.Port = 14222
	}

	if c.Relay.ControlURL == "" {
		c.Relay.ControlURL = "ws://127.0.0.1:8600/ws"
	}
	if c.Relay.HandshakeTimeout == 0 {
		c.Relay.HandshakeTimeout = 5 * time.Second
	}
	if c.Relay.HeartbeatInterval == 0 {
		c.Relay.HeartbeatInterval = 10 * time.Second
	}
	if c.Relay.HeartbeatTimeout == 0 {
		c.Relay.HeartbeatTimeout = 30 * time.Second
	}
	if c.Relay.BackoffInitial == 0 {
		c.Relay.BackoffInitial = 5 * time.Second
	}
	if c.Relay.BackoffMax == 0 {
		c.Relay.BackoffMax = 60 * time.Second
	}
	if c.Relay.SendBuffer == 0 {
		c.Relay.SendBuffer = 256
	}

	if c.Resolver.QueryTimeout == 0 {
		c.Resolver.QueryTimeout = 2 * time.Second
	}
	if c.Resolver.CacheTTL == 0 {
		c.Resolver.CacheTTL = 5 * time.Minute
	}
	if c.Resolver.EnvelopeType == "" {
		c.Resolver.EnvelopeType = "building-envelope"
	}

	if c.Rules.SweepInterval == 0 {
		c.Rules.SweepInterval = 30 * time.Second
	}
	if c.Rules.HistoryLimit == 0 {
		c.Rules.HistoryLimit = 50
	}
	if c.Rules.QueueSize == 0 {
		c.Rules.QueueSize = 1024
	}
	if c.Rules.EventRetention == 0 {
		c.Rules.EventRetention = 7 * 24 * time.Hour
	}

	if c.Bridge.Source == "" {
		c.Bridge.Source = "mqtt"
	}
	if c.Bridge.MQTT.Broker == "" {
		c.Bridge.MQTT.Broker = "tcp://127.0.0.1:1883"
	}
	if c.Bridge.MQTT.ClientID == "" {
		c.Bridge.MQTT.ClientID = "rtls-bridge"
	}
	if c.Bridge.MQTT.Topic == "" {
		c.Bridge.MQTT.Topic = "rtls/gateway/+/positions"
	}
}

// applyEnv applies environment overrides on top of the file
func (c *Config) applyEnv() {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.System.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("RTLS_BUS_URL"); v != "" {
		c.Bus.URL = v
	}
	if v := os.Getenv("RTLS_CONTROL_URL"); v != "" {
		c.Relay.ControlURL = v
	}
}

// encryptSecrets encrypts sensitive fields
func (c *Config) encryptSecrets() error {
	pw := c.Bridge.MQTT.Password
	if pw == "" || strings.HasPrefix(pw, encryptedPrefix) {
		return nil
	}
	encrypted, err := encrypt(c.encKey, pw)
	if err != nil {
		return err
	}
	c.Bridge.MQTT.Password = encryptedPrefix + encrypted
	return nil
}

// decryptSecrets decrypts sensitive fields
func (c *Config) decryptSecrets() error {
	if !strings.HasPrefix(c.Bridge.MQTT.Password, encryptedPrefix) {
		return nil
	}
	decrypted, err := decrypt(c.encKey, strings.TrimPrefix(c.Bridge.MQTT.Password, encryptedPrefix))
	if err != nil {
		return err
	}
	c.Bridge.MQTT.Password = decrypted
	return nil
}

// getEncryptionKey returns the encryption key from environment or the built-in default
func getEncryptionKey() []byte {
	keyStr := os.Getenv("RTLS_ENCRYPTION_KEY")
	if keyStr != "" {
		key, err := base64.StdEncoding.DecodeString(keyStr)
		if err == nil && len(key) == 32 {
			return key
		}
	}

	// Must be exactly 32 bytes for AES-256
	return []byte("rtls-default-key-change-in-prod!")
}

// encrypt encrypts a string using AES-GCM
func encrypt(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// decrypt decrypts a string using AES-GCM
func decrypt(key []byte, ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertextBytes := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertextBytes, nil)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}
