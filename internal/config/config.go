package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/buildwatch/backend/internal/session"
	"gopkg.in/yaml.v3"
)

const (
	// TempPathEnv overrides the directory the orchestrator writes its log
	// under. It is honoured only when it names an existing directory.
	TempPathEnv = "FASTBUILD_TEMP_PATH"

	// LogRelativePath is the log location relative to the temp directory.
	LogRelativePath = "FASTBuild/FastBuildLog.log"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Watcher WatcherConfig `yaml:"watcher"`
	Mock    MockConfig    `yaml:"mock"`
}

type ServerConfig struct {
	Port           int           `yaml:"port"`
	Host           string        `yaml:"host"`
	AuthToken      string        `yaml:"auth_token"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	Privacy        PrivacyConfig `yaml:"privacy"`
	// MaxConnections caps concurrent WebSocket clients; zero is unlimited.
	MaxConnections int `yaml:"max_connections"`
}

// PrivacyConfig controls what the API and WebSocket clients may see.
type PrivacyConfig struct {
	MaskPaths     bool `yaml:"mask_paths"`
	MaskHostNames bool `yaml:"mask_host_names"`
	MaskPIDs      bool `yaml:"mask_pids"`
}

type WatcherConfig struct {
	// LogPath is the full path of the orchestrator log. Empty means the
	// default location under the temp directory.
	LogPath           string        `yaml:"log_path"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	TickInterval      time.Duration `yaml:"tick_interval"`
	SnapshotInterval  time.Duration `yaml:"snapshot_interval"`
	BroadcastThrottle time.Duration `yaml:"broadcast_throttle"`
	DebrisThreshold   time.Duration `yaml:"debris_threshold"`
	// LocalWorker names the worker that is "this machine". Empty falls back
	// to treating the first worker of a session as local.
	LocalWorker string `yaml:"local_worker"`
	UseFsnotify bool   `yaml:"use_fsnotify"`
	// WatchProcess stops a live session when the orchestrator process
	// that started it exits without writing STOP_BUILD.
	WatchProcess     bool `yaml:"watch_process"`
	EventBuffer      int  `yaml:"event_buffer"`
	ResolveInitiator bool `yaml:"resolve_initiator"`
	// MaxSessions bounds how many finished sessions are retained.
	MaxSessions int `yaml:"max_sessions"`
}

type MockConfig struct {
	Interval time.Duration `yaml:"interval"`
	Hosts    []string      `yaml:"hosts"`
	Jobs     int           `yaml:"jobs"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8080,
			Host:           "127.0.0.1",
			MaxConnections: 50,
		},
		Watcher: WatcherConfig{
			PollInterval:      500 * time.Millisecond,
			TickInterval:      100 * time.Millisecond,
			SnapshotInterval:  5 * time.Second,
			BroadcastThrottle: 100 * time.Millisecond,
			DebrisThreshold:   session.DefaultDebrisThreshold,
			UseFsnotify:       true,
			WatchProcess:      true,
			EventBuffer:       1024,
			ResolveInitiator:  true,
			MaxSessions:       20,
		},
		Mock: MockConfig{
			Interval: 50 * time.Millisecond,
			Hosts:    []string{"localhost", "build-agent-01", "build-agent-02"},
			Jobs:     40,
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// LoadOrDefault loads path, returning the defaults when the file does not
// exist. Any other read or parse error is returned.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

func (c *Config) validate() error {
	if c.Watcher.PollInterval <= 0 {
		return errors.New("watcher.poll_interval must be positive")
	}
	if c.Watcher.TickInterval <= 0 {
		return errors.New("watcher.tick_interval must be positive")
	}
	if c.Server.MaxConnections < 0 {
		return errors.New("server.max_connections must not be negative")
	}
	if c.Watcher.MaxSessions < 0 {
		return errors.New("watcher.max_sessions must not be negative")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	return nil
}

// ResolveLogPath returns the log file to tail. An explicit
// watcher.log_path wins; otherwise the orchestrator's default location under
// the temp directory is used, honouring TempPathEnv when it points at an
// existing directory.
func (c *Config) ResolveLogPath() string {
	if c.Watcher.LogPath != "" {
		return c.Watcher.LogPath
	}
	dir := os.TempDir()
	if override := os.Getenv(TempPathEnv); override != "" {
		if info, err := os.Stat(override); err == nil && info.IsDir() {
			dir = override
		}
	}
	return filepath.Join(dir, filepath.FromSlash(LogRelativePath))
}

// GenerateToken returns a random 128-bit hex token for API auth.
func GenerateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
