// Package config provides configuration management for the agent server.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the agent server.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Vault    VaultConfig    `mapstructure:"vault"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Sessions SessionsConfig `mapstructure:"sessions"`
	Commands CommandsConfig `mapstructure:"commands"`
	Mirror   MirrorConfig   `mapstructure:"mirror"`
	Push     PushConfig     `mapstructure:"push"`
	Identity IdentityConfig `mapstructure:"identity"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	AuthToken    string `mapstructure:"authToken"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// VaultConfig holds the knowledge vault layout.
type VaultConfig struct {
	Path     string `mapstructure:"path"`
	InboxDir string `mapstructure:"inboxDir"` // relative to Path
	LogsDir  string `mapstructure:"logsDir"`  // relative to Path
}

// AgentConfig holds the agent SDK invocation settings.
type AgentConfig struct {
	Binary            string `mapstructure:"binary"`
	Model             string `mapstructure:"model"`
	PermissionMode    string `mapstructure:"permissionMode"`
	TurnTimeout       int    `mapstructure:"turnTimeout"` // in seconds, bounds one turn
	MaxThinkingTokens int    `mapstructure:"maxThinkingTokens"`
}

// SessionsConfig holds interactive session tuning.
type SessionsConfig struct {
	IdleTimeout    int `mapstructure:"idleTimeout"`    // in minutes
	GracePeriod    int `mapstructure:"gracePeriod"`    // in seconds
	AskUserTimeout int `mapstructure:"askUserTimeout"` // in seconds
	BufferCapacity int `mapstructure:"bufferCapacity"`
}

// CommandDef describes one named command available for background runs.
// Schedule is an interval in seconds; zero means manual trigger only.
type CommandDef struct {
	Name     string `mapstructure:"name"`
	Prompt   string `mapstructure:"prompt"`
	Schedule int    `mapstructure:"schedule"`
}

// CommandsConfig holds background command run settings.
type CommandsConfig struct {
	Retention   int          `mapstructure:"retention"` // in minutes
	MaxEvents   int          `mapstructure:"maxEvents"`
	AuditDBPath string       `mapstructure:"auditDbPath"`
	Defs        []CommandDef `mapstructure:"defs"`
}

// MirrorConfig holds the git mirror settings for the vault.
type MirrorConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Remote       string `mapstructure:"remote"`
	Branch       string `mapstructure:"branch"`
	PullInterval int    `mapstructure:"pullInterval"` // in seconds
}

// PushConfig holds push notification relay settings.
type PushConfig struct {
	RegistryPath string `mapstructure:"registryPath"`
	Timeout      int    `mapstructure:"timeout"` // per-device request timeout, in seconds
}

// IdentityConfig holds the agent identity file location.
type IdentityConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TurnTimeoutDuration returns the per-turn wall clock as a time.Duration.
func (a *AgentConfig) TurnTimeoutDuration() time.Duration {
	return time.Duration(a.TurnTimeout) * time.Second
}

// IdleTimeoutDuration returns the session idle timeout as a time.Duration.
func (s *SessionsConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Minute
}

// GracePeriodDuration returns the completion grace period as a time.Duration.
func (s *SessionsConfig) GracePeriodDuration() time.Duration {
	return time.Duration(s.GracePeriod) * time.Second
}

// AskUserTimeoutDuration returns the mid-turn prompt timeout as a time.Duration.
func (s *SessionsConfig) AskUserTimeoutDuration() time.Duration {
	return time.Duration(s.AskUserTimeout) * time.Second
}

// RetentionDuration returns the command run retention horizon as a time.Duration.
func (c *CommandsConfig) RetentionDuration() time.Duration {
	return time.Duration(c.Retention) * time.Minute
}

// PullIntervalDuration returns the periodic pull cadence as a time.Duration.
func (m *MirrorConfig) PullIntervalDuration() time.Duration {
	return time.Duration(m.PullInterval) * time.Second
}

// TimeoutDuration returns the per-device push timeout as a time.Duration.
func (p *PushConfig) TimeoutDuration() time.Duration {
	return time.Duration(p.Timeout) * time.Second
}

// InboxPath returns the absolute path of the capture inbox folder.
func (v *VaultConfig) InboxPath() string {
	return filepath.Join(v.Path, v.InboxDir)
}

// LogsPath returns the absolute path of the command log folder.
func (v *VaultConfig) LogsPath() string {
	return filepath.Join(v.Path, v.LogsDir)
}

// Command returns the definition for a named command, if one exists.
func (c *CommandsConfig) Command(name string) (CommandDef, bool) {
	for _, def := range c.Defs {
		if def.Name == name {
			return def, true
		}
	}
	return CommandDef{}, false
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	if env := os.Getenv("PRIME_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8787)
	v.SetDefault("server.authToken", "")
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Vault defaults
	v.SetDefault("vault.path", "")
	v.SetDefault("vault.inboxDir", "inbox")
	v.SetDefault("vault.logsDir", "logs/commands")

	// Agent defaults
	v.SetDefault("agent.binary", "claude")
	v.SetDefault("agent.model", "")
	v.SetDefault("agent.permissionMode", "acceptEdits")
	v.SetDefault("agent.turnTimeout", 600)
	v.SetDefault("agent.maxThinkingTokens", 0)

	// Session defaults
	v.SetDefault("sessions.idleTimeout", 30)
	v.SetDefault("sessions.gracePeriod", 5)
	v.SetDefault("sessions.askUserTimeout", 55)
	v.SetDefault("sessions.bufferCapacity", 100)

	// Command run defaults
	v.SetDefault("commands.retention", 60)
	v.SetDefault("commands.maxEvents", 200)
	v.SetDefault("commands.auditDbPath", "")
	v.SetDefault("commands.defs", []map[string]any{})

	// Mirror defaults - disabled until a remote is configured
	v.SetDefault("mirror.enabled", false)
	v.SetDefault("mirror.remote", "origin")
	v.SetDefault("mirror.branch", "main")
	v.SetDefault("mirror.pullInterval", 300)

	// Push defaults
	v.SetDefault("push.registryPath", "")
	v.SetDefault("push.timeout", 10)

	// Identity defaults
	v.SetDefault("identity.path", "")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "prime-agent")
	v.SetDefault("nats.maxReconnects", 10)

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix PRIME_ with snake_case naming.
// The config file is config.yaml in the current directory or /etc/prime-agent/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified file or default locations.
// File contents pass through ${VAR} environment expansion before parsing, so
// secrets such as the auth token can live in the environment rather than the file.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("PRIME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("server.authToken", "PRIME_SERVER_AUTH_TOKEN", "PRIME_AUTH_TOKEN")
	_ = v.BindEnv("vault.path", "PRIME_VAULT_PATH")
	_ = v.BindEnv("vault.inboxDir", "PRIME_VAULT_INBOX_DIR")
	_ = v.BindEnv("vault.logsDir", "PRIME_VAULT_LOGS_DIR")
	_ = v.BindEnv("agent.binary", "PRIME_AGENT_BINARY")
	_ = v.BindEnv("agent.permissionMode", "PRIME_AGENT_PERMISSION_MODE")
	_ = v.BindEnv("mirror.enabled", "PRIME_MIRROR_ENABLED")
	_ = v.BindEnv("push.registryPath", "PRIME_PUSH_REGISTRY_PATH")
	_ = v.BindEnv("identity.path", "PRIME_IDENTITY_PATH")
	_ = v.BindEnv("nats.url", "PRIME_NATS_URL")

	v.SetConfigType("yaml")

	path, err := resolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		expanded := os.Expand(string(raw), func(key string) string {
			return os.Getenv(key)
		})
		if err := v.ReadConfig(strings.NewReader(expanded)); err != nil {
			return nil, fmt.Errorf("error parsing config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	applyDerivedPaths(&cfg)

	return &cfg, nil
}

// resolveConfigFile locates the config file to load. An explicit path must
// exist; otherwise the default locations are searched and a missing file is
// tolerated (defaults plus environment variables apply).
func resolveConfigFile(configPath string) (string, error) {
	if configPath != "" {
		info, err := os.Stat(configPath)
		if err != nil {
			return "", fmt.Errorf("config file %s: %w", configPath, err)
		}
		if info.IsDir() {
			candidate := filepath.Join(configPath, "config.yaml")
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			}
			return "", fmt.Errorf("no config.yaml in %s", configPath)
		}
		return configPath, nil
	}

	for _, candidate := range []string{
		"config.yaml",
		"/etc/prime-agent/config.yaml",
	} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidate := filepath.Join(home, ".prime-agent", "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", nil
}

// applyDerivedPaths fills file locations that default relative to the vault
// parent directory when not configured explicitly.
func applyDerivedPaths(cfg *Config) {
	stateDir := filepath.Dir(cfg.Vault.Path)
	if cfg.Vault.Path == "" {
		stateDir = "."
	}
	if cfg.Push.RegistryPath == "" {
		cfg.Push.RegistryPath = filepath.Join(stateDir, ".prime-agent", "devices.json")
	}
	if cfg.Identity.Path == "" {
		cfg.Identity.Path = filepath.Join(stateDir, ".prime-agent", "identity.json")
	}
	if cfg.Commands.AuditDBPath == "" {
		cfg.Commands.AuditDBPath = filepath.Join(stateDir, ".prime-agent", "command_runs.db")
	}
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Vault.Path == "" {
		errs = append(errs, "vault.path is required")
	}

	// Auth token - generate a dev token if not set so the boundary is never open
	if cfg.Server.AuthToken == "" {
		cfg.Server.AuthToken = generateDevToken()
	}

	if cfg.Agent.Binary == "" {
		errs = append(errs, "agent.binary is required")
	}
	if cfg.Agent.TurnTimeout <= 0 {
		errs = append(errs, "agent.turnTimeout must be positive")
	}

	if cfg.Sessions.IdleTimeout <= 0 {
		errs = append(errs, "sessions.idleTimeout must be positive")
	}
	if cfg.Sessions.BufferCapacity <= 0 {
		errs = append(errs, "sessions.bufferCapacity must be positive")
	}

	if cfg.Commands.Retention <= 0 {
		errs = append(errs, "commands.retention must be positive")
	}
	if cfg.Commands.MaxEvents <= 0 {
		errs = append(errs, "commands.maxEvents must be positive")
	}
	seen := map[string]bool{}
	for _, def := range cfg.Commands.Defs {
		if def.Name == "" {
			errs = append(errs, "commands.defs entries require a name")
			continue
		}
		if seen[def.Name] {
			errs = append(errs, fmt.Sprintf("commands.defs has duplicate name %q", def.Name))
		}
		seen[def.Name] = true
		if def.Prompt == "" {
			errs = append(errs, fmt.Sprintf("commands.defs %q requires a prompt", def.Name))
		}
		if def.Schedule < 0 {
			errs = append(errs, fmt.Sprintf("commands.defs %q schedule must not be negative", def.Name))
		}
	}

	if cfg.Mirror.Enabled && cfg.Mirror.Remote == "" {
		errs = append(errs, "mirror.remote is required when mirror.enabled is true")
	}
	if cfg.Mirror.PullInterval <= 0 {
		errs = append(errs, "mirror.pullInterval must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// generateDevToken generates a random bearer token for development mode.
// In production, users should set PRIME_SERVER_AUTH_TOKEN.
func generateDevToken() string {
	return "dev-token-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
