package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/aeolun/musserver/pkg/registry"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	TCPPort        int
	SSHPort        int // 0 = disabled
	HTTPPort       int // WebSocket endpoint /ws (0 = disabled)
	MetricsPort    int // /metrics and /health, internal only (0 = disabled)
	SSHHostKeyPath string
	DatabasePath   string // "" = no accounts, audit table or movie snapshots
	AuditLogPath   string // "" = audit events are not written to a file

	AutoCreateMovies  bool
	AutoCreateGroups  bool
	IdleTimeout       time.Duration // Pre-login sessions are closed after this
	DefaultLockTTL    time.Duration // 0 = locks without a ttl never expire
	LockSweepInterval time.Duration
	MaxAttributeSize  int
	MaxUsersPerMovie  int // 0 = unlimited
	MaxGroupSize      int // 0 = unlimited
	WriteTimeout      time.Duration

	// Minimum account levels; 0 lets everyone through
	CreateGroupLevel uint8
	AllUsersLevel    uint8 // sending to @AllUsers

	AuthMode        AuthMode
	AutoRegister    bool
	AccountCacheTTL time.Duration
	TokenSecret     string

	SnapshotInterval   time.Duration
	AuditFlushInterval time.Duration

	Movies []MovieConfig // Persistent movies created at startup
}

// MovieConfig declares a persistent movie
type MovieConfig struct {
	Name         string
	MaxUsers     int
	MaxGroupSize int
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:        6470,
		SSHPort:        6471,
		HTTPPort:       8080,
		MetricsPort:    9090,
		SSHHostKeyPath: "~/.musserver/ssh_host_key",

		AutoCreateMovies:  true,
		AutoCreateGroups:  true,
		IdleTimeout:       120 * time.Second,
		DefaultLockTTL:    30 * time.Second,
		LockSweepInterval: 5 * time.Second,
		MaxAttributeSize:  64 * 1024,
		WriteTimeout:      10 * time.Second,

		AuthMode:        AuthOpen,
		AccountCacheTTL: 5 * time.Minute,

		SnapshotInterval:   30 * time.Second,
		AuditFlushInterval: 2 * time.Second,
	}
}

// registryOptions extracts the runtime limits the registry enforces
func registryOptions(cfg ServerConfig) registry.Options {
	return registry.Options{
		AutoCreateMovies: cfg.AutoCreateMovies,
		AutoCreateGroups: cfg.AutoCreateGroups,
		MaxAttributeSize: cfg.MaxAttributeSize,
		DefaultLockTTL:   cfg.DefaultLockTTL,
		MaxUsersPerMovie: cfg.MaxUsersPerMovie,
		MaxGroupSize:     cfg.MaxGroupSize,
	}
}

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server ServerSection  `toml:"server"`
	Limits LimitsSection  `toml:"limits"`
	Auth   AuthSection    `toml:"auth"`
	Movies []MovieSection `toml:"movies"`
}

type ServerSection struct {
	TCPPort                 int    `toml:"tcp_port"`
	SSHPort                 int    `toml:"ssh_port"`
	HTTPPort                int    `toml:"http_port"`
	MetricsPort             int    `toml:"metrics_port"`
	SSHHostKey              string `toml:"ssh_host_key"`
	DatabasePath            string `toml:"database_path"`
	AuditLog                string `toml:"audit_log"`
	SnapshotIntervalSeconds int    `toml:"snapshot_interval_seconds"`
	AuditFlushSeconds       int    `toml:"audit_flush_seconds"`
}

type LimitsSection struct {
	AutoCreateMovies    *bool `toml:"auto_create_movies"`
	AutoCreateGroups    *bool `toml:"auto_create_groups"`
	IdleTimeoutSeconds  int   `toml:"idle_timeout_seconds"`
	LockTTLSeconds      int   `toml:"lock_ttl_seconds"` // negative = no expiry
	LockSweepSeconds    int   `toml:"lock_sweep_seconds"`
	MaxAttributeSize    int   `toml:"max_attribute_size"`
	MaxUsersPerMovie    int   `toml:"max_users_per_movie"`
	MaxGroupSize        int   `toml:"max_group_size"`
	WriteTimeoutSeconds int   `toml:"write_timeout_seconds"`
	CreateGroupLevel    int   `toml:"create_group_level"`
	AllUsersLevel       int   `toml:"all_users_level"`
}

type AuthSection struct {
	Mode                string `toml:"mode"`
	AutoRegister        bool   `toml:"auto_register"`
	AccountCacheSeconds int    `toml:"account_cache_seconds"`
	TokenSecret         string `toml:"token_secret"`
}

type MovieSection struct {
	Name         string `toml:"name"`
	MaxUsers     int    `toml:"max_users"`
	MaxGroupSize int    `toml:"max_group_size"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	autoCreate := true
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:                 6470,
			SSHPort:                 6471,
			HTTPPort:                8080,
			MetricsPort:             9090,
			SSHHostKey:              "~/.musserver/ssh_host_key",
			DatabasePath:            "~/.musserver/musserver.db",
			SnapshotIntervalSeconds: 30,
			AuditFlushSeconds:       2,
		},
		Limits: LimitsSection{
			AutoCreateMovies:    &autoCreate,
			AutoCreateGroups:    &autoCreate,
			IdleTimeoutSeconds:  120,
			LockTTLSeconds:      30,
			LockSweepSeconds:    5,
			MaxAttributeSize:    64 * 1024,
			WriteTimeoutSeconds: 10,
		},
		Auth: AuthSection{
			Mode:                string(AuthOpen),
			AccountCacheSeconds: 300,
		},
	}
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}
	return path, nil
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path); err != nil {
			// Still runnable with defaults, e.g. on a read-only config dir
			errorLog.Printf("Failed to write default config to %s: %v", path, err)
		}
		return applyEnvOverrides(config), nil
	}

	// Load from file
	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

func envInt(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

func envString(key string, dst *string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: MUSSERVER_SECTION_KEY
// Example: MUSSERVER_SERVER_TCP_PORT=8080
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	// Server section
	envInt("MUSSERVER_SERVER_TCP_PORT", &config.Server.TCPPort)
	envInt("MUSSERVER_SERVER_SSH_PORT", &config.Server.SSHPort)
	envInt("MUSSERVER_SERVER_HTTP_PORT", &config.Server.HTTPPort)
	envInt("MUSSERVER_SERVER_METRICS_PORT", &config.Server.MetricsPort)
	envString("MUSSERVER_SERVER_SSH_HOST_KEY", &config.Server.SSHHostKey)
	envString("MUSSERVER_SERVER_DATABASE_PATH", &config.Server.DatabasePath)
	envString("MUSSERVER_SERVER_AUDIT_LOG", &config.Server.AuditLog)
	envInt("MUSSERVER_SERVER_SNAPSHOT_INTERVAL_SECONDS", &config.Server.SnapshotIntervalSeconds)
	envInt("MUSSERVER_SERVER_AUDIT_FLUSH_SECONDS", &config.Server.AuditFlushSeconds)

	// Limits section
	if val := os.Getenv("MUSSERVER_LIMITS_AUTO_CREATE_MOVIES"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			config.Limits.AutoCreateMovies = &b
		}
	}
	if val := os.Getenv("MUSSERVER_LIMITS_AUTO_CREATE_GROUPS"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			config.Limits.AutoCreateGroups = &b
		}
	}
	envInt("MUSSERVER_LIMITS_IDLE_TIMEOUT_SECONDS", &config.Limits.IdleTimeoutSeconds)
	envInt("MUSSERVER_LIMITS_LOCK_TTL_SECONDS", &config.Limits.LockTTLSeconds)
	envInt("MUSSERVER_LIMITS_LOCK_SWEEP_SECONDS", &config.Limits.LockSweepSeconds)
	envInt("MUSSERVER_LIMITS_MAX_ATTRIBUTE_SIZE", &config.Limits.MaxAttributeSize)
	envInt("MUSSERVER_LIMITS_MAX_USERS_PER_MOVIE", &config.Limits.MaxUsersPerMovie)
	envInt("MUSSERVER_LIMITS_MAX_GROUP_SIZE", &config.Limits.MaxGroupSize)
	envInt("MUSSERVER_LIMITS_WRITE_TIMEOUT_SECONDS", &config.Limits.WriteTimeoutSeconds)
	envInt("MUSSERVER_LIMITS_CREATE_GROUP_LEVEL", &config.Limits.CreateGroupLevel)
	envInt("MUSSERVER_LIMITS_ALL_USERS_LEVEL", &config.Limits.AllUsersLevel)

	// Auth section
	envString("MUSSERVER_AUTH_MODE", &config.Auth.Mode)
	envBool("MUSSERVER_AUTH_AUTO_REGISTER", &config.Auth.AutoRegister)
	envInt("MUSSERVER_AUTH_ACCOUNT_CACHE_SECONDS", &config.Auth.AccountCacheSeconds)
	envString("MUSSERVER_AUTH_TOKEN_SECRET", &config.Auth.TokenSecret)

	return config
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Create file
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# musserver configuration
# This file was auto-generated with default values
# Settings in [limits] are reloaded while the server runs; everything else
# needs a restart
#
# Environment variables can override these settings:
# MUSSERVER_SECTION_KEY (e.g., MUSSERVER_SERVER_TCP_PORT=8080)

[server]
# Port for TCP connections
tcp_port = 6470

# Port for SSH connections (0 disables SSH)
ssh_port = 6471

# Port for the WebSocket endpoint /ws (0 disables it)
http_port = 8080

# Port for /metrics and /health. Keep it internal. (0 disables it)
metrics_port = 9090

# Path to SSH host key file
ssh_host_key = "~/.musserver/ssh_host_key"

# Path to SQLite database file (accounts, audit events, persistent movies)
database_path = "~/.musserver/musserver.db"

# Audit events as JSON lines, in addition to the database (empty disables)
# audit_log = "~/.musserver/audit.log"

# How often attributes of persistent movies are saved
snapshot_interval_seconds = 30

# How often buffered audit events are written to the database
audit_flush_seconds = 2

[limits]
# Create movies and groups on first join
auto_create_movies = true
auto_create_groups = true

# Connections that have not logged in after this long are closed
idle_timeout_seconds = 120

# Default lock lifetime when a lock request gives none (negative = no expiry)
lock_ttl_seconds = 30

# How often expired locks are swept
lock_sweep_seconds = 5

# Largest attribute value in bytes
max_attribute_size = 65536

# Limits for movies created on join (0 = unlimited)
max_users_per_movie = 0
max_group_size = 0

# Writes to a client that stalls longer than this close its connection
write_timeout_seconds = 10

# Minimum account level (0-255) to create groups and to send to @AllUsers.
# Accounts and tokens default to level 20, admins are 100. 0 allows everyone.
create_group_level = 0
all_users_level = 0

[auth]
# open: any user name, no password
# accounts: name and password checked against the database
# token: password is an HS256 token whose subject is the user name
mode = "open"

# With mode = "accounts", logging in with an unknown name registers it
auto_register = false

# How long account lookups are cached
account_cache_seconds = 300

# Shared secret for mode = "token"
# token_secret = ""

# Persistent movies exist from startup and keep their movie attributes
# across restarts
# [[movies]]
# name = "Lobby"
# max_users = 100
# max_group_size = 16
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// clampLevel fits a configured level into the account level range
func clampLevel(n int) uint8 {
	switch {
	case n < 0:
		return 0
	case n > 255:
		return 255
	default:
		return uint8(n)
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}
	if c.Server.SSHPort != 0 {
		cfg.SSHPort = c.Server.SSHPort
	}
	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	if c.Server.MetricsPort != 0 {
		cfg.MetricsPort = c.Server.MetricsPort
	}
	if strings.TrimSpace(c.Server.SSHHostKey) != "" {
		cfg.SSHHostKeyPath = c.Server.SSHHostKey
	}
	if path, err := c.GetDatabasePath(); err == nil && path != "" {
		cfg.DatabasePath = path
	}
	if path, err := expandHome(strings.TrimSpace(c.Server.AuditLog)); err == nil && path != "" {
		cfg.AuditLogPath = path
	}
	if c.Server.SnapshotIntervalSeconds > 0 {
		cfg.SnapshotInterval = seconds(c.Server.SnapshotIntervalSeconds)
	}
	if c.Server.AuditFlushSeconds > 0 {
		cfg.AuditFlushInterval = seconds(c.Server.AuditFlushSeconds)
	}

	// Limits section
	if c.Limits.AutoCreateMovies != nil {
		cfg.AutoCreateMovies = *c.Limits.AutoCreateMovies
	}
	if c.Limits.AutoCreateGroups != nil {
		cfg.AutoCreateGroups = *c.Limits.AutoCreateGroups
	}
	if c.Limits.IdleTimeoutSeconds > 0 {
		cfg.IdleTimeout = seconds(c.Limits.IdleTimeoutSeconds)
	}
	if c.Limits.LockTTLSeconds > 0 {
		cfg.DefaultLockTTL = seconds(c.Limits.LockTTLSeconds)
	} else if c.Limits.LockTTLSeconds < 0 {
		cfg.DefaultLockTTL = 0
	}
	if c.Limits.LockSweepSeconds > 0 {
		cfg.LockSweepInterval = seconds(c.Limits.LockSweepSeconds)
	}
	if c.Limits.MaxAttributeSize > 0 {
		cfg.MaxAttributeSize = c.Limits.MaxAttributeSize
	}
	if c.Limits.MaxUsersPerMovie > 0 {
		cfg.MaxUsersPerMovie = c.Limits.MaxUsersPerMovie
	}
	if c.Limits.MaxGroupSize > 0 {
		cfg.MaxGroupSize = c.Limits.MaxGroupSize
	}
	if c.Limits.WriteTimeoutSeconds > 0 {
		cfg.WriteTimeout = seconds(c.Limits.WriteTimeoutSeconds)
	}
	cfg.CreateGroupLevel = clampLevel(c.Limits.CreateGroupLevel)
	cfg.AllUsersLevel = clampLevel(c.Limits.AllUsersLevel)

	// Auth section
	if strings.TrimSpace(c.Auth.Mode) != "" {
		cfg.AuthMode = AuthMode(strings.ToLower(strings.TrimSpace(c.Auth.Mode)))
	}
	cfg.AutoRegister = c.Auth.AutoRegister
	if c.Auth.AccountCacheSeconds > 0 {
		cfg.AccountCacheTTL = seconds(c.Auth.AccountCacheSeconds)
	}
	cfg.TokenSecret = c.Auth.TokenSecret

	for _, m := range c.Movies {
		if strings.TrimSpace(m.Name) == "" {
			continue
		}
		cfg.Movies = append(cfg.Movies, MovieConfig{
			Name:         m.Name,
			MaxUsers:     m.MaxUsers,
			MaxGroupSize: m.MaxGroupSize,
		})
	}

	return cfg
}

// GetDatabasePath returns the database path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	return expandHome(c.Server.DatabasePath)
}
