// Package config resolves the agent's runtime configuration: API
// credentials from the .env file, tunables from agent.yaml, and the
// config/data directory layout.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const AppName = "nextdns-blocker"

// Exit codes for the ndb binary.
const (
	ExitOK          = 0
	ExitGeneral     = 1
	ExitConfig      = 2
	ExitRemote      = 3
	ExitValidation  = 4
	ExitPermission  = 5
	ExitInterrupted = 130
)

// Defaults for tunables overridable through agent.yaml.
const (
	DefaultTimeout      = 10 * time.Second
	DefaultRetries      = 3
	DefaultTickInterval = 120 * time.Second
	DefaultCacheTTL     = 60 * time.Second
	DefaultRateLimit    = 30
	DefaultRateWindow   = 60 * time.Second
	DefaultPauseMinutes = 30
)

var (
	apiKeyPattern    = regexp.MustCompile(`^[a-zA-Z0-9_-]{8,}$`)
	profileIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{4,30}$`)
	webhookPattern   = regexp.MustCompile(`^https://discord\.com/api/webhooks/\d+/[a-zA-Z0-9_-]+$`)
)

// AgentSettings are the operator-tunable knobs read from agent.yaml. Zero
// values fall back to the defaults above.
type AgentSettings struct {
	TickIntervalSeconds int    `yaml:"tick_interval_seconds"`
	CacheTTLSeconds     int    `yaml:"cache_ttl_seconds"`
	RateLimit           int    `yaml:"rate_limit"`
	RateWindowSeconds   int    `yaml:"rate_window_seconds"`
	TimeoutSeconds      int    `yaml:"timeout_seconds"`
	Retries             int    `yaml:"retries"`
	LogLevel            string `yaml:"log_level"`
	NotificationCommand string `yaml:"notification_command"`

	Email struct {
		Enabled bool   `yaml:"enabled"`
		Domain  string `yaml:"domain"`
		APIKey  string `yaml:"api_key"`
		From    string `yaml:"from"`
		To      string `yaml:"to"`
	} `yaml:"email"`
}

// Config is the resolved agent configuration.
type Config struct {
	APIKey            string
	ProfileID         string
	DiscordWebhookURL string

	ConfigDir string
	DataDir   string

	Timeout      time.Duration
	Retries      int
	TickInterval time.Duration
	CacheTTL     time.Duration
	RateLimit    int
	RateWindow   time.Duration

	Agent AgentSettings
}

// PolicyPath is the location of the operator policy file.
func (c *Config) PolicyPath() string { return filepath.Join(c.ConfigDir, "config.json") }

// LogDir is where the audit log lives.
func (c *Config) LogDir() string { return filepath.Join(c.DataDir, "logs") }

// ConfigDir resolves the configuration directory. Resolution order: explicit
// override, $NDB_CONFIG_DIR, the working directory when it holds both .env
// and config.json, then the platform config dir.
func ConfigDir(override string) string {
	if override != "" {
		return override
	}
	if env := os.Getenv("NDB_CONFIG_DIR"); env != "" {
		return env
	}
	if cwd, err := os.Getwd(); err == nil {
		_, envErr := os.Stat(filepath.Join(cwd, ".env"))
		_, cfgErr := os.Stat(filepath.Join(cwd, "config.json"))
		if envErr == nil && cfgErr == nil {
			return cwd
		}
	}
	base, err := os.UserConfigDir()
	if err != nil {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, AppName)
}

// DataDir resolves the state directory ($NDB_DATA_DIR, then the platform
// data dir).
func DataDir() string {
	if env := os.Getenv("NDB_DATA_DIR"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppName)
	case "windows":
		if appData := os.Getenv("LOCALAPPDATA"); appData != "" {
			return filepath.Join(appData, AppName)
		}
		return filepath.Join(home, "AppData", "Local", AppName)
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, AppName)
		}
		return filepath.Join(home, ".local", "share", AppName)
	}
}

// Load resolves the full agent configuration from configDir (or the default
// resolution order when empty).
func Load(configDir string) (*Config, error) {
	dir := ConfigDir(configDir)

	env, err := readEnvFile(filepath.Join(dir, ".env"))
	if err != nil {
		return nil, err
	}
	lookup := func(key string) string {
		if v, ok := env[key]; ok {
			return v
		}
		return os.Getenv(key)
	}

	cfg := &Config{
		APIKey:            strings.TrimSpace(lookup("NEXTDNS_API_KEY")),
		ProfileID:         strings.TrimSpace(lookup("NEXTDNS_PROFILE_ID")),
		DiscordWebhookURL: strings.TrimSpace(lookup("DISCORD_WEBHOOK_URL")),
		ConfigDir:         dir,
		DataDir:           DataDir(),
		Timeout:           DefaultTimeout,
		Retries:           DefaultRetries,
		TickInterval:      DefaultTickInterval,
		CacheTTL:          DefaultCacheTTL,
		RateLimit:         DefaultRateLimit,
		RateWindow:        DefaultRateWindow,
	}

	if cfg.APIKey == "" {
		return nil, fmt.Errorf("missing NEXTDNS_API_KEY in %s/.env or environment", dir)
	}
	if !apiKeyPattern.MatchString(cfg.APIKey) {
		return nil, fmt.Errorf("invalid NEXTDNS_API_KEY format")
	}
	if cfg.ProfileID == "" {
		return nil, fmt.Errorf("missing NEXTDNS_PROFILE_ID in %s/.env or environment", dir)
	}
	if !profileIDPattern.MatchString(cfg.ProfileID) {
		return nil, fmt.Errorf("invalid NEXTDNS_PROFILE_ID format")
	}
	if cfg.DiscordWebhookURL != "" && !webhookPattern.MatchString(cfg.DiscordWebhookURL) {
		slog.Warn("invalid DISCORD_WEBHOOK_URL format, notifications may fail",
			"expected", "https://discord.com/api/webhooks/{id}/{token}")
	}

	if err := cfg.applyAgentSettings(filepath.Join(dir, "agent.yaml")); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyAgentSettings(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &c.Agent); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	if c.Agent.TickIntervalSeconds > 0 {
		c.TickInterval = time.Duration(c.Agent.TickIntervalSeconds) * time.Second
	}
	if c.Agent.CacheTTLSeconds > 0 {
		c.CacheTTL = time.Duration(c.Agent.CacheTTLSeconds) * time.Second
	}
	if c.Agent.RateLimit > 0 {
		c.RateLimit = c.Agent.RateLimit
	}
	if c.Agent.RateWindowSeconds > 0 {
		c.RateWindow = time.Duration(c.Agent.RateWindowSeconds) * time.Second
	}
	if c.Agent.TimeoutSeconds > 0 {
		c.Timeout = time.Duration(c.Agent.TimeoutSeconds) * time.Second
	}
	if c.Agent.Retries > 0 {
		c.Retries = c.Agent.Retries
	}
	return nil
}

// readEnvFile parses a minimal KEY=VALUE file. Missing file is not an error;
// malformed lines are skipped with a warning.
func readEnvFile(path string) (map[string]string, error) {
	env := map[string]string{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return env, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	content := strings.TrimPrefix(string(data), "\ufeff") // tolerate BOM
	for i, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found || strings.TrimSpace(key) == "" {
			slog.Warn("skipping malformed .env line", "line", i+1)
			continue
		}
		env[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(value), `"'`)
	}
	return env, nil
}

// SetupLogging configures the default slog logger from the agent settings.
func SetupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
