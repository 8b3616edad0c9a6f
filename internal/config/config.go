package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the companion daemon.
type Config struct {
	// CDP connection settings
	CDPAddress string
	CDPPort    int

	// Host domain
	HostSuffix    string
	ExcludedHosts []string

	// API listener
	BindAddr         string
	PortCandidates   []string
	PortAutoFallback bool
	EvalTimeoutMS    int
	WaitAttempts     int
	WaitIntervalMS   int
	ClipboardPollMS  int
	FaviconEnabled   bool
	FaviconRulesFile string

	// Storage
	DBPath     string
	JournalDir string

	// Browser launch
	LaunchBrowser bool
	StartURL      string

	LogLevel string
	LogFile  string
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		CDPAddress:       getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:          getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9222),
		HostSuffix:       strings.ToLower(getEnvOrDefault("DOMO_HOST_SUFFIX", ".domo.com")),
		ExcludedHosts:    getEnvListOrDefault("DOMO_EXCLUDED_HOSTS", "www.domo.com,domo.com,developer.domo.com,knowledge.domo.com"),
		BindAddr:         getEnvOrDefault("COMPANION_BIND_ADDR", "127.0.0.1:8190"),
		PortCandidates:   getEnvListOrDefault("COMPANION_PORT_CANDIDATES", "127.0.0.1:8191,127.0.0.1:8192"),
		PortAutoFallback: getEnvBoolOrDefault("COMPANION_PORT_AUTO_FALLBACK", true),
		EvalTimeoutMS:    getEnvIntOrDefault("COMPANION_EVAL_TIMEOUT_MS", 10000),
		WaitAttempts:     getEnvIntOrDefault("COMPANION_WAIT_ATTEMPTS", 50),
		WaitIntervalMS:   getEnvIntOrDefault("COMPANION_WAIT_INTERVAL_MS", 100),
		ClipboardPollMS:  getEnvIntOrDefault("COMPANION_CLIPBOARD_POLL_MS", 500),
		FaviconEnabled:   getEnvBoolOrDefault("COMPANION_FAVICON_ENABLED", true),
		FaviconRulesFile: getEnvOrDefault("COMPANION_FAVICON_RULES_FILE", ""),
		DBPath:           getEnvOrDefault("COMPANION_DB_PATH", "./data/companion.db"),
		JournalDir:       getEnvOrDefault("COMPANION_JOURNAL_DIR", "./data/journal"),
		LaunchBrowser:    getEnvBoolOrDefault("COMPANION_LAUNCH_BROWSER", false),
		StartURL:         getEnvOrDefault("COMPANION_START_URL", "https://www.domo.com"),
		LogLevel:         strings.ToLower(getEnvOrDefault("COMPANION_LOG_LEVEL", "info")),
		LogFile:          getEnvOrDefault("COMPANION_LOG_FILE", "logs/domo_companion.log"),
	}
	if cfg.EvalTimeoutMS < 1000 {
		cfg.EvalTimeoutMS = 1000
	}
	if cfg.ClipboardPollMS < 0 {
		cfg.ClipboardPollMS = 0
	}
	if !strings.HasPrefix(cfg.HostSuffix, ".") {
		cfg.HostSuffix = "." + cfg.HostSuffix
	}
	if cfg.CDPPort <= 0 || cfg.CDPPort > 65535 {
		return nil, fmt.Errorf("CHROMIUM_CDP_PORT out of range: %d", cfg.CDPPort)
	}
	return cfg, nil
}

// CDPURL returns the CDP HTTP endpoint.
func (c *Config) CDPURL() string {
	return "http://" + c.CDPAddress + ":" + strconv.Itoa(c.CDPPort)
}

func (c *Config) EvalTimeout() time.Duration {
	return time.Duration(c.EvalTimeoutMS) * time.Millisecond
}

func (c *Config) WaitInterval() time.Duration {
	return time.Duration(c.WaitIntervalMS) * time.Millisecond
}

// ClipboardPoll is zero when polling is disabled.
func (c *Config) ClipboardPoll() time.Duration {
	return time.Duration(c.ClipboardPollMS) * time.Millisecond
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

// getEnvListOrDefault splits a comma separated value, dropping blanks.
func getEnvListOrDefault(key, defaultVal string) []string {
	var out []string
	for _, part := range strings.Split(getEnvOrDefault(key, defaultVal), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
