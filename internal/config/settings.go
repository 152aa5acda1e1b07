// Package config holds the bridge's process-wide settings and the
// registry of configured tool programs (mcp-servers.json).
package config

import (
	"os"
	"strconv"
	"time"
)

// Settings is the process-wide configuration, sourced once from MCPO_
// environment variables at startup. Nothing in this struct is re-read
// after NewSettings returns.
type Settings struct {
	BaseURL    string
	ConfigFile string
	JobsDir    string
	LogLevel   string
	Addr       string

	MaxConcurrent int
	Timeout       time.Duration
	FileExpiry    time.Duration

	StatefulEnabled             bool
	StatefulDefaultIdleTimeout  time.Duration
	StatefulMaxProcessesPerIP   int
	StatefulMaxTotalProcesses   int
	StatefulCleanupInterval     time.Duration
	EnableForwardUserInfoHeader bool
}

// NewSettings loads Settings from the environment, applying the same
// defaults as the bridge has always shipped with.
func NewSettings() Settings {
	return Settings{
		BaseURL:    getenv("MCPO_BASE_URL", "http://nginx"),
		ConfigFile: getenv("MCPO_CONFIG_FILE", "/app/config/mcp-servers.json"),
		JobsDir:    getenv("MCPO_JOBS_DIR", "/tmp/mcpo-jobs"),
		LogLevel:   getenv("MCPO_LOG_LEVEL", "info"),
		Addr:       getenv("MCPO_ADDR", ":8000"),

		MaxConcurrent: getenvInt("MCPO_MAX_CONCURRENT", 16),
		Timeout:       getenvSeconds("MCPO_TIMEOUT", 300),
		FileExpiry:    getenvSeconds("MCPO_FILE_EXPIRY", 3600),

		StatefulEnabled:             getenvBool("MCPO_STATEFUL_ENABLED", true),
		StatefulDefaultIdleTimeout:  getenvSeconds("MCPO_STATEFUL_DEFAULT_IDLE_TIMEOUT", 1800),
		StatefulMaxProcessesPerIP:   getenvInt("MCPO_STATEFUL_MAX_PROCESSES_PER_IP", 1),
		StatefulMaxTotalProcesses:   getenvInt("MCPO_STATEFUL_MAX_TOTAL_PROCESSES", 100),
		StatefulCleanupInterval:     getenvSeconds("MCPO_STATEFUL_CLEANUP_INTERVAL", 300),
		EnableForwardUserInfoHeader: getenvBool("MCPO_ENABLE_FORWARD_USER_INFO_HEADERS", true),
	}
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvSeconds(key string, defSeconds int) time.Duration {
	return time.Duration(getenvInt(key, defSeconds)) * time.Second
}
