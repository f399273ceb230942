// Package config assembles the daemon configuration from environment
// variables with sane defaults. Every knob is a STENOD_* variable; command
// line flags in cmd/stenod override individual fields.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Options is the fully resolved daemon configuration.
type Options struct {
	// SocketPath is where the control socket is created.
	SocketPath string
	// PidPath guards against concurrent daemon instances.
	PidPath string
	// DBPath is the SQLite database file.
	DBPath string

	// DefaultLocale applies to start commands without an explicit locale.
	DefaultLocale string
	// DefaultSystemAudio applies to start commands without the flag.
	DefaultSystemAudio bool

	// LLMBaseURL points at an OpenAI-compatible endpoint; empty selects the
	// hosted API. LLMAPIKey empty disables summarization entirely.
	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string
	LLMTimeout time.Duration

	// SummaryTriggerCount and SummaryInterval tune the debounce policy.
	SummaryTriggerCount int
	SummaryInterval     time.Duration

	LogLevel string
}

// FromEnv resolves the configuration from the process environment.
func FromEnv() Options {
	runDir := runtimeDir()
	dataDir := dataDir()
	return Options{
		SocketPath:          ParseString("STENOD_SOCKET", filepath.Join(runDir, "steno.sock")),
		PidPath:             ParseString("STENOD_PIDFILE", filepath.Join(runDir, "stenod.pid")),
		DBPath:              ParseString("STENOD_DB", filepath.Join(dataDir, "steno.db")),
		DefaultLocale:       ParseString("STENOD_LOCALE", "en-US"),
		DefaultSystemAudio:  ParseBool("STENOD_SYSTEM_AUDIO", false),
		LLMBaseURL:          ParseString("STENOD_LLM_BASE_URL", ""),
		LLMAPIKey:           ParseString("STENOD_LLM_API_KEY", ""),
		LLMModel:            ParseString("STENOD_LLM_MODEL", "gpt-4o-mini"),
		LLMTimeout:          ParseDuration("STENOD_LLM_TIMEOUT", 60*time.Second),
		SummaryTriggerCount: ParseInt("STENOD_SUMMARY_TRIGGER_COUNT", 10),
		SummaryInterval:     ParseDuration("STENOD_SUMMARY_INTERVAL", 30*time.Second),
		LogLevel:            ParseString("STENOD_LOG_LEVEL", "info"),
	}
}

// runtimeDir picks where socket and pid file live: XDG_RUNTIME_DIR when set,
// otherwise the system temp directory.
func runtimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}
	return os.TempDir()
}

// dataDir picks where the database lives, following XDG conventions.
func dataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "stenod")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "stenod")
	}
	return "."
}
