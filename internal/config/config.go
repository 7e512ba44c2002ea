package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds application configuration.
type Config struct {
	// MaxMessagesPerSession caps the messages kept per session; older ones are dropped first.
	MaxMessagesPerSession int `json:"max_messages_per_session"`

	// MaxSessions caps the sessions kept in durable storage; the oldest are dropped first.
	MaxSessions int `json:"max_sessions"`

	// HistoryLimit is how many trailing messages are sent along with a new request.
	HistoryLimit int `json:"history_limit"`

	// SaveDebounceMS delays low-value persistence (seen-card bookkeeping).
	SaveDebounceMS int `json:"save_debounce_ms"`

	// TitleDelayMS is the delay before a section title is requested from the host.
	TitleDelayMS int `json:"title_delay_ms"`

	// DeckRetryDelayMS and DeckRetryLimit bound how long a deck selection waits
	// for sessions to finish loading.
	DeckRetryDelayMS int `json:"deck_retry_delay_ms"`
	DeckRetryLimit   int `json:"deck_retry_limit"`

	// CardDetailsTimeoutMS bounds a getCardDetails round trip.
	CardDetailsTimeoutMS int `json:"card_details_timeout_ms"`

	// SimulatedReplyDelayMS is the latency of the simulated host's answers.
	SimulatedReplyDelayMS int `json:"simulated_reply_delay_ms"`

	// DefaultMode is the response mode used when a request does not name one ("compact" or "detailed").
	DefaultMode string `json:"default_mode"`

	// FallbackSectionTitle replaces a section title the host failed to generate.
	FallbackSectionTitle string `json:"fallback_section_title"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level"`

	// AllowedPaths is an allowlist of directories for import/export operations.
	// Paths outside ~/.ankipanel/exports require either being in this list or AllowUnsafePaths=true.
	// Paths should be absolute (relative paths are ignored).
	AllowedPaths []string `json:"allowed_paths,omitempty"`

	// AllowUnsafePaths disables directory restrictions for import/export.
	// Symlink and extension checks still apply.
	AllowUnsafePaths bool `json:"allow_unsafe_paths,omitempty"`

	// DBMaxOpenConns limits the maximum number of open database connections.
	// 0 means use sql.DB default (unlimited).
	DBMaxOpenConns int `json:"db_max_open_conns,omitempty"`

	// DBMaxIdleConns limits the maximum number of idle database connections.
	DBMaxIdleConns int `json:"db_max_idle_conns,omitempty"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	DisabledTools []string `json:"disabled_tools,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxMessagesPerSession: 100,
		MaxSessions:           50,
		HistoryLimit:          10,
		SaveDebounceMS:        5000,
		TitleDelayMS:          1500,
		DeckRetryDelayMS:      500,
		DeckRetryLimit:        3,
		CardDetailsTimeoutMS:  10000,
		SimulatedReplyDelayMS: 1500,
		DefaultMode:           "compact",
		FallbackSectionTitle:  "Flashcard",
		LogLevel:              "info",
	}
}

// SaveDebounce returns SaveDebounceMS as a duration.
func (c *Config) SaveDebounce() time.Duration { return ms(c.SaveDebounceMS) }

// TitleDelay returns TitleDelayMS as a duration.
func (c *Config) TitleDelay() time.Duration { return ms(c.TitleDelayMS) }

// DeckRetryDelay returns DeckRetryDelayMS as a duration.
func (c *Config) DeckRetryDelay() time.Duration { return ms(c.DeckRetryDelayMS) }

// CardDetailsTimeout returns CardDetailsTimeoutMS as a duration.
func (c *Config) CardDetailsTimeout() time.Duration { return ms(c.CardDetailsTimeoutMS) }

// SimulatedReplyDelay returns SimulatedReplyDelayMS as a duration.
func (c *Config) SimulatedReplyDelay() time.Duration { return ms(c.SimulatedReplyDelayMS) }

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// Load loads configuration from baseDir/config.json.
// Returns default config if the file doesn't exist.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.ankipanel.
func Load(baseDir string) (*Config, error) {
	return loadFile(filepath.Join(baseDir, "config.json"))
}

// LoadWithOverlay loads baseDir/config.json and then applies overlayPath on top.
// overlayPath is typically a per-profile file handed over by the host; an empty
// or missing overlay leaves the global config as is.
func LoadWithOverlay(baseDir, overlayPath string) (*Config, error) {
	global, err := loadFileRaw(filepath.Join(baseDir, "config.json"))
	if err != nil {
		return nil, err
	}

	overlay := &Config{}
	if overlayPath != "" {
		overlay, err = loadFileRaw(overlayPath)
		if err != nil {
			return nil, err
		}
	}

	return Merge(Merge(DefaultConfig(), global), overlay), nil
}

// loadFileRaw loads configuration from a specific file path.
// Returns zero-valued config if the file doesn't exist (not defaults).
func loadFileRaw(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFile loads configuration from a specific file path.
// Returns default config if the file doesn't exist.
func loadFile(configPath string) (*Config, error) {
	cfg, err := loadFileRaw(configPath)
	if err != nil {
		return nil, err
	}
	return Merge(DefaultConfig(), cfg), nil
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars; arrays are merged and deduplicated.
func Merge(base, overlay *Config) *Config {
	result := &Config{}

	// Scalars: overlay wins if non-zero, else base
	result.MaxMessagesPerSession = pickInt(overlay.MaxMessagesPerSession, base.MaxMessagesPerSession)
	result.MaxSessions = pickInt(overlay.MaxSessions, base.MaxSessions)
	result.HistoryLimit = pickInt(overlay.HistoryLimit, base.HistoryLimit)
	result.SaveDebounceMS = pickInt(overlay.SaveDebounceMS, base.SaveDebounceMS)
	result.TitleDelayMS = pickInt(overlay.TitleDelayMS, base.TitleDelayMS)
	result.DeckRetryDelayMS = pickInt(overlay.DeckRetryDelayMS, base.DeckRetryDelayMS)
	result.DeckRetryLimit = pickInt(overlay.DeckRetryLimit, base.DeckRetryLimit)
	result.CardDetailsTimeoutMS = pickInt(overlay.CardDetailsTimeoutMS, base.CardDetailsTimeoutMS)
	result.SimulatedReplyDelayMS = pickInt(overlay.SimulatedReplyDelayMS, base.SimulatedReplyDelayMS)
	result.DBMaxOpenConns = pickInt(overlay.DBMaxOpenConns, base.DBMaxOpenConns)
	result.DBMaxIdleConns = pickInt(overlay.DBMaxIdleConns, base.DBMaxIdleConns)

	result.DefaultMode = pickString(overlay.DefaultMode, base.DefaultMode)
	result.FallbackSectionTitle = pickString(overlay.FallbackSectionTitle, base.FallbackSectionTitle)
	result.LogLevel = pickString(overlay.LogLevel, base.LogLevel)

	// Booleans: overlay wins if true, else base
	result.AllowUnsafePaths = base.AllowUnsafePaths || overlay.AllowUnsafePaths

	// Arrays: merge and deduplicate
	result.AllowedPaths = mergeStringSlice(base.AllowedPaths, overlay.AllowedPaths)
	result.DisabledTools = mergeStringSlice(base.DisabledTools, overlay.DisabledTools)

	return result
}

func pickInt(overlay, base int) int {
	if overlay != 0 {
		return overlay
	}
	return base
}

func pickString(overlay, base string) string {
	if s := strings.TrimSpace(overlay); s != "" {
		return s
	}
	return base
}

// mergeStringSlice combines two slices, trims whitespace, and removes duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, s := range append(append([]string{}, a...), b...) {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}
