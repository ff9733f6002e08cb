package config

import (
	"fmt"
	"strings"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Gmail    GmailConfig    `json:"gmail"`
	Imap     ImapConfig     `json:"imap"`
	Poll     PollConfig     `json:"poll"`
	Notify   NotifyConfig   `json:"notify"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a duration string for the long-poll window, e.g. "10s".
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	// Driver is "file" (default) or "sqlite".
	Driver        string `json:"driver,omitempty"`
	Path          string `json:"path,omitempty"`
	BusyTimeoutMS int    `json:"busy_timeout_ms,omitempty"`
}

type GmailConfig struct {
	Enabled bool `json:"enabled"`
	// CredentialsFile points at the OAuth client secret JSON.
	CredentialsFile string `json:"credentials_file,omitempty"`
	PageSize        int64  `json:"page_size,omitempty"`
}

type ImapConfig struct {
	Enabled  bool `json:"enabled"`
	PageSize int  `json:"page_size,omitempty"`
}

type PollConfig struct {
	DefaultIntervalSeconds int `json:"default_interval_seconds,omitempty"`
	MinIntervalSeconds     int `json:"min_interval_seconds,omitempty"`
}

type NotifyConfig struct {
	// RatePerSec caps outgoing chat messages globally.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// Validate checks cross-field requirements. Call after env overrides are
// applied, not at parse time.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required (config or TELEGRAM_API_TOKEN)")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "file", "json", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if c.Gmail.Enabled && strings.TrimSpace(c.Gmail.CredentialsFile) == "" {
		return fmt.Errorf("gmail.credentials_file is required when gmail is enabled")
	}
	if c.Poll.DefaultIntervalSeconds < 0 || c.Poll.MinIntervalSeconds < 0 {
		return fmt.Errorf("poll intervals must be >= 0")
	}
	if c.Poll.MinIntervalSeconds > 0 && c.Poll.DefaultIntervalSeconds > 0 &&
		c.Poll.DefaultIntervalSeconds < c.Poll.MinIntervalSeconds {
		return fmt.Errorf("poll.default_interval_seconds is below poll.min_interval_seconds")
	}
	return nil
}
