package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseYAML(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.yaml", `
telegram:
  token: "123:abc"
  poll_timeout: "15s"
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./state.db
imap:
  enabled: true
poll:
  default_interval_seconds: 300
  min_interval_seconds: 30
notify:
  rate_per_sec: 5
`)
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || cfg.Telegram.PollTimeout != "15s" {
		t.Fatalf("telegram section: %+v", cfg.Telegram)
	}
	if cfg.Storage.Driver != "sqlite" || !cfg.Imap.Enabled {
		t.Fatalf("sections: %+v %+v", cfg.Storage, cfg.Imap)
	}
	if cfg.Poll.MinIntervalSeconds != 30 || cfg.Notify.RatePerSec != 5 {
		t.Fatalf("sections: %+v %+v", cfg.Poll, cfg.Notify)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.yaml", `
telegram:
  token: "x"
  tokn_typo: "y"
`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatalf("unknown field must be rejected")
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.json", `{"telegram":{"token":"x"},"logging":{"console":true}}`)
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "x" || !cfg.Logging.Console {
		t.Fatalf("parsed: %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"missing token", func(c *Config) { c.Telegram.Token = "" }, true},
		{"bad poll timeout", func(c *Config) { c.Telegram.PollTimeout = "soon" }, true},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "etcd" }, true},
		{"gmail without credentials", func(c *Config) { c.Gmail.Enabled = true }, true},
		{"default below min", func(c *Config) {
			c.Poll.MinIntervalSeconds = 60
			c.Poll.DefaultIntervalSeconds = 30
		}, true},
		{"ok", func(c *Config) {}, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{Telegram: TelegramConfig{Token: "x"}}
			tc.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() = %v, wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	if d, err := ParseDurationField("f", ""); err != nil || d != 0 {
		t.Fatalf("empty: %v %v", d, err)
	}
	if d, err := ParseDurationField("f", "1m30s"); err != nil || d != 90*time.Second {
		t.Fatalf("1m30s: %v %v", d, err)
	}
	if _, err := ParseDurationField("f", "-5s"); err == nil {
		t.Fatalf("negative duration must fail")
	}
	if _, err := ParseDurationField("f", "soon"); err == nil {
		t.Fatalf("garbage duration must fail")
	}
	if d, err := ParseDurationOrDefault("f", "", 10*time.Second); err != nil || d != 10*time.Second {
		t.Fatalf("default: %v %v", d, err)
	}
}
