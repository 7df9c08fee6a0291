// Package config resolves inboxstat settings from the config file, the
// environment and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Backends and auth modes accepted by Validate.
const (
	BackendGmail = "gmail"
	BackendIMAP  = "imap"
	AuthToken    = "token"
	AuthGmailctl = "gmailctl"
)

// MaxPageSize is the largest list page the Gmail API returns.
const MaxPageSize = 500

// CacheConfig enables the on-disk record cache.
type CacheConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// IMAPConfig addresses the IMAP backend.
type IMAPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	TLS      bool   `mapstructure:"tls"`
	Mailbox  string `mapstructure:"mailbox"`
}

// ThemeConfig holds lipgloss colour values for the report.
type ThemeConfig struct {
	Bar    string `mapstructure:"bar"`
	Header string `mapstructure:"header"`
	Icon   string `mapstructure:"icon"`
}

// Config is the resolved configuration of one invocation.
type Config struct {
	User             string      `mapstructure:"user"`
	Top              int         `mapstructure:"top"`
	Backend          string      `mapstructure:"backend"`
	Auth             string      `mapstructure:"auth"`
	CredentialsDir   string      `mapstructure:"credentials_dir"`
	PageSize         int         `mapstructure:"page_size"`
	RPS              int         `mapstructure:"rps"`
	IncludeSpamTrash bool        `mapstructure:"include_spam_trash"`
	Cache            CacheConfig `mapstructure:"cache"`
	JSON             string      `mapstructure:"json"`
	LogLevel         string      `mapstructure:"log_level"`
	IMAP             IMAPConfig  `mapstructure:"imap"`
	Theme            ThemeConfig `mapstructure:"theme"`
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"top":         "top",
	"user":        "user",
	"backend":     "backend",
	"auth":        "auth",
	"credentials": "credentials_dir",
	"cache":       "cache.enabled",
	"json":        "json",
	"rps":         "rps",
	"page-size":   "page_size",
}

// DefaultDir returns ~/.config/inboxstat.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "inboxstat")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.yaml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("user", "me")
	v.SetDefault("top", 20)
	v.SetDefault("backend", BackendGmail)
	v.SetDefault("auth", AuthToken)
	v.SetDefault("credentials_dir", DefaultDir())
	v.SetDefault("page_size", MaxPageSize)
	v.SetDefault("rps", 50)
	v.SetDefault("include_spam_trash", false)
	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.path", "")
	v.SetDefault("json", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("imap.port", 993)
	v.SetDefault("imap.tls", true)
	v.SetDefault("imap.mailbox", "INBOX")
	v.SetDefault("theme.bar", "63")
	v.SetDefault("theme.header", "212")
	v.SetDefault("theme.icon", "42")
}

// Load reads path (a missing file is not an error), applies INBOXSTAT_*
// environment variables and then any flags in fs that were set.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("INBOXSTAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
		if f := fs.Lookup("verbose"); f != nil && f.Changed && f.Value.String() == "true" {
			v.Set("log_level", "debug")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings no backend can run with.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendGmail:
		if c.Auth != AuthToken && c.Auth != AuthGmailctl {
			return fmt.Errorf("auth must be %q or %q, got %q", AuthToken, AuthGmailctl, c.Auth)
		}
	case BackendIMAP:
		if c.IMAP.Host == "" || c.IMAP.Username == "" {
			return errors.New("imap backend needs imap.host and imap.username")
		}
	default:
		return fmt.Errorf("backend must be %q or %q, got %q", BackendGmail, BackendIMAP, c.Backend)
	}
	if c.Top <= 0 {
		return fmt.Errorf("top must be positive, got %d", c.Top)
	}
	if c.PageSize <= 0 || c.PageSize > MaxPageSize {
		return fmt.Errorf("page size must be in 1..%d, got %d", MaxPageSize, c.PageSize)
	}
	if c.RPS < 0 {
		return fmt.Errorf("rps must not be negative, got %d", c.RPS)
	}
	if c.JSON != "" {
		clean := filepath.Clean(strings.TrimSpace(c.JSON))
		if !filepath.IsLocal(clean) {
			return fmt.Errorf("json path %q must stay inside the working directory", c.JSON)
		}
		c.JSON = clean
	}
	return nil
}

// Account names the mailbox for cache keys.
func (c *Config) Account() string {
	if c.Backend == BackendIMAP {
		return fmt.Sprintf("imap:%s@%s", c.IMAP.Username, c.IMAP.Host)
	}
	return "gmail:" + c.User
}
