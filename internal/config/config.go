package config

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"
)

// NOTE: This file provides the configuration model and YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions.

// BasicAuthConfig holds HTTP Basic Auth credentials for the web endpoints.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// IMAPConfig points the exporter at a mailbox instead of MailDir.
type IMAPConfig struct {
	// Addr is host[:port]; the port defaults to 993 (IMAPS).
	Addr     string `yaml:"addr" json:"addr"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	// Mailbox is the folder holding the calendar mails (default INBOX).
	Mailbox string `yaml:"mailbox" json:"mailbox"`
	// Insecure connects without TLS. Only for local test servers.
	Insecure bool `yaml:"insecure,omitempty" json:"insecure,omitempty"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the calendar feed and API.
	Listen string `yaml:"listen" json:"listen"`

	// MailDir is the directory tree of exported .eml messages to read.
	MailDir string `yaml:"mail_dir" json:"mail_dir"`

	// IMAP, if non-nil, replaces MailDir as the message source.
	IMAP *IMAPConfig `yaml:"imap,omitempty" json:"imap,omitempty"`

	// Output is the path the serialized calendar is written to. The previous
	// content of this file is the origin of each run's diff.
	Output string `yaml:"output" json:"output"`

	// AttachmentsDir is where ATTACH payloads are stored.
	AttachmentsDir string `yaml:"attachments_dir" json:"attachments_dir"`

	// PublicURL, if set, turns stored attachment references into URLs
	// (e.g. "https://cal.example.com") instead of absolute file paths.
	PublicURL string `yaml:"public_url" json:"public_url"`

	// ProductID is written as PRODID of the output calendar.
	ProductID string `yaml:"product_id" json:"product_id"`

	// RecordIDProperty names the vendor property carrying the record id.
	RecordIDProperty string `yaml:"record_id_property" json:"record_id_property"`

	// RefreshCron is a cron-style schedule string (e.g. "*/15 * * * *")
	// used for periodic export.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const (
	defaultListen           = "127.0.0.1:8080"
	defaultMailDir          = "./var/mail"
	defaultOutput           = "./var/calendar.ics"
	defaultAttachmentsDir   = "./var/attachments"
	defaultProductID        = "-//gwics//NONSGML groupwise-to-ics//EN"
	defaultRecordIDProperty = "X-GWRECORDID"
	defaultRefreshCron      = "*/15 * * * *"
	defaultLogLevel         = "info"
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:           defaultListen,
		MailDir:          defaultMailDir,
		Output:           defaultOutput,
		AttachmentsDir:   defaultAttachmentsDir,
		ProductID:        defaultProductID,
		RecordIDProperty: defaultRecordIDProperty,
		RefreshCron:      defaultRefreshCron,
		LogLevel:         defaultLogLevel,
		BasicAuth:        nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.MailDir == "" {
		c.MailDir = defaultMailDir
	}
	if c.Output == "" {
		c.Output = defaultOutput
	}
	if c.AttachmentsDir == "" {
		c.AttachmentsDir = defaultAttachmentsDir
	}
	c.PublicURL = strings.TrimRight(c.PublicURL, "/")
	if c.ProductID == "" {
		c.ProductID = defaultProductID
	}
	if c.RecordIDProperty == "" {
		c.RecordIDProperty = defaultRecordIDProperty
	}
	c.RecordIDProperty = strings.ToUpper(c.RecordIDProperty)
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefreshCron
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
		c.LogLevel = strings.ToLower(c.LogLevel)
	default:
		c.LogLevel = defaultLogLevel
	}
	// An IMAP block without a server address is treated as "use MailDir".
	if c.IMAP != nil {
		if c.IMAP.Addr == "" {
			c.IMAP = nil
		} else if c.IMAP.Mailbox == "" {
			c.IMAP.Mailbox = "INBOX"
		}
	}
	// Credentials without a username are treated as "auth disabled".
	if c.BasicAuth != nil && c.BasicAuth.Username == "" {
		c.BasicAuth = nil
	}
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via natefinch/atomic (temp file + rename).
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
