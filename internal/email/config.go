package email

import (
	"fmt"
	"time"
)

// Config holds all email account configurations. It is embedded in the
// top-level mailroom config under the "email" YAML key.
type Config struct {
	// BccOwner is an email address that receives a blind copy of every
	// outbound message (unless the owner is already a recipient).
	BccOwner string `yaml:"bcc_owner"`

	// PollIntervalSec is how often the poller checks each INBOX for new
	// mail. Zero disables polling.
	PollIntervalSec int `yaml:"poll_interval_sec"`

	// FetchWorkers bounds how many messages are reconstructed in
	// parallel during a folder fetch. Default: 4.
	FetchWorkers int `yaml:"fetch_workers"`

	// Accounts lists the email accounts to connect to.
	Accounts []AccountConfig `yaml:"accounts"`
}

// Configured reports whether at least one account has the minimum
// required IMAP configuration (host and username).
func (c Config) Configured() bool {
	for _, a := range c.Accounts {
		if a.IMAP.Host != "" && a.IMAP.Username != "" {
			return true
		}
	}
	return false
}

// PollInterval returns the poll interval as a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// ApplyDefaults fills zero-value fields with sensible defaults.
// Called by the parent config's applyDefaults method.
func (c *Config) ApplyDefaults() {
	if c.FetchWorkers <= 0 {
		c.FetchWorkers = 4
	}
	for i := range c.Accounts {
		a := &c.Accounts[i]
		if a.IMAP.Port == 0 {
			a.IMAP.Port = 993
		}
		// TLS stays off only for the plaintext convention port.
		if !a.IMAP.TLS && a.IMAP.Port != 143 {
			a.IMAP.TLS = true
		}
		if a.IMAP.ConnTimeoutSec == 0 {
			a.IMAP.ConnTimeoutSec = 10
		}
		if a.IMAP.AuthTimeoutSec == 0 {
			a.IMAP.AuthTimeoutSec = 5
		}

		// SMTP host defaults to the IMAP host when only credentials
		// are given.
		if a.SMTP.Host == "" && a.SMTP.Username != "" {
			a.SMTP.Host = a.IMAP.Host
		}
		if a.SMTP.Host != "" {
			if a.SMTP.Port == 0 {
				a.SMTP.Port = 587
			}
			if !a.SMTP.StartTLS && a.SMTP.Port != 465 {
				a.SMTP.StartTLS = true
			}
		}
		if a.DefaultFrom == "" && a.SMTP.Host != "" {
			a.DefaultFrom = a.SMTP.Username
		}
	}
}

// Validate checks that the email configuration is internally consistent.
// Returns an error describing the first problem found.
func (c Config) Validate() error {
	if c.PollIntervalSec < 0 {
		return fmt.Errorf("email.poll_interval_sec must not be negative")
	}
	names := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.Name == "" {
			return fmt.Errorf("email.accounts[%d].name must not be empty", i)
		}
		if names[a.Name] {
			return fmt.Errorf("email.accounts[%d].name %q is a duplicate", i, a.Name)
		}
		names[a.Name] = true

		if a.IMAP.Host == "" {
			return fmt.Errorf("email.accounts[%d] (%s): imap.host is required", i, a.Name)
		}
		if a.IMAP.Username == "" {
			return fmt.Errorf("email.accounts[%d] (%s): imap.username is required", i, a.Name)
		}
		if a.IMAP.Port < 1 || a.IMAP.Port > 65535 {
			return fmt.Errorf("email.accounts[%d] (%s): imap.port %d out of range (1-65535)", i, a.Name, a.IMAP.Port)
		}

		if a.SMTP.Host != "" {
			if a.SMTP.Username == "" {
				return fmt.Errorf("email.accounts[%d] (%s): smtp.username is required when smtp.host is set", i, a.Name)
			}
			if a.SMTP.Password == "" {
				return fmt.Errorf("email.accounts[%d] (%s): smtp.password is required when smtp.host is set", i, a.Name)
			}
			if a.SMTP.Port < 1 || a.SMTP.Port > 65535 {
				return fmt.Errorf("email.accounts[%d] (%s): smtp.port %d out of range (1-65535)", i, a.Name, a.SMTP.Port)
			}
			if a.DefaultFrom == "" {
				return fmt.Errorf("email.accounts[%d] (%s): default_from is required when smtp is configured", i, a.Name)
			}
		}
	}
	return nil
}

// AccountConfig describes a single email account with its IMAP
// and optional SMTP connection parameters.
type AccountConfig struct {
	// Name is a short identifier used in API parameters and logging
	// (e.g., "personal", "work"). Required.
	Name string `yaml:"name"`

	IMAP IMAPConfig `yaml:"imap"`

	// SMTP configures outbound mail. Optional; omit to disable sending
	// from this account.
	SMTP SMTPConfig `yaml:"smtp"`

	// DefaultFrom is the From address for outbound email (e.g.,
	// "Aimée <user@example.com>"). Defaults to the SMTP username.
	DefaultFrom string `yaml:"default_from"`
}

// SMTPConfigured reports whether this account has SMTP send capability.
func (a AccountConfig) SMTPConfigured() bool {
	return a.SMTP.Host != "" && a.SMTP.Username != ""
}

// IMAPConfig holds IMAP server connection parameters.
type IMAPConfig struct {
	// Host is the IMAP server hostname (e.g., "imap.example.com").
	Host string `yaml:"host"`

	// Port is the IMAP server port. Default: 993 (IMAPS).
	Port int `yaml:"port"`

	// Username is the login name (typically the email address).
	Username string `yaml:"username"`

	// Password supports environment variable expansion via the config
	// loader (e.g., ${IMAP_PASSWORD}).
	Password string `yaml:"password"`

	// TLS controls implicit TLS. Default: true except on port 143.
	TLS bool `yaml:"tls"`

	// ConnTimeoutSec bounds the TCP and TLS handshake. Default: 10.
	ConnTimeoutSec int `yaml:"conn_timeout_sec"`

	// AuthTimeoutSec bounds the server greeting and LOGIN exchange.
	// Default: 5.
	AuthTimeoutSec int `yaml:"auth_timeout_sec"`
}

// SMTPConfig holds SMTP server connection parameters for outbound email.
type SMTPConfig struct {
	// Host is the SMTP server hostname. Defaults to the IMAP host.
	Host string `yaml:"host"`

	// Port is the SMTP server port. Default: 587 (submission with STARTTLS).
	Port int `yaml:"port"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// StartTLS upgrades a plaintext connection. Default: true. Port 465
	// always uses implicit TLS.
	StartTLS bool `yaml:"starttls"`
}
