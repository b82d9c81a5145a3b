package email

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Manager holds multiple named IMAP email clients and routes requests
// to the appropriate account. The first configured account becomes the
// primary (default) account.
type Manager struct {
	clients  map[string]*Client
	accounts map[string]AccountConfig
	order    []string
	primary  string
	bccOwner string
	contacts ContactResolver
	logger   *slog.Logger

	// send delivers a composed message; SendMail outside of tests.
	send func(ctx context.Context, cfg SMTPConfig, from string, recipients []string, msg []byte) error
}

// NewManager creates a manager from the email configuration. Each
// configured account gets a lazily-connected Client. The first account
// becomes the primary.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		clients:  make(map[string]*Client, len(cfg.Accounts)),
		accounts: make(map[string]AccountConfig, len(cfg.Accounts)),
		bccOwner: cfg.BccOwner,
		logger:   logger,
		send:     SendMail,
	}

	for i, acct := range cfg.Accounts {
		client := NewClient(acct.IMAP, cfg.FetchWorkers, logger.With("email_account", acct.Name))
		m.clients[acct.Name] = client
		m.accounts[acct.Name] = acct
		m.order = append(m.order, acct.Name)
		if i == 0 {
			m.primary = acct.Name
		}
	}

	return m
}

// SetContactResolver enables recipient trust gating for Send. A nil
// resolver disables it.
func (m *Manager) SetContactResolver(cr ContactResolver) {
	m.contacts = cr
}

// Account returns the named client, or the primary client if name is
// empty. Returns an error if the account is not found.
func (m *Manager) Account(name string) (*Client, error) {
	if name == "" {
		name = m.primary
	}
	client, ok := m.clients[name]
	if !ok {
		return nil, fmt.Errorf("email account %q not found", name)
	}
	return client, nil
}

// AccountConfig returns the configuration of the named account, or of
// the primary account if name is empty.
func (m *Manager) AccountConfig(name string) (AccountConfig, error) {
	if name == "" {
		name = m.primary
	}
	acct, ok := m.accounts[name]
	if !ok {
		return AccountConfig{}, fmt.Errorf("email account %q not found", name)
	}
	return acct, nil
}

// Primary returns the default account name.
func (m *Manager) Primary() string {
	return m.primary
}

// BccOwner returns the address copied on every outbound message.
func (m *Manager) BccOwner() string {
	return m.bccOwner
}

// AccountNames returns all configured account names in configuration
// order.
func (m *Manager) AccountNames() []string {
	return append([]string(nil), m.order...)
}

// Send composes and delivers an outbound message from the chosen
// account. Recipients are checked against the contact resolver first;
// known contacts need opts.Confirmed. The BCC owner, when configured
// and not already a recipient, receives a blind copy that does not
// appear in the headers.
func (m *Manager) Send(ctx context.Context, opts SendOptions) error {
	acct, err := m.AccountConfig(opts.Account)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSend, err)
	}
	if !acct.SMTPConfigured() {
		return fmt.Errorf("%w: account %q has no SMTP configuration", ErrSend, acct.Name)
	}
	if len(opts.To) == 0 {
		return fmt.Errorf("%w: no recipients", ErrSend)
	}

	trust := CheckRecipientTrust(m.contacts, append(append([]string(nil), opts.To...), opts.Cc...))
	if !trust.Permits(opts.Confirmed) {
		return fmt.Errorf("%w: %w:\n%s", ErrSend, ErrUntrusted, trust.FormatIssues())
	}

	compose := ComposeHTMLMessage
	if opts.Format == BodyMarkdown {
		compose = ComposeMessage
	}
	msg, err := compose(ComposeOptions{
		From:    acct.DefaultFrom,
		To:      opts.To,
		Cc:      opts.Cc,
		Subject: opts.Subject,
		Body:    opts.Body,
	})
	if err != nil {
		return fmt.Errorf("%w: compose: %w", ErrSend, err)
	}

	var bcc []string
	if m.bccOwner != "" && !containsAddress(opts.To, m.bccOwner) && !containsAddress(opts.Cc, m.bccOwner) {
		bcc = []string{m.bccOwner}
	}
	recipients := collectRecipients(opts.To, opts.Cc, bcc)

	if err := m.send(ctx, acct.SMTP, acct.DefaultFrom, recipients, msg); err != nil {
		return err
	}

	m.logger.Info("email sent",
		"email_account", acct.Name,
		"recipients", len(recipients),
		"subject", opts.Subject,
	)
	return nil
}

// containsAddress reports whether list holds addr, comparing bare
// addresses case-insensitively.
func containsAddress(list []string, addr string) bool {
	want := extractAddress(addr)
	for _, a := range list {
		if strings.EqualFold(extractAddress(a), want) {
			return true
		}
	}
	return false
}

// Close closes all client connections.
func (m *Manager) Close() {
	for name, client := range m.clients {
		if err := client.Close(); err != nil {
			m.logger.Warn("error closing email client", "account", name, "error", err)
		}
	}
}
