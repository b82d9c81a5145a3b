package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// smtpDialTimeout is the maximum time to establish an SMTP connection.
const smtpDialTimeout = 30 * time.Second

// SendMail connects to the SMTP server, authenticates, and delivers the
// given message. Each call opens and closes its own connection. The
// msg parameter should be a complete RFC 5322 message (as returned by
// ComposeMessage). The context bounds dialing and the whole session.
// Errors wrap ErrSend, and ErrTimeout when a deadline expired.
func SendMail(ctx context.Context, cfg SMTPConfig, from string, recipients []string, msg []byte) error {
	if len(recipients) == 0 {
		return fmt.Errorf("%w: no recipients", ErrSend)
	}
	if err := sendMail(ctx, cfg, from, recipients, msg); err != nil {
		if IsTimeout(err) {
			return fmt.Errorf("%w: %w: %w", ErrSend, ErrTimeout, err)
		}
		return fmt.Errorf("%w: %w", ErrSend, err)
	}
	return nil
}

func sendMail(ctx context.Context, cfg SMTPConfig, from string, recipients []string, msg []byte) error {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	dialer := &net.Dialer{Timeout: smtpDialTimeout}

	var (
		conn net.Conn
		err  error
	)
	implicitTLS := cfg.Port == 465 || !cfg.StartTLS
	if implicitTLS {
		td := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: cfg.Host}}
		conn, err = td.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("dial SMTP %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("create SMTP client on %s: %w", addr, err)
	}
	defer client.Close()

	if err := client.Hello("localhost"); err != nil {
		return fmt.Errorf("EHLO: %w", err)
	}

	if !implicitTLS {
		if err := client.StartTLS(&tls.Config{ServerName: cfg.Host}); err != nil {
			return fmt.Errorf("STARTTLS: %w", err)
		}
	}

	if cfg.Username != "" && cfg.Password != "" {
		auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("AUTH: %w", err)
		}
	}

	if err := client.Mail(extractAddress(from)); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}

	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close DATA: %w", err)
	}

	return client.Quit()
}

// extractAddress extracts the bare email address from a string that
// may be in "Name <addr>" or just "addr" format.
func extractAddress(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, ">") {
		if start := strings.LastIndexByte(s, '<'); start >= 0 {
			return s[start+1 : len(s)-1]
		}
	}
	return s
}

// collectRecipients gathers all unique bare email addresses from the
// To, Cc, and Bcc fields for SMTP RCPT TO commands. Addresses compare
// case-insensitively.
func collectRecipients(to, cc, bcc []string) []string {
	seen := make(map[string]bool)
	var result []string

	for _, lists := range [][]string{to, cc, bcc} {
		for _, addr := range lists {
			bare := extractAddress(addr)
			key := strings.ToLower(bare)
			if bare != "" && !seen[key] {
				seen[key] = true
				result = append(result, bare)
			}
		}
	}

	return result
}
