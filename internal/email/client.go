package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nugget/mailroom/internal/mimetree"
)

// levelWire is the slog level at which raw IMAP protocol traffic is
// logged. It sits below Debug and matches the "trace" log level.
const levelWire = slog.Level(-8)

// Client is a single-account IMAP client that wraps go-imap/v2 with
// automatic reconnection and mutex-serialized access. All public
// methods are goroutine-safe.
type Client struct {
	cfg     IMAPConfig
	logger  *slog.Logger
	mime    *mimetree.Reconstructor
	workers int

	mu     sync.Mutex
	client *imapclient.Client
}

// NewClient creates an IMAP client for the given account configuration.
// The connection is established lazily on first use. workers bounds
// concurrent message reconstruction during folder fetches.
func NewClient(cfg IMAPConfig, workers int, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if workers <= 0 {
		workers = 1
	}
	return &Client{
		cfg:     cfg,
		logger:  logger,
		mime:    mimetree.New(logger),
		workers: workers,
	}
}

// Connect establishes the IMAP connection and authenticates. It is
// called automatically by ensureConnected but can be called explicitly
// for eager initialization.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

// connectLocked performs the actual connection. Caller must hold c.mu.
func (c *Client) connectLocked(ctx context.Context) error {
	if c.client != nil {
		_ = c.client.Close()
		c.client = nil
	}

	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	c.logger.Debug("connecting to IMAP server", "host", c.cfg.Host, "port", c.cfg.Port, "tls", c.cfg.TLS)

	conn, err := c.dial(ctx, addr)
	if err != nil {
		if IsTimeout(err) {
			return fmt.Errorf("dial IMAP %s: %w: %w", addr, ErrTimeout, err)
		}
		return fmt.Errorf("dial IMAP %s: %w", addr, err)
	}

	// The greeting and LOGIN share one deadline; go-imap commands are
	// not context-aware.
	authTimeout := time.Duration(c.cfg.AuthTimeoutSec) * time.Second
	if authTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(authTimeout))
	}

	opts := &imapclient.Options{}
	if c.logger.Enabled(ctx, levelWire) {
		opts.DebugWriter = &wireWriter{logger: c.logger, host: c.cfg.Host}
	}
	client := imapclient.New(conn, opts)

	if err := client.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
		_ = client.Close()
		if IsTimeout(err) {
			return fmt.Errorf("login as %s: %w: %w", c.cfg.Username, ErrTimeout, err)
		}
		return fmt.Errorf("login as %s: %w", c.cfg.Username, err)
	}
	_ = conn.SetDeadline(time.Time{})

	c.client = client
	c.logger.Info("IMAP connected", "host", c.cfg.Host, "user", c.cfg.Username)
	return nil
}

// dial opens the TCP connection, wrapping it in TLS when configured.
func (c *Client) dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: time.Duration(c.cfg.ConnTimeoutSec) * time.Second}
	if !c.cfg.TLS {
		return dialer.DialContext(ctx, "tcp", addr)
	}
	td := &tls.Dialer{
		NetDialer: dialer,
		Config:    &tls.Config{ServerName: c.cfg.Host},
	}
	return td.DialContext(ctx, "tcp", addr)
}

// ensureConnected checks the connection and reconnects if needed.
// Caller must hold c.mu.
func (c *Client) ensureConnected(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.client != nil {
		if err := c.client.Noop().Wait(); err == nil {
			return nil
		}
		c.logger.Debug("IMAP connection stale, reconnecting", "host", c.cfg.Host)
	}
	return c.connectLocked(ctx)
}

// Ping checks that the IMAP connection is alive. Used by connwatch
// for health monitoring.
func (c *Client) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureConnected(ctx)
}

// Close logs out and closes the IMAP connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}

	if err := c.client.Logout().Wait(); err != nil {
		c.logger.Debug("IMAP logout failed", "error", err)
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// selectFolder opens a mailbox read-write. Caller must hold c.mu.
func (c *Client) selectFolder(folder string) (*imap.SelectData, error) {
	return c.openFolder(folder, false)
}

// examineFolder opens a mailbox read-only so that fetching does not
// change flags. Caller must hold c.mu.
func (c *Client) examineFolder(folder string) (*imap.SelectData, error) {
	return c.openFolder(folder, true)
}

func (c *Client) openFolder(folder string, readOnly bool) (*imap.SelectData, error) {
	if folder == "" {
		folder = "INBOX"
	}
	data, err := c.client.Select(folder, &imap.SelectOptions{ReadOnly: readOnly}).Wait()
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrFolderOpen, folder, err)
	}
	return data, nil
}

// wireWriter forwards go-imap's protocol debug output to the logger.
type wireWriter struct {
	logger *slog.Logger
	host   string
}

var _ io.Writer = (*wireWriter)(nil)

func (w *wireWriter) Write(p []byte) (int, error) {
	w.logger.Log(context.Background(), levelWire, "imap wire", "host", w.host, "data", string(p))
	return len(p), nil
}
