package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/jarvis-agent/jarvis/internal/config"
)

// Client is the agent's IMAP session for one account. A mutex
// serializes all mailbox operations: the listener and the email tools
// share this client, and interleaved SELECTs would read each other's
// folders. A dropped connection is redialed on the next operation.
type Client struct {
	host     string
	port     int
	username string
	password string
	useTLS   bool
	logger   *slog.Logger

	mu     sync.Mutex
	client *imapclient.Client
}

// NewClient builds the client from the email configuration. Nothing
// is dialed until the first operation. Port 143 means plaintext, any
// other port TLS.
func NewClient(cfg config.EmailConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	port := cfg.IMAPPort
	if port == 0 {
		port = 993
	}
	return &Client{
		host:     cfg.IMAPHost,
		port:     port,
		username: cfg.Username,
		password: cfg.Password,
		useTLS:   port != 143,
		logger:   logger.With("component", "email"),
	}
}

// Enabled reports whether enough configuration is present to connect.
func (c *Client) Enabled() bool {
	return c.host != "" && c.username != ""
}

// Connect dials eagerly. Operations reconnect on their own; this
// exists so startup can fail fast on bad credentials.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.redial(ctx)
}

// Ping reports whether the mailbox is reachable, reconnecting if the
// session went stale.
func (c *Client) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureConnected(ctx)
}

// Close drops the connection. Safe when never connected.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// ensureConnected verifies the session with a NOOP and redials when
// that fails. Caller holds c.mu.
func (c *Client) ensureConnected(ctx context.Context) error {
	if c.client == nil {
		return c.redial(ctx)
	}
	if err := c.client.Noop().Wait(); err != nil {
		c.logger.Debug("imap session stale", "host", c.host, "error", err)
		return c.redial(ctx)
	}
	return nil
}

// redial replaces the connection: drop whatever is there, dial, log
// in. Caller holds c.mu.
func (c *Client) redial(ctx context.Context) error {
	if c.client != nil {
		_ = c.client.Close()
		c.client = nil
	}

	addr := net.JoinHostPort(c.host, strconv.Itoa(c.port))
	c.logger.Debug("dialing imap", "addr", addr, "tls", c.useTLS)

	var conn *imapclient.Client
	var err error
	if c.useTLS {
		conn, err = imapclient.DialTLS(addr, &imapclient.Options{
			TLSConfig: &tls.Config{ServerName: c.host},
		})
	} else {
		conn, err = imapclient.DialInsecure(addr, nil)
	}
	if err != nil {
		return fmt.Errorf("dial imap %s: %w", addr, err)
	}

	if err := conn.Login(c.username, c.password).Wait(); err != nil {
		_ = conn.Close()
		return fmt.Errorf("imap login %s: %w", c.username, err)
	}

	c.client = conn
	c.logger.Info("imap connected", "host", c.host, "user", c.username)
	return nil
}

// selectFolder opens a mailbox for the operations that follow. Caller
// holds c.mu.
func (c *Client) selectFolder(folder string) (*imap.SelectData, error) {
	if folder == "" {
		folder = "INBOX"
	}
	data, err := c.client.Select(folder, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", folder, err)
	}
	return data, nil
}
