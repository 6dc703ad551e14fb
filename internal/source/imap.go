package source

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	appLog "gwics/internal/log"
)

// IMAPOptions describes one mailbox on an IMAP server.
type IMAPOptions struct {
	// Addr is host:port; the port defaults to 993.
	Addr     string
	Username string
	Password string
	// Mailbox defaults to INBOX.
	Mailbox string
	// Insecure disables TLS. Only meant for local servers.
	Insecure bool
	// TLSConfig overrides the TLS settings of the connection.
	TLSConfig *tls.Config
	// DialTimeout bounds connection setup. Defaults to 15s.
	DialTimeout time.Duration
}

// IMAP is a MessageSource over an IMAP mailbox. Message ids are the decimal
// UIDs of the selected mailbox, in ascending order.
//
// The session is opened on first use and kept until Close or the first
// command error, after which the next call reconnects.
type IMAP struct {
	opts IMAPOptions

	mu     sync.Mutex
	client *imapclient.Client
}

// NewIMAP creates an IMAP source. No connection is made until IDs or Fetch.
func NewIMAP(opts IMAPOptions) *IMAP {
	if opts.Mailbox == "" {
		opts.Mailbox = "INBOX"
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 15 * time.Second
	}
	if _, _, err := net.SplitHostPort(opts.Addr); err != nil {
		opts.Addr = net.JoinHostPort(opts.Addr, "993")
	}
	return &IMAP{opts: opts}
}

// IDs runs UID SEARCH ALL on the mailbox.
func (m *IMAP) IDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.session(ctx)
	if err != nil {
		return nil, err
	}

	data, err := c.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		m.drop()
		return nil, fmt.Errorf("source: imap search: %w", err)
	}

	uids := data.AllUIDs()
	ids := make([]string, 0, len(uids))
	for _, uid := range uids {
		ids = append(ids, strconv.FormatUint(uint64(uid), 10))
	}
	appLog.Debug("imap mailbox listed", "mailbox", m.opts.Mailbox, "messages", len(ids))
	return ids, nil
}

// Fetch retrieves the full RFC 822 message with UID FETCH BODY.PEEK[], so
// the \Seen flag is left alone.
func (m *IMAP) Fetch(ctx context.Context, id string) ([]byte, error) {
	uid, err := strconv.ParseUint(id, 10, 32)
	if err != nil || uid == 0 {
		return nil, fmt.Errorf("source: invalid imap message id %q", id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.session(ctx)
	if err != nil {
		return nil, err
	}

	section := &imap.FetchItemBodySection{Peek: true}
	msgs, err := c.Fetch(imap.UIDSetNum(imap.UID(uid)), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		m.drop()
		return nil, fmt.Errorf("source: imap fetch %s: %w", id, err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("source: imap message %s not found", id)
	}

	body := msgs[0].FindBodySection(section)
	if body == nil {
		return nil, fmt.Errorf("source: imap message %s has no body", id)
	}
	return body, nil
}

// Close logs out and closes the connection, if any.
func (m *IMAP) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client == nil {
		return nil
	}
	c := m.client
	m.client = nil

	if err := c.Logout().Wait(); err != nil {
		appLog.Debug("imap logout failed", "error", err.Error())
	}
	return c.Close()
}

// session returns the open client, connecting, logging in and selecting the
// mailbox when needed. Callers hold m.mu.
func (m *IMAP) session(ctx context.Context) (*imapclient.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.client != nil {
		return m.client, nil
	}

	dialer := &net.Dialer{Timeout: m.opts.DialTimeout}
	var (
		conn net.Conn
		err  error
	)
	if m.opts.Insecure {
		conn, err = dialer.DialContext(ctx, "tcp", m.opts.Addr)
	} else {
		tlsConfig := m.opts.TLSConfig
		if tlsConfig == nil {
			host, _, _ := net.SplitHostPort(m.opts.Addr)
			tlsConfig = &tls.Config{ServerName: host}
		}
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", m.opts.Addr)
	}
	if err != nil {
		return nil, fmt.Errorf("source: imap dial %s: %w", m.opts.Addr, err)
	}

	c := imapclient.New(conn, nil)
	if err := c.Login(m.opts.Username, m.opts.Password).Wait(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("source: imap login as %s: %w", m.opts.Username, err)
	}
	if _, err := c.Select(m.opts.Mailbox, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		_ = c.Logout().Wait()
		_ = c.Close()
		return nil, fmt.Errorf("source: imap select %s: %w", m.opts.Mailbox, err)
	}

	appLog.Info("imap session opened", "addr", m.opts.Addr, "mailbox", m.opts.Mailbox)
	m.client = c
	return c, nil
}

// drop discards a session after a command error. Callers hold m.mu.
func (m *IMAP) drop() {
	if m.client == nil {
		return
	}
	if err := m.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		appLog.Debug("imap close failed", "error", err.Error())
	}
	m.client = nil
}
