package imapclient

import (
	"context"
	"crypto/tls"
	"net"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aaronromeo/paywatch/internal/mailbox"
	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/pkg/errors"
)

const (
	DefaultAuthTimeout = 20 * time.Second
	logoutTimeout      = 5 * time.Second
)

// Client encapsulates an IMAP connection for the payment watcher.
type Client struct {
	Addr                  string
	Username              string
	Password              string
	Mailbox               string
	TLSConfig             *tls.Config
	UnilateralDataHandler *imapclient.UnilateralDataHandler
	// AuthTimeout bounds login and mailbox selection.
	AuthTimeout time.Duration

	conn   net.Conn
	client *imapclient.Client
}

// Connect establishes the IMAP connection, logs in, and selects the mailbox.
// Cancelling ctx aborts the attempt; it has no effect once Connect returns.
func (c *Client) Connect(ctx context.Context) (*imap.SelectData, error) {
	if strings.TrimSpace(c.Addr) == "" {
		return nil, errors.New("IMAP address is required")
	}
	if strings.TrimSpace(c.Username) == "" || c.Password == "" {
		return nil, errors.New("IMAP credentials are required")
	}
	if strings.TrimSpace(c.Mailbox) == "" {
		c.Mailbox = mailbox.DefaultMailbox
	}
	authTimeout := c.AuthTimeout
	if authTimeout <= 0 {
		authTimeout = DefaultAuthTimeout
	}

	var dialer net.Dialer
	raw, err := dialer.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return nil, &mailbox.ConnectionError{Op: "dial", Err: err}
	}

	// go-imap sets its own read deadlines on conn, so the auth bound is a
	// timer that drops the connection.
	var authExpired atomic.Bool
	authTimer := time.AfterFunc(authTimeout, func() {
		authExpired.Store(true)
		_ = raw.Close()
	})
	stop := context.AfterFunc(ctx, func() {
		_ = raw.Close()
	})
	abort := func(op string, err error) (*imap.SelectData, error) {
		authTimer.Stop()
		stop()
		_ = raw.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if authExpired.Load() {
			return nil, &mailbox.ConnectionError{Op: op, Err: mailbox.ErrAuthTimeout}
		}
		return nil, mailbox.RewriteAuthTimeout(&mailbox.ConnectionError{Op: op, Err: err})
	}

	tlsConfig := c.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{}
	}
	if tlsConfig.ServerName == "" {
		host, _, _ := net.SplitHostPort(c.Addr)
		tlsConfig = tlsConfig.Clone()
		tlsConfig.ServerName = host
	}
	conn := tls.Client(raw, tlsConfig)
	if err := conn.HandshakeContext(ctx); err != nil {
		return abort("tls", err)
	}

	var options *imapclient.Options
	if c.UnilateralDataHandler != nil {
		options = &imapclient.Options{UnilateralDataHandler: c.UnilateralDataHandler}
	}
	client := imapclient.New(conn, options)

	if err := client.Login(c.Username, c.Password).Wait(); err != nil {
		return abort("login", err)
	}

	selection, err := client.Select(c.Mailbox, nil).Wait()
	if err != nil {
		return abort("select", err)
	}

	if !authTimer.Stop() {
		stop()
		_ = raw.Close()
		return nil, &mailbox.ConnectionError{Op: "select", Err: mailbox.ErrAuthTimeout}
	}
	if !stop() {
		_ = raw.Close()
		return nil, ctx.Err()
	}

	c.conn = conn
	c.client = client
	return selection, nil
}

// Close logs out and clears the connection.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	_ = c.conn.SetDeadline(time.Now().Add(logoutTimeout))
	err := c.client.Logout().Wait()
	closeErr := c.client.Close()
	c.client = nil
	c.conn = nil
	if mailbox.IsBenignCloseError(err) {
		err = nil
	}
	if err == nil && !mailbox.IsBenignCloseError(closeErr) {
		err = closeErr
	}
	return err
}

// Abort closes the network connection without logging out. It unblocks any
// command in flight.
func (c *Client) Abort() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// Idle starts an IMAP IDLE command.
func (c *Client) Idle() (*imapclient.IdleCommand, error) {
	if c.client == nil {
		return nil, errors.New("IMAP client is not connected")
	}
	return c.client.Idle()
}

// SearchUIDsNewerThan returns the UIDs greater than lastUID.
func (c *Client) SearchUIDsNewerThan(ctx context.Context, lastUID uint32) ([]uint32, error) {
	if c.client == nil {
		return nil, errors.New("IMAP client is not connected")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var uidSet imap.UIDSet
	uidSet.AddRange(imap.UID(lastUID+1), 0)
	data, err := c.client.UIDSearch(&imap.SearchCriteria{UID: []imap.UIDSet{uidSet}}, nil).Wait()
	if err != nil {
		return nil, errors.Wrap(err, "search new messages")
	}

	// "n:*" always matches the highest UID, even when it is below n.
	uids := make([]uint32, 0, len(data.AllUIDs()))
	for _, uid := range data.AllUIDs() {
		if uint32(uid) > lastUID {
			uids = append(uids, uint32(uid))
		}
	}
	return uids, nil
}

// SearchUnseen returns the UIDs of messages without the \Seen flag.
func (c *Client) SearchUnseen(ctx context.Context) ([]uint32, error) {
	if c.client == nil {
		return nil, errors.New("IMAP client is not connected")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	criteria := &imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}}
	data, err := c.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, errors.Wrap(err, "search unseen messages")
	}

	uids := make([]uint32, 0, len(data.AllUIDs()))
	for _, uid := range data.AllUIDs() {
		uids = append(uids, uint32(uid))
	}
	return uids, nil
}

// FetchMessages fetches and parses the messages with the provided UIDs in
// UID order. Messages are fetched with BODY.PEEK so their flags are kept.
func (c *Client) FetchMessages(ctx context.Context, uids []uint32) ([]mailbox.RawMessage, error) {
	if c.client == nil {
		return nil, errors.New("IMAP client is not connected")
	}
	if len(uids) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var uidSet imap.UIDSet
	for _, uid := range uids {
		uidSet.AddNum(imap.UID(uid))
	}

	section := &imap.FetchItemBodySection{Peek: true}
	fetchOptions := &imap.FetchOptions{
		Envelope:    true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}

	fetchCmd := c.client.Fetch(uidSet, fetchOptions)
	messages := make([]mailbox.RawMessage, 0, len(uids))
	for {
		if err := ctx.Err(); err != nil {
			_ = fetchCmd.Close()
			return nil, err
		}

		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			_ = fetchCmd.Close()
			return nil, errors.Wrap(err, "fetch message")
		}
		messages = append(messages, ParseMessage(uint32(buf.UID), buf.Envelope, buf.FindBodySection(section)))
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, errors.Wrap(err, "fetch messages")
	}

	sort.Slice(messages, func(i, j int) bool { return messages[i].UID < messages[j].UID })
	return messages, nil
}
