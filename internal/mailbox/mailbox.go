// Package mailbox defines the contract between the watcher and a mail
// protocol connection: credentials, the parsed message shape, and the
// connect/stream/disconnect lifecycle.
package mailbox

//go:generate mockgen -source=mailbox.go -destination=mock/mock_mailbox.go -package=mock

import (
	"context"
	"fmt"
	"time"
)

const DefaultMailbox = "INBOX"

// Address is one entry of a parsed address list.
type Address struct {
	Name    string
	Address string
}

// Sender carries every form of the From header a connection could recover.
type Sender struct {
	// Text is the decoded header text, e.g. `Chime <alerts@account.chime.com>`.
	Text string
	// Addresses is the structured address list.
	Addresses []Address
	// Address is the bare address reported by the server envelope.
	Address string
}

// RawMessage is one inbound message as delivered by a connection.
type RawMessage struct {
	UID     uint32
	Sender  Sender
	Subject string
	Date    time.Time
	HTML    string
	Text    string
}

// Credentials holds everything needed to open a mailbox connection.
type Credentials struct {
	Host     string
	Port     int
	Username string
	Password string
	Mailbox  string

	// InsecureSkipVerify disables TLS certificate validation.
	InsecureSkipVerify bool
	// FetchUnseen makes the connection emit already-unseen messages right
	// after the mailbox is selected.
	FetchUnseen bool
}

// Addr returns host:port.
func (c Credentials) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MailboxName returns the configured mailbox or INBOX.
func (c Credentials) MailboxName() string {
	if c.Mailbox == "" {
		return DefaultMailbox
	}
	return c.Mailbox
}

// Conn is a live, selected mailbox connection.
//
// Messages is closed when the connection ends. Done is closed once the
// connection has ended for any reason; Err then reports the cause, or nil
// when the connection was closed by the caller.
type Conn interface {
	Messages() <-chan RawMessage
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Dialer opens connections. A nil error is the "connected" signal; a
// non-nil error is the connect failure cause.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials) (Conn, error)
}
