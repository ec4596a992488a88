package mailbox

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

var (
	// ErrAuthTimeout replaces login timeouts with something an operator can act on.
	ErrAuthTimeout = errors.New("timed out while authenticating with the mail server: " +
		"check the IMAP username and password, and use an app password if the account has two-factor authentication enabled")

	// ErrClosed reports a connection that ended without a more specific cause.
	ErrClosed = errors.New("mailbox connection closed")
)

// ConnectionError is a network or authentication failure during connect.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("mailbox %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// RewriteAuthTimeout maps authentication timeouts onto ErrAuthTimeout and
// returns every other error unchanged.
func RewriteAuthTimeout(err error) error {
	if err == nil || errors.Is(err, ErrAuthTimeout) {
		return err
	}
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "timed out while authenticating") {
		return &ConnectionError{Op: "login", Err: ErrAuthTimeout}
	}
	var connErr *ConnectionError
	if errors.As(err, &connErr) && connErr.Op == "login" && IsTimeout(connErr.Err) {
		return &ConnectionError{Op: "login", Err: ErrAuthTimeout}
	}
	return err
}

// IsTimeout reports whether err is a deadline or i/o timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "i/o timeout")
}

// IsBenignCloseError reports errors that only mean the connection was
// already gone when we tried to tear it down.
func IsBenignCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
