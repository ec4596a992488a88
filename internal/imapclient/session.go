package imapclient

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/aaronromeo/paywatch/internal/mailbox"
	"github.com/emersion/go-imap/v2/imapclient"
)

const (
	// DefaultIdleRefresh restarts IDLE before servers drop it (RFC 2177
	// allows a server to end IDLE after 30 minutes).
	DefaultIdleRefresh = 25 * time.Minute
	closeGrace         = 5 * time.Second
)

type DialerOption func(*Dialer)

// WithLogger sets the dialer's logger.
func WithLogger(log *slog.Logger) DialerOption {
	return func(d *Dialer) {
		d.log = log
	}
}

// WithIdleRefresh sets how often IDLE is restarted.
func WithIdleRefresh(interval time.Duration) DialerOption {
	return func(d *Dialer) {
		d.idleRefresh = interval
	}
}

// WithAuthTimeout bounds login and mailbox selection.
func WithAuthTimeout(timeout time.Duration) DialerOption {
	return func(d *Dialer) {
		d.authTimeout = timeout
	}
}

// Dialer opens IDLE sessions on an IMAP mailbox.
type Dialer struct {
	log         *slog.Logger
	idleRefresh time.Duration
	authTimeout time.Duration
}

func NewDialer(opts ...DialerOption) *Dialer {
	d := &Dialer{
		log:         slog.Default(),
		idleRefresh: DefaultIdleRefresh,
		authTimeout: DefaultAuthTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dial connects, logs in and selects the mailbox, then watches it with IDLE
// until the returned connection is closed. ctx bounds the connection attempt
// only.
func (d *Dialer) Dial(ctx context.Context, creds mailbox.Credentials) (mailbox.Conn, error) {
	s := &session{
		log:      d.log.With("mailbox", creds.MailboxName(), "host", creds.Host),
		refresh:  d.idleRefresh,
		messages: make(chan mailbox.RawMessage),
		updates:  make(chan uint32, 1),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}

	s.client = &Client{
		Addr:     net.JoinHostPort(creds.Host, strconv.Itoa(creds.Port)),
		Username: creds.Username,
		Password: creds.Password,
		Mailbox:  creds.MailboxName(),
		TLSConfig: &tls.Config{
			ServerName:         creds.Host,
			InsecureSkipVerify: creds.InsecureSkipVerify, //nolint:gosec
		},
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: s.onMailbox,
		},
		AuthTimeout: d.authTimeout,
	}

	selection, err := s.client.Connect(ctx)
	if err != nil {
		return nil, err
	}

	s.lastCount = selection.NumMessages
	if selection.UIDNext > 0 {
		s.lastUID = uint32(selection.UIDNext - 1)
	}
	s.log.Info("mailbox selected", "messages", s.lastCount, "last_uid", s.lastUID)

	var pending []uint32
	if creds.FetchUnseen {
		pending, err = s.client.SearchUnseen(ctx)
		if err != nil {
			_ = s.client.Close()
			return nil, &mailbox.ConnectionError{Op: "search", Err: err}
		}
		s.log.Debug("unseen messages queued", "uids", len(pending))
	}

	go s.run(pending)
	return s, nil
}

type session struct {
	client  *Client
	log     *slog.Logger
	refresh time.Duration

	messages chan mailbox.RawMessage
	updates  chan uint32
	closing  chan struct{}
	done     chan struct{}

	closeOnce sync.Once
	closeErr  error

	mu  sync.Mutex
	err error

	lastUID   uint32
	lastCount uint32
}

func (s *session) Messages() <-chan mailbox.RawMessage { return s.messages }

func (s *session) Done() <-chan struct{} { return s.done }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the IDLE loop and logs out. It is safe to call more than once.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		select {
		case <-s.done:
		case <-time.After(closeGrace):
			s.log.Warn("idle loop did not stop in time, dropping connection")
			s.client.Abort()
			<-s.done
		}
		s.closeErr = s.client.Close()
	})
	return s.closeErr
}

func (s *session) onMailbox(data *imapclient.UnilateralDataMailbox) {
	if data.NumMessages == nil {
		return
	}
	select {
	case s.updates <- *data.NumMessages:
	default:
	}
}

func (s *session) isClosing() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

func (s *session) fail(err error) {
	if s.isClosing() {
		return
	}
	if err == nil {
		err = mailbox.ErrClosed
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.log.Warn("mailbox session ended", "error", err)
}

func (s *session) run(pending []uint32) {
	defer close(s.done)
	defer close(s.messages)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.closing:
			cancel()
		case <-ctx.Done():
		}
	}()

	if len(pending) > 0 {
		if err := s.deliver(ctx, pending); err != nil {
			s.fail(err)
			return
		}
	}

	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()

	for {
		if s.isClosing() {
			return
		}

		idleCmd, err := s.client.Idle()
		if err != nil {
			s.fail(err)
			return
		}
		waitCh := make(chan error, 1)
		go func() {
			waitCh <- idleCmd.Wait()
		}()

		select {
		case count := <-s.updates:
			_ = idleCmd.Close()
			if err := <-waitCh; err != nil {
				s.fail(err)
				return
			}
			s.log.Debug("mailbox update", "messages", count, "previous", s.lastCount)
			s.lastCount = count
			if err := s.catchUp(ctx); err != nil {
				s.fail(err)
				return
			}
		case <-ticker.C:
			_ = idleCmd.Close()
			if err := <-waitCh; err != nil {
				s.fail(err)
				return
			}
			s.log.Debug("idle refreshed")
			if err := s.catchUp(ctx); err != nil {
				s.fail(err)
				return
			}
		case err := <-waitCh:
			if err == nil {
				err = mailbox.ErrClosed
			}
			s.fail(err)
			return
		case <-s.closing:
			_ = idleCmd.Close()
			select {
			case <-waitCh:
			case <-time.After(closeGrace):
			}
			return
		}
	}
}

func (s *session) catchUp(ctx context.Context) error {
	uids, err := s.client.SearchUIDsNewerThan(ctx, s.lastUID)
	if err != nil {
		return err
	}
	s.log.Debug("search newer than uid", "last_uid", s.lastUID, "uids", len(uids))
	return s.deliver(ctx, uids)
}

func (s *session) deliver(ctx context.Context, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}
	msgs, err := s.client.FetchMessages(ctx, uids)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	s.log.Debug("fetched messages for processing", "messages", len(msgs))
	for _, msg := range msgs {
		select {
		case s.messages <- msg:
		case <-s.closing:
			return nil
		}
	}
	s.lastUID = maxUID(s.lastUID, uids)
	return nil
}

func maxUID(current uint32, uids []uint32) uint32 {
	max := current
	for _, uid := range uids {
		if uid > max {
			max = uid
		}
	}
	return max
}
