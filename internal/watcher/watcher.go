// Package watcher runs the long-lived mailbox watch: it owns one mailbox
// connection, turns allow-listed messages into payment events and fans them
// out to subscribers.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/aaronromeo/paywatch/internal/config"
	"github.com/aaronromeo/paywatch/internal/mailbox"
	"github.com/aaronromeo/paywatch/internal/matchers"
	"github.com/aaronromeo/paywatch/internal/payment"
	"github.com/aaronromeo/paywatch/internal/telemetry"
)

// DefaultBuffer is the subscriber buffer used when none is given.
const DefaultBuffer = config.DefaultDispatchBuffer

// ErrCanceled is the Error cause recorded when Stop interrupts a dial.
var ErrCanceled = errors.New("connection attempt canceled")

type Option func(*Watcher)

func WithLogger(log *slog.Logger) Option {
	return func(w *Watcher) {
		w.log = log
	}
}

func WithCounters(counters *telemetry.Counters) Option {
	return func(w *Watcher) {
		w.counters = counters
	}
}

// Options are the per-start settings.
type Options struct {
	Credentials mailbox.Credentials
	AllowList   matchers.AllowList
}

// Status is a snapshot of the watcher.
type Status struct {
	State     State  `json:"state"`
	IsRunning bool   `json:"isRunning"`
	LastError string `json:"lastError,omitempty"`
}

// Watcher is safe for concurrent use. Start and Stop are serialized.
type Watcher struct {
	dialer   mailbox.Dialer
	log      *slog.Logger
	counters *telemetry.Counters

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}

	mu      sync.Mutex
	state   State
	lastErr error
	subs    map[int]chan payment.Event
	nextSub int
}

func New(dialer mailbox.Dialer, opts ...Option) *Watcher {
	w := &Watcher{
		dialer: dialer,
		log:    slog.Default(),
		subs:   map[int]chan payment.Event{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// State returns the current state.
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// IsRunning reports whether the watcher is connecting or connected.
func (w *Watcher) IsRunning() bool {
	return w.State().IsRunning()
}

func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	status := Status{State: w.state, IsRunning: w.state.IsRunning()}
	if w.lastErr != nil {
		status.LastError = w.lastErr.Error()
	}
	return status
}

// Start begins watching. It returns nil without doing anything unless the
// watcher is Stopped. Missing credentials are reported as a
// config.ConfigurationError before any connection is attempted; connection
// failures are reported through Status instead.
func (w *Watcher) Start(ctx context.Context, opts Options) error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()

	if w.State() != Stopped {
		return nil
	}
	if err := config.ValidateCredentials(opts.Credentials); err != nil {
		return err
	}
	if opts.Credentials.InsecureSkipVerify {
		w.log.Warn("TLS certificate validation is disabled for the mail server",
			"host", opts.Credentials.Host,
			"setting", "tls.insecure_skip_verify")
	}

	w.mu.Lock()
	w.lastErr = nil
	w.mu.Unlock()
	if !w.transition(Connecting) {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	w.cancel = cancel
	w.done = done

	w.log.Info("watcher starting",
		"host", opts.Credentials.Host,
		"mailbox", opts.Credentials.MailboxName(),
		"allowed_senders", len(opts.AllowList))
	go w.run(runCtx, opts, done)
	return nil
}

// Stop tears down the connection and waits for the watch loop to exit. It
// always lands in Stopped; teardown errors are logged, not returned.
func (w *Watcher) Stop() error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()

	if w.State() == Stopped {
		return nil
	}
	if w.cancel != nil {
		w.cancel()
		<-w.done
		w.cancel = nil
		w.done = nil
	}
	w.transition(Stopped)
	w.log.Info("watcher stopped")
	return nil
}

// Subscribe registers a subscriber with the given buffer size. Events are
// dropped for this subscriber while its buffer is full. The returned
// function unsubscribes and closes the channel.
func (w *Watcher) Subscribe(buffer int) (<-chan payment.Event, func()) {
	if buffer < 1 {
		buffer = DefaultBuffer
	}
	ch := make(chan payment.Event, buffer)

	w.mu.Lock()
	id := w.nextSub
	w.nextSub++
	w.subs[id] = ch
	w.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.subs, id)
			close(ch)
			w.mu.Unlock()
		})
	}
}

func (w *Watcher) transition(to State) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.transitionLocked(to)
}

func (w *Watcher) transitionLocked(to State) bool {
	from := w.state
	if !CanTransition(from, to) {
		w.log.Warn("ignoring illegal watcher transition", "from", from.String(), "to", to.String())
		return false
	}
	w.state = to
	w.log.Debug("watcher state changed", "from", from.String(), "to", to.String())
	return true
}

func (w *Watcher) fail(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.transitionLocked(Error) {
		w.lastErr = err
		w.log.Error("watcher connection failed", "error", err)
	}
}

func (w *Watcher) run(ctx context.Context, opts Options, done chan struct{}) {
	defer close(done)

	conn, err := w.dialer.Dial(ctx, opts.Credentials)
	if err != nil {
		if ctx.Err() != nil {
			err = ErrCanceled
		}
		w.fail(mailbox.RewriteAuthTimeout(err))
		return
	}
	defer w.closeConn(conn)

	if ctx.Err() != nil {
		w.fail(ErrCanceled)
		return
	}
	if !w.transition(Connected) {
		return
	}
	w.log.Info("watcher connected", "mailbox", opts.Credentials.MailboxName())

	processor := payment.Processor{Allow: opts.AllowList}
	for {
		select {
		case msg, ok := <-conn.Messages():
			if !ok {
				if ctx.Err() != nil {
					return
				}
				cause := conn.Err()
				if cause == nil {
					cause = mailbox.ErrClosed
				}
				w.fail(cause)
				return
			}
			w.handle(ctx, processor, msg)
		case <-conn.Done():
			if ctx.Err() != nil {
				return
			}
			cause := conn.Err()
			if cause == nil {
				cause = mailbox.ErrClosed
			}
			w.fail(cause)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) handle(ctx context.Context, processor payment.Processor, msg mailbox.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("recovered panic while handling message", "uid", msg.UID, "panic", r)
		}
	}()

	event, ok := processor.Process(msg)
	if !ok {
		w.counters.Ignored(ctx)
		w.log.Debug("ignoring message from sender outside allow-list",
			"uid", msg.UID,
			"from", matchers.ResolveSender(msg.Sender))
		return
	}
	w.log.Info("payment event",
		"id", event.ID,
		"from", event.FromEmail,
		"amount", event.Amount)
	w.dispatch(ctx, event)
}

func (w *Watcher) dispatch(ctx context.Context, event payment.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, ch := range w.subs {
		select {
		case ch <- event:
			w.counters.Dispatched(ctx)
		default:
			w.counters.Dropped(ctx)
			w.log.Warn("subscriber buffer full, dropping event", "subscriber", id, "event", event.ID)
		}
	}
}

func (w *Watcher) closeConn(conn mailbox.Conn) {
	if err := conn.Close(); !mailbox.IsBenignCloseError(err) {
		w.log.Warn("closing mailbox connection", "error", err)
	}
}
