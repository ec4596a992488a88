// Package probe runs a bounded connection test: connect, sample a few
// payment events, disconnect.
package probe

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/aaronromeo/paywatch/internal/config"
	"github.com/aaronromeo/paywatch/internal/mailbox"
	"github.com/aaronromeo/paywatch/internal/matchers"
	"github.com/aaronromeo/paywatch/internal/payment"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrConnectTimeout is reported when the connection does not settle within
// the connect timeout.
var ErrConnectTimeout = errors.New("timed out connecting to the mail server")

// Result is the outcome of a probe run.
type Result struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Events  []payment.Event `json:"emails,omitempty"`
}

type Option func(*Probe)

func WithLogger(log *slog.Logger) Option {
	return func(p *Probe) {
		p.log = log
	}
}

// WithTimings overrides the default timeouts and event cap. Zero fields keep
// their defaults.
func WithTimings(timings config.ProbeTimings) Option {
	return func(p *Probe) {
		if timings.ConnectTimeout > 0 {
			p.timings.ConnectTimeout = timings.ConnectTimeout
		}
		if timings.CollectTimeout > 0 {
			p.timings.CollectTimeout = timings.CollectTimeout
		}
		if timings.SettleDelay > 0 {
			p.timings.SettleDelay = timings.SettleDelay
		}
		if timings.MaxEvents > 0 {
			p.timings.MaxEvents = timings.MaxEvents
		}
	}
}

func WithAllowList(allow matchers.AllowList) Option {
	return func(p *Probe) {
		p.allow = allow
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(p *Probe) {
		p.tracer = tracer
	}
}

type Probe struct {
	dialer  mailbox.Dialer
	log     *slog.Logger
	tracer  trace.Tracer
	allow   matchers.AllowList
	timings config.ProbeTimings
}

func New(dialer mailbox.Dialer, opts ...Option) *Probe {
	p := &Probe{
		dialer: dialer,
		log:    slog.Default(),
		tracer: otel.Tracer("github.com/aaronromeo/paywatch/internal/probe"),
		allow:  matchers.NewAllowList(config.DefaultAllowedSenders...),
		timings: config.ProbeTimings{
			ConnectTimeout: config.DefaultConnectTimeout,
			CollectTimeout: config.DefaultCollectTimeout,
			SettleDelay:    config.DefaultSettleDelay,
			MaxEvents:      config.DefaultMaxEvents,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run connects with creds and collects up to MaxEvents payment events. The
// connection is always closed before Run returns. Already-unseen mail is
// always sampled.
func (p *Probe) Run(ctx context.Context, creds mailbox.Credentials) Result {
	ctx, span := p.tracer.Start(ctx, "probe.Run", trace.WithAttributes(
		attribute.String("imap.host", creds.Host),
		attribute.String("imap.mailbox", creds.MailboxName()),
	))
	defer span.End()

	if err := config.ValidateCredentials(creds); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Result{Error: err.Error()}
	}
	creds.FetchUnseen = true

	conn, err := p.connect(ctx, creds)
	if err != nil {
		p.log.Warn("probe connection failed", "host", creds.Host, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{Error: err.Error()}
	}
	defer p.closeConn(conn)

	events := p.collect(ctx, conn)
	span.SetAttributes(attribute.Int("probe.events", len(events)))
	p.log.Info("probe finished", "host", creds.Host, "events", len(events))
	return Result{Success: true, Events: events}
}

type dialResult struct {
	conn mailbox.Conn
	err  error
}

func (p *Probe) connect(ctx context.Context, creds mailbox.Credentials) (mailbox.Conn, error) {
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan dialResult, 1)
	go func() {
		conn, err := p.dialer.Dial(dialCtx, creds)
		results <- dialResult{conn: conn, err: err}
	}()

	timer := time.NewTimer(p.timings.ConnectTimeout)
	defer timer.Stop()

	var cause error
	select {
	case r := <-results:
		if r.err != nil {
			return nil, mailbox.RewriteAuthTimeout(r.err)
		}
		return r.conn, nil
	case <-timer.C:
		cause = ErrConnectTimeout
	case <-ctx.Done():
		cause = ctx.Err()
	}

	go func() {
		if r := <-results; r.conn != nil {
			p.log.Debug("closing connection that completed after the probe gave up")
			p.closeConn(r.conn)
		}
	}()
	return nil, cause
}

func (p *Probe) collect(ctx context.Context, conn mailbox.Conn) []payment.Event {
	collectTimer := time.NewTimer(p.timings.CollectTimeout)
	defer collectTimer.Stop()

	var (
		settleTimer *time.Timer
		settle      <-chan time.Time
	)
	defer func() {
		if settleTimer != nil {
			settleTimer.Stop()
		}
	}()

	processor := payment.Processor{Allow: p.allow}
	events := []payment.Event{}
	for {
		select {
		case msg, ok := <-conn.Messages():
			if !ok {
				return events
			}
			if len(events) >= p.timings.MaxEvents {
				continue
			}
			event, ok := processor.Process(msg)
			if !ok {
				continue
			}
			events = append(events, event)
			if len(events) == p.timings.MaxEvents {
				settleTimer = time.NewTimer(p.timings.SettleDelay)
				settle = settleTimer.C
			}
		case <-conn.Done():
			return events
		case <-settle:
			return events
		case <-collectTimer.C:
			return events
		case <-ctx.Done():
			return events
		}
	}
}

func (p *Probe) closeConn(conn mailbox.Conn) {
	if err := conn.Close(); !mailbox.IsBenignCloseError(err) {
		p.log.Warn("closing probe connection", "error", err)
	}
}
