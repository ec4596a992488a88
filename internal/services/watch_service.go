// Package services provides the watch service facade used by the CLI and
// the HTTP surface.
package services

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/aaronromeo/paywatch/internal/config"
	"github.com/aaronromeo/paywatch/internal/mailbox"
	"github.com/aaronromeo/paywatch/internal/payment"
	"github.com/aaronromeo/paywatch/internal/probe"
	"github.com/aaronromeo/paywatch/internal/telemetry"
	"github.com/aaronromeo/paywatch/internal/watcher"
)

// WatchService defines the operations exposed to callers of the watcher.
type WatchService interface {
	Status() Status
	Start(ctx context.Context, override *config.IMAPEnv) error
	Stop() error
	TestConnection(ctx context.Context, override *config.IMAPEnv) probe.Result
	Subscribe(buffer int) (<-chan payment.Event, func())
	Reload(ctx context.Context, cfg config.Config) error
}

// Status is the externally visible watcher status.
type Status struct {
	IsRunning bool   `json:"isRunning"`
	State     string `json:"state"`
	LastError string `json:"lastError,omitempty"`
}

type Option func(*WatchServiceImpl)

// WithEnv replaces the environment lookup for IMAP credentials.
func WithEnv(env func() config.IMAPEnv) Option {
	return func(s *WatchServiceImpl) {
		s.env = env
	}
}

func WithCounters(counters *telemetry.Counters) Option {
	return func(s *WatchServiceImpl) {
		s.counters = counters
	}
}

// WatchServiceImpl implements WatchService over one watcher.
type WatchServiceImpl struct {
	logger   *slog.Logger
	dialer   mailbox.Dialer
	counters *telemetry.Counters
	env      func() config.IMAPEnv
	watcher  *watcher.Watcher

	mu       sync.Mutex
	cfg      config.Config
	override *config.IMAPEnv
}

// NewWatchService creates a WatchService that dials with dialer.
func NewWatchService(logger *slog.Logger, dialer mailbox.Dialer, cfg config.Config, opts ...Option) *WatchServiceImpl {
	s := &WatchServiceImpl{
		logger: logger,
		dialer: dialer,
		env:    config.LookupIMAPEnv,
		cfg:    cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.watcher = watcher.New(dialer,
		watcher.WithLogger(logger),
		watcher.WithCounters(s.counters),
	)
	return s
}

func (s *WatchServiceImpl) Status() Status {
	status := s.watcher.Status()
	return Status{
		IsRunning: status.IsRunning,
		State:     status.State.String(),
		LastError: status.LastError,
	}
}

// Start starts the watcher with environment credentials, overridden by any
// non-empty field of override. A watcher left in Error is reset first.
func (s *WatchServiceImpl) Start(ctx context.Context, override *config.IMAPEnv) error {
	s.mu.Lock()
	cfg := s.cfg
	s.override = override
	s.mu.Unlock()

	if s.watcher.State() == watcher.Error {
		s.logger.InfoContext(ctx, "resetting watcher after error", slog.String("error", s.watcher.Status().LastError))
		if err := s.watcher.Stop(); err != nil {
			return err
		}
	}

	return s.watcher.Start(ctx, watcher.Options{
		Credentials: s.credentials(cfg, override),
		AllowList:   cfg.AllowList(),
	})
}

func (s *WatchServiceImpl) Stop() error {
	return s.watcher.Stop()
}

// TestConnection runs a probe with the same credentials Start would use.
func (s *WatchServiceImpl) TestConnection(ctx context.Context, override *config.IMAPEnv) probe.Result {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	timings, err := cfg.ProbeTimings()
	if err != nil {
		return probe.Result{Error: err.Error()}
	}

	p := probe.New(s.dialer,
		probe.WithLogger(s.logger),
		probe.WithTimings(timings),
		probe.WithAllowList(cfg.AllowList()),
	)
	return p.Run(ctx, s.credentials(cfg, override))
}

func (s *WatchServiceImpl) Subscribe(buffer int) (<-chan payment.Event, func()) {
	return s.watcher.Subscribe(buffer)
}

// Reload swaps in cfg. A running watcher is restarted only when the
// allow-list changed.
func (s *WatchServiceImpl) Reload(ctx context.Context, cfg config.Config) error {
	s.mu.Lock()
	previous := s.cfg
	s.cfg = cfg
	override := s.override
	s.mu.Unlock()

	if sameSenders(previous.AllowList().Addresses(), cfg.AllowList().Addresses()) {
		return nil
	}
	s.logger.InfoContext(ctx, "allow-list changed",
		slog.Int("previous", len(previous.AllowedSenders)),
		slog.Int("current", len(cfg.AllowedSenders)))
	if !s.watcher.IsRunning() {
		return nil
	}
	if err := s.watcher.Stop(); err != nil {
		return err
	}
	return s.Start(ctx, override)
}

func (s *WatchServiceImpl) credentials(cfg config.Config, override *config.IMAPEnv) mailbox.Credentials {
	return cfg.Credentials(s.env().Merge(override))
}

func sameSenders(a, b []string) bool {
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}
