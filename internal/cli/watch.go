package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/aaronromeo/paywatch/internal/config"
	"github.com/aaronromeo/paywatch/internal/payment"
	"github.com/aaronromeo/paywatch/internal/services"
	"github.com/aaronromeo/paywatch/internal/watcher"
	"github.com/spf13/cobra"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch the mailbox for payment notifications (IDLE)",
		RunE:  runWatch,
	}
}

func runWatch(cmd *cobra.Command, _ []string) error {
	d, err := setup(cmd)
	if err != nil {
		return err
	}
	defer d.close()

	imapEnv, err := config.IMAPEnvFromEnv()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc := services.NewWatchService(d.logger, d.dialer, d.cfg,
		services.WithEnv(func() config.IMAPEnv { return imapEnv }),
		services.WithCounters(d.counters),
	)

	events, unsubscribe := svc.Subscribe(d.cfg.Dispatch.Buffer)
	defer unsubscribe()
	defer d.startAnnouncer(ctx, svc)()

	if err := svc.Start(ctx, nil); err != nil {
		return err
	}
	defer func() {
		if err := svc.Stop(); err != nil {
			d.logger.Warn("stopping watcher failed", "error", err)
		}
	}()
	go d.reloadConfig(ctx, svc)

	d.logger.Info("watching mailbox", "mailbox", d.cfg.Mailbox, "host", imapEnv.Host)
	return printEvents(ctx, cmd, svc, events)
}

// printEvents writes each event as a JSON line until ctx is done. It fails
// once the watcher reports an error.
func printEvents(ctx context.Context, cmd *cobra.Command, svc services.WatchService, events <-chan payment.Event) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if err := encoder.Encode(event); err != nil {
				return err
			}
		case <-ticker.C:
			status := svc.Status()
			if status.State == watcher.Error.String() {
				return fmt.Errorf("watcher stopped: %s", status.LastError)
			}
		}
	}
}
