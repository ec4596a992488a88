package cli

import (
	"os/signal"
	"syscall"

	"github.com/aaronromeo/paywatch/internal/httpapi"
	"github.com/aaronromeo/paywatch/internal/services"
	"github.com/spf13/cobra"
)

const defaultAddr = ":8080"

func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the watcher control API over HTTP",
		RunE:  runServe,
	}
	serveCmd.Flags().String("addr", defaultAddr, "Address to listen on")
	return serveCmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	d, err := setup(cmd)
	if err != nil {
		return err
	}
	defer d.close()

	addr, err := cmd.Flags().GetString("addr")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc := services.NewWatchService(d.logger, d.dialer, d.cfg, services.WithCounters(d.counters))
	defer d.startAnnouncer(ctx, svc)()
	defer func() {
		if err := svc.Stop(); err != nil {
			d.logger.Warn("stopping watcher failed", "error", err)
		}
	}()
	go d.reloadConfig(ctx, svc)

	d.logger.Info("serving watcher api", "addr", addr)
	return httpapi.Serve(ctx, httpapi.New(svc, d.logger), addr)
}
