package cli

import (
	"encoding/json"
	"errors"

	"github.com/aaronromeo/paywatch/internal/config"
	"github.com/aaronromeo/paywatch/internal/probe"
	"github.com/aaronromeo/paywatch/internal/services"
	"github.com/spf13/cobra"
)

var errProbeFailed = errors.New("connection test failed")

func newProbeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Test the mailbox connection and show recent payment emails",
		RunE:  runProbe,
	}
}

func runProbe(cmd *cobra.Command, _ []string) error {
	d, err := setup(cmd)
	if err != nil {
		return err
	}
	defer d.close()

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")

	imapEnv, err := config.IMAPEnvFromEnv()
	if err != nil {
		if encErr := encoder.Encode(probe.Result{Error: err.Error()}); encErr != nil {
			return encErr
		}
		return err
	}

	svc := services.NewWatchService(d.logger, d.dialer, d.cfg,
		services.WithEnv(func() config.IMAPEnv { return imapEnv }),
		services.WithCounters(d.counters),
	)
	result := svc.TestConnection(cmd.Context(), nil)
	if err := encoder.Encode(result); err != nil {
		return err
	}
	if !result.Success {
		return errProbeFailed
	}
	return nil
}
