package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X".
var version = "dev"

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "paywatch",
		Short:         "paywatch watches a mailbox for payment notifications",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file (or set "+configEnvVar+")")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable verbose logging")

	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newProbeCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	return rootCmd
}

// Execute runs the root command.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
