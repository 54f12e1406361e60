package cli

import (
	"github.com/spf13/cobra"
)

// Version is stamped at build time.
var Version = "dev"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile   string
	DatabasePath string
}

// NewRootCommand creates the root command of the dispatch engine.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:     "flashoffer-dispatch",
		Short:   "Flash offer push notification dispatch engine",
		Version: Version,
		Long: `Flash offer push notification dispatch engine.

Targets users near a venue (or its favorites), applies notification
preferences and rate limits, and sends the offer through the push gateway
exactly once per offer.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "path to a JSON or YAML config file")
	cmd.PersistentFlags().StringVar(&opts.DatabasePath, "db", "", "database file path (overrides config)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewDispatchCommand(opts))
	cmd.AddCommand(NewReconcileCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewSeedCommand(opts))

	return cmd
}
