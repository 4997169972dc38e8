// Package cli implements the fieldsync command line.
package cli

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the top-level "fieldsync" command and registers all
// subcommands against the provided App.
func NewRootCmd(app *App) *cobra.Command {
	root := &cobra.Command{
		Use:           "fieldsync",
		Short:         "Offline-first sync core for field worker clients",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&app.ConfigPath, "config", "", "Config file (default: ./fieldsync.yaml or ~/.fieldsync/fieldsync.yaml)")

	root.AddCommand(
		newServeCmd(app),
		newStatusCmd(app),
		newEnqueueCmd(app),
		newSyncCmd(app),
		newRefreshCmd(app),
		newQueueCmd(app),
		newCacheCmd(app),
		newProgressCmd(app),
	)

	return root
}
