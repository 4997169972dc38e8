package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newCacheCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the read-through cache",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Show cached record count, approximate size and last sync",
			RunE: func(cmd *cobra.Command, args []string) error {
				return app.withRuntime(cmd.Context(), func(rt *Runtime) error {
					stats, err := rt.Service.CacheStats(cmd.Context())
					if err != nil {
						return err
					}
					writeCacheStats(app.Out, stats)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "assignments",
			Short: "Print cached assignments as JSON",
			RunE: func(cmd *cobra.Command, args []string) error {
				return app.withRuntime(cmd.Context(), func(rt *Runtime) error {
					assignments, err := rt.Service.CachedAssignments(cmd.Context())
					if err != nil {
						return err
					}
					if len(assignments) == 0 {
						fmt.Fprintln(app.Out, "[]")
						return nil
					}
					enc := json.NewEncoder(app.Out)
					enc.SetIndent("", "  ")
					return enc.Encode(assignments)
				})
			},
		},
	)

	return cmd
}
