package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newQueueCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and maintain the offline action queue",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List queued actions in replay order",
			RunE: func(cmd *cobra.Command, args []string) error {
				return app.withRuntime(cmd.Context(), func(rt *Runtime) error {
					writeActions(app.Out, rt.Service.PendingActions())
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "stats",
			Short: "Show queue statistics by action type",
			RunE: func(cmd *cobra.Command, args []string) error {
				return app.withRuntime(cmd.Context(), func(rt *Runtime) error {
					writeQueueStats(app.Out, rt.Service.QueueStats())
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "prune",
			Short: "Drop expired actions and actions that exhausted their retries",
			RunE: func(cmd *cobra.Command, args []string) error {
				return app.withRuntime(cmd.Context(), func(rt *Runtime) error {
					n, err := rt.Service.PruneQueue(cmd.Context())
					if err != nil {
						return err
					}
					fmt.Fprintf(app.Out, "Pruned %d action(s).\n", n)
					return nil
				})
			},
		},
	)

	return cmd
}
