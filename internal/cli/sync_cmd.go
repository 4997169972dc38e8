package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/models"
)

func newStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, pending actions and last sync time",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withRuntime(cmd.Context(), func(rt *Runtime) error {
				writeStatus(app.Out, rt.Service.SyncStatus(), rt.Service.NetworkQuality(), rt.Service.QueueStats())
				return nil
			})
		},
	}
}

func newEnqueueCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue TYPE [PAYLOAD_JSON]",
		Short: "Queue an offline action for replay",
		Long: fmt.Sprintf("Queue an offline action for replay.\n\nTYPE is one of: %v", models.ActionTypes),
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actionType, err := models.ParseActionType(args[0])
			if err != nil {
				return apperrors.Wrap(apperrors.ErrInvalid, "invalid action type", err)
			}
			var payload interface{}
			if len(args) == 2 {
				raw := json.RawMessage(args[1])
				if !json.Valid(raw) {
					return apperrors.New(apperrors.ErrInvalid, "payload is not valid JSON")
				}
				payload = raw
			}

			return app.withRuntime(cmd.Context(), func(rt *Runtime) error {
				id, err := rt.Service.Enqueue(cmd.Context(), actionType, payload)
				if err != nil {
					return err
				}
				fmt.Fprintln(app.Out, id)
				return nil
			})
		},
	}
	return cmd
}

func newSyncCmd(app *App) *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Replay queued actions now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withRuntime(cmd.Context(), func(rt *Runtime) error {
				if wait > 0 && !rt.Service.WaitForConnection(cmd.Context(), wait) {
					return apperrors.Newf(apperrors.ErrOffline, "still offline after %s", wait)
				}
				result, err := rt.Service.ForceSync(cmd.Context())
				if err != nil {
					return err
				}
				writeDrainResult(app.Out, result)
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 0, "Wait up to this long for connectivity before syncing")

	return cmd
}

func newRefreshCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Refresh cached assignments and profile from the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withRuntime(cmd.Context(), func(rt *Runtime) error {
				if err := rt.Service.RefreshCache(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(app.Out, "Cache refreshed.")
				return nil
			})
		},
	}
}
