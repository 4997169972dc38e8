package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
)

func newProgressCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Record and inspect assignment progress updates",
	}

	var note string
	record := &cobra.Command{
		Use:   "record ASSIGNMENT_ID PERCENT",
		Short: "Buffer a progress update and queue its delivery",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			percent, err := strconv.Atoi(args[1])
			if err != nil {
				return apperrors.Wrap(apperrors.ErrInvalid, "percent must be an integer", err)
			}
			return app.withRuntime(cmd.Context(), func(rt *Runtime) error {
				receipt, err := rt.Service.RecordProgress(cmd.Context(), args[0], percent, note)
				if err != nil {
					return err
				}
				fmt.Fprintf(app.Out, "Recorded update #%d (action %s)\n", receipt.LedgerIndex, receipt.ActionID)
				return nil
			})
		},
	}
	record.Flags().StringVar(&note, "note", "", "Free-text note for the update")

	history := &cobra.Command{
		Use:   "history ASSIGNMENT_ID",
		Short: "List buffered updates for an assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withRuntime(cmd.Context(), func(rt *Runtime) error {
				updates, err := rt.Service.ProgressHistory(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				writeHistory(app.Out, updates)
				return nil
			})
		},
	}

	cmd.AddCommand(record, history)
	return cmd
}
