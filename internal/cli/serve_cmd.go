package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/fieldsync/internal/server"
)

func newServeCmd(app *App) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run background sync and serve the local REST/WebSocket API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return app.withRuntime(ctx, func(rt *Runtime) error {
				if listen == "" {
					listen = rt.Config.Server.Listen
				}

				rt.Service.Start(ctx)
				srv := server.New(rt.Service, rt.Hub, rt.Logger)
				defer srv.Close()

				rt.Logger.Info("fieldsync started", map[string]interface{}{
					"version": Version,
					"listen":  listen,
					"config":  rt.Config.ConfigFile,
				})
				return srv.ListenAndServe(ctx, listen)
			})
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (default from config server.listen)")

	return cmd
}
