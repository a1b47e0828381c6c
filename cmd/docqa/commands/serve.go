package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"docqa/internal/server"
	"docqa/internal/service"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Serve the question-answering API.

Requests to the run endpoint must carry "Authorization: Bearer <token>";
the token is read from the environment variable named by
server.bearer_token_env (ALLOWED_BEARER_TOKEN by default).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg)

			svc, closeFn, err := service.Build(cfg, logger)
			if err != nil {
				return fmt.Errorf("building pipeline: %w", err)
			}
			defer func() {
				if err := closeFn(); err != nil {
					logger.Warn("close failed", "err", err)
				}
			}()

			srv, err := server.New(cfg.Server, svc, logger)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}
