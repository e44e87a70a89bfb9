package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fmueller/medialoader/internal/config"
	"github.com/fmueller/medialoader/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd(app *appState) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the media download and transcription API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.runServe(cmd.Context(), addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address; overrides LISTEN_ADDR")
	return cmd
}

func (a *appState) runServe(ctx context.Context, addr string) error {
	loadConfig := a.loadConfigFn
	if loadConfig == nil {
		loadConfig = config.Load
	}
	serveFn := a.serveFn
	if serveFn == nil {
		serveFn = a.serve
	}

	cfg, err := loadConfig(a.envFiles...)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.ListenAddr = addr
	}
	if cfg.Debug && !a.verbose {
		a.verbose = true
		if err := a.initLogger(); err != nil {
			return err
		}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return serveFn(ctx, cfg)
}

func (a *appState) serve(ctx context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.log().Info("starting",
		zap.String("title", cfg.Title),
		zap.String("addr", cfg.ListenAddr),
		zap.String("workdir", cfg.WorkDir),
	)
	app, err := server.New(ctx, cfg, server.Deps{}, a.log())
	if err != nil {
		return err
	}
	return app.ListenAndServe(ctx)
}
