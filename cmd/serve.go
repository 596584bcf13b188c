// -- cmd/serve.go --
package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/marionette/internal/browser"
	"github.com/xkilldash9x/marionette/internal/engine"
	"github.com/xkilldash9x/marionette/internal/evidence"
	"github.com/xkilldash9x/marionette/internal/locator"
	"github.com/xkilldash9x/marionette/internal/observability"
	"github.com/xkilldash9x/marionette/internal/registry"
	"github.com/xkilldash9x/marionette/internal/server"
	"github.com/xkilldash9x/marionette/internal/uia"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the task execution HTTP service",
	Long: `Starts the HTTP API: plan submission, task state, the SSE evidence
stream, artifact retrieval, and resume for paused tasks.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := observability.GetLogger()
	defer observability.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session, err := uia.NewSession(ctx, logger)
	if err != nil {
		return fmt.Errorf("desktop session unavailable: %w", err)
	}

	vision, err := locator.NewVisionLocator(ctx, cfg.Vision(), logger)
	if err != nil {
		return fmt.Errorf("vision locator setup failed: %w", err)
	}

	store := evidence.NewStore(cfg.Engine().StreamWindow, cfg.Engine().SubscriberBuffer, logger)
	reg := registry.New()
	reader := browser.NewReader(cfg.Browser(), logger)
	defer reader.Close()

	deps := engine.Deps{
		Session:  session,
		Browser:  reader,
		Store:    store,
		Registry: reg,
	}
	if vision != nil {
		deps.Vision = vision
	}
	eng := engine.New(cfg, deps, logger)

	srv := server.New(cfg.Server(), eng, reg, store, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})

	logger.Info("Service started", zap.String("addr", cfg.Server().Addr))
	return g.Wait()
}
