package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"nearby/internal/config"
	"nearby/internal/service"
	"nearby/internal/sweeper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server and the expiry sweeper",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A store that cannot be reached at startup is fatal.
	matcher, err := service.NewServiceBuilder(cfg, logger).Build(ctx)
	if err != nil {
		return fmt.Errorf("build service: %w", err)
	}
	defer matcher.Close()

	if cfg.Sweeper.Enabled {
		sw, err := newSweeper(cfg, matcher)
		if err != nil {
			return err
		}
		go sw.Run(ctx)
	}

	addr := ":" + strconv.Itoa(cfg.Service.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           newRouter(matcher, cfg, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("nearby serving", "addr", addr, "backend", cfg.Store.Backend, "version", VersionString())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func newSweeper(cfg *config.Config, expirer sweeper.Expirer) (*sweeper.Sweeper, error) {
	interval, err := cfg.Sweeper.GetInterval()
	if err != nil {
		return nil, fmt.Errorf("invalid sweeper interval: %w", err)
	}
	return sweeper.New(expirer,
		sweeper.Schedule{Interval: interval, Cron: cfg.Sweeper.Cron},
		logger,
		sweeper.WithRunOnStart(cfg.Sweeper.RunOnStart))
}
