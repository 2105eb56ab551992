package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/marketmap/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the market map HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := buildPipeline()
		if err != nil {
			return err
		}

		h := server.NewHandler(p.service, p.repairer, p.registry, p.gate, p.results, p.plans, p.traces, p.queueWait)
		router := server.NewRouter(h, cfg.Server.AllowedOrigins)

		srv := &http.Server{
			Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:     router,
			ReadTimeout: 15 * time.Second,
			// No write timeout: SSE responses stay open for the full
			// orchestration budget.
			IdleTimeout: 60 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			zap.L().Info("api listening", zap.Int("port", cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		select {
		case err := <-errCh:
			return eris.Wrap(err, "serve: listen")
		case <-ctx.Done():
		}

		zap.L().Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return eris.Wrap(err, "serve: shutdown")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
