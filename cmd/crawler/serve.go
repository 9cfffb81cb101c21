package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/blockedby/tg-crawler/internal/crawler"
	"github.com/blockedby/tg-crawler/internal/repository"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control server",
		Long: `Serve exposes search, extraction, sweep, join and reclassification as
background runs over HTTP. Run history is kept in SESSION_DB.

The server starts even without a logged-in session; crawling endpoints then
fail until tg-auth has been run and the server restarted.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().IntP("port", "p", 0, "Listen port (0 uses HTTP_PORT)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()
	log := a.log

	port, _ := cmd.Flags().GetInt("port")
	if port == 0 {
		port = a.cfg.HTTPPort
	}

	runsRepo := repository.NewRunsRepository(a.db.GORM)
	if n, err := runsRepo.MarkInterrupted(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to mark interrupted runs")
	} else if n > 0 {
		log.Info().Int64("runs", n).Msg("marked runs interrupted by the previous shutdown")
	}

	runs := crawler.NewRunManager(runsRepo, log)
	handler := crawler.NewHandler(a.session, runs, a.tg.GetStatus)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	server := &http.Server{
		Handler:           crawler.NewRouter(handler, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Int("port", port).Str("telegram_status", string(a.tg.GetStatus())).Msg("starting http server")
		serveErr <- server.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info().Msg("received shutdown signal")
	}

	runs.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
	}
	if err := runs.Wait(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("run did not stop in time")
	}

	log.Info().Msg("shutdown complete")
	return nil
}
