package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ineyio/keyrouter/batch"
	"github.com/ineyio/keyrouter/reply"
	"github.com/ineyio/keyrouter/server"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		listenAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			if configPath != "" {
				s.ConfigPath = configPath
			}
			if listenAddr != "" {
				s.ListenAddr = listenAddr
			}
			return serve(s)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the router config (overrides KEYROUTER_CONFIG)")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (overrides KEYROUTER_LISTEN_ADDR)")
	return cmd
}

func serve(s Settings) error {
	logger, err := newLogger(os.Stdout, s.LogLevel, s.LogFormat)
	if err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(sigCtx, s, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	replies := reply.NewMemory(0)
	pipeline, err := reply.New(a.router, a.tenants, replies,
		reply.WithLogger(logger),
		reply.WithTimeout(s.ReplyTimeout),
		reply.WithSystemPrompt(s.SystemPrompt),
	)
	if err != nil {
		return err
	}

	// Deliveries outlive the signal so Close can drain them.
	queue := batch.New(pipeline.Deliver, a.tenants, batch.WithLogger(logger))

	jobs, err := a.startJobs(sigCtx)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr: s.ListenAddr,
		Handler: server.New(a.router, queue,
			server.WithAdmin(a.cached, s.AdminToken),
			server.WithReplies(replies),
			server.WithMetrics(promhttp.HandlerFor(a.metrics, promhttp.HandlerOpts{})),
			server.WithLogger(logger),
		).Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("keyrouter starting", "addr", s.ListenAddr, "ledger", s.Ledger)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-sigCtx.Done():
	case err := <-errCh:
		return err
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	<-jobs.Stop().Done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := queue.Close(shutdownCtx); err != nil {
		logger.Error("batch queue did not drain", "error", err)
	}
	logger.Info("keyrouter stopped")
	return nil
}
