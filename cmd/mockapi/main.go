// Command mockapi serves a local stand-in for the backup API so the console
// can be exercised without a real deployment.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/backupdesk/backupdesk/internal/config"
	"github.com/backupdesk/backupdesk/internal/logging"
	"github.com/backupdesk/backupdesk/internal/mockapi"
)

type options struct {
	addr      string
	secret    string
	tokenTTL  time.Duration
	simulate  time.Duration
	step      float64
	logLevel  string
	logFormat string
}

func main() {
	opts := options{}

	cmd := &cobra.Command{
		Use:          "mockapi",
		Short:        "Serve a fake backup API for local development",
		Version:      "1.0.0",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.addr, "addr", "127.0.0.1:8000", "listen address")
	flags.StringVar(&opts.secret, "secret", mockapi.DefaultSecret, "token signing secret")
	flags.DurationVar(&opts.tokenTTL, "token-ttl", 30*time.Minute, "lifetime of issued tokens")
	flags.DurationVar(&opts.simulate, "simulate", 2*time.Second, "advance running backups this often (0 disables)")
	flags.Float64Var(&opts.step, "step", 5, "progress percent added per simulation tick")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "console", "log format (console, json)")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func serve(ctx context.Context, opts options) error {
	logger, closer, err := logging.New(config.LoggingConfig{
		Level:  opts.logLevel,
		Format: opts.logFormat,
		Output: "stderr",
	})
	if err != nil {
		return err
	}
	defer closer.Close()
	defer logger.Sync() //nolint:errcheck

	api, err := mockapi.NewServer(mockapi.Options{
		Secret:   opts.secret,
		TokenTTL: opts.tokenTTL,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create mock api: %w", err)
	}
	defer api.Close()

	if opts.simulate > 0 {
		go api.Simulate(ctx, opts.simulate, opts.step)
	}

	srv := &http.Server{
		Addr:              opts.addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Mock API listening",
			zap.String("addr", srv.Addr),
			zap.String("base_url", fmt.Sprintf("http://%s/api/v1", srv.Addr)),
		)
		logger.Info("Seeded accounts",
			zap.String("admin", mockapi.AdminEmail+" / "+mockapi.AdminPassword),
			zap.String("operator", mockapi.OperatorEmail+" / "+mockapi.OperatorPassword+" (mfa "+mockapi.OperatorMFACode+")"),
			zap.String("unverified", mockapi.PendingEmail+" / "+mockapi.PendingPassword),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("Server failed", zap.Error(err))
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")

	// streams stay open until dropped, so close them before draining
	api.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server stopped gracefully")
	return nil
}
