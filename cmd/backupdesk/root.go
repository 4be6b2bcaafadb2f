package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/backupdesk/backupdesk/internal/config"
	"github.com/backupdesk/backupdesk/internal/console"
)

// app carries the state shared by every command. The console is built on
// first use so that `config init` works without a valid configuration.
type app struct {
	configPath string
	output     string
	logLevel   string
	baseURL    string

	cfg     *config.Config
	console *console.Console
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "backupdesk",
		Short:         "Backup administration console",
		Long:          "backupdesk signs in to the backup API and follows backup jobs and node health live.",
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "config file (default is <user config dir>/backupdesk/backupdesk.yaml)")
	flags.StringVarP(&a.output, "output", "o", "table", "output format (table, json, yaml)")
	flags.StringVar(&a.logLevel, "log-level", "", "override logging.level")
	flags.StringVar(&a.baseURL, "api", "", "override api.base_url")

	root.AddCommand(
		newLoginCmd(a),
		newLogoutCmd(a),
		newWhoamiCmd(a),
		newRefreshCmd(a),
		newRegisterCmd(a),
		newVerifyEmailCmd(a),
		newStatusCmd(a),
		newWatchCmd(a),
		newNodesCmd(a),
		newConfigCmd(a),
	)
	return root
}

// run executes args and releases the console whatever the outcome
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	a := &app{}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	return errors.Join(err, a.close())
}

func (a *app) config() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if a.baseURL != "" {
		cfg.API.BaseURL = a.baseURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	a.cfg = cfg
	return cfg, nil
}

// logToFile moves terminal log output to a file next to the config so it
// does not draw over the dashboard
func (a *app) logToFile() error {
	cfg, err := a.config()
	if err != nil {
		return err
	}
	if cfg.Logging.Output == "file" {
		return nil
	}
	dir, err := config.Dir()
	if err != nil {
		return err
	}
	cfg.Logging.Output = "file"
	cfg.Logging.FilePath = filepath.Join(dir, "backupdesk.log")
	return nil
}

// open builds the console and restores the persisted session
func (a *app) open(ctx context.Context) (*console.Console, error) {
	if a.console != nil {
		return a.console, nil
	}
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}

	c, err := console.New(ctx, cfg, console.Options{})
	if err != nil {
		return nil, err
	}
	a.console = c

	if err := c.Restore(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// authed opens the console and fails unless a session is held
func (a *app) authed(ctx context.Context) (*console.Console, error) {
	c, err := a.open(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.RequireSession(); err != nil {
		return nil, fmt.Errorf("%w (run `backupdesk login`)", err)
	}
	return c, nil
}

func (a *app) close() error {
	if a.console == nil {
		return nil
	}
	err := a.console.Close()
	a.console = nil
	return err
}

// serveMetrics exposes the console's Prometheus registry while ctx is alive
func (a *app) serveMetrics(ctx context.Context, c *console.Console) {
	if !c.Config.Metrics.Enabled {
		return
	}

	srv := &http.Server{
		Addr:              c.Config.Metrics.ListenAddr,
		Handler:           c.Metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		c.Logger.Info("metrics listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.Logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
