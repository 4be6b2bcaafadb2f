// Package console builds the object graph every front end works through:
// credential store, session manager, transport, typed API, status feeds and
// the idle guard. It replaces process-wide singletons with one explicitly
// constructed value whose Close releases everything it opened.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/backupdesk/backupdesk/internal/apierr"
	"github.com/backupdesk/backupdesk/internal/client"
	"github.com/backupdesk/backupdesk/internal/config"
	"github.com/backupdesk/backupdesk/internal/credstore"
	"github.com/backupdesk/backupdesk/internal/idle"
	"github.com/backupdesk/backupdesk/internal/logging"
	"github.com/backupdesk/backupdesk/internal/metrics"
	"github.com/backupdesk/backupdesk/internal/session"
	"github.com/backupdesk/backupdesk/internal/stream"
	"github.com/backupdesk/backupdesk/internal/transport"
)

// Options overrides pieces of the graph, mostly for tests. Nil fields are
// built from the config.
type Options struct {
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Persister  credstore.Persister
	HTTPClient *http.Client

	// Interactive is passed to the idle guard
	Interactive func() bool
}

// Console is the composition root
type Console struct {
	Config      *config.Config
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	Credentials *credstore.Store
	Transport   *transport.Client
	API         *client.API
	Session     *session.Manager
	Monitor     *stream.Multiplexer
	Fleet       *stream.FleetFeed
	Node        *stream.NodeFeed
	Guard       *idle.Guard

	closers       []io.Closer
	stopCredWatch func()
}

// New wires a console from cfg. Nothing is started; call Restore to pick up
// a persisted credential.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Console, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	c := &Console{Config: cfg}

	logger := opts.Logger
	if logger == nil {
		l, closer, err := logging.New(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
		logger = l
		c.closers = append(c.closers, closer)
	}
	c.Logger = logger

	c.Metrics = opts.Metrics
	if c.Metrics == nil {
		c.Metrics = metrics.New()
	}

	persister := opts.Persister
	if persister == nil {
		p, closer, err := credstore.Open(ctx, cfg.Credentials)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to open credential store: %w", err)
		}
		persister = p
		c.closers = append(c.closers, closer)
	}
	c.Credentials = credstore.New(persister, logger)
	c.stopCredWatch = c.Credentials.OnChange(func(token string) {
		c.Metrics.CredentialHeld(token != "")
		logger.Debug("credential changed", zap.Bool("held", token != ""))
	})

	tc, err := transport.New(transport.Options{
		BaseURL:    cfg.API.BaseURL,
		Timeout:    cfg.API.GetTimeout(),
		UserAgent:  cfg.API.UserAgent,
		HTTPClient: opts.HTTPClient,
		Metrics:    c.Metrics,
		Logger:     logger,
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	c.Transport = tc
	c.API = client.New(tc)

	c.Session = session.New(c.API, c.Credentials, logger, session.Options{
		RefreshThreshold: cfg.Session.GetRefreshThreshold(),
		Metrics:          c.Metrics,
	})
	// the manager calls through the transport, so it is bound afterwards
	tc.Bind(c.Session)

	dialer, err := stream.NewDialer(cfg.Stream.Transport, tc)
	if err != nil {
		c.Close()
		return nil, err
	}

	monitorOpts := stream.OptionsFromConfig(cfg.Stream)
	monitorOpts.Metrics = c.Metrics
	monitorOpts.Logger = logger
	c.Monitor = stream.NewMultiplexer(c.API, c.Session, dialer, monitorOpts)

	fleetOpts := stream.FleetOptionsFromConfig(cfg.Stream)
	fleetOpts.Metrics = c.Metrics
	fleetOpts.Logger = logger
	c.Fleet = stream.NewFleetFeed(dialer, c.Session, fleetOpts)

	nodeOpts := stream.NodeOptionsFromConfig(cfg.Stream)
	nodeOpts.Metrics = c.Metrics
	nodeOpts.Logger = logger
	c.Node = stream.NewNodeFeed(dialer, c.Session, nodeOpts)

	guardOpts := idle.OptionsFromConfig(cfg.Session)
	guardOpts.Interactive = opts.Interactive
	guardOpts.Logger = logger
	c.Guard = idle.New(c.Session, guardOpts)

	return c, nil
}

// Restore loads the persisted credential into the session
func (c *Console) Restore(ctx context.Context) error {
	if err := c.Session.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore session: %w", err)
	}
	// loading does not notify credential listeners
	_, held := c.Credentials.Get()
	c.Metrics.CredentialHeld(held)
	return nil
}

// RequireSession fails with *apierr.AuthInvalid unless the session is usable.
// Screens that need a login call it before doing anything else.
func (c *Console) RequireSession() error {
	if c.Session.State().Usable() {
		return nil
	}
	return &apierr.AuthInvalid{Message: "login required"}
}

// Close stops every feed and the guard, then releases the credential
// backend and log file. It is safe to call more than once.
func (c *Console) Close() error {
	if c.Guard != nil {
		c.Guard.Stop()
	}
	if c.Node != nil {
		c.Node.Close()
	}
	if c.Fleet != nil {
		c.Fleet.Close()
	}
	if c.Monitor != nil {
		c.Monitor.Close()
	}
	if c.stopCredWatch != nil {
		c.stopCredWatch()
		c.stopCredWatch = nil
	}

	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	if c.Logger != nil {
		_ = c.Logger.Sync()
	}
	return errors.Join(errs...)
}
