// Package idle ends the session after a period without user input
package idle

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/backupdesk/backupdesk/internal/config"
	"github.com/backupdesk/backupdesk/internal/session"
)

// ErrAlreadyRunning is returned by Run when the guard loop is active
var ErrAlreadyRunning = errors.New("idle guard already running")

// Session is the part of the token lifecycle manager the guard acts on
type Session interface {
	IsAuthenticated() bool
	EndSession(reason string)
	OnStateChange(l session.StateListener) func()
}

// Options configures a Guard. Zero values select the defaults.
type Options struct {
	Timeout       time.Duration
	CheckInterval time.Duration

	// Interactive reports whether a user can produce activity at all. It
	// defaults to checking that stdin is a terminal.
	Interactive func() bool
	Now         func() time.Time
	Logger      *zap.Logger
}

// OptionsFromConfig maps the session config section onto Options
func OptionsFromConfig(cfg config.SessionConfig) Options {
	return Options{
		Timeout:       cfg.GetIdleTimeout(),
		CheckInterval: cfg.GetIdleCheckInterval(),
	}
}

// Guard tracks the last user activity and logs out an authenticated session
// that has been idle longer than Timeout
type Guard struct {
	session  Session
	timeout  time.Duration
	interval time.Duration
	now      func() time.Time
	interact func() bool
	logger   *zap.Logger

	mu   sync.Mutex
	last time.Time

	runMu   sync.Mutex
	running bool
	done    chan struct{}

	unsubscribe func()
}

// New creates a guard. Activity is reset every time the session becomes
// authenticated.
func New(sess Session, opts Options) *Guard {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Minute
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Interactive == nil {
		opts.Interactive = stdinIsTerminal
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	g := &Guard{
		session:  sess,
		timeout:  opts.Timeout,
		interval: opts.CheckInterval,
		now:      opts.Now,
		interact: opts.Interactive,
		logger:   opts.Logger.With(zap.String("component", "idle_guard")),
		last:     opts.Now(),
	}
	g.unsubscribe = sess.OnStateChange(func(_, to session.State) {
		if to == session.StateAuthenticated {
			g.Touch()
		}
	})
	return g
}

// Touch records user activity
func (g *Guard) Touch() {
	g.mu.Lock()
	g.last = g.now()
	g.mu.Unlock()
}

// LastActivity returns when Touch was last called
func (g *Guard) LastActivity() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

// Idle returns how long the user has been inactive
func (g *Guard) Idle() time.Duration {
	return g.now().Sub(g.LastActivity())
}

// Check evaluates inactivity once and reports whether the session was ended
func (g *Guard) Check() bool {
	if !g.session.IsAuthenticated() {
		return false
	}
	idle := g.Idle()
	if idle < g.timeout {
		return false
	}

	g.logger.Info("session idle, logging out", zap.Duration("idle", idle))
	g.session.EndSession(session.ReasonIdle)
	return true
}

// Run checks inactivity every CheckInterval until ctx is done or Stop is
// called. Without an interactive terminal there is no activity to observe,
// so Run returns immediately.
func (g *Guard) Run(ctx context.Context) error {
	if !g.interact() {
		g.logger.Debug("stdin is not a terminal, idle guard disabled")
		return nil
	}

	g.runMu.Lock()
	if g.running {
		g.runMu.Unlock()
		return ErrAlreadyRunning
	}
	g.running = true
	g.done = make(chan struct{})
	done := g.done
	g.runMu.Unlock()

	defer func() {
		g.runMu.Lock()
		g.running = false
		g.runMu.Unlock()
	}()

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return nil
		case <-ticker.C:
			g.Check()
		}
	}
}

// Running reports whether the Run loop is active
func (g *Guard) Running() bool {
	g.runMu.Lock()
	defer g.runMu.Unlock()
	return g.running
}

// Stop ends a running Run loop and detaches from the session
func (g *Guard) Stop() {
	g.unsubscribe()

	g.runMu.Lock()
	defer g.runMu.Unlock()
	if g.running && g.done != nil {
		select {
		case <-g.done:
		default:
			close(g.done)
		}
	}
}

func stdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}
