// Package stream maintains live status feeds: one push-or-poll subscription
// per monitored backup job, plus the fleet-wide and single-node stats feeds.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/backupdesk/backupdesk/internal/apierr"
	"github.com/backupdesk/backupdesk/internal/config"
	"github.com/backupdesk/backupdesk/internal/metrics"
	"github.com/backupdesk/backupdesk/internal/model"
	"github.com/backupdesk/backupdesk/internal/session"
)

// ErrClosed is returned when starting a feed on a closed Multiplexer
var ErrClosed = errors.New("stream: multiplexer closed")

// StatusFetcher reads one backup status over plain HTTP
type StatusFetcher interface {
	BackupStatus(ctx context.Context, siteID int) (*model.BackupStatus, error)
}

// Session is the part of the token lifecycle manager the feeds depend on
type Session interface {
	Token() (string, bool)
	EnsureFresh(ctx context.Context) bool
	OnStateChange(l session.StateListener) func()
}

// Options tunes feed timing. Zero values select the defaults.
type Options struct {
	PushInterval     time.Duration
	PollInterval     time.Duration
	PushRetryDelay   time.Duration
	BatchConcurrency int
	WatchBuffer      int

	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// OptionsFromConfig maps the stream config section onto Options
func OptionsFromConfig(cfg config.StreamConfig) Options {
	return Options{
		PushInterval:     time.Duration(cfg.PushIntervalSeconds) * time.Second,
		PollInterval:     cfg.GetPollInterval(),
		PushRetryDelay:   cfg.GetPushRetryDelay(),
		BatchConcurrency: cfg.BatchConcurrency,
		WatchBuffer:      cfg.WatchBuffer,
	}
}

func (o *Options) setDefaults() {
	if o.PushInterval <= 0 {
		o.PushInterval = 2 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.PushRetryDelay <= 0 {
		o.PushRetryDelay = 3 * time.Second
	}
	if o.BatchConcurrency <= 0 {
		o.BatchConcurrency = 8
	}
	if o.WatchBuffer <= 0 {
		o.WatchBuffer = 64
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Multiplexer runs at most one subscription per backup job id. Feeds prefer
// push; a push failure gets one reconnect after PushRetryDelay and then
// degrades to polling for good. Terminal statuses end the feed.
type Multiplexer struct {
	fetcher StatusFetcher
	session Session
	dialer  Dialer
	opts    Options
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu       sync.Mutex
	registry *registry
	watchers *watchers[Update]
	closed   bool

	unsubscribe func()
	wg          sync.WaitGroup
}

// NewMultiplexer creates a multiplexer and subscribes it to session state:
// when the session becomes Anonymous every feed is torn down.
func NewMultiplexer(fetcher StatusFetcher, sess Session, dialer Dialer, opts Options) *Multiplexer {
	opts.setDefaults()
	m := &Multiplexer{
		fetcher:  fetcher,
		session:  sess,
		dialer:   dialer,
		opts:     opts,
		metrics:  opts.Metrics,
		logger:   opts.Logger.With(zap.String("component", "multiplexer")),
		registry: newRegistry(),
		watchers: newWatchers[Update](opts.WatchBuffer),
	}
	m.unsubscribe = sess.OnStateChange(func(_, to session.State) {
		if to == session.StateAnonymous {
			m.Cleanup()
		}
	})
	return m
}

// StartMonitoring opens a feed for id, replacing any existing one. The
// credential is refreshed first when it is close to expiry. Without a
// credential the feed polls.
func (m *Multiplexer) StartMonitoring(ctx context.Context, id int) error {
	m.StopMonitoring(id)

	m.session.EnsureFresh(ctx)

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{
		id:     id,
		ctx:    subCtx,
		cancel: cancel,
		conn:   ConnState{Mode: ModeNone, Phase: PhaseIdle},
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return ErrClosed
	}
	prev := m.registry.register(sub)
	m.wg.Add(1)
	m.mu.Unlock()

	if prev != nil {
		prev.cancel()
	}

	go m.run(sub)
	return nil
}

// StopMonitoring tears down the feed for id. It is idempotent and safe to
// call from any goroutine, including a watcher. No update for the stopped
// feed is delivered after it returns.
func (m *Multiplexer) StopMonitoring(id int) {
	m.mu.Lock()
	sub := m.registry.releaseID(id)
	m.mu.Unlock()

	if sub != nil {
		sub.cancel()
		m.logger.Debug("monitoring stopped", zap.Int("site_id", id))
	}
}

// Cleanup tears down every feed. It does not wait for feed goroutines to
// exit, so it may run from inside one (a 401 ending the session).
func (m *Multiplexer) Cleanup() {
	m.mu.Lock()
	subs := m.registry.releaseAll()
	m.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
	if len(subs) > 0 {
		m.logger.Info("all feeds released", zap.Int("count", len(subs)))
	}
}

// Close releases everything, closes watcher channels and waits for feed
// goroutines to exit. It must not be called from a watcher or feed goroutine.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.unsubscribe()
	m.Cleanup()
	m.wg.Wait()

	m.mu.Lock()
	m.watchers.closeAll()
	m.mu.Unlock()
}

// Wait blocks until every feed goroutine has exited
func (m *Multiplexer) Wait() {
	m.wg.Wait()
}

// Watch returns a channel of updates and a function that closes it
func (m *Multiplexer) Watch() (<-chan Update, func()) {
	m.mu.Lock()
	ch, id := m.watchers.add()
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		m.watchers.remove(id)
		m.mu.Unlock()
	}
}

// Snapshot returns the latest status seen for id
func (m *Multiplexer) Snapshot(id int) (*model.BackupStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.registry.snapshots[id]
	return s, ok
}

// Snapshots returns a copy of every known status keyed by id
func (m *Multiplexer) Snapshots() map[int]*model.BackupStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]*model.BackupStatus, len(m.registry.snapshots))
	for id, s := range m.registry.snapshots {
		out[id] = s
	}
	return out
}

// ConnState returns how the feed for id is connected
func (m *Multiplexer) ConnState(id int) ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry.connState(id)
}

// IsRunning reports whether the latest status for id is running
func (m *Multiplexer) IsRunning(id int) bool {
	s, ok := m.Snapshot(id)
	return ok && s.Status == model.BackupRunning
}

// Active returns the ids with a live subscription
func (m *Multiplexer) Active() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry.ids()
}

// FetchStatus reads the status for id once and records it as the snapshot.
// The write is unconditional, even while a live feed owns id: a slow read can
// briefly replace a newer pushed status until the feed's next update.
func (m *Multiplexer) FetchStatus(ctx context.Context, id int) (*model.BackupStatus, error) {
	status, err := m.fetcher.BackupStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	if status.SiteID == 0 {
		status.SiteID = id
	}

	m.mu.Lock()
	m.registry.snapshots[id] = status
	m.watchers.publish(Update{ID: id, Snapshot: status, Conn: m.registry.connState(id)})
	m.mu.Unlock()

	return status, nil
}

// FetchStatusBatch reads the statuses for ids concurrently. Individual
// failures do not affect the others: successful statuses are returned and
// the failures are joined into the error.
func (m *Multiplexer) FetchStatusBatch(ctx context.Context, ids []int) (map[int]*model.BackupStatus, error) {
	var (
		mu       sync.Mutex
		statuses = make(map[int]*model.BackupStatus, len(ids))
		errs     []error
	)

	var g errgroup.Group
	g.SetLimit(m.opts.BatchConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			status, err := m.FetchStatus(ctx, id)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				m.logger.Warn("status fetch failed", zap.Int("site_id", id), zap.Error(err))
				errs = append(errs, fmt.Errorf("site %d: %w", id, err))
				return nil
			}
			statuses[id] = status
			return nil
		})
	}
	_ = g.Wait()

	return statuses, errors.Join(errs...)
}

// run drives one subscription: push, at most one push reconnect, then polling
func (m *Multiplexer) run(sub *subscription) {
	defer m.wg.Done()
	defer m.finish(sub)

	logger := m.logger.With(zap.Int("site_id", sub.id))

	if _, ok := m.session.Token(); !ok {
		logger.Debug("no credential, polling")
		m.poll(sub)
		return
	}

	retried := false
	for {
		terminal, err := m.push(sub)
		if terminal || sub.ctx.Err() != nil {
			return
		}

		logger.Warn("push connection failed", zap.Bool("retried", retried), zap.Error(err))
		m.update(sub, func(c *ConnState) {
			c.Connected = false
			c.Error = "Connection lost"
		})

		if retried {
			break
		}
		retried = true

		select {
		case <-sub.ctx.Done():
			return
		case <-time.After(m.opts.PushRetryDelay):
		}

		m.session.EnsureFresh(sub.ctx)
		if _, ok := m.session.Token(); !ok {
			break
		}
		m.metrics.Reconnect("backup")
	}

	logger.Info("falling back to polling")
	m.metrics.Fallback()
	m.poll(sub)
}

// push holds one push connection open until a terminal status, an error or
// teardown. It reports whether the feed reached a terminal status.
func (m *Multiplexer) push(sub *subscription) (bool, error) {
	token, ok := m.session.Token()
	if !ok {
		return false, &apierr.AuthInvalid{Message: "no credential"}
	}
	if !m.transition(sub, PhaseConnecting, func(c *ConnState) { c.Connected = false }) {
		return false, context.Canceled
	}

	query := url.Values{}
	query.Set("token", token)
	query.Set("interval", strconv.Itoa(int(m.opts.PushInterval/time.Second)))

	conn, err := m.dialer.Dial(sub.ctx, fmt.Sprintf("/daemon/backup/stream/%d", sub.id), query)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	m.metrics.FeedOpened(string(ModePush))
	defer m.metrics.FeedClosed(string(ModePush))

	first := true
	for {
		data, err := conn.Next()
		if err != nil {
			return false, err
		}

		if first {
			first = false
			if !m.transition(sub, PhaseStreaming, func(c *ConnState) {
				c.Mode = ModePush
				c.Connected = true
				c.Error = ""
			}) {
				return false, context.Canceled
			}
		}

		if m.handlePush(sub, data) {
			return true, nil
		}
	}
}

// pushMessage covers both control messages and status payloads
type pushMessage struct {
	Event   string            `json:"event"`
	Message string            `json:"message"`
	Status  model.BackupState `json:"status"`
}

// handlePush applies one push payload. Malformed payloads are logged and
// dropped. It reports whether the payload carried a terminal status.
func (m *Multiplexer) handlePush(sub *subscription, data []byte) bool {
	var msg pushMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		m.logger.Warn("dropping malformed push payload",
			zap.Int("site_id", sub.id), zap.Error(&apierr.DecodeFailure{Err: err}))
		return false
	}

	switch msg.Event {
	case "connected":
		m.update(sub, func(c *ConnState) {
			c.Connected = true
			c.Error = ""
		})
		return false
	case "error":
		m.update(sub, func(c *ConnState) { c.Error = msg.Message })
		return false
	}

	if msg.Status == "" {
		m.logger.Debug("ignoring push payload without status", zap.Int("site_id", sub.id))
		return false
	}

	var status model.BackupStatus
	if err := json.Unmarshal(data, &status); err != nil {
		m.logger.Warn("dropping malformed status payload",
			zap.Int("site_id", sub.id), zap.Error(&apierr.DecodeFailure{Err: err}))
		return false
	}
	if status.SiteID == 0 {
		status.SiteID = sub.id
	}

	terminal := status.Status.Terminal()
	m.apply(sub, &status, terminal)
	return terminal
}

// poll fetches immediately and then on every tick until the status settles
// (terminal or idle), the credential is rejected or the feed is torn down.
func (m *Multiplexer) poll(sub *subscription) {
	if !m.transition(sub, PhasePolling, func(c *ConnState) {
		c.Mode = ModePoll
		c.Connected = true
	}) {
		return
	}

	m.metrics.FeedOpened(string(ModePoll))
	defer m.metrics.FeedClosed(string(ModePoll))

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		if m.pollOnce(sub) {
			return
		}
		select {
		case <-sub.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Multiplexer) pollOnce(sub *subscription) bool {
	status, err := m.fetcher.BackupStatus(sub.ctx, sub.id)
	if err != nil {
		if sub.ctx.Err() != nil {
			return true
		}
		if apierr.IsAuthInvalid(err) {
			return true
		}
		m.logger.Warn("poll failed", zap.Int("site_id", sub.id), zap.Error(err))
		m.update(sub, func(c *ConnState) { c.Error = err.Error() })
		return false
	}
	if status.SiteID == 0 {
		status.SiteID = sub.id
	}

	settled := status.Status.Settled()
	m.apply(sub, status, settled)
	return settled
}

// transition moves sub to phase if the move is legal and sub is still
// registered. It reports whether the feed should continue.
func (m *Multiplexer) transition(sub *subscription, phase Phase, mutate func(*ConnState)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.registry.current(sub) {
		return false
	}
	if !canTransition(sub.conn.Phase, phase) {
		m.logger.Error("illegal feed transition",
			zap.Int("site_id", sub.id),
			zap.String("from", string(sub.conn.Phase)),
			zap.String("to", string(phase)))
		return false
	}

	sub.conn.Phase = phase
	if mutate != nil {
		mutate(&sub.conn)
	}
	m.publishLocked(sub.id)
	return true
}

// update changes connection details without a phase change
func (m *Multiplexer) update(sub *subscription, mutate func(*ConnState)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.registry.current(sub) {
		return
	}
	mutate(&sub.conn)
	m.publishLocked(sub.id)
}

// apply records a status from the owning subscription and, for a final
// status, releases the subscription in the same critical section.
func (m *Multiplexer) apply(sub *subscription, status *model.BackupStatus, final bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.registry.current(sub) {
		return
	}
	m.registry.snapshots[sub.id] = status
	if final {
		sub.conn.Terminal = status.Status.Terminal()
		m.registry.release(sub)
	}
	m.publishLocked(sub.id)
}

func (m *Multiplexer) publishLocked(id int) {
	m.watchers.publish(Update{
		ID:       id,
		Snapshot: m.registry.snapshots[id],
		Conn:     m.registry.connState(id),
	})
}

// finish releases sub if its goroutine ended without being stopped
func (m *Multiplexer) finish(sub *subscription) {
	m.mu.Lock()
	released := m.registry.release(sub)
	if released {
		m.publishLocked(sub.id)
	}
	m.mu.Unlock()
	sub.cancel()
}
