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

	"github.com/backupdesk/backupdesk/internal/apierr"
	"github.com/backupdesk/backupdesk/internal/config"
	"github.com/backupdesk/backupdesk/internal/metrics"
	"github.com/backupdesk/backupdesk/internal/model"
	"github.com/backupdesk/backupdesk/internal/session"
)

var errNoCredential = errors.New("no authentication token")

// StatsUpdate is delivered to stats feed watchers on every change
type StatsUpdate struct {
	Stats     *model.FleetStats
	Connected bool
	Error     string
}

// StatsOptions tunes a stats feed. Zero values select the defaults of the
// feed kind.
type StatsOptions struct {
	Interval    time.Duration
	Reconnect   time.Duration
	WatchBuffer int

	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// FleetOptionsFromConfig maps the stream config section onto fleet feed options
func FleetOptionsFromConfig(cfg config.StreamConfig) StatsOptions {
	return StatsOptions{
		Interval:    time.Duration(cfg.FleetIntervalSeconds) * time.Second,
		Reconnect:   cfg.GetFleetReconnect(),
		WatchBuffer: cfg.WatchBuffer,
	}
}

// NodeOptionsFromConfig maps the stream config section onto node feed options
func NodeOptionsFromConfig(cfg config.StreamConfig) StatsOptions {
	return StatsOptions{
		Interval:    time.Duration(cfg.NodeIntervalSeconds) * time.Second,
		WatchBuffer: cfg.WatchBuffer,
	}
}

// statsFeed is one push connection of node stats. Fleet and node feeds differ
// in path, payload shape and whether they reconnect by themselves.
type statsFeed struct {
	kind      string
	dialer    Dialer
	session   Session
	interval  time.Duration
	reconnect time.Duration
	decode    func(data []byte) (*model.FleetStats, bool)
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu        sync.Mutex
	gen       int
	cancel    context.CancelFunc
	stats     *model.FleetStats
	connected bool
	errMsg    string
	watchers  *watchers[StatsUpdate]
	closed    bool

	unsubscribe func()
	wg          sync.WaitGroup
}

func newStatsFeed(kind string, dialer Dialer, sess Session, opts StatsOptions, decode func([]byte) (*model.FleetStats, bool)) *statsFeed {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	f := &statsFeed{
		kind:      kind,
		dialer:    dialer,
		session:   sess,
		interval:  opts.Interval,
		reconnect: opts.Reconnect,
		decode:    decode,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With(zap.String("component", kind+"_feed")),
		watchers:  newWatchers[StatsUpdate](opts.WatchBuffer),
	}
	f.unsubscribe = sess.OnStateChange(func(_, to session.State) {
		if to == session.StateAnonymous {
			f.disconnect(false)
		}
	})
	return f
}

// connect replaces any open connection with a new one to path
func (f *statsFeed) connect(ctx context.Context, path string) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	if f.cancel != nil {
		f.cancel()
	}
	f.gen++
	gen := f.gen
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f.cancel = cancel
	f.wg.Add(1)
	f.mu.Unlock()

	go f.loop(connCtx, gen, path)
}

// disconnect closes the connection. clear also forgets the last stats.
func (f *statsFeed) disconnect(clear bool) {
	f.mu.Lock()
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	f.gen++
	f.connected = false
	if clear {
		f.stats = nil
	}
	f.publishLocked()
	f.mu.Unlock()
}

func (f *statsFeed) loop(ctx context.Context, gen int, path string) {
	defer f.wg.Done()

	for {
		err := f.stream(ctx, gen, path)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, errNoCredential) {
			f.set(gen, func() { f.errMsg = "No authentication token" })
			return
		}

		f.logger.Warn("stats stream lost", zap.Error(err))
		f.set(gen, func() {
			f.connected = false
			f.errMsg = "Connection lost"
		})

		if f.reconnect <= 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(f.reconnect):
		}
		f.metrics.Reconnect(f.kind)
	}
}

func (f *statsFeed) stream(ctx context.Context, gen int, path string) error {
	f.session.EnsureFresh(ctx)
	token, ok := f.session.Token()
	if !ok {
		return errNoCredential
	}

	query := url.Values{}
	query.Set("token", token)
	query.Set("interval", strconv.Itoa(int(f.interval/time.Second)))

	conn, err := f.dialer.Dial(ctx, path, query)
	if err != nil {
		return err
	}
	defer conn.Close()

	f.metrics.FeedOpened(string(ModePush))
	defer f.metrics.FeedClosed(string(ModePush))

	if !f.set(gen, func() {
		f.connected = true
		f.errMsg = ""
	}) {
		return context.Canceled
	}

	for {
		data, err := conn.Next()
		if err != nil {
			return err
		}
		if !f.handle(gen, data) {
			return context.Canceled
		}
	}
}

// handle applies one payload and reports whether the connection is still current
func (f *statsFeed) handle(gen int, data []byte) bool {
	var msg pushMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		f.logger.Warn("dropping malformed stats payload", zap.Error(&apierr.DecodeFailure{Err: err}))
		return true
	}

	switch msg.Event {
	case "connected":
		return f.set(gen, func() { f.connected = true })
	case "error":
		return f.set(gen, func() { f.errMsg = msg.Message })
	}

	stats, ok := f.decode(data)
	if !ok {
		return true
	}
	return f.set(gen, func() { f.stats = stats })
}

// set mutates feed state if gen is still the live connection
func (f *statsFeed) set(gen int, mutate func()) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if gen != f.gen {
		return false
	}
	mutate()
	f.publishLocked()
	return true
}

func (f *statsFeed) publishLocked() {
	f.watchers.publish(StatsUpdate{Stats: f.stats, Connected: f.connected, Error: f.errMsg})
}

// Connected reports whether the stream is open
func (f *statsFeed) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Err returns the last connection or server error message, if any
func (f *statsFeed) Err() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errMsg
}

// Watch returns a channel of updates and a function that closes it
func (f *statsFeed) Watch() (<-chan StatsUpdate, func()) {
	f.mu.Lock()
	ch, id := f.watchers.add()
	f.mu.Unlock()

	return ch, func() {
		f.mu.Lock()
		f.watchers.remove(id)
		f.mu.Unlock()
	}
}

// Close disconnects, waits for the stream goroutine and closes watchers
func (f *statsFeed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.mu.Unlock()

	f.unsubscribe()
	f.disconnect(false)
	f.wg.Wait()

	f.mu.Lock()
	f.watchers.closeAll()
	f.mu.Unlock()
}

// FleetFeed streams stats for every node over one connection. On failure it
// reconnects after a fixed delay and never polls.
type FleetFeed struct {
	*statsFeed
}

// NewFleetFeed creates a fleet feed; call Start to connect
func NewFleetFeed(dialer Dialer, sess Session, opts StatsOptions) *FleetFeed {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Reconnect <= 0 {
		opts.Reconnect = 5 * time.Second
	}
	return &FleetFeed{newStatsFeed("fleet", dialer, sess, opts, decodeFleet)}
}

// Start connects, replacing an open connection
func (f *FleetFeed) Start(ctx context.Context) {
	f.connect(ctx, "/metrics/nodes/stats/stream")
}

// Stop disconnects and keeps the last stats
func (f *FleetFeed) Stop() {
	f.disconnect(false)
}

// Stats returns the latest fleet sample
func (f *FleetFeed) Stats() (*model.FleetStats, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats, f.stats != nil
}

func decodeFleet(data []byte) (*model.FleetStats, bool) {
	var stats model.FleetStats
	if err := json.Unmarshal(data, &stats); err != nil || stats.Nodes == nil {
		return nil, false
	}
	return &stats, true
}

// NodeFeed streams stats for a single node. It does not reconnect by itself.
type NodeFeed struct {
	*statsFeed

	nodeMu sync.Mutex
	nodeID int
}

// NewNodeFeed creates a node feed; call SetNode to connect
func NewNodeFeed(dialer Dialer, sess Session, opts StatsOptions) *NodeFeed {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	opts.Reconnect = 0
	return &NodeFeed{statsFeed: newStatsFeed("node", dialer, sess, opts, decodeNode)}
}

// SetNode switches the feed to id. Zero disconnects.
func (f *NodeFeed) SetNode(ctx context.Context, id int) {
	f.nodeMu.Lock()
	defer f.nodeMu.Unlock()

	if id == f.nodeID && f.Connected() {
		return
	}
	f.nodeID = id
	f.disconnect(true)
	if id != 0 {
		f.connect(ctx, fmt.Sprintf("/metrics/nodes/%d/stats/stream", id))
	}
}

// NodeID returns the node being watched, or zero
func (f *NodeFeed) NodeID() int {
	f.nodeMu.Lock()
	defer f.nodeMu.Unlock()
	return f.nodeID
}

// Reconnect reopens the stream for the current node
func (f *NodeFeed) Reconnect(ctx context.Context) {
	f.nodeMu.Lock()
	id := f.nodeID
	f.nodeMu.Unlock()
	if id != 0 {
		f.connect(ctx, fmt.Sprintf("/metrics/nodes/%d/stats/stream", id))
	}
}

// Node returns the latest sample for the watched node
func (f *NodeFeed) Node() (*model.NodeStats, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stats == nil || len(f.stats.Nodes) == 0 {
		return nil, false
	}
	return &f.stats.Nodes[0], true
}

// decodeNode accepts {"nodes":[node,...]} or a bare node object
func decodeNode(data []byte) (*model.FleetStats, bool) {
	var wrapped model.FleetStats
	if err := json.Unmarshal(data, &wrapped); err == nil && len(wrapped.Nodes) > 0 {
		return &model.FleetStats{Timestamp: wrapped.Timestamp, Nodes: wrapped.Nodes[:1]}, true
	}

	var node model.NodeStats
	if err := json.Unmarshal(data, &node); err != nil || node.ID == 0 {
		return nil, false
	}
	return &model.FleetStats{Nodes: []model.NodeStats{node}}, true
}
