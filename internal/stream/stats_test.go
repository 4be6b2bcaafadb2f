package stream

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backupdesk/backupdesk/internal/config"
	"github.com/backupdesk/backupdesk/internal/metrics"
)

const fleetPath = "/metrics/nodes/stats/stream"

func waitOpen(t *testing.T, d *fakeDialer, path string) *fakeConn {
	t.Helper()
	var conn *fakeConn
	require.Eventually(t, func() bool {
		open := d.open(path)
		if len(open) == 0 {
			return false
		}
		conn = open[len(open)-1]
		return true
	}, waitFor, tick)
	return conn
}

func TestFleetFeed_ReceivesStats(t *testing.T) {
	sess := newFakeSession("tok")
	dialer := newFakeDialer()
	feed := NewFleetFeed(dialer, sess, StatsOptions{})
	t.Cleanup(feed.Close)

	updates, stop := feed.Watch()
	defer stop()

	feed.Start(context.Background())
	conn := waitOpen(t, dialer, fleetPath)
	assert.Equal(t, "5", conn.query.Get("interval"))
	assert.Equal(t, "tok", conn.query.Get("token"))

	require.Eventually(t, feed.Connected, waitFor, tick)

	require.True(t, conn.send(`{"event":"connected"}`))
	require.True(t, conn.send(`{"timestamp":"2026-10-19T10:00:00Z","nodes":[{"id":1,"hostname":"alpha","status":"online"},{"id":2,"hostname":"beta","status":"stale"}]}`))

	require.Eventually(t, func() bool {
		stats, ok := feed.Stats()
		return ok && len(stats.Nodes) == 2
	}, waitFor, tick)

	stats, _ := feed.Stats()
	assert.Equal(t, "2026-10-19T10:00:00Z", stats.Timestamp)
	assert.Equal(t, "beta", stats.Nodes[1].Hostname)

	require.True(t, conn.send(`{"event":"error","message":"stats unavailable"}`))
	require.Eventually(t, func() bool { return feed.Err() == "stats unavailable" }, waitFor, tick)

	var last StatsUpdate
	for len(updates) > 0 {
		last = <-updates
	}
	assert.True(t, last.Connected)
	assert.Equal(t, "stats unavailable", last.Error)
}

func TestFleetFeed_ReconnectsAfterLoss(t *testing.T) {
	sess := newFakeSession("tok")
	dialer := newFakeDialer()
	m := metrics.New()
	feed := NewFleetFeed(dialer, sess, StatsOptions{Reconnect: 10 * time.Millisecond, Metrics: m})
	t.Cleanup(feed.Close)

	feed.Start(context.Background())
	first := waitOpen(t, dialer, fleetPath)

	// server drops the stream
	_ = first.Close()

	require.Eventually(t, func() bool { return dialer.dials(fleetPath) >= 2 }, waitFor, tick)
	second := waitOpen(t, dialer, fleetPath)
	assert.NotSame(t, first, second)

	require.Eventually(t, func() bool { return feed.Connected() && feed.Err() == "" }, waitFor, tick)
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.Reconnects.WithLabelValues("fleet")), float64(1))
}

func TestFleetFeed_StopKeepsLastStats(t *testing.T) {
	sess := newFakeSession("tok")
	dialer := newFakeDialer()
	feed := NewFleetFeed(dialer, sess, StatsOptions{Reconnect: 10 * time.Millisecond})
	t.Cleanup(feed.Close)

	feed.Start(context.Background())
	conn := waitOpen(t, dialer, fleetPath)
	require.True(t, conn.send(`{"timestamp":"t0","nodes":[{"id":7,"hostname":"gamma"}]}`))
	require.Eventually(t, func() bool { _, ok := feed.Stats(); return ok }, waitFor, tick)

	feed.Stop()

	require.Eventually(t, conn.isClosed, waitFor, tick)
	assert.False(t, feed.Connected())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, dialer.dials(fleetPath), "a stopped feed does not reconnect")

	stats, ok := feed.Stats()
	require.True(t, ok)
	assert.Equal(t, "gamma", stats.Nodes[0].Hostname)
}

func TestStatsFeed_WithoutCredential(t *testing.T) {
	dialer := newFakeDialer()
	feed := NewFleetFeed(dialer, newFakeSession(""), StatsOptions{Reconnect: 10 * time.Millisecond})
	t.Cleanup(feed.Close)

	feed.Start(context.Background())

	require.Eventually(t, func() bool { return feed.Err() == "No authentication token" }, waitFor, tick)
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, dialer.dials(fleetPath))
	assert.False(t, feed.Connected())
}

func TestStatsFeed_LogoutDisconnects(t *testing.T) {
	sess := newFakeSession("tok")
	dialer := newFakeDialer()
	feed := NewFleetFeed(dialer, sess, StatsOptions{Reconnect: 10 * time.Millisecond})
	t.Cleanup(feed.Close)

	feed.Start(context.Background())
	conn := waitOpen(t, dialer, fleetPath)

	sess.logout()

	require.Eventually(t, conn.isClosed, waitFor, tick)
	assert.False(t, feed.Connected())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, dialer.dials(fleetPath))
}

func TestNodeFeed_SetNodeSwitchesConnection(t *testing.T) {
	sess := newFakeSession("tok")
	dialer := newFakeDialer()
	feed := NewNodeFeed(dialer, sess, StatsOptions{})
	t.Cleanup(feed.Close)
	ctx := context.Background()

	feed.SetNode(ctx, 1)
	c1 := waitOpen(t, dialer, "/metrics/nodes/1/stats/stream")
	assert.Equal(t, "2", c1.query.Get("interval"))

	require.True(t, c1.send(`{"id":1,"hostname":"alpha","status":"online","cpu_percent":12.5}`))
	require.Eventually(t, func() bool {
		n, ok := feed.Node()
		return ok && n.Hostname == "alpha"
	}, waitFor, tick)
	n, _ := feed.Node()
	require.NotNil(t, n.CPUPercent)
	assert.Equal(t, 12.5, *n.CPUPercent)

	feed.SetNode(ctx, 2)
	_, ok := feed.Node()
	assert.False(t, ok, "switching nodes forgets the previous sample")
	assert.Equal(t, 2, feed.NodeID())

	c2 := waitOpen(t, dialer, "/metrics/nodes/2/stats/stream")
	require.Eventually(t, c1.isClosed, waitFor, tick)

	require.True(t, c2.send(`{"timestamp":"t1","nodes":[{"id":2,"hostname":"beta","status":"offline"}]}`))
	require.Eventually(t, func() bool {
		n, ok := feed.Node()
		return ok && n.Hostname == "beta"
	}, waitFor, tick)

	feed.SetNode(ctx, 0)
	require.Eventually(t, c2.isClosed, waitFor, tick)
	assert.Zero(t, feed.NodeID())
}

func TestNodeFeed_DoesNotReconnectByItself(t *testing.T) {
	sess := newFakeSession("tok")
	dialer := newFakeDialer()
	m := metrics.New()
	feed := NewNodeFeed(dialer, sess, StatsOptions{Reconnect: 10 * time.Millisecond, Metrics: m})
	t.Cleanup(feed.Close)
	ctx := context.Background()
	path := "/metrics/nodes/3/stats/stream"

	feed.SetNode(ctx, 3)
	conn := waitOpen(t, dialer, path)
	_ = conn.Close()

	require.Eventually(t, func() bool { return feed.Err() == "Connection lost" }, waitFor, tick)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, dialer.dials(path))
	assert.Zero(t, testutil.ToFloat64(m.Reconnects.WithLabelValues("node")))

	feed.Reconnect(ctx)
	waitOpen(t, dialer, path)
	assert.Equal(t, 2, dialer.dials(path))
	require.Eventually(t, func() bool { return feed.Err() == "" }, waitFor, tick)
}

func TestStatsFeed_CloseEndsWatchers(t *testing.T) {
	feed := NewFleetFeed(newFakeDialer(), newFakeSession("tok"), StatsOptions{})
	updates, _ := feed.Watch()

	feed.Start(context.Background())
	feed.Close()
	feed.Close()

	for range updates {
	}
	feed.Start(context.Background())
	assert.False(t, feed.Connected())
}

func TestDecodeNode(t *testing.T) {
	testCases := []struct {
		name     string
		payload  string
		ok       bool
		hostname string
	}{
		{"wrapped", `{"timestamp":"t","nodes":[{"id":4,"hostname":"a"},{"id":5,"hostname":"b"}]}`, true, "a"},
		{"bare", `{"id":4,"hostname":"a"}`, true, "a"},
		{"bare without id", `{"hostname":"a"}`, false, ""},
		{"empty nodes", `{"timestamp":"t","nodes":[]}`, false, ""},
		{"not an object", `[1,2]`, false, ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			stats, ok := decodeNode([]byte(tc.payload))
			require.Equal(t, tc.ok, ok)
			if ok {
				require.Len(t, stats.Nodes, 1)
				assert.Equal(t, tc.hostname, stats.Nodes[0].Hostname)
			}
		})
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default().Stream

	opts := OptionsFromConfig(cfg)
	assert.Equal(t, 2*time.Second, opts.PushInterval)
	assert.Equal(t, 2*time.Second, opts.PollInterval)
	assert.Equal(t, 3*time.Second, opts.PushRetryDelay)
	assert.Equal(t, 8, opts.BatchConcurrency)

	fleet := FleetOptionsFromConfig(cfg)
	assert.Equal(t, 5*time.Second, fleet.Interval)
	assert.Equal(t, 5*time.Second, fleet.Reconnect)

	node := NodeOptionsFromConfig(cfg)
	assert.Equal(t, 2*time.Second, node.Interval)
	assert.Zero(t, node.Reconnect)
}
