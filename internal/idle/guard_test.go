package idle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backupdesk/backupdesk/internal/config"
	"github.com/backupdesk/backupdesk/internal/session"
)

type fakeSession struct {
	mu            sync.Mutex
	authenticated bool
	ended         []string
	listener      session.StateListener
}

func (s *fakeSession) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

func (s *fakeSession) EndSession(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = false
	s.ended = append(s.ended, reason)
}

func (s *fakeSession) OnStateChange(l session.StateListener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.listener = nil
	}
}

func (s *fakeSession) endedWith() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ended...)
}

func (s *fakeSession) authenticate() {
	s.mu.Lock()
	s.authenticated = true
	l := s.listener
	s.mu.Unlock()
	if l != nil {
		l(session.StateAuthenticating, session.StateAuthenticated)
	}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newGuard(t *testing.T, sess *fakeSession, interactive bool) (*Guard, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)}
	g := New(sess, Options{
		Timeout:       30 * time.Minute,
		CheckInterval: 5 * time.Millisecond,
		Now:           clk.Now,
		Interactive:   func() bool { return interactive },
	})
	t.Cleanup(g.Stop)
	return g, clk
}

func TestCheck(t *testing.T) {
	testCases := []struct {
		name          string
		authenticated bool
		idle          time.Duration
		wantLogout    bool
	}{
		{"active user", true, 10 * time.Minute, false},
		{"just under the limit", true, 30*time.Minute - time.Second, false},
		{"at the limit", true, 30 * time.Minute, true},
		{"long idle", true, 2 * time.Hour, true},
		{"anonymous", false, 2 * time.Hour, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sess := &fakeSession{authenticated: tc.authenticated}
			g, clk := newGuard(t, sess, true)

			clk.Advance(tc.idle)
			assert.Equal(t, tc.wantLogout, g.Check())

			if tc.wantLogout {
				assert.Equal(t, []string{session.ReasonIdle}, sess.endedWith())
			} else {
				assert.Empty(t, sess.endedWith())
			}
		})
	}
}

func TestTouchResetsIdleTime(t *testing.T) {
	sess := &fakeSession{authenticated: true}
	g, clk := newGuard(t, sess, true)

	clk.Advance(29 * time.Minute)
	g.Touch()
	clk.Advance(29 * time.Minute)

	assert.False(t, g.Check())
	assert.Equal(t, 29*time.Minute, g.Idle())
}

func TestLoginResetsIdleTime(t *testing.T) {
	sess := &fakeSession{}
	g, clk := newGuard(t, sess, true)

	clk.Advance(3 * time.Hour)
	sess.authenticate()

	assert.Equal(t, clk.Now(), g.LastActivity())
	assert.False(t, g.Check())
}

func TestRunLogsOutIdleSession(t *testing.T) {
	sess := &fakeSession{authenticated: true}
	g, clk := newGuard(t, sess, true)

	errs := make(chan error, 1)
	go func() { errs <- g.Run(context.Background()) }()

	clk.Advance(31 * time.Minute)
	require.Eventually(t, func() bool { return len(sess.endedWith()) == 1 }, 2*time.Second, 5*time.Millisecond)

	// already anonymous, further ticks do nothing
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, sess.endedWith(), 1)

	g.Stop()
	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestRunRejectsSecondLoop(t *testing.T) {
	sess := &fakeSession{authenticated: true}
	g, _ := newGuard(t, sess, true)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- g.Run(ctx) }()

	require.Eventually(t, g.Running, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, g.Run(ctx), ErrAlreadyRunning)

	cancel()
	assert.ErrorIs(t, <-errs, context.Canceled)
}

func TestRunWithoutTerminalIsNoop(t *testing.T) {
	sess := &fakeSession{authenticated: true}
	g, clk := newGuard(t, sess, false)

	clk.Advance(5 * time.Hour)
	assert.NoError(t, g.Run(context.Background()))
	assert.Empty(t, sess.endedWith())
}

func TestOptionsFromConfig(t *testing.T) {
	opts := OptionsFromConfig(config.Default().Session)
	assert.Equal(t, 30*time.Minute, opts.Timeout)
	assert.Equal(t, time.Minute, opts.CheckInterval)
}
