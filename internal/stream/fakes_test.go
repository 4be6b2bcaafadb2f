package stream

import (
	"context"
	"errors"
	"net/url"
	"sync"

	"github.com/backupdesk/backupdesk/internal/apierr"
	"github.com/backupdesk/backupdesk/internal/model"
	"github.com/backupdesk/backupdesk/internal/session"
)

type fakeSession struct {
	mu        sync.Mutex
	token     string
	fresh     int
	listeners map[int]session.StateListener
	nextID    int
}

func newFakeSession(token string) *fakeSession {
	return &fakeSession{token: token, listeners: make(map[int]session.StateListener)}
}

func (s *fakeSession) Token() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.token != ""
}

func (s *fakeSession) EnsureFresh(context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fresh++
	return false
}

func (s *fakeSession) freshCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fresh
}

func (s *fakeSession) OnStateChange(l session.StateListener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// logout drops the token and notifies listeners the way the manager does
func (s *fakeSession) logout() {
	s.mu.Lock()
	s.token = ""
	ls := make([]session.StateListener, 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	s.mu.Unlock()

	for _, l := range ls {
		l(session.StateAuthenticated, session.StateAnonymous)
	}
}

type fakeFetcher struct {
	mu       sync.Mutex
	statuses map[int]*model.BackupStatus
	errs     map[int]error
	calls    map[int]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		statuses: make(map[int]*model.BackupStatus),
		errs:     make(map[int]error),
		calls:    make(map[int]int),
	}
}

func (f *fakeFetcher) set(id int, state model.BackupState, progress float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = &model.BackupStatus{SiteID: id, Status: state, Progress: progress}
}

func (f *fakeFetcher) fail(id int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[id] = err
}

func (f *fakeFetcher) callCount(id int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *fakeFetcher) BackupStatus(_ context.Context, id int) (*model.BackupStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[id]++
	if err := f.errs[id]; err != nil {
		return nil, err
	}
	s, ok := f.statuses[id]
	if !ok {
		return nil, &apierr.RequestFailed{Status: 404, Message: "site not found"}
	}
	out := *s
	return &out, nil
}

// fakeConn is a push connection fed by the test
type fakeConn struct {
	path   string
	query  url.Values
	msgs   chan []byte
	closed chan struct{}
	once   sync.Once
}

func (c *fakeConn) Next() ([]byte, error) {
	select {
	case data := <-c.msgs:
		return data, nil
	case <-c.closed:
		return nil, &apierr.TransportFailure{Op: "read fake", Err: errors.New("connection closed")}
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// send delivers a payload unless the connection is gone
func (c *fakeConn) send(data string) bool {
	select {
	case c.msgs <- []byte(data):
		return true
	case <-c.closed:
		return false
	}
}

type fakeDialer struct {
	mu      sync.Mutex
	conns   []*fakeConn
	refuse  map[string]error
	dialled map[string]int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{refuse: make(map[string]error), dialled: make(map[string]int)}
}

func (d *fakeDialer) Dial(ctx context.Context, path string, query url.Values) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dialled[path]++
	if err := d.refuse[path]; err != nil {
		return nil, err
	}

	c := &fakeConn{path: path, query: query, msgs: make(chan []byte), closed: make(chan struct{})}
	context.AfterFunc(ctx, func() { _ = c.Close() })
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) refusePath(path string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refuse[path] = err
}

func (d *fakeDialer) dials(path string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dialled[path]
}

// open returns the connections to path that are still open
func (d *fakeDialer) open(path string) []*fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*fakeConn
	for _, c := range d.conns {
		if c.path == path && !c.isClosed() {
			out = append(out, c)
		}
	}
	return out
}

// latest returns the newest connection to path, open or not
func (d *fakeDialer) latest(path string) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.conns) - 1; i >= 0; i-- {
		if d.conns[i].path == path {
			return d.conns[i]
		}
	}
	return nil
}
