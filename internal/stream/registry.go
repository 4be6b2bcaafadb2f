package stream

import (
	"context"
	"sort"

	"github.com/backupdesk/backupdesk/internal/model"
)

// subscription is the handle for one live feed. Its goroutine owns the
// network resources; the registry owns the handle.
type subscription struct {
	id     int
	ctx    context.Context
	cancel context.CancelFunc
	conn   ConnState
}

// registry maps entity ids to their single active subscription and keeps the
// latest snapshot per id. It is guarded by the Multiplexer's mutex.
type registry struct {
	subs      map[int]*subscription
	snapshots map[int]*model.BackupStatus
	ended     map[int]ConnState
}

func newRegistry() *registry {
	return &registry{
		subs:      make(map[int]*subscription),
		snapshots: make(map[int]*model.BackupStatus),
		ended:     make(map[int]ConnState),
	}
}

// register installs sub as the active subscription for its id. A previous
// subscription is released and returned so the caller can cancel it.
func (r *registry) register(sub *subscription) *subscription {
	prev := r.subs[sub.id]
	r.subs[sub.id] = sub
	delete(r.ended, sub.id)
	return prev
}

// release removes sub if it is still the active subscription for its id
func (r *registry) release(sub *subscription) bool {
	if !r.current(sub) {
		return false
	}
	delete(r.subs, sub.id)
	sub.conn.Phase = PhaseTerminated
	sub.conn.Connected = false
	r.ended[sub.id] = sub.conn
	return true
}

// releaseID removes whatever subscription is active for id
func (r *registry) releaseID(id int) *subscription {
	sub, ok := r.subs[id]
	if !ok {
		return nil
	}
	r.release(sub)
	return sub
}

// releaseAll removes every subscription and returns them for cancellation
func (r *registry) releaseAll() []*subscription {
	out := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub)
	}
	for _, sub := range out {
		r.release(sub)
	}
	return out
}

func (r *registry) current(sub *subscription) bool {
	return sub != nil && r.subs[sub.id] == sub
}

func (r *registry) lookup(id int) (*subscription, bool) {
	sub, ok := r.subs[id]
	return sub, ok
}

func (r *registry) connState(id int) ConnState {
	if sub, ok := r.subs[id]; ok {
		return sub.conn
	}
	if c, ok := r.ended[id]; ok {
		return c
	}
	return ConnState{Mode: ModeNone, Phase: PhaseIdle}
}

func (r *registry) ids() []int {
	out := make([]int, 0, len(r.subs))
	for id := range r.subs {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}
