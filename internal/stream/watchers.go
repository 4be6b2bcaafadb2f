package stream

// watchers fans values out to subscriber channels with bounded buffers.
// Publishing never blocks: a subscriber whose buffer is full misses the value.
// It is not safe for concurrent use; owners guard it with their own mutex,
// which is what makes "no delivery after stop" hold.
type watchers[T any] struct {
	bufferSize int
	subs       map[int]chan T
	nextID     int
	closed     bool
}

func newWatchers[T any](bufferSize int) *watchers[T] {
	if bufferSize < 1 {
		bufferSize = 16
	}
	return &watchers[T]{
		bufferSize: bufferSize,
		subs:       make(map[int]chan T),
	}
}

// add returns a new subscriber channel and its id. After closeAll the
// returned channel is already closed.
func (w *watchers[T]) add() (<-chan T, int) {
	ch := make(chan T, w.bufferSize)
	if w.closed {
		close(ch)
		return ch, -1
	}
	id := w.nextID
	w.nextID++
	w.subs[id] = ch
	return ch, id
}

func (w *watchers[T]) remove(id int) {
	if ch, ok := w.subs[id]; ok {
		delete(w.subs, id)
		close(ch)
	}
}

func (w *watchers[T]) publish(v T) {
	for _, ch := range w.subs {
		select {
		case ch <- v:
		default:
		}
	}
}

func (w *watchers[T]) closeAll() {
	for id := range w.subs {
		w.remove(id)
	}
	w.closed = true
}
