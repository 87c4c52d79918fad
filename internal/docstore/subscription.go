package docstore

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// hub fans snapshots out to per-key subscribers. Each subscriber owns one
// delivery goroutine and keeps only the newest pending snapshot, so a slow
// listener observes the latest state rather than every intermediate one.
type hub struct {
	mu   sync.Mutex
	subs map[string]map[uuid.UUID]*subscriber
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[uuid.UUID]*subscriber)}
}

func (h *hub) add(key string, fn Listener) (Handle, *subscriber) {
	sub := newSubscriber(fn)
	h.mu.Lock()
	if h.subs[key] == nil {
		h.subs[key] = make(map[uuid.UUID]*subscriber)
	}
	h.subs[key][sub.id] = sub
	h.mu.Unlock()
	go sub.run()
	return Handle{Key: key, ID: sub.id}, sub
}

func (h *hub) remove(handle Handle) bool {
	h.mu.Lock()
	byID := h.subs[handle.Key]
	sub, ok := byID[handle.ID]
	if ok {
		delete(byID, handle.ID)
		if len(byID) == 0 {
			delete(h.subs, handle.Key)
		}
	}
	h.mu.Unlock()
	if ok {
		sub.stop()
	}
	return ok
}

func (h *hub) publish(snap Snapshot) {
	for _, sub := range h.listeners(snap.Key) {
		sub.offer(snap.Clone(), nil)
	}
}

func (h *hub) fail(key string, err error) {
	for _, sub := range h.listeners(key) {
		sub.offer(Snapshot{Key: key}, err)
	}
}

func (h *hub) listeners(key string) []*subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*subscriber, 0, len(h.subs[key]))
	for _, sub := range h.subs[key] {
		out = append(out, sub)
	}
	return out
}

func (h *hub) keys() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.subs))
	for key := range h.subs {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func (h *hub) count(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[key])
}

func (h *hub) closeAll() {
	h.mu.Lock()
	all := h.subs
	h.subs = make(map[string]map[uuid.UUID]*subscriber)
	h.mu.Unlock()
	for _, byID := range all {
		for _, sub := range byID {
			sub.stop()
		}
	}
}

// subscriber keeps at most one pending snapshot and one pending error. They
// are held apart so a failure never discards an undelivered snapshot, and are
// delivered in the order they arrived.
type subscriber struct {
	id uuid.UUID
	fn Listener

	mu      sync.Mutex
	seq     uint64
	version int64
	snap    Snapshot
	snapAt  uint64
	hasSnap bool
	failed  Snapshot
	err     error
	errAt   uint64
	hasErr  bool

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func newSubscriber(fn Listener) *subscriber {
	return &subscriber{
		id:   uuid.New(),
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (s *subscriber) offer(snap Snapshot, err error) {
	s.mu.Lock()
	s.seq++
	if err != nil {
		s.failed, s.err, s.errAt, s.hasErr = snap, err, s.seq, true
	} else {
		// Never replace a newer snapshot with an older one.
		if snap.Version < s.version {
			s.mu.Unlock()
			return
		}
		s.version = snap.Version
		s.snap, s.snapAt, s.hasSnap = snap, s.seq, true
	}
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

type delivery struct {
	snap Snapshot
	err  error
}

// take drains what is pending, oldest first.
func (s *subscriber) take() []delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []delivery
	if s.hasErr {
		out = append(out, delivery{snap: s.failed, err: s.err})
	}
	if s.hasSnap {
		d := delivery{snap: s.snap}
		if s.hasErr && s.snapAt < s.errAt {
			out = append([]delivery{d}, out...)
		} else {
			out = append(out, d)
		}
	}
	s.hasErr, s.hasSnap, s.err, s.failed = false, false, nil, Snapshot{}
	return out
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for _, d := range s.take() {
			select {
			case <-s.done:
				return
			default:
			}
			s.fn(d.snap, d.err)
		}
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}
