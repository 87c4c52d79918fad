package projection

import (
	"context"
	"sync"

	"github.com/danmuck/pairsync/internal/docstore"
	"github.com/danmuck/pairsync/internal/setup"
)

// Attachment is one participant's live view of a setup document.
type Attachment struct {
	projector *Projector
	feed      *feed
	actor     setup.Actor

	mu        sync.Mutex
	closed    bool
	observers []Observer
	view      setup.View
	hasView   bool
	version   int64
	err       error
	views     chan setup.View
	watchers  map[int]chan setup.View
	nextWatch int
	done      chan struct{}
}

func newAttachment(p *Projector, f *feed, actor setup.Actor) *Attachment {
	return &Attachment{
		projector: p,
		feed:      f,
		actor:     actor,
		views:     make(chan setup.View, 1),
		watchers:  make(map[int]chan setup.View),
		done:      make(chan struct{}),
	}
}

func (a *Attachment) PairingID() string { return a.feed.pairingID }

func (a *Attachment) Actor() setup.Actor { return a.actor }

// Views streams derived views. Only the latest undelivered view is kept; the
// channel is closed by Close.
func (a *Attachment) Views() <-chan setup.View { return a.views }

// Watch returns an additional latest-wins view stream, primed with the
// current view when there is one. cancel releases it; Close closes it.
func (a *Attachment) Watch() (views <-chan setup.View, cancel func()) {
	ch := make(chan setup.View, 1)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		close(ch)
		return ch, func() {}
	}
	id := a.nextWatch
	a.nextWatch++
	a.watchers[id] = ch
	if a.hasView {
		ch <- a.view
	}
	return ch, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if cur, ok := a.watchers[id]; ok {
			delete(a.watchers, id)
			close(cur)
		}
	}
}

// Done is closed when the attachment is closed.
func (a *Attachment) Done() <-chan struct{} { return a.done }

// View returns the most recently derived view; ok is false before the first
// delivery.
func (a *Attachment) View() (setup.View, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.view, a.hasView
}

// Err returns the last delivery error. A later successful delivery clears it.
func (a *Attachment) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Submit records a proposal. The resulting view is returned even when the
// attachment was closed while the write was in flight.
func (a *Attachment) Submit(ctx context.Context, payload docstore.Value) (setup.View, error) {
	doc, err := a.projector.engine.SubmitAs(ctx, a.feed.pairingID, a.actor, payload)
	return setup.DeriveView(doc, a.actor), err
}

func (a *Attachment) Approve(ctx context.Context) (setup.View, error) {
	doc, err := a.projector.engine.ApproveAs(ctx, a.feed.pairingID, a.actor)
	return setup.DeriveView(doc, a.actor), err
}

func (a *Attachment) Advance(ctx context.Context) (setup.View, error) {
	doc, err := a.projector.engine.AdvanceAs(ctx, a.feed.pairingID, a.actor)
	return setup.DeriveView(doc, a.actor), err
}

// Close stops publishing views and releases the subscription when no other
// attachment needs it. Calling Close again has no effect.
func (a *Attachment) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.observers = nil
	close(a.done)
	close(a.views)
	for id, ch := range a.watchers {
		delete(a.watchers, id)
		close(ch)
	}
	a.mu.Unlock()
	a.projector.detach(a)
}

func (a *Attachment) addObserver(o Observer) {
	if o == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.observers = append(a.observers, o)
}

func (a *Attachment) deliver(doc setup.Document) {
	a.mu.Lock()
	if a.closed || (a.hasView && doc.Version <= a.version) {
		a.mu.Unlock()
		return
	}
	prev := a.view.Phase
	first := !a.hasView
	v := setup.DeriveView(doc, a.actor)
	a.view, a.hasView, a.version, a.err = v, true, doc.Version, nil

	offerLatest(a.views, v)
	for _, ch := range a.watchers {
		offerLatest(ch, v)
	}

	var notify []Observer
	if first || prev != v.Phase {
		notify = append(notify, a.observers...)
	}
	a.mu.Unlock()

	for _, o := range notify {
		o.PhaseChanged(prev, v.Phase, v)
	}
}

func (a *Attachment) fail(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.err = err
}

// recover clears a delivery error after the store delivered successfully
// without a newer version.
func (a *Attachment) recover() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = nil
}

// offerLatest replaces any undelivered view in ch with v. Callers hold a.mu,
// which serializes every send.
func offerLatest(ch chan setup.View, v setup.View) {
	select {
	case <-ch:
	default:
	}
	ch <- v
}
