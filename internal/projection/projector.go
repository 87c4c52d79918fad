package projection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/pairsync/internal/docstore"
	"github.com/danmuck/pairsync/internal/retry"
	"github.com/danmuck/pairsync/internal/setup"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("projection: projector closed")

// Projector owns the document subscriptions behind every attachment.
type Projector struct {
	engine *setup.Engine
	store  docstore.Store
	retry  retry.Config

	mu     sync.Mutex
	closed bool
	feeds  map[string]*feed
}

type Option func(*Projector)

// WithRetry sets the backoff used while ensuring a document at attach time.
func WithRetry(cfg retry.Config) Option {
	return func(p *Projector) {
		p.retry = cfg.WithDefaults()
	}
}

func NewProjector(engine *setup.Engine, opts ...Option) *Projector {
	p := &Projector{
		engine: engine,
		store:  engine.Store(),
		retry:  retry.DefaultConfig(),
		feeds:  make(map[string]*feed),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

func (p *Projector) Engine() *setup.Engine { return p.engine }

// Attach ensures the pairing's document exists and returns the actor's
// attachment to it. Attaching again while an attachment is open returns the
// same attachment; observer, when non-nil, is added to it.
func (p *Projector) Attach(ctx context.Context, pairingID string, actor setup.Actor, observer Observer) (*Attachment, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	key := setup.DocumentKey(pairingID)

	if a := p.existing(key, actor.UserID); a != nil {
		a.addObserver(observer)
		return a, nil
	}

	err := retry.Do(ctx, p.retry, setup.IsRetryable, func(ctx context.Context) error {
		_, err := p.engine.Ensure(ctx, pairingID)
		return err
	})
	if err != nil {
		log.Error().Err(err).Str("pairing", pairingID).Msg("projection attach: ensure failed")
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	f, ok := p.feeds[key]
	if !ok {
		f = newFeed(key, pairingID)
		handle, err := p.store.Subscribe(key, f.onSnapshot)
		if err != nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: %w", setup.ErrStoreUnavailable, err)
		}
		f.handle = handle
		p.feeds[key] = f
		log.Info().Str("key", key).Msg("projection subscribed")
	}
	a, doc, has, existed := f.attach(p, actor)
	p.mu.Unlock()

	if existed {
		a.addObserver(observer)
		return a, nil
	}
	a.addObserver(observer)
	if has {
		a.deliver(doc)
	}
	log.Debug().Str("pairing", pairingID).Str("user", actor.UserID).Str("role", actor.Role.String()).Msg("projection attached")
	return a, nil
}

func (p *Projector) existing(key, userID string) *Attachment {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.feeds[key]
	if !ok {
		return nil
	}
	return f.lookup(userID)
}

// detach drops a from its feed and releases the subscription once the feed
// has no attachments left.
func (p *Projector) detach(a *Attachment) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.feeds[a.feed.key]
	if !ok || f != a.feed {
		return
	}
	if remaining := f.remove(a); remaining > 0 {
		return
	}
	delete(p.feeds, f.key)
	p.store.Unsubscribe(f.handle)
	log.Info().Str("key", f.key).Msg("projection unsubscribed")
}

// Subscriptions lists the document keys with an open subscription.
func (p *Projector) Subscriptions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.feeds))
	for key := range p.feeds {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// Close closes every attachment and refuses new ones.
func (p *Projector) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var all []*Attachment
	for _, f := range p.feeds {
		all = append(all, f.all()...)
	}
	p.mu.Unlock()
	for _, a := range all {
		a.Close()
	}
}

// feed fans one store subscription out to the attachments of a document.
type feed struct {
	key       string
	pairingID string
	handle    docstore.Handle

	mu          sync.Mutex
	has         bool
	doc         setup.Document
	err         error
	attachments map[string]*Attachment
}

func newFeed(key, pairingID string) *feed {
	return &feed{key: key, pairingID: pairingID, attachments: make(map[string]*Attachment)}
}

func (f *feed) lookup(userID string) *Attachment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attachments[userID]
}

func (f *feed) attach(p *Projector, actor setup.Actor) (a *Attachment, doc setup.Document, has, existed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.attachments[actor.UserID]; ok {
		return cur, setup.Document{}, false, true
	}
	a = newAttachment(p, f, actor)
	f.attachments[actor.UserID] = a
	return a, f.doc, f.has, false
}

func (f *feed) remove(a *Attachment) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attachments[a.actor.UserID] == a {
		delete(f.attachments, a.actor.UserID)
	}
	return len(f.attachments)
}

func (f *feed) all() []*Attachment {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Attachment, 0, len(f.attachments))
	for _, a := range f.attachments {
		out = append(out, a)
	}
	return out
}

// onSnapshot is the store listener. Observer callbacks run outside f.mu so
// they may call back into the projector.
func (f *feed) onSnapshot(snap docstore.Snapshot, err error) {
	if err != nil {
		f.mu.Lock()
		f.err = err
		targets := f.allLocked()
		f.mu.Unlock()
		log.Warn().Err(err).Str("key", f.key).Msg("projection delivery failed")
		for _, a := range targets {
			a.fail(err)
		}
		return
	}

	f.mu.Lock()
	if f.has && snap.Version <= f.doc.Version {
		var recovered []*Attachment
		if f.err != nil {
			f.err = nil
			recovered = f.allLocked()
		}
		f.mu.Unlock()
		for _, a := range recovered {
			a.recover()
		}
		log.Debug().Str("key", f.key).Int64("version", snap.Version).Msg("projection skipped redundant snapshot")
		return
	}
	if !snap.Exists {
		f.mu.Unlock()
		return
	}
	doc := setup.DecodeDocument(snap)
	f.doc, f.has, f.err = doc, true, nil
	targets := f.allLocked()
	f.mu.Unlock()

	for _, a := range targets {
		a.deliver(doc)
	}
}

func (f *feed) allLocked() []*Attachment {
	out := make([]*Attachment, 0, len(f.attachments))
	for _, a := range f.attachments {
		out = append(out, a)
	}
	return out
}
