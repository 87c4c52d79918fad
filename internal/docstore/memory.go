package docstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/pairsync/internal/observability"
	"github.com/rs/zerolog/log"
)

const DriverMemory = "memory"

// Memory is an in-process document store. Writes are serialized under one
// lock and published to subscribers in version order.
type Memory struct {
	mu     sync.RWMutex
	docs   map[string]memoryDoc
	hub    *hub
	now    func() time.Time
	closed bool
}

type memoryDoc struct {
	data    map[string]Value
	version int64
	updated time.Time
}

// MemoryOption customizes Memory construction.
type MemoryOption func(*Memory)

// WithClock overrides the clock used for server timestamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemory constructs an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		docs: make(map[string]memoryDoc),
		hub:  newHub(),
		now:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func (m *Memory) Get(ctx context.Context, key string) (snap Snapshot, err error) {
	defer observeOp(DriverMemory, "get", time.Now(), &err)
	if err := m.precheck(ctx, key); err != nil {
		return Snapshot{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked(key), nil
}

func (m *Memory) Create(ctx context.Context, key string, initial Fields) (created bool, err error) {
	defer observeOp(DriverMemory, "create", time.Now(), &err)
	if err := m.precheck(ctx, key); err != nil {
		return false, err
	}
	m.mu.Lock()
	if _, ok := m.docs[key]; ok {
		m.mu.Unlock()
		log.Debug().Str("key", key).Msg("docstore.memory create skipped: exists")
		return false, nil
	}
	now := m.now()
	data, err := ApplyFields(nil, initial, now)
	if err != nil {
		m.mu.Unlock()
		return false, err
	}
	m.docs[key] = memoryDoc{data: data, version: 1, updated: now}
	snap := m.snapshotLocked(key)
	m.hub.publish(snap)
	m.mu.Unlock()
	log.Debug().Str("key", key).Msg("docstore.memory created")
	return true, nil
}

func (m *Memory) MergeWrite(ctx context.Context, key string, fields Fields, preconditions ...Precondition) (err error) {
	defer observeOp(DriverMemory, "merge", time.Now(), &err)
	if err := m.precheck(ctx, key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err := checkPreconditions(doc.data, preconditions); err != nil {
		return err
	}
	now := m.now()
	data, err := ApplyFields(doc.data, fields, now)
	if err != nil {
		return err
	}
	m.docs[key] = memoryDoc{data: data, version: doc.version + 1, updated: now}
	m.hub.publish(m.snapshotLocked(key))
	log.Debug().Str("key", key).Int64("version", doc.version+1).Int("fields", len(fields)).Msg("docstore.memory merged")
	return nil
}

func (m *Memory) Subscribe(key string, fn Listener) (Handle, error) {
	if err := validateKey(key); err != nil {
		return Handle{}, err
	}
	if fn == nil {
		return Handle{}, fmt.Errorf("docstore: nil listener")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Handle{}, ErrClosed
	}
	handle, sub := m.hub.add(key, fn)
	sub.offer(m.snapshotLocked(key), nil)
	return handle, nil
}

func (m *Memory) Unsubscribe(h Handle) {
	if !h.Valid() {
		return
	}
	m.hub.remove(h)
}

// Subscribers reports the number of active subscriptions for key.
func (m *Memory) Subscribers(key string) int {
	return m.hub.count(key)
}

// Keys lists stored document keys with an optional prefix.
func (m *Memory) Keys(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.docs))
	for k := range m.docs {
		if prefix == "" || strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Close stops every subscription. Later calls fail with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.hub.closeAll()
	return nil
}

func (m *Memory) precheck(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	return nil
}

func (m *Memory) snapshotLocked(key string) Snapshot {
	doc, ok := m.docs[key]
	if !ok {
		return Snapshot{Key: key}
	}
	return Snapshot{
		Key:        key,
		Exists:     true,
		Data:       CloneMap(doc.data),
		Version:    doc.version,
		UpdateTime: doc.updated,
	}
}

func observeOp(driver, op string, start time.Time, err *error) {
	observability.RecordStoreOperation(driver, op, time.Since(start), err == nil || *err == nil)
}
