package docstore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/pairsync/internal/testutil/testlog"
)

type storeFactory func(t *testing.T) Store

func memoryFactory(t *testing.T) Store {
	m := NewMemory()
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func sqliteFactory(t *testing.T) Store {
	s, err := OpenSQLite(SQLiteConfig{
		Path:         filepath.Join(t.TempDir(), "docs.db"),
		PollInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var factories = map[string]storeFactory{
	"memory": memoryFactory,
	"sqlite": sqliteFactory,
}

func TestStoreCreateIsIdempotent(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			testlog.Start(t)
			store := factory(t)
			ctx := context.Background()

			created, err := store.Create(ctx, "pairings/p1/setup", Fields{"phase": String("first")})
			if err != nil || !created {
				t.Fatalf("first create: created=%v err=%v", created, err)
			}
			created, err = store.Create(ctx, "pairings/p1/setup", Fields{"phase": String("second")})
			if err != nil {
				t.Fatalf("second create: %v", err)
			}
			if created {
				t.Fatalf("second create reported created")
			}
			snap, err := store.Get(ctx, "pairings/p1/setup")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if v, _ := snap.Field("phase"); v.String != "first" {
				t.Fatalf("existing document overwritten: %+v", v)
			}
		})
	}
}

func TestStoreGetMissing(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			testlog.Start(t)
			store := factory(t)
			snap, err := store.Get(context.Background(), "nope")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if snap.Exists {
				t.Fatalf("expected missing document")
			}
		})
	}
}

func TestStoreMergeWriteAndPreconditions(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			testlog.Start(t)
			store := factory(t)
			ctx := context.Background()
			key := "pairings/p1/setup"

			if err := store.MergeWrite(ctx, key, Fields{"phase": String("x")}); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound on missing doc, got %v", err)
			}
			if _, err := store.Create(ctx, key, Fields{"phase": String("awaitingASubmission")}); err != nil {
				t.Fatalf("create: %v", err)
			}

			err := store.MergeWrite(ctx, key,
				Fields{"phase": String("awaitingBApproval"), "answers.a": Int(1)},
				FieldEquals("phase", String("awaitingASubmission")),
			)
			if err != nil {
				t.Fatalf("merge: %v", err)
			}

			err = store.MergeWrite(ctx, key,
				Fields{"phase": String("bogus")},
				FieldEquals("phase", String("awaitingASubmission")),
			)
			if !errors.Is(err, ErrPreconditionFailed) {
				t.Fatalf("expected ErrPreconditionFailed, got %v", err)
			}

			snap, err := store.Get(ctx, key)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if v, _ := snap.Field("phase"); v.String != "awaitingBApproval" {
				t.Fatalf("unexpected phase %+v", v)
			}
			if v, _ := snap.Field("answers.a"); v.Int != 1 {
				t.Fatalf("unexpected answers.a %+v", v)
			}
			if snap.Version != 2 {
				t.Fatalf("expected version 2, got %d", snap.Version)
			}
		})
	}
}

func TestStoreSubscribeDeliversLatestState(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			testlog.Start(t)
			store := factory(t)
			ctx := context.Background()
			key := "pairings/p1/setup"

			var mu sync.Mutex
			var last Snapshot
			seen := make(chan struct{}, 16)
			handle, err := store.Subscribe(key, func(snap Snapshot, err error) {
				if err != nil {
					return
				}
				mu.Lock()
				last = snap
				mu.Unlock()
				select {
				case seen <- struct{}{}:
				default:
				}
			})
			if err != nil {
				t.Fatalf("subscribe: %v", err)
			}

			waitFor(t, seen, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return !last.Exists
			})

			if _, err := store.Create(ctx, key, Fields{"phase": String("a")}); err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := store.MergeWrite(ctx, key, Fields{"phase": String("b")}); err != nil {
				t.Fatalf("merge: %v", err)
			}

			waitFor(t, seen, func() bool {
				mu.Lock()
				defer mu.Unlock()
				v, _ := last.Field("phase")
				return v.String == "b"
			})

			store.Unsubscribe(handle)
			store.Unsubscribe(handle)
			store.Unsubscribe(Handle{})
		})
	}
}

func TestSQLiteObservesForeignWrites(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "shared.db")
	cfg := SQLiteConfig{Path: path, PollInterval: 10 * time.Millisecond}
	reader, err := OpenSQLite(cfg)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer reader.Close()
	writer, err := OpenSQLite(cfg)
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	defer writer.Close()

	ctx := context.Background()
	key := "pairings/p1/setup"
	if _, err := writer.Create(ctx, key, Fields{"phase": String("a")}); err != nil {
		t.Fatalf("create: %v", err)
	}

	phases := make(chan string, 16)
	if _, err := reader.Subscribe(key, func(snap Snapshot, err error) {
		if err != nil || !snap.Exists {
			return
		}
		v, _ := snap.Field("phase")
		select {
		case phases <- v.String:
		default:
		}
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := writer.MergeWrite(ctx, key, Fields{"phase": String("b")}); err != nil {
		t.Fatalf("merge: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case p := <-phases:
			if p == "b" {
				return
			}
		case <-deadline:
			t.Fatalf("reader never observed foreign write")
		}
	}
}

func TestSQLiteReopenKeepsDocuments(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "reopen.db")
	first, err := OpenSQLite(SQLiteConfig{Path: path})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := first.Create(context.Background(), "k", Fields{"n": Int(7)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second, err := OpenSQLite(SQLiteConfig{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	snap, err := second.Get(context.Background(), "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v, _ := snap.Field("n"); v.Int != 7 {
		t.Fatalf("expected n=7 after reopen, got %+v", v)
	}
}

func TestMemoryClosedRejectsCalls(t *testing.T) {
	testlog.Start(t)
	m := NewMemory()
	_ = m.Close()
	if _, err := m.Get(context.Background(), "k"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := m.Subscribe("k", func(Snapshot, error) {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on subscribe, got %v", err)
	}
}

func waitFor(t *testing.T, signal <-chan struct{}, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-signal:
		case <-deadline:
			t.Fatalf("condition not met before deadline")
		}
	}
}
