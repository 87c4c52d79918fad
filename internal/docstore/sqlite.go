package docstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

const DriverSQLite = "sqlite"

//go:embed migrations/*.sql
var migrationFS embed.FS

// SQLiteConfig configures the sqlite-backed store.
type SQLiteConfig struct {
	Path         string
	PollInterval time.Duration
}

// DefaultSQLiteConfig returns local defaults.
func DefaultSQLiteConfig() SQLiteConfig {
	return SQLiteConfig{
		Path:         "pairsync.db",
		PollInterval: 500 * time.Millisecond,
	}
}

// SQLite persists documents as tagged JSON rows. Local writes are published
// immediately; a poller publishes writes made by other processes sharing the
// database file.
type SQLite struct {
	db  *sql.DB
	hub *hub
	cfg SQLiteConfig
	now func() time.Time

	mu        sync.Mutex
	published map[string]int64

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

// OpenSQLite opens (or creates) the database and applies migrations.
func OpenSQLite(cfg SQLiteConfig) (*SQLite, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("docstore: sqlite path is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultSQLiteConfig().PollInterval
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", cfg.Path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // sqlite
	db.SetConnMaxLifetime(0)

	if err := migrateSQLite(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("docstore: migrate %s: %w", cfg.Path, err)
	}

	s := &SQLite{
		db:        db,
		hub:       newHub(),
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		published: make(map[string]int64),
		stop:      make(chan struct{}),
		closed:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.pollLoop()
	log.Info().Str("path", cfg.Path).Dur("poll_interval", cfg.PollInterval).Msg("docstore.sqlite opened")
	return s, nil
}

func migrateSQLite(db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return err
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		_ = src.Close()
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		_ = src.Close()
		return err
	}
	// m.Close would also close db through the driver.
	defer src.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, key string) (snap Snapshot, err error) {
	defer observeOp(DriverSQLite, "get", time.Now(), &err)
	if err := s.precheck(ctx, key); err != nil {
		return Snapshot{}, err
	}
	snap, err = s.read(ctx, s.db, key)
	if err != nil {
		return Snapshot{}, unavailable(err)
	}
	return snap, nil
}

func (s *SQLite) Create(ctx context.Context, key string, initial Fields) (created bool, err error) {
	defer observeOp(DriverSQLite, "create", time.Now(), &err)
	if err := s.precheck(ctx, key); err != nil {
		return false, err
	}
	now := s.now()
	data, err := ApplyFields(nil, initial, now)
	if err != nil {
		return false, err
	}
	raw, err := MarshalDocument(data)
	if err != nil {
		return false, err
	}
	stamp := now.Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (key, data, version, created_at, updated_at)
		 VALUES (?, ?, 1, ?, ?)
		 ON CONFLICT(key) DO NOTHING`,
		key, string(raw), stamp, stamp,
	)
	if err != nil {
		return false, unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable(err)
	}
	if n == 0 {
		log.Debug().Str("key", key).Msg("docstore.sqlite create skipped: exists")
		return false, nil
	}
	s.publish(Snapshot{Key: key, Exists: true, Data: data, Version: 1, UpdateTime: now})
	return true, nil
}

func (s *SQLite) MergeWrite(ctx context.Context, key string, fields Fields, preconditions ...Precondition) (err error) {
	defer observeOp(DriverSQLite, "merge", time.Now(), &err)
	if err := s.precheck(ctx, key); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	current, err := s.read(ctx, tx, key)
	if err != nil {
		return unavailable(err)
	}
	if !current.Exists {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err := checkPreconditions(current.Data, preconditions); err != nil {
		return err
	}
	now := s.now()
	data, err := ApplyFields(current.Data, fields, now)
	if err != nil {
		return err
	}
	raw, err := MarshalDocument(data)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE documents SET data = ?, version = version + 1, updated_at = ?
		 WHERE key = ? AND version = ?`,
		string(raw), now.Format(time.RFC3339Nano), key, current.Version,
	)
	if err != nil {
		return unavailable(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return unavailable(err)
	} else if n == 0 {
		return ErrPreconditionFailed
	}
	if err := tx.Commit(); err != nil {
		return unavailable(err)
	}
	committed = true

	s.publish(Snapshot{Key: key, Exists: true, Data: data, Version: current.Version + 1, UpdateTime: now})
	return nil
}

func (s *SQLite) Subscribe(key string, fn Listener) (Handle, error) {
	if err := validateKey(key); err != nil {
		return Handle{}, err
	}
	if fn == nil {
		return Handle{}, fmt.Errorf("docstore: nil listener")
	}
	if s.isClosed() {
		return Handle{}, ErrClosed
	}
	handle, sub := s.hub.add(key, fn)
	snap, err := s.read(context.Background(), s.db, key)
	if err != nil {
		s.forget(key)
		sub.offer(Snapshot{Key: key}, unavailable(err))
		return handle, nil
	}
	sub.offer(snap, nil)
	return handle, nil
}

func (s *SQLite) Unsubscribe(h Handle) {
	if !h.Valid() {
		return
	}
	s.hub.remove(h)
}

// Close stops polling, releases subscriptions and closes the database.
func (s *SQLite) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		close(s.stop)
		s.wg.Wait()
		s.hub.closeAll()
		err = s.db.Close()
	})
	return err
}

func (s *SQLite) pollLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.pollOnce()
		}
	}
}

func (s *SQLite) pollOnce() {
	for _, key := range s.hub.keys() {
		snap, err := s.read(context.Background(), s.db, key)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("docstore.sqlite poll failed")
			s.forget(key)
			s.hub.fail(key, unavailable(err))
			continue
		}
		if !snap.Exists {
			continue
		}
		s.mu.Lock()
		seen := s.published[key]
		s.mu.Unlock()
		if snap.Version > seen {
			s.publish(snap)
		}
	}
}

func (s *SQLite) publish(snap Snapshot) {
	s.mu.Lock()
	if snap.Version > s.published[snap.Key] {
		s.published[snap.Key] = snap.Version
	}
	s.mu.Unlock()
	s.hub.publish(snap)
}

// forget drops the published version of key so the next successful poll
// republishes the current snapshot to subscribers that only saw a failure.
func (s *SQLite) forget(key string) {
	s.mu.Lock()
	delete(s.published, key)
	s.mu.Unlock()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLite) read(ctx context.Context, q queryer, key string) (Snapshot, error) {
	var (
		raw     string
		version int64
		updated string
	)
	err := q.QueryRowContext(ctx,
		`SELECT data, version, updated_at FROM documents WHERE key = ?`, key,
	).Scan(&raw, &version, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{Key: key}, nil
	}
	if err != nil {
		return Snapshot{}, err
	}
	data, err := UnmarshalDocument([]byte(raw))
	if err != nil {
		return Snapshot{}, fmt.Errorf("decode %s: %w", key, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, updated)
	if err != nil {
		return Snapshot{}, fmt.Errorf("decode %s updated_at: %w", key, err)
	}
	return Snapshot{Key: key, Exists: true, Data: data, Version: version, UpdateTime: ts}, nil
}

func (s *SQLite) precheck(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}
	if s.isClosed() {
		return ErrClosed
	}
	return nil
}

func (s *SQLite) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
