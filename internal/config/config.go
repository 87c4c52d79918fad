// Package config loads the pairsyncd daemon configuration from TOML.
package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/pairsync/internal/docstore"
	"github.com/danmuck/pairsync/internal/identity"
	"github.com/danmuck/pairsync/internal/retry"
	"github.com/danmuck/pairsync/internal/steps"
)

var ErrInvalidConfig = errors.New("config: invalid")

// Config is the resolved daemon configuration. A zero Heartbeat disables the
// periodic status log.
type Config struct {
	ListenAddr  string
	CORSOrigins []string
	Heartbeat   time.Duration
	APIToken    string
	TLS         TLSConfig
	Steps       []string
	Store       StoreConfig
	Limits      LimitsConfig
	Retry       retry.Config
	Pairings    []identity.Pairing
}

// TLSConfig enables HTTPS when both files are set.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

func (t TLSConfig) Enabled() bool { return t.CertFile != "" && t.KeyFile != "" }

type StoreConfig struct {
	Driver       string
	Path         string
	PollInterval time.Duration
}

type LimitsConfig struct {
	IntentsPerSecond float64
	Burst            int
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:  ":8080",
		CORSOrigins: []string{"http://localhost:3000"},
		Heartbeat:   30 * time.Second,
		Steps:       []string{steps.StepBlockSchedule.String(), steps.StepAppSelection.String()},
		Store: StoreConfig{
			Driver:       docstore.DriverMemory,
			Path:         "pairsync.db",
			PollInterval: docstore.DefaultSQLiteConfig().PollInterval,
		},
		Limits: LimitsConfig{
			IntentsPerSecond: 5,
			Burst:            10,
		},
		Retry: retry.DefaultConfig(),
	}
}

type fileConfig struct {
	ListenAddr  string        `toml:"listen_addr"`
	CORSOrigins []string      `toml:"cors_origins"`
	Heartbeat   string        `toml:"heartbeat"`
	APIToken    string        `toml:"api_token"`
	TLS         fileTLS       `toml:"tls"`
	Steps       []string      `toml:"steps"`
	Store       fileStore     `toml:"store"`
	Limits      fileLimits    `toml:"limits"`
	Retry       fileRetry     `toml:"retry"`
	Pairings    []filePairing `toml:"pairings"`
}

type fileTLS struct {
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
}

type fileStore struct {
	Driver       string `toml:"driver"`
	Path         string `toml:"path"`
	PollInterval string `toml:"poll_interval"`
}

type fileLimits struct {
	IntentsPerSecond float64 `toml:"intents_per_second"`
	Burst            int     `toml:"burst"`
}

type fileRetry struct {
	InitialDelay string  `toml:"initial_delay"`
	Multiplier   float64 `toml:"multiplier"`
	MaxDelay     string  `toml:"max_delay"`
	Jitter       bool    `toml:"jitter"`
	MaxAttempts  int     `toml:"max_attempts"`
}

type filePairing struct {
	ID string `toml:"id"`
	A  string `toml:"a"`
	B  string `toml:"b"`
}

// Load reads path and applies every key it defines on top of DefaultConfig.
// Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return Config{}, fmt.Errorf("%w: unknown keys %s", ErrInvalidConfig, strings.Join(keys, ", "))
	}

	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeList(raw.CORSOrigins)
	}
	if meta.IsDefined("heartbeat") {
		if cfg.Heartbeat, err = parseDuration("heartbeat", raw.Heartbeat); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("api_token") {
		cfg.APIToken = strings.TrimSpace(raw.APIToken)
	}
	if meta.IsDefined("tls", "cert_file") {
		cfg.TLS.CertFile = strings.TrimSpace(raw.TLS.CertFile)
	}
	if meta.IsDefined("tls", "key_file") {
		cfg.TLS.KeyFile = strings.TrimSpace(raw.TLS.KeyFile)
	}
	if meta.IsDefined("steps") {
		cfg.Steps = normalizeList(raw.Steps)
	}

	if meta.IsDefined("store", "driver") {
		cfg.Store.Driver = strings.ToLower(strings.TrimSpace(raw.Store.Driver))
	}
	if meta.IsDefined("store", "path") {
		cfg.Store.Path = strings.TrimSpace(raw.Store.Path)
	}
	if meta.IsDefined("store", "poll_interval") {
		if cfg.Store.PollInterval, err = parseDuration("store.poll_interval", raw.Store.PollInterval); err != nil {
			return Config{}, err
		}
	}

	if meta.IsDefined("limits", "intents_per_second") {
		cfg.Limits.IntentsPerSecond = raw.Limits.IntentsPerSecond
	}
	if meta.IsDefined("limits", "burst") {
		cfg.Limits.Burst = raw.Limits.Burst
	}

	if meta.IsDefined("retry", "initial_delay") {
		if cfg.Retry.InitialDelay, err = parseDuration("retry.initial_delay", raw.Retry.InitialDelay); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("retry", "multiplier") {
		cfg.Retry.Multiplier = raw.Retry.Multiplier
	}
	if meta.IsDefined("retry", "max_delay") {
		if cfg.Retry.MaxDelay, err = parseDuration("retry.max_delay", raw.Retry.MaxDelay); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("retry", "jitter") {
		cfg.Retry.Jitter = raw.Retry.Jitter
	}
	if meta.IsDefined("retry", "max_attempts") {
		cfg.Retry.MaxAttempts = raw.Retry.MaxAttempts
	}

	if meta.IsDefined("pairings") {
		cfg.Pairings = make([]identity.Pairing, 0, len(raw.Pairings))
		for _, p := range raw.Pairings {
			cfg.Pairings = append(cfg.Pairings, identity.Pairing{
				ID: strings.TrimSpace(p.ID),
				A:  strings.TrimSpace(p.A),
				B:  strings.TrimSpace(p.B),
			})
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the resolved configuration is usable by the daemon.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("%w: listen_addr is required", ErrInvalidConfig)
	}
	switch c.Store.Driver {
	case docstore.DriverMemory:
	case docstore.DriverSQLite:
		if strings.TrimSpace(c.Store.Path) == "" {
			return fmt.Errorf("%w: store.path is required for the sqlite driver", ErrInvalidConfig)
		}
		if c.Store.PollInterval <= 0 {
			return fmt.Errorf("%w: store.poll_interval must be positive", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store.driver %q", ErrInvalidConfig, c.Store.Driver)
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("%w: tls.cert_file and tls.key_file must be set together", ErrInvalidConfig)
	}
	if c.Heartbeat < 0 {
		return fmt.Errorf("%w: heartbeat must not be negative", ErrInvalidConfig)
	}
	if c.Limits.IntentsPerSecond < 0 || c.Limits.Burst < 0 {
		return fmt.Errorf("%w: limits must not be negative", ErrInvalidConfig)
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("%w: retry.max_attempts must not be negative", ErrInvalidConfig)
	}
	if _, err := c.Sequence(); err != nil {
		return fmt.Errorf("%w: steps: %w", ErrInvalidConfig, err)
	}
	if _, err := c.Roster(); err != nil {
		return fmt.Errorf("%w: pairings: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Sequence parses the configured step order.
func (c Config) Sequence() (steps.Sequence, error) {
	return steps.ParseSequence(c.Steps)
}

// Roster builds the identity provider for the configured pairings.
func (c Config) Roster() (*identity.Roster, error) {
	return identity.NewRoster(c.Pairings...)
}

func (c Config) SQLite() docstore.SQLiteConfig {
	return docstore.SQLiteConfig{Path: c.Store.Path, PollInterval: c.Store.PollInterval}
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: parse %s: %w", ErrInvalidConfig, key, err)
	}
	return d, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
