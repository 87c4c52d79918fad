package config

import (
	"fmt"
	"os"

	"github.com/danmuck/pairsync/internal/identity"
	gotoml "github.com/pelletier/go-toml/v2"
)

const templateHeader = `# pairsyncd configuration.
#
# Every key is optional; omitted keys keep their defaults.
# An empty api_token leaves the pairing routes open; otherwise clients send
# "Authorization: Bearer <token>". TLS is enabled when both tls files are set.
# store.driver is "memory" or "sqlite". Durations use Go syntax ("500ms", "5s").
# Each [[pairings]] entry binds user a to role A and user b to role B.

`

// Template renders a starter configuration: the defaults plus one example
// pairing.
func Template() (string, error) {
	sample := DefaultConfig()
	sample.Pairings = []identity.Pairing{{ID: "household", A: "alice", B: "bob"}}
	body, err := gotoml.Marshal(toFile(sample))
	if err != nil {
		return "", fmt.Errorf("render config template: %w", err)
	}
	return templateHeader + string(body), nil
}

// WriteTemplate writes Template to path, refusing to replace an existing
// file unless overwrite is set.
func WriteTemplate(path string, overwrite bool) error {
	template, err := Template()
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

func toFile(c Config) fileConfig {
	out := fileConfig{
		ListenAddr:  c.ListenAddr,
		CORSOrigins: c.CORSOrigins,
		Heartbeat:   c.Heartbeat.String(),
		APIToken:    c.APIToken,
		TLS: fileTLS{
			CertFile: c.TLS.CertFile,
			KeyFile:  c.TLS.KeyFile,
		},
		Steps:       c.Steps,
		Store: fileStore{
			Driver:       c.Store.Driver,
			Path:         c.Store.Path,
			PollInterval: c.Store.PollInterval.String(),
		},
		Limits: fileLimits{
			IntentsPerSecond: c.Limits.IntentsPerSecond,
			Burst:            c.Limits.Burst,
		},
		Retry: fileRetry{
			InitialDelay: c.Retry.InitialDelay.String(),
			Multiplier:   c.Retry.Multiplier,
			MaxDelay:     c.Retry.MaxDelay.String(),
			Jitter:       c.Retry.Jitter,
			MaxAttempts:  c.Retry.MaxAttempts,
		},
	}
	for _, p := range c.Pairings {
		out.Pairings = append(out.Pairings, filePairing{ID: p.ID, A: p.A, B: p.B})
	}
	return out
}
