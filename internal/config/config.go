// Package config loads fecore's YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/fecore/internal/livesync"
	"github.com/roach88/fecore/internal/store"
)

// Config is the full fecore configuration.
type Config struct {
	// Database is the local SQLite file holding journal, snapshot and meta.
	Database string `yaml:"database"`

	// Partition pins the partition id. When set it wins over the one
	// persisted in the database.
	Partition string `yaml:"partition,omitempty"`

	// DeviceID pins the device id. Normally left empty and generated once.
	DeviceID string `yaml:"device_id,omitempty"`

	// Schema is an optional CUE file with one #type definition per record type.
	Schema string `yaml:"schema,omitempty"`

	Snapshot SnapshotConfig `yaml:"snapshot"`
	Sync     SyncConfig     `yaml:"sync"`
	Relay    RelayConfig    `yaml:"relay"`
}

// SnapshotConfig controls snapshot cadence.
type SnapshotConfig struct {
	// EveryActions snapshots after this many applied actions. 0 disables.
	EveryActions int `yaml:"every_actions"`

	// MaxTail snapshots when the journal tail reaches this length. 0 disables.
	MaxTail int `yaml:"max_tail"`
}

// SyncConfig configures the reconciler.
type SyncConfig struct {
	// RemoteURL is the relay base URL. Empty means no remote (status Local).
	RemoteURL string `yaml:"remote_url"`

	// Interval is the background reconciliation period.
	Interval time.Duration `yaml:"interval"`

	PartitionTable string                 `yaml:"partition_table"`
	Types          []livesync.TypeMapping `yaml:"types"`
}

// Mapping returns the type/table mapping.
func (s SyncConfig) Mapping() livesync.Mapping {
	return livesync.Mapping{PartitionTable: s.PartitionTable, Types: s.Types}
}

// RelayConfig configures `fecore relay`.
type RelayConfig struct {
	Addr     string `yaml:"addr"`
	Database string `yaml:"database"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	m := livesync.DefaultMapping()
	return Config{
		Database: "fecore.db",
		Snapshot: SnapshotConfig{
			EveryActions: store.DefaultSnapshotEvery,
			MaxTail:      store.DefaultMaxTail,
		},
		Sync: SyncConfig{
			Interval:       livesync.DefaultInterval,
			PartitionTable: m.PartitionTable,
			Types:          m.Types,
		},
		Relay: RelayConfig{
			Addr:     "127.0.0.1:8787",
			Database: "relay.db",
		},
	}
}

// Load reads the YAML file at path over the defaults.
//
// Unknown fields are rejected. Relative database, schema and relay paths
// resolve against the file's directory. The result is validated.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	base := filepath.Dir(path)
	cfg.Database = resolve(base, cfg.Database)
	cfg.Schema = resolve(base, cfg.Schema)
	cfg.Relay.Database = resolve(base, cfg.Relay.Database)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field ranges and the sync mapping.
func (c Config) Validate() error {
	switch {
	case c.Database == "":
		return fmt.Errorf("database is required")
	case c.Snapshot.EveryActions < 0:
		return fmt.Errorf("snapshot.every_actions must be >= 0, got %d", c.Snapshot.EveryActions)
	case c.Snapshot.MaxTail < 0:
		return fmt.Errorf("snapshot.max_tail must be >= 0, got %d", c.Snapshot.MaxTail)
	case c.Sync.Interval <= 0:
		return fmt.Errorf("sync.interval must be positive, got %s", c.Sync.Interval)
	}

	if c.Sync.RemoteURL != "" {
		u, err := url.Parse(c.Sync.RemoteURL)
		if err != nil {
			return fmt.Errorf("sync.remote_url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("sync.remote_url: scheme must be http or https, got %q", u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("sync.remote_url: missing host")
		}
	}

	if err := c.Sync.Mapping().Validate(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	return nil
}

func resolve(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}
