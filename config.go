package driftline

import "time"

// SyncConfig defines engine configuration.
type SyncConfig struct {
	// Store holds local persistence settings.
	Store StoreConfig

	// Queue holds mutation queue settings.
	Queue QueueConfig

	// Backoff governs retry pacing for transient failures.
	Backoff BackoffConfig

	// Push configures the push cycle.
	Push PushConfig

	// Pull configures the pull cycle.
	Pull PullConfig

	// Collections lists the record collections the engine synchronizes.
	// Each collection gets its own coordinator loop.
	Collections []Collection

	// Notify configures the change-notification subscriber.
	// If nil or Enabled is false, pulls run only on the fallback schedule.
	Notify *NotifyConfig

	// Telemetry configures Prometheus remote-write export of engine
	// counters. If nil or Enabled is false, no telemetry is sent.
	Telemetry *TelemetryConfig

	// Archive configures audit segment archival to object storage.
	// If nil or Enabled is false, audit entries are only kept locally.
	Archive *ArchiveConfig

	// Encryption configures at-rest encryption of persisted payloads.
	// If nil or Enabled is false, payloads are stored unencrypted.
	Encryption *EncryptionConfig
}

// StoreConfig groups local SQLite store settings.
type StoreConfig struct {
	// Path is the SQLite database file path. Required.
	Path string

	// JournalMode sets the SQLite journal mode. Default: WAL.
	JournalMode string

	// BusyTimeout is the lock acquisition timeout in milliseconds.
	// Default: 5000.
	BusyTimeout int

	// MaxConnections is the max number of database connections. Default: 4.
	MaxConnections int

	// CompressPayloads enables snappy compression of persisted payloads.
	// Default: true.
	CompressPayloads bool
}

// QueueConfig groups mutation queue settings.
type QueueConfig struct {
	// CoalesceUpdates collapses consecutive updates to the same record into
	// one pending entry, keeping the earliest base version. Default: true.
	CoalesceUpdates bool

	// MaxPending caps the number of queued mutations. 0 means unlimited.
	MaxPending int
}

// PushConfig groups push cycle settings.
type PushConfig struct {
	// BatchSize is the number of mutations drained per cycle. Default: 50.
	BatchSize int

	// MaxBatchSize is the chunk size for a single remote batch write.
	// Default: 25. Batches are never unbounded.
	MaxBatchSize int

	// Interval is the fallback push schedule. Default: 15s.
	Interval time.Duration
}

// PullConfig groups pull cycle settings.
type PullConfig struct {
	// Interval is the fallback pull schedule, used even when change
	// notifications are enabled. Default: 1m.
	Interval time.Duration

	// PageSize is the max records fetched per delta call. Default: 200.
	PageSize int
}

// DefaultSyncConfig returns a configuration with sensible defaults.
func DefaultSyncConfig(path string) SyncConfig {
	return SyncConfig{
		Store: StoreConfig{
			Path:             path,
			JournalMode:      "WAL",
			BusyTimeout:      5000,
			MaxConnections:   4,
			CompressPayloads: true,
		},
		Queue: QueueConfig{
			CoalesceUpdates: true,
		},
		Backoff: DefaultBackoffConfig(),
		Push: PushConfig{
			BatchSize:    50,
			MaxBatchSize: 25,
			Interval:     15 * time.Second,
		},
		Pull: PullConfig{
			Interval: time.Minute,
			PageSize: 200,
		},
	}
}

// normalize backfills zero values with defaults.
func (c *SyncConfig) normalize() {
	if c.Store.JournalMode == "" {
		c.Store.JournalMode = "WAL"
	}
	if c.Store.BusyTimeout <= 0 {
		c.Store.BusyTimeout = 5000
	}
	if c.Store.MaxConnections <= 0 {
		c.Store.MaxConnections = 4
	}
	if c.Push.BatchSize <= 0 {
		c.Push.BatchSize = 50
	}
	if c.Push.MaxBatchSize <= 0 {
		c.Push.MaxBatchSize = 25
	}
	if c.Push.Interval <= 0 {
		c.Push.Interval = 15 * time.Second
	}
	if c.Pull.Interval <= 0 {
		c.Pull.Interval = time.Minute
	}
	if c.Pull.PageSize <= 0 {
		c.Pull.PageSize = 200
	}
	c.Backoff = c.Backoff.withDefaults()
}
