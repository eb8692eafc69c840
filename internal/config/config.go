// Package config defines NexaDB's startup configuration, covering every
// key the server process accepts at launch.
package config

import (
	"os"
	"time"
)

// Config is the full set of recognized startup options, settable by
// command-line flag or (for sensitive values) environment variable.
type Config struct {
	DataDir string `json:"data_dir"`

	BindHost string `json:"bind_host"`
	BindPort int    `json:"bind_port"`

	MemtableSizeBytes int64 `json:"memtable_size_bytes"`

	WALBatchSize     int           `json:"wal_batch_size"`
	WALBatchInterval time.Duration `json:"wal_batch_interval"`

	SortedRunCompactionThreshold int `json:"sorted_run_compaction_threshold"`

	BloomFalsePositiveRate float64 `json:"bloom_false_positive_rate"`

	BlockCacheEntries int `json:"block_cache_entries"`

	MaxConnections int           `json:"max_connections"`
	RequestTimeout time.Duration `json:"request_timeout"`
	IdleTimeout    time.Duration `json:"idle_timeout"`

	HNSWM             int `json:"hnsw_m"`
	HNSWEfConstruction int `json:"hnsw_ef_construction"`
	HNSWEfSearch       int `json:"hnsw_ef_search"`

	// RootPasswordInitial bootstraps the root user's password; ignored once
	// a root user record already exists. Read from NEXADB_ROOT_PASSWORD_INITIAL
	// if empty.
	RootPasswordInitial string `json:"-"`

	// AuditEncryptionKeyHex, when set, is a hex-encoded 32-byte key used to
	// encrypt audit log entries at rest. Read from NEXADB_AUDIT_ENCRYPTION_KEY
	// if empty. Audit logging stays plaintext when no key is configured.
	AuditEncryptionKeyHex string `json:"-"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
}

// Default returns the engine's documented defaults.
func Default(dataDir string) *Config {
	return &Config{
		DataDir:                      dataDir,
		BindHost:                     "0.0.0.0",
		BindPort:                     6970,
		MemtableSizeBytes:            64 << 20,
		WALBatchSize:                 500,
		WALBatchInterval:             time.Millisecond,
		SortedRunCompactionThreshold: 4,
		BloomFalsePositiveRate:       0.01,
		BlockCacheEntries:            10_000,
		MaxConnections:               1000,
		RequestTimeout:               30 * time.Second,
		IdleTimeout:                  10 * time.Minute,
		HNSWM:                        16,
		HNSWEfConstruction:           200,
		HNSWEfSearch:                 64,
		LogLevel:                     "info",
		LogFormat:                    "json",
	}
}

// ApplyEnv fills sensitive configuration that was left empty from
// environment variables; a value already set (e.g. by flag) is kept.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("NEXADB_ROOT_PASSWORD_INITIAL"); v != "" && c.RootPasswordInitial == "" {
		c.RootPasswordInitial = v
	}
	if v := os.Getenv("NEXADB_AUDIT_ENCRYPTION_KEY"); v != "" && c.AuditEncryptionKeyHex == "" {
		c.AuditEncryptionKeyHex = v
	}
}
