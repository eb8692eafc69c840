// Command nexadb-server is the NexaDB process entrypoint: a cobra CLI with
// `serve` and `repair` subcommands (rootCmd + RunE subcommands registered
// from init, Execute() in main). cobra's flag/subcommand model gives a
// single coherent CLI surface across every configuration key, expressing
// it more directly than repeated flag.String calls would.
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	nexadb "github.com/kartikbazzad/nexadb"
	"github.com/kartikbazzad/nexadb/internal/config"
	"github.com/kartikbazzad/nexadb/internal/logging"
	"github.com/kartikbazzad/nexadb/server"
	"github.com/kartikbazzad/nexadb/storage"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "nexadb-server",
	Short: "NexaDB single-node document store server",
}

var cfg = config.Default(".")

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(repairCmd)

	for _, c := range []*cobra.Command{serveCmd, repairCmd} {
		c.Flags().StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory holding the WAL, sorted runs, and catalog")
	}

	serveCmd.Flags().StringVar(&cfg.BindHost, "bind-host", cfg.BindHost, "address to listen on")
	serveCmd.Flags().IntVar(&cfg.BindPort, "bind-port", cfg.BindPort, "port to listen on")
	serveCmd.Flags().Int64Var(&cfg.MemtableSizeBytes, "memtable-size-bytes", cfg.MemtableSizeBytes, "memtable flush threshold in bytes")
	serveCmd.Flags().IntVar(&cfg.WALBatchSize, "wal-batch-size", cfg.WALBatchSize, "writes batched per WAL fsync")
	serveCmd.Flags().DurationVar(&cfg.WALBatchInterval, "wal-batch-interval", cfg.WALBatchInterval, "max delay before a WAL batch is flushed")
	serveCmd.Flags().IntVar(&cfg.SortedRunCompactionThreshold, "compaction-threshold", cfg.SortedRunCompactionThreshold, "sorted runs per collection before compaction triggers")
	serveCmd.Flags().Float64Var(&cfg.BloomFalsePositiveRate, "bloom-fp-rate", cfg.BloomFalsePositiveRate, "target false-positive rate for per-run bloom filters")
	serveCmd.Flags().IntVar(&cfg.BlockCacheEntries, "block-cache-entries", cfg.BlockCacheEntries, "block cache capacity in entries")
	serveCmd.Flags().IntVar(&cfg.MaxConnections, "max-connections", cfg.MaxConnections, "maximum concurrent client connections")
	serveCmd.Flags().DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "per-request timeout")
	serveCmd.Flags().DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "connection idle timeout")
	serveCmd.Flags().IntVar(&cfg.HNSWM, "hnsw-m", cfg.HNSWM, "default HNSW M parameter")
	serveCmd.Flags().IntVar(&cfg.HNSWEfConstruction, "hnsw-ef-construction", cfg.HNSWEfConstruction, "default HNSW efConstruction parameter")
	serveCmd.Flags().IntVar(&cfg.HNSWEfSearch, "hnsw-ef-search", cfg.HNSWEfSearch, "default HNSW efSearch parameter")
	serveCmd.Flags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug|info|warn|error")
	serveCmd.Flags().StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "json|text")
	serveCmd.Flags().StringVar(&cfg.AuditEncryptionKeyHex, "audit-encryption-key", cfg.AuditEncryptionKeyHex, "hex-encoded 32-byte key to encrypt the audit log at rest (default: unencrypted)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the TCP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg.ApplyEnv()
		logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

		opts := nexadb.DefaultOptions(cfg.DataDir)
		opts.Engine = storageOptions(cfg)
		opts.RootPasswordInitial = cfg.RootPasswordInitial
		if cfg.AuditEncryptionKeyHex != "" {
			key, err := hex.DecodeString(cfg.AuditEncryptionKeyHex)
			if err != nil {
				return fmt.Errorf("audit encryption key: %w", err)
			}
			opts.AuditEncryptionKey = key
		}

		db, err := nexadb.Open(opts)
		if err != nil {
			return fmt.Errorf("open server: %w", err)
		}
		defer db.Close()

		srv := server.New(server.Config{
			Addr:           fmt.Sprintf("%s:%d", cfg.BindHost, cfg.BindPort),
			MaxConnections: cfg.MaxConnections,
			RequestTimeout: cfg.RequestTimeout,
			IdleTimeout:    cfg.IdleTimeout,
		}, db)

		if err := srv.Start(); err != nil {
			return fmt.Errorf("start server: %w", err)
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logging.Get().Info("shutting down")
		return srv.Stop()
	},
}

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Replay the WAL and rebuild the catalog without serving traffic",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg.ApplyEnv()
		logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

		// Open() already performs WAL replay and manifest/catalog recovery
		// as part of normal startup;
		// a clean open-then-close is sufficient to surface and fix a torn
		// WAL tail or stale manifest, the same guarantee an offline
		// "repair" tool provides.
		opts := nexadb.DefaultOptions(cfg.DataDir)
		opts.Engine = storageOptions(cfg)

		db, err := nexadb.Open(opts)
		if err != nil {
			return fmt.Errorf("repair failed to open: %w", err)
		}
		names := db.ListDatabases()
		logging.Get().Info("repair complete", "databases", len(names))
		return db.Close()
	},
}

func storageOptions(c *config.Config) storage.Options {
	return storage.Options{
		DataDir:                      c.DataDir,
		MemtableSizeBytes:            c.MemtableSizeBytes,
		WALBatchSize:                 c.WALBatchSize,
		WALBatchIntervalNanos:        c.WALBatchInterval.Nanoseconds(),
		SortedRunCompactionThreshold: c.SortedRunCompactionThreshold,
		BloomFalsePositiveRate:       c.BloomFalsePositiveRate,
		BlockCacheEntries:            c.BlockCacheEntries,
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
