package devi

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/devi-db/devi/devilog"
)

// Options controls how Open builds a Database. A zero-value Options is
// not valid; use DefaultOptions and override individual fields.
type Options struct {
	CacheSize               int // pages held in the pager's LRU cache
	AutoCheckpointThreshold int64 // WAL frames before a background checkpoint fires
	ReadOnly                bool
	MaxBulkOperations       int
	MaxDocumentSize         int64

	// Batch enables group commit, amortizing one WAL fsync across many
	// concurrently-committing transactions (spec.md §4.6.3).
	Batch BatchOptions

	Log      *devilog.Logger
	Registry prometheus.Registerer // nil disables metrics
}

// BatchOptions configures group commit.
type BatchOptions struct {
	Enabled      bool
	MaxBatchSize int
}

// DefaultOptions returns spec.md §6.2's documented defaults.
func DefaultOptions() Options {
	return Options{
		CacheSize:               25_000,
		AutoCheckpointThreshold: 1000,
		ReadOnly:                false,
		MaxBulkOperations:       100_000,
		MaxDocumentSize:         64 << 20,
		Batch:                   BatchOptions{Enabled: false, MaxBatchSize: 64},
	}
}
