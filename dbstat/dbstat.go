// Package dbstat exposes the handful of Prometheus gauges/counters a
// devi.Database reports: page cache hit rate, WAL frame volume,
// checkpoints, commits and conflicts. Metrics are a pure side
// channel — every call here must stay safe to make on a nil
// *Stats, since most embedders never register a collector.
package dbstat

import "github.com/prometheus/client_golang/prometheus"

// Stats holds the metric instances for a single open database. A nil
// *Stats is valid and every method is a no-op on it, so storage/btree/
// txn code does not need to branch on whether metrics are enabled.
type Stats struct {
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	WALFramesTotal prometheus.Counter
	Checkpoints    prometheus.Counter
	Commits        prometheus.Counter
	Conflicts      prometheus.Counter
	ActiveTxns     prometheus.Gauge
}

// New creates a Stats registered under reg with the given constant
// "path" label, or returns nil if reg is nil.
func New(reg prometheus.Registerer, path string) *Stats {
	if reg == nil {
		return nil
	}
	labels := prometheus.Labels{"path": path}
	s := &Stats{
		CacheHits:      prometheus.NewCounter(prometheus.CounterOpts{Namespace: "devi", Name: "cache_hits_total", ConstLabels: labels}),
		CacheMisses:    prometheus.NewCounter(prometheus.CounterOpts{Namespace: "devi", Name: "cache_misses_total", ConstLabels: labels}),
		WALFramesTotal: prometheus.NewCounter(prometheus.CounterOpts{Namespace: "devi", Name: "wal_frames_total", ConstLabels: labels}),
		Checkpoints:    prometheus.NewCounter(prometheus.CounterOpts{Namespace: "devi", Name: "checkpoints_total", ConstLabels: labels}),
		Commits:        prometheus.NewCounter(prometheus.CounterOpts{Namespace: "devi", Name: "commits_total", ConstLabels: labels}),
		Conflicts:      prometheus.NewCounter(prometheus.CounterOpts{Namespace: "devi", Name: "conflicts_total", ConstLabels: labels}),
		ActiveTxns:     prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "devi", Name: "active_transactions", ConstLabels: labels}),
	}
	reg.MustRegister(s.CacheHits, s.CacheMisses, s.WALFramesTotal, s.Checkpoints, s.Commits, s.Conflicts, s.ActiveTxns)
	return s
}

func (s *Stats) hit()        { if s != nil { s.CacheHits.Inc() } }
func (s *Stats) miss()       { if s != nil { s.CacheMisses.Inc() } }
func (s *Stats) frame()      { if s != nil { s.WALFramesTotal.Inc() } }
func (s *Stats) checkpoint() { if s != nil { s.Checkpoints.Inc() } }
func (s *Stats) commit()     { if s != nil { s.Commits.Inc() } }
func (s *Stats) conflict()   { if s != nil { s.Conflicts.Inc() } }

// CacheHit records a page cache hit.
func (s *Stats) CacheHit() { s.hit() }

// CacheMiss records a page cache miss.
func (s *Stats) CacheMiss() { s.miss() }

// Frame records one WAL frame appended.
func (s *Stats) Frame() { s.frame() }

// Checkpoint records one WAL checkpoint completed.
func (s *Stats) Checkpoint() { s.checkpoint() }

// Commit records one committed transaction (single or inside a batch).
func (s *Stats) Commit() { s.commit() }

// Conflict records one TxConflict surfaced to a caller.
func (s *Stats) Conflict() { s.conflict() }

// SetActiveTxns reports the current size of the active-transaction set.
func (s *Stats) SetActiveTxns(n int) {
	if s != nil {
		s.ActiveTxns.Set(float64(n))
	}
}
