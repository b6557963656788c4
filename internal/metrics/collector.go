// Package metrics holds in-process counters that pgflux's components enrich
// their structured log lines with. It is not an exporter: nothing here
// listens on a port or pushes to an external system.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/pgflux/pgflux/internal/walstream"
	"github.com/pgflux/pgflux/pkg/lsn"
)

// TableCounters tracks per-table flush and reload activity.
type TableCounters struct {
	Table            walstream.TableID `json:"table"`
	Mode             string            `json:"mode"`
	BatchesFlushed   int64             `json:"batches_flushed"`
	RowsFlushed      int64             `json:"rows_flushed"`
	BytesFlushed     int64             `json:"bytes_flushed"`
	ReloadsStarted   int64             `json:"reloads_started"`
	ReloadsCompleted int64             `json:"reloads_completed"`
	ReloadsFailed    int64             `json:"reloads_failed"`
	LastFlushAt      time.Time         `json:"last_flush_at,omitempty"`
}

// Snapshot is the aggregate counters state at a point in time.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Phase     string    `json:"phase"`

	AppliedLSN   string `json:"applied_lsn"`
	LatestLSN    string `json:"latest_lsn"`
	LagBytes     uint64 `json:"lag_bytes"`
	LagFormatted string `json:"lag_formatted"`

	RowsPerSec  float64 `json:"rows_per_sec"`
	BytesPerSec float64 `json:"bytes_per_sec"`
	TotalRows   int64   `json:"total_rows"`
	TotalBytes  int64   `json:"total_bytes"`

	ErrorCount int    `json:"error_count"`
	LastError  string `json:"last_error,omitempty"`

	Tables []TableCounters `json:"tables"`
}

// Collector aggregates per-table flush/reload counters and replication lag
// for the running process. Every exported method is safe for concurrent use.
type Collector struct {
	logger zerolog.Logger

	mu         sync.RWMutex
	phase      string
	startedAt  time.Time
	tables     map[walstream.TableID]*TableCounters
	tableOrder []walstream.TableID

	appliedLSN pglogrepl.LSN
	latestLSN  pglogrepl.LSN

	totalRows  atomic.Int64
	totalBytes atomic.Int64

	errorCount atomic.Int64
	lastError  atomic.Value // string

	rowWindow  *slidingWindow
	byteWindow *slidingWindow
}

// NewCollector creates a Collector. logger is used only to name the
// "component" field should the caller choose to log through it directly;
// the Collector itself never logs.
func NewCollector(logger zerolog.Logger) *Collector {
	return &Collector{
		logger:     logger.With().Str("component", "metrics").Logger(),
		tables:     make(map[walstream.TableID]*TableCounters),
		rowWindow:  newSlidingWindow(60 * time.Second),
		byteWindow: newSlidingWindow(60 * time.Second),
	}
}

// SetPhase records the coarse lifecycle phase (e.g. "recovering", "streaming").
func (c *Collector) SetPhase(phase string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phase = phase
	if c.startedAt.IsZero() {
		c.startedAt = time.Now()
	}
}

func (c *Collector) tableCounters(table walstream.TableID) *TableCounters {
	tc, ok := c.tables[table]
	if !ok {
		tc = &TableCounters{Table: table, Mode: "streaming"}
		c.tables[table] = tc
		c.tableOrder = append(c.tableOrder, table)
	}
	return tc
}

// SetTableMode records a table's current reload mode, as observed from the registry
// or the reload coordinator.
func (c *Collector) SetTableMode(table walstream.TableID, mode string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tableCounters(table).Mode = mode
}

// RecordBatchFlush records a successful batch flush for a table.
func (c *Collector) RecordBatchFlush(table walstream.TableID, rows int, bytes int64) {
	c.mu.Lock()
	tc := c.tableCounters(table)
	tc.BatchesFlushed++
	tc.RowsFlushed += int64(rows)
	tc.BytesFlushed += bytes
	tc.LastFlushAt = time.Now()
	c.mu.Unlock()

	c.totalRows.Add(int64(rows))
	c.totalBytes.Add(bytes)
	now := time.Now()
	c.rowWindow.Add(now, float64(rows))
	c.byteWindow.Add(now, float64(bytes))
}

// RecordReloadStarted increments a table's reload-started counter.
func (c *Collector) RecordReloadStarted(table walstream.TableID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tableCounters(table).ReloadsStarted++
}

// RecordReloadCompleted increments a table's reload-completed counter.
func (c *Collector) RecordReloadCompleted(table walstream.TableID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tableCounters(table).ReloadsCompleted++
}

// RecordReloadFailed increments a table's reload-failed counter.
func (c *Collector) RecordReloadFailed(table walstream.TableID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tableCounters(table).ReloadsFailed++
}

// RecordLag updates the applied and server-reported LSNs used for lag reporting.
func (c *Collector) RecordLag(applied, latest pglogrepl.LSN) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appliedLSN = applied
	c.latestLSN = latest
}

// RecordError increments the error count and stores the last error's message.
func (c *Collector) RecordError(err error) {
	c.errorCount.Add(1)
	if err != nil {
		c.lastError.Store(err.Error())
	}
}

// LagBytes returns the current replication lag in bytes, for inline use in a
// structured log line without building a full Snapshot.
func (c *Collector) LagBytes() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return lsn.Lag(c.appliedLSN, c.latestLSN)
}

// Snapshot returns the current counters state.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	lagBytes := lsn.Lag(c.appliedLSN, c.latestLSN)

	tables := make([]TableCounters, 0, len(c.tableOrder))
	for _, key := range c.tableOrder {
		tables = append(tables, *c.tables[key])
	}

	var lastErr string
	if v := c.lastError.Load(); v != nil {
		lastErr = v.(string)
	}

	return Snapshot{
		Timestamp:    time.Now(),
		Phase:        c.phase,
		AppliedLSN:   c.appliedLSN.String(),
		LatestLSN:    c.latestLSN.String(),
		LagBytes:     lagBytes,
		LagFormatted: lsn.FormatLag(lagBytes, 0),
		RowsPerSec:   c.rowWindow.Rate(),
		BytesPerSec:  c.byteWindow.Rate(),
		TotalRows:    c.totalRows.Load(),
		TotalBytes:   c.totalBytes.Load(),
		ErrorCount:   int(c.errorCount.Load()),
		LastError:    lastErr,
		Tables:       tables,
	}
}

// --- Sliding window for throughput calculation ---

type windowEntry struct {
	time  time.Time
	value float64
}

type slidingWindow struct {
	mu      sync.Mutex
	entries []windowEntry
	window  time.Duration
}

func newSlidingWindow(d time.Duration) *slidingWindow {
	return &slidingWindow{
		entries: make([]windowEntry, 0, 128),
		window:  d,
	}
}

func (w *slidingWindow) Add(t time.Time, val float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, windowEntry{time: t, value: val})
	w.evict(t)
}

func (w *slidingWindow) Rate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	w.evict(now)
	if len(w.entries) == 0 {
		return 0
	}
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	elapsed := now.Sub(w.entries[0].time).Seconds()
	if elapsed < 1 {
		elapsed = 1
	}
	return total / elapsed
}

func (w *slidingWindow) evict(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].time.Before(cutoff) {
		i++
	}
	if i > 0 {
		copy(w.entries, w.entries[i:])
		w.entries = w.entries[:len(w.entries)-i]
	}
}
