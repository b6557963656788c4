// Package buffer implements the per-table Change Buffer: an in-memory
// accumulation of row changes, truncations and DDL events awaiting the
// next micro-batch flush.
package buffer

import (
	"sync"

	"github.com/jackc/pglogrepl"

	"github.com/pgflux/pgflux/internal/walstream"
)

// Entry is one accumulated item: either a row change or a truncate flag,
// in arrival order. Columns pins the column set in effect when the entry
// was appended (the latest Relation message seen for the table at that
// point), so the File Writer can detect schema drift within one batch.
type Entry struct {
	Change   *walstream.ChangeMessage
	Columns  []walstream.Column
	Truncate bool
}

// Snapshot is an atomically-taken, immutable view of a buffer's contents
// at the moment SnapshotAndReset was called.
type Snapshot struct {
	Table   walstream.TableID
	Entries []Entry
	DDL     []*walstream.DDLMessage
	MaxLSN  pglogrepl.LSN
	Rows    int
	Bytes   int64
}

func (s Snapshot) IsEmpty() bool {
	return len(s.Entries) == 0 && len(s.DDL) == 0
}

// Buffer accumulates changes for a single table between flushes. Safe for
// concurrent use: Append* is called from the ingestion goroutine while
// SnapshotAndReset is called from the Batch Controller's flush goroutine.
type Buffer struct {
	mu      sync.Mutex
	table   walstream.TableID
	entries []Entry
	ddl     []*walstream.DDLMessage
	maxLSN  pglogrepl.LSN
	rows    int
	bytes   int64
}

func New(table walstream.TableID) *Buffer {
	return &Buffer{table: table}
}

// Append adds a row change to the buffer. columns is the column set in
// effect for the table at the time of this change (the latest Relation
// message), used downstream to detect schema drift within a batch.
func (b *Buffer) Append(c *walstream.ChangeMessage, columns []walstream.Column) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, Entry{Change: c, Columns: columns})
	b.rows++
	b.bytes += estimateSize(c)
	if c.MsgLSN > b.maxLSN {
		b.maxLSN = c.MsgLSN
	}
}

// AppendTruncate records a truncate event in arrival order relative to
// row changes, so a downstream reader can reconstruct "delete everything
// observed up to this point, then continue".
func (b *Buffer) AppendTruncate(lsn pglogrepl.LSN) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, Entry{Truncate: true})
	if lsn > b.maxLSN {
		b.maxLSN = lsn
	}
}

// AppendDDL records a DDL event captured for this table.
func (b *Buffer) AppendDDL(d *walstream.DDLMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ddl = append(b.ddl, d)
	if d.MsgLSN > b.maxLSN {
		b.maxLSN = d.MsgLSN
	}
}

// SnapshotAndReset atomically takes a Snapshot of the current contents
// and clears the buffer for the next cycle.
func (b *Buffer) SnapshotAndReset() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{
		Table:   b.table,
		Entries: b.entries,
		DDL:     b.ddl,
		MaxLSN:  b.maxLSN,
		Rows:    b.rows,
		Bytes:   b.bytes,
	}

	b.entries = nil
	b.ddl = nil
	b.rows = 0
	b.bytes = 0
	return snap
}

func (b *Buffer) IsEmpty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries) == 0 && len(b.ddl) == 0
}

func (b *Buffer) SizeBytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bytes
}

func (b *Buffer) RowCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rows
}

func (b *Buffer) MaxLSN() pglogrepl.LSN {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxLSN
}

func estimateSize(c *walstream.ChangeMessage) int64 {
	var n int64
	for _, t := range []*walstream.TupleData{c.OldTuple, c.NewTuple} {
		if t == nil {
			continue
		}
		for _, col := range t.Columns {
			n += int64(len(col.Value))
		}
	}
	return n
}

// Registry is a per-TableID collection of Buffers, guarded for concurrent
// lookup-or-create access from the single decoder-consuming goroutine.
type Registry struct {
	mu      sync.Mutex
	buffers map[walstream.TableID]*Buffer
}

func NewRegistry() *Registry {
	return &Registry{buffers: make(map[walstream.TableID]*Buffer)}
}

// Get returns the Buffer for table, creating it if absent.
func (r *Registry) Get(table walstream.TableID) *Buffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buffers[table]
	if !ok {
		b = New(table)
		r.buffers[table] = b
	}
	return b
}

// Tables returns the set of tables currently tracked.
func (r *Registry) Tables() []walstream.TableID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]walstream.TableID, 0, len(r.buffers))
	for t := range r.buffers {
		out = append(out, t)
	}
	return out
}

// DeltaBuffer accumulates changes observed for a table while it is
// Reloading, kept separate from its ordinary Change Buffer so the
// normal flush cadence (timer, row/byte threshold) never touches a
// reload window's deltas. It is only ever flushed once, explicitly, when
// the reload's EXPORT_END marker is confirmed.
type DeltaBuffer struct {
	*Buffer
}

func newDelta(table walstream.TableID) *DeltaBuffer {
	return &DeltaBuffer{Buffer: New(table)}
}

// DeltaRegistry is a per-TableID collection of DeltaBuffers, mirroring
// Registry's lookup-or-create shape.
type DeltaRegistry struct {
	mu      sync.Mutex
	buffers map[walstream.TableID]*DeltaBuffer
}

func NewDeltaRegistry() *DeltaRegistry {
	return &DeltaRegistry{buffers: make(map[walstream.TableID]*DeltaBuffer)}
}

// Get returns the DeltaBuffer for table, creating it if absent.
func (r *DeltaRegistry) Get(table walstream.TableID) *DeltaBuffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buffers[table]
	if !ok {
		b = newDelta(table)
		r.buffers[table] = b
	}
	return b
}
