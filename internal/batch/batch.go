// Package batch implements the Batch Controller: it consumes decoded
// WAL messages, routes them into per-table Change Buffers, and flushes
// those buffers to disk on a timer or when a size/row threshold is
// crossed, whichever comes first.
package batch

import (
	"context"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/pgflux/pgflux/internal/buffer"
	"github.com/pgflux/pgflux/internal/config"
	"github.com/pgflux/pgflux/internal/filewriter"
	"github.com/pgflux/pgflux/internal/registry"
	"github.com/pgflux/pgflux/internal/reload"
	"github.com/pgflux/pgflux/internal/walstream"
)

// ModeDecider abstracts the Reload Coordinator's delta-policy decision
// so the Controller doesn't need to know about reload state directly.
type ModeDecider interface {
	Decide(table walstream.TableID) reload.DeltaDecision
}

// Registrar is the subset of the Registry the Controller needs, kept
// as an interface so the flush loop can be exercised without a
// database connection.
type Registrar interface {
	Register(ctx context.Context, rec registry.FileRecord) error
}

// FlushRecorder receives per-table counters for every flushed batch.
// Optional; a nil FlushRecorder is a no-op.
type FlushRecorder interface {
	RecordBatchFlush(table walstream.TableID, rows int, bytes int64)
}

// Controller owns one Change Buffer and one DeltaBuffer per table, and
// the flush loop that drains them.
type Controller struct {
	buffers      *buffer.Registry
	deltaBuffers *buffer.DeltaRegistry
	writer       *filewriter.Writer
	registry     Registrar
	decider      ModeDecider
	interval     time.Duration
	maxRows      int
	maxBytes     int64
	startLSN     pglogrepl.LSN
	tableFloors  map[walstream.TableID]pglogrepl.LSN
	confirmFn    func(pglogrepl.LSN)
	metrics      FlushRecorder
	logger       zerolog.Logger

	relCols map[uint32][]walstream.Column
}

// New builds a Controller. startLSN is the position streaming resumed
// from (or zero, fresh-init); it seeds the per-table floor used to
// compute the confirmable LSN for a table that has not flushed anything
// yet, so an all-idle cycle still has a well-defined floor to confirm.
func New(cfg config.BatchControlConfig, buffers *buffer.Registry, writer *filewriter.Writer, reg Registrar, decider ModeDecider, startLSN pglogrepl.LSN, confirmFn func(pglogrepl.LSN), logger zerolog.Logger) *Controller {
	return &Controller{
		buffers:      buffers,
		deltaBuffers: buffer.NewDeltaRegistry(),
		writer:       writer,
		registry:     reg,
		decider:      decider,
		interval:     cfg.Interval(),
		maxRows:      cfg.MaxRows,
		maxBytes:     cfg.MaxBytes,
		startLSN:     startLSN,
		tableFloors:  make(map[walstream.TableID]pglogrepl.LSN),
		confirmFn:    confirmFn,
		logger:       logger.With().Str("component", "batch").Logger(),
		relCols:      make(map[uint32][]walstream.Column),
	}
}

// WithMetrics attaches a FlushRecorder the Controller reports every
// flushed batch to. Returns c for chaining at construction time.
func (c *Controller) WithMetrics(m FlushRecorder) *Controller {
	c.metrics = m
	return c
}

// Run consumes in until it closes or ctx is cancelled, routing messages
// into buffers and flushing on the configured interval or thresholds.
// It returns the first flush error encountered, or nil on clean shutdown.
func (c *Controller) Run(ctx context.Context, in <-chan walstream.Message) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return c.flushAll(context.Background())

		case msg, ok := <-in:
			if !ok {
				return c.flushAll(context.Background())
			}
			if err := c.route(ctx, msg); err != nil {
				return err
			}
			if c.overThreshold(msg) {
				if err := c.flushTable(ctx, tableOf(msg)); err != nil {
					return err
				}
			}

		case <-ticker.C:
			if err := c.flushAll(ctx); err != nil {
				return err
			}
		}
	}
}

func tableOf(msg walstream.Message) walstream.TableID {
	switch m := msg.(type) {
	case *walstream.ChangeMessage:
		return m.Table
	case *walstream.TruncateMessage:
		if len(m.Tables) > 0 {
			return m.Tables[0]
		}
	case *walstream.DDLMessage:
		return m.Table
	}
	return walstream.TableID{}
}

func (c *Controller) route(ctx context.Context, msg walstream.Message) error {
	switch m := msg.(type) {
	case *walstream.RelationMessage:
		c.relCols[m.RelationID] = m.Columns

	case *walstream.ChangeMessage:
		decision := reload.DecisionBuffer
		if c.decider != nil {
			decision = c.decider.Decide(m.Table)
		}
		cols := c.relCols[m.RelationID]
		switch decision {
		case reload.DecisionDiscard:
		case reload.DecisionDeltaBuffer:
			c.deltaBuffers.Get(m.Table).Append(m, cols)
		default:
			c.buffers.Get(m.Table).Append(m, cols)
		}

	case *walstream.TruncateMessage:
		for _, t := range m.Tables {
			c.buffers.Get(t).AppendTruncate(m.MsgLSN)
		}

	case *walstream.DDLMessage:
		c.buffers.Get(m.Table).AppendDDL(m)

	case *walstream.ReloadMarkerMessage:
		// Observed in stream order: by the time this case runs, every
		// earlier change for m.Table is already in its Change Buffer
		// (a single goroutine drains this channel in arrival order), so
		// a force-flush here is guaranteed complete.
		switch m.Phase {
		case walstream.PhaseStart:
			if err := c.flushBeforeReload(ctx, m.Table, m.MsgLSN); err != nil {
				return err
			}
		case walstream.PhaseEnd:
			if err := c.flushDelta(ctx, m.Table, m.MsgLSN); err != nil {
				return err
			}
		}

	case *walstream.BeginMessage, *walstream.CommitMessage:
		// Carry no per-table payload the batch layer needs.
	}
	return nil
}

func (c *Controller) overThreshold(msg walstream.Message) bool {
	cm, ok := msg.(*walstream.ChangeMessage)
	if !ok {
		return false
	}
	b := c.buffers.Get(cm.Table)
	return b.RowCount() >= c.maxRows || b.SizeBytes() >= c.maxBytes
}

// flushAll flushes every tracked table's Change Buffer and always
// confirms the resulting floor, even when every table was idle this
// cycle: a safe commit boundary was still reached, and confirmed_flush_lsn
// must keep advancing so the slot doesn't accumulate unnecessary WAL.
func (c *Controller) flushAll(ctx context.Context) error {
	tables := c.buffers.Tables()
	for _, t := range tables {
		if _, err := c.flushTableLSN(ctx, t); err != nil {
			return err
		}
	}
	if c.confirmFn != nil {
		c.confirmFn(c.minFloor(tables))
	}
	return nil
}

func (c *Controller) flushTable(ctx context.Context, table walstream.TableID) error {
	if _, err := c.flushTableLSN(ctx, table); err != nil {
		return err
	}
	if c.confirmFn != nil {
		c.confirmFn(c.minFloor(c.buffers.Tables()))
	}
	return nil
}

// floorFor returns the last LSN table is known safe to confirm up to:
// the MaxLSN of its last flushed batch, or startLSN if it has never
// flushed one. An idle table still contributes this floor to minFloor,
// so its lack of activity never blocks other tables' confirmation.
func (c *Controller) floorFor(table walstream.TableID) pglogrepl.LSN {
	if lsn, ok := c.tableFloors[table]; ok {
		return lsn
	}
	return c.startLSN
}

// minFloor is the lowest floor across tables, i.e. the highest LSN safe
// to report as confirmed without outrunning any table's own progress.
func (c *Controller) minFloor(tables []walstream.TableID) pglogrepl.LSN {
	min := c.startLSN
	first := true
	for _, t := range tables {
		f := c.floorFor(t)
		if first || f < min {
			min = f
			first = false
		}
	}
	return min
}

// flushTableLSN snapshots and writes out table's Change Buffer,
// returning the snapshot's MaxLSN (zero if the buffer was empty, in
// which case nothing was written).
func (c *Controller) flushTableLSN(ctx context.Context, table walstream.TableID) (pglogrepl.LSN, error) {
	buf := c.buffers.Get(table)
	if buf.IsEmpty() {
		return 0, nil
	}
	snap := buf.SnapshotAndReset()
	if snap.IsEmpty() {
		return 0, nil
	}
	if err := c.writeAndRegister(ctx, table, snap, snap.MaxLSN, "flushed batch"); err != nil {
		return 0, err
	}
	return snap.MaxLSN, nil
}

// flushBeforeReload force-flushes table's current Change Buffer as a
// final streaming batch bounded by startLSN (the table's confirmed
// EXPORT_START marker LSN), minus one, so the file can never be mistaken
// for a reload-window delta. Entries already in the buffer all precede
// startLSN by construction (see route's ReloadMarkerMessage case); the
// bound is applied defensively.
func (c *Controller) flushBeforeReload(ctx context.Context, table walstream.TableID, startLSN pglogrepl.LSN) error {
	bound := startLSN
	if bound > 0 {
		bound--
	}
	buf := c.buffers.Get(table)
	if buf.IsEmpty() {
		c.tableFloors[table] = bound
		return nil
	}
	snap := buf.SnapshotAndReset()
	if snap.IsEmpty() {
		c.tableFloors[table] = bound
		return nil
	}
	if snap.MaxLSN > bound {
		snap.MaxLSN = bound
	}
	return c.writeAndRegister(ctx, table, snap, snap.MaxLSN, "forced pre-reload flush")
}

// flushDelta writes out table's DeltaBuffer as a single auxiliary batch
// anchored at endLSN, the confirmed EXPORT_END marker LSN, rather than
// the snapshot's own MaxLSN: downstream readers need the reload window's
// boundary, not the LSN of whichever delta happened to arrive last. A
// no-op if no deltas were buffered (discard policy, or nothing changed
// during the window).
func (c *Controller) flushDelta(ctx context.Context, table walstream.TableID, endLSN pglogrepl.LSN) error {
	buf := c.deltaBuffers.Get(table)
	if buf.IsEmpty() {
		return nil
	}
	snap := buf.SnapshotAndReset()
	if snap.IsEmpty() {
		return nil
	}
	snap.MaxLSN = endLSN
	return c.writeAndRegister(ctx, table, snap, endLSN, "flushed reload delta batch")
}

// writeAndRegister stages snap via the File Writer, registers every
// resulting file at endLSN, and records the table's new floor.
func (c *Controller) writeAndRegister(ctx context.Context, table walstream.TableID, snap buffer.Snapshot, endLSN pglogrepl.LSN, msg string) error {
	now := time.Now()
	files, ddlPath, err := c.writer.WriteStreamingBatch(ctx, snap, now)
	if err != nil {
		return err
	}

	for _, f := range files {
		err := c.registry.Register(ctx, registry.FileRecord{
			Table:          table,
			BatchTimestamp: now,
			FilePath:       f.Path,
			FileType:       registry.FileStreaming,
			EndLSN:         endLSN,
			RowCount:       f.RowCount,
			HasDDL:         ddlPath != "",
			ContentHash:    f.ContentHash,
		})
		if err != nil {
			return err
		}
	}

	c.logger.Info().
		Stringer("table", tableStringer(table)).
		Int("files", len(files)).
		Int("rows", snap.Rows).
		Stringer("end_lsn", endLSN).
		Msg(msg)

	if c.metrics != nil {
		c.metrics.RecordBatchFlush(table, snap.Rows, snap.Bytes)
	}

	c.tableFloors[table] = endLSN
	return nil
}

type tableStringer walstream.TableID

func (t tableStringer) String() string { return walstream.TableID(t).String() }
