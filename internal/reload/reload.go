// Package reload implements the Reload Coordinator: it drives a table
// through PendingReload -> Streaming -> Reloading -> Streaming by
// writing in-band COMMENT ON TABLE markers and waiting to observe them
// come back through the replication stream, confirming that every
// change up to the marker's LSN has been accounted for before flipping
// a table's mode.
package reload

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/pgflux/pgflux/internal/cdcerr"
	"github.com/pgflux/pgflux/internal/registry"
	"github.com/pgflux/pgflux/internal/walstream"
)

// DeltaPolicy governs what the Batch Controller does with changes that
// arrive for a table while it is Reloading.
type DeltaPolicy string

const (
	// PolicyDiscard drops deltas observed during the reload window; the
	// full reload file is assumed to supersede them.
	PolicyDiscard DeltaPolicy = "discard"
	// PolicyApply collects deltas in the DeltaBuffer; they flush as one
	// batch anchored at the EXPORT_END marker's LSN.
	PolicyApply DeltaPolicy = "apply"
	// PolicyValidate behaves like PolicyApply but additionally logs a
	// warning for each delta, for operators auditing reload correctness.
	PolicyValidate DeltaPolicy = "validate"
)

// pendingMarker tracks a COMMENT ON TABLE this coordinator is waiting to
// observe confirmed via the WAL stream.
type pendingMarker struct {
	table    walstream.TableID
	exportID string
	ch       chan walstream.ReloadMarkerMessage
}

// Coordinator manages the reload state machine for every table under
// replication. It is the sole writer of reload markers; ReloadMarkerMessages
// observed on the stream that it did not request are logged and ignored.
type Coordinator struct {
	pool         *pgxpool.Pool
	registry     *registry.Registry
	markerPrefix string
	ddlHistory   string // qualified ddl_history table, target of the COMMENT round-trip
	policy       DeltaPolicy
	logger       zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pendingMarker // keyed by export_id
	modes   map[walstream.TableID]registry.Mode
}

func New(pool *pgxpool.Pool, reg *registry.Registry, markerPrefix string, policy DeltaPolicy, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		pool:         pool,
		registry:     reg,
		markerPrefix: markerPrefix,
		policy:       policy,
		pending:      make(map[string]*pendingMarker),
		modes:        make(map[walstream.TableID]registry.Mode),
		logger:       logger.With().Str("component", "reload").Logger(),
	}
}

// Mode returns the last known mode for table, defaulting to Streaming
// for tables the coordinator has not tracked an explicit state for yet.
func (c *Coordinator) Mode(table walstream.TableID) registry.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.modes[table]; ok {
		return m
	}
	return registry.ModeStreaming
}

// DeltaDecision describes what the Batch Controller should do with a
// change observed for a table in Reloading mode.
type DeltaDecision int

const (
	// DecisionBuffer buffers the change normally, into the table's
	// ordinary Change Buffer.
	DecisionBuffer DeltaDecision = iota
	// DecisionDiscard drops the change.
	DecisionDiscard
	// DecisionDeltaBuffer routes the change into the table's DeltaBuffer
	// instead of its Change Buffer: the table is Reloading, and this
	// change must not flush on the normal streaming cadence.
	DecisionDeltaBuffer
)

// Decide applies the configured delta policy to a change arriving for
// table.
func (c *Coordinator) Decide(table walstream.TableID) DeltaDecision {
	if c.Mode(table) != registry.ModeReloading {
		return DecisionBuffer
	}
	switch c.policy {
	case PolicyDiscard:
		return DecisionDiscard
	case PolicyValidate:
		c.logger.Warn().Stringer("table", tableStringer(table)).Msg("delta observed during reload under validate policy")
		return DecisionDeltaBuffer
	default:
		return DecisionDeltaBuffer
	}
}

type tableStringer walstream.TableID

func (t tableStringer) String() string { return walstream.TableID(t).String() }

// RequestReload transitions table into the reload window: it writes an
// EXPORT_START marker and blocks until that marker is observed on the
// WAL stream, at which point every change preceding it is guaranteed to
// already be buffered or flushed. The caller (Export Worker Pool driver)
// should begin its snapshot export only after this returns.
func (c *Coordinator) RequestReload(ctx context.Context, table walstream.TableID, exportID string, timeout time.Duration) (pglogrepl.LSN, error) {
	ch := make(chan walstream.ReloadMarkerMessage, 1)
	c.mu.Lock()
	c.pending[markerKey(exportID, walstream.PhaseStart)] = &pendingMarker{table: table, exportID: exportID, ch: ch}
	c.mu.Unlock()

	if err := c.writeMarker(ctx, table, exportID, walstream.PhaseStart, nil); err != nil {
		c.mu.Lock()
		delete(c.pending, markerKey(exportID, walstream.PhaseStart))
		c.mu.Unlock()
		return 0, err
	}

	select {
	case marker := <-ch:
		if err := c.registry.MarkReloadStart(ctx, table, exportID, marker.MsgLSN); err != nil {
			return 0, err
		}
		c.mu.Lock()
		c.modes[table] = registry.ModeReloading
		c.mu.Unlock()
		return marker.MsgLSN, nil
	case <-time.After(timeout):
		c.mu.Lock()
		delete(c.pending, markerKey(exportID, walstream.PhaseStart))
		c.mu.Unlock()
		return 0, cdcerr.Wrap(cdcerr.Timeout, fmt.Errorf("reload start marker for %s (%s) not observed within %s", table, exportID, timeout))
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// CompleteReload writes an EXPORT_END marker and blocks until it is
// observed, then transitions table back to Streaming. rowsExported is
// recorded on the marker for operator visibility.
func (c *Coordinator) CompleteReload(ctx context.Context, table walstream.TableID, exportID string, rowsExported int64, timeout time.Duration) (pglogrepl.LSN, error) {
	ch := make(chan walstream.ReloadMarkerMessage, 1)
	c.mu.Lock()
	c.pending[markerKey(exportID, walstream.PhaseEnd)] = &pendingMarker{table: table, exportID: exportID, ch: ch}
	c.mu.Unlock()

	if err := c.writeMarker(ctx, table, exportID, walstream.PhaseEnd, &rowsExported); err != nil {
		c.mu.Lock()
		delete(c.pending, markerKey(exportID, walstream.PhaseEnd))
		c.mu.Unlock()
		return 0, err
	}

	select {
	case marker := <-ch:
		if err := c.registry.MarkReloadEnd(ctx, exportID, marker.MsgLSN); err != nil {
			return 0, err
		}
		c.mu.Lock()
		c.modes[table] = registry.ModeStreaming
		c.mu.Unlock()
		return marker.MsgLSN, nil
	case <-time.After(timeout):
		c.mu.Lock()
		delete(c.pending, markerKey(exportID, walstream.PhaseEnd))
		c.mu.Unlock()
		return 0, cdcerr.Wrap(cdcerr.Timeout, fmt.Errorf("reload end marker for %s (%s) not observed within %s", table, exportID, timeout))
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// ResumeReloading marks table Reloading in the in-memory mode map
// without writing a new EXPORT_START marker, for resuming a reload
// whose marker already round-tripped in a previous process before a
// crash interrupted the export itself.
func (c *Coordinator) ResumeReloading(table walstream.TableID) {
	c.mu.Lock()
	c.modes[table] = registry.ModeReloading
	c.mu.Unlock()
}

// FailReload records exportID as Failed without writing an END marker,
// used when the export itself errors out before completion.
func (c *Coordinator) FailReload(ctx context.Context, table walstream.TableID, exportID string) error {
	c.mu.Lock()
	delete(c.pending, markerKey(exportID, walstream.PhaseStart))
	delete(c.pending, markerKey(exportID, walstream.PhaseEnd))
	c.modes[table] = registry.ModeStreaming
	c.mu.Unlock()
	return c.registry.FailedReload(ctx, exportID)
}

// Observe is called by the orchestrator for every ReloadMarkerMessage
// seen on the decoded stream. A marker matching a pending request
// confirms it; anything else (a marker this process did not request,
// most likely left over from a previous crashed run, or a duplicate)
// is logged and ignored — resolving it is Startup & Recovery's job.
func (c *Coordinator) Observe(marker *walstream.ReloadMarkerMessage) {
	key := markerKey(marker.ExportID, marker.Phase)
	c.mu.Lock()
	p, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn().
			Str("export_id", marker.ExportID).
			Str("phase", string(marker.Phase)).
			Stringer("table", tableStringer(marker.Table)).
			Msg("reload marker observed with no matching pending request")
		return
	}
	p.ch <- *marker
}

func markerKey(exportID string, phase walstream.MarkerPhase) string {
	return exportID + ":" + string(phase)
}

// markerBody mirrors walstream's reloadMarkerBody JSON shape.
type markerBody struct {
	Action       string `json:"action"`
	ExportID     string `json:"export_id"`
	RowsExported *int64 `json:"rows_exported,omitempty"`
}

func (c *Coordinator) writeMarker(ctx context.Context, table walstream.TableID, exportID string, phase walstream.MarkerPhase, rowsExported *int64) error {
	body, err := json.Marshal(markerBody{Action: string(phase), ExportID: exportID, RowsExported: rowsExported})
	if err != nil {
		return cdcerr.Wrap(cdcerr.MarkerMalformed, err)
	}
	sql := fmt.Sprintf(`COMMENT ON TABLE %s.%s IS '%s%s'`, quoteIdent(table.Schema), quoteIdent(table.Name), c.markerPrefix, string(body))
	if _, err := c.pool.Exec(ctx, sql); err != nil {
		return cdcerr.Wrapf(cdcerr.Io, err, "write reload marker for %s", table)
	}
	return nil
}

func quoteIdent(s string) string {
	return `"` + s + `"`
}
