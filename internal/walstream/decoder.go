package walstream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog"
)

// DDLHistoryColumns names the columns the decoder expects in the source's
// ddl_history capture table, in the order the event trigger writes them.
type DDLHistoryColumns struct {
	TableSchema string
	TableName   string
	CommandTag  string
	CommandText string
}

// DefaultDDLHistoryColumns is the column layout pgflux's provisioning SQL
// creates.
var DefaultDDLHistoryColumns = DDLHistoryColumns{
	TableSchema: "table_schema",
	TableName:   "table_name",
	CommandTag:  "command_tag",
	CommandText: "command_text",
}

// Decoder consumes the WAL stream via pglogrepl and emits Messages on a
// channel, including DDL and reload-marker rows intercepted from the
// ddl_history capture table.
type Decoder struct {
	conn   *pgconn.PgConn
	logger zerolog.Logger

	slotName     string
	publication  string
	startLSN     pglogrepl.LSN
	ddlHistory   TableID
	markerPrefix string
	ddlCols      DDLHistoryColumns

	relations map[uint32]*RelationMessage

	pendingBegin   *BeginMessage
	emptyTxSkipped int64

	mu             sync.Mutex
	confirmedLSN   pglogrepl.LSN
	serverWALEnd   pglogrepl.LSN
	lastStatusTime time.Time
	loopErr        error

	cancel context.CancelFunc
	done   chan struct{}
}

// NewDecoder creates a Decoder bound to the given replication connection.
// ddlHistory identifies the capture table whose inserts carry DDL events
// and reload markers; markerPrefix is the COMMENT text prefix a reload
// marker's body must start with.
func NewDecoder(conn *pgconn.PgConn, slotName, publication string, ddlHistory TableID, markerPrefix string, logger zerolog.Logger) *Decoder {
	return &Decoder{
		conn:         conn,
		logger:       logger.With().Str("component", "decoder").Logger(),
		slotName:     strings.ReplaceAll(slotName, "-", "_"),
		publication:  publication,
		ddlHistory:   ddlHistory,
		markerPrefix: markerPrefix,
		ddlCols:      DefaultDDLHistoryColumns,
		relations:    make(map[uint32]*RelationMessage),
		done:         make(chan struct{}),
	}
}

// CreateSlot creates a replication slot and returns the exported snapshot
// name. The snapshot remains valid until StartStreaming is called. If
// startLSN is non-zero (a resumed stream), no slot is created.
func (d *Decoder) CreateSlot(ctx context.Context, startLSN pglogrepl.LSN) (string, error) {
	d.startLSN = startLSN

	if startLSN != 0 {
		return "", nil
	}

	sql := fmt.Sprintf(`CREATE_REPLICATION_SLOT %s LOGICAL pgoutput (SNAPSHOT 'export')`, d.slotName)
	result, err := pglogrepl.ParseCreateReplicationSlot(d.conn.Exec(ctx, sql))
	if err != nil {
		return "", fmt.Errorf("create replication slot: %w", err)
	}
	parsedLSN, err := pglogrepl.ParseLSN(result.ConsistentPoint)
	if err != nil {
		return "", fmt.Errorf("parse consistent point LSN: %w", err)
	}
	d.startLSN = parsedLSN
	d.logger.Info().
		Str("slot", d.slotName).
		Str("snapshot", result.SnapshotName).
		Stringer("lsn", d.startLSN).
		Msg("created replication slot")

	return result.SnapshotName, nil
}

// StartLSN returns the LSN that will be used when streaming begins.
func (d *Decoder) StartLSN() pglogrepl.LSN {
	return d.startLSN
}

// StartStreaming begins consuming WAL from the replication slot. This
// invalidates any snapshot returned by CreateSlot.
func (d *Decoder) StartStreaming(ctx context.Context) (<-chan Message, error) {
	err := pglogrepl.StartReplication(ctx, d.conn, d.slotName, d.startLSN,
		pglogrepl.StartReplicationOptions{
			PluginArgs: []string{
				"proto_version '1'",
				fmt.Sprintf("publication_names '%s'", d.publication),
			},
		})
	if err != nil {
		return nil, fmt.Errorf("start replication: %w", err)
	}

	d.confirmedLSN = d.startLSN
	d.lastStatusTime = time.Now()

	ch := make(chan Message, 4096)
	ctx, d.cancel = context.WithCancel(ctx)
	go d.receiveLoop(ctx, ch)

	return ch, nil
}

// Start is a convenience that calls CreateSlot then StartStreaming. The
// returned snapshot name is already invalid by the time Start returns;
// callers that need the snapshot for a COPY phase must call CreateSlot
// and StartStreaming separately.
func (d *Decoder) Start(ctx context.Context, startLSN pglogrepl.LSN) (<-chan Message, string, error) {
	snapshotName, err := d.CreateSlot(ctx, startLSN)
	if err != nil {
		return nil, "", err
	}
	ch, err := d.StartStreaming(ctx)
	if err != nil {
		return nil, "", err
	}
	return ch, snapshotName, nil
}

func (d *Decoder) receiveLoop(ctx context.Context, ch chan<- Message) {
	defer close(ch)
	defer close(d.done)

	standbyInterval := 1 * time.Second
	recvTimeout := 2 * time.Second
	var msgCount int64
	lastDiag := time.Now()

	setErr := func(err error) {
		d.mu.Lock()
		d.loopErr = err
		d.mu.Unlock()
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if time.Since(d.lastStatusTime) >= standbyInterval {
			if err := d.sendStandbyStatus(ctx, d.Confirmed()); err != nil {
				d.logger.Err(err).Msg("failed to send standby status")
			}
		}

		recvCtx, cancel := context.WithDeadline(ctx, time.Now().Add(recvTimeout))
		rawMsg, err := d.conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if pgconn.Timeout(err) {
				continue
			}
			d.logger.Err(err).Msg("receive message failed")
			setErr(fmt.Errorf("receive message: %w", err))
			return
		}

		if errResp, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			d.logger.Error().
				Str("severity", errResp.Severity).
				Str("code", errResp.Code).
				Str("message", errResp.Message).
				Msg("server error from replication stream")
			setErr(fmt.Errorf("server error: %s: %s (SQLSTATE %s)", errResp.Severity, errResp.Message, errResp.Code))
			return
		}

		copyData, ok := rawMsg.(*pgproto3.CopyData)
		if !ok {
			continue
		}

		switch copyData.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
			if err != nil {
				d.logger.Err(err).Msg("parse keepalive")
				continue
			}
			d.mu.Lock()
			if pglogrepl.LSN(pkm.ServerWALEnd) > d.serverWALEnd {
				d.serverWALEnd = pglogrepl.LSN(pkm.ServerWALEnd)
			}
			d.mu.Unlock()

			if pkm.ReplyRequested {
				if err := d.sendStandbyStatus(ctx, d.Confirmed()); err != nil {
					d.logger.Err(err).Msg("keepalive reply failed")
				}
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
			if err != nil {
				d.logger.Err(err).Msg("parse xlogdata")
				continue
			}

			d.mu.Lock()
			if pglogrepl.LSN(xld.ServerWALEnd) > d.serverWALEnd {
				d.serverWALEnd = pglogrepl.LSN(xld.ServerWALEnd)
			}
			d.mu.Unlock()

			msgCount++
			if time.Since(lastDiag) >= 10*time.Second {
				d.mu.Lock()
				lsn := d.confirmedLSN
				d.mu.Unlock()
				d.logger.Info().
					Int64("msgs", msgCount).
					Int("ch_len", len(ch)).
					Int("ch_cap", cap(ch)).
					Stringer("wal_pos", pglogrepl.LSN(xld.WALStart)).
					Stringer("confirmed", lsn).
					Int64("empty_tx_skipped", d.emptyTxSkipped).
					Msg("decoder throughput")
				lastDiag = time.Now()
			}
			d.decodeWALData(ctx, ch, xld)
		}
	}
}

func (d *Decoder) decodeWALData(ctx context.Context, ch chan<- Message, xld pglogrepl.XLogData) {
	logicalMsg, err := pglogrepl.Parse(xld.WALData)
	if err != nil {
		d.logger.Err(err).Msg("parse WAL data")
		return
	}

	walLSN := pglogrepl.LSN(xld.WALStart)
	now := time.Now()

	switch msg := logicalMsg.(type) {
	case *pglogrepl.BeginMessage:
		d.pendingBegin = &BeginMessage{
			TxnLSN:  pglogrepl.LSN(msg.FinalLSN),
			TxnTime: msg.CommitTime,
			XID:     msg.Xid,
		}

	case *pglogrepl.CommitMessage:
		if d.pendingBegin != nil {
			d.emptyTxSkipped++
			d.pendingBegin = nil
		} else {
			d.emit(ctx, ch, &CommitMessage{
				CommitLSN: pglogrepl.LSN(msg.CommitLSN),
				TxnTime:   msg.CommitTime,
			})
		}

	case *pglogrepl.RelationMessage:
		cols := make([]Column, len(msg.Columns))
		for i, c := range msg.Columns {
			cols[i] = Column{Name: c.Name, DataType: c.DataType}
		}
		rel := &RelationMessage{
			RelationID:      msg.RelationID,
			Table:           TableID{Schema: msg.Namespace, Name: msg.RelationName},
			Columns:         cols,
			ReplicaIdentity: msg.ReplicaIdentity,
			MsgLSN:          walLSN,
			MsgTime:         now,
		}
		d.relations[msg.RelationID] = rel
		d.flushPendingBegin(ctx, ch)
		d.emit(ctx, ch, rel)

	case *pglogrepl.InsertMessage:
		rel := d.relations[msg.RelationID]
		if rel == nil {
			d.logger.Warn().Uint32("relation_id", msg.RelationID).Msg("unknown relation for insert")
			return
		}
		d.flushPendingBegin(ctx, ch)
		if rel.Table == d.ddlHistory {
			d.emitDDLRow(ctx, ch, rel, msg.Tuple, walLSN, now)
			return
		}
		d.emit(ctx, ch, &ChangeMessage{
			Op:         OpInsert,
			RelationID: msg.RelationID,
			Table:      rel.Table,
			NewTuple:   decodeTuple(msg.Tuple, rel.Columns),
			MsgLSN:     walLSN,
			MsgTime:    now,
		})

	case *pglogrepl.UpdateMessage:
		rel := d.relations[msg.RelationID]
		if rel == nil {
			d.logger.Warn().Uint32("relation_id", msg.RelationID).Msg("unknown relation for update")
			return
		}
		d.flushPendingBegin(ctx, ch)
		cm := &ChangeMessage{
			Op:         OpUpdate,
			RelationID: msg.RelationID,
			Table:      rel.Table,
			NewTuple:   decodeTuple(msg.NewTuple, rel.Columns),
			MsgLSN:     walLSN,
			MsgTime:    now,
		}
		if msg.OldTuple != nil {
			cm.OldTuple = decodeTuple(msg.OldTuple, rel.Columns)
		}
		d.emit(ctx, ch, cm)

	case *pglogrepl.DeleteMessage:
		rel := d.relations[msg.RelationID]
		if rel == nil {
			d.logger.Warn().Uint32("relation_id", msg.RelationID).Msg("unknown relation for delete")
			return
		}
		d.flushPendingBegin(ctx, ch)
		d.emit(ctx, ch, &ChangeMessage{
			Op:         OpDelete,
			RelationID: msg.RelationID,
			Table:      rel.Table,
			OldTuple:   decodeTuple(msg.OldTuple, rel.Columns),
			MsgLSN:     walLSN,
			MsgTime:    now,
		})

	case *pglogrepl.TruncateMessage:
		d.flushPendingBegin(ctx, ch)
		tables := make([]TableID, 0, len(msg.RelationIDs))
		for _, rid := range msg.RelationIDs {
			if rel := d.relations[rid]; rel != nil {
				tables = append(tables, rel.Table)
			}
		}
		d.emit(ctx, ch, &TruncateMessage{Tables: tables, MsgLSN: walLSN, MsgTime: now})
	}
}

// emitDDLRow parses a row inserted into the ddl_history capture table and
// emits either a ReloadMarkerMessage (if the command text is a reload
// marker comment) or a plain DDLMessage.
func (d *Decoder) emitDDLRow(ctx context.Context, ch chan<- Message, rel *RelationMessage, tuple *pglogrepl.TupleData, lsn pglogrepl.LSN, now time.Time) {
	td := decodeTuple(tuple, rel.Columns)
	byName := make(map[string]string, len(td.Columns))
	for _, c := range td.Columns {
		if !c.IsNull {
			byName[c.Name] = string(c.Value)
		}
	}

	ddl := &DDLMessage{
		Table:       TableID{Schema: byName[d.ddlCols.TableSchema], Name: byName[d.ddlCols.TableName]},
		CommandTag:  byName[d.ddlCols.CommandTag],
		CommandText: byName[d.ddlCols.CommandText],
		MsgLSN:      lsn,
		MsgTime:     now,
	}

	if marker, ok := parseReloadMarker(ddl, d.markerPrefix); ok {
		d.emit(ctx, ch, marker)
		return
	}
	if d.markerPrefix != "" && strings.Contains(ddl.CommandText, d.markerPrefix) {
		d.logger.Warn().Stringer("lsn", lsn).Str("command_text", ddl.CommandText).Msg("malformed reload marker ignored")
	}
	d.emit(ctx, ch, ddl)
}

// reloadMarkerBody is the JSON payload embedded in a marker comment's text,
// after the configured prefix.
type reloadMarkerBody struct {
	Action       string `json:"action"`
	ExportID     string `json:"export_id"`
	RowsExported *int64 `json:"rows_exported,omitempty"`
}

func parseReloadMarker(ddl *DDLMessage, markerPrefix string) (*ReloadMarkerMessage, bool) {
	idx := strings.Index(ddl.CommandText, markerPrefix)
	if idx < 0 {
		return nil, false
	}
	body := strings.TrimSpace(ddl.CommandText[idx+len(markerPrefix):])
	body = strings.TrimSuffix(body, "'")
	body = strings.TrimSuffix(body, ";")

	var parsed reloadMarkerBody
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return nil, false
	}
	var phase MarkerPhase
	switch parsed.Action {
	case string(PhaseStart):
		phase = PhaseStart
	case string(PhaseEnd):
		phase = PhaseEnd
	default:
		return nil, false
	}
	return &ReloadMarkerMessage{
		Table:        ddl.Table,
		ExportID:     parsed.ExportID,
		Phase:        phase,
		RowsExported: parsed.RowsExported,
		MsgLSN:       ddl.MsgLSN,
		MsgTime:      ddl.MsgTime,
	}, true
}

func (d *Decoder) flushPendingBegin(ctx context.Context, ch chan<- Message) {
	if d.pendingBegin != nil {
		d.emit(ctx, ch, d.pendingBegin)
		d.pendingBegin = nil
	}
}

func decodeTuple(tuple *pglogrepl.TupleData, cols []Column) *TupleData {
	if tuple == nil {
		return nil
	}
	td := &TupleData{Columns: make([]Column, len(tuple.Columns))}
	for i, c := range tuple.Columns {
		col := Column{Value: c.Data, IsNull: c.DataType == 'n'}
		if i < len(cols) {
			col.Name = cols[i].Name
			col.DataType = cols[i].DataType
		}
		td.Columns[i] = col
	}
	return td
}

func (d *Decoder) emit(ctx context.Context, ch chan<- Message, msg Message) {
	for {
		select {
		case ch <- msg:
			return
		case <-ctx.Done():
			return
		default:
		}

		// Channel full: send a standby heartbeat while waiting so the
		// source doesn't time us out due to backpressure stalls.
		if time.Since(d.lastStatusTime) >= 1*time.Second {
			d.mu.Lock()
			lsn := d.confirmedLSN
			d.mu.Unlock()
			if err := d.sendStandbyStatus(ctx, lsn); err != nil {
				d.logger.Err(err).Msg("emit backpressure: standby status failed")
			}
		}

		t := time.NewTimer(100 * time.Millisecond)
		select {
		case ch <- msg:
			t.Stop()
			return
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

func (d *Decoder) sendStandbyStatus(ctx context.Context, lsn pglogrepl.LSN) error {
	d.lastStatusTime = time.Now()
	return pglogrepl.SendStandbyStatusUpdate(ctx, d.conn,
		pglogrepl.StandbyStatusUpdate{
			WALWritePosition: lsn,
			WALFlushPosition: lsn,
			WALApplyPosition: lsn,
		})
}

// Err returns the error that caused the receive loop to exit, if any. Safe
// to call after the message channel has closed.
func (d *Decoder) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loopErr
}

// ConfirmLSN advances the confirmed flush position for the replication slot.
func (d *Decoder) ConfirmLSN(lsn pglogrepl.LSN) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if lsn > d.confirmedLSN {
		d.confirmedLSN = lsn
	}
}

// Confirmed returns the most recently confirmed flush LSN.
func (d *Decoder) Confirmed() pglogrepl.LSN {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.confirmedLSN
}

// LatestLSN returns the most recent server-reported WAL end position, for
// lag reporting. Zero until the first keepalive or XLogData message arrives.
func (d *Decoder) LatestLSN() pglogrepl.LSN {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.serverWALEnd
}

// Close shuts down the decoder and waits for the receive loop to exit.
func (d *Decoder) Close() {
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}
}
