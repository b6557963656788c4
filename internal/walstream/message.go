// Package walstream decodes the logical replication stream from a
// PostgreSQL-compatible source into typed Messages: row changes,
// transaction boundaries, truncations, and the in-band DDL/reload
// markers the Reload Coordinator watches for.
package walstream

import (
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
)

// TableID identifies a table by schema-qualified name.
type TableID struct {
	Schema string
	Name   string
}

func (t TableID) String() string {
	return fmt.Sprintf("%s.%s", t.Schema, t.Name)
}

// MessageKind identifies the type of message flowing through the pipeline.
type MessageKind int

const (
	KindBegin MessageKind = iota
	KindCommit
	KindRelation
	KindChange
	KindTruncate
	KindDDL
	KindReloadMarker
)

func (k MessageKind) String() string {
	switch k {
	case KindBegin:
		return "Begin"
	case KindCommit:
		return "Commit"
	case KindRelation:
		return "Relation"
	case KindChange:
		return "Change"
	case KindTruncate:
		return "Truncate"
	case KindDDL:
		return "DDL"
	case KindReloadMarker:
		return "ReloadMarker"
	default:
		return "Unknown"
	}
}

// Message is the common interface for everything the decoder emits.
type Message interface {
	Kind() MessageKind
	LSN() pglogrepl.LSN
	Timestamp() time.Time
}

// ChangeOp represents the DML operation type.
type ChangeOp int

const (
	OpInsert ChangeOp = iota
	OpUpdate
	OpDelete
)

func (o ChangeOp) String() string {
	switch o {
	case OpInsert:
		return "INSERT"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// CSVCode is the single-character operation code written to the _op
// metadata column.
func (o ChangeOp) CSVCode() string {
	switch o {
	case OpInsert:
		return "I"
	case OpUpdate:
		return "U"
	case OpDelete:
		return "D"
	default:
		return "?"
	}
}

// Column describes a single column in a tuple.
type Column struct {
	Name     string
	DataType uint32
	Value    []byte
	IsNull   bool
}

// TupleData holds the column values for a row.
type TupleData struct {
	Columns []Column
}

// BeginMessage marks the start of a transaction.
type BeginMessage struct {
	TxnLSN  pglogrepl.LSN
	TxnTime time.Time
	XID     uint32
}

func (m *BeginMessage) Kind() MessageKind   { return KindBegin }
func (m *BeginMessage) LSN() pglogrepl.LSN  { return m.TxnLSN }
func (m *BeginMessage) Timestamp() time.Time { return m.TxnTime }

// CommitMessage marks the end of a transaction.
type CommitMessage struct {
	CommitLSN pglogrepl.LSN
	TxnTime   time.Time
}

func (m *CommitMessage) Kind() MessageKind   { return KindCommit }
func (m *CommitMessage) LSN() pglogrepl.LSN  { return m.CommitLSN }
func (m *CommitMessage) Timestamp() time.Time { return m.TxnTime }

// RelationMessage carries schema metadata for a relation (table).
type RelationMessage struct {
	RelationID      uint32
	Table           TableID
	Columns         []Column
	ReplicaIdentity uint8 // pglogrepl.RelationMessage.ReplicaIdentity
	MsgLSN          pglogrepl.LSN
	MsgTime         time.Time
}

func (m *RelationMessage) Kind() MessageKind   { return KindRelation }
func (m *RelationMessage) LSN() pglogrepl.LSN  { return m.MsgLSN }
func (m *RelationMessage) Timestamp() time.Time { return m.MsgTime }

// ChangeMessage represents an INSERT, UPDATE, or DELETE.
type ChangeMessage struct {
	Op         ChangeOp
	RelationID uint32
	Table      TableID
	OldTuple   *TupleData
	NewTuple   *TupleData
	MsgLSN     pglogrepl.LSN
	MsgTime    time.Time
}

func (m *ChangeMessage) Kind() MessageKind   { return KindChange }
func (m *ChangeMessage) LSN() pglogrepl.LSN  { return m.MsgLSN }
func (m *ChangeMessage) Timestamp() time.Time { return m.MsgTime }

// TruncateMessage represents a TRUNCATE of one or more tables in a single
// statement.
type TruncateMessage struct {
	Tables  []TableID
	MsgLSN  pglogrepl.LSN
	MsgTime time.Time
}

func (m *TruncateMessage) Kind() MessageKind   { return KindTruncate }
func (m *TruncateMessage) LSN() pglogrepl.LSN  { return m.MsgLSN }
func (m *TruncateMessage) Timestamp() time.Time { return m.MsgTime }

// DDLMessage is a row captured from the source's ddl_history table, the
// transactional record of schema changes emitted by an event trigger.
type DDLMessage struct {
	Table       TableID
	CommandTag  string
	CommandText string
	MsgLSN      pglogrepl.LSN
	MsgTime     time.Time
}

func (m *DDLMessage) Kind() MessageKind   { return KindDDL }
func (m *DDLMessage) LSN() pglogrepl.LSN  { return m.MsgLSN }
func (m *DDLMessage) Timestamp() time.Time { return m.MsgTime }

// MarkerPhase is the reload marker's action.
type MarkerPhase string

const (
	PhaseStart MarkerPhase = "EXPORT_START"
	PhaseEnd   MarkerPhase = "EXPORT_END"
)

// ReloadMarkerMessage is a parsed START/END marker embedded in a
// COMMENT ON TABLE statement captured via ddl_history.
type ReloadMarkerMessage struct {
	Table        TableID
	ExportID     string
	Phase        MarkerPhase
	RowsExported *int64
	MsgLSN       pglogrepl.LSN
	MsgTime      time.Time
}

func (m *ReloadMarkerMessage) Kind() MessageKind   { return KindReloadMarker }
func (m *ReloadMarkerMessage) LSN() pglogrepl.LSN  { return m.MsgLSN }
func (m *ReloadMarkerMessage) Timestamp() time.Time { return m.MsgTime }
