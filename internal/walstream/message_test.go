package walstream

import (
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
)

func TestMessageKindString(t *testing.T) {
	tests := []struct {
		kind MessageKind
		want string
	}{
		{KindBegin, "Begin"},
		{KindCommit, "Commit"},
		{KindRelation, "Relation"},
		{KindChange, "Change"},
		{KindTruncate, "Truncate"},
		{KindDDL, "DDL"},
		{KindReloadMarker, "ReloadMarker"},
		{MessageKind(99), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("MessageKind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestChangeOpString(t *testing.T) {
	tests := []struct {
		op   ChangeOp
		want string
		code string
	}{
		{OpInsert, "INSERT", "I"},
		{OpUpdate, "UPDATE", "U"},
		{OpDelete, "DELETE", "D"},
		{ChangeOp(99), "UNKNOWN", "?"},
	}
	for _, tt := range tests {
		if got := tt.op.String(); got != tt.want {
			t.Errorf("ChangeOp(%d).String() = %q, want %q", tt.op, got, tt.want)
		}
		if got := tt.op.CSVCode(); got != tt.code {
			t.Errorf("ChangeOp(%d).CSVCode() = %q, want %q", tt.op, got, tt.code)
		}
	}
}

func TestTableIDString(t *testing.T) {
	id := TableID{Schema: "public", Name: "orders"}
	if got := id.String(); got != "public.orders" {
		t.Errorf("TableID.String() = %q, want public.orders", got)
	}
}

func TestBeginMessage(t *testing.T) {
	now := time.Now()
	m := &BeginMessage{TxnLSN: pglogrepl.LSN(100), TxnTime: now, XID: 42}

	if m.Kind() != KindBegin {
		t.Errorf("Kind() = %v, want KindBegin", m.Kind())
	}
	if m.LSN() != pglogrepl.LSN(100) {
		t.Errorf("LSN() = %v, want 100", m.LSN())
	}
	if !m.Timestamp().Equal(now) {
		t.Errorf("Timestamp() = %v, want %v", m.Timestamp(), now)
	}
}

func TestCommitMessage(t *testing.T) {
	now := time.Now()
	m := &CommitMessage{CommitLSN: pglogrepl.LSN(200), TxnTime: now}

	if m.Kind() != KindCommit {
		t.Errorf("Kind() = %v, want KindCommit", m.Kind())
	}
	if m.LSN() != pglogrepl.LSN(200) {
		t.Errorf("LSN() = %v, want 200", m.LSN())
	}
}

func TestRelationMessage(t *testing.T) {
	m := &RelationMessage{
		RelationID: 1,
		Table:      TableID{Schema: "public", Name: "users"},
		Columns:    []Column{{Name: "id", DataType: 23}},
		MsgLSN:     pglogrepl.LSN(300),
		MsgTime:    time.Now(),
	}

	if m.Kind() != KindRelation {
		t.Errorf("Kind() = %v, want KindRelation", m.Kind())
	}
	if m.Table.String() != "public.users" {
		t.Errorf("Table = %v, want public.users", m.Table)
	}
}

func TestChangeMessage(t *testing.T) {
	m := &ChangeMessage{
		Op:         OpInsert,
		RelationID: 1,
		Table:      TableID{Schema: "public", Name: "users"},
		NewTuple:   &TupleData{Columns: []Column{{Name: "id", Value: []byte("1")}}},
		MsgLSN:     pglogrepl.LSN(400),
		MsgTime:    time.Now(),
	}

	if m.Kind() != KindChange {
		t.Errorf("Kind() = %v, want KindChange", m.Kind())
	}
	if m.Op.CSVCode() != "I" {
		t.Errorf("Op.CSVCode() = %q, want I", m.Op.CSVCode())
	}
}

func TestTruncateMessage(t *testing.T) {
	m := &TruncateMessage{
		Tables:  []TableID{{Schema: "public", Name: "a"}, {Schema: "public", Name: "b"}},
		MsgLSN:  pglogrepl.LSN(500),
		MsgTime: time.Now(),
	}
	if m.Kind() != KindTruncate {
		t.Errorf("Kind() = %v, want KindTruncate", m.Kind())
	}
	if len(m.Tables) != 2 {
		t.Errorf("Tables = %v, want 2 entries", m.Tables)
	}
}

func TestReloadMarkerMessage(t *testing.T) {
	m := &ReloadMarkerMessage{
		Table:    TableID{Schema: "public", Name: "orders"},
		ExportID: "abc-123",
		Phase:    PhaseStart,
		MsgLSN:   pglogrepl.LSN(600),
		MsgTime:  time.Now(),
	}
	if m.Kind() != KindReloadMarker {
		t.Errorf("Kind() = %v, want KindReloadMarker", m.Kind())
	}
	if m.Phase != PhaseStart {
		t.Errorf("Phase = %v, want start", m.Phase)
	}
}
