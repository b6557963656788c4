package walstream

import (
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
)

func TestParseReloadMarker(t *testing.T) {
	ddl := &DDLMessage{
		Table:       TableID{Schema: "public", Name: "orders"},
		CommandTag:  "COMMENT",
		CommandText: `COMMENT ON TABLE public.orders IS 'pgflux:reload:{"export_id":"abc-123","action":"EXPORT_START"}'`,
		MsgLSN:      pglogrepl.LSN(100),
		MsgTime:     time.Now(),
	}

	marker, ok := parseReloadMarker(ddl, "pgflux:reload:")
	if !ok {
		t.Fatal("expected marker to parse")
	}
	if marker.ExportID != "abc-123" {
		t.Errorf("ExportID = %q, want abc-123", marker.ExportID)
	}
	if marker.Phase != PhaseStart {
		t.Errorf("Phase = %q, want start", marker.Phase)
	}
	if marker.Table != ddl.Table {
		t.Errorf("Table = %v, want %v", marker.Table, ddl.Table)
	}
}

func TestParseReloadMarker_EndPhase(t *testing.T) {
	ddl := &DDLMessage{
		CommandText: `COMMENT ON TABLE public.orders IS 'pgflux:reload:{"export_id":"abc-123","action":"EXPORT_END"}'`,
	}
	marker, ok := parseReloadMarker(ddl, "pgflux:reload:")
	if !ok || marker.Phase != PhaseEnd {
		t.Fatalf("expected end phase marker, got %v, ok=%v", marker, ok)
	}
}

func TestParseReloadMarker_NotAMarker(t *testing.T) {
	ddl := &DDLMessage{CommandText: "ALTER TABLE public.orders ADD COLUMN foo text"}
	if _, ok := parseReloadMarker(ddl, "pgflux:reload:"); ok {
		t.Error("expected non-marker DDL to not parse")
	}
}

func TestParseReloadMarker_MalformedJSON(t *testing.T) {
	ddl := &DDLMessage{CommandText: `COMMENT ON TABLE public.orders IS 'pgflux:reload:{not json'`}
	if _, ok := parseReloadMarker(ddl, "pgflux:reload:"); ok {
		t.Error("expected malformed marker body to fail parsing")
	}
}

func TestParseReloadMarker_UnknownPhase(t *testing.T) {
	ddl := &DDLMessage{CommandText: `COMMENT ON TABLE public.orders IS 'pgflux:reload:{"export_id":"x","action":"bogus"}'`}
	if _, ok := parseReloadMarker(ddl, "pgflux:reload:"); ok {
		t.Error("expected unknown phase to fail parsing")
	}
}

func TestDecodeTuple_NullColumn(t *testing.T) {
	tuple := &pglogrepl.TupleData{
		Columns: []*pglogrepl.TupleDataColumn{
			{DataType: 'n'},
			{DataType: 't', Data: []byte("hello")},
		},
	}
	cols := []Column{{Name: "a"}, {Name: "b"}}
	td := decodeTuple(tuple, cols)
	if !td.Columns[0].IsNull {
		t.Error("expected first column to be null")
	}
	if td.Columns[1].IsNull {
		t.Error("expected second column to be non-null")
	}
	if string(td.Columns[1].Value) != "hello" {
		t.Errorf("Value = %q, want hello", td.Columns[1].Value)
	}
}

func TestDecodeTuple_Nil(t *testing.T) {
	if decodeTuple(nil, nil) != nil {
		t.Error("expected nil tuple to decode to nil")
	}
}
