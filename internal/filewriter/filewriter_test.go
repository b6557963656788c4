package filewriter

import (
	"compress/gzip"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pgflux/pgflux/internal/buffer"
	"github.com/pgflux/pgflux/internal/config"
	"github.com/pgflux/pgflux/internal/walstream"
)

func testTable() walstream.TableID {
	return walstream.TableID{Schema: "public", Name: "orders"}
}

func TestSplitRuns_SameSchemaStaysOneRun(t *testing.T) {
	cols := []walstream.Column{{Name: "id"}, {Name: "name"}}
	entries := []buffer.Entry{
		{Columns: cols, Change: &walstream.ChangeMessage{Op: walstream.OpInsert}},
		{Columns: cols, Change: &walstream.ChangeMessage{Op: walstream.OpInsert}},
	}
	runs := splitRuns(entries)
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	if len(runs[0].Entries) != 2 {
		t.Fatalf("entries in run = %d, want 2", len(runs[0].Entries))
	}
}

func TestSplitRuns_SchemaDriftForcesSplit(t *testing.T) {
	colsA := []walstream.Column{{Name: "id"}, {Name: "name"}}
	colsB := []walstream.Column{{Name: "id"}, {Name: "name"}, {Name: "extra"}}
	entries := []buffer.Entry{
		{Columns: colsA, Change: &walstream.ChangeMessage{Op: walstream.OpInsert}},
		{Columns: colsB, Change: &walstream.ChangeMessage{Op: walstream.OpInsert}},
	}
	runs := splitRuns(entries)
	if len(runs) != 2 {
		t.Fatalf("runs = %d, want 2 (schema drift must force a split)", len(runs))
	}
}

func TestSplitRuns_TruncateEntrySkipped(t *testing.T) {
	cols := []walstream.Column{{Name: "id"}}
	entries := []buffer.Entry{
		{Columns: cols, Change: &walstream.ChangeMessage{Op: walstream.OpInsert}},
		{Truncate: true},
		{Columns: cols, Change: &walstream.ChangeMessage{Op: walstream.OpInsert}},
	}
	runs := splitRuns(entries)
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1 (truncate shouldn't force a schema split)", len(runs))
	}
	if len(runs[0].Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(runs[0].Entries))
	}
}

func TestWriteStreamingBatch_WritesCompressedCSV(t *testing.T) {
	dir := t.TempDir()
	cfg := config.OutputConfig{
		BaseDir:         dir,
		TimestampFormat: "2006-01-02T15-04-05",
		Compression:     config.CompressionConfig{Level: "balanced"},
	}
	w := New(cfg, zerolog.Nop())

	cols := []walstream.Column{{Name: "id"}, {Name: "name"}}
	snap := buffer.Snapshot{
		Table: testTable(),
		Entries: []buffer.Entry{
			{Columns: cols, Change: &walstream.ChangeMessage{
				Op: walstream.OpInsert, Table: testTable(), MsgTime: time.Now(),
				NewTuple: &walstream.TupleData{Columns: []walstream.Column{
					{Name: "id", Value: []byte("1")},
					{Name: "name", Value: []byte("alice")},
				}},
			}},
		},
	}

	files, ddlPath, err := w.WriteStreamingBatch(context.Background(), snap, time.Now())
	if err != nil {
		t.Fatalf("WriteStreamingBatch: %v", err)
	}
	if ddlPath != "" {
		t.Errorf("expected no ddl file, got %q", ddlPath)
	}
	if len(files) != 1 {
		t.Fatalf("files = %d, want 1", len(files))
	}
	if files[0].RowCount != 1 {
		t.Errorf("RowCount = %d, want 1", files[0].RowCount)
	}
	if files[0].ContentHash == "" {
		t.Error("expected non-empty content hash")
	}

	if _, err := os.Stat(files[0].Path); err != nil {
		t.Fatalf("expected published file to exist: %v", err)
	}

	entries, _ := os.ReadDir(filepath.Dir(files[0].Path))
	for _, e := range entries {
		if e.Name()[0] == '.' {
			t.Errorf("staging file left behind: %s", e.Name())
		}
	}

	f, err := os.Open(files[0].Path)
	if err != nil {
		t.Fatalf("open output file: %v", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	r := csv.NewReader(gz)
	header, err := r.Read()
	if err != nil {
		t.Fatalf("read csv header: %v", err)
	}
	wantHeader := []string{"_op", "_lsn", "_commit_time", "id", "name"}
	if len(header) != len(wantHeader) {
		t.Fatalf("header = %v, want %v", header, wantHeader)
	}
	row, err := r.Read()
	if err != nil {
		t.Fatalf("read csv row: %v", err)
	}
	if row[0] != "I" || row[3] != "1" || row[4] != "alice" {
		t.Errorf("unexpected row: %v", row)
	}
}

func TestWriteStreamingBatch_SplitsFilesOnSchemaDrift(t *testing.T) {
	dir := t.TempDir()
	cfg := config.OutputConfig{
		BaseDir:         dir,
		TimestampFormat: "2006-01-02T15-04-05",
		Compression:     config.CompressionConfig{Level: "balanced"},
	}
	w := New(cfg, zerolog.Nop())

	colsA := []walstream.Column{{Name: "id"}}
	colsB := []walstream.Column{{Name: "id"}, {Name: "extra"}}
	snap := buffer.Snapshot{
		Table: testTable(),
		Entries: []buffer.Entry{
			{Columns: colsA, Change: &walstream.ChangeMessage{
				Op: walstream.OpInsert, Table: testTable(), MsgTime: time.Now(),
				NewTuple: &walstream.TupleData{Columns: []walstream.Column{{Name: "id", Value: []byte("1")}}},
			}},
			{Columns: colsB, Change: &walstream.ChangeMessage{
				Op: walstream.OpInsert, Table: testTable(), MsgTime: time.Now(),
				NewTuple: &walstream.TupleData{Columns: []walstream.Column{
					{Name: "id", Value: []byte("2")}, {Name: "extra", Value: []byte("x")},
				}},
			}},
		},
	}

	files, _, err := w.WriteStreamingBatch(context.Background(), snap, time.Now())
	if err != nil {
		t.Fatalf("WriteStreamingBatch: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("files = %d, want 2 (one per schema run)", len(files))
	}
}

func TestWriteFullReloadSchema(t *testing.T) {
	dir := t.TempDir()
	w := New(config.OutputConfig{BaseDir: dir, TimestampFormat: "2006-01-02T15-04-05"}, zerolog.Nop())
	cols := []walstream.Column{{Name: "id", DataType: 23}, {Name: "name", DataType: 25}}
	if err := w.WriteFullReloadSchema(dir, testTable(), cols); err != nil {
		t.Fatalf("WriteFullReloadSchema: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "schema.yml")); err != nil {
		t.Fatalf("expected schema.yml to exist: %v", err)
	}
}
