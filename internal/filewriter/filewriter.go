// Package filewriter implements the File Writer: it turns a buffer
// snapshot into one or more compressed, atomically-published CSV files
// on the output directory tree, splitting at Relation boundaries when
// the column set changes mid-batch.
package filewriter

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/pgflux/pgflux/internal/buffer"
	"github.com/pgflux/pgflux/internal/config"
	"github.com/pgflux/pgflux/internal/walstream"
)

// metadata columns prepended to every emitted CSV, ahead of the
// source row's own columns.
var metadataColumns = []string{"_op", "_lsn", "_commit_time"}

// Run is a contiguous slice of a Snapshot's entries sharing one pinned
// column set. A schema change mid-batch (a new Relation message with a
// different column list) starts a new Run rather than mixing column
// sets inside a single CSV.
type Run struct {
	Columns []walstream.Column
	Entries []buffer.Entry
}

// splitRuns groups entries into column-set runs in arrival order. A
// Truncate entry does not itself force a split; it is represented as a
// row-less marker the caller handles separately from CSV rows.
func splitRuns(entries []buffer.Entry) []Run {
	var runs []Run
	var cur *Run
	for _, e := range entries {
		if e.Truncate {
			continue
		}
		if cur == nil || !sameColumns(cur.Columns, e.Columns) {
			runs = append(runs, Run{Columns: e.Columns})
			cur = &runs[len(runs)-1]
		}
		cur.Entries = append(cur.Entries, e)
	}
	return runs
}

func sameColumns(a, b []walstream.Column) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].DataType != b[i].DataType {
			return false
		}
	}
	return true
}

// level resolves the configured compression setting to a klauspost
// gzip level: "max" trades CPU for ratio (full reloads), anything else
// is "balanced" (streaming micro-batches, favoring write latency).
func level(cfg config.CompressionConfig) int {
	if cfg.Level == "max" {
		return gzip.BestCompression
	}
	return gzip.DefaultCompression
}

// Writer stages and atomically publishes batch output files under
// BaseDir, in a per-table directory tree.
type Writer struct {
	baseDir         string
	timestampFormat string
	compression     config.CompressionConfig
	emitOldImage    bool
	logger          zerolog.Logger
}

func New(cfg config.OutputConfig, logger zerolog.Logger) *Writer {
	return &Writer{
		baseDir:         cfg.BaseDir,
		timestampFormat: cfg.TimestampFormat,
		compression:     cfg.Compression,
		emitOldImage:    cfg.EmitOldImageOnUpdate,
		logger:          logger.With().Str("component", "filewriter").Logger(),
	}
}

// tableDir returns the directory a table's batch directories are written
// under: a single flat "<schema>.<table>" directory, so a BatchDirectory's
// own name is free to be just the batch timestamp.
func (w *Writer) tableDir(table walstream.TableID) string {
	return filepath.Join(w.baseDir, table.Schema+"."+table.Name)
}

// StagedFile is a committed CSV file plus the metadata the caller
// (Batch Controller) needs to register it.
type StagedFile struct {
	Path        string
	RowCount    int64
	ContentHash string
	MaxLSN      uint64
	HasDDL      bool
}

// WriteStreamingBatch stages one or more CSVs for a single table's
// micro-batch snapshot, splitting at column-set boundaries, as a single
// BatchDirectory: every file is written into a sibling ".tmp-<uuid>"
// staging directory first, then the whole directory is published with
// one os.Rename, so a reader (and Startup & Recovery) never observes a
// batch with only some of its files present. Returns one StagedFile per
// run plus a ddl.txt path if the snapshot carried captured DDL text.
func (w *Writer) WriteStreamingBatch(ctx context.Context, snap buffer.Snapshot, batchTime time.Time) ([]StagedFile, string, error) {
	tableDir := w.tableDir(snap.Table)
	if err := os.MkdirAll(tableDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create table directory %s: %w", tableDir, err)
	}

	ts := batchTime.UTC().Format(w.timestampFormat)
	batchName, err := reserveBatchDir(tableDir, ts)
	if err != nil {
		return nil, "", err
	}

	stagingDir := filepath.Join(tableDir, fmt.Sprintf(".tmp-%s", uuid.NewString()))
	if err := os.Mkdir(stagingDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create staging directory %s: %w", stagingDir, err)
	}
	// Any failure past this point must tear down the staging directory
	// rather than leave it for Startup & Recovery to clean up on the next
	// run; only a successful Rename hands ownership to the committed path.
	committed := false
	defer func() {
		if !committed {
			os.RemoveAll(stagingDir)
		}
	}()

	runs := splitRuns(snap.Entries)
	finalDir := filepath.Join(tableDir, batchName)

	var out []StagedFile
	for i, run := range runs {
		if len(run.Entries) == 0 {
			continue
		}
		name := "data.csv.gz"
		if len(runs) > 1 {
			name = fmt.Sprintf("part%d.csv.gz", i)
		}
		staged, err := w.writeCSVRun(ctx, stagingDir, finalDir, name, run)
		if err != nil {
			return nil, "", err
		}
		out = append(out, staged)
	}

	var ddlPath string
	if len(snap.DDL) > 0 {
		p, err := w.writeDDL(stagingDir, finalDir, snap.DDL)
		if err != nil {
			return nil, "", err
		}
		ddlPath = p
	}

	if err := os.Rename(stagingDir, finalDir); err != nil {
		return nil, "", fmt.Errorf("publish batch directory %s: %w", finalDir, err)
	}
	committed = true

	return out, ddlPath, nil
}

// reserveBatchDir returns a directory name under tableDir for batch
// timestamp ts, appending a monotonic "-1", "-2", ... suffix if ts is
// already taken (two batches flushed within the same timestamp
// resolution, or a previous run already claimed it).
func reserveBatchDir(tableDir, ts string) (string, error) {
	name := ts
	for i := 1; ; i++ {
		_, err := os.Stat(filepath.Join(tableDir, name))
		if os.IsNotExist(err) {
			return name, nil
		}
		if err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("stat candidate batch directory %s: %w", name, err)
		}
		name = fmt.Sprintf("%s-%d", ts, i)
	}
}

// writeCSVRun stages run's entries as one gzip-compressed CSV inside
// stagingDir, named as it will appear once finalDir is published.
func (w *Writer) writeCSVRun(_ context.Context, stagingDir, finalDir, name string, run Run) (StagedFile, error) {
	stagingPath := filepath.Join(stagingDir, name)

	f, err := os.OpenFile(stagingPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return StagedFile{}, fmt.Errorf("open staging file %s: %w", stagingPath, err)
	}

	hasher := sha256.New()
	gz, err := gzip.NewWriterLevel(io.MultiWriter(f, hasher), level(w.compression))
	if err != nil {
		f.Close()
		return StagedFile{}, fmt.Errorf("create gzip writer: %w", err)
	}

	cw := csv.NewWriter(gz)
	header := append(append([]string{}, metadataColumns...), columnNames(run.Columns)...)
	if err := cw.Write(header); err != nil {
		return w.abort(f, fmt.Errorf("write csv header: %w", err))
	}

	rowCount := int64(0)
	var maxLSN uint64
	for _, e := range run.Entries {
		if e.Change == nil {
			continue
		}
		rows, err := changeRows(e.Change, w.emitOldImage)
		if err != nil {
			return w.abort(f, err)
		}
		for _, row := range rows {
			if err := cw.Write(row); err != nil {
				return w.abort(f, fmt.Errorf("write csv row: %w", err))
			}
			rowCount++
		}
		if uint64(e.Change.MsgLSN) > maxLSN {
			maxLSN = uint64(e.Change.MsgLSN)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return w.abort(f, fmt.Errorf("flush csv: %w", err))
	}
	if err := gz.Close(); err != nil {
		return w.abort(f, fmt.Errorf("close gzip writer: %w", err))
	}
	if err := f.Sync(); err != nil {
		return w.abort(f, fmt.Errorf("sync staging file: %w", err))
	}
	if err := f.Close(); err != nil {
		return StagedFile{}, fmt.Errorf("close staging file: %w", err)
	}

	return StagedFile{
		Path:        filepath.Join(finalDir, name),
		RowCount:    rowCount,
		ContentHash: hex.EncodeToString(hasher.Sum(nil)),
		MaxLSN:      maxLSN,
	}, nil
}

func (w *Writer) abort(f *os.File, err error) (StagedFile, error) {
	f.Close()
	return StagedFile{}, err
}

func columnNames(cols []walstream.Column) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

// changeRows renders one ChangeMessage into CSV rows: one row normally,
// two for an UPDATE when the writer is configured to emit the pre-image.
func changeRows(c *walstream.ChangeMessage, emitOldImage bool) ([][]string, error) {
	lsn := strconv.FormatUint(uint64(c.MsgLSN), 10)
	commitTime := c.MsgTime.UTC().Format(time.RFC3339Nano)

	if c.Op == walstream.OpUpdate && emitOldImage && c.OldTuple != nil {
		oldRow, err := tupleRow("U", lsn, commitTime, c.OldTuple)
		if err != nil {
			return nil, err
		}
		newRow, err := tupleRow(c.Op.CSVCode(), lsn, commitTime, c.NewTuple)
		if err != nil {
			return nil, err
		}
		return [][]string{oldRow, newRow}, nil
	}

	tuple := c.NewTuple
	if tuple == nil {
		tuple = c.OldTuple
	}
	row, err := tupleRow(c.Op.CSVCode(), lsn, commitTime, tuple)
	if err != nil {
		return nil, err
	}
	return [][]string{row}, nil
}

func tupleRow(op, lsn, commitTime string, tuple *walstream.TupleData) ([]string, error) {
	if tuple == nil {
		return nil, fmt.Errorf("change message missing tuple data")
	}
	row := make([]string, 0, len(metadataColumns)+len(tuple.Columns))
	row = append(row, op, lsn, commitTime)
	for _, col := range tuple.Columns {
		if col.IsNull {
			row = append(row, "")
			continue
		}
		row = append(row, string(col.Value))
	}
	return row, nil
}

// writeDDL stages the captured DDL text for the batch as a plain-text
// file inside stagingDir, alongside the CSVs.
func (w *Writer) writeDDL(stagingDir, finalDir string, ddl []*walstream.DDLMessage) (string, error) {
	stagingPath := filepath.Join(stagingDir, "ddl.txt")

	f, err := os.Create(stagingPath)
	if err != nil {
		return "", fmt.Errorf("open ddl staging file: %w", err)
	}
	for _, d := range ddl {
		if _, err := fmt.Fprintf(f, "-- lsn=%s tag=%s\n%s\n\n", d.MsgLSN, d.CommandTag, d.CommandText); err != nil {
			f.Close()
			return "", fmt.Errorf("write ddl entry: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", fmt.Errorf("sync ddl staging file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return filepath.Join(finalDir, "ddl.txt"), nil
}

// FullReloadDir returns (and creates) the directory a full reload export
// for table should stage its output files under.
func (w *Writer) FullReloadDir(table walstream.TableID, exportID string) (string, error) {
	dir := filepath.Join(w.tableDir(table), "full_reload", exportID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create full reload directory %s: %w", dir, err)
	}
	return dir, nil
}

// StagingCSV is an in-progress gzip-compressed CSV file being written
// under the temp-name-then-rename protocol. Used by the Export Worker
// Pool to stream a full-table SELECT directly to compressed CSV without
// buffering the table in memory.
type StagingCSV struct {
	dir       string
	finalPath string
	tmpPath   string
	f         *os.File
	hasher    hash.Hash
	gz        *gzip.Writer
	cw        *csv.Writer
	rowCount  int64
}

// OpenFullReloadCSV opens a new staging CSV file named "full_reload.csv.gz"
// in dir, at maximum compression, and writes header as its first row.
func (w *Writer) OpenFullReloadCSV(dir string, header []string) (*StagingCSV, error) {
	finalPath := filepath.Join(dir, "full_reload.csv.gz")
	tmpPath := filepath.Join(dir, fmt.Sprintf(".tmp-%s-full_reload.csv.gz", uuid.NewString()))

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open staging file %s: %w", tmpPath, err)
	}

	hasher := sha256.New()
	gz, err := gzip.NewWriterLevel(io.MultiWriter(f, hasher), gzip.BestCompression)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("create gzip writer: %w", err)
	}

	sc := &StagingCSV{
		dir:       dir,
		finalPath: finalPath,
		tmpPath:   tmpPath,
		f:         f,
		hasher:    hasher,
		gz:        gz,
		cw:        csv.NewWriter(gz),
	}
	if err := sc.cw.Write(header); err != nil {
		sc.Abort()
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	return sc, nil
}

// WriteRow writes one data row.
func (s *StagingCSV) WriteRow(row []string) error {
	if err := s.cw.Write(row); err != nil {
		return fmt.Errorf("write csv row: %w", err)
	}
	s.rowCount++
	return nil
}

// Abort discards the staging file without publishing it.
func (s *StagingCSV) Abort() {
	s.f.Close()
	os.Remove(s.tmpPath)
}

// Commit flushes, syncs and atomically publishes the staging file,
// returning its final path, row count and content hash.
func (s *StagingCSV) Commit() (StagedFile, error) {
	s.cw.Flush()
	if err := s.cw.Error(); err != nil {
		s.Abort()
		return StagedFile{}, fmt.Errorf("flush csv: %w", err)
	}
	if err := s.gz.Close(); err != nil {
		s.Abort()
		return StagedFile{}, fmt.Errorf("close gzip writer: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		s.Abort()
		return StagedFile{}, fmt.Errorf("sync staging file: %w", err)
	}
	if err := s.f.Close(); err != nil {
		os.Remove(s.tmpPath)
		return StagedFile{}, fmt.Errorf("close staging file: %w", err)
	}
	if err := os.Rename(s.tmpPath, s.finalPath); err != nil {
		os.Remove(s.tmpPath)
		return StagedFile{}, fmt.Errorf("publish %s: %w", s.finalPath, err)
	}
	return StagedFile{
		Path:        s.finalPath,
		RowCount:    s.rowCount,
		ContentHash: hex.EncodeToString(s.hasher.Sum(nil)),
	}, nil
}

// SchemaDescriptor is the YAML sidecar written next to a full reload
// export, describing the column set a downstream loader should expect.
type SchemaDescriptor struct {
	Table   string            `yaml:"table"`
	Columns []SchemaColumnSpec `yaml:"columns"`
}

// SchemaColumnSpec describes one column in a SchemaDescriptor.
type SchemaColumnSpec struct {
	Name     string `yaml:"name"`
	DataType uint32 `yaml:"data_type_oid"`
}

// WriteFullReloadSchema stages schema.yml for a full reload export's
// output directory.
func (w *Writer) WriteFullReloadSchema(dir string, table walstream.TableID, cols []walstream.Column) error {
	desc := SchemaDescriptor{Table: table.String()}
	for _, c := range cols {
		desc.Columns = append(desc.Columns, SchemaColumnSpec{Name: c.Name, DataType: c.DataType})
	}
	b, err := yaml.Marshal(desc)
	if err != nil {
		return fmt.Errorf("marshal schema descriptor: %w", err)
	}

	finalPath := filepath.Join(dir, "schema.yml")
	tmpPath := filepath.Join(dir, fmt.Sprintf(".tmp-%s-schema.yml", uuid.NewString()))
	if err := os.WriteFile(tmpPath, b, 0o644); err != nil {
		return fmt.Errorf("write schema staging file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("publish schema.yml: %w", err)
	}
	return nil
}
