// Package export implements the Export Worker Pool: a bounded-concurrency
// pool that performs repeatable-read snapshot exports of whole tables,
// smallest table first, streaming each directly to a compressed
// full-reload CSV file without buffering the table in memory.
package export

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/pgflux/pgflux/internal/cdcerr"
	"github.com/pgflux/pgflux/internal/filewriter"
	"github.com/pgflux/pgflux/internal/registry"
	"github.com/pgflux/pgflux/internal/walstream"
)

// TableInfo describes a table eligible for export, with the statistics
// used for smallest-first scheduling.
type TableInfo struct {
	Table     walstream.TableID
	RowCount  int64
	SizeBytes int64
}

// Job requests a full-table export for Table under ExportID. The export
// reads the table in its own repeatable-read transaction.
type Job struct {
	Table    walstream.TableID
	ExportID string
}

// Result is the outcome of one Job.
type Result struct {
	Job          Job
	RowsExported int64
	File         filewriter.StagedFile
	Err          error
}

// Pool performs bounded-concurrency snapshot exports against the source
// database.
type Pool struct {
	source  *pgxpool.Pool
	writer  *filewriter.Writer
	workers int
	logger  zerolog.Logger
}

func New(source *pgxpool.Pool, writer *filewriter.Writer, workers int, logger zerolog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{source: source, writer: writer, workers: workers, logger: logger.With().Str("component", "export").Logger()}
}

// ListTables returns all user tables on the source eligible for export,
// along with the statistics used to schedule smallest-first.
func (p *Pool) ListTables(ctx context.Context) ([]TableInfo, error) {
	rows, err := p.source.Query(ctx, `
		SELECT s.schemaname, s.relname,
			GREATEST(COALESCE(s.n_live_tup, 0), COALESCE(c.reltuples::bigint, 0)),
			COALESCE(pg_table_size(quote_ident(s.schemaname) || '.' || quote_ident(s.relname)), 0)
		FROM pg_stat_user_tables s
		JOIN pg_class c ON c.relname = s.relname
			AND c.relnamespace = (SELECT oid FROM pg_namespace WHERE nspname = s.schemaname)
		ORDER BY pg_table_size(quote_ident(s.schemaname) || '.' || quote_ident(s.relname)) ASC`)
	if err != nil {
		return nil, cdcerr.Wrap(cdcerr.Io, fmt.Errorf("list exportable tables: %w", err))
	}
	defer rows.Close()

	var tables []TableInfo
	for rows.Next() {
		var t TableInfo
		if err := rows.Scan(&t.Table.Schema, &t.Table.Name, &t.RowCount, &t.SizeBytes); err != nil {
			return nil, cdcerr.Wrap(cdcerr.Io, fmt.Errorf("scan table info: %w", err))
		}
		tables = append(tables, t)
	}
	return tables, cdcerr.Wrap(cdcerr.Io, rows.Err())
}

// ColumnInfo describes one column of a table being exported.
type ColumnInfo struct {
	Name     string
	DataType uint32
}

// TableColumns introspects a table's current column list and OIDs.
func (p *Pool) TableColumns(ctx context.Context, table walstream.TableID) ([]ColumnInfo, error) {
	rows, err := p.source.Query(ctx, `
		SELECT a.attname, a.atttypid
		FROM pg_attribute a
		JOIN pg_class c ON c.oid = a.attrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND c.relname = $2 AND a.attnum > 0 AND NOT a.attisdropped
		ORDER BY a.attnum`, table.Schema, table.Name)
	if err != nil {
		return nil, cdcerr.Wrap(cdcerr.Io, fmt.Errorf("introspect columns for %s: %w", table, err))
	}
	defer rows.Close()

	var cols []ColumnInfo
	for rows.Next() {
		var c ColumnInfo
		if err := rows.Scan(&c.Name, &c.DataType); err != nil {
			return nil, cdcerr.Wrap(cdcerr.Io, err)
		}
		cols = append(cols, c)
	}
	return cols, cdcerr.Wrap(cdcerr.Io, rows.Err())
}

// scheduleBySize returns jobs reordered smallest-table-first according
// to sizeOf, stable on ties so equally-sized tables keep their input order.
func scheduleBySize(jobs []Job, sizeOf func(walstream.TableID) int64) []Job {
	ordered := append([]Job{}, jobs...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return sizeOf(ordered[i].Table) < sizeOf(ordered[j].Table)
	})
	return ordered
}

// RunExports schedules jobs smallest-table-first across the pool's
// worker budget and runs them concurrently, returning one Result per job.
func (p *Pool) RunExports(ctx context.Context, jobs []Job, sizeOf func(walstream.TableID) int64) []Result {
	ordered := scheduleBySize(jobs, sizeOf)

	work := make(chan Job, len(ordered))
	for _, j := range ordered {
		work <- j
	}
	close(work)

	results := make([]Result, 0, len(ordered))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for job := range work {
				res := p.exportTable(ctx, job, workerID)
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	return results
}

func (p *Pool) exportTable(ctx context.Context, job Job, workerID int) Result {
	log := p.logger.With().Stringer("table", tableStringer(job.Table)).Int("worker", workerID).Str("export_id", job.ExportID).Logger()
	log.Info().Msg("starting full reload export")

	cols, err := p.TableColumns(ctx, job.Table)
	if err != nil {
		return Result{Job: job, Err: err}
	}

	dir, err := p.writer.FullReloadDir(job.Table, job.ExportID)
	if err != nil {
		return Result{Job: job, Err: cdcerr.Wrap(cdcerr.Io, err)}
	}

	conn, err := p.source.Acquire(ctx)
	if err != nil {
		return Result{Job: job, Err: cdcerr.Wrap(cdcerr.SnapshotUnavailable, fmt.Errorf("acquire connection: %w", err))}
	}
	defer conn.Release()

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return Result{Job: job, Err: cdcerr.Wrap(cdcerr.SnapshotUnavailable, fmt.Errorf("begin repeatable read tx: %w", err))}
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	qn := quoteQualifiedName(job.Table.Schema, job.Table.Name)
	colList := make([]string, len(cols))
	for i, c := range cols {
		colList[i] = quoteIdent(c.Name)
	}
	rows, err := tx.Query(ctx, fmt.Sprintf("SELECT %s FROM %s", joinCols(colList), qn))
	if err != nil {
		return Result{Job: job, Err: cdcerr.Wrap(cdcerr.SnapshotUnavailable, fmt.Errorf("select from %s: %w", qn, err))}
	}
	defer rows.Close()

	header := make([]string, 0, 3+len(cols))
	header = append(header, "_op", "_lsn", "_commit_time")
	for _, c := range cols {
		header = append(header, c.Name)
	}

	staging, err := p.writer.OpenFullReloadCSV(dir, header)
	if err != nil {
		return Result{Job: job, Err: cdcerr.Wrap(cdcerr.Io, err)}
	}

	exportedAt := time.Now().UTC().Format(time.RFC3339Nano)
	var rowCount int64
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			staging.Abort()
			return Result{Job: job, Err: cdcerr.Wrap(cdcerr.Io, err)}
		}
		row := make([]string, 0, len(header))
		row = append(row, "I", "", exportedAt)
		for _, v := range vals {
			row = append(row, formatValue(v))
		}
		if err := staging.WriteRow(row); err != nil {
			staging.Abort()
			return Result{Job: job, Err: cdcerr.Wrap(cdcerr.Io, err)}
		}
		rowCount++
	}
	if err := rows.Err(); err != nil {
		staging.Abort()
		return Result{Job: job, Err: cdcerr.Wrap(cdcerr.Io, fmt.Errorf("read rows from %s: %w", qn, err))}
	}

	file, err := staging.Commit()
	if err != nil {
		return Result{Job: job, Err: cdcerr.Wrap(cdcerr.Io, err)}
	}
	file.RowCount = rowCount

	var walCols []walstream.Column
	for _, c := range cols {
		walCols = append(walCols, walstream.Column{Name: c.Name, DataType: c.DataType})
	}
	if err := p.writer.WriteFullReloadSchema(dir, job.Table, walCols); err != nil {
		return Result{Job: job, Err: cdcerr.Wrap(cdcerr.Io, err)}
	}

	log.Info().Int64("rows", rowCount).Msg("full reload export complete")
	return Result{Job: job, RowsExported: rowCount, File: file}
}

// RegisterFullReload records a completed export's file in the registry
// as a FileFullReload record anchored to endLSN, the LSN at which the
// Reload Coordinator confirmed the EXPORT_END marker.
func RegisterFullReload(ctx context.Context, reg *registry.Registry, job Job, file filewriter.StagedFile, endLSN pglogrepl.LSN) error {
	return reg.Register(ctx, registry.FileRecord{
		Table:          job.Table,
		BatchTimestamp: time.Now(),
		FilePath:       file.Path,
		FileType:       registry.FileFullReload,
		EndLSN:         endLSN,
		RowCount:       file.RowCount,
		ContentHash:    file.ContentHash,
	})
}

func formatValue(v any) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case []byte:
		return string(t)
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}

func joinCols(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}

func quoteIdent(s string) string {
	return `"` + s + `"`
}

func quoteQualifiedName(schema, name string) string {
	return quoteIdent(schema) + "." + quoteIdent(name)
}

type tableStringer walstream.TableID

func (t tableStringer) String() string { return walstream.TableID(t).String() }
