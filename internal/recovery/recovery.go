// Package recovery implements Startup & Recovery: on process start, it
// decides between a fresh initialization (no replication slot exists
// yet) and a resume from a surviving slot, and reconciles the filesystem
// against the registry, cleaning up any partially staged files a prior
// crash left behind. The resume position comes from the slot alone (the
// greater of its restart and confirmed LSNs); the registry's per-table
// last_streaming_lsn values are not consulted.
package recovery

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/pgflux/pgflux/internal/cdcerr"
	"github.com/pgflux/pgflux/internal/registry"
	"github.com/pgflux/pgflux/internal/walstream"
)

// SlotInfo mirrors the relevant columns of pg_replication_slots.
type SlotInfo struct {
	SlotName     string
	Active       bool
	RestartLSN   pglogrepl.LSN
	ConfirmedLSN pglogrepl.LSN
}

// Plan is the decision Recover produces: where to start streaming from,
// and whether this is a fresh initialization.
type Plan struct {
	Fresh    bool
	StartLSN pglogrepl.LSN
}

// Recoverer inspects the source database's replication slot and the
// registry to decide how the process should start up.
type Recoverer struct {
	pool     *pgxpool.Pool
	registry *registry.Registry
	baseDir  string
	slotName string
	logger   zerolog.Logger
}

func New(pool *pgxpool.Pool, reg *registry.Registry, baseDir, slotName string, logger zerolog.Logger) *Recoverer {
	return &Recoverer{pool: pool, registry: reg, baseDir: baseDir, slotName: slotName, logger: logger.With().Str("component", "recovery").Logger()}
}

// CheckSlot looks up the named replication slot, returning nil (not an
// error) if it does not exist — the fresh-initialization case.
func (r *Recoverer) CheckSlot(ctx context.Context) (*SlotInfo, error) {
	var slotName string
	var confirmedFlush, restart *string
	var active bool

	err := r.pool.QueryRow(ctx, `
		SELECT slot_name, confirmed_flush_lsn::text, restart_lsn::text, active
		FROM pg_replication_slots
		WHERE slot_name = $1`, r.slotName).Scan(&slotName, &confirmedFlush, &restart, &active)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, cdcerr.Wrap(cdcerr.Io, fmt.Errorf("check replication slot %q: %w", r.slotName, err))
	}

	info := &SlotInfo{SlotName: slotName, Active: active}
	if confirmedFlush != nil {
		lsn, err := pglogrepl.ParseLSN(*confirmedFlush)
		if err != nil {
			return nil, cdcerr.Wrap(cdcerr.Decode, fmt.Errorf("parse confirmed_flush_lsn: %w", err))
		}
		info.ConfirmedLSN = lsn
	}
	if restart != nil {
		lsn, err := pglogrepl.ParseLSN(*restart)
		if err != nil {
			return nil, cdcerr.Wrap(cdcerr.Decode, fmt.Errorf("parse restart_lsn: %w", err))
		}
		info.RestartLSN = lsn
	}
	return info, nil
}

// Plan decides between fresh initialization and resume. A slot that
// exists but is reported Active means another process is already
// streaming from it — that is a fatal condition the caller must abort
// on, not something recovery can reconcile.
func (r *Recoverer) Plan(ctx context.Context) (Plan, error) {
	slot, err := r.CheckSlot(ctx)
	if err != nil {
		return Plan{}, err
	}
	if slot == nil {
		r.logger.Info().Msg("no replication slot found, starting fresh")
		return Plan{Fresh: true}, nil
	}
	if slot.Active {
		return Plan{}, cdcerr.Wrap(cdcerr.Fatal, fmt.Errorf("replication slot %q is active: another process is using it", slot.SlotName))
	}

	startLSN := slot.RestartLSN
	if slot.ConfirmedLSN > startLSN {
		startLSN = slot.ConfirmedLSN
	}
	r.logger.Info().
		Stringer("restart_lsn", slot.RestartLSN).
		Stringer("confirmed_lsn", slot.ConfirmedLSN).
		Stringer("start_lsn", startLSN).
		Msg("replication slot found, resuming")
	return Plan{Fresh: false, StartLSN: startLSN}, nil
}

// ReconcileFilesystem walks the output tree, removes any orphaned
// ".tmp-*" staging entries left behind by a process that crashed
// mid-write (the atomic rename protocol guarantees these were never
// registered, so they are safe to delete outright), then reconciles any
// committed BatchDirectory or full-reload export directory that has no
// matching FileRecord.
func (r *Recoverer) ReconcileFilesystem(ctx context.Context) error {
	removed, err := r.removeOrphanedStaging()
	if err != nil {
		return err
	}
	if removed > 0 {
		r.logger.Info().Int("removed", removed).Msg("removed orphaned staging entries from a previous run")
	}

	return r.reconcileOrphans(ctx)
}

// removeOrphanedStaging deletes every ".tmp-*" file or directory under
// baseDir. A staging directory is skipped rather than descended into,
// since it is removed whole.
func (r *Recoverer) removeOrphanedStaging() (int, error) {
	var removed int
	err := filepath.WalkDir(r.baseDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if path == r.baseDir {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".tmp-") {
			if rmErr := os.RemoveAll(path); rmErr != nil {
				return rmErr
			}
			removed++
			if d.IsDir() {
				return filepath.SkipDir
			}
		}
		return nil
	})
	if err != nil {
		return removed, cdcerr.Wrap(cdcerr.Io, fmt.Errorf("reconcile output directory %s: %w", r.baseDir, err))
	}
	return removed, nil
}

// reconcileOrphans walks each "<schema>.<table>" directory under baseDir
// and reconciles every BatchDirectory and full-reload export directory
// it contains against the registry: a committed directory the registry
// has no record of is either recovered (streaming batches, whose CSV
// rows are self-describing) or removed (full-reload exports, whose rows
// carry no _lsn and so cannot be reconstructed).
func (r *Recoverer) reconcileOrphans(ctx context.Context) error {
	tableDirs, err := os.ReadDir(r.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return cdcerr.Wrap(cdcerr.Io, fmt.Errorf("read output directory %s: %w", r.baseDir, err))
	}

	for _, td := range tableDirs {
		if !td.IsDir() {
			continue
		}
		table, ok := parseTableDirName(td.Name())
		if !ok {
			continue
		}
		tableDirPath := filepath.Join(r.baseDir, td.Name())
		entries, err := os.ReadDir(tableDirPath)
		if err != nil {
			return cdcerr.Wrap(cdcerr.Io, fmt.Errorf("read table directory %s: %w", tableDirPath, err))
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			entryPath := filepath.Join(tableDirPath, e.Name())
			if e.Name() == "full_reload" {
				exportDirs, err := os.ReadDir(entryPath)
				if err != nil {
					return cdcerr.Wrap(cdcerr.Io, fmt.Errorf("read full reload directory %s: %w", entryPath, err))
				}
				for _, ed := range exportDirs {
					if !ed.IsDir() {
						continue
					}
					if err := r.reconcileFullReloadDir(ctx, filepath.Join(entryPath, ed.Name())); err != nil {
						return cdcerr.Wrap(cdcerr.Io, err)
					}
				}
				continue
			}
			if err := r.reconcileStreamingBatchDir(ctx, table, entryPath); err != nil {
				return cdcerr.Wrap(cdcerr.Io, err)
			}
		}
	}
	return nil
}

// reconcileFullReloadDir removes dirPath if the registry has no
// FileRecord under it: a full reload's CSV rows carry no _lsn, so an
// orphan here can only be discarded, never reconstructed.
func (r *Recoverer) reconcileFullReloadDir(ctx context.Context, dirPath string) error {
	known, err := r.registry.HasFilesUnderPrefix(ctx, dirPath+string(os.PathSeparator))
	if err != nil {
		return err
	}
	if known {
		return nil
	}
	if err := os.RemoveAll(dirPath); err != nil {
		return fmt.Errorf("remove orphaned full reload export %s: %w", dirPath, err)
	}
	r.logger.Warn().Str("path", dirPath).Msg("removed orphaned full reload export with no matching registry record")
	return nil
}

// reconcileStreamingBatchDir registers any CSV file in dirPath the
// registry does not already know about, reconstructing its row count,
// max LSN and content hash from the file itself: the streaming CSV
// format carries an _lsn column on every row, so a committed
// BatchDirectory is fully self-describing even if the process crashed
// between the commit rename and the Register call.
func (r *Recoverer) reconcileStreamingBatchDir(ctx context.Context, table walstream.TableID, dirPath string) error {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return fmt.Errorf("read batch directory %s: %w", dirPath, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".csv.gz") {
			continue
		}
		path := filepath.Join(dirPath, e.Name())
		known, err := r.registry.HasFileForPath(ctx, path)
		if err != nil {
			return err
		}
		if known {
			continue
		}

		rowCount, maxLSN, hash, err := recoverFileRecord(path)
		if err != nil {
			return fmt.Errorf("recover file record for %s: %w", path, err)
		}
		batchTime := time.Now()
		if info, statErr := os.Stat(path); statErr == nil {
			batchTime = info.ModTime()
		}

		if err := r.registry.Register(ctx, registry.FileRecord{
			Table:          table,
			BatchTimestamp: batchTime,
			FilePath:       path,
			FileType:       registry.FileStreaming,
			EndLSN:         maxLSN,
			RowCount:       rowCount,
			ContentHash:    hash,
		}); err != nil {
			return err
		}
		r.logger.Warn().
			Stringer("table", tableStringer(table)).
			Str("path", path).
			Msg("recovered orphaned streaming batch file into the registry")
	}
	return nil
}

// recoverFileRecord reconstructs a streaming batch CSV's row count, max
// LSN and content hash purely from the committed file: the content hash
// covers the compressed bytes exactly as writeCSVRun computed it, and
// the _lsn column makes row count and max LSN recoverable without any
// registry bookkeeping.
func recoverFileRecord(path string) (int64, pglogrepl.LSN, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, "", fmt.Errorf("read %s: %w", path, err)
	}
	hash := sha256.Sum256(data)

	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return 0, 0, "", fmt.Errorf("open gzip reader for %s: %w", path, err)
	}
	defer gz.Close()

	cr := csv.NewReader(gz)
	header, err := cr.Read()
	if err != nil {
		return 0, 0, "", fmt.Errorf("read csv header in %s: %w", path, err)
	}
	lsnCol := -1
	for i, h := range header {
		if h == "_lsn" {
			lsnCol = i
			break
		}
	}
	if lsnCol < 0 {
		return 0, 0, "", fmt.Errorf("no _lsn column in %s", path)
	}

	var rowCount int64
	var maxLSN pglogrepl.LSN
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, 0, "", fmt.Errorf("read csv row in %s: %w", path, err)
		}
		rowCount++
		if lsnCol < len(row) && row[lsnCol] != "" {
			if v, perr := strconv.ParseUint(row[lsnCol], 10, 64); perr == nil && pglogrepl.LSN(v) > maxLSN {
				maxLSN = pglogrepl.LSN(v)
			}
		}
	}
	return rowCount, maxLSN, hex.EncodeToString(hash[:]), nil
}

// parseTableDirName splits a "<schema>.<table>" directory name back into
// its TableID, splitting on the first '.'.
func parseTableDirName(name string) (walstream.TableID, bool) {
	idx := strings.Index(name, ".")
	if idx < 0 {
		return walstream.TableID{}, false
	}
	return walstream.TableID{Schema: name[:idx], Name: name[idx+1:]}, true
}

// PendingReloadRetries returns every Active ReloadOperation left over
// from a previous crash. Its EXPORT_START marker already round-tripped
// and is durable in reload_operations, so the caller can safely
// re-dispatch the export from the same start_marker_lsn rather than
// abandon the reload outright.
func (r *Recoverer) PendingReloadRetries(ctx context.Context) ([]registry.ReloadOperation, error) {
	return r.registry.ListActiveReloadOperations(ctx)
}

// AbandonReload marks exportID Failed and returns table to Streaming
// mode, used when a retried reload fails again.
func (r *Recoverer) AbandonReload(ctx context.Context, table walstream.TableID, exportID string) error {
	if err := r.registry.FailedReload(ctx, exportID); err != nil {
		return err
	}
	return r.registry.ResetToStreaming(ctx, table)
}

type tableStringer walstream.TableID

func (t tableStringer) String() string { return walstream.TableID(t).String() }
