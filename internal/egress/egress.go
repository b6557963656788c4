// Package egress wires the Replication Client, Batch Controller, Reload
// Coordinator, Export Worker Pool, Registry and Startup/Recovery into a
// single running service: the SPEC_FULL analogue of the teacher's
// internal/migration/pipeline.Pipeline.
package egress

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/pgflux/pgflux/internal/batch"
	"github.com/pgflux/pgflux/internal/buffer"
	"github.com/pgflux/pgflux/internal/cdcerr"
	"github.com/pgflux/pgflux/internal/config"
	"github.com/pgflux/pgflux/internal/export"
	"github.com/pgflux/pgflux/internal/filewriter"
	"github.com/pgflux/pgflux/internal/metrics"
	"github.com/pgflux/pgflux/internal/recovery"
	"github.com/pgflux/pgflux/internal/registry"
	"github.com/pgflux/pgflux/internal/reload"
	"github.com/pgflux/pgflux/internal/walstream"
)

const lagSampleInterval = 10 * time.Second

const reloadMarkerTimeout = 2 * time.Minute

// Service owns every component of the egress pipeline for the lifetime
// of one process.
type Service struct {
	cfg    config.Config
	logger zerolog.Logger

	srcPool  *pgxpool.Pool
	replConn *pgconn.PgConn

	registry   *registry.Registry
	recoverer  *recovery.Recoverer
	reloadCoor *reload.Coordinator
	exportPool *export.Pool
	batchCtl   *batch.Controller
	buffers    *buffer.Registry
	writer     *filewriter.Writer
	decoder    *walstream.Decoder
	metrics    *metrics.Collector

	ddlHistory walstream.TableID
}

// New builds a Service from cfg. No connections are made until Run or
// ConnectForMaintenance is called.
func New(cfg config.Config, logger zerolog.Logger) *Service {
	return &Service{
		cfg:        cfg,
		logger:     logger.With().Str("component", "egress").Logger(),
		buffers:    buffer.NewRegistry(),
		writer:     filewriter.New(cfg.Output, logger),
		metrics:    metrics.NewCollector(logger),
		ddlHistory: parseQualifiedName(cfg.Replication.DDLHistoryName),
	}
}

// Metrics exposes the process's in-process counters, for maintenance
// commands and structured log enrichment.
func (s *Service) Metrics() *metrics.Collector { return s.metrics }

func parseQualifiedName(s string) walstream.TableID {
	parts := strings.SplitN(s, ".", 2)
	if len(parts) != 2 {
		return walstream.TableID{Schema: "public", Name: s}
	}
	return walstream.TableID{Schema: parts[0], Name: parts[1]}
}

// connectPool opens the plain (non-replication) source connection pool,
// shared by the registry, recovery, and export worker pool.
func (s *Service) connectPool(ctx context.Context) error {
	if s.srcPool != nil {
		return nil
	}
	pool, err := pgxpool.New(ctx, s.cfg.Source.DSN())
	if err != nil {
		return cdcerr.Wrap(cdcerr.Transport, fmt.Errorf("source pool: %w", err))
	}
	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return cdcerr.Wrap(cdcerr.Transport, fmt.Errorf("ping source: %w", err))
	}
	s.srcPool = pool
	s.registry = registry.New(pool, s.cfg.Registry.Schema, s.logger)
	s.recoverer = recovery.New(pool, s.registry, s.cfg.Output.BaseDir, s.cfg.Replication.SlotName, s.logger)
	s.exportPool = export.New(pool, s.writer, s.cfg.Workers.ExportConcurrency, s.logger)
	return nil
}

// ConnectForMaintenance opens just the source pool and registry, for
// one-shot commands (status, reconcile) that don't stream replication.
func (s *Service) ConnectForMaintenance(ctx context.Context) error {
	if err := s.connectPool(ctx); err != nil {
		return err
	}
	return s.registry.EnsureSchema(ctx)
}

// Registry exposes the connected registry for maintenance commands.
func (s *Service) Registry() *registry.Registry { return s.registry }

// Recoverer exposes the connected recoverer for maintenance commands.
func (s *Service) Recoverer() *recovery.Recoverer { return s.recoverer }

// Close tears down connections in the order the teacher's Pipeline.Close
// does: stop the decoder first (it owns the replication connection and
// the receive-loop goroutine), then the replication connection itself,
// then the pool every other component depends on.
func (s *Service) Close() {
	if s.decoder != nil {
		s.decoder.Close()
	}
	if s.replConn != nil {
		s.replConn.Close(context.Background()) //nolint:errcheck
	}
	if s.srcPool != nil {
		s.srcPool.Close()
	}
}

// Run performs startup & recovery, then streams until ctx is cancelled,
// at which point it flushes outstanding batches, confirms the advanced
// LSN, and returns.
func (s *Service) Run(ctx context.Context) error {
	s.metrics.SetPhase("recovering")
	if err := s.connectPool(ctx); err != nil {
		return err
	}
	if err := s.registry.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := s.recoverer.ReconcileFilesystem(ctx); err != nil {
		return err
	}

	plan, err := s.recoverer.Plan(ctx)
	if err != nil {
		return err
	}

	replDSN := s.cfg.Source.ReplicationDSN()
	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	replConn, err := pgconn.Connect(connCtx, replDSN)
	cancel()
	if err != nil {
		return cdcerr.Wrap(cdcerr.Transport, fmt.Errorf("replication connection: %w", err))
	}
	s.replConn = replConn

	s.decoder = walstream.NewDecoder(replConn, s.cfg.Replication.SlotName, s.cfg.Replication.Publication,
		s.ddlHistory, s.cfg.ReloadCoordination.MarkerPrefix, s.logger)

	s.reloadCoor = reload.New(s.srcPool, s.registry, s.cfg.ReloadCoordination.MarkerPrefix,
		reload.DeltaPolicy(s.cfg.ReloadCoordination.DeltaPolicy), s.logger)

	ch, _, err := s.decoder.Start(ctx, plan.StartLSN)
	if err != nil {
		return err
	}

	s.batchCtl = batch.New(s.cfg.BatchControl, s.buffers, s.writer, s.registry, s.reloadCoor, plan.StartLSN, s.decoder.ConfirmLSN, s.logger).
		WithMetrics(s.metrics)

	routed := make(chan walstream.Message, cap(ch))
	go func() {
		defer close(routed)
		for msg := range ch {
			if marker, ok := msg.(*walstream.ReloadMarkerMessage); ok {
				s.reloadCoor.Observe(marker)
			}
			routed <- msg
		}
	}()

	batchErr := make(chan error, 1)
	go func() { batchErr <- s.batchCtl.Run(ctx, routed) }()
	go s.sampleLag(ctx)

	if err := s.retryPendingReloads(ctx); err != nil {
		return err
	}

	if plan.Fresh {
		tables, err := s.exportPool.ListTables(ctx)
		if err != nil {
			return err
		}
		s.logger.Info().Int("tables", len(tables)).Msg("fresh init: dispatching initial full reload exports")
		if err := s.runInitialExports(ctx, tables); err != nil {
			return err
		}
	}

	s.metrics.SetPhase("streaming")
	select {
	case <-ctx.Done():
		return <-batchErr
	case err := <-batchErr:
		return err
	}
}

// sampleLag periodically records replication lag until ctx is cancelled.
func (s *Service) sampleLag(ctx context.Context) {
	ticker := time.NewTicker(lagSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.metrics.RecordLag(s.decoder.Confirmed(), s.decoder.LatestLSN())
		}
	}
}

// runInitialExports drives every table in tables through the reload
// protocol once: PendingReload -> (START marker observed) -> full export
// -> (END marker observed) -> Streaming, per spec.md §4.8 step 1.d.
func (s *Service) runInitialExports(ctx context.Context, tables []export.TableInfo) error {
	jobs := make([]export.Job, len(tables))
	sizes := make(map[walstream.TableID]int64, len(tables))
	for i, t := range tables {
		jobs[i] = export.Job{Table: t.Table, ExportID: uuid.NewString()}
		sizes[t.Table] = t.SizeBytes
	}

	var wg sync.WaitGroup
	errs := make([]error, len(jobs))
	for i := range jobs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := s.registry.UpsertPendingReload(ctx, jobs[i].Table); err != nil {
				errs[i] = err
				return
			}
			s.metrics.RecordReloadStarted(jobs[i].Table)
			s.metrics.SetTableMode(jobs[i].Table, "reloading")
			if _, err := s.reloadCoor.RequestReload(ctx, jobs[i].Table, jobs[i].ExportID, reloadMarkerTimeout); err != nil {
				errs[i] = err
			}
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	sizeOf := func(t walstream.TableID) int64 { return sizes[t] }
	results := s.exportPool.RunExports(ctx, jobs, sizeOf)

	for _, res := range results {
		if res.Err != nil {
			s.logger.Error().Err(res.Err).Stringer("table", tableStringer(res.Job.Table)).Msg("initial export failed")
			s.metrics.RecordReloadFailed(res.Job.Table)
			s.metrics.RecordError(res.Err)
			if failErr := s.reloadCoor.FailReload(ctx, res.Job.Table, res.Job.ExportID); failErr != nil {
				return failErr
			}
			return res.Err
		}
		endLSN, err := s.reloadCoor.CompleteReload(ctx, res.Job.Table, res.Job.ExportID, res.RowsExported, reloadMarkerTimeout)
		if err != nil {
			return err
		}
		if err := export.RegisterFullReload(ctx, s.registry, res.Job, res.File, endLSN); err != nil {
			return err
		}
		s.metrics.RecordReloadCompleted(res.Job.Table)
		s.metrics.SetTableMode(res.Job.Table, "streaming")
		s.logger.Info().Stringer("table", tableStringer(res.Job.Table)).Int64("rows", res.RowsExported).Msg("initial export complete")
	}
	return nil
}

// TriggerReload runs the reload protocol for a single already-streaming
// table on demand, for operator-initiated full reloads outside of the
// fresh-init path.
func (s *Service) TriggerReload(ctx context.Context, table walstream.TableID) error {
	if s.reloadCoor == nil || s.exportPool == nil {
		return fmt.Errorf("egress: service is not running")
	}
	tables, err := s.exportPool.ListTables(ctx)
	if err != nil {
		return err
	}
	var size int64
	for _, t := range tables {
		if t.Table == table {
			size = t.SizeBytes
		}
	}
	job := export.Job{Table: table, ExportID: uuid.NewString()}
	s.metrics.RecordReloadStarted(table)
	s.metrics.SetTableMode(table, "reloading")
	if _, err := s.reloadCoor.RequestReload(ctx, table, job.ExportID, reloadMarkerTimeout); err != nil {
		return err
	}
	results := s.exportPool.RunExports(ctx, []export.Job{job}, func(walstream.TableID) int64 { return size })
	res := results[0]
	if res.Err != nil {
		s.metrics.RecordReloadFailed(table)
		s.metrics.RecordError(res.Err)
		_ = s.reloadCoor.FailReload(ctx, table, job.ExportID)
		return res.Err
	}
	endLSN, err := s.reloadCoor.CompleteReload(ctx, table, job.ExportID, res.RowsExported, reloadMarkerTimeout)
	if err != nil {
		return err
	}
	s.metrics.RecordReloadCompleted(table)
	s.metrics.SetTableMode(table, "streaming")
	return export.RegisterFullReload(ctx, s.registry, res.Job, res.File, endLSN)
}

// retryPendingReloads re-dispatches, from the same start_marker_lsn, any
// reload left Reloading by a previous crash: the EXPORT_START marker
// already round-tripped and is durable in reload_operations, so a fresh
// export under the same export_id is a safe retry rather than a resume.
// A retry that fails again is abandoned (marked Failed and returned to
// Streaming) and the remaining retries still run; runInitialExports, by
// contrast, fails the reload and returns the error.
func (s *Service) retryPendingReloads(ctx context.Context) error {
	ops, err := s.recoverer.PendingReloadRetries(ctx)
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}

	tables, err := s.exportPool.ListTables(ctx)
	if err != nil {
		return err
	}
	sizes := make(map[walstream.TableID]int64, len(tables))
	for _, t := range tables {
		sizes[t.Table] = t.SizeBytes
	}

	for _, op := range ops {
		s.logger.Warn().Stringer("table", tableStringer(op.Table)).Str("export_id", op.ExportID).
			Msg("retrying reload left active by a previous crash")
		s.reloadCoor.ResumeReloading(op.Table)
		s.metrics.SetTableMode(op.Table, "reloading")

		job := export.Job{Table: op.Table, ExportID: op.ExportID}
		results := s.exportPool.RunExports(ctx, []export.Job{job}, func(walstream.TableID) int64 { return sizes[op.Table] })
		res := results[0]
		if res.Err != nil {
			s.logger.Error().Err(res.Err).Stringer("table", tableStringer(op.Table)).Msg("reload retry failed, abandoning")
			s.metrics.RecordReloadFailed(op.Table)
			s.metrics.RecordError(res.Err)
			if err := s.recoverer.AbandonReload(ctx, op.Table, op.ExportID); err != nil {
				return err
			}
			continue
		}

		endLSN, err := s.reloadCoor.CompleteReload(ctx, op.Table, op.ExportID, res.RowsExported, reloadMarkerTimeout)
		if err != nil {
			s.logger.Error().Err(err).Stringer("table", tableStringer(op.Table)).Msg("reload retry end marker failed, abandoning")
			s.metrics.RecordReloadFailed(op.Table)
			s.metrics.RecordError(err)
			if err := s.recoverer.AbandonReload(ctx, op.Table, op.ExportID); err != nil {
				return err
			}
			continue
		}
		if err := export.RegisterFullReload(ctx, s.registry, job, res.File, endLSN); err != nil {
			return err
		}
		s.metrics.RecordReloadCompleted(op.Table)
		s.metrics.SetTableMode(op.Table, "streaming")
		s.logger.Info().Stringer("table", tableStringer(op.Table)).Int64("rows", res.RowsExported).Msg("reload retry complete")
	}
	return nil
}

type tableStringer walstream.TableID

func (t tableStringer) String() string { return walstream.TableID(t).String() }
