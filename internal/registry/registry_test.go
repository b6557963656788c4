package registry

import (
	"context"
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/pgflux/pgflux/internal/testutil"
	"github.com/pgflux/pgflux/internal/walstream"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	pool := testutil.MustConnectPool(t, testutil.SourceDSN())
	r := New(pool, "pgflux_internal_test", zerolog.Nop())
	if err := r.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), "DROP SCHEMA IF EXISTS pgflux_internal_test CASCADE")
	})
	return r
}

func TestRegistry_RegisterEnforcesMonotonicity(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	table := walstream.TableID{Schema: "public", Name: "orders"}

	if err := r.UpsertPendingReload(ctx, table); err != nil {
		t.Fatalf("UpsertPendingReload: %v", err)
	}
	if err := r.MarkStreaming(ctx, table, pglogrepl.LSN(0)); err != nil {
		t.Fatalf("MarkStreaming: %v", err)
	}

	err := r.Register(ctx, FileRecord{
		Table: table, FilePath: "a", FileType: FileStreaming, EndLSN: pglogrepl.LSN(100),
	})
	if err != nil {
		t.Fatalf("Register #1: %v", err)
	}

	err = r.Register(ctx, FileRecord{
		Table: table, FilePath: "b", FileType: FileStreaming, EndLSN: pglogrepl.LSN(50),
	})
	if err == nil {
		t.Fatal("expected non-monotonic Register to fail")
	}

	err = r.Register(ctx, FileRecord{
		Table: table, FilePath: "c", FileType: FileStreaming, EndLSN: pglogrepl.LSN(200),
	})
	if err != nil {
		t.Fatalf("Register #2: %v", err)
	}
}

func TestRegistry_ReloadLifecycle(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	table := walstream.TableID{Schema: "public", Name: "orders"}

	if err := r.UpsertPendingReload(ctx, table); err != nil {
		t.Fatalf("UpsertPendingReload: %v", err)
	}
	if err := r.MarkStreaming(ctx, table, pglogrepl.LSN(0)); err != nil {
		t.Fatalf("MarkStreaming: %v", err)
	}

	if err := r.MarkReloadStart(ctx, table, "export-1", pglogrepl.LSN(10)); err != nil {
		t.Fatalf("MarkReloadStart: %v", err)
	}

	if err := r.MarkReloadStart(ctx, table, "export-2", pglogrepl.LSN(11)); err == nil {
		t.Fatal("expected second concurrent reload start to fail")
	}

	ts, ok, err := r.GetTableState(ctx, table)
	if err != nil || !ok {
		t.Fatalf("GetTableState: %v, ok=%v", err, ok)
	}
	if ts.Mode != ModeReloading {
		t.Errorf("Mode = %v, want Reloading", ts.Mode)
	}

	if err := r.MarkReloadEnd(ctx, "export-1", pglogrepl.LSN(20)); err != nil {
		t.Fatalf("MarkReloadEnd: %v", err)
	}

	ts, _, _ = r.GetTableState(ctx, table)
	if ts.Mode != ModeStreaming {
		t.Errorf("Mode after reload end = %v, want Streaming", ts.Mode)
	}
}

func TestRegistry_FailedReload(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	table := walstream.TableID{Schema: "public", Name: "orders"}

	if err := r.UpsertPendingReload(ctx, table); err != nil {
		t.Fatalf("UpsertPendingReload: %v", err)
	}
	if err := r.MarkReloadStart(ctx, table, "export-1", pglogrepl.LSN(1)); err != nil {
		t.Fatalf("MarkReloadStart: %v", err)
	}
	if err := r.FailedReload(ctx, "export-1"); err != nil {
		t.Fatalf("FailedReload: %v", err)
	}
	if err := r.FailedReload(ctx, "export-1"); err == nil {
		t.Fatal("expected double FailedReload to error")
	}
}
