package recovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/pgflux/pgflux/internal/registry"
	"github.com/pgflux/pgflux/internal/testutil"
)

func newTestRegistry(t *testing.T, pool *pgxpool.Pool) *registry.Registry {
	t.Helper()
	reg := registry.New(pool, "pgflux_internal_recovery_test", zerolog.Nop())
	if err := reg.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), "DROP SCHEMA IF EXISTS pgflux_internal_recovery_test CASCADE")
	})
	return reg
}

func TestReconcileFilesystem_RemovesOrphanedStagingFiles(t *testing.T) {
	dir := t.TempDir()
	tableDir := filepath.Join(dir, "public", "orders")
	if err := os.MkdirAll(tableDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	orphan := filepath.Join(tableDir, ".tmp-abc123-batch.csv.gz")
	kept := filepath.Join(tableDir, "batch.csv.gz")
	if err := os.WriteFile(orphan, []byte("partial"), 0o644); err != nil {
		t.Fatalf("write orphan: %v", err)
	}
	if err := os.WriteFile(kept, []byte("complete"), 0o644); err != nil {
		t.Fatalf("write kept: %v", err)
	}

	pool := testutil.MustConnectPool(t, testutil.SourceDSN())
	reg := newTestRegistry(t, pool)
	r := New(pool, reg, dir, "pgflux", zerolog.Nop())

	if err := r.ReconcileFilesystem(context.Background()); err != nil {
		t.Fatalf("ReconcileFilesystem: %v", err)
	}

	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("expected orphaned staging file to be removed")
	}
	if _, err := os.Stat(kept); err != nil {
		t.Error("expected published file to survive reconciliation")
	}
}

func TestCheckSlot_ReturnsNilWhenAbsent(t *testing.T) {
	pool := testutil.MustConnectPool(t, testutil.SourceDSN())
	reg := newTestRegistry(t, pool)
	r := New(pool, reg, t.TempDir(), "pgflux_nonexistent_slot", zerolog.Nop())

	slot, err := r.CheckSlot(context.Background())
	if err != nil {
		t.Fatalf("CheckSlot: %v", err)
	}
	if slot != nil {
		t.Error("expected nil slot info for a slot that does not exist")
	}
}
