package metrics

import (
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/pgflux/pgflux/internal/walstream"
)

func TestCollector_PhaseTracking(t *testing.T) {
	c := NewCollector(zerolog.Nop())

	c.SetPhase("recovering")
	if snap := c.Snapshot(); snap.Phase != "recovering" {
		t.Errorf("Phase = %q, want recovering", snap.Phase)
	}

	c.SetPhase("streaming")
	if snap := c.Snapshot(); snap.Phase != "streaming" {
		t.Errorf("Phase = %q, want streaming", snap.Phase)
	}
}

func TestCollector_BatchFlushTracking(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	orders := walstream.TableID{Schema: "public", Name: "orders"}

	c.RecordBatchFlush(orders, 50, 2048)
	c.RecordBatchFlush(orders, 30, 1024)

	snap := c.Snapshot()
	if snap.TotalRows != 80 {
		t.Errorf("TotalRows = %d, want 80", snap.TotalRows)
	}
	if snap.TotalBytes != 3072 {
		t.Errorf("TotalBytes = %d, want 3072", snap.TotalBytes)
	}
	if len(snap.Tables) != 1 {
		t.Fatalf("Tables count = %d, want 1", len(snap.Tables))
	}
	tc := snap.Tables[0]
	if tc.BatchesFlushed != 2 {
		t.Errorf("BatchesFlushed = %d, want 2", tc.BatchesFlushed)
	}
	if tc.RowsFlushed != 80 {
		t.Errorf("RowsFlushed = %d, want 80", tc.RowsFlushed)
	}
	if tc.BytesFlushed != 3072 {
		t.Errorf("BytesFlushed = %d, want 3072", tc.BytesFlushed)
	}
}

func TestCollector_TableModeAndReloadCounters(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	users := walstream.TableID{Schema: "public", Name: "users"}

	c.SetTableMode(users, "streaming")
	c.RecordReloadStarted(users)
	c.SetTableMode(users, "reloading")
	c.RecordReloadCompleted(users)
	c.SetTableMode(users, "streaming")

	snap := c.Snapshot()
	if len(snap.Tables) != 1 {
		t.Fatalf("Tables count = %d, want 1", len(snap.Tables))
	}
	tc := snap.Tables[0]
	if tc.Mode != "streaming" {
		t.Errorf("Mode = %q, want streaming", tc.Mode)
	}
	if tc.ReloadsStarted != 1 {
		t.Errorf("ReloadsStarted = %d, want 1", tc.ReloadsStarted)
	}
	if tc.ReloadsCompleted != 1 {
		t.Errorf("ReloadsCompleted = %d, want 1", tc.ReloadsCompleted)
	}

	c.RecordReloadFailed(users)
	snap = c.Snapshot()
	if snap.Tables[0].ReloadsFailed != 1 {
		t.Errorf("ReloadsFailed = %d, want 1", snap.Tables[0].ReloadsFailed)
	}
}

func TestCollector_LagTracking(t *testing.T) {
	c := NewCollector(zerolog.Nop())

	c.RecordLag(pglogrepl.LSN(90), pglogrepl.LSN(200))

	snap := c.Snapshot()
	if snap.AppliedLSN != "0/5A" {
		t.Errorf("AppliedLSN = %q, want 0/5A", snap.AppliedLSN)
	}
	if snap.LagBytes == 0 {
		t.Error("expected non-zero lag bytes")
	}
	if c.LagBytes() != snap.LagBytes {
		t.Errorf("LagBytes() = %d, want %d", c.LagBytes(), snap.LagBytes)
	}
}

func TestCollector_ErrorTracking(t *testing.T) {
	c := NewCollector(zerolog.Nop())

	c.RecordError(nil)
	if snap := c.Snapshot(); snap.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", snap.ErrorCount)
	}

	c.RecordError(fmt.Errorf("test error"))
	snap := c.Snapshot()
	if snap.ErrorCount != 2 {
		t.Errorf("ErrorCount = %d, want 2", snap.ErrorCount)
	}
	if snap.LastError != "test error" {
		t.Errorf("LastError = %q, want 'test error'", snap.LastError)
	}
}

func TestSlidingWindow_Rate(t *testing.T) {
	w := newSlidingWindow(5 * time.Second)
	now := time.Now()

	w.Add(now.Add(-3*time.Second), 30)
	w.Add(now.Add(-2*time.Second), 20)
	w.Add(now.Add(-1*time.Second), 10)

	if rate := w.Rate(); rate <= 0 {
		t.Errorf("Rate() = %f, want > 0", rate)
	}
}

func TestSlidingWindow_Eviction(t *testing.T) {
	w := newSlidingWindow(100 * time.Millisecond)
	now := time.Now()

	w.Add(now.Add(-200*time.Millisecond), 100)
	w.Add(now, 50)

	if rate := w.Rate(); rate <= 0 {
		t.Errorf("Rate() = %f, want > 0", rate)
	}
}

func TestSlidingWindow_Empty(t *testing.T) {
	w := newSlidingWindow(time.Second)
	if r := w.Rate(); r != 0 {
		t.Errorf("Rate() on empty window = %f, want 0", r)
	}
}
