package batch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/pgflux/pgflux/internal/buffer"
	"github.com/pgflux/pgflux/internal/config"
	"github.com/pgflux/pgflux/internal/filewriter"
	"github.com/pgflux/pgflux/internal/registry"
	"github.com/pgflux/pgflux/internal/reload"
	"github.com/pgflux/pgflux/internal/walstream"
)

type fakeRegistrar struct {
	mu      sync.Mutex
	records []registry.FileRecord
}

func (f *fakeRegistrar) Register(_ context.Context, rec registry.FileRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeRegistrar) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type alwaysBuffer struct{}

func (alwaysBuffer) Decide(walstream.TableID) reload.DeltaDecision { return reload.DecisionBuffer }

type alwaysDiscard struct{}

func (alwaysDiscard) Decide(walstream.TableID) reload.DeltaDecision { return reload.DecisionDiscard }

func testTable() walstream.TableID {
	return walstream.TableID{Schema: "public", Name: "orders"}
}

func newController(t *testing.T, cfg config.BatchControlConfig, decider ModeDecider, startLSN pglogrepl.LSN, confirmFn func(pglogrepl.LSN)) (*Controller, *fakeRegistrar) {
	t.Helper()
	dir := t.TempDir()
	writer := filewriter.New(config.OutputConfig{
		BaseDir:         dir,
		TimestampFormat: "2006-01-02T15-04-05.000000000",
		Compression:     config.CompressionConfig{Level: "balanced"},
	}, zerolog.Nop())
	reg := &fakeRegistrar{}
	c := New(cfg, buffer.NewRegistry(), writer, reg, decider, startLSN, confirmFn, zerolog.Nop())
	return c, reg
}

func relationMsg() *walstream.RelationMessage {
	return &walstream.RelationMessage{
		RelationID: 1,
		Table:      testTable(),
		Columns:    []walstream.Column{{Name: "id"}, {Name: "name"}},
	}
}

func changeMsg(lsnVal uint64) *walstream.ChangeMessage {
	return &walstream.ChangeMessage{
		Op:         walstream.OpInsert,
		RelationID: 1,
		Table:      testTable(),
		MsgLSN:     pglogrepl.LSN(lsnVal),
		MsgTime:    time.Now(),
		NewTuple: &walstream.TupleData{Columns: []walstream.Column{
			{Name: "id", Value: []byte("1")},
			{Name: "name", Value: []byte("a")},
		}},
	}
}

func TestController_FlushesOnRowThreshold(t *testing.T) {
	var confirmed pglogrepl.LSN
	cfg := config.BatchControlConfig{IntervalSeconds: 3600, MaxRows: 2, MaxBytes: 1 << 30}
	c, reg := newController(t, cfg, alwaysBuffer{}, pglogrepl.LSN(0), func(lsn pglogrepl.LSN) { confirmed = lsn })

	in := make(chan walstream.Message, 8)
	in <- relationMsg()
	in <- changeMsg(10)
	in <- changeMsg(20)
	close(in)

	if err := c.Run(context.Background(), in); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if reg.count() != 1 {
		t.Fatalf("registered files = %d, want 1", reg.count())
	}
	if confirmed != pglogrepl.LSN(20) {
		t.Errorf("confirmed LSN = %v, want 20", confirmed)
	}
}

func TestController_DiscardPolicyDropsChanges(t *testing.T) {
	cfg := config.BatchControlConfig{IntervalSeconds: 3600, MaxRows: 100, MaxBytes: 1 << 30}
	c, reg := newController(t, cfg, alwaysDiscard{}, pglogrepl.LSN(0), nil)

	in := make(chan walstream.Message, 8)
	in <- relationMsg()
	in <- changeMsg(10)
	close(in)

	if err := c.Run(context.Background(), in); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reg.count() != 0 {
		t.Errorf("registered files = %d, want 0 (changes should have been discarded)", reg.count())
	}
}

func TestController_FlushesOnChannelClose(t *testing.T) {
	var confirmed pglogrepl.LSN
	cfg := config.BatchControlConfig{IntervalSeconds: 3600, MaxRows: 1000, MaxBytes: 1 << 30}
	c, reg := newController(t, cfg, alwaysBuffer{}, pglogrepl.LSN(0), func(lsn pglogrepl.LSN) { confirmed = lsn })

	in := make(chan walstream.Message, 8)
	in <- relationMsg()
	in <- changeMsg(5)
	close(in)

	if err := c.Run(context.Background(), in); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reg.count() != 1 {
		t.Fatalf("registered files = %d, want 1", reg.count())
	}
	if confirmed != pglogrepl.LSN(5) {
		t.Errorf("confirmed LSN = %v, want 5", confirmed)
	}
}

func TestController_IdleCycleStillConfirms(t *testing.T) {
	var confirmed pglogrepl.LSN
	called := false
	cfg := config.BatchControlConfig{IntervalSeconds: 3600, MaxRows: 100, MaxBytes: 1 << 30}
	c, reg := newController(t, cfg, alwaysBuffer{}, pglogrepl.LSN(7), func(lsn pglogrepl.LSN) { confirmed = lsn; called = true })

	in := make(chan walstream.Message)
	close(in)

	if err := c.Run(context.Background(), in); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reg.count() != 0 {
		t.Fatalf("registered files = %d, want 0 (no changes were ever buffered)", reg.count())
	}
	if !called {
		t.Fatal("expected confirmFn to be called even though every table was idle")
	}
	if confirmed != pglogrepl.LSN(7) {
		t.Errorf("confirmed LSN = %v, want the configured start LSN 7", confirmed)
	}
}
