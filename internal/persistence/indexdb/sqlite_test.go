package indexdb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/IamTheCarl/grid-engine/internal/engine"
	"github.com/IamTheCarl/grid-engine/internal/faults"
	"github.com/IamTheCarl/grid-engine/internal/registry"
)

func openTestIndex(t *testing.T) *SQLiteIndex {
	t.Helper()
	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestQuarantineRoundTrip(t *testing.T) {
	idx := openTestIndex(t)

	rec := engine.QuarantineRecord{
		RecordID:  "rec-1",
		ModuleID:  "hog",
		Tick:      42,
		FaultCode: faults.CodeFuelExhausted,
		Severity:  faults.SeverityFatal,
		Eligible:  true,
		CreatedAt: time.Now().UTC(),
	}
	if err := idx.RecordQuarantine(rec); err != nil {
		t.Fatalf("RecordQuarantine: %v", err)
	}
	idx.Flush()

	rows, err := idx.ListQuarantine()
	if err != nil {
		t.Fatalf("ListQuarantine: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows: got %d want 1", len(rows))
	}
	r := rows[0]
	if r.ModuleID != "hog" || r.Tick != 42 || r.FaultCode != faults.CodeFuelExhausted || !r.Eligible {
		t.Fatalf("row: %+v", r)
	}
	if r.ReinstatedAt != "" {
		t.Fatalf("fresh record marked reinstated: %+v", r)
	}

	if err := idx.MarkReinstated("hog"); err != nil {
		t.Fatalf("MarkReinstated: %v", err)
	}
	idx.Flush()
	rows, err = idx.ListQuarantine()
	if err != nil {
		t.Fatalf("ListQuarantine: %v", err)
	}
	if rows[0].ReinstatedAt == "" {
		t.Fatal("reinstatement not recorded")
	}
}

func TestTickAndFaultWrites(t *testing.T) {
	idx := openTestIndex(t)

	for i := uint64(0); i < 5; i++ {
		if err := idx.WriteTick(engine.TickLogEntry{Tick: i, ModulesRun: 2, FuelUsed: 10 * i}); err != nil {
			t.Fatalf("WriteTick: %v", err)
		}
	}
	if err := idx.WriteFault(engine.FaultLogEntry{
		Tick: 3, ModuleID: "crashy", Hook: "on_tick",
		Code: faults.CodeTrap, Severity: faults.SeverityFatal, Quarantined: true,
	}); err != nil {
		t.Fatalf("WriteFault: %v", err)
	}
	idx.Flush()

	var ticks, faultRows int
	if err := idx.db.QueryRow(`SELECT COUNT(*) FROM ticks`).Scan(&ticks); err != nil {
		t.Fatal(err)
	}
	if err := idx.db.QueryRow(`SELECT COUNT(*) FROM faults WHERE module_id='crashy'`).Scan(&faultRows); err != nil {
		t.Fatal(err)
	}
	if ticks != 5 || faultRows != 1 {
		t.Fatalf("ticks=%d faults=%d", ticks, faultRows)
	}
}

func TestUpsertRegistryDigests(t *testing.T) {
	idx := openTestIndex(t)

	reg := registry.New()
	if err := reg.Begin("base", []string{"base"}, false); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Register("base", "stone", registry.CategoryBlock, nil); err != nil {
		t.Fatal(err)
	}
	reg.Commit()
	reg.Seal()

	if err := idx.UpsertRegistryDigests(reg); err != nil {
		t.Fatalf("UpsertRegistryDigests: %v", err)
	}
	digest, count, err := idx.RegistryDigest("block")
	if err != nil {
		t.Fatalf("RegistryDigest: %v", err)
	}
	if digest != reg.Digest(registry.CategoryBlock) || count != 2 {
		t.Fatalf("stored digest %q count %d", digest, count)
	}

	// Upsert again; same row, updated in place.
	if err := idx.UpsertRegistryDigests(reg); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	digest2, _, err := idx.RegistryDigest("combined")
	if err != nil {
		t.Fatalf("combined digest: %v", err)
	}
	if digest2 != reg.CombinedDigest() {
		t.Fatal("combined digest mismatch")
	}
}

func TestWritesAfterCloseAreDropped(t *testing.T) {
	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := idx.WriteTick(engine.TickLogEntry{Tick: 1}); err != nil {
		t.Fatalf("WriteTick after close: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
