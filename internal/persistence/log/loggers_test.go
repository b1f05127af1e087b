package log

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/IamTheCarl/grid-engine/internal/engine"
	"github.com/IamTheCarl/grid-engine/internal/faults"
)

func readJSONLZst(t *testing.T, path string) []json.RawMessage {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}
	defer dec.Close()

	var lines []json.RawMessage
	sc := bufio.NewScanner(dec)
	for sc.Scan() {
		lines = append(lines, json.RawMessage(append([]byte(nil), sc.Bytes()...)))
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return lines
}

func onlyFile(t *testing.T, dir string) string {
	t.Helper()
	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir %s: %v", dir, err)
	}
	if len(ents) != 1 {
		t.Fatalf("expected one file in %s, got %d", dir, len(ents))
	}
	return filepath.Join(dir, ents[0].Name())
}

func TestTickLogger_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := NewTickLogger(dir)

	for i := uint64(0); i < 3; i++ {
		if err := l.WriteTick(engine.TickLogEntry{Tick: i, ModulesRun: 2, FuelUsed: 7 * i}); err != nil {
			t.Fatalf("WriteTick: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lines := readJSONLZst(t, onlyFile(t, filepath.Join(dir, "ticks")))
	if len(lines) != 3 {
		t.Fatalf("lines: got %d want 3", len(lines))
	}
	var e engine.TickLogEntry
	if err := json.Unmarshal(lines[2], &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if e.Tick != 2 || e.FuelUsed != 14 {
		t.Fatalf("entry: %+v", e)
	}
}

func TestFaultLogger_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := NewFaultLogger(dir)

	in := engine.FaultLogEntry{
		Tick: 9, ModuleID: "crashy", Hook: "on_tick",
		Code: faults.CodeTrap, Severity: faults.SeverityFatal,
		FuelUsed: 123, Detail: "slice bounds", Quarantined: true,
	}
	if err := l.WriteFault(in); err != nil {
		t.Fatalf("WriteFault: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lines := readJSONLZst(t, onlyFile(t, filepath.Join(dir, "faults")))
	if len(lines) != 1 {
		t.Fatalf("lines: got %d want 1", len(lines))
	}
	var e engine.FaultLogEntry
	if err := json.Unmarshal(lines[0], &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if e != in {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", e, in)
	}
}
