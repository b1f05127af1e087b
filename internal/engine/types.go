package engine

import "github.com/IamTheCarl/grid-engine/internal/faults"

// TickLogEntry is one JSONL record per tick (scheduling stats, not world
// state).
type TickLogEntry struct {
	Tick       uint64   `json:"tick"`
	ModulesRun int      `json:"modules_run"`
	Skipped    []string `json:"skipped,omitempty"`
	FuelUsed   uint64   `json:"fuel_used"`
	DurationUs int64    `json:"duration_us"`
}

// FaultLogEntry is one JSONL record per caught guest fault.
type FaultLogEntry struct {
	Tick        uint64          `json:"tick"`
	ModuleID    string          `json:"module_id"`
	Hook        string          `json:"hook"`
	Code        string          `json:"code"`
	Severity    faults.Severity `json:"severity"`
	FuelUsed    uint64          `json:"fuel_used"`
	Detail      string          `json:"detail,omitempty"`
	Quarantined bool            `json:"quarantined"`
}

// TickSink and FaultSink receive machine logs; the host wires them to the
// zstd JSONL writers and the sqlite index. A nil sink drops entries.
type TickSink interface {
	WriteTick(TickLogEntry) error
}

type FaultSink interface {
	WriteFault(FaultLogEntry) error
}

// QuarantineStore persists quarantine records across the admin surface.
type QuarantineStore interface {
	RecordQuarantine(QuarantineRecord) error
	MarkReinstated(moduleID string) error
}

// Notifier pushes operator-facing events (observer stream).
type Notifier interface {
	NotifyTick(TickLogEntry)
	NotifyQuarantine(QuarantineRecord)
}

// TickReport is what StepOnce returns to callers (tests, replay tooling).
type TickReport struct {
	Tick        uint64
	ModulesRun  []string
	Skipped     []string
	FuelUsed    uint64
	Faults      []*faults.RuntimeFault
	Quarantined []string
}
