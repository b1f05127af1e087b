package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/IamTheCarl/grid-engine/internal/faults"
)

// QuarantineRecord is written when a module is removed from scheduling.
// Records persist until explicit reinstatement or process restart.
type QuarantineRecord struct {
	RecordID  string          `json:"record_id"`
	ModuleID  string          `json:"module_id"`
	Tick      uint64          `json:"tick"`
	FaultCode string          `json:"fault_code"`
	Severity  faults.Severity `json:"severity"`
	// Eligible marks records an operator may reinstate in-session. Fuel
	// streaks are eligible (a fixed mod can come back); memory traps are
	// not, since the session cannot trust what the module already touched.
	Eligible  bool      `json:"eligible"`
	CreatedAt time.Time `json:"created_at"`
}

// quarantineManager tracks fault streaks and decides escalation. It holds
// policy state only; lifecycle transitions stay with the engine.
type quarantineManager struct {
	fuelStreakLimit int

	streaks map[string]int
	records map[string]*QuarantineRecord
}

func newQuarantineManager(fuelStreakLimit int) *quarantineManager {
	return &quarantineManager{
		fuelStreakLimit: fuelStreakLimit,
		streaks:         map[string]int{},
		records:         map[string]*QuarantineRecord{},
	}
}

// noteFault classifies one caught fault. It returns a record when the module
// must be quarantined; nil means the fault was transient and the module
// stays active.
func (q *quarantineManager) noteFault(moduleID string, tick uint64, f *faults.RuntimeFault) *QuarantineRecord {
	if f.Fatal() {
		return q.quarantine(moduleID, tick, f.Code, false)
	}
	if f.Code != faults.CodeFuelExhausted {
		return nil
	}
	q.streaks[moduleID]++
	if q.streaks[moduleID] < q.fuelStreakLimit {
		return nil
	}
	return q.quarantine(moduleID, tick, f.Code, true)
}

// noteSuccess resets the consecutive-fault streak after a clean hook.
func (q *quarantineManager) noteSuccess(moduleID string) {
	delete(q.streaks, moduleID)
}

func (q *quarantineManager) quarantine(moduleID string, tick uint64, code string, eligible bool) *QuarantineRecord {
	rec := &QuarantineRecord{
		RecordID:  uuid.NewString(),
		ModuleID:  moduleID,
		Tick:      tick,
		FaultCode: code,
		Severity:  faults.SeverityFatal,
		Eligible:  eligible,
		CreatedAt: time.Now().UTC(),
	}
	q.records[moduleID] = rec
	delete(q.streaks, moduleID)
	return rec
}

// reinstate clears a module's record, failing when there is none or the
// record is not eligible.
func (q *quarantineManager) reinstate(moduleID string) error {
	rec, ok := q.records[moduleID]
	if !ok {
		return &faults.QuarantineError{Code: faults.CodeNotQuarantined, ModuleID: moduleID}
	}
	if !rec.Eligible {
		return &faults.QuarantineError{Code: faults.CodeNotEligibleForReinstatement, ModuleID: moduleID}
	}
	delete(q.records, moduleID)
	return nil
}
