package sandbox

// FuelLedger bounds guest execution cost. The per-hook counter is reset to
// the configured budget at each hook invocation; the tick counter
// accumulates across hooks and is reset by the scheduler each tick.
//
// A debit that cannot be covered drains the ledger, so the fuel consumed by
// an aborted hook is exactly the configured budget, never more.
type FuelLedger struct {
	budget    uint64
	remaining uint64
	tickUsed  uint64
}

func (f *FuelLedger) ResetHook(budget uint64) {
	f.budget = budget
	f.remaining = budget
}

func (f *FuelLedger) ResetTick() { f.tickUsed = 0 }

// Debit consumes weight units. It returns false when the ledger cannot cover
// the charge; the caller must abort the hook.
func (f *FuelLedger) Debit(weight uint64) bool {
	if f.remaining < weight {
		f.tickUsed += f.remaining
		f.remaining = 0
		return false
	}
	f.remaining -= weight
	f.tickUsed += weight
	return true
}

// HookUsed is the fuel consumed by the current (or last) hook invocation.
func (f *FuelLedger) HookUsed() uint64 { return f.budget - f.remaining }

// TickUsed is the cumulative fuel consumed this tick.
func (f *FuelLedger) TickUsed() uint64 { return f.tickUsed }
