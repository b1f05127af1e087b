// Package faults defines the stable error taxonomy shared by the loader,
// registry, sandbox bridge and quarantine manager. Codes are part of the
// operator-facing surface (logs, index rows, observer stream) and must not
// be renamed casually.
package faults

import "fmt"

const (
	// Load-time.
	CodeInvalidBinary       = "E_INVALID_BINARY"
	CodeAbiMismatch         = "E_ABI_MISMATCH"
	CodeCapabilityDenied    = "E_CAPABILITY_DENIED"
	CodeMemoryLimitExceeded = "E_MEMORY_LIMIT_EXCEEDED"

	// Registration (init phase).
	CodeDuplicateNamespaceKey = "E_DUPLICATE_NAMESPACE_KEY"
	CodeReservedNamespace     = "E_RESERVED_NAMESPACE"

	// Runtime (guest side, caught at the bridge).
	CodeTrap              = "E_TRAP"
	CodeFuelExhausted     = "E_FUEL_EXHAUSTED"
	CodeOutOfBoundsAccess = "E_OOB_ACCESS"

	// Quarantine administration.
	CodeAlreadyQuarantined          = "E_ALREADY_QUARANTINED"
	CodeNotEligibleForReinstatement = "E_NOT_ELIGIBLE_FOR_REINSTATEMENT"
	CodeNotQuarantined              = "E_NOT_QUARANTINED"
)

var knownCodes = map[string]struct{}{
	CodeInvalidBinary:               {},
	CodeAbiMismatch:                 {},
	CodeCapabilityDenied:            {},
	CodeMemoryLimitExceeded:         {},
	CodeDuplicateNamespaceKey:       {},
	CodeReservedNamespace:           {},
	CodeTrap:                        {},
	CodeFuelExhausted:               {},
	CodeOutOfBoundsAccess:           {},
	CodeAlreadyQuarantined:          {},
	CodeNotEligibleForReinstatement: {},
	CodeNotQuarantined:              {},
}

func IsKnownCode(code string) bool {
	_, ok := knownCodes[code]
	return ok
}

// LoadError aborts loading of one module; other modules are unaffected.
type LoadError struct {
	Code     string
	ModuleID string
	Detail   string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: module %q: %s", e.Code, e.ModuleID, e.Detail)
}

// RegistrationError aborts the offending module's init-phase registration.
type RegistrationError struct {
	Code      string
	ModuleID  string
	Namespace string
	Key       string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("%s: module %q: %s:%s", e.Code, e.ModuleID, e.Namespace, e.Key)
}

// Severity classifies a runtime fault for the quarantine state machine.
type Severity string

const (
	SeverityTransient Severity = "TRANSIENT"
	SeverityFatal     Severity = "FATAL"
)

// RuntimeFault is a guest-side failure caught at the call bridge. It never
// propagates past the bridge boundary; the scheduler consumes it and the
// host process continues.
type RuntimeFault struct {
	Code     string
	ModuleID string
	Hook     string
	Detail   string
	FuelUsed uint64
}

func (e *RuntimeFault) Error() string {
	return fmt.Sprintf("%s: module %q hook %s: %s", e.Code, e.ModuleID, e.Hook, e.Detail)
}

// Fatal reports whether this fault alone (ignoring repetition policy) forces
// quarantine. Repeated FuelExhausted escalation is deployment policy and is
// decided by the quarantine manager, not here.
func (e *RuntimeFault) Fatal() bool {
	switch e.Code {
	case CodeTrap, CodeOutOfBoundsAccess:
		return true
	default:
		return false
	}
}

// QuarantineError rejects an administrative reinstate/unload request.
type QuarantineError struct {
	Code     string
	ModuleID string
}

func (e *QuarantineError) Error() string {
	return fmt.Sprintf("%s: module %q", e.Code, e.ModuleID)
}
