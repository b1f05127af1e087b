package sandbox

// State is a module instance's lifecycle position. Transitions are driven by
// the loader (through Linked) and the scheduler/quarantine manager after
// that. Quarantined is terminal unless an operator reinstates; Unloaded is
// terminal always.
type State int

const (
	StateLoaded State = iota + 1
	StateVerified
	StateLinked
	StateActive
	StateQuarantined
	StateUnloaded
)

func (s State) String() string {
	switch s {
	case StateLoaded:
		return "LOADED"
	case StateVerified:
		return "VERIFIED"
	case StateLinked:
		return "LINKED"
	case StateActive:
		return "ACTIVE"
	case StateQuarantined:
		return "QUARANTINED"
	case StateUnloaded:
		return "UNLOADED"
	default:
		return "UNKNOWN"
	}
}
