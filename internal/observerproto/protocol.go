// Package observerproto defines the operator observer protocol: a loopback
// websocket stream of tick stats and quarantine notifications, plus a
// bootstrap snapshot. Observers are read-only; nothing here can reach the
// simulation.
package observerproto

// Version is the observer protocol version.
const Version = "1.0"

// Message type tags.
const (
	TypeSubscribe  = "SUBSCRIBE"
	TypeTick       = "TICK"
	TypeQuarantine = "QUARANTINE"
)

// Client -> Server. First message on the observer WS connection.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
}

// HTTP response for GET /admin/v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string            `json:"protocol_version"`
	EngineID        string            `json:"engine_id"`
	Tick            uint64            `json:"tick"`
	EngineParams    EngineParams      `json:"engine_params"`
	Registry        RegistryInfo      `json:"registry"`
	ModuleStates    map[string]string `json:"module_states"`
}

type EngineParams struct {
	TickRateHz      int    `json:"tick_rate_hz"`
	HookFuelBudget  uint64 `json:"hook_fuel_budget"`
	TickFuelCeiling uint64 `json:"tick_fuel_ceiling"`
}

// RegistryInfo carries the verification checksums a client compares against
// its own locally derived mapping.
type RegistryInfo struct {
	Blocks   DigestInfo `json:"blocks"`
	Entities DigestInfo `json:"entities"`
	Items    DigestInfo `json:"items"`
	Recipes  DigestInfo `json:"recipes"`
	Combined string     `json:"combined"`
}

type DigestInfo struct {
	Digest string `json:"digest"`
	Count  int    `json:"count"`
}

// Server -> Client. Sent every tick.
type TickMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Tick            uint64   `json:"tick"`
	ModulesRun      int      `json:"modules_run"`
	Skipped         []string `json:"skipped,omitempty"`
	FuelUsed        uint64   `json:"fuel_used"`
}

// Server -> Client. Sent when a module is quarantined.
type QuarantineMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`
	ModuleID        string `json:"module_id"`
	FaultCode       string `json:"fault_code"`
	Severity        string `json:"severity"`
	Eligible        bool   `json:"eligible"`
}
