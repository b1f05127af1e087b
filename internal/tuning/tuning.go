package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Tuning is the deployment policy for one engine process. Fuel budgets,
// memory ceilings, the capability allow-list and the quarantine threshold
// are all operator decisions, not engine constants.
type Tuning struct {
	TickRateHz int `yaml:"tick_rate_hz"`

	SupportedABI []int `yaml:"supported_abi"`

	HookFuelBudget  uint64 `yaml:"hook_fuel_budget"`
	TickFuelCeiling uint64 `yaml:"tick_fuel_ceiling"`
	HookWallClockMs int    `yaml:"hook_wall_clock_ms"`

	MaxMemoryPages uint32 `yaml:"max_memory_pages"`

	// Consecutive FuelExhausted faults before a module is quarantined.
	QuarantineFuelStreak int `yaml:"quarantine_fuel_streak"`

	AllowedCapabilities []string `yaml:"allowed_capabilities"`

	WorldBoundaryR int `yaml:"world_boundary_r"`
}

func Defaults() Tuning {
	return Tuning{
		TickRateHz:           20,
		SupportedABI:         []int{1},
		HookFuelBudget:       100_000,
		TickFuelCeiling:      400_000,
		HookWallClockMs:      50,
		MaxMemoryPages:       256,
		QuarantineFuelStreak: 3,
		AllowedCapabilities: []string{
			"world.read",
			"world.mutate",
			"entity.spawn",
			"inventory.mutate",
			"diagnostics",
		},
		WorldBoundaryR: 4000,
	}
}

func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	if t.TickRateHz <= 0 {
		return fmt.Errorf("tick_rate_hz must be positive")
	}
	if len(t.SupportedABI) == 0 {
		return fmt.Errorf("supported_abi must list at least one ABI version")
	}
	if t.HookFuelBudget == 0 {
		return fmt.Errorf("hook_fuel_budget must be positive")
	}
	if t.TickFuelCeiling < t.HookFuelBudget {
		return fmt.Errorf("tick_fuel_ceiling must be >= hook_fuel_budget")
	}
	if t.QuarantineFuelStreak <= 0 {
		return fmt.Errorf("quarantine_fuel_streak must be positive")
	}
	return nil
}

func (t Tuning) SupportsABI(v int) bool {
	for _, s := range t.SupportedABI {
		if s == v {
			return true
		}
	}
	return false
}
