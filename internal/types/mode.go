package types

import "gorm.io/gorm"

// Mode is the global operating state gating every side-effecting operation.
type Mode string

const (
	ModeSimulation  Mode = "simulation"
	ModeLive        Mode = "live"
	ModeHalted      Mode = "halted"
	ModeDrain       Mode = "drain"
	ModeMaintenance Mode = "maintenance"
	ModeShadow      Mode = "shadow"
)

// Valid reports whether m is one of the recognised operating modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeSimulation, ModeLive, ModeHalted, ModeDrain, ModeMaintenance, ModeShadow:
		return true
	}
	return false
}

// BlocksAll reports whether the mode blocks all trading outright.
func (m Mode) BlocksAll() bool {
	return m == ModeHalted || m == ModeMaintenance
}

// BlocksNewBuys reports whether the mode blocks opening new buy exposure.
// Drain lets existing inventory unwind but admits no new buys.
func (m Mode) BlocksNewBuys() bool {
	return m.BlocksAll() || m == ModeDrain
}

// AllowsPlacement reports whether originators may place real (or simulated)
// orders; shadow, halted, maintenance and drain all record a shadow finalize
// instead of touching the exchange.
func (m Mode) AllowsPlacement() bool {
	return m == ModeSimulation || m == ModeLive
}

// ModeSetting is the single persisted row holding the current operating mode.
type ModeSetting struct {
	gorm.Model
	Name string `gorm:"uniqueIndex"`
	Mode Mode
}
