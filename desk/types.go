package desk

import "github.com/glimte/deskflow/contracts"

// Desk is the full device record reported by the gateway
type Desk struct {
	ID         string      `json:"id,omitempty"`
	Config     Config      `json:"config"`
	State      State       `json:"state"`
	Usage      Usage       `json:"usage"`
	LastErrors []DeskError `json:"lastErrors"`
}

// Config holds static device information
type Config struct {
	Name         string `json:"name"`
	Manufacturer string `json:"manufacturer"`
}

// State is the live mechanical state of a desk
type State struct {
	PositionMM               int    `json:"position_mm"`
	SpeedMMS                 int    `json:"speed_mms"`
	Status                   string `json:"status"`
	IsPositionLost           bool   `json:"isPositionLost"`
	IsOverloadProtectionUp   bool   `json:"isOverloadProtectionUp"`
	IsOverloadProtectionDown bool   `json:"isOverloadProtectionDown"`
	IsAntiCollision          bool   `json:"isAntiCollision"`
}

// Usage counters
type Usage struct {
	ActivationsCounter int `json:"activationsCounter"`
	SitStandCounter    int `json:"sitStandCounter"`
}

// DeskError is one entry of the device error log
type DeskError struct {
	TimeS     int `json:"time_s"`
	ErrorCode int `json:"error_code"`
}

// Result is the outcome of commanding one desk during a sweep
type Result = contracts.DeskResult

// Actions understood by the fan-out
const (
	ActionRaise = "raise"
	ActionLower = "lower"
)
