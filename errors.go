package mrtcp

import (
	"fmt"
)

// ConfigurationError reports an experiment parameter that cannot be used.
// It is returned before any simulation structure is built.
type ConfigurationError struct {
	Param  string
	Value  any
	Reason string
}

func (ce *ConfigurationError) Error() string {
	return fmt.Sprintf("mrtcp: bad configuration %s=%v: %s", ce.Param, ce.Value, ce.Reason)
}

// configErr is shorthand used by the validators
func configErr(param string, value any, reason string) *ConfigurationError {
	return &ConfigurationError{Param: param, Value: value, Reason: reason}
}

// CapacityViolation is the panic value raised when a queue holds more than its
// capacity.  The drop policies make this impossible, so seeing it means a bug.
type CapacityViolation struct {
	LinkID    int
	Occupancy int
	Capacity  int
}

func (cv *CapacityViolation) Error() string {
	return fmt.Sprintf("mrtcp: queue on link %d holds %d, capacity %d",
		cv.LinkID, cv.Occupancy, cv.Capacity)
}
