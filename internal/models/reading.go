package models

import (
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Status is the classification of a single reading
type Status string

const (
	StatusOK      Status = "OK"
	StatusWarning Status = "VARNING"
)

// ReasonPrefix is prepended to the sensor name in warning reasons
const ReasonPrefix = "Avvikelse i "

// Validation errors
var (
	ErrEmptySensorName = errors.New("sensor name cannot be empty")
	ErrInvalidValue    = errors.New("value must be a decimal number")
	ErrNonFiniteValue  = errors.New("value must be finite")
	ErrInvalidRange    = errors.New("threshold min cannot exceed max")
)

// decimalPattern accepts plain decimal notation with an optional exponent.
// strconv.ParseFloat alone would also accept hex floats, "Inf" and "NaN".
var decimalPattern = regexp.MustCompile(`^[-+]?(\d+(\.\d*)?|\.\d+)([eE][-+]?\d+)?$`)

// SensorReading is one (sensor, value) pair taken from a request
type SensorReading struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// Validate checks the reading before it is evaluated
func (r SensorReading) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return ErrEmptySensorName
	}
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return ErrNonFiniteValue
	}
	return nil
}

// ThresholdRange is the inclusive [Min, Max] interval considered normal
type ThresholdRange struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// Validate enforces Min <= Max
func (t ThresholdRange) Validate() error {
	if t.Min > t.Max {
		return ErrInvalidRange
	}
	return nil
}

// Contains reports whether v lies inside the range, bounds included
func (t ThresholdRange) Contains(v float64) bool {
	return v >= t.Min && v <= t.Max
}

// ThresholdResult is the outcome of evaluating one reading.
// Reason is only set when Status is StatusWarning.
type ThresholdResult struct {
	Value  float64 `json:"value"`
	Status Status  `json:"status"`
	Reason string  `json:"reason,omitempty"`
}

// IsWarning reports whether the result should be logged
func (r ThresholdResult) IsWarning() bool {
	return r.Status == StatusWarning
}

// WarningReason builds the reason text for a sensor outside its range
func WarningReason(sensor string) string {
	return ReasonPrefix + sensor
}

// ParseValue parses a path or query value into a finite decimal number
func ParseValue(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if !decimalPattern.MatchString(s) {
		return 0, ErrInvalidValue
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		// out of range for float64, e.g. "1e400"
		return 0, ErrNonFiniteValue
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, ErrNonFiniteValue
	}
	return v, nil
}

// FormatValue renders v in its shortest decimal form ("35", "12.5")
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
