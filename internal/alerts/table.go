package alerts

import (
	"errors"
	"fmt"

	"sensorwatch/internal/models"
)

var (
	ErrEmptyTable    = errors.New("threshold table needs at least one sensor")
	ErrDuplicateRule = errors.New("duplicate sensor in threshold table")
	ErrEmptyRuleName = errors.New("threshold rule needs a sensor name")
	errNilTable      = errors.New("evaluator needs a threshold table")
)

// Rule binds a sensor name to its acceptable range.
type Rule struct {
	Sensor string
	Range  models.ThresholdRange
}

// Table is an immutable sensor -> range mapping. Build it once with NewTable
// and share it; nothing mutates it afterwards.
type Table struct {
	order  []string
	ranges map[string]models.ThresholdRange
}

// NewTable validates rules and returns a table that keeps their order.
func NewTable(rules ...Rule) (*Table, error) {
	if len(rules) == 0 {
		return nil, ErrEmptyTable
	}

	t := &Table{
		order:  make([]string, 0, len(rules)),
		ranges: make(map[string]models.ThresholdRange, len(rules)),
	}
	for _, r := range rules {
		if r.Sensor == "" {
			return nil, ErrEmptyRuleName
		}
		if err := r.Range.Validate(); err != nil {
			return nil, fmt.Errorf("sensor %s: %w", r.Sensor, err)
		}
		if _, ok := t.ranges[r.Sensor]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRule, r.Sensor)
		}
		t.order = append(t.order, r.Sensor)
		t.ranges[r.Sensor] = r.Range
	}
	return t, nil
}

// DefaultTable returns the built-in ranges for Temperatur, Luftfuktighet and CO2.
func DefaultTable() *Table {
	t, err := NewTable(
		Rule{Sensor: "Temperatur", Range: models.ThresholdRange{Min: 0, Max: 30}},
		Rule{Sensor: "Luftfuktighet", Range: models.ThresholdRange{Min: 20, Max: 70}},
		Rule{Sensor: "CO2", Range: models.ThresholdRange{Min: 0, Max: 1000}},
	)
	if err != nil {
		panic(err)
	}
	return t
}

// Lookup returns the range for sensor using an exact, case-sensitive match.
func (t *Table) Lookup(sensor string) (models.ThresholdRange, bool) {
	r, ok := t.ranges[sensor]
	return r, ok
}

// Sensors lists known sensors in declaration order.
func (t *Table) Sensors() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// Len returns the number of known sensors.
func (t *Table) Len() int {
	return len(t.order)
}
