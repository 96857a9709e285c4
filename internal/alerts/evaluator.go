package alerts

import (
	"strconv"

	"sensorwatch/internal/metrics"
	"sensorwatch/internal/models"
)

// unknownRange is used for sensors missing from the table. Any nonzero
// value falls outside it.
var unknownRange = models.ThresholdRange{Min: 0, Max: 0}

// Evaluator classifies readings against a threshold table.
// It holds no mutable state and is safe for concurrent use.
type Evaluator struct {
	table *Table
}

// NewEvaluator creates an evaluator bound to table.
func NewEvaluator(table *Table) (*Evaluator, error) {
	if table == nil {
		return nil, errNilTable
	}
	return &Evaluator{table: table}, nil
}

// Evaluate maps (sensor, value) to a result. It never fails: unknown
// sensors are evaluated against the degenerate range (0, 0).
func (e *Evaluator) Evaluate(sensor string, value float64) models.ThresholdResult {
	rng, known := e.table.Lookup(sensor)
	if !known {
		rng = unknownRange
	}

	result := models.ThresholdResult{
		Value:  value,
		Status: models.StatusOK,
	}
	if value < rng.Min || value > rng.Max {
		result.Status = models.StatusWarning
		result.Reason = models.WarningReason(sensor)
	}

	metrics.EvaluationsTotal.WithLabelValues(strconv.FormatBool(known), string(result.Status)).Inc()
	return result
}

// Known reports whether sensor has an entry in the table.
func (e *Evaluator) Known(sensor string) bool {
	_, ok := e.table.Lookup(sensor)
	return ok
}

// Table returns the table the evaluator was built with.
func (e *Evaluator) Table() *Table {
	return e.table
}
