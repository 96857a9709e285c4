package models

import (
	"strings"
	"time"
)

// WarningTimestampFormat is the ctime-style layout used in the warning log
const WarningTimestampFormat = time.ANSIC

// WarningEntry is one record in the append-only warning log
type WarningEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Sensor    string    `json:"sensor"`
	Value     float64   `json:"value"`
}

// NewWarningEntry stamps a warning with the given wall-clock time in local time
func NewWarningEntry(sensor string, value float64, now time.Time) WarningEntry {
	return WarningEntry{
		Timestamp: now.Local(),
		Sensor:    sensor,
		Value:     value,
	}
}

// Line renders the entry as a single newline-terminated log line:
//
//	Mon Jan  2 15:04:05 2006 Sensor: Temperatur | Value: 35
func (e WarningEntry) Line() string {
	var b strings.Builder
	b.Grow(64 + len(e.Sensor))
	b.WriteString(e.Timestamp.Format(WarningTimestampFormat))
	b.WriteString(" Sensor: ")
	// keep one entry per line whatever the sensor name contains
	b.WriteString(strings.NewReplacer("\n", " ", "\r", " ").Replace(e.Sensor))
	b.WriteString(" | Value: ")
	b.WriteString(FormatValue(e.Value))
	b.WriteByte('\n')
	return b.String()
}
