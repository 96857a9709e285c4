package storage

import (
	"context"
	"errors"

	"sensorwatch/internal/models"
)

// Storage errors
var (
	ErrLogClosed = errors.New("warning log is closed")
	ErrEmptyPath = errors.New("warning log path cannot be empty")
)

// WarningLog appends warning entries to an append-only resource.
// Implementations must be safe for concurrent use and never interleave
// two entries.
type WarningLog interface {
	Append(ctx context.Context, entry models.WarningEntry) error
	Close() error
}
