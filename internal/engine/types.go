package engine

import (
	"errors"
	"time"
)

// ErrContextExists is returned when creating a context for a frame that
// already has one.
var ErrContextExists = errors.New("context already exists")

// LogEntry is one line of captured console output.
type LogEntry struct {
	Level   string    // log, info, warn, error
	Message string    // space-joined arguments
	Time    time.Time // when it was written
}
