package database

import (
	"fmt"
	"strings"
)

// ConfigurationError reports a missing or malformed setting, most commonly
// the database connection descriptor.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
	return fmt.Sprintf("configuration error: %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ProcessError reports an external dump/restore binary that failed.
type ProcessError struct {
	Binary   string
	ExitCode int    // -1 when the process never ran or was killed
	Stderr   string // tail of the diagnostic output
	Err      error
}

func (e *ProcessError) Error() string {
	msg := fmt.Sprintf("%s failed (exit %d): %v", e.Binary, e.ExitCode, e.Err)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += " - " + s
	}
	return msg
}

func (e *ProcessError) Unwrap() error { return e.Err }
