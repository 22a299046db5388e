package render

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrCancelled reports a render that was superseded by a newer request for
// the same slot, or whose context ended. It is not a user-facing failure.
var ErrCancelled = errors.New("render cancelled")

// ProcessError is a compiler run that ended unsuccessfully.
type ProcessError struct {
	Code   int    // exit code, -1 when terminated by a signal
	State  string // process state as reported by the OS, e.g. "signal: killed"
	Stderr string // tail of the compiler's diagnostics
}

func (e *ProcessError) Error() string {
	if e.Code < 0 {
		return fmt.Sprintf("openscad terminated (%s)", e.State)
	}
	return fmt.Sprintf("openscad exited with code %d", e.Code)
}

// Diagnostic returns the last non-empty stderr line, which for OpenSCAD is
// usually the error that stopped the render.
func (e *ProcessError) Diagnostic() string {
	lines := strings.Split(strings.TrimSpace(e.Stderr), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

// SpawnError is a compiler that could not be started at all.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Category is a coarse classification of render outcomes.
type Category string

const (
	CategoryNone      Category = ""
	CategoryCancelled Category = "cancelled"
	CategoryProcess   Category = "process"
	CategorySpawn     Category = "spawn"
	CategoryOther     Category = "other"
)

// Classify maps an error returned by Render to its category.
func Classify(err error) Category {
	if err == nil {
		return CategoryNone
	}
	if IsCancelled(err) {
		return CategoryCancelled
	}
	var perr *ProcessError
	if errors.As(err, &perr) {
		return CategoryProcess
	}
	var serr *SpawnError
	if errors.As(err, &serr) {
		return CategorySpawn
	}
	return CategoryOther
}

// IsCancelled reports whether err means the render was cancelled.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}
