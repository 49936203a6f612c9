// Package state – errors.go defines the typed errors returned by the store.
package state

import (
	"errors"
	"fmt"
)

// Sentinel errors for identifier and path validation. Callers match with
// errors.Is.
var (
	// ErrInvalidIdentifier is returned when an identifier contains characters
	// outside the safe pattern (letters, digits, '_', '-', starting alphanumeric).
	ErrInvalidIdentifier = errors.New("invalid identifier")

	// ErrPathEscape is returned when a derived path would resolve outside its
	// base directory.
	ErrPathEscape = errors.New("path escapes base directory")

	// ErrJobNotFound is returned when a job id has no metadata on disk.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobTerminal is returned when an update would mutate a job that has
	// already reached a terminal status.
	ErrJobTerminal = errors.New("job is terminal")

	// ErrSessionNotFound is returned when no chat session exists for a channel.
	ErrSessionNotFound = errors.New("chat session not found")
)

// StateDirError wraps a failure to create or access the state directory tree.
type StateDirError struct {
	Path string
	Err  error
}

func (e *StateDirError) Error() string {
	return fmt.Sprintf("state directory %s: %v", e.Path, e.Err)
}

func (e *StateDirError) Unwrap() error { return e.Err }

// AtomicWriteError wraps a failure during a write-to-temp-then-rename cycle.
type AtomicWriteError struct {
	Path string
	Err  error
}

func (e *AtomicWriteError) Error() string {
	return fmt.Sprintf("atomic write %s: %v", e.Path, e.Err)
}

func (e *AtomicWriteError) Unwrap() error { return e.Err }
