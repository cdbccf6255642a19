// Package errs defines the error kinds of spec §7 as typed, wrapped errors
// that record which journal checkpoint (types.Operation) was in flight
// when they were raised, so a caller deciding whether to resume can reason
// about it without re-parsing a message string.
package errs

import (
	"errors"
	"fmt"

	"github.com/LewisTansley/ntfsconv/pkg/types"
)

// PreflightError reports that the environment was unsuitable before any
// mutation was attempted (missing tool, not privileged, swap active,
// unreadable partition table, insufficient headroom). Always fatal.
type PreflightError struct {
	Reason string
}

func (e *PreflightError) Error() string {
	return fmt.Sprintf("preflight check failed: %s", e.Reason)
}

// BlockOpError reports that a Block Layer Adapter operation failed.
type BlockOpError struct {
	Op  string
	Err error
}

func (e *BlockOpError) Error() string {
	return fmt.Sprintf("block operation %q failed: %v", e.Op, e.Err)
}

func (e *BlockOpError) Unwrap() error { return e.Err }

// MountError reports a mount precondition failure or an unmount that did
// not release after the retry budget (spec §4.1's 3 retries).
type MountError struct {
	MountPoint string
	Unmounting bool
	Err        error
}

func (e *MountError) Error() string {
	verb := "mount"
	if e.Unmounting {
		verb = "unmount"
	}
	return fmt.Sprintf("%s %q: %v", verb, e.MountPoint, e.Err)
}

func (e *MountError) Unwrap() error { return e.Err }

// VerificationError reports that the §4.3 acceptance gate rejected a
// migration. The source is guaranteed untouched when this is returned.
type VerificationError struct {
	Verified, Missing, Failed, Total int
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification gate rejected migration: verified=%d missing=%d failed=%d total=%d",
		e.Verified, e.Missing, e.Failed, e.Total)
}

// KernelViewStaleError reports that a partition-table mutation did not
// converge in the kernel's view within the bounded wait.
type KernelViewStaleError struct {
	Device types.Device
}

func (e *KernelViewStaleError) Error() string {
	return fmt.Sprintf("kernel partition view for %s did not converge in time", e.Device)
}

// NoProgressError reports that three consecutive iterations moved less
// than 1 MiB and the user (via the prompt collaborator) chose to abort.
type NoProgressError struct {
	Iterations int
}

func (e *NoProgressError) Error() string {
	return fmt.Sprintf("no progress after %d consecutive iterations", e.Iterations)
}

// UserAbortedError reports that a cancel-type prompt response ended the run.
type UserAbortedError struct {
	During types.Operation
}

func (e *UserAbortedError) Error() string {
	return fmt.Sprintf("aborted by user during %s", e.During)
}

// InterruptedError reports a signal-driven shutdown.
type InterruptedError struct {
	Signal string
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("interrupted by signal %s", e.Signal)
}

// stepError carries the last_operation value that was active in the
// journal at the moment an error occurred. WithStep attaches it to any
// error by wrapping, and Step recovers it via errors.As, so resume logic
// never has to parse messages.
type stepError struct {
	step types.Operation
	err  error
}

func (e *stepError) Error() string { return fmt.Sprintf("%s: %v", e.step, e.err) }
func (e *stepError) Unwrap() error { return e.err }

// WithStep annotates err with the journal checkpoint active when it
// occurred. Returns nil if err is nil.
func WithStep(step types.Operation, err error) error {
	if err == nil {
		return nil
	}
	return &stepError{step: step, err: err}
}

// Step extracts the journal checkpoint attached by WithStep, if any.
func Step(err error) (types.Operation, bool) {
	var se *stepError
	if errors.As(err, &se) {
		return se.step, true
	}
	return "", false
}

// IsFatal reports whether err should abort the conversion outright, as
// opposed to NoProgressError (which the engine surfaces as a prompt and
// only aborts on an explicit user choice).
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var noProgress *NoProgressError
	return !errors.As(err, &noProgress)
}
