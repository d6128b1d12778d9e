// Package errors extends the standard errors package with the error
// taxonomy the PMU daemon uses to decide whether a failure is fatal to
// a subsystem, retryable, or simply reported as "N/A" for one sampling
// interval.
package errors

import (
	stdliberrors "errors"
	"fmt"
)

var (
	ErrUnsupported = stdliberrors.ErrUnsupported

	As     = stdliberrors.As
	Is     = stdliberrors.Is
	Join   = stdliberrors.Join
	New    = stdliberrors.New
	Unwrap = stdliberrors.Unwrap
)

// Sentinel errors for the taxonomy in spec.md §7. Use errors.Is against
// these; wrap with fmt.Errorf("...: %w", ErrX) for context.
var (
	// ErrUnsupportedProcessor indicates the processor model, kernel feature,
	// or virtualization layer required by a component is missing. Fatal at
	// init for the affected subsystem, never for the whole process.
	ErrUnsupportedProcessor = stdliberrors.New("unsupported processor or environment")

	// ErrAccessDenied indicates the OS refused an MSR/PCI/MMIO access.
	ErrAccessDenied = stdliberrors.New("access denied")

	// ErrPmuBusy indicates another owner already holds programming rights
	// to the PMU (see the Instance Lock in spec.md §4.1).
	ErrPmuBusy = stdliberrors.New("pmu busy")

	// ErrOffline indicates the target logical processor is offlined.
	ErrOffline = stdliberrors.New("core offline")

	// ErrTransientIO indicates an MMIO read returned all-ones or a PCI
	// vendor ID mismatch occurred; treated as "not present" during
	// discovery and as a read failure during steady-state sampling.
	ErrTransientIO = stdliberrors.New("transient io failure")

	// ErrProtocol indicates a malformed HTTP request.
	ErrProtocol = stdliberrors.New("protocol error")

	// ErrConfiguration indicates a caller asked program() for more
	// counters than the hardware has, or requested conflicting modes.
	ErrConfiguration = stdliberrors.New("invalid configuration")
)

// RetryableError is implemented by errors the caller may retry (PmuBusy
// after requesting a reset, or a transient register access failure).
type RetryableError interface {
	error
	Retryable()
}

// Retryable reports whether err (or something it wraps) is a RetryableError.
func Retryable(err error) bool {
	var rerr RetryableError
	return As(err, &rerr)
}

func NewRetryable(text string) RetryableError {
	return &retryableError{text}
}

type retryableError struct {
	text string
}

func (r *retryableError) Error() string {
	return r.text
}

func (r *retryableError) Retryable() {}

// Offline wraps ErrOffline with the core id that was offline.
func Offline(coreID int32) error {
	return fmt.Errorf("core %d: %w", coreID, ErrOffline)
}

// AccessDenied wraps ErrAccessDenied with the register that was refused.
func AccessDenied(what string, cause error) error {
	if cause != nil {
		return fmt.Errorf("%s: %w: %v", what, ErrAccessDenied, cause)
	}
	return fmt.Errorf("%s: %w", what, ErrAccessDenied)
}

// PmuBusy wraps ErrPmuBusy with the unit name that is already owned. It is
// retryable: a caller may request a reset and try again.
func PmuBusy(unit string) error {
	return &retryablePmuBusy{unit: unit}
}

type retryablePmuBusy struct{ unit string }

func (e *retryablePmuBusy) Error() string {
	return fmt.Sprintf("pmu %q busy: %v", e.unit, ErrPmuBusy)
}
func (e *retryablePmuBusy) Unwrap() error { return ErrPmuBusy }
func (e *retryablePmuBusy) Retryable()    {}

// TransientIO wraps ErrTransientIO, retryable on the next sampling tick.
func TransientIO(what string) error {
	return &retryableTransient{what: what}
}

type retryableTransient struct{ what string }

func (e *retryableTransient) Error() string {
	return fmt.Sprintf("%s: %v", e.what, ErrTransientIO)
}
func (e *retryableTransient) Unwrap() error { return ErrTransientIO }
func (e *retryableTransient) Retryable()    {}

// Configuration wraps ErrConfiguration with a human-readable reason.
func Configuration(reason string) error {
	return fmt.Errorf("%s: %w", reason, ErrConfiguration)
}

// Protocol wraps ErrProtocol with a human-readable reason, used by the
// HTTP layer to produce a 400 response body.
func Protocol(reason string) error {
	return fmt.Errorf("%s: %w", reason, ErrProtocol)
}

// Unsupported wraps ErrUnsupportedProcessor with no further detail, for
// call sites (non-x86 builds, leaf queries on a processor lacking them)
// where there is nothing more specific to report.
func Unsupported() error {
	return ErrUnsupportedProcessor
}
