// errors.go - Error severities and diagnostics for the rewrite pipeline
package main

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorSeverity splits failures into the two classes the pipeline knows:
// function-local problems degrade the function to verbatim preservation and
// the run continues; structural problems abort the whole run before any
// output file exists.
type ErrorSeverity int

const (
	SeverityRecoverable ErrorSeverity = iota
	SeverityFatal
)

func (s ErrorSeverity) String() string {
	switch s {
	case SeverityRecoverable:
		return "recoverable"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ErrorCategory classifies where in the pipeline a failure happened.
type ErrorCategory int

const (
	CategoryLayout ErrorCategory = iota
	CategoryEmission
	CategoryRelocation
	CategoryPatching
	CategoryOutput
	CategoryInternal
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryLayout:
		return "layout"
	case CategoryEmission:
		return "emission"
	case CategoryRelocation:
		return "relocation"
	case CategoryPatching:
		return "patching"
	case CategoryOutput:
		return "output"
	case CategoryInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// RewriteError carries enough context (section, address, symbol) to diagnose
// a failure without re-running. Fatal errors surface to the user as-is;
// recoverable ones are aggregated into the run summary.
type RewriteError struct {
	Severity ErrorSeverity
	Category ErrorCategory
	Section  string
	Address  uint64
	Symbol   string
	Err      error
}

func (e *RewriteError) Error() string {
	msg := fmt.Sprintf("%s %s error", e.Severity, e.Category)
	if e.Section != "" {
		msg += " in " + e.Section
	}
	if e.Address != 0 {
		msg += fmt.Sprintf(" at %#x", e.Address)
	}
	if e.Symbol != "" {
		msg += " (symbol " + e.Symbol + ")"
	}
	return msg + ": " + e.Err.Error()
}

func (e *RewriteError) Unwrap() error { return e.Err }

// IsFatal reports whether err or anything it wraps is a fatal RewriteError.
func IsFatal(err error) bool {
	var re *RewriteError
	if errors.As(err, &re) {
		return re.Severity == SeverityFatal
	}
	return false
}

// fatalError builds a structural error that aborts the run.
func fatalError(cat ErrorCategory, section string, addr uint64, err error) *RewriteError {
	return &RewriteError{
		Severity: SeverityFatal,
		Category: cat,
		Section:  section,
		Address:  addr,
		Err:      err,
	}
}

// recoverableError builds a function-local error recorded in the failure set.
func recoverableError(cat ErrorCategory, symbol string, addr uint64, err error) *RewriteError {
	return &RewriteError{
		Severity: SeverityRecoverable,
		Category: cat,
		Symbol:   symbol,
		Address:  addr,
		Err:      err,
	}
}
