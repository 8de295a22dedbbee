package droidpack

import (
	"errors"
	"fmt"
)

// ErrorCategory buckets every failure the pipeline can produce so that
// the CLI can map it to a distinct exit code.
type ErrorCategory int

const (
	CategoryUnknown ErrorCategory = iota
	CategoryValidation
	CategoryResolution
	CategoryToolchain
	CategoryPackaging
)

// ExitCode returns the process exit code for a category.
func (c ErrorCategory) ExitCode() int {
	switch c {
	case CategoryValidation:
		return 2
	case CategoryResolution:
		return 3
	case CategoryToolchain:
		return 4
	case CategoryPackaging:
		return 5
	}

	return 1
}

func (c ErrorCategory) String() string {
	switch c {
	case CategoryValidation:
		return "validation"
	case CategoryResolution:
		return "resolution"
	case CategoryToolchain:
		return "toolchain"
	case CategoryPackaging:
		return "packaging"
	}

	return "unknown"
}

type categorizedError struct {
	err      error
	category ErrorCategory
	kind     string
}

func (e *categorizedError) Error() string {
	if e.err == nil {
		return e.kind
	}

	return fmt.Sprintf("%s: %s", e.kind, e.err.Error())
}

func (e *categorizedError) Unwrap() error {
	return e.err
}

func categorize(err error, category ErrorCategory, kind string) error {
	if err == nil {
		return nil
	}

	return &categorizedError{err: err, category: category, kind: kind}
}

// ValidationError marks a malformed or contradictory build spec.
// Always local, never retried.
func ValidationError(err error) error {
	return categorize(err, CategoryValidation, "validation")
}

// ResolutionError marks a file-set or dependency resolution failure.
func ResolutionError(err error) error {
	return categorize(err, CategoryResolution, "resolution")
}

// ConflictError marks an unsatisfiable dependency constraint set.
func ConflictError(err error) error {
	return categorize(err, CategoryResolution, "conflict")
}

// CycleError marks a dependency cycle.
func CycleError(err error) error {
	return categorize(err, CategoryResolution, "cycle")
}

// ToolchainError marks a toolchain provisioning or compatibility failure.
func ToolchainError(err error) error {
	return categorize(err, CategoryToolchain, "toolchain")
}

// CompileError marks a failed external compile step.
func CompileError(err error) error {
	return categorize(err, CategoryPackaging, "compile")
}

// PackagingError marks a failed external packaging step.
func PackagingError(err error) error {
	return categorize(err, CategoryPackaging, "packaging")
}

// SigningError marks a failed signing step.
func SigningError(err error) error {
	return categorize(err, CategoryPackaging, "signing")
}

// CategoryFromError extracts the category an error was marked with,
// or CategoryUnknown.
func CategoryFromError(err error) ErrorCategory {
	cerr := &categorizedError{}
	if errors.As(err, &cerr) {
		return cerr.category
	}

	return CategoryUnknown
}

// ExitCodeFromError maps an error onto the CLI exit code for its category.
func ExitCodeFromError(err error) int {
	if err == nil {
		return 0
	}

	return CategoryFromError(err).ExitCode()
}
