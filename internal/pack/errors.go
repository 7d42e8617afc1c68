package pack

import (
	"fmt"
	"strings"
)

// ErrPackNotFound is returned when an operation targets an unregistered
// domain.
type ErrPackNotFound struct {
	Domain string
}

// Error implements the error interface.
func (e *ErrPackNotFound) Error() string {
	return fmt.Sprintf("pack %q is not registered", e.Domain)
}

// ErrSystemPack is returned for operations the system pack forbids:
// unloading it or overwriting its registration.
type ErrSystemPack struct {
	Op string // "unload" or "overwrite"
}

// Error implements the error interface.
func (e *ErrSystemPack) Error() string {
	return fmt.Sprintf("cannot %s the system pack", e.Op)
}

// ErrDependencyCycle is returned when loading would recurse forever.
// Path lists the domains along the cycle, ending where it re-enters.
type ErrDependencyCycle struct {
	Path []string
}

// Error implements the error interface.
func (e *ErrDependencyCycle) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Path, " -> "))
}

// LifecycleError wraps a failure from a pack's OnLoad or OnUnload hook.
type LifecycleError struct {
	Domain string
	Hook   string // "load" or "unload"
	Err    error
}

// Error implements the error interface.
func (e *LifecycleError) Error() string {
	return fmt.Sprintf("pack %q %s hook: %v", e.Domain, e.Hook, e.Err)
}

// Unwrap supports errors.Is/As on the wrapped hook error.
func (e *LifecycleError) Unwrap() error {
	return e.Err
}
