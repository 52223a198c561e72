// Package errs defines the runtime's error taxonomy: configuration,
// lifecycle, build, runtime, and transport errors, each a distinct type
// for errors.As. BuildError and RuntimeError also wrap a caller-supplied
// cause so errors.Is reaches it; the other three carry no cause.
package errs

import "fmt"

// LifecycleKind enumerates the controller's lifecycle error cases.
type LifecycleKind string

const (
	AlreadyBuilt        LifecycleKind = "AlreadyBuilt"
	NotBuilt             LifecycleKind = "NotBuilt"
	StillBuilt           LifecycleKind = "StillBuilt"
	DependentStillBuilt  LifecycleKind = "DependentStillBuilt"
	NotFound             LifecycleKind = "NotFound"
)

// RuntimeKind enumerates the worker-originated runtime error cases.
type RuntimeKind string

const (
	ExternalServiceUnavailable RuntimeKind = "ExternalServiceUnavailable"
	KernelPanic                RuntimeKind = "KernelPanic"

	// ProcessCrashed renders with the trailing period intact: callers rely
	// on the literal substring "Process crashed." appearing in Error().
	ProcessCrashed RuntimeKind = "Process crashed."
)

// TransportKind enumerates the transport-layer error cases.
type TransportKind string

const (
	Timeout         TransportKind = "Timeout"
	EndpointNotFound TransportKind = "EndpointNotFound"
)

// ConfigurationError covers bad params, unknown node types, and unresolved
// or cyclic references.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string { return "configuration error: " + e.Message }

func NewConfigurationError(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

// LifecycleError covers AlreadyBuilt/NotBuilt/StillBuilt/DependentStillBuilt/NotFound.
type LifecycleError struct {
	Kind LifecycleKind
	ID   string
}

func (e *LifecycleError) Error() string {
	if e.ID == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.ID)
}

func NewLifecycleError(kind LifecycleKind, id string) *LifecycleError {
	return &LifecycleError{Kind: kind, ID: id}
}

// BuildError wraps the message a kernel's Build function raised.
type BuildError struct {
	ID    string
	Cause error
}

func (e *BuildError) Error() string  { return fmt.Sprintf("build failed for %s: %v", e.ID, e.Cause) }
func (e *BuildError) Unwrap() error { return e.Cause }

func NewBuildError(id string, cause error) *BuildError {
	return &BuildError{ID: id, Cause: cause}
}

// RuntimeError covers exceptions and crashes reported by a worker.
type RuntimeError struct {
	Kind  RuntimeKind
	Cause error
}

func (e *RuntimeError) Error() string {
	if e.Cause == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}
func (e *RuntimeError) Unwrap() error { return e.Cause }

func NewRuntimeError(kind RuntimeKind, cause error) *RuntimeError {
	return &RuntimeError{Kind: kind, Cause: cause}
}

// TransportError covers timeouts and unresolved discovery lookups.
type TransportError struct {
	Kind TransportKind
	Name string
}

func (e *TransportError) Error() string {
	if e.Name == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Name)
}

func NewTransportError(kind TransportKind, name string) *TransportError {
	return &TransportError{Kind: kind, Name: name}
}
