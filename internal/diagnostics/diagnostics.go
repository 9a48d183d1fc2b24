// Package diagnostics implements the closed error-kind taxonomy shared
// by every component of the container orchestration core. Every error
// the core returns carries a Kind, a concise symptom, structured
// context, a remediation hint, and a stable reference tag; rendering
// those four parts into a human-readable message is the UI layer's
// job, not this package's.
package diagnostics

import "fmt"

// Kind is the closed set of error kinds the core emits.
type Kind string

const (
	// Config
	KindInvalidConfig Kind = "InvalidConfig"

	// Engine
	KindEngineUnavailable   Kind = "EngineUnavailable"
	KindImageNotFound       Kind = "ImageNotFound"
	KindRegistryUnreachable Kind = "RegistryUnreachable"
	KindNameInUse           Kind = "NameInUse"
	KindPortAlreadyBound    Kind = "PortAlreadyBound"
	KindInvalidMount        Kind = "InvalidMount"
	KindContainerRunning    Kind = "ContainerRunning"
	KindContainerNotFound   Kind = "ContainerNotFound"

	// Registry
	KindPortsExhausted   Kind = "PortsExhausted"
	KindPortConflict     Kind = "PortConflict"
	KindLockTimeout      Kind = "LockTimeout"
	KindRegistryCorrupted Kind = "RegistryCorrupted"

	// Health
	KindHealthTimeout            Kind = "HealthTimeout"
	KindUnhealthyExistingContainer Kind = "UnhealthyExistingContainer"
	KindStaleReference           Kind = "StaleReference"

	// Remediation
	KindRemediationFailed Kind = "RemediationFailed"

	// Lifecycle
	KindAttachedHandle   Kind = "AttachedHandle"
	KindCancelled        Kind = "Cancelled"
	KindDeadlineExceeded Kind = "DeadlineExceeded"
)

// SubCause narrows KindRemediationFailed into the three documented
// failure modes.
type SubCause string

const (
	SubCausePasswordRejected     SubCause = "PasswordRejected"
	SubCauseServiceEnableRejected SubCause = "ServiceEnableRejected"
	SubCauseExecNonRetryable     SubCause = "ExecNonRetryable"
)

// Error is the core's single error type. Every field is part of the
// contract: callers render it (symptom / why it matters / how to fix /
// reference), never a pre-formatted string.
type Error struct {
	Kind        Kind
	Symptom     string
	Context     map[string]string
	Remediation string
	Reference   string
	SubCause    SubCause
	Cause       error
}

// New constructs a Diagnostic error. context may be nil.
func New(kind Kind, symptom string, context map[string]string, remediation, reference string) *Error {
	return &Error{
		Kind:        kind,
		Symptom:     symptom,
		Context:     context,
		Remediation: remediation,
		Reference:   reference,
	}
}

// Wrap constructs a Diagnostic error that wraps a lower-level cause.
func Wrap(kind Kind, symptom string, cause error, context map[string]string, remediation, reference string) *Error {
	e := New(kind, symptom, context, remediation, reference)
	e.Cause = cause
	return e
}

// Error implements the error interface. It is deliberately terse; the
// UI layer owns the four-part rendering.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Symptom, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Symptom)
}

// Unwrap exposes the wrapped cause, if any, for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a *Error with the same Kind, so
// callers can write errors.Is(err, diagnostics.New(diagnostics.KindPortConflict, ...))
// or, more usually, compare against a Kind with Is via IsKind below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var de *Error
	if !As(err, &de) {
		return false
	}
	return de.Kind == kind
}

// As is a small local helper kept so callers of this package don't
// need a direct "errors" import for the common case. It walks the
// Unwrap() error chain itself rather than calling errors.As; errors
// that unwrap to a slice (Unwrap() []error) are not searched.
func As(err error, target **Error) bool {
	for err != nil {
		if de, ok := err.(*Error); ok {
			*target = de
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// WithContext returns a copy of e with key=value merged into Context.
func (e *Error) WithContext(key, value string) *Error {
	cp := *e
	cp.Context = make(map[string]string, len(e.Context)+1)
	for k, v := range e.Context {
		cp.Context[k] = v
	}
	cp.Context[key] = value
	return &cp
}
