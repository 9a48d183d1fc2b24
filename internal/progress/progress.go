// Package progress carries the ephemeral event stream
// ContainerLifecycle emits while it works. The core never formats
// these for a terminal itself — that is the UI layer's job, which is
// an explicit non-goal of this module.
package progress

import "github.com/intersystems-community/iris-devtester/internal/diagnostics"

// Kind is the closed set of event variants.
type Kind string

const (
	KindStep    Kind = "step"
	KindSubStep Kind = "subStep"
	KindSuccess Kind = "success"
	KindWarning Kind = "warning"
	KindError   Kind = "error"
)

// Event is one entry in the progress stream.
type Event struct {
	Kind       Kind
	Message    string
	Cause      error
	Diagnostic *diagnostics.Error
}

// Step reports the start of a major operation phase.
func Step(message string) Event { return Event{Kind: KindStep, Message: message} }

// SubStep reports a finer-grained action within the current phase.
func SubStep(message string) Event { return Event{Kind: KindSubStep, Message: message} }

// Success reports that the current phase completed as expected.
func Success(message string) Event { return Event{Kind: KindSuccess, Message: message} }

// Warning reports a recovered or non-fatal problem.
func Warning(message string, cause error) Event {
	return Event{Kind: KindWarning, Message: message, Cause: cause}
}

// Error reports a terminal failure, carrying the full diagnostic.
func Error(diag *diagnostics.Error) Event {
	return Event{Kind: KindError, Message: diag.Symptom, Diagnostic: diag}
}

// Emitter is implemented by callers who want to observe a lifecycle
// operation's progress stream. ContainerLifecycle calls Emit
// sequentially from the goroutine driving the operation, never
// concurrently.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a plain function to the Emitter interface.
type EmitterFunc func(Event)

// Emit calls f(event).
func (f EmitterFunc) Emit(event Event) { f(event) }

// Discard is an Emitter that drops every event, for callers that don't
// need progress reporting.
var Discard Emitter = EmitterFunc(func(Event) {})

// Collector is an Emitter that appends every event to a slice, useful
// in tests that want to assert on the emitted sequence.
type Collector struct {
	Events []Event
}

// Emit appends event to c.Events.
func (c *Collector) Emit(event Event) { c.Events = append(c.Events, event) }
