package bridge

import "fmt"

// FailureKind classifies why an execution did not produce a value.
type FailureKind string

const (
	// KindOverloaded means the inbound queue was full and the request was rejected.
	KindOverloaded FailureKind = "overloaded"
	// KindTimeout means no result arrived within the caller's budget.
	KindTimeout FailureKind = "timeout"
	// KindFaulted means the procedure returned an error or panicked.
	KindFaulted FailureKind = "faulted"
	// KindCancelled means the caller or the bridge gave up before completion.
	KindCancelled FailureKind = "cancelled"
	// KindRepairFailed means the repair collaborator could not produce a candidate.
	KindRepairFailed FailureKind = "repair_failed"
	// KindGenerationFailed means the generate collaborator could not produce a candidate.
	KindGenerationFailed FailureKind = "generation_failed"
	// KindUnknownCapability means no handler is registered for the requested name.
	KindUnknownCapability FailureKind = "unknown_capability"
	// KindNoActiveSession means no remote session is bound to receive events.
	KindNoActiveSession FailureKind = "no_active_session"
	// KindTransportClosed means the remote peer disconnected mid-turn.
	KindTransportClosed FailureKind = "transport_closed"
)

// Failure describes a failed execution. Trace carries diagnostics such as a
// captured stack; it is never shown raw to remote users.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
	Trace   string      `json:"trace,omitempty"`
}

// Error implements the error interface
func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Result is the outcome of one execution: either a value or a failure,
// never both and never neither.
type Result struct {
	Value   interface{} `json:"value,omitempty"`
	Failure *Failure    `json:"failure,omitempty"`
}

// Ok reports whether the result carries a value.
func (r Result) Ok() bool {
	return r.Failure == nil
}

// Is reports whether the result failed with the given kind.
func (r Result) Is(kind FailureKind) bool {
	return r.Failure != nil && r.Failure.Kind == kind
}

// ValueResult wraps a value in a successful Result.
func ValueResult(value interface{}) Result {
	return Result{Value: value}
}

// Fail builds a failed Result.
func Fail(kind FailureKind, message string) Result {
	return Result{Failure: &Failure{Kind: kind, Message: message}}
}

// Failf builds a failed Result with a formatted message.
func Failf(kind FailureKind, format string, args ...interface{}) Result {
	return Fail(kind, fmt.Sprintf(format, args...))
}

// FailTrace builds a failed Result carrying a diagnostic trace.
func FailTrace(kind FailureKind, message, trace string) Result {
	return Result{Failure: &Failure{Kind: kind, Message: message, Trace: trace}}
}
