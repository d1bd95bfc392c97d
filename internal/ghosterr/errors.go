// Package ghosterr collects Ghost's sentinel errors in one flat table so
// callers can wrap with fmt.Errorf("%w: ...") and callers can check with
// errors.Is without importing half a dozen component packages.
package ghosterr

import "errors"

var (
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrFailedToReadConfig = errors.New("failed to read config")
)

// Transport errors.
var (
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrTransportDegraded    = errors.New("transport degraded")
	ErrBreakerOpen          = errors.New("circuit breaker open")
	ErrInvalidPattern       = errors.New("invalid subscription pattern")
	ErrMalformedMessage     = errors.New("malformed message")
	ErrMessageTooLarge      = errors.New("message exceeds size limit")
	ErrPublishTimeout       = errors.New("publish timed out")
)

// State store errors.
var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrPersistenceFailed = errors.New("persistence failed")
	ErrIllegalState      = errors.New("illegal state transition")
	ErrSchemaMissing     = errors.New("required schema not present")
)

// Process supervisor errors.
var (
	ErrSpawnFailed          = errors.New("failed to spawn process")
	ErrTerminateFailed      = errors.New("failed to terminate process")
	ErrProcessNotRunning    = errors.New("process not running")
	ErrProcessAlreadyExists = errors.New("process already registered")
	ErrMaxRestartsExceeded  = errors.New("maximum restart attempts exceeded")
	ErrManifestInvalid      = errors.New("invalid process manifest")
	ErrTimeout              = errors.New("operation timed out")
	ErrDisposed             = errors.New("component disposed")
)

// Connection tracker errors.
var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrConnectTimeout     = errors.New("connection attempt timed out")
)

// Command processor errors.
var (
	ErrUnknownCommand  = errors.New("unknown command")
	ErrCommandRejected = errors.New("command rejected")
	ErrHandlerTimeout  = errors.New("command handler timed out")
)

var (
	As  = errors.As
	Is  = errors.Is
	New = errors.New
)
